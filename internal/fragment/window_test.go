package fragment

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newFrag(t *testing.T, dir string, seq uint64, dur time.Duration) *Fragment {
	t.Helper()
	path := filepath.Join(dir, "seg.ts")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return &Fragment{Path: path, SequenceNumber: seq, Duration: dur, IsKeyframeAligned: true}
}

// TestWindowRetainsCountBound mirrors §8 scenario 2: a 3-fragment window
// of 6s each holds exactly the most recent 3 sequence numbers.
func TestWindowRetainsCountBound(t *testing.T) {
	dir := t.TempDir()
	w := NewWindow(3, 0, 0, "test") // no disposal grace period: unlink immediately
	fixedNow := time.Unix(1000, 0)
	w.nowFn = func() time.Time { return fixedNow }

	for seq := uint64(1); seq <= 5; seq++ {
		path := filepath.Join(dir, "seg"+string(rune('0'+seq))+".ts")
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		w.Append(&Fragment{Path: path, SequenceNumber: seq, Duration: 6 * time.Second, IsKeyframeAligned: true})
	}

	live := w.Live()
	if len(live) != 3 {
		t.Fatalf("expected 3 live fragments, got %d", len(live))
	}
	wantSeqs := []uint64{3, 4, 5}
	for i, f := range live {
		if f.SequenceNumber != wantSeqs[i] {
			t.Fatalf("live[%d].SequenceNumber = %d, want %d", i, f.SequenceNumber, wantSeqs[i])
		}
	}

	// Disposed fragments 1 and 2 must have been unlinked (0 grace period).
	if _, err := os.Stat(filepath.Join(dir, "seg1.ts")); !os.IsNotExist(err) {
		t.Fatal("expected disposed fragment 1 to be unlinked")
	}
	if _, err := os.Stat(filepath.Join(dir, "seg2.ts")); !os.IsNotExist(err) {
		t.Fatal("expected disposed fragment 2 to be unlinked")
	}
}

// TestWindowDisposalGraceDelaysUnlink verifies the two-stage dispose-then-
// unlink contract: a disposed fragment's file must survive until its
// DisposalTimeout elapses.
func TestWindowDisposalGraceDelaysUnlink(t *testing.T) {
	dir := t.TempDir()
	w := NewWindow(1, 0, 30*time.Second, "test")
	now := time.Unix(2000, 0)
	w.nowFn = func() time.Time { return now }

	aPath := filepath.Join(dir, "a.ts")
	os.WriteFile(aPath, []byte("x"), 0o644)
	f1 := &Fragment{Path: aPath, SequenceNumber: 1, Duration: time.Second, IsKeyframeAligned: true}
	w.Append(f1)

	bPath := filepath.Join(dir, "b.ts")
	os.WriteFile(bPath, []byte("x"), 0o644)
	f2 := &Fragment{Path: bPath, SequenceNumber: 2, Duration: time.Second, IsKeyframeAligned: true}
	w.Append(f2)

	// f1 should be disposed (outside the live window) but not yet unlinked.
	if _, err := os.Stat(f1.Path); err != nil {
		t.Fatalf("expected disposed fragment still present during grace period: %v", err)
	}

	// Advance time past the disposal timeout and slide again.
	now = now.Add(31 * time.Second)
	w.Slide()

	if _, err := os.Stat(f1.Path); !os.IsNotExist(err) {
		t.Fatal("expected fragment unlinked after disposal timeout elapsed")
	}
}

func TestWindowCountHelper(t *testing.T) {
	dir := t.TempDir()
	w := NewWindow(0, 0, 0, "test")
	for seq := uint64(1); seq <= 3; seq++ {
		w.Append(newFrag(t, dir, seq, time.Second))
	}
	if w.Count() != 3 {
		t.Fatalf("Count() = %d, want 3", w.Count())
	}
}
