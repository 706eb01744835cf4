// Package fragment implements the sliding retention window shared by the
// segmented (HLS/TS) and fragmented (fMP4/DASH) egress packagers
// (§3, §4.4, §4.5). A Fragment is one on-disk media segment; a Window
// tracks the live set, retiring old fragments in two stages so a client
// mid-read of a just-retired segment is not cut off mid-response.
package fragment

import (
	"os"
	"sync"
	"time"

	"github.com/alxayo/go-rtmp/internal/metrics"
)

// Fragment describes one egress segment already committed to disk by a
// packager (via internal/fswriter).
type Fragment struct {
	Path              string
	SequenceNumber    uint64
	StartDTS          uint32
	Duration          time.Duration
	IsKeyframeAligned bool
	ByteSize          int64

	disposedAt time.Time
	disposed   bool
}

// Window holds the live retention set of fragments for one packager
// instance, ordered by ascending SequenceNumber.
type Window struct {
	mu sync.Mutex

	fragments []*Fragment

	// Retention policy: each bound is applied on its own, so a fragment
	// beyond either the count bound or the duration bound is disposed.
	// 0 disables that bound.
	windowCount    int
	windowDuration time.Duration

	// DisposalTimeout is how long a disposed-but-not-yet-unlinked
	// fragment's file is kept on disk before the final unlink, so a
	// client still reading it via an already-issued playlist/MPD URL
	// is not abruptly cut off (§4.4/§4.5 "dispose then unlink").
	disposalTimeout time.Duration

	// kind labels the metrics this window reports (e.g. "hls", "fmp4").
	kind string

	nowFn func() time.Time
}

// NewWindow creates a window retaining at most windowCount fragments (0 =
// unbounded by count) spanning at most windowDuration (0 = unbounded by
// duration), unlinking disposed fragments after disposalTimeout. kind
// labels the fragment_unlinked_total metric this window reports.
func NewWindow(windowCount int, windowDuration, disposalTimeout time.Duration, kind string) *Window {
	return &Window{
		windowCount:     windowCount,
		windowDuration:  windowDuration,
		disposalTimeout: disposalTimeout,
		kind:            kind,
		nowFn:           time.Now,
	}
}

// Append adds a newly committed fragment to the head of the window and
// returns the fragments disposed as a result (for playlist/MPD
// regeneration and hook dispatch), via Slide.
func (w *Window) Append(f *Fragment) []*Fragment {
	w.mu.Lock()
	w.fragments = append(w.fragments, f)
	w.mu.Unlock()
	return w.Slide()
}

// Slide evaluates retention policy, marking fragments beyond the
// count/duration bounds as disposed (removed from Live but not yet
// unlinked), and physically unlinks fragments whose DisposalTimeout has
// elapsed. Returns the fragments newly disposed by this call.
func (w *Window) Slide() []*Fragment {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.nowFn()
	var newlyDisposed []*Fragment

	live := w.liveLocked()
	if w.windowCount > 0 {
		for len(live) > w.windowCount {
			f := live[0]
			f.disposed = true
			f.disposedAt = now
			newlyDisposed = append(newlyDisposed, f)
			live = live[1:]
		}
	}
	if w.windowDuration > 0 {
		for len(live) > 1 && w.spanLocked(live) > w.windowDuration {
			f := live[0]
			f.disposed = true
			f.disposedAt = now
			newlyDisposed = append(newlyDisposed, f)
			live = live[1:]
		}
	}

	// Physically unlink anything whose disposal grace period elapsed,
	// and drop it from the tracked slice entirely.
	kept := w.fragments[:0]
	for _, f := range w.fragments {
		if f.disposed && now.Sub(f.disposedAt) >= w.disposalTimeout {
			_ = os.Remove(f.Path)
			metrics.FragmentsUnlinked.WithLabelValues(w.kind).Inc()
			continue
		}
		kept = append(kept, f)
	}
	w.fragments = kept

	return newlyDisposed
}

// Live returns the fragments currently within the retention window (not
// yet disposed), in ascending sequence order.
func (w *Window) Live() []*Fragment {
	w.mu.Lock()
	defer w.mu.Unlock()
	live := w.liveLocked()
	out := make([]*Fragment, len(live))
	copy(out, live)
	return out
}

func (w *Window) liveLocked() []*Fragment {
	var live []*Fragment
	for _, f := range w.fragments {
		if !f.disposed {
			live = append(live, f)
		}
	}
	return live
}

func (w *Window) spanLocked(live []*Fragment) time.Duration {
	if len(live) < 2 {
		return 0
	}
	var total time.Duration
	for _, f := range live {
		total += f.Duration
	}
	return total
}

// Count returns the number of live (not yet disposed) fragments in the
// window.
func (w *Window) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.liveLocked())
}
