package hls

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alxayo/go-rtmp/internal/fragment"
	"github.com/alxayo/go-rtmp/internal/media"
	"github.com/alxayo/go-rtmp/internal/packager"
)

var _ packager.Packager = (*Packager)(nil)

// TestPlaylistSlidesToConfiguredWindow mirrors §8 scenario 2: with a
// 3-fragment window and five completed 2s segments, the playlist must
// advertise exactly the three most recent fragments with the correct
// media sequence, and the retired segment files must no longer exist.
func TestPlaylistSlidesToConfiguredWindow(t *testing.T) {
	dir := t.TempDir()
	p := New(Config{
		Dir:              dir,
		FragmentDuration: 2 * time.Second,
		WindowCount:      3,
	})
	// New maps a zero DisposalTimeout to its 30s default; use a window
	// with no disposal grace period so retired segments are unlinked at once.
	p.window = fragment.NewWindow(3, 0, 0, "hls")

	if err := p.OnPublish("cam1"); err != nil {
		t.Fatalf("OnPublish: %v", err)
	}

	dts := uint32(0)
	for seg := 0; seg < 5; seg++ {
		// Keyframe opens each segment (first one handled by OnPublish).
		if err := p.OnPacket(&media.Packet{Type: media.TypeVideo, IsKeyframe: true, DTS: dts, Payload: []byte{0x17, 1, 0, 0, 0}}); err != nil {
			t.Fatalf("OnPacket keyframe: %v", err)
		}
		dts += 2000
		if err := p.OnPacket(&media.Packet{Type: media.TypeVideo, DTS: dts, Payload: []byte{0x27, 1, 0, 0, 0}}); err != nil {
			t.Fatalf("OnPacket inter: %v", err)
		}
	}
	p.OnUnpublish()

	data, err := os.ReadFile(dir + "/cam1.m3u8")
	if err != nil {
		t.Fatalf("read playlist: %v", err)
	}
	content := string(data)

	if !strings.Contains(content, "EXT-X-MEDIA-SEQUENCE:2") {
		t.Fatalf("expected media sequence 2, playlist:\n%s", content)
	}
	tsCount := strings.Count(content, ".ts")
	if tsCount != 3 {
		t.Fatalf("expected 3 segment references, got %d:\n%s", tsCount, content)
	}

	for _, seq := range []string{"000000", "000001"} {
		if _, err := os.Stat(dir + "/cam1-" + seq + ".ts"); !os.IsNotExist(err) {
			t.Fatalf("expected disposed segment %s to be unlinked", seq)
		}
	}
	for _, seq := range []string{"000002", "000003", "000004"} {
		if _, err := os.Stat(dir + "/cam1-" + seq + ".ts"); err != nil {
			t.Fatalf("expected live segment %s to still exist: %v", seq, err)
		}
	}
}
