package fmp4

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alxayo/go-rtmp/internal/media"
	"github.com/alxayo/go-rtmp/internal/packager"
)

var _ packager.Packager = (*Packager)(nil)

func TestPackagerWritesInitAndMediaSegments(t *testing.T) {
	dir := t.TempDir()
	p := New(Config{Dir: dir, FragmentDuration: time.Second})

	if err := p.OnPublish("camA"); err != nil {
		t.Fatalf("OnPublish: %v", err)
	}

	initData, err := os.ReadFile(dir + "/init-camA.m4s")
	if err != nil {
		t.Fatalf("read init segment: %v", err)
	}
	if !strings.Contains(string(initData[:16]), "ftyp") {
		t.Fatalf("expected ftyp box at start of init segment")
	}

	dts := uint32(0)
	for i := 0; i < 3; i++ {
		if err := p.OnPacket(&media.Packet{Type: media.TypeVideo, IsKeyframe: i == 0, DTS: dts, Payload: []byte{0xAA, 0xBB}}); err != nil {
			t.Fatalf("OnPacket: %v", err)
		}
		dts += 500
	}
	p.OnUnpublish()

	if p.window.Count() == 0 {
		t.Fatal("expected at least one fragment recorded in the window")
	}

	mpd, err := os.ReadFile(dir + "/camA.mpd")
	if err != nil {
		t.Fatalf("read mpd: %v", err)
	}
	if !strings.Contains(string(mpd), "SegmentTimeline") {
		t.Fatalf("expected SegmentTimeline in MPD, got:\n%s", mpd)
	}
}
