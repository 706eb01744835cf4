package rtp

import (
	"testing"
	"time"

	"github.com/pion/rtp"

	"github.com/alxayo/go-rtmp/internal/media"
	"github.com/alxayo/go-rtmp/internal/packager"
)

var _ packager.Packager = (*Packager)(nil)

type fakeSink struct {
	packets []*rtp.Packet
}

func (s *fakeSink) WriteRTP(pkt *rtp.Packet) error {
	s.packets = append(s.packets, pkt)
	return nil
}

func TestPackagerPacketizesVideoAndAudio(t *testing.T) {
	videoSink := &fakeSink{}
	audioSink := &fakeSink{}
	p := New(Config{VideoSSRC: 1, AudioSSRC: 2, VideoSink: videoSink, AudioSink: audioSink})

	avcc := annexBToAVCC([]byte{0x65, 0xAA, 0xBB}) // nal type 5 = IDR
	if err := p.OnPacket(&media.Packet{Type: media.TypeVideo, DTS: 0, IsKeyframe: true, CodecID: 7, Payload: avcc}); err != nil {
		t.Fatalf("OnPacket video: %v", err)
	}
	if len(videoSink.packets) == 0 {
		t.Fatal("expected at least one RTP packet on the video sink")
	}
	for _, pkt := range videoSink.packets {
		if pkt.SSRC != 1 {
			t.Fatalf("expected SSRC 1, got %d", pkt.SSRC)
		}
		if pkt.PayloadType != videoPT {
			t.Fatalf("expected payload type %d, got %d", videoPT, pkt.PayloadType)
		}
	}

	if err := p.OnPacket(&media.Packet{Type: media.TypeAudio, DTS: 0, CodecID: 0, Payload: []byte{0x01, 0x02}}); err != nil {
		t.Fatalf("OnPacket audio: %v", err)
	}
	if len(audioSink.packets) == 0 {
		t.Fatal("expected at least one RTP packet on the audio sink")
	}
}

func TestAVCCToAnnexBRoundTrips(t *testing.T) {
	nalu := []byte{0x67, 0x42, 0x00, 0x1F}
	avcc := annexBToAVCC(nalu)
	annexB := avccToAnnexB(avcc)
	if len(annexB) != 4+len(nalu) {
		t.Fatalf("expected start code + nalu length %d, got %d", 4+len(nalu), len(annexB))
	}
	if annexB[0] != 0 || annexB[1] != 0 || annexB[2] != 0 || annexB[3] != 1 {
		t.Fatalf("expected Annex-B start code, got % x", annexB[:4])
	}
}

func TestPLIDebouncerCollapsesBurst(t *testing.T) {
	d := newPLIDebouncer(50 * time.Millisecond)
	if !d.Allow(42) {
		t.Fatal("expected first PLI to be allowed")
	}
	if d.Allow(42) {
		t.Fatal("expected immediate repeat to be debounced")
	}
	time.Sleep(60 * time.Millisecond)
	if !d.Allow(42) {
		t.Fatal("expected PLI after debounce window to be allowed")
	}
}

func TestAVSyncRequiresAtLeastOneSenderReport(t *testing.T) {
	s := newAVSync(90000)
	if _, ok := s.AVSync(1000); ok {
		t.Fatal("expected AVSync to be unresolved before any SR")
	}
	baseNTP := uint64(time.Now().Unix()+2208988800) << 32
	s.ObserveSR(1000, baseNTP)
	ms, ok := s.AVSync(1000 + 90000) // one second later in RTP time
	if !ok {
		t.Fatal("expected AVSync to resolve after first SR")
	}
	base, _ := s.AVSync(1000)
	if ms-base != 1000 {
		t.Fatalf("expected a one second delta, got %d ms", ms-base)
	}
}

func TestRebuilderReassemblesFUA(t *testing.T) {
	r := NewRebuilder(90000)
	indicator := byte(0x60) // F=0, NRI=3, type=28 (FU-A)
	fuHeaderStart := byte(0x80 | 5)
	fuHeaderMiddle := byte(5)
	fuHeaderEnd := byte(0x40 | 5)

	pkt1 := &rtp.Packet{Header: rtp.Header{SequenceNumber: 1, Timestamp: 1000}, Payload: []byte{indicator, fuHeaderStart, 0xAA}}
	pkt2 := &rtp.Packet{Header: rtp.Header{SequenceNumber: 2, Timestamp: 1000}, Payload: []byte{indicator, fuHeaderMiddle, 0xBB}}
	pkt3 := &rtp.Packet{Header: rtp.Header{SequenceNumber: 3, Timestamp: 1000}, Payload: []byte{indicator, fuHeaderEnd, 0xCC}}

	var out []*media.Packet
	out = append(out, r.Push(pkt1)...)
	out = append(out, r.Push(pkt2)...)
	out = append(out, r.Push(pkt3)...)
	out = append(out, r.Flush()...)

	if len(out) != 1 {
		t.Fatalf("expected exactly one reassembled access unit, got %d", len(out))
	}
	if !out[0].IsKeyframe {
		t.Fatal("expected reassembled NALU (type 5, IDR) to be marked keyframe")
	}
}
