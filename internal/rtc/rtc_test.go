package rtc

import (
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/alxayo/go-rtmp/internal/media"
)

func TestNewAPIRegistersH264AndOpus(t *testing.T) {
	api, err := NewAPI()
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	if api == nil {
		t.Fatal("expected non-nil API")
	}
}

func TestNewEgressSessionAddsVideoAndAudioTracks(t *testing.T) {
	sess, video, audio, err := NewEgressSession(Config{}, "camA")
	if err != nil {
		t.Fatalf("NewEgressSession: %v", err)
	}
	defer sess.Close()
	if video == nil || audio == nil {
		t.Fatal("expected both video and audio tracks")
	}
	if video.Kind().String() != "video" {
		t.Fatalf("expected video track kind, got %s", video.Kind())
	}
	if audio.Kind().String() != "audio" {
		t.Fatalf("expected audio track kind, got %s", audio.Kind())
	}
}

func TestNewIngressSessionRegistersRecvOnlyTransceivers(t *testing.T) {
	var gotPacket *media.Packet
	sess, err := NewIngressSession(Config{}, func(p *media.Packet) error {
		gotPacket = p
		return nil
	})
	if err != nil {
		t.Fatalf("NewIngressSession: %v", err)
	}
	defer sess.Close()
	_ = gotPacket // exercised by OnTrack in a live session; nothing to assert without a peer
	trs := sess.pc.GetTransceivers()
	if len(trs) != 2 {
		t.Fatalf("expected 2 transceivers, got %d", len(trs))
	}
	for _, tr := range trs {
		if tr.Direction() != webrtc.RTPTransceiverDirectionRecvonly {
			t.Fatalf("expected recvonly transceiver, got %s", tr.Direction())
		}
	}
}

func TestAddICECandidateBuffersUntilRemoteDescriptionSet(t *testing.T) {
	sess, err := newSession(Config{})
	if err != nil {
		t.Fatalf("newSession: %v", err)
	}
	defer sess.Close()

	cand := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 9 typ host"}
	if err := sess.AddICECandidate(cand); err != nil {
		t.Fatalf("AddICECandidate before remote description: %v", err)
	}
	sess.mu.Lock()
	queued := len(sess.candQueue)
	sess.mu.Unlock()
	if queued != 1 {
		t.Fatalf("expected 1 buffered candidate, got %d", queued)
	}
}
