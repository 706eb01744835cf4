package media

import (
	"testing"

	"github.com/alxayo/go-rtmp/internal/media"
	"github.com/alxayo/go-rtmp/internal/rtmp/chunk"
)

func TestPacketFromMessageClassifiesVideoKeyframe(t *testing.T) {
	msg := &chunk.Message{
		TypeID:    9,
		Timestamp: 1000,
		Payload:   []byte{0x17, 0x01, 0x00, 0x00, 0x00}, // keyframe, AVC NALU
	}
	p, err := PacketFromMessage(msg)
	if err != nil {
		t.Fatalf("PacketFromMessage: %v", err)
	}
	if p.Type != media.TypeVideo || !p.IsKeyframe || p.DTS != 1000 {
		t.Fatalf("unexpected packet: %+v", p)
	}
}

func TestMessageFromPacketUsesAudioVideoCSIDConvention(t *testing.T) {
	video := &media.Packet{Type: media.TypeVideo, DTS: 42, Payload: []byte{1, 2, 3}}
	msg := MessageFromPacket(video, 7)
	if msg.CSID != videoCSID || msg.TypeID != 9 || msg.MessageStreamID != 7 || msg.Timestamp != 42 {
		t.Fatalf("unexpected video message: %+v", msg)
	}

	audio := &media.Packet{Type: media.TypeAudio, DTS: 99, Payload: []byte{4, 5}}
	msg = MessageFromPacket(audio, 7)
	if msg.CSID != audioCSID || msg.TypeID != 8 {
		t.Fatalf("unexpected audio message: %+v", msg)
	}

	script := &media.Packet{Type: media.TypeScript, DTS: 0, Payload: []byte{6}}
	msg = MessageFromPacket(script, 7)
	if msg.CSID != 5 || msg.TypeID != 18 {
		t.Fatalf("unexpected script message: %+v", msg)
	}
}

func TestMessageFromPacketRoundTripsThroughPacketFromMessage(t *testing.T) {
	original := &chunk.Message{TypeID: 9, Timestamp: 500, Payload: []byte{0x27, 0x01, 0x00, 0x00, 0x00}}
	p, err := PacketFromMessage(original)
	if err != nil {
		t.Fatalf("PacketFromMessage: %v", err)
	}

	rebuilt := MessageFromPacket(p, 3)
	if rebuilt.TypeID != original.TypeID || rebuilt.Timestamp != original.Timestamp {
		t.Fatalf("round trip diverged: got %+v, want type/timestamp from %+v", rebuilt, original)
	}
	if string(rebuilt.Payload) != string(original.Payload) {
		t.Fatalf("payload not preserved through round trip")
	}
}
