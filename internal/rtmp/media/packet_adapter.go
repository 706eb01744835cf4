package media

// Adapter from the RTMP chunk-layer message representation to the
// protocol-agnostic media.Packet the Source and packagers operate on.
// This is the boundary where RTMP's FLV-tag encoding (audio/video
// header bytes) is decoded into the spec's Type/DTS/CTS/IsKeyframe/
// IsSequenceHeader fields.

import (
	"github.com/alxayo/go-rtmp/internal/media"
	"github.com/alxayo/go-rtmp/internal/rtmp/chunk"
)

// PacketFromMessage converts an RTMP chunk.Message (TypeID 8/9/18) into a
// media.Packet. Script (onMetaData, TypeID 18) messages pass through with
// the raw payload untouched; audio/video messages are classified via the
// existing ParseAudioMessage/ParseVideoMessage helpers.
func PacketFromMessage(msg *chunk.Message) (*media.Packet, error) {
	p := &media.Packet{DTS: msg.Timestamp}
	switch msg.TypeID {
	case 18: // AMF0 data message (onMetaData script tag)
		p.Type = media.TypeScript
		p.Payload = msg.Payload
		return p, nil
	case 8:
		p.Type = media.TypeAudio
		am, err := ParseAudioMessage(msg.Payload)
		if err != nil {
			return nil, err
		}
		p.IsSequenceHeader = am.PacketType == AACPacketTypeSequenceHeader
		p.Payload = msg.Payload
		p.CodecID = (msg.Payload[0] >> 4) & 0x0F
		return p, nil
	case 9:
		p.Type = media.TypeVideo
		vm, err := ParseVideoMessage(msg.Payload)
		if err != nil {
			return nil, err
		}
		p.IsSequenceHeader = vm.PacketType == AVCPacketTypeSequenceHeader
		p.IsKeyframe = vm.FrameType == VideoFrameTypeKey
		p.Payload = msg.Payload
		p.CodecID = msg.Payload[0] & 0x0F
		return p, nil
	default:
		p.Type = media.TypeScript
		p.Payload = msg.Payload
		return p, nil
	}
}

// Chunk stream IDs for media messages, matching client.SendAudio/SendVideo.
const (
	audioCSID = 6
	videoCSID = 7
)

// MessageFromPacket is the inverse of PacketFromMessage: it wraps a
// media.Packet's already-FLV-tag-encoded payload back into a
// chunk.Message addressed to streamID, for a Consumer-driven RTMP play
// sender (spec "the external sender adapts to RTMP/FLV/RTP wire
// formats").
func MessageFromPacket(p *media.Packet, streamID uint32) *chunk.Message {
	csid := uint32(videoCSID)
	typeID := uint8(9)
	switch p.Type {
	case media.TypeAudio:
		csid, typeID = audioCSID, 8
	case media.TypeScript:
		csid, typeID = 5, 18
	}
	return &chunk.Message{
		CSID:            csid,
		TypeID:          typeID,
		Timestamp:       p.DTS,
		MessageStreamID: streamID,
		MessageLength:   uint32(len(p.Payload)),
		Payload:         p.Payload,
	}
}
