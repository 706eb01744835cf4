package ps

import "github.com/alxayo/go-rtmp/internal/media"

// streamID ranges per ISO/IEC 13818-1 Table 2-18.
const (
	audioStreamIDLow  = 0xC0
	audioStreamIDHigh = 0xDF
	videoStreamIDLow  = 0xE0
	videoStreamIDHigh = 0xEF
)

// ToMediaPacket adapts one reassembled TsMessage into a media.Packet for
// Source.OnPacket, the thin conversion layer named in §4.8. Codec
// identification from the PS stream type map is left to the caller
// (GB28181 feeds are overwhelmingly H.264/G.711 in practice); this
// adapter only classifies audio vs video from the stream-id range and
// carries the payload through untouched.
func ToMediaPacket(msg TsMessage, codecID uint8) *media.Packet {
	t := media.TypeVideo
	if msg.StreamID >= audioStreamIDLow && msg.StreamID <= audioStreamIDHigh {
		t = media.TypeAudio
	}
	return &media.Packet{
		Type:    t,
		DTS:     msg.Timestamp,
		Payload: msg.Payload,
		CodecID: codecID,
	}
}
