// Package rtp implements the RTP Packager (§4.7): per-track
// SSRC/sequence/RTP-timestamp packetization for WebRTC egress, feedback
// handling (NACK/PLI/TWCC/SR-RR), and a publish-side RTP→frame rebuilder
// feeding Source.OnPacket. Grounded on n0remac-robot-webrtc's SFU, the
// only pack repo exercising this exact pion/rtp+rtcp+webrtc shape.
package rtp

import (
	"fmt"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"

	"github.com/alxayo/go-rtmp/internal/media"
)

const (
	videoClockRate = 90000
	rtpMTU         = 1200
)

// Sink receives packetized RTP, matching the subset of
// webrtc.TrackLocalStaticRTP's interface this packager needs — kept
// narrow so tests can supply a fake without dragging in pion/webrtc.
type Sink interface {
	WriteRTP(pkt *rtp.Packet) error
}

// Transcoder converts packets of one codec into a codec the RTP
// packager can packetize (e.g. AAC -> Opus). Audio transcoding is an
// optional external collaborator (§4.7, §1 non-goals): this packager
// only calls it if configured, and otherwise passes the audio payload
// to the Opus packetizer unchanged.
type Transcoder interface {
	Transcode(p *media.Packet) (*media.Packet, error)
}

// trackPacketizer wraps a pion/rtp Packetizer for one SSRC/track.
type trackPacketizer struct {
	ssrc uint32
	pt   uint8
	pz   rtp.Packetizer
}

func newVideoPacketizer(ssrc uint32, pt uint8, codecID uint8) (*trackPacketizer, error) {
	var payloader rtp.Payloader
	switch codecID {
	case 7: // AVC
		payloader = &codecs.H264Payloader{}
	case 12: // HEVC
		payloader = &codecs.H265Payloader{}
	default:
		return nil, fmt.Errorf("rtp: unsupported video codec id %d", codecID)
	}
	pz := rtp.NewPacketizer(rtpMTU, pt, ssrc, payloader, rtp.NewRandomSequencer(), videoClockRate)
	return &trackPacketizer{ssrc: ssrc, pt: pt, pz: pz}, nil
}

func newAudioPacketizer(ssrc uint32, pt uint8, clockRate uint32) *trackPacketizer {
	pz := rtp.NewPacketizer(rtpMTU, pt, ssrc, &codecs.OpusPayloader{}, rtp.NewRandomSequencer(), clockRate)
	return &trackPacketizer{ssrc: ssrc, pt: pt, pz: pz}
}

// packetize splits one Annex-B NALU (video) or frame (audio) into RTP
// packets at the given sample-clock duration (samples, not milliseconds
// — the caller converts).
func (t *trackPacketizer) packetize(payload []byte, samples uint32) []*rtp.Packet {
	return t.pz.Packetize(payload, samples)
}
