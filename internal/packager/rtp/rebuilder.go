package rtp

import (
	"sort"

	"github.com/pion/rtp"

	"github.com/alxayo/go-rtmp/internal/media"
)

const (
	fuaMaxBuffer   = 64
	jitterCapacity = 128
)

// NAL unit type nibble values (H.264 Annex B, low 5 bits of the header byte).
const (
	nalTypeFUA   = 28
	nalTypeSTAPA = 24
	nalTypeIDR   = 5
)

// Rebuilder reassembles RTP-packetized H.264 video back into Annex-B
// access units for Source.OnPacket, undoing the fragmentation a
// publishing WebRTC client applied (FU-A) and resequencing packets that
// arrived out of order within a small jitter window. Every emitted
// media.Packet is typed as AVC video; there is no separate audio path.
type Rebuilder struct {
	clockRate uint32
	jitter    []*rtp.Packet // sorted by sequence number, small reorder buffer

	fuaBuf       []byte
	fuaStartType byte
	haveFUA      bool

	lastTS  uint32
	haveTS  bool
	baseDTS uint32
	haveDTS bool
}

// NewRebuilder constructs a rebuilder for one incoming video track.
func NewRebuilder(clockRate uint32) *Rebuilder {
	return &Rebuilder{clockRate: clockRate}
}

// Push admits one received RTP packet, returning zero or more
// reassembled media.Packets in presentation order (a STAP-A packet can
// yield more than one NALU per RTP packet).
func (r *Rebuilder) Push(pkt *rtp.Packet) []*media.Packet {
	r.jitter = insertSorted(r.jitter, pkt)
	if len(r.jitter) < 2 && len(r.jitter) < jitterCapacity {
		// Hold back a single packet briefly in case its predecessor is
		// still in flight; flush once we have at least a pair or the
		// buffer is full enough that waiting longer isn't worth it.
		return nil
	}
	return r.drain()
}

// Flush forces out any packets still held in the jitter buffer, used on
// track end / timeout.
func (r *Rebuilder) Flush() []*media.Packet {
	return r.drain()
}

func (r *Rebuilder) drain() []*media.Packet {
	var out []*media.Packet
	for len(r.jitter) > 0 {
		p := r.jitter[0]
		r.jitter = r.jitter[1:]
		out = append(out, r.consume(p)...)
	}
	return out
}

func (r *Rebuilder) consume(pkt *rtp.Packet) []*media.Packet {
	if len(pkt.Payload) == 0 {
		return nil
	}
	nalType := pkt.Payload[0] & 0x1F
	switch nalType {
	case nalTypeFUA:
		return r.consumeFUA(pkt)
	case nalTypeSTAPA:
		return r.consumeSTAPA(pkt)
	default:
		return []*media.Packet{r.toPacket(pkt, pkt.Payload, nalType == nalTypeIDR)}
	}
}

func (r *Rebuilder) consumeFUA(pkt *rtp.Packet) []*media.Packet {
	if len(pkt.Payload) < 2 {
		return nil
	}
	fuHeader := pkt.Payload[1]
	start := fuHeader&0x80 != 0
	end := fuHeader&0x40 != 0
	nalType := fuHeader & 0x1F

	if start {
		indicator := pkt.Payload[0]&0xE0 | nalType
		r.fuaBuf = append([]byte(nil), indicator)
		r.fuaStartType = nalType
		r.haveFUA = true
	}
	if !r.haveFUA {
		return nil // dropped the start fragment; wait for the next IDR/start
	}
	r.fuaBuf = append(r.fuaBuf, pkt.Payload[2:]...)

	if !end {
		return nil
	}
	r.haveFUA = false
	nalu := r.fuaBuf
	r.fuaBuf = nil
	return []*media.Packet{r.toPacket(pkt, nalu, r.fuaStartType == nalTypeIDR)}
}

func (r *Rebuilder) consumeSTAPA(pkt *rtp.Packet) []*media.Packet {
	var out []*media.Packet
	buf := pkt.Payload[1:]
	for len(buf) >= 2 {
		size := int(buf[0])<<8 | int(buf[1])
		buf = buf[2:]
		if size > len(buf) {
			break
		}
		nalu := buf[:size]
		buf = buf[size:]
		out = append(out, r.toPacket(pkt, nalu, nalu[0]&0x1F == nalTypeIDR))
	}
	return out
}

// toPacket converts one reassembled Annex-B NALU plus its RTP timing
// into a media.Packet with a millisecond DTS derived from the RTP
// timestamp delta, matching the DTS convention media.Packet documents.
func (r *Rebuilder) toPacket(pkt *rtp.Packet, nalu []byte, keyframe bool) *media.Packet {
	if !r.haveTS {
		r.lastTS = pkt.Timestamp
		r.haveTS = true
	}
	deltaSamples := int64(int32(pkt.Timestamp - r.lastTS))
	deltaMS := uint32(deltaSamples * 1000 / int64(r.clockRate))
	if !r.haveDTS {
		r.baseDTS = 0
		r.haveDTS = true
	}
	dts := r.baseDTS + deltaMS

	return &media.Packet{
		Type:       media.TypeVideo,
		DTS:        dts,
		Payload:    annexBToAVCC(nalu),
		IsKeyframe: keyframe,
		CodecID:    7, // AVC; HEVC rebuilding follows the same FU/AP structure under a different NAL map
	}
}

// annexBToAVCC rewrites a single Annex-B NALU (no start code) into a
// 4-byte length-prefixed AVCC record, the form the rest of the pipeline
// (GOP cache, fMP4/TS muxers) already expects from RTMP ingress.
func annexBToAVCC(nalu []byte) []byte {
	out := make([]byte, 4+len(nalu))
	out[0] = byte(len(nalu) >> 24)
	out[1] = byte(len(nalu) >> 16)
	out[2] = byte(len(nalu) >> 8)
	out[3] = byte(len(nalu))
	copy(out[4:], nalu)
	return out
}

func insertSorted(buf []*rtp.Packet, pkt *rtp.Packet) []*rtp.Packet {
	i := sort.Search(len(buf), func(i int) bool {
		return seqGreaterOrEqual(buf[i].SequenceNumber, pkt.SequenceNumber)
	})
	buf = append(buf, nil)
	copy(buf[i+1:], buf[i:])
	buf[i] = pkt
	return buf
}

// seqGreaterOrEqual compares RTP sequence numbers with 16-bit wraparound,
// treating a gap of more than half the number space as having wrapped.
func seqGreaterOrEqual(a, b uint16) bool {
	return int16(a-b) >= 0
}
