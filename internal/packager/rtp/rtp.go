package rtp

import (
	"encoding/binary"
	"log/slog"
	"time"

	"github.com/pion/rtp"

	"github.com/alxayo/go-rtmp/internal/media"
	"github.com/alxayo/go-rtmp/internal/rtmp/server/hooks"
)

const (
	videoPT         = 96
	opusPT          = 111
	opusClockRate   = 48000
	pliDebounceTime = 300 * time.Millisecond
	nackBufferSize  = 512
)

// Config configures one WebRTC RTP packager instance, one per subscribed
// track pair (video+audio) of a published stream.
type Config struct {
	VideoSSRC  uint32
	AudioSSRC  uint32
	VideoSink  Sink
	AudioSink  Sink
	Transcoder Transcoder // optional; nil passes the audio payload to the Opus packetizer unchanged
	Logger     *slog.Logger
	Hooks      *hooks.HookManager
}

// Packager implements packager.Packager, turning AVCC/HEVC video and AAC
// (or already-Opus) audio media.Packets into RTP packets delivered to a
// Sink (normally a pion/webrtc TrackLocalStaticRTP).
type Packager struct {
	cfg    Config
	logger *slog.Logger

	video   *trackPacketizer
	audio   *trackPacketizer
	videoRT *retransmitBuffer
	pli     *pliDebouncer
	sync    *avSync

	lastVideoDTS uint32
	lastAudioDTS uint32
	haveVideo    bool
	haveAudio    bool
}

// New constructs an RTP packager. Track packetizers are built lazily on
// the first packet of each kind since the codec ID isn't known until then.
func New(cfg Config) *Packager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Packager{
		cfg:      cfg,
		logger:   cfg.Logger,
		videoRT:  newRetransmitBuffer(nackBufferSize),
		pli:      newPLIDebouncer(pliDebounceTime),
		sync:     newAVSync(videoClockRate),
	}
}

func (p *Packager) Kind() string { return "rtp" }

func (p *Packager) OnPublish(identity string) error { return nil }

func (p *Packager) OnUnpublish() {
	p.video = nil
	p.audio = nil
	p.haveVideo = false
	p.haveAudio = false
}

func (p *Packager) OnPacket(pkt *media.Packet) error {
	switch pkt.Type {
	case media.TypeVideo:
		return p.onVideo(pkt)
	case media.TypeAudio:
		return p.onAudio(pkt)
	default:
		return nil
	}
}

func (p *Packager) onVideo(pkt *media.Packet) error {
	if pkt.IsSequenceHeader || p.cfg.VideoSink == nil {
		return nil
	}
	if p.video == nil {
		pz, err := newVideoPacketizer(p.cfg.VideoSSRC, videoPT, pkt.CodecID)
		if err != nil {
			p.logger.Warn("rtp: cannot packetize video", "err", err)
			return nil
		}
		p.video = pz
	}

	samples := samplesFromDelta(pkt.DTS, p.lastVideoDTS, p.haveVideo, videoClockRate)
	p.lastVideoDTS = pkt.DTS
	p.haveVideo = true

	annexB := avccToAnnexB(pkt.Payload)
	packets := p.video.packetize(annexB, samples)
	for _, rp := range packets {
		if err := p.cfg.VideoSink.WriteRTP(rp); err != nil {
			return err
		}
		p.videoRT.Add(rp)
	}
	return nil
}

func (p *Packager) onAudio(pkt *media.Packet) error {
	if pkt.IsSequenceHeader || p.cfg.AudioSink == nil {
		return nil
	}
	payload := pkt.Payload
	if p.cfg.Transcoder != nil {
		transcoded, err := p.cfg.Transcoder.Transcode(pkt)
		if err != nil {
			p.logger.Warn("rtp: audio transcode failed", "err", err)
			return nil
		}
		payload = transcoded.Payload
	}
	if p.audio == nil {
		p.audio = newAudioPacketizer(p.cfg.AudioSSRC, opusPT, opusClockRate)
	}

	samples := samplesFromDelta(pkt.DTS, p.lastAudioDTS, p.haveAudio, opusClockRate)
	p.lastAudioDTS = pkt.DTS
	p.haveAudio = true

	packets := p.audio.packetize(payload, samples)
	for _, rp := range packets {
		if err := p.cfg.AudioSink.WriteRTP(rp); err != nil {
			return err
		}
	}
	return nil
}

// RequestKeyframe signals that a subscriber needs a fresh IDR, debounced
// so a burst of subscriber PLIs collapses into a single upstream request.
func (p *Packager) RequestKeyframe() bool {
	return p.pli.Allow(p.cfg.VideoSSRC)
}

// HandleNACK resolves a received NACK into packets the caller should
// resend via p.cfg.VideoSink.
func (p *Packager) HandleNACK(seqs []uint16) []*rtp.Packet {
	var out []*rtp.Packet
	for _, s := range seqs {
		if pkt, ok := p.videoRT.Get(s); ok {
			out = append(out, pkt)
		}
	}
	return out
}

// ObserveSenderReport feeds RTCP SR timing into the AV-sync mapping; see
// avSync for the two-SR refinement rule.
func (p *Packager) ObserveSenderReport(rtpTime uint32, ntpTime uint64) {
	p.sync.ObserveSR(rtpTime, ntpTime)
}

// AVSync maps an RTP timestamp to wall-clock milliseconds; see avSync.AVSync.
func (p *Packager) AVSync(rtpTime uint32) (int64, bool) {
	return p.sync.AVSync(rtpTime)
}

func (p *Packager) Cycle() {}

func (p *Packager) Close() error { return nil }

// samplesFromDelta converts a millisecond DTS delta into a sample count
// at clockRate, defaulting to one frame interval (clockRate/30) for the
// very first packet of a stream, when there is no prior DTS to diff.
func samplesFromDelta(dts, lastDTS uint32, haveLast bool, clockRate uint32) uint32 {
	if !haveLast {
		return clockRate / 30
	}
	deltaMS := dts - lastDTS
	return deltaMS * clockRate / 1000
}

// avccToAnnexB rewrites AVCC/HEVC 4-byte length-prefixed NAL units into
// Annex-B start-code-delimited form, which is what pion/rtp/codecs'
// H264Payloader and H265Payloader scan for.
func avccToAnnexB(avcc []byte) []byte {
	out := make([]byte, 0, len(avcc)+16)
	startCode := []byte{0x00, 0x00, 0x00, 0x01}
	for i := 0; i+4 <= len(avcc); {
		naluLen := binary.BigEndian.Uint32(avcc[i : i+4])
		i += 4
		if i+int(naluLen) > len(avcc) {
			break
		}
		out = append(out, startCode...)
		out = append(out, avcc[i:i+int(naluLen)]...)
		i += int(naluLen)
	}
	if len(out) == 0 {
		// Not length-prefixed (already Annex-B, or a bare NALU); pass through.
		return avcc
	}
	return out
}
