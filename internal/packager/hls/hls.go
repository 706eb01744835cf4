package hls

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alxayo/go-rtmp/internal/errors"
	"github.com/alxayo/go-rtmp/internal/fragment"
	"github.com/alxayo/go-rtmp/internal/fswriter"
	"github.com/alxayo/go-rtmp/internal/media"
	"github.com/alxayo/go-rtmp/internal/metrics"
	"github.com/alxayo/go-rtmp/internal/rtmp/server/hooks"
)

// Config configures one HLS packager instance.
type Config struct {
	Dir                string
	FragmentDuration   time.Duration
	FragmentAbsoluteCap time.Duration // hard cut even without a keyframe
	WindowCount        int
	DisposalTimeout    time.Duration
	Encryption         EncryptionConfig
	Logger             *slog.Logger
	Hooks              *hooks.HookManager
}

// Packager implements packager.Packager, cutting MPEG-TS segments on
// keyframe boundaries close to FragmentDuration and maintaining an
// RFC 8216 media playlist over the shared fragment.Window.
type Packager struct {
	cfg      Config
	identity string
	logger   *slog.Logger
	window   *fragment.Window

	mux         *tsMuxer
	seg         *fswriter.File
	segPath     string
	segStart    time.Time
	segStartDTS uint32
	seq         uint64
	hasAudio    bool
	keyFn       func(seq uint64) []byte
}

// New constructs an HLS packager under cfg.
func New(cfg Config) *Packager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DisposalTimeout == 0 {
		cfg.DisposalTimeout = 30 * time.Second
	}
	if cfg.WindowCount == 0 {
		cfg.WindowCount = 5
	}
	return &Packager{
		cfg:    cfg,
		logger: cfg.Logger,
		window: fragment.NewWindow(cfg.WindowCount, 0, cfg.DisposalTimeout, "hls"),
		mux:    newTSMuxer(false),
	}
}

func (p *Packager) Kind() string { return "hls" }

func (p *Packager) OnPublish(identity string) error {
	p.identity = identity
	p.seq = 0
	return p.startSegment(0)
}

func (p *Packager) OnUnpublish() {
	p.finishSegment()
}

func (p *Packager) startSegment(dts uint32) error {
	path := fmt.Sprintf("%s/%s-%06d.ts", p.cfg.Dir, p.identity, p.seq)
	if err := fswriter.AbandonStaleTemp(path); err != nil {
		p.logger.Warn("hls: abandon stale temp failed", "path", path, "err", err)
	}
	f, err := fswriter.Create(path)
	if err != nil {
		return errors.NewPackagerError("hls", "start_segment", err)
	}
	p.seg = f
	p.segPath = path
	p.segStart = time.Now()
	p.segStartDTS = dts
	p.mux.Reset()
	if _, err := p.seg.Write(p.mux.WritePSI()); err != nil {
		return errors.NewPackagerError("hls", "write_psi", err)
	}
	metrics.FragmentsOpened.WithLabelValues("hls").Inc()
	return nil
}

func (p *Packager) OnPacket(pkt *media.Packet) error {
	if p.seg == nil {
		return nil
	}
	if pkt.Type == media.TypeAudio {
		p.hasAudio = true
	}
	if pkt.IsSequenceHeader {
		return nil // codec config is carried in the PMT/extradata, not muxed as a frame
	}

	pid := uint16(videoPID)
	streamID := uint8(streamIDVideo)
	if pkt.Type == media.TypeAudio {
		pid = audioPID
		streamID = streamIDAudio
	}

	capHit := p.cfg.FragmentAbsoluteCap > 0 &&
		time.Duration(pkt.DTS-p.segStartDTS)*time.Millisecond >= p.cfg.FragmentAbsoluteCap
	if capHit || (pkt.Type == media.TypeVideo && pkt.IsKeyframe && p.shouldCut(pkt.DTS)) {
		p.finishSegment()
		if err := p.startSegment(pkt.DTS); err != nil {
			return err
		}
	}

	ts := p.mux.WriteFrame(pid, streamID, pkt.PTS(), int64(pkt.DTS), pkt.IsKeyframe, pkt.Payload)
	if _, err := p.seg.Write(ts); err != nil {
		return errors.NewPackagerError("hls", "write_frame", err)
	}
	return nil
}

func (p *Packager) shouldCut(dts uint32) bool {
	elapsed := time.Duration(dts-p.segStartDTS) * time.Millisecond
	if p.cfg.FragmentAbsoluteCap > 0 && elapsed >= p.cfg.FragmentAbsoluteCap {
		return true
	}
	return p.cfg.FragmentDuration > 0 && elapsed >= p.cfg.FragmentDuration
}

func (p *Packager) finishSegment() {
	if p.seg == nil {
		return
	}
	duration := time.Since(p.segStart)
	if err := p.seg.Commit(); err != nil {
		p.logger.Error("hls: segment commit failed", "err", err)
		metrics.PackagerErrors.WithLabelValues("hls", "commit").Inc()
		p.seg = nil
		return
	}
	metrics.FragmentsClosed.WithLabelValues("hls").Inc()
	frag := &fragment.Fragment{
		Path:              p.segPath,
		SequenceNumber:    p.seq,
		StartDTS:          p.segStartDTS,
		Duration:          duration,
		IsKeyframeAligned: true,
	}
	disposed := p.window.Append(frag)
	metrics.FragmentsDisposed.WithLabelValues("hls").Add(float64(len(disposed)))
	p.writePlaylist()
	if p.cfg.Hooks != nil {
		p.cfg.Hooks.TriggerEvent(context.Background(), *hooks.NewEvent(hooks.EventHLSSegment).
			WithStreamKey(p.identity).WithData("path", p.segPath))
	}
	p.seq++
	p.seg = nil
}

func (p *Packager) writePlaylist() {
	playlistPath := fmt.Sprintf("%s/%s.m3u8", p.cfg.Dir, p.identity)
	target := targetDurationFor(p.window)
	if target < 1 {
		target = 1
	}
	content := renderPlaylist(p.window, target, p.cfg.Encryption, p.keyFn)
	f, err := fswriter.Create(playlistPath)
	if err != nil {
		p.logger.Error("hls: playlist create failed", "err", err)
		return
	}
	if _, err := f.Write([]byte(content)); err != nil {
		p.logger.Error("hls: playlist write failed", "err", err)
		_ = f.Abort()
		return
	}
	if err := f.Commit(); err != nil {
		p.logger.Error("hls: playlist commit failed", "err", err)
	}
}

// Cycle re-evaluates window retention on the Fast Timer tick even absent
// new packets, so a stalled publisher doesn't leave stale disposed
// segments un-unlinked.
func (p *Packager) Cycle() {
	disposed := p.window.Slide()
	metrics.FragmentsDisposed.WithLabelValues("hls").Add(float64(len(disposed)))
}

func (p *Packager) Close() error {
	p.finishSegment()
	return nil
}
