package fmp4

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

const timescale = 90000 // 90kHz, matching the RTMP/TS millisecond-derived clock via *90

// Config configures one fMP4/DASH packager instance.
type Config struct {
	Dir              string
	FragmentDuration time.Duration
	WindowCount      int
	DisposalTimeout  time.Duration
	Logger           *slog.Logger
	Hooks            *hooks.HookManager
}

// Packager implements packager.Packager for fragmented MP4 (CMAF-style
// init segment once, then one .m4s per cut, with an MPD over the shared
// fragment.Window).
type Packager struct {
	cfg      Config
	identity string
	logger   *slog.Logger
	window   *fragment.Window

	initWritten bool
	samples     []fragSample
	segStart    time.Time
	segStartDTS uint32
	seq         uint32
}

// New constructs an fMP4 packager under cfg.
func New(cfg Config) *Packager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.WindowCount == 0 {
		cfg.WindowCount = 5
	}
	if cfg.DisposalTimeout == 0 {
		cfg.DisposalTimeout = 30 * time.Second
	}
	return &Packager{cfg: cfg, logger: cfg.Logger, window: fragment.NewWindow(cfg.WindowCount, 0, cfg.DisposalTimeout, "fmp4")}
}

func (p *Packager) Kind() string { return "fmp4" }

func (p *Packager) OnPublish(identity string) error {
	p.identity = identity
	p.seq = 1
	p.segStart = time.Now()
	return p.writeInit()
}

func (p *Packager) writeInit() error {
	init := buildInitSegment(1, timescale, true, 0, 0)
	path := fmt.Sprintf("%s/init-%s.m4s", p.cfg.Dir, p.identity)
	f, err := fswriter.Create(path)
	if err != nil {
		return errors.NewPackagerError("fmp4", "write_init", err)
	}
	if _, err := f.Write(init); err != nil {
		_ = f.Abort()
		return errors.NewPackagerError("fmp4", "write_init", err)
	}
	if err := f.Commit(); err != nil {
		return errors.NewPackagerError("fmp4", "write_init", err)
	}
	p.initWritten = true
	return nil
}

func (p *Packager) OnUnpublish() {
	p.cutSegment()
}

func (p *Packager) OnPacket(pkt *media.Packet) error {
	if !p.initWritten || pkt.Type != media.TypeVideo || pkt.IsSequenceHeader {
		return nil
	}
	if len(p.samples) == 0 {
		p.segStartDTS = pkt.DTS
		p.segStart = time.Now()
	}
	duration := uint32(0)
	if len(p.samples) > 0 {
		duration = uint32(pkt.DTS-p.segStartDTS) * timescale / 1000
	}
	p.samples = append(p.samples, fragSample{data: pkt.Payload, duration: duration, keyframe: pkt.IsKeyframe})

	elapsed := time.Duration(pkt.DTS-p.segStartDTS) * time.Millisecond
	if pkt.IsKeyframe && len(p.samples) > 1 && p.cfg.FragmentDuration > 0 && elapsed >= p.cfg.FragmentDuration {
		lastSample := p.samples[len(p.samples)-1]
		p.samples = p.samples[:len(p.samples)-1]
		p.cutSegment()
		p.samples = append(p.samples, lastSample)
		p.segStartDTS = pkt.DTS
		p.segStart = time.Now()
	}
	return nil
}

func (p *Packager) cutSegment() {
	if len(p.samples) == 0 {
		return
	}
	baseDecodeTime := uint64(p.segStartDTS) * timescale / 1000
	data := buildMediaSegment(1, p.seq, baseDecodeTime, p.samples)

	path := fmt.Sprintf("%s/chunk-%s-%d.m4s", p.cfg.Dir, p.identity, p.seq)
	f, err := fswriter.Create(path)
	if err != nil {
		p.logger.Error("fmp4: segment create failed", "err", err)
		metrics.PackagerErrors.WithLabelValues("fmp4", "create").Inc()
		p.samples = nil
		return
	}
	metrics.FragmentsOpened.WithLabelValues("fmp4").Inc()
	if _, err := f.Write(data); err != nil {
		p.logger.Error("fmp4: segment write failed", "err", err)
		metrics.PackagerErrors.WithLabelValues("fmp4", "write").Inc()
		_ = f.Abort()
		p.samples = nil
		return
	}
	if err := f.Commit(); err != nil {
		p.logger.Error("fmp4: segment commit failed", "err", err)
		metrics.PackagerErrors.WithLabelValues("fmp4", "commit").Inc()
		p.samples = nil
		return
	}
	metrics.FragmentsClosed.WithLabelValues("fmp4").Inc()

	frag := &fragment.Fragment{
		Path:              path,
		SequenceNumber:    uint64(p.seq),
		StartDTS:          p.segStartDTS,
		Duration:          time.Since(p.segStart),
		IsKeyframeAligned: true,
		ByteSize:          int64(len(data)),
	}
	disposed := p.window.Append(frag)
	metrics.FragmentsDisposed.WithLabelValues("fmp4").Add(float64(len(disposed)))
	p.writeMPD()
	if p.cfg.Hooks != nil {
		p.cfg.Hooks.TriggerEvent(context.Background(), *hooks.NewEvent(hooks.EventHLSSegment).
			WithStreamKey(p.identity).WithData("path", path))
	}
	p.seq++
	p.samples = nil
}

func (p *Packager) writeMPD() {
	path := fmt.Sprintf("%s/%s.mpd", p.cfg.Dir, p.identity)
	content := renderMPD(p.identity, timescale, p.window)
	f, err := fswriter.Create(path)
	if err != nil {
		p.logger.Error("fmp4: mpd create failed", "err", err)
		return
	}
	if _, err := f.Write([]byte(content)); err != nil {
		p.logger.Error("fmp4: mpd write failed", "err", err)
		_ = f.Abort()
		return
	}
	if err := f.Commit(); err != nil {
		p.logger.Error("fmp4: mpd commit failed", "err", err)
	}
}

func (p *Packager) Cycle() {
	disposed := p.window.Slide()
	metrics.FragmentsDisposed.WithLabelValues("fmp4").Add(float64(len(disposed)))
}

func (p *Packager) Close() error {
	p.cutSegment()
	return nil
}
