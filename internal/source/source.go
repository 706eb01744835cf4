// Package source implements the Source (§4.2): the per-stream hub that
// fans one publisher's packets out to every subscriber Consumer and
// egress Packager. An explicit-lifecycle type with atomic publish state
// and a one-publisher invariant enforced by error return rather than
// silent overwrite.
package source

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/alxayo/go-rtmp/internal/errors"
	"github.com/alxayo/go-rtmp/internal/media"
	"github.com/alxayo/go-rtmp/internal/metrics"
	"github.com/alxayo/go-rtmp/internal/packager"
)

// mixQueueWindow is the mix-correct reordering window: small enough not
// to add meaningfully to live latency, grounded in original_source's
// SrsMixQueue default. Not user-configurable (Open Question, decided in
// DESIGN.md): there is no existing knob in this codebase to generalize
// from, so a fixed constant is the simplest correct starting point.
const mixQueueWindow = 350 * time.Millisecond

// WarmStart controls what create_consumer snapshots into a new
// consumer's queue before it starts receiving live packets.
type WarmStart struct {
	Metadata bool
	GOP      bool
}

// Source is the per-stream hub: one publisher, many consumers, many
// packagers. Consumers hold a strong reference back to their Source;
// Source's own consumer list is non-owning (removed explicitly via
// RemoveConsumer), which is how the cyclic reference is broken.
type Source struct {
	Identity string

	PublisherPresent atomic.Bool
	LastActivity     atomic.Int64 // unix nano
	SourceID         atomic.Uint64

	Meta *media.MetadataCache
	Gop  *media.GopCache

	mu        sync.Mutex
	consumers []*media.Consumer

	packagersMu sync.Mutex
	packagers   []packager.Packager

	mixQueue    []*media.Packet
	mixEnabled  bool
	gopMaxFrame int
}

// New constructs an empty Source for identity. gopMaxFrames bounds the
// GOP cache (0 = unbounded); mixCorrect enables the timestamp-reordering
// window described in §4.2.
func New(identity string, gopMaxFrames int, mixCorrect bool) *Source {
	return &Source{
		Identity:    identity,
		Meta:        media.NewMetadataCache(),
		Gop:         media.NewGopCache(gopMaxFrames),
		mixEnabled:  mixCorrect,
		gopMaxFrame: gopMaxFrames,
	}
}

// touch records activity for the idle-eviction sweep.
func (s *Source) touch() {
	s.LastActivity.Store(time.Now().UnixNano())
}

// OnPublish transitions the Source to the published state: bumps the
// source-id, resets the metadata/GOP caches, and notifies every
// packager. Fails (leaving state unchanged) if a publisher is already
// present, per the one-publisher invariant.
func (s *Source) OnPublish() error {
	if !s.PublisherPresent.CompareAndSwap(false, true) {
		return errors.NewSourceError(s.Identity, "on_publish", errors.ErrAlreadyPublished)
	}
	s.SourceID.Add(1)
	s.Meta.Reset()
	s.Gop.Clear()
	s.mixQueue = nil
	s.touch()

	s.packagersMu.Lock()
	pkgs := append([]packager.Packager(nil), s.packagers...)
	s.packagersMu.Unlock()
	for _, p := range pkgs {
		if err := p.OnPublish(s.Identity); err != nil {
			metrics.PackagerErrors.WithLabelValues(p.Kind(), "on_publish").Inc()
		}
	}
	return nil
}

// OnUnpublish flushes every packager and clears publisher-present.
// Consumers are not evicted; they keep running and will observe EOF
// semantics (no further packets) until the next publish.
func (s *Source) OnUnpublish() {
	s.PublisherPresent.Store(false)
	s.touch()

	s.packagersMu.Lock()
	pkgs := append([]packager.Packager(nil), s.packagers...)
	s.packagersMu.Unlock()
	for _, p := range pkgs {
		p.OnUnpublish()
	}
}

// AddPackager registers a packager to receive this Source's packets. Not
// safe to call concurrently with OnPacket/OnPublish/OnUnpublish for the
// same packager instance; callers add packagers once at setup time.
func (s *Source) AddPackager(p packager.Packager) {
	s.packagersMu.Lock()
	s.packagers = append(s.packagers, p)
	s.packagersMu.Unlock()
}

// Packagers returns a snapshot of the current packager set.
func (s *Source) Packagers() []packager.Packager {
	s.packagersMu.Lock()
	defer s.packagersMu.Unlock()
	return append([]packager.Packager(nil), s.packagers...)
}

// OnPacket applies the §4.2 ingress sequence: metadata/sequence-header
// caching, GOP accumulation, then fan-out to every consumer and
// packager. When mix-correct is enabled, packets are held briefly and
// released in timestamp order to compensate for an upstream that
// interleaves audio/video out of order.
func (s *Source) OnPacket(p *media.Packet) error {
	s.touch()
	if s.mixEnabled {
		return s.onPacketMixed(p)
	}
	return s.dispatch(p)
}

func (s *Source) onPacketMixed(p *media.Packet) error {
	s.mixQueue = append(s.mixQueue, p)
	sortByDTS(s.mixQueue)

	oldest := s.mixQueue[0]
	if time.Duration(p.DTS-oldest.DTS)*time.Millisecond < mixQueueWindow && len(s.mixQueue) < 256 {
		return nil // still within the reorder window; hold for more arrivals
	}
	ready := s.mixQueue[0]
	s.mixQueue = s.mixQueue[1:]
	return s.dispatch(ready)
}

func sortByDTS(pkts []*media.Packet) {
	for i := 1; i < len(pkts); i++ {
		for j := i; j > 0 && pkts[j].DTS < pkts[j-1].DTS; j-- {
			pkts[j], pkts[j-1] = pkts[j-1], pkts[j]
		}
	}
}

func (s *Source) dispatch(p *media.Packet) error {
	switch {
	case p.Type == media.TypeScript:
		s.Meta.SetScript(p)
	case p.IsSequenceHeader && p.Type == media.TypeVideo:
		s.Meta.SetVideoSequenceHeader(p)
	case p.IsSequenceHeader && p.Type == media.TypeAudio:
		s.Meta.SetAudioSequenceHeader(p)
	default:
		s.Gop.Append(p)
	}
	isHeader := p.Type == media.TypeScript || p.IsSequenceHeader

	s.mu.Lock()
	consumers := append([]*media.Consumer(nil), s.consumers...)
	s.mu.Unlock()

	gen := s.SourceID.Load()
	for _, c := range consumers {
		rewarm := c.NoteSourceGeneration(gen)
		if rewarm {
			// Republish: this consumer's decoder state is stale, so hand it
			// the now-current cached headers before anything else arrives
			// (§8 scenario 1). If p is itself one of those headers, the
			// snapshot above already carries it, so skip enqueuing it a
			// second time below.
			s.warmStartMetadata(c)
		}
		if !(rewarm && isHeader) {
			c.Enqueue(p)
		}
		metrics.ConsumerQueueDepth.WithLabelValues(s.Identity).Set(float64(c.Len()))
		if c.Overflow() {
			metrics.ConsumerOverflows.WithLabelValues(s.Identity).Inc()
		}
	}

	for _, pkg := range s.Packagers() {
		if err := pkg.OnPacket(p); err != nil {
			metrics.PackagerErrors.WithLabelValues(pkg.Kind(), "on_packet").Inc()
		}
	}
	return nil
}

// CreateConsumer builds a new Consumer warm-started per warm from the
// current metadata and GOP caches, and registers it on this Source.
func (s *Source) CreateConsumer(durationCap time.Duration, mode media.JitterMode, warm WarmStart) *media.Consumer {
	c := media.NewConsumer(durationCap, mode)
	c.SetSourceGeneration(s.SourceID.Load())

	if warm.Metadata {
		s.warmStartMetadata(c)
	}
	if warm.GOP {
		for _, p := range s.Gop.Snapshot() {
			c.Enqueue(p)
		}
	}

	s.mu.Lock()
	s.consumers = append(s.consumers, c)
	s.mu.Unlock()
	return c
}

// warmStartMetadata hands c the current cached sequence headers, used both
// to prime a freshly created consumer and to re-prime a long-lived one that
// just observed a republish (new SourceID generation).
func (s *Source) warmStartMetadata(c *media.Consumer) {
	if script := s.Meta.Script(); script != nil {
		c.Enqueue(script)
	}
	if vsh := s.Meta.VideoSequenceHeader(); vsh != nil {
		c.Enqueue(vsh)
	}
	if ash := s.Meta.AudioSequenceHeader(); ash != nil {
		c.Enqueue(ash)
	}
}

// RemoveConsumer drops c from the non-owning consumer list, called from
// the consumer's own teardown path (§9 cyclic-reference resolution).
func (s *Source) RemoveConsumer(c *media.Consumer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.consumers {
		if existing == c {
			last := len(s.consumers) - 1
			s.consumers[i] = s.consumers[last]
			s.consumers[last] = nil
			s.consumers = s.consumers[:last]
			return
		}
	}
}

// ConsumerCount returns a snapshot count of registered consumers.
func (s *Source) ConsumerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.consumers)
}

// CyclePackagers drives every attached packager's periodic Cycle, for
// time-based policies (segment cuts, window sliding) that packet arrival
// alone cannot drive during a pause in the source. Called from the Fast
// Timer, not from the packet-dispatch path.
func (s *Source) CyclePackagers() {
	for _, p := range s.Packagers() {
		p.Cycle()
	}
}

// Idle reports whether this Source is eligible for eviction: no
// publisher, no consumers, no packagers, and idle past timeout.
func (s *Source) Idle(timeout time.Duration) bool {
	if s.PublisherPresent.Load() {
		return false
	}
	if s.ConsumerCount() > 0 {
		return false
	}
	if len(s.Packagers()) > 0 {
		return false
	}
	last := s.LastActivity.Load()
	return last != 0 && time.Since(time.Unix(0, last)) > timeout
}
