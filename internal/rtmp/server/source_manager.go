package server

// Source Manager
// --------------
// Generalizes Registry/Stream above into the two-phase creation contract:
// FetchOrCreate only inserts the bare Source, the caller wires packagers
// afterward and calls Evict if that wiring fails. The map-check-then-insert
// itself is collapsed onto golang.org/x/sync/singleflight instead of the
// manual RLock/Lock double-check Registry.CreateStream uses above, so
// concurrent first-publishers for the same identity share one allocation
// without a second mutex tier.

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/alxayo/go-rtmp/internal/metrics"
	"github.com/alxayo/go-rtmp/internal/source"
	"github.com/alxayo/go-rtmp/internal/timer"
)

// SourceManagerConfig controls idle-eviction and packager-cycle cadence.
type SourceManagerConfig struct {
	GopMaxFrames     int
	MixCorrect       bool
	EvictionInterval time.Duration
	IdleTimeout      time.Duration
	CycleInterval    time.Duration
	Logger           *slog.Logger
}

// SourceManager is the process-wide registry of live Sources, keyed by
// stream identity ("app/stream"). One SourceManager is shared by every
// protocol front-end (RTMP publish/play, RTP/WebRTC, PS ingress).
type SourceManager struct {
	cfg SourceManagerConfig
	log *slog.Logger

	mu      sync.RWMutex
	sources map[string]*source.Source

	sf singleflight.Group

	unsubscribe      func()
	unsubscribeCycle func()
}

// NewSourceManager constructs a SourceManager and, if t is non-nil,
// subscribes its idle-eviction sweep on t at cfg.EvictionInterval.
func NewSourceManager(cfg SourceManagerConfig, t *timer.Ticker) *SourceManager {
	if cfg.EvictionInterval <= 0 {
		cfg.EvictionInterval = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &SourceManager{
		cfg:     cfg,
		log:     cfg.Logger.With("component", "source_manager"),
		sources: make(map[string]*source.Source),
	}
	if t != nil {
		m.unsubscribe = t.Subscribe(cfg.EvictionInterval, m.sweep)
		m.unsubscribeCycle = t.Subscribe(cfg.CycleInterval, m.cycle)
	}
	return m
}

// cycle drives every live Source's attached packagers' periodic Cycle.
func (m *SourceManager) cycle(_ time.Time) {
	m.mu.RLock()
	sources := make([]*source.Source, 0, len(m.sources))
	for _, s := range m.sources {
		sources = append(sources, s)
	}
	m.mu.RUnlock()

	for _, s := range sources {
		s.CyclePackagers()
	}
}

// Fetch returns the existing Source for identity without creating one.
func (m *SourceManager) Fetch(identity string) (*source.Source, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sources[identity]
	return s, ok
}

// fetchOrCreateResult carries singleflight.Do's return value: the source
// plus whether this particular Do call is the one that created it.
type fetchOrCreateResult struct {
	s       *source.Source
	created bool
}

// FetchOrCreate returns the Source for identity, creating and inserting a
// bare one if absent. The created bool reports whether this call did the
// inserting; callers that get created == true are responsible for
// attaching packagers and calling Evict if that setup fails. Concurrent
// callers for the same identity are collapsed by singleflight onto one
// execution of the create path, so exactly one caller across the whole
// race observes created == true for a given first publish.
func (m *SourceManager) FetchOrCreate(identity string) (s *source.Source, created bool, err error) {
	if existing, ok := m.Fetch(identity); ok {
		return existing, false, nil
	}

	// Do runs fn only on the goroutine of the call that started it; callers
	// that join an in-flight call get the same result value, so ranFn tells
	// the creating caller apart from them.
	var ranFn bool
	v, err, _ := m.sf.Do(identity, func() (interface{}, error) {
		ranFn = true
		m.mu.Lock()
		defer m.mu.Unlock()
		if existing, ok := m.sources[identity]; ok {
			return fetchOrCreateResult{s: existing, created: false}, nil
		}
		s := source.New(identity, m.cfg.GopMaxFrames, m.cfg.MixCorrect)
		m.sources[identity] = s
		metrics.SourcesActive.Set(float64(len(m.sources)))
		return fetchOrCreateResult{s: s, created: true}, nil
	})
	if err != nil {
		return nil, false, err
	}
	res := v.(fetchOrCreateResult)
	return res.s, res.created && ranFn, nil
}

// Evict removes identity's Source from the registry unconditionally. Used
// both by the idle sweep and by callers that fail post-creation packager
// setup and want to undo the FetchOrCreate insertion.
func (m *SourceManager) Evict(identity string) {
	m.mu.Lock()
	delete(m.sources, identity)
	count := len(m.sources)
	m.mu.Unlock()
	metrics.SourcesActive.Set(float64(count))
}

// Count returns the number of live sources.
func (m *SourceManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sources)
}

// Stop unsubscribes the eviction sweep and packager cycle, if registered.
func (m *SourceManager) Stop() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	if m.unsubscribeCycle != nil {
		m.unsubscribeCycle()
	}
}

func (m *SourceManager) sweep(_ time.Time) {
	m.mu.RLock()
	candidates := make([]string, 0, len(m.sources))
	for identity, s := range m.sources {
		if s.Idle(m.cfg.IdleTimeout) {
			candidates = append(candidates, identity)
		}
	}
	m.mu.RUnlock()

	for _, identity := range candidates {
		m.mu.Lock()
		s, ok := m.sources[identity]
		if ok && s.Idle(m.cfg.IdleTimeout) {
			delete(m.sources, identity)
		}
		count := len(m.sources)
		m.mu.Unlock()
		if ok {
			m.log.Debug("evicted idle source", "identity", identity)
			metrics.SourcesActive.Set(float64(count))
		}
	}
}
