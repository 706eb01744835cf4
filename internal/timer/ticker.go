// Package timer implements the Fast Timer component (§4.9/§9): a single
// fixed-interval dispatch mechanism used for manifest refresh, idle-source
// cleanup, and RTP feedback cadences, modeled as subscribe(interval,
// handler) rather than one ad-hoc goroutine per feature.
package timer

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alxayo/go-rtmp/internal/logger"
)

// Handler is invoked on every tick of its subscribed interval. Handlers
// run on the ticker's dispatch goroutine and MUST NOT block — long work
// belongs on a worker (e.g. the Async Hook Worker), never inline here.
type Handler func(now time.Time)

// Ticker runs a single base-resolution clock and fans out to subscribers
// whose individual intervals are a multiple of the base resolution.
type Ticker struct {
	resolution time.Duration
	log        *slog.Logger

	mu   sync.Mutex
	subs map[int]*subscription
	next int

	stop chan struct{}
	wg   sync.WaitGroup
}

type subscription struct {
	every   int64 // in units of resolution
	handler Handler
	limiter *rate.Limiter // allows at most one invocation per interval
}

// New creates a Ticker with the given base resolution (e.g. 200ms). A
// finer resolution gives subscribers more precise intervals at the cost
// of more wakeups; the spec characterizes this component as "fixed
// interval, multi-second to sub-second cadence" so 100-200ms is typical.
func New(resolution time.Duration) *Ticker {
	if resolution <= 0 {
		resolution = 200 * time.Millisecond
	}
	return &Ticker{
		resolution: resolution,
		log:        logger.Logger().With("component", "fast_timer"),
		subs:       make(map[int]*subscription),
		stop:       make(chan struct{}),
	}
}

// Subscribe registers handler to run roughly every interval (rounded up
// to the nearest multiple of the ticker's resolution). It returns an
// Unsubscribe func removing the registration.
func (t *Ticker) Subscribe(interval time.Duration, handler Handler) (unsubscribe func()) {
	if handler == nil {
		return func() {}
	}
	every := int64((interval + t.resolution - 1) / t.resolution)
	if every < 1 {
		every = 1
	}
	t.mu.Lock()
	id := t.next
	t.next++
	t.subs[id] = &subscription{
		every:   every,
		handler: handler,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

// Start begins the dispatch loop in a background goroutine.
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
}

// Stop halts the dispatch loop and waits for it to exit.
func (t *Ticker) Stop() {
	close(t.stop)
	t.wg.Wait()
}

func (t *Ticker) run() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.resolution)
	defer ticker.Stop()
	var tick int64
	for {
		select {
		case <-t.stop:
			return
		case now := <-ticker.C:
			tick++
			t.dispatch(tick, now)
		}
	}
}

func (t *Ticker) dispatch(tick int64, now time.Time) {
	t.mu.Lock()
	due := make([]*subscription, 0, len(t.subs))
	for _, s := range t.subs {
		if tick%s.every == 0 {
			due = append(due, s)
		}
	}
	t.mu.Unlock()

	for _, s := range due {
		if !s.limiter.Allow() {
			continue
		}
		t.invoke(s, now)
	}
}

// invoke isolates a single handler's panic so one misbehaving subscriber
// cannot take down the dispatch loop or starve other streams' timers.
func (t *Ticker) invoke(s *subscription, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("timer handler panic", "recover", r)
		}
	}()
	s.handler(now)
}
