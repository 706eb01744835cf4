package media

import (
	"sync"
	"time"
)

// Consumer is a per-subscriber bounded queue (§4.3 "Consumer Queue").
// Single-producer (the Source's dispatch path) / single-consumer (the
// subscriber's sender goroutine). Enqueue never blocks and never yields,
// so it is always safe to call from the Source's hot packet-ingress
// path; only the sender goroutine performs network I/O and therefore
// only it blocks, in Wait.
type Consumer struct {
	mu   sync.Mutex
	cond *sync.Cond

	queue       []*Packet
	durationCap time.Duration // queue-duration-cap; 0 disables overflow checks

	overflow bool
	paused   bool
	closed   bool

	jitter *Jitter

	// sourceGeneration is the Source's source-id the consumer last
	// observed; NoteSourceGeneration reports divergence exactly once per
	// change.
	sourceGeneration uint64
	lastSeenGen      uint64
}

// NewConsumer creates a consumer queue capped at durationCap of buffered
// media (0 disables the cap) using the given jitter-correction mode.
func NewConsumer(durationCap time.Duration, mode JitterMode) *Consumer {
	c := &Consumer{durationCap: durationCap, jitter: NewJitter(mode)}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// SetSourceGeneration records the Source's current generation so a later
// NoteSourceGeneration call can detect a republish.
func (c *Consumer) SetSourceGeneration(gen uint64) {
	c.mu.Lock()
	c.sourceGeneration = gen
	c.lastSeenGen = gen
	c.mu.Unlock()
}

// NoteSourceGeneration is called by the dispatcher whenever it delivers
// under a given source generation. It returns true exactly once the
// first time the generation diverges from what the consumer last saw,
// so the caller can emit a source-change notification (§3 "Source",
// §8 scenario 1).
func (c *Consumer) NoteSourceGeneration(gen uint64) (changed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.lastSeenGen {
		c.lastSeenGen = gen
		return true
	}
	return false
}

// Enqueue pushes p onto the queue, applying the drop-oldest-GOP overflow
// policy if the queue's buffered duration now exceeds durationCap. Never
// blocks.
func (c *Consumer) Enqueue(p *Packet) {
	if p == nil {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, p)
	c.shrinkLocked()
	c.cond.Signal()
	c.mu.Unlock()
}

// shrinkLocked drops whole GOPs from the head of the queue until its
// buffered duration is within durationCap, setting the overflow flag.
// Never drops a partial GOP (§8 boundary behavior).
func (c *Consumer) shrinkLocked() {
	if c.durationCap <= 0 || len(c.queue) < 2 {
		return
	}
	for c.bufferedDurationLocked() > c.durationCap {
		cut := c.nextGopBoundaryLocked()
		if cut <= 0 {
			// No further keyframe boundary found: drop everything,
			// matching the original's "if no iframe found, clear it".
			c.queue = c.queue[:0]
			c.overflow = true
			return
		}
		c.queue = c.queue[cut:]
		c.overflow = true
	}
}

// nextGopBoundaryLocked returns the index of the next video keyframe
// strictly after position 0, i.e. the number of packets to drop from the
// head to remove exactly one whole leading GOP. Returns 0 if no such
// boundary exists in the current buffer.
func (c *Consumer) nextGopBoundaryLocked() int {
	for i := 1; i < len(c.queue); i++ {
		p := c.queue[i]
		if p.Type == TypeVideo && p.IsKeyframe && !p.IsSequenceHeader {
			return i
		}
	}
	return 0
}

func (c *Consumer) bufferedDurationLocked() time.Duration {
	if len(c.queue) < 2 {
		return 0
	}
	first := c.queue[0].DTS
	last := c.queue[len(c.queue)-1].DTS
	if last < first {
		return 0
	}
	return time.Duration(last-first) * time.Millisecond
}

// Dequeue pops the oldest packet, applying jitter correction. Returns
// (nil, false) immediately if the queue is empty — it never blocks
// (§8 boundary behavior: "Empty queue dequeue returns ∅ without
// blocking").
func (c *Consumer) Dequeue() (*Packet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil, false
	}
	p := c.queue[0]
	c.queue = c.queue[1:]
	return c.jitter.Apply(p), true
}

// Wait blocks the calling (sender) goroutine until either the queue
// holds at least minPackets spanning at least minDuration, or the
// consumer is closed. Enqueue, Wakeup and Resume only wake it to
// re-check that condition; they do not release it on their own. This is
// the "merged-write wait" batching optimization (§4.3).
func (c *Consumer) Wait(minPackets int, minDuration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if c.closed {
			return
		}
		if len(c.queue) >= minPackets && c.bufferedDurationLocked() >= minDuration {
			return
		}
		c.cond.Wait()
		// Loop back around: re-check closed/queue state, since Enqueue
		// signals on every packet and an explicit Wakeup/Resume call can
		// also wake us before minPackets/minDuration is actually met.
	}
}

// Wakeup signals any goroutine blocked in Wait without changing queue
// contents (used when a consumer is being torn down or paused).
func (c *Consumer) Wakeup() {
	c.mu.Lock()
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Pause stops the sender from dequeuing; the producer keeps pushing
// until overflow (§4.3 "Pause").
func (c *Consumer) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

// Resume clears the paused flag and wakes any blocked sender.
func (c *Consumer) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	c.Wakeup()
}

// Paused reports whether the consumer is currently paused.
func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Overflow reports (and clears) whether the queue has dropped data since
// the last call.
func (c *Consumer) Overflow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.overflow
	c.overflow = false
	return v
}

// Len returns the current queue length (diagnostics / metrics only).
func (c *Consumer) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Close marks the consumer closed and wakes any blocked sender so it can
// observe closure and exit.
func (c *Consumer) Close() {
	c.mu.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Closed reports whether Close has been called, letting a sender loop
// stop spinning on a drained, torn-down consumer.
func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
