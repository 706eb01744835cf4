package media

import (
	"testing"
	"time"
)

func keyframe(dts uint32) *Packet {
	return &Packet{Type: TypeVideo, IsKeyframe: true, DTS: dts, Payload: []byte{0x17, 0x01}}
}

func interFrame(dts uint32) *Packet {
	return &Packet{Type: TypeVideo, DTS: dts, Payload: []byte{0x27, 0x01}}
}

func TestConsumerDequeueEmptyNonBlocking(t *testing.T) {
	c := NewConsumer(0, JitterOff)
	done := make(chan struct{})
	go func() {
		_, ok := c.Dequeue()
		if ok {
			t.Error("expected empty dequeue to report no packet")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Dequeue blocked on empty queue")
	}
}

func TestConsumerEnqueueDequeueOrder(t *testing.T) {
	c := NewConsumer(0, JitterOff)
	want := []*Packet{keyframe(0), interFrame(40), interFrame(80)}
	for _, p := range want {
		c.Enqueue(p)
	}
	for i, w := range want {
		got, ok := c.Dequeue()
		if !ok {
			t.Fatalf("packet %d: expected ok", i)
		}
		if got.DTS != w.DTS {
			t.Fatalf("packet %d: dts = %d, want %d", i, got.DTS, w.DTS)
		}
	}
	if _, ok := c.Dequeue(); ok {
		t.Fatal("expected queue drained")
	}
}

// TestConsumerOverflowDropsWholeGOP verifies that overflow never leaves a
// partial GOP at the head of the queue (§8 boundary behavior).
func TestConsumerOverflowDropsWholeGOP(t *testing.T) {
	c := NewConsumer(100*time.Millisecond, JitterOff)

	// GOP 1: keyframe@0, inter@20, inter@40 (duration so far 40ms)
	c.Enqueue(keyframe(0))
	c.Enqueue(interFrame(20))
	c.Enqueue(interFrame(40))
	// GOP 2: keyframe@200 -- pushes span from 0 to 200 = 200ms > 100ms cap
	c.Enqueue(keyframe(200))

	if !c.Overflow() {
		t.Fatal("expected overflow flag to be set")
	}

	// The entire first GOP must be gone; the surviving head must be the
	// second GOP's keyframe, never an inter frame orphaned from GOP 1.
	got, ok := c.Dequeue()
	if !ok {
		t.Fatal("expected a packet to remain")
	}
	if !(got.Type == TypeVideo && got.IsKeyframe) {
		t.Fatalf("expected surviving head to be a keyframe, got %+v", got)
	}
	if got.DTS != 200 {
		t.Fatalf("expected surviving keyframe at dts=200, got %d", got.DTS)
	}
}

// TestWaitBlocksUntilMinPacketsSatisfied verifies the merged-write batching
// optimization: Wait must not return on the first Enqueue signal if
// minPackets/minDuration aren't yet satisfied, only once they are.
func TestWaitBlocksUntilMinPacketsSatisfied(t *testing.T) {
	c := NewConsumer(0, JitterOff)
	returned := make(chan struct{})
	go func() {
		c.Wait(3, 0)
		close(returned)
	}()

	c.Enqueue(keyframe(0))
	select {
	case <-returned:
		t.Fatal("Wait returned after 1 packet, want it to block until minPackets=3")
	case <-time.After(50 * time.Millisecond):
	}

	c.Enqueue(interFrame(10))
	select {
	case <-returned:
		t.Fatal("Wait returned after 2 packets, want it to block until minPackets=3")
	case <-time.After(50 * time.Millisecond):
	}

	c.Enqueue(interFrame(20))
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Wait never returned after minPackets=3 was satisfied")
	}
}

// TestWaitBlocksUntilMinDurationSatisfied exercises the duration leg of the
// same condition: a burst of packets that doesn't span minDuration yet must
// not wake Wait.
func TestWaitBlocksUntilMinDurationSatisfied(t *testing.T) {
	c := NewConsumer(0, JitterOff)
	returned := make(chan struct{})
	go func() {
		c.Wait(1, 50*time.Millisecond)
		close(returned)
	}()

	c.Enqueue(keyframe(0))
	c.Enqueue(interFrame(10))
	select {
	case <-returned:
		t.Fatal("Wait returned before buffered duration reached minDuration")
	case <-time.After(50 * time.Millisecond):
	}

	c.Enqueue(interFrame(60))
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Wait never returned after minDuration was satisfied")
	}
}

// TestWaitReturnsImmediatelyOnClose verifies a blocked Wait is released by
// Close even if minPackets/minDuration were never satisfied.
func TestWaitReturnsImmediatelyOnClose(t *testing.T) {
	c := NewConsumer(0, JitterOff)
	returned := make(chan struct{})
	go func() {
		c.Wait(100, time.Hour)
		close(returned)
	}()

	time.Sleep(20 * time.Millisecond)
	c.Close()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Wait never returned after Close")
	}
}

func TestConsumerPauseDoesNotBlockProducer(t *testing.T) {
	c := NewConsumer(0, JitterOff)
	c.Pause()
	for i := uint32(0); i < 5; i++ {
		c.Enqueue(interFrame(i * 10))
	}
	if !c.Paused() {
		t.Fatal("expected paused")
	}
	if c.Len() != 5 {
		t.Fatalf("expected producer to keep enqueuing while paused, len=%d", c.Len())
	}
}

func TestJitterFullRemapsToZeroAndEnforcesMonotonic(t *testing.T) {
	j := NewJitter(JitterFull)
	p1 := j.Apply(&Packet{DTS: 1000})
	if p1.DTS != 0 {
		t.Fatalf("expected first packet remapped to 0, got %d", p1.DTS)
	}
	p2 := j.Apply(&Packet{DTS: 900}) // a backward jump relative to start
	if p2.DTS < p1.DTS {
		t.Fatalf("expected monotonic non-decreasing output, got %d after %d", p2.DTS, p1.DTS)
	}
}

func TestGopCacheFirstEntryIsKeyframe(t *testing.T) {
	g := NewGopCache(0)
	g.Append(keyframe(0))
	g.Append(interFrame(40))
	snap := g.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 packets, got %d", len(snap))
	}
	if !(snap[0].Type == TypeVideo && snap[0].IsKeyframe) {
		t.Fatalf("expected first cached packet to be a keyframe, got %+v", snap[0])
	}
}

func TestGopCacheClearsOnNewKeyframe(t *testing.T) {
	g := NewGopCache(0)
	g.Append(keyframe(0))
	g.Append(interFrame(40))
	g.Append(keyframe(80))
	snap := g.Snapshot()
	if len(snap) != 1 || snap[0].DTS != 80 {
		t.Fatalf("expected cache reset to single new keyframe, got %+v", snap)
	}
}

func TestGopCacheMaxFramesBound(t *testing.T) {
	g := NewGopCache(3)
	g.Append(keyframe(0))
	for i := uint32(1); i < 10; i++ {
		g.Append(interFrame(i * 10))
	}
	snap := g.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected cache bounded to 3 frames, got %d", len(snap))
	}
}

func TestMetadataCacheKeepsTwoGenerations(t *testing.T) {
	c := NewMetadataCache()
	first := &Packet{Type: TypeVideo, IsSequenceHeader: true, Payload: []byte{1}}
	second := &Packet{Type: TypeVideo, IsSequenceHeader: true, Payload: []byte{2}}
	c.SetVideoSequenceHeader(first)
	c.SetVideoSequenceHeader(second)
	if c.VideoSequenceHeader() != second {
		t.Fatal("expected current generation to be the latest set")
	}
	c.Reset()
	if c.VideoSequenceHeader() != nil {
		t.Fatal("expected reset to clear sequence header")
	}
}
