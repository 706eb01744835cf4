package source

import (
	"sync"
	"testing"
	"time"

	"github.com/alxayo/go-rtmp/internal/media"
)

type fakePackager struct {
	mu         sync.Mutex
	kind       string
	published  []string
	unpublishN int
	packets    []*media.Packet
	cycleN     int
}

func (f *fakePackager) Kind() string { return f.kind }
func (f *fakePackager) OnPublish(identity string) error {
	f.mu.Lock()
	f.published = append(f.published, identity)
	f.mu.Unlock()
	return nil
}
func (f *fakePackager) OnUnpublish() {
	f.mu.Lock()
	f.unpublishN++
	f.mu.Unlock()
}
func (f *fakePackager) OnPacket(p *media.Packet) error {
	f.mu.Lock()
	f.packets = append(f.packets, p)
	f.mu.Unlock()
	return nil
}
func (f *fakePackager) Cycle() {
	f.mu.Lock()
	f.cycleN++
	f.mu.Unlock()
}
func (f *fakePackager) Close() error { return nil }

func TestOnPublishFailsWhenAlreadyPublished(t *testing.T) {
	s := New("camA", 0, false)
	if err := s.OnPublish(); err != nil {
		t.Fatalf("first OnPublish: %v", err)
	}
	if err := s.OnPublish(); err == nil {
		t.Fatal("expected second OnPublish to fail under the one-publisher invariant")
	}
}

func TestOnPublishBumpsSourceIDAndNotifiesPackagers(t *testing.T) {
	s := New("camA", 0, false)
	pkg := &fakePackager{kind: "fake"}
	s.AddPackager(pkg)

	if err := s.OnPublish(); err != nil {
		t.Fatalf("OnPublish: %v", err)
	}
	if s.SourceID.Load() != 1 {
		t.Fatalf("expected source id 1, got %d", s.SourceID.Load())
	}
	if len(pkg.published) != 1 || pkg.published[0] != "camA" {
		t.Fatalf("expected packager notified of publish, got %v", pkg.published)
	}

	s.OnUnpublish()
	if s.PublisherPresent.Load() {
		t.Fatal("expected PublisherPresent false after OnUnpublish")
	}
	if pkg.unpublishN != 1 {
		t.Fatalf("expected 1 unpublish notification, got %d", pkg.unpublishN)
	}

	if err := s.OnPublish(); err != nil {
		t.Fatalf("republish: %v", err)
	}
	if s.SourceID.Load() != 2 {
		t.Fatalf("expected source id 2 after republish, got %d", s.SourceID.Load())
	}
}

func TestOnPacketDispatchesToConsumersAndPackagers(t *testing.T) {
	s := New("camA", 0, false)
	pkg := &fakePackager{kind: "fake"}
	s.AddPackager(pkg)
	_ = s.OnPublish()

	c := s.CreateConsumer(0, media.JitterOff, WarmStart{})

	keyframe := &media.Packet{Type: media.TypeVideo, IsKeyframe: true, DTS: 0, Payload: []byte{1}}
	if err := s.OnPacket(keyframe); err != nil {
		t.Fatalf("OnPacket: %v", err)
	}

	if len(pkg.packets) != 1 {
		t.Fatalf("expected packager to observe 1 packet, got %d", len(pkg.packets))
	}
	if _, ok := c.Dequeue(); !ok {
		t.Fatal("expected consumer to have received the packet")
	}
}

func TestCreateConsumerWarmStartsFromGopCache(t *testing.T) {
	s := New("camA", 0, false)
	_ = s.OnPublish()

	key := &media.Packet{Type: media.TypeVideo, IsKeyframe: true, DTS: 0, Payload: []byte{1}}
	_ = s.OnPacket(key)
	inter := &media.Packet{Type: media.TypeVideo, DTS: 33, Payload: []byte{2}}
	_ = s.OnPacket(inter)

	c := s.CreateConsumer(0, media.JitterOff, WarmStart{GOP: true})
	first, ok := c.Dequeue()
	if !ok {
		t.Fatal("expected warm-started consumer to have a buffered packet")
	}
	if !first.IsKeyframe {
		t.Fatal("expected first warm-started packet to be the keyframe")
	}
}

func TestRemoveConsumerDropsNonOwningReference(t *testing.T) {
	s := New("camA", 0, false)
	c := s.CreateConsumer(0, media.JitterOff, WarmStart{})
	if s.ConsumerCount() != 1 {
		t.Fatalf("expected 1 consumer, got %d", s.ConsumerCount())
	}
	s.RemoveConsumer(c)
	if s.ConsumerCount() != 0 {
		t.Fatalf("expected 0 consumers after remove, got %d", s.ConsumerCount())
	}
}

func TestRepublishRewarmStartsLongLivedConsumerExactlyOnce(t *testing.T) {
	s := New("camA", 0, false)
	_ = s.OnPublish()

	vsh := &media.Packet{Type: media.TypeVideo, IsSequenceHeader: true, Payload: []byte{1}}
	_ = s.OnPacket(vsh)

	c := s.CreateConsumer(0, media.JitterOff, WarmStart{})
	// Drain the consumer so only newly-enqueued packets are visible below.
	for {
		if _, ok := c.Dequeue(); !ok {
			break
		}
	}

	// First packet under the original generation: no re-warm-start.
	_ = s.OnPacket(&media.Packet{Type: media.TypeVideo, IsKeyframe: true, DTS: 0, Payload: []byte{1}})
	if pkt, ok := c.Dequeue(); !ok || pkt.IsSequenceHeader {
		t.Fatalf("expected only the keyframe before any republish, got %+v ok=%v", pkt, ok)
	}
	if _, ok := c.Dequeue(); ok {
		t.Fatal("expected no extra packets before republish")
	}

	s.OnUnpublish()
	_ = s.OnPublish() // bumps SourceID, simulating a republish

	newVSH := &media.Packet{Type: media.TypeVideo, IsSequenceHeader: true, Payload: []byte{2}}
	_ = s.OnPacket(newVSH) // first packet dispatched under the new generation

	// The republish-triggering packet is itself the header the warm-start
	// snapshot now carries, so it must be delivered exactly once, not
	// enqueued again on top of the warm-start.
	first, ok := c.Dequeue()
	if !ok || !first.IsSequenceHeader || first.Payload[0] != 2 {
		t.Fatalf("expected exactly the new sequence header, got %+v ok=%v", first, ok)
	}
	if _, ok := c.Dequeue(); ok {
		t.Fatal("expected the republish packet to be delivered exactly once")
	}

	// A second packet under the same (new) generation must not re-warm-start again.
	_ = s.OnPacket(&media.Packet{Type: media.TypeVideo, DTS: 40, Payload: []byte{3}})
	third, ok := c.Dequeue()
	if !ok || third.IsSequenceHeader {
		t.Fatalf("expected no re-warm-start on the second packet of the same generation, got %+v ok=%v", third, ok)
	}
	if _, ok := c.Dequeue(); ok {
		t.Fatal("expected exactly one packet for the steady-state generation")
	}
}

func TestCyclePackagersDrivesEveryAttachedPackager(t *testing.T) {
	s := New("camA", 0, false)
	a := &fakePackager{kind: "a"}
	b := &fakePackager{kind: "b"}
	s.AddPackager(a)
	s.AddPackager(b)

	s.CyclePackagers()
	s.CyclePackagers()

	if a.cycleN != 2 || b.cycleN != 2 {
		t.Fatalf("expected both packagers cycled twice, got a=%d b=%d", a.cycleN, b.cycleN)
	}
}

func TestIdleRequiresNoPublisherNoConsumersNoPackagersAndTimeout(t *testing.T) {
	s := New("camA", 0, false)
	s.LastActivity.Store(time.Now().Add(-time.Hour).UnixNano())
	if !s.Idle(time.Second) {
		t.Fatal("expected freshly-constructed unpublished source with no consumers to be idle")
	}

	_ = s.OnPublish()
	if s.Idle(time.Second) {
		t.Fatal("expected published source to never be idle")
	}
	s.OnUnpublish()

	c := s.CreateConsumer(0, media.JitterOff, WarmStart{})
	if s.Idle(time.Second) {
		t.Fatal("expected source with a consumer to never be idle")
	}
	s.RemoveConsumer(c)
	s.LastActivity.Store(time.Now().UnixNano())
	if s.Idle(time.Second) {
		t.Fatal("expected source to not be idle before the timeout elapses")
	}

	s.LastActivity.Store(time.Now().Add(-time.Hour).UnixNano())
	s.AddPackager(&fakePackager{kind: "fake"})
	if s.Idle(time.Second) {
		t.Fatal("expected source with a packager to never be idle")
	}
}
