package media

import "sync"

// slot holds up to two generations of a packet (current, previous) so a
// packager that missed one update still observes a consistent pair
// (§3 "Metadata cache").
type slot struct {
	current, previous *Packet
}

func (s *slot) set(p *Packet) {
	s.previous = s.current
	s.current = p
}

// MetadataCache holds the latest script metadata tag and the latest
// audio/video sequence headers (codec configuration) for a stream.
type MetadataCache struct {
	mu     sync.RWMutex
	script slot
	video  slot
	audio  slot
}

// NewMetadataCache returns an empty cache.
func NewMetadataCache() *MetadataCache { return &MetadataCache{} }

// SetScript records a new script-data (onMetaData) packet.
func (c *MetadataCache) SetScript(p *Packet) {
	c.mu.Lock()
	c.script.set(p)
	c.mu.Unlock()
}

// SetVideoSequenceHeader records a new video sequence header.
func (c *MetadataCache) SetVideoSequenceHeader(p *Packet) {
	c.mu.Lock()
	c.video.set(p)
	c.mu.Unlock()
}

// SetAudioSequenceHeader records a new audio sequence header.
func (c *MetadataCache) SetAudioSequenceHeader(p *Packet) {
	c.mu.Lock()
	c.audio.set(p)
	c.mu.Unlock()
}

// Script returns the current script packet, or nil.
func (c *MetadataCache) Script() *Packet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.script.current
}

// VideoSequenceHeader returns the current video sequence header, or nil.
func (c *MetadataCache) VideoSequenceHeader() *Packet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.video.current
}

// AudioSequenceHeader returns the current audio sequence header, or nil.
func (c *MetadataCache) AudioSequenceHeader() *Packet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.audio.current
}

// Reset clears every slot (called on on_publish, §4.2).
func (c *MetadataCache) Reset() {
	c.mu.Lock()
	c.script = slot{}
	c.video = slot{}
	c.audio = slot{}
	c.mu.Unlock()
}
