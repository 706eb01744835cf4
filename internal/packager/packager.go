// Package packager defines the collapsed egress capability interface every
// output format (segmented HLS/TS, fragmented fMP4/DASH, continuous DVR,
// RTP/WebRTC) implements, replacing what the source format modeled as a
// deep per-format inheritance chain (§9 design note "collapse deep
// inheritance chains into one capability interface plus small adapters").
package packager

import "github.com/alxayo/go-rtmp/internal/media"

// Packager is attached to exactly one Source for its lifetime. A Source
// calls these methods from its single packet-dispatch path; a Packager
// must never block that call on network or disk I/O beyond what its own
// internal buffering already absorbs.
type Packager interface {
	// Kind identifies the packager for logging/metrics/hooks ("hls",
	// "fmp4", "dvr-flv", "dvr-mp4", "rtp").
	Kind() string

	// OnPublish is called once when the Source transitions to published,
	// before any packets are delivered. It may fail (e.g. cannot create
	// output directory); a failing OnPublish excludes the packager from
	// the Source's active set for that publish generation.
	OnPublish(identity string) error

	// OnUnpublish is called once when the Source transitions to
	// unpublished (or on forced eviction); it must flush and close any
	// open artifact.
	OnUnpublish()

	// OnPacket delivers one packet in arrival order, already past the
	// Source's GOP-cache/metadata-cache bookkeeping. Packagers that
	// operate on whole frames rather than individual packets (e.g. an
	// RTP packetizer reassembling NALUs) accumulate here and emit via
	// their own internal buffering.
	OnPacket(p *media.Packet) error

	// Cycle is invoked periodically (from the Fast Timer) so packagers
	// with time-based policies (segment-duration cuts, window sliding)
	// can act without being driven purely by packet arrival, which would
	// stall a cut during a pause in the source.
	Cycle()

	// Close releases any resources. Called after OnUnpublish during
	// Source teardown.
	Close() error
}

// Base provides no-op Cycle/Close bodies for packagers that don't need
// either, so each concrete packager only implements what it actually uses.
type Base struct{}

func (Base) Cycle()       {}
func (Base) Close() error { return nil }
