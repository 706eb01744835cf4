package rtp

import (
	"log/slog"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// retransmitBuffer keeps the last N sent packets per SSRC so a NACK can
// be serviced without re-encoding, grounded on the general RTP
// retransmission pattern (RFC 4588 semantics, simplified to in-band
// resend rather than a separate RTX payload type).
type retransmitBuffer struct {
	mu   sync.Mutex
	cap  int
	buf  []*rtp.Packet
	byID map[uint16]*rtp.Packet
}

func newRetransmitBuffer(capacity int) *retransmitBuffer {
	return &retransmitBuffer{cap: capacity, byID: make(map[uint16]*rtp.Packet, capacity)}
}

func (b *retransmitBuffer) Add(pkt *rtp.Packet) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, pkt)
	b.byID[pkt.SequenceNumber] = pkt
	if len(b.buf) > b.cap {
		old := b.buf[0]
		b.buf = b.buf[1:]
		delete(b.byID, old.SequenceNumber)
	}
}

func (b *retransmitBuffer) Get(seq uint16) (*rtp.Packet, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.byID[seq]
	return p, ok
}

// HandleNACK resolves a TransportLayerNack into the buffered packets it
// references, for the caller to resend via Sink.
func (b *retransmitBuffer) HandleNACK(n *rtcp.TransportLayerNack) []*rtp.Packet {
	var out []*rtp.Packet
	for _, pair := range n.Nacks {
		for _, seq := range pair.PacketList() {
			if p, ok := b.Get(seq); ok {
				out = append(out, p)
			}
		}
	}
	return out
}

// pliDebouncer coalesces repeated PLI requests for the same SSRC within
// a debounce window, matching the SFU's keyframe-gate "nudge every
// 300ms" pattern rather than forwarding every PLI upstream.
type pliDebouncer struct {
	mu       sync.Mutex
	last     map[uint32]time.Time
	debounce time.Duration
}

func newPLIDebouncer(debounce time.Duration) *pliDebouncer {
	return &pliDebouncer{last: make(map[uint32]time.Time), debounce: debounce}
}

// Allow reports whether a PLI for ssrc should actually be forwarded now.
func (d *pliDebouncer) Allow(ssrc uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	if last, ok := d.last[ssrc]; ok && now.Sub(last) < d.debounce {
		return false
	}
	d.last[ssrc] = now
	return true
}

// avSync derives a wall-clock mapping for an RTP stream from successive
// Sender Reports, refined after the second SR per §4.7.
type avSync struct {
	mu       sync.Mutex
	haveFirst bool
	rtpTime0  uint32
	ntpTime0  time.Time
	clockRate uint32
	refined   bool
}

func newAVSync(clockRate uint32) *avSync {
	return &avSync{clockRate: clockRate}
}

// ObserveSR updates the sync mapping from an incoming Sender Report's
// RTP timestamp and NTP timestamp fields (RFC 3550 §6.4.1).
func (s *avSync) ObserveSR(rtpTime uint32, ntpTime uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ntp := ntpToTime(ntpTime)
	if !s.haveFirst {
		s.rtpTime0 = rtpTime
		s.ntpTime0 = ntp
		s.haveFirst = true
		return
	}
	// Second and later SR refines the mapping by re-deriving the
	// rtpTime0/ntpTime0 pair from the most recent report, which
	// tightens drift versus trusting only the very first SR.
	s.rtpTime0 = rtpTime
	s.ntpTime0 = ntp
	s.refined = true
}

// AVSync maps an RTP timestamp to wall-clock milliseconds once at least
// one Sender Report has been observed; returns ok=false until then.
func (s *avSync) AVSync(rtpTime uint32) (systemMS int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.haveFirst {
		return 0, false
	}
	deltaSamples := int64(int32(rtpTime - s.rtpTime0))
	deltaMS := deltaSamples * 1000 / int64(s.clockRate)
	return s.ntpTime0.UnixMilli() + deltaMS, true
}

func ntpToTime(ntp uint64) time.Time {
	seconds := ntp >> 32
	frac := ntp & 0xFFFFFFFF
	nanos := (frac * 1e9) >> 32
	// NTP epoch (1900-01-01) to Unix epoch (1970-01-01) offset.
	const ntpUnixOffset = 2208988800
	return time.Unix(int64(seconds)-ntpUnixOffset, int64(nanos))
}

// twccSender holds the caller's WriteRTCP for Transport-Wide Congestion
// Control feedback. It emits nothing itself: TWCC feedback on a WebRTC
// session comes from the interceptor chain installed on the
// PeerConnection (internal/rtc).
type twccSender struct {
	logger    *slog.Logger
	writeRTCP func([]rtcp.Packet) error
}

func newTWCCSender(logger *slog.Logger, writeRTCP func([]rtcp.Packet) error) *twccSender {
	return &twccSender{logger: logger, writeRTCP: writeRTCP}
}

// Cycle is a no-op. TWCC accounting (per-packet arrival deltas) and
// feedback pacing live in the interceptor chain installed on the
// PeerConnection (internal/rtc).
func (t *twccSender) Cycle() {}
