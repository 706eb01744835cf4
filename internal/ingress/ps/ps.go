// Package ps implements a recoverable parser for MPEG-2 Program Stream
// (PS) as used by GB28181 video-surveillance feeds arriving over RTP
// (§4.8). No pack repo in the retrieval set parses PS; this package is
// original code, using the same structured-error-wrapping idiom as the
// rest of this repo (internal/errors.RecoverableFormatError backs the
// bounded-retry path).
package ps

import (
	"bytes"
	"fmt"

	"github.com/alxayo/go-rtmp/internal/errors"
	"github.com/alxayo/go-rtmp/internal/metrics"
)

const (
	packStartCode    = 0xBA
	systemHeaderCode = 0xBB
	mapStreamCode    = 0xBC
	programEndCode   = 0xB9

	// maxRecoveries bounds consecutive format violations before the
	// session is abandoned as fatal (scenario: 17th malformed packet in
	// a row fails; the prior 16 each recover).
	maxRecoveries = 16
)

// TsMessage is one elementary-stream payload recovered from a PS PES
// packet (ISO/IEC 13818-1), ready for adaptation into a media.Packet.
type TsMessage struct {
	Payload   []byte
	Timestamp uint32 // milliseconds, derived from the PES PTS (90kHz clock)
	StreamID  uint8
}

// Parser is a recoverable PS demultiplexer. Feed bytes to it as they
// arrive (from an RTP depacketizer or a raw PS socket); it returns
// every TsMessage it can extract, resyncing on the next pack header
// whenever it hits a format violation.
type Parser struct {
	buf        []byte
	recoveries int
	fatal      bool
}

// NewParser constructs an empty PS parser.
func NewParser() *Parser {
	return &Parser{}
}

// Recoveries reports the current consecutive-recovery count.
func (p *Parser) Recoveries() int { return p.recoveries }

// Feed appends newly received bytes and extracts every complete
// TsMessage now available. Once the parser has recovered from more than
// maxRecoveries consecutive format violations it becomes permanently
// fatal; every subsequent Feed call returns an error without attempting
// to parse further.
func (p *Parser) Feed(data []byte) ([]TsMessage, error) {
	if p.fatal {
		return nil, fmt.Errorf("ps: session abandoned after %d consecutive recoveries", p.recoveries)
	}
	p.buf = append(p.buf, data...)

	var out []TsMessage
	for {
		msg, consumed, err := p.parseOne()
		if consumed == 0 {
			break // need more data
		}
		p.buf = p.buf[consumed:]
		if err != nil {
			p.recoveries++
			metrics.PSRecoveries.Inc()
			if p.recoveries > maxRecoveries {
				p.fatal = true
				return out, errors.NewRecoverableFormatError("ps_parse", p.recoveries, err)
			}
			continue
		}
		p.recoveries = 0
		if msg != nil {
			out = append(out, *msg)
		}
	}
	return out, nil
}

// parseOne attempts to consume one PS unit from the front of the
// buffer. consumed == 0 means "wait for more data". err != nil means a
// format violation was found and consumed bytes have already resynced
// (or attempted to) past it.
func (p *Parser) parseOne() (*TsMessage, int, error) {
	idx := bytes.Index(p.buf, []byte{0x00, 0x00, 0x01})
	if idx == -1 {
		if len(p.buf) > 2 {
			return nil, len(p.buf) - 2, nil // drop garbage, keep a possible partial prefix
		}
		return nil, 0, nil
	}
	if idx > 0 {
		return nil, idx, nil // leading noise before a start code; not a format violation
	}
	if len(p.buf) < 4 {
		return nil, 0, nil
	}

	switch code := p.buf[3]; {
	case code == packStartCode:
		return p.parsePackHeader()
	case code == systemHeaderCode, code == mapStreamCode:
		return p.parseLengthPrefixed()
	case code == programEndCode:
		return nil, 4, nil
	case code >= 0xC0 && code <= 0xEF:
		return p.parsePES(code)
	default:
		return p.recover(fmt.Errorf("ps: unrecognized start code 0x%02x", code))
	}
}

func (p *Parser) parsePackHeader() (*TsMessage, int, error) {
	const fixedLen = 14 // start code(4) + SCR(6) + mux_rate(3) + stuffing-length byte(1)
	if len(p.buf) < fixedLen {
		return nil, 0, nil
	}
	if p.buf[4]&0xC0 != 0x40 {
		return p.recover(fmt.Errorf("ps: invalid pack header marker bits"))
	}
	stuffingLen := int(p.buf[13] & 0x07)
	total := fixedLen + stuffingLen
	if len(p.buf) < total {
		return nil, 0, nil
	}
	return nil, total, nil
}

func (p *Parser) parseLengthPrefixed() (*TsMessage, int, error) {
	if len(p.buf) < 6 {
		return nil, 0, nil
	}
	length := int(p.buf[4])<<8 | int(p.buf[5])
	total := 6 + length
	if len(p.buf) < total {
		return nil, 0, nil
	}
	return nil, total, nil
}

func (p *Parser) parsePES(streamID uint8) (*TsMessage, int, error) {
	if len(p.buf) < 6 {
		return nil, 0, nil
	}
	length := int(p.buf[4])<<8 | int(p.buf[5])
	if length == 0 {
		return p.recover(fmt.Errorf("ps: unbounded PES length unsupported"))
	}
	total := 6 + length
	if len(p.buf) < total {
		return nil, 0, nil
	}
	header := p.buf[6:total]
	if len(header) < 3 {
		return p.consumeAndRecover(total, fmt.Errorf("ps: truncated PES header"))
	}
	flags1, flags2, headerDataLen := header[0], header[1], int(header[2])
	if flags1&0xC0 != 0x80 {
		return p.consumeAndRecover(total, fmt.Errorf("ps: invalid PES marker bits"))
	}
	if 3+headerDataLen > len(header) {
		return p.consumeAndRecover(total, fmt.Errorf("ps: invalid PES header data length"))
	}

	var ptsMS uint32
	if ptsDtsFlags := (flags2 >> 6) & 0x03; ptsDtsFlags&0x02 != 0 {
		if headerDataLen < 5 {
			return p.consumeAndRecover(total, fmt.Errorf("ps: truncated PTS field"))
		}
		pts := parse33BitTimestamp(header[3:8])
		ptsMS = uint32(pts / 90)
	}

	payload := header[3+headerDataLen:]
	msg := &TsMessage{Payload: append([]byte(nil), payload...), Timestamp: ptsMS, StreamID: streamID}
	return msg, total, nil
}

// parse33BitTimestamp decodes a 5-byte PTS/DTS field per ISO/IEC
// 13818-1 §2.4.3.6's marker-bit-interleaved layout.
func parse33BitTimestamp(b []byte) uint64 {
	return uint64(b[0]&0x0E)<<29 | uint64(b[1])<<22 | uint64(b[2]&0xFE)<<14 | uint64(b[3])<<7 | uint64(b[4])>>1
}

// recover skips past a bad start code; the next parseOne call re-scans
// for 00 00 01 via bytes.Index, so the parser naturally resyncs at the
// next pack header (or reports another recovery if it finds more
// malformed start codes first).
func (p *Parser) recover(cause error) (*TsMessage, int, error) {
	return nil, 4, cause
}

// consumeAndRecover is used when the malformed unit's length field was
// itself parseable, so we know exactly how many bytes to skip.
func (p *Parser) consumeAndRecover(total int, cause error) (*TsMessage, int, error) {
	return nil, total, cause
}
