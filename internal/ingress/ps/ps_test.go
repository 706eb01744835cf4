package ps

import (
	"bytes"
	"testing"
)

func packHeader() []byte {
	buf := make([]byte, 14)
	buf[0], buf[1], buf[2], buf[3] = 0x00, 0x00, 0x01, packStartCode
	buf[4] = 0x44 // top bits '01'
	// remaining SCR/mux-rate bytes and stuffing length (0) are left zero
	return buf
}

func pesPacket(streamID uint8, ptsBytes []byte, payload []byte) []byte {
	headerDataLen := 0
	flags2 := byte(0x00)
	if ptsBytes != nil {
		headerDataLen = 5
		flags2 = 0x80
	}
	body := []byte{0x80, flags2, byte(headerDataLen)}
	if ptsBytes != nil {
		body = append(body, ptsBytes...)
	}
	body = append(body, payload...)
	length := len(body)
	out := []byte{0x00, 0x00, 0x01, streamID, byte(length >> 8), byte(length)}
	return append(out, body...)
}

func TestParserExtractsPESPayloadAfterPackHeader(t *testing.T) {
	p := NewParser()
	ptsBytes := []byte{0x21, 0x00, 0x01, 0x00, 0x01}
	stream := append(packHeader(), pesPacket(0xE0, ptsBytes, []byte{0xAA, 0xBB, 0xCC})...)

	msgs, err := p.Feed(stream)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if !bytes.Equal(msgs[0].Payload, []byte{0xAA, 0xBB, 0xCC}) {
		t.Fatalf("unexpected payload: % x", msgs[0].Payload)
	}
	if msgs[0].StreamID != 0xE0 {
		t.Fatalf("expected stream id 0xE0, got 0x%02x", msgs[0].StreamID)
	}
	expectedPTS := parse33BitTimestamp(ptsBytes) / 90
	if msgs[0].Timestamp != uint32(expectedPTS) {
		t.Fatalf("expected timestamp %d, got %d", expectedPTS, msgs[0].Timestamp)
	}
}

func TestParserFeedAcrossMultipleCalls(t *testing.T) {
	p := NewParser()
	stream := append(packHeader(), pesPacket(0xC0, nil, []byte{0x01, 0x02})...)

	var got []TsMessage
	for i := 0; i < len(stream); i++ {
		msgs, err := p.Feed(stream[i : i+1])
		if err != nil {
			t.Fatalf("Feed byte %d: %v", i, err)
		}
		got = append(got, msgs...)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 message fed one byte at a time, got %d", len(got))
	}
}

// TestParserRecoveryBound feeds 17 successive malformed PS units and
// expects the 17th to report a fatal error while the previous 16 each
// recover (§8 scenario 6).
func TestParserRecoveryBound(t *testing.T) {
	p := NewParser()
	malformed := []byte{0x00, 0x00, 0x01, 0xF5} // 0xF5 is not a recognized start code

	for i := 1; i <= 16; i++ {
		if _, err := p.Feed(malformed); err != nil {
			t.Fatalf("recovery %d: expected success-with-recovery, got error: %v", i, err)
		}
		if p.Recoveries() != i {
			t.Fatalf("recovery %d: expected recoveries counter %d, got %d", i, i, p.Recoveries())
		}
	}

	if _, err := p.Feed(malformed); err == nil {
		t.Fatal("expected the 17th consecutive malformed unit to be fatal")
	}

	if _, err := p.Feed(packHeader()); err == nil {
		t.Fatal("expected parser to remain fatal after giving up")
	}
}

func TestParserRecoversBetweenMalformedUnits(t *testing.T) {
	p := NewParser()
	malformed := []byte{0x00, 0x00, 0x01, 0xF5}
	good := append(packHeader(), pesPacket(0xE0, nil, []byte{0x01})...)

	if _, err := p.Feed(malformed); err != nil {
		t.Fatalf("expected recoverable error handling, got hard error: %v", err)
	}
	if p.Recoveries() != 1 {
		t.Fatalf("expected 1 recovery, got %d", p.Recoveries())
	}

	msgs, err := p.Feed(good)
	if err != nil {
		t.Fatalf("Feed good stream after recovery: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message after resync, got %d", len(msgs))
	}
	if p.Recoveries() != 0 {
		t.Fatalf("expected recovery counter reset after a clean parse, got %d", p.Recoveries())
	}
}
