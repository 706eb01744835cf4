// Package hls implements the Segmented Packager (§4.4): mux to MPEG-TS,
// cut on keyframe-aligned boundaries, and publish an RFC 8216 media
// playlist over the shared fragment.Window. Field layout follows the
// same explicit big-endian, byte-by-byte style as internal/rtmp/chunk's
// header codec.
package hls

import (
	"encoding/binary"

	"github.com/alxayo/go-rtmp/internal/bufpool"
)

const (
	tsPacketSize = 188
	patPID       = 0x0000
	pmtPID       = 0x1000
	videoPID     = 0x0101
	audioPID     = 0x0102
	streamIDVideo = 0xE0
	streamIDAudio = 0xC0
)

// tsMuxer packetizes PES frames (one per media.Packet payload, already
// Annex-B/ADTS formatted by the caller) into 188-byte MPEG-TS packets,
// writing PAT/PMT once per segment and incrementing continuity counters
// per PID.
type tsMuxer struct {
	cc         map[uint16]uint8
	wrotePSI   bool
	hasAudio   bool
}

func newTSMuxer(hasAudio bool) *tsMuxer {
	return &tsMuxer{cc: make(map[uint16]uint8), hasAudio: hasAudio}
}

// Reset clears continuity counters and forces PAT/PMT to be rewritten,
// called at the start of every new segment.
func (m *tsMuxer) Reset() {
	m.cc = make(map[uint16]uint8)
	m.wrotePSI = false
}

// WritePSI returns the PAT+PMT packets that must open every segment.
func (m *tsMuxer) WritePSI() []byte {
	m.wrotePSI = true
	var out []byte
	out = append(out, m.packetize(patPID, true, patSection())...)
	out = append(out, m.packetize(pmtPID, true, pmtSection(m.hasAudio))...)
	return out
}

// WriteFrame packetizes one elementary-stream frame into TS packets with
// a PES header carrying pts/dts (90kHz clock, converted from the
// millisecond DTS/CTS the caller passes in).
func (m *tsMuxer) WriteFrame(pid uint16, streamID uint8, ptsMS, dtsMS int64, keyframe bool, payload []byte) []byte {
	pes := pesPacket(streamID, ptsMS, dtsMS, payload)
	return m.packetizePES(pid, keyframe, pes)
}

func (m *tsMuxer) packetize(pid uint16, payloadUnitStart bool, payload []byte) []byte {
	var out []byte
	first := true
	for len(payload) > 0 {
		pkt := bufpool.Get(tsPacketSize)
		pkt[0] = 0x47
		adaptation := 0
		afc := byte(0x01) // payload only
		pusi := byte(0)
		if first && payloadUnitStart {
			pusi = 0x40
		}
		pkt[1] = pusi | byte(pid>>8&0x1F)
		pkt[2] = byte(pid)
		cc := m.cc[pid]
		pkt[3] = afc<<4 | (cc & 0x0F)
		m.cc[pid] = (cc + 1) & 0x0F

		n := copy(pkt[4+adaptation:], payload)
		if n < len(pkt)-4-adaptation {
			for i := 4 + adaptation + n; i < len(pkt); i++ {
				pkt[i] = 0xFF
			}
		}
		out = append(out, pkt...)
		bufpool.Put(pkt)
		payload = payload[n:]
		first = false
	}
	return out
}

func (m *tsMuxer) packetizePES(pid uint16, keyframe bool, pes []byte) []byte {
	var out []byte
	first := true
	for len(pes) > 0 {
		pkt := bufpool.Get(tsPacketSize)
		pkt[0] = 0x47
		pusi := byte(0)
		afc := byte(0x01)
		headerLen := 4
		if first {
			pusi = 0x40
			if keyframe {
				afc = 0x03 // adaptation field present, carries the random-access flag
				pkt[4] = 1 // adaptation field length
				pkt[5] = 0x40
				headerLen = 6
			}
		}
		pkt[1] = pusi | byte(pid>>8&0x1F)
		pkt[2] = byte(pid)
		cc := m.cc[pid]
		pkt[3] = afc<<4 | (cc & 0x0F)
		if afc&0x01 != 0 {
			m.cc[pid] = (cc + 1) & 0x0F
		}

		n := copy(pkt[headerLen:], pes)
		if n < len(pkt)-headerLen {
			for i := headerLen + n; i < len(pkt); i++ {
				pkt[i] = 0xFF
			}
		}
		out = append(out, pkt...)
		bufpool.Put(pkt)
		pes = pes[n:]
		first = false
	}
	return out
}

func patSection() []byte {
	section := []byte{0x00, 0xB0, 0x0D, 0x00, 0x01, 0xC1, 0x00, 0x00}
	section = append(section, byte(1>>8), byte(1), byte(0xE0|pmtPID>>8), byte(pmtPID))
	crc := crc32MPEG2(section[0:])
	section = append(section, crcBytes(crc)...)
	return append([]byte{0x00}, section...)
}

func pmtSection(hasAudio bool) []byte {
	streamEntries := []byte{0x1B, 0xE0 | byte(videoPID>>8), byte(videoPID), 0xF0, 0x00}
	if hasAudio {
		streamEntries = append(streamEntries, 0x0F, 0xE0|byte(audioPID>>8), byte(audioPID), 0xF0, 0x00)
	}
	sectionLength := 9 + len(streamEntries) + 4
	section := []byte{0x02, byte(0xB0 | sectionLength>>8), byte(sectionLength), 0x00, 0x01, 0xC1, 0x00}
	section = append(section, 0xE0|byte(videoPID>>8), byte(videoPID))
	section = append(section, 0xF0, 0x00)
	section = append(section, streamEntries...)
	crc := crc32MPEG2(section)
	section = append(section, crcBytes(crc)...)
	return append([]byte{0x00}, section...)
}

func pesPacket(streamID uint8, ptsMS, dtsMS int64, payload []byte) []byte {
	pts90k := uint64(ptsMS) * 90
	dts90k := uint64(dtsMS) * 90
	hasDTS := dtsMS != ptsMS

	pesHeaderFlags := byte(0x80)
	headerDataLen := byte(5)
	if hasDTS {
		pesHeaderFlags |= 0x40
		headerDataLen = 10
	}

	out := []byte{0x00, 0x00, 0x01, streamID}
	pktLen := 3 + int(headerDataLen) + len(payload)
	if pktLen > 0xFFFF {
		pktLen = 0 // unbounded length, permitted for video PES
	}
	out = append(out, byte(pktLen>>8), byte(pktLen))
	out = append(out, 0x80, pesHeaderFlags, headerDataLen)
	out = append(out, ptsDTSBytes(0x02, pts90k)...)
	if hasDTS {
		out = append(out, ptsDTSBytes(0x01, dts90k)...)
	}
	return append(out, payload...)
}

func ptsDTSBytes(marker byte, ts uint64) []byte {
	b := make([]byte, 5)
	b[0] = marker<<4 | byte(ts>>30&0x07)<<1 | 0x01
	binary.BigEndian.PutUint16(b[1:3], uint16(ts>>15&0x7FFF)<<1|0x01)
	binary.BigEndian.PutUint16(b[3:5], uint16(ts&0x7FFF)<<1|0x01)
	return b
}

func crcBytes(crc uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, crc)
	return b
}

// crc32MPEG2 computes the CRC-32/MPEG-2 variant PAT/PMT sections require
// (poly 0x04C11DB7, no reflection, init 0xFFFFFFFF, no final XOR).
func crc32MPEG2(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc ^= uint32(b) << 24
		for i := 0; i < 8; i++ {
			if crc&0x80000000 != 0 {
				crc = crc<<1 ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
