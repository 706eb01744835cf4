// Package fmp4 implements the Fragmented Packager (§4.5): ISO BMFF
// init + media (.m4s) segments per track, and an MPD playlist over the
// shared fragment.Window. Box-level code follows the same explicit
// big-endian, byte-by-byte style as internal/rtmp/chunk's header codec.
package fmp4

import "encoding/binary"

func box(kind string, body []byte) []byte {
	out := make([]byte, 8, 8+len(body))
	binary.BigEndian.PutUint32(out[0:4], uint32(8+len(body)))
	copy(out[4:8], kind)
	return append(out, body...)
}

func fullBox(kind string, version byte, flags uint32, body []byte) []byte {
	hdr := make([]byte, 4)
	hdr[0] = version
	hdr[1] = byte(flags >> 16)
	hdr[2] = byte(flags >> 8)
	hdr[3] = byte(flags)
	return box(kind, append(hdr, body...))
}

// buildInitSegment writes ftyp+moov for one track, carrying just the
// trak/mvex boxes a player needs to start requesting media segments
// (styp-driven fragmented timeline, no sample table in moov).
func buildInitSegment(trackID uint32, timescale uint32, video bool, width, height uint16) []byte {
	ftyp := box("ftyp", append(append([]byte("iso5"), 0, 0, 0, 1), []byte("iso5dash")...))

	mvhd := fullBox("mvhd", 0, 0, make([]byte, 96))
	trak := buildTrak(trackID, timescale, video, width, height)
	mvex := box("mvex", box("trex", trexBody(trackID)))

	moovBody := append(append([]byte{}, mvhd...), trak...)
	moovBody = append(moovBody, mvex...)
	moov := box("moov", moovBody)

	return append(ftyp, moov...)
}

func trexBody(trackID uint32) []byte {
	b := make([]byte, 20)
	binary.BigEndian.PutUint32(b[0:4], trackID)
	binary.BigEndian.PutUint32(b[4:8], 1) // default sample description index
	return b
}

func buildTrak(trackID uint32, timescale uint32, video bool, width, height uint16) []byte {
	tkhd := make([]byte, 80)
	binary.BigEndian.PutUint32(tkhd[8:12], trackID)
	if video {
		binary.BigEndian.PutUint32(tkhd[72:76], uint32(width)<<16)
		binary.BigEndian.PutUint32(tkhd[76:80], uint32(height)<<16)
	}

	mdhdBody := make([]byte, 16)
	binary.BigEndian.PutUint32(mdhdBody[8:12], timescale)
	mdhd := fullBox("mdhd", 0, 0, mdhdBody)

	handlerType := "soun"
	if video {
		handlerType = "vide"
	}
	hdlrBody := append(make([]byte, 8), []byte(handlerType)...)
	hdlrBody = append(hdlrBody, make([]byte, 12)...)
	hdlrBody = append(hdlrBody, 0) // null-terminated name
	hdlr := fullBox("hdlr", 0, 0, hdlrBody)

	stbl := box("stbl", emptySampleTable())
	minf := box("minf", append(hdlr, stbl...))
	mdia := box("mdia", append(mdhd, minf...))

	return box("trak", append(fullBox("tkhd", 0, 0x7, tkhd), mdia...))
}

func emptySampleTable() []byte {
	stsd := fullBox("stsd", 0, 0, make([]byte, 4))
	stts := fullBox("stts", 0, 0, make([]byte, 4))
	stsc := fullBox("stsc", 0, 0, make([]byte, 4))
	stsz := fullBox("stsz", 0, 0, make([]byte, 8))
	stco := fullBox("stco", 0, 0, make([]byte, 4))
	var out []byte
	out = append(out, stsd...)
	out = append(out, stts...)
	out = append(out, stsc...)
	out = append(out, stsz...)
	out = append(out, stco...)
	return out
}

// buildMediaSegment writes one styp+moof+mdat fragment for a single
// track carrying the given samples, per ISO/IEC 14496-12 movie-fragment
// layout.
func buildMediaSegment(trackID uint32, sequenceNumber uint32, baseDecodeTime uint64, samples []fragSample) []byte {
	styp := box("styp", append(append([]byte("msdh"), 0, 0, 0, 0), []byte("msdhmsix")...))

	mfhd := fullBox("mfhd", 0, 0, mfhdBody(sequenceNumber))
	tfhd := fullBox("tfhd", 0, 0x020000, tfhdBody(trackID)) // default-base-is-moof
	tfdt := fullBox("tfdt", 1, 0, tfdtBody(baseDecodeTime))

	trunFlags := uint32(0x000701) // data-offset + duration + size + flags present
	trun := fullBox("trun", 0, trunFlags, trunBody(samples))

	traf := box("traf", append(append(append([]byte{}, tfhd...), tfdt...), trun...))
	moofBody := append(append([]byte{}, mfhd...), traf...)
	moof := box("moof", moofBody)

	// data-offset in trun is relative to the start of moof; patch it to
	// point past moof+mdat header now that moof's length is final.
	dataOffset := uint32(len(moof) + 8)
	patchTrunDataOffset(moof, dataOffset)

	var mdatPayload []byte
	for _, s := range samples {
		mdatPayload = append(mdatPayload, s.data...)
	}
	mdat := box("mdat", mdatPayload)

	out := append([]byte{}, styp...)
	out = append(out, moof...)
	out = append(out, mdat...)
	return out
}

type fragSample struct {
	data     []byte
	duration uint32 // timescale units
	keyframe bool
}

func mfhdBody(seq uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, seq)
	return b
}

func tfhdBody(trackID uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, trackID)
	return b
}

func tfdtBody(baseDecodeTime uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, baseDecodeTime)
	return b
}

func trunBody(samples []fragSample) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:4], uint32(len(samples)))
	// data-offset placeholder patched by patchTrunDataOffset once known.
	binary.BigEndian.PutUint32(b[4:8], 0)
	for _, s := range samples {
		entry := make([]byte, 12)
		binary.BigEndian.PutUint32(entry[0:4], s.duration)
		binary.BigEndian.PutUint32(entry[4:8], uint32(len(s.data)))
		flags := uint32(0x00010000) // sample_is_non_sync_sample
		if s.keyframe {
			flags = 0
		}
		binary.BigEndian.PutUint32(entry[8:12], flags)
		b = append(b, entry...)
	}
	return b
}

// patchTrunDataOffset finds the trun box inside a fully built moof buffer
// and overwrites its data-offset field. Box offsets are computed
// structurally (mfhd is fixed size, traf/tfhd/tfdt precede trun) rather
// than by re-scanning, since the layout above is fully deterministic.
func patchTrunDataOffset(moof []byte, dataOffset uint32) {
	// moof header(8) + mfhd(8+4+4=16) + traf header(8) + tfhd(8+4+4=16) + tfdt(8+4+8=20)
	// trun box starts at: 8+16+8+16+20 = 68; its data-offset field is at
	// trun_start + 8 (box header) + 4 (full box header) + 4 (sample count).
	trunStart := 8 + 16 + 8 + 16 + 20
	dataOffsetPos := trunStart + 8 + 4 + 4
	if dataOffsetPos+4 > len(moof) {
		return
	}
	binary.BigEndian.PutUint32(moof[dataOffsetPos:dataOffsetPos+4], dataOffset)
}
