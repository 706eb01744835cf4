package dvr

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/alxayo/go-rtmp/internal/errors"
	"github.com/alxayo/go-rtmp/internal/fswriter"
	"github.com/alxayo/go-rtmp/internal/media"
)

// sample records one stored media unit's position and timing for the
// MP4 writer's in-memory sample table, finalized into a moov box on
// Close (§4.6 "MP4 writer (in-memory sample table, finalize-on-close
// moov)").
type sample struct {
	offset   int64
	size     uint32
	duration uint32
	keyframe bool
}

// MP4Writer implements packager.Packager, writing ftyp and an mdat header
// up front, then raw sample bytes directly into the mdat region of the
// output file while accumulating an in-memory sample table. When the
// session or segment closes it backpatches the mdat size and appends moov
// after mdat at the end of the file.
type MP4Writer struct {
	cfg      Config
	identity string
	logger   *slog.Logger

	cur       *fswriter.File
	curPath   string
	seq       int
	openedAt  time.Time
	mdatStart int64

	videoSamples []sample
	audioSamples []sample
	lastVideoDTS uint32
	lastAudioDTS uint32
	sawVideo     bool
	sawAudio     bool
}

// NewMP4Writer constructs an MP4 DVR packager under cfg.
func NewMP4Writer(cfg Config) *MP4Writer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PathFn == nil {
		cfg.PathFn = func(identity string, seq int) string {
			return fmt.Sprintf("%s/%s-%04d.mp4", cfg.Dir, identity, seq)
		}
	}
	return &MP4Writer{cfg: cfg, logger: cfg.Logger}
}

func (w *MP4Writer) Kind() string { return "dvr-mp4" }

func (w *MP4Writer) OnPublish(identity string) error {
	w.identity = identity
	return w.rotate()
}

func (w *MP4Writer) rotate() error {
	if w.cur != nil {
		if err := w.closeCurrent(); err != nil {
			w.logger.Error("dvr mp4: close on rotate failed", "err", err)
		}
	}
	path := w.cfg.PathFn(w.identity, w.seq)
	if err := fswriter.AbandonStaleTemp(path); err != nil {
		w.logger.Warn("dvr mp4: abandon stale temp failed", "path", path, "err", err)
	}
	f, err := fswriter.Create(path)
	if err != nil {
		return errors.NewPackagerError("dvr-mp4", "rotate", err)
	}
	w.cur = f
	w.curPath = path
	w.openedAt = time.Now()
	w.videoSamples = nil
	w.audioSamples = nil
	w.sawVideo, w.sawAudio = false, false

	ftyp := boxFtyp()
	if _, err := w.cur.Write(ftyp); err != nil {
		return errors.NewPackagerError("dvr-mp4", "write_ftyp", err)
	}
	w.mdatStart = int64(len(ftyp)) // offset of the mdat box header we write next
	mdatHeader := make([]byte, 8)
	binary.BigEndian.PutUint32(mdatHeader[0:4], 0) // size backpatched on Close
	copy(mdatHeader[4:8], "mdat")
	if _, err := w.cur.Write(mdatHeader); err != nil {
		return errors.NewPackagerError("dvr-mp4", "write_mdat_header", err)
	}
	w.seq++
	return nil
}

func (w *MP4Writer) OnUnpublish() {
	if err := w.closeCurrent(); err != nil {
		w.logger.Error("dvr mp4: close on unpublish failed", "err", err)
	}
}

func (w *MP4Writer) OnPacket(p *media.Packet) error {
	if w.cur == nil || p.IsSequenceHeader {
		return nil
	}
	offset, err := w.appendSampleBytes(p.Payload)
	if err != nil {
		return errors.NewPackagerError("dvr-mp4", "write_sample", err)
	}

	switch p.Type {
	case media.TypeVideo:
		dur := uint32(0)
		if w.sawVideo {
			dur = p.DTS - w.lastVideoDTS
		}
		w.sawVideo = true
		w.lastVideoDTS = p.DTS
		w.videoSamples = append(w.videoSamples, sample{offset: offset, size: uint32(len(p.Payload)), duration: dur, keyframe: p.IsKeyframe})
	case media.TypeAudio:
		dur := uint32(0)
		if w.sawAudio {
			dur = p.DTS - w.lastAudioDTS
		}
		w.sawAudio = true
		w.lastAudioDTS = p.DTS
		w.audioSamples = append(w.audioSamples, sample{offset: offset, size: uint32(len(p.Payload)), duration: dur})
	}
	return nil
}

func (w *MP4Writer) appendSampleBytes(payload []byte) (int64, error) {
	offset := w.currentDataOffset()
	_, err := w.cur.Write(payload)
	return offset, err
}

// currentDataOffset returns the absolute file offset at which the next
// mdat payload byte will be written (mdat header position + 8 + payload
// bytes so far); re-derived from the accumulated sample sizes rather than
// a separate counter, keeping a single source of truth.
func (w *MP4Writer) currentDataOffset() int64 {
	var total int64
	for _, s := range w.videoSamples {
		total += int64(s.size)
	}
	for _, s := range w.audioSamples {
		total += int64(s.size)
	}
	return w.mdatStart + 8 + total
}

func (w *MP4Writer) Cycle() {}

func (w *MP4Writer) Close() error {
	return w.closeCurrent()
}

func (w *MP4Writer) closeCurrent() error {
	if w.cur == nil {
		return nil
	}
	mdatSize := w.currentDataOffset() - w.mdatStart
	sizeBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(sizeBuf, uint32(mdatSize))
	if _, err := w.cur.WriteAt(sizeBuf, w.mdatStart); err != nil {
		w.logger.Warn("dvr mp4: mdat size backpatch failed", "err", err)
	}

	moov := buildMoov(w.videoSamples, w.audioSamples)
	if _, err := w.cur.Write(moov); err != nil {
		w.logger.Warn("dvr mp4: moov write failed", "err", err)
	}

	err := w.cur.Commit()
	w.cur = nil
	return err
}

func boxFtyp() []byte {
	var b []byte
	b = append(b, 0, 0, 0, 0) // size, patched below
	b = append(b, []byte("ftyp")...)
	b = append(b, []byte("isom")...)
	b = append(b, 0, 0, 0, 1) // minor version
	b = append(b, []byte("isom")...)
	b = append(b, []byte("mp42")...)
	binary.BigEndian.PutUint32(b[0:4], uint32(len(b)))
	return b
}

// buildMoov writes a minimal moov box with one trak per non-empty sample
// list, carrying just enough of stbl (stsz/stco/stts/stss) for a player
// to locate and pace samples; it omits sample-description detail that
// would require real codec extradata (left to the HLS/fMP4 packagers,
// which share the stream's sequence headers for that purpose).
func buildMoov(video, audio []sample) []byte {
	var traks []byte
	if len(video) > 0 {
		traks = append(traks, buildTrak(1, video, true)...)
	}
	if len(audio) > 0 {
		traks = append(traks, buildTrak(2, audio, false)...)
	}
	mvhd := box("mvhd", make([]byte, 100))
	body := append(append([]byte{}, mvhd...), traks...)
	return box("moov", body)
}

func buildTrak(trackID uint32, samples []sample, video bool) []byte {
	tkhd := make([]byte, 84)
	binary.BigEndian.PutUint32(tkhd[12:16], trackID)

	stsz := stszBox(samples)
	stco := stcoBox(samples)
	stts := sttsBox(samples)
	var stss []byte
	if video {
		stss = stssBox(samples)
	}
	stbl := append(append(append([]byte{}, stts...), stsz...), stco...)
	stbl = append(stbl, stss...)

	minf := box("minf", box("stbl", stbl))
	mdia := box("mdia", minf)
	return box("trak", append(box("tkhd", tkhd), mdia...))
}

func sttsBox(samples []sample) []byte {
	body := make([]byte, 8)
	binary.BigEndian.PutUint32(body[4:8], uint32(len(samples)))
	for _, s := range samples {
		entry := make([]byte, 8)
		binary.BigEndian.PutUint32(entry[0:4], 1)
		binary.BigEndian.PutUint32(entry[4:8], s.duration)
		body = append(body, entry...)
	}
	return box("stts", body)
}

func stszBox(samples []sample) []byte {
	body := make([]byte, 12)
	binary.BigEndian.PutUint32(body[8:12], uint32(len(samples)))
	for _, s := range samples {
		entry := make([]byte, 4)
		binary.BigEndian.PutUint32(entry, s.size)
		body = append(body, entry...)
	}
	return box("stsz", body)
}

func stcoBox(samples []sample) []byte {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, uint32(len(samples)))
	for _, s := range samples {
		entry := make([]byte, 4)
		binary.BigEndian.PutUint32(entry, uint32(s.offset))
		body = append(body, entry...)
	}
	return box("stco", body)
}

func stssBox(samples []sample) []byte {
	var idx []uint32
	for i, s := range samples {
		if s.keyframe {
			idx = append(idx, uint32(i+1))
		}
	}
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, uint32(len(idx)))
	for _, i := range idx {
		entry := make([]byte, 4)
		binary.BigEndian.PutUint32(entry, i)
		body = append(body, entry...)
	}
	return box("stss", body)
}

func box(kind string, body []byte) []byte {
	out := make([]byte, 8, 8+len(body))
	binary.BigEndian.PutUint32(out[0:4], uint32(8+len(body)))
	copy(out[4:8], kind)
	return append(out, body...)
}
