// Package dvr implements the Continuous Packager (§4.6): a DVR recorder
// that rotates artifacts on a session- or segment-plan basis, writing FLV
// directly and MP4 via an in-memory sample table, including an onMetaData
// duration/filesize backpatch once the file is finalized.
package dvr

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/alxayo/go-rtmp/internal/errors"
	"github.com/alxayo/go-rtmp/internal/fswriter"
	"github.com/alxayo/go-rtmp/internal/media"
	"github.com/alxayo/go-rtmp/internal/metrics"
	"github.com/alxayo/go-rtmp/internal/rtmp/server/hooks"
)

// Plan selects how the DVR packager rotates output files.
type Plan uint8

const (
	// PlanSession writes one artifact for the entire publish lifetime.
	PlanSession Plan = iota
	// PlanSegment rotates to a new artifact every SegmentDuration.
	PlanSegment
)

// Config configures the FLV writer.
type Config struct {
	Dir             string
	Plan            Plan
	SegmentDuration time.Duration // only used by PlanSegment
	PathFn          func(identity string, seq int) string
	Logger          *slog.Logger
	Hooks           *hooks.HookManager
}

// FLVWriter implements packager.Packager, writing one FLV file per
// rotation. Not safe for concurrent OnPacket calls from more than one
// goroutine, matching every other packager's single-dispatcher contract.
type FLVWriter struct {
	cfg      Config
	identity string
	logger   *slog.Logger

	cur      *fswriter.File
	curPath  string
	seq      int
	openedAt time.Time
	sawFirst bool

	bytesWritten   int64
	durationOffset int64
	filesizeOffset int64
	firstDTS       uint32
	lastDTS        uint32
}

// NewFLVWriter constructs an FLV DVR packager under cfg. Dir/PathFn
// determine the artifact naming.
func NewFLVWriter(cfg Config) *FLVWriter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PathFn == nil {
		cfg.PathFn = func(identity string, seq int) string {
			return fmt.Sprintf("%s/%s-%04d.flv", cfg.Dir, identity, seq)
		}
	}
	return &FLVWriter{cfg: cfg, logger: cfg.Logger}
}

func (w *FLVWriter) Kind() string { return "dvr-flv" }

func (w *FLVWriter) OnPublish(identity string) error {
	w.identity = identity
	return w.rotate()
}

func (w *FLVWriter) rotate() error {
	if w.cur != nil {
		if err := w.closeCurrent(); err != nil {
			w.logger.Error("dvr flv: close on rotate failed", "err", err)
		}
	}
	path := w.cfg.PathFn(w.identity, w.seq)
	if err := fswriter.AbandonStaleTemp(path); err != nil {
		w.logger.Warn("dvr flv: abandon stale temp failed", "path", path, "err", err)
	}
	f, err := fswriter.Create(path)
	if err != nil {
		metrics.PackagerErrors.WithLabelValues("dvr-flv", "rotate").Inc()
		return errors.NewPackagerError("dvr-flv", "rotate", err)
	}
	w.cur = f
	w.curPath = path
	w.openedAt = time.Now()
	w.sawFirst = false
	w.bytesWritten = 0
	if err := w.writeHeader(); err != nil {
		metrics.PackagerErrors.WithLabelValues("dvr-flv", "write_header").Inc()
		return errors.NewPackagerError("dvr-flv", "write_header", err)
	}
	w.seq++
	metrics.FragmentsOpened.WithLabelValues("dvr-flv").Inc()
	return nil
}

func (w *FLVWriter) writeHeader() error {
	header := []byte{'F', 'L', 'V', 0x01, 0x05, 0x00, 0x00, 0x00, 0x09, 0x00, 0x00, 0x00, 0x00}
	n, err := w.cur.Write(header)
	w.bytesWritten += int64(n)
	return err
}

func (w *FLVWriter) OnUnpublish() {
	if err := w.closeCurrent(); err != nil {
		w.logger.Error("dvr flv: close on unpublish failed", "err", err)
	}
}

func (w *FLVWriter) OnPacket(p *media.Packet) error {
	if w.cur == nil {
		return nil
	}
	if !w.sawFirst {
		w.sawFirst = true
		w.firstDTS = p.DTS
		if err := w.writeOnMetaDataPlaceholder(); err != nil {
			return errors.NewPackagerError("dvr-flv", "write_metadata", err)
		}
	}
	w.lastDTS = p.DTS
	tagType, ok := flvTagType(p.Type)
	if !ok {
		return nil // script packets beyond the synthesized onMetaData are dropped
	}
	if err := w.writeTag(tagType, p.DTS, p.Payload); err != nil {
		return errors.NewPackagerError("dvr-flv", "write_tag", err)
	}
	if w.cfg.Plan == PlanSegment && w.cfg.SegmentDuration > 0 &&
		time.Since(w.openedAt) >= w.cfg.SegmentDuration && p.Type == media.TypeVideo && p.IsKeyframe {
		prevPath := w.curPath
		if err := w.rotate(); err != nil {
			return err
		}
		if w.cfg.Hooks != nil {
			w.cfg.Hooks.TriggerEvent(context.Background(), *hooks.NewEvent(hooks.EventDVRRotate).
				WithStreamKey(w.identity).WithData("path", prevPath))
		}
	}
	return nil
}

func flvTagType(t media.Type) (uint8, bool) {
	switch t {
	case media.TypeAudio:
		return 8, true
	case media.TypeVideo:
		return 9, true
	default:
		return 0, false
	}
}

// writeOnMetaDataPlaceholder writes a minimal AMF0 onMetaData script tag
// with "duration" and "filesize" numeric fields set to zero, recording
// their absolute byte offsets so Close can backpatch the real values
// once the recording's true length and size are known (§8 scenario 3).
func (w *FLVWriter) writeOnMetaDataPlaceholder() error {
	var body []byte
	body = append(body, amf0String("onMetaData")...)
	body = append(body, 0x08, 0x00, 0x00, 0x00, 0x02) // ECMA array, 2 entries

	body = append(body, amf0PropName("duration")...)
	durationOffsetInBody := len(body)
	body = append(body, amf0Number(0)...)

	body = append(body, amf0PropName("filesize")...)
	filesizeOffsetInBody := len(body)
	body = append(body, amf0Number(0)...)

	body = append(body, 0x00, 0x00, 0x09) // object end marker

	tagStart := w.bytesWritten
	w.durationOffset = tagStart + 11 + int64(durationOffsetInBody)
	w.filesizeOffset = tagStart + 11 + int64(filesizeOffsetInBody)

	return w.writeTag(18, 0, body)
}

// writeTag writes one FLV tag (11-byte header + payload + PreviousTagSize)
// and advances bytesWritten.
func (w *FLVWriter) writeTag(tagType uint8, timestamp uint32, payload []byte) error {
	dataSize := len(payload)
	if dataSize > 0xFFFFFF {
		return fmt.Errorf("dvr flv: payload too large: %d", dataSize)
	}
	var hdr [11]byte
	hdr[0] = tagType
	hdr[1] = byte(dataSize >> 16)
	hdr[2] = byte(dataSize >> 8)
	hdr[3] = byte(dataSize)
	hdr[4] = byte(timestamp >> 16)
	hdr[5] = byte(timestamp >> 8)
	hdr[6] = byte(timestamp)
	hdr[7] = byte(timestamp >> 24)

	n, err := w.cur.Write(hdr[:])
	w.bytesWritten += int64(n)
	if err != nil {
		return err
	}
	if dataSize > 0 {
		n, err = w.cur.Write(payload)
		w.bytesWritten += int64(n)
		if err != nil {
			return err
		}
	}
	var szBuf [4]byte
	binary.BigEndian.PutUint32(szBuf[:], uint32(11+dataSize))
	n, err = w.cur.Write(szBuf[:])
	w.bytesWritten += int64(n)
	return err
}

func (w *FLVWriter) closeCurrent() error {
	if w.cur == nil {
		return nil
	}
	if w.sawFirst {
		durationMS := w.lastDTS - w.firstDTS
		durBuf := amf0Number(float64(durationMS) / 1000.0)
		sizeBuf := amf0Number(float64(w.bytesWritten))
		if _, err := w.cur.WriteAt(durBuf, w.durationOffset); err != nil {
			w.logger.Warn("dvr flv: duration backpatch failed", "err", err)
		}
		if _, err := w.cur.WriteAt(sizeBuf, w.filesizeOffset); err != nil {
			w.logger.Warn("dvr flv: filesize backpatch failed", "err", err)
		}
	}
	err := w.cur.Commit()
	w.cur = nil
	if err != nil {
		metrics.PackagerErrors.WithLabelValues("dvr-flv", "commit").Inc()
	} else {
		metrics.FragmentsClosed.WithLabelValues("dvr-flv").Inc()
	}
	return err
}

func (w *FLVWriter) Cycle() {}

func (w *FLVWriter) Close() error {
	return w.closeCurrent()
}

func amf0String(s string) []byte {
	b := []byte{0x02, 0x00, byte(len(s))}
	return append(b, []byte(s)...)
}

func amf0PropName(s string) []byte {
	b := []byte{0x00, byte(len(s))}
	return append(b, []byte(s)...)
}

func amf0Number(v float64) []byte {
	out := make([]byte, 9)
	out[0] = 0x00 // AMF0 number marker
	binary.BigEndian.PutUint64(out[1:], math.Float64bits(v))
	return out
}
