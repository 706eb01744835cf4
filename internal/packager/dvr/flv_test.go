package dvr

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/alxayo/go-rtmp/internal/media"
	"github.com/alxayo/go-rtmp/internal/packager"
)

var _ packager.Packager = (*FLVWriter)(nil)

func readAMF0Number(t *testing.T, b []byte, offset int64) float64 {
	t.Helper()
	if b[offset] != 0x00 {
		t.Fatalf("expected AMF0 number marker at offset %d, got %#x", offset, b[offset])
	}
	bits := binary.BigEndian.Uint64(b[offset+1 : offset+9])
	return math.Float64frombits(bits)
}

// TestFLVWriterBackpatchesDurationAndFilesize mirrors §8 scenario 3: on
// close, the onMetaData placeholder's duration/filesize fields must
// reflect the real recorded values, not the zero placeholder.
func TestFLVWriterBackpatchesDurationAndFilesize(t *testing.T) {
	dir := t.TempDir()
	w := NewFLVWriter(Config{
		Dir: dir,
		PathFn: func(identity string, seq int) string {
			return filepath.Join(dir, "out.flv")
		},
	})

	if err := w.OnPublish("mystream"); err != nil {
		t.Fatalf("OnPublish: %v", err)
	}

	packets := []*media.Packet{
		{Type: media.TypeVideo, IsKeyframe: true, DTS: 0, Payload: []byte{0x17, 0x01, 0, 0, 0, 0xAA}},
		{Type: media.TypeAudio, DTS: 20, Payload: []byte{0xAF, 0x01, 0xBB}},
		{Type: media.TypeVideo, DTS: 3000, Payload: []byte{0x27, 0x01, 0, 0, 0, 0xCC}},
	}
	for _, p := range packets {
		if err := w.OnPacket(p); err != nil {
			t.Fatalf("OnPacket: %v", err)
		}
	}

	durationOffset := w.durationOffset
	filesizeOffset := w.filesizeOffset

	w.OnUnpublish()

	data, err := os.ReadFile(filepath.Join(dir, "out.flv"))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}

	gotDuration := readAMF0Number(t, data, durationOffset)
	if gotDuration != 3.0 {
		t.Fatalf("duration = %v, want 3.0", gotDuration)
	}

	gotFilesize := readAMF0Number(t, data, filesizeOffset)
	if gotFilesize != float64(len(data)) {
		t.Fatalf("filesize = %v, want %v", gotFilesize, len(data))
	}

	// Header + at least the three tags must be present.
	if string(data[0:3]) != "FLV" {
		t.Fatalf("expected FLV signature, got %q", data[0:3])
	}
}
