package hls

import (
	"fmt"
	"math"
	"strings"

	"github.com/alxayo/go-rtmp/internal/fragment"
)

// EncryptionMode selects the METHOD written into the playlist's
// EXT-X-KEY tags. Only the tags are written: the packager does not
// encrypt segment data, generate keys or write a keyfile.
type EncryptionMode uint8

const (
	EncryptionNone EncryptionMode = iota
	EncryptionAES128
	EncryptionSampleAES
)

// IVMode selects how the 16-byte AES IV is derived per segment.
type IVMode uint8

const (
	// IVSequence derives the IV from the segment's sequence number
	// (big-endian, zero-padded to 16 bytes) — deterministic, replayable
	// with only the key and sequence number.
	IVSequence IVMode = iota
	// IVRandom writes EXT-X-KEY without an IV attribute; no random IV is
	// generated, so players fall back to the media sequence number as the
	// IV (RFC 8216 §4.3.2.4).
	IVRandom
)

// EncryptionConfig configures optional segment encryption.
type EncryptionConfig struct {
	Mode   EncryptionMode
	IVMode IVMode
	KeyURI string
}

// renderPlaylist writes an RFC 8216 media playlist for the live window
// held by win. EXT-X-MEDIA-SEQUENCE is the sequence number of the first
// (oldest live) fragment.
func renderPlaylist(win *fragment.Window, targetDuration int, enc EncryptionConfig, keyForSeq func(seq uint64) []byte) string {
	live := win.Live()

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	b.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", targetDuration))
	if len(live) > 0 {
		b.WriteString(fmt.Sprintf("#EXT-X-MEDIA-SEQUENCE:%d\n", live[0].SequenceNumber))
	}

	lastKeyURI := ""
	for _, f := range live {
		if enc.Mode != EncryptionNone {
			keyLine := keyTag(enc, f.SequenceNumber)
			if keyLine != lastKeyURI {
				b.WriteString(keyLine)
				b.WriteString("\n")
				lastKeyURI = keyLine
			}
		}
		if f.IsKeyframeAligned {
			b.WriteString("#EXT-X-DISCONTINUITY-SEQUENCE-ALIGNED\n")
		}
		seconds := float64(f.Duration) / float64(1_000_000_000)
		b.WriteString(fmt.Sprintf("#EXTINF:%.3f,\n", seconds))
		b.WriteString(baseName(f.Path))
		b.WriteString("\n")
	}
	return b.String()
}

func keyTag(enc EncryptionConfig, seq uint64) string {
	method := "AES-128"
	if enc.Mode == EncryptionSampleAES {
		method = "SAMPLE-AES"
	}
	if enc.IVMode == IVSequence {
		iv := make([]byte, 16)
		for i := 0; i < 8; i++ {
			iv[15-i] = byte(seq >> (8 * i))
		}
		return fmt.Sprintf("#EXT-X-KEY:METHOD=%s,URI=%q,IV=0x%x", method, enc.KeyURI, iv)
	}
	return fmt.Sprintf("#EXT-X-KEY:METHOD=%s,URI=%q", method, enc.KeyURI)
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

// targetDurationFor computes EXT-X-TARGETDURATION as the ceiling of the
// longest segment duration currently in the window, per RFC 8216 §4.3.3.1.
func targetDurationFor(win *fragment.Window) int {
	live := win.Live()
	var maxSeconds float64
	for _, f := range live {
		s := float64(f.Duration) / float64(1_000_000_000)
		if s > maxSeconds {
			maxSeconds = s
		}
	}
	return int(math.Ceil(maxSeconds))
}
