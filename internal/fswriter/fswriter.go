// Package fswriter implements the at-most-once crash-safe filesystem
// publication protocol used by every egress packager (§5 "every write
// goes to a temp path ... rename is the commit"): write to "<final>.tmp",
// fsync, then rename to the final name. A temp file left behind by a
// prior crash is never resumed; it is abandoned (unlinked) on the next
// publish of the same stream.
package fswriter

import (
	"fmt"
	"os"
	"path/filepath"
)

// TempSuffix is appended to the final path to derive the temp path.
const TempSuffix = ".tmp"

// File wraps an *os.File opened at TempPath(final) so callers can write
// incrementally and then Commit (fsync + rename) or Abort (unlink).
type File struct {
	finalPath string
	tempPath  string
	f         *os.File
	committed bool
}

// TempPath derives the temp-file path for a given final path.
func TempPath(final string) string { return final + TempSuffix }

// Create opens (creating parent directories as needed) the temp file for
// final. The caller writes to File.Write/File's embedded *os.File via
// Handle(), then calls Commit or Abort exactly once.
func Create(final string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return nil, fmt.Errorf("fswriter: mkdir: %w", err)
	}
	temp := TempPath(final)
	f, err := os.Create(temp)
	if err != nil {
		return nil, fmt.Errorf("fswriter: create temp: %w", err)
	}
	return &File{finalPath: final, tempPath: temp, f: f}, nil
}

// Handle returns the underlying *os.File for writing.
func (w *File) Handle() *os.File { return w.f }

// Write writes to the temp file.
func (w *File) Write(p []byte) (int, error) { return w.f.Write(p) }

// WriteAt writes at a specific offset in the temp file (used by
// writers, such as MP4, that backpatch a header after the body).
func (w *File) WriteAt(p []byte, off int64) (int, error) { return w.f.WriteAt(p, off) }

// Commit fsyncs and renames the temp file to its final path. After
// Commit, no final-named file can ever contain partial content (the
// rename is atomic on the same filesystem).
func (w *File) Commit() error {
	if w.committed {
		return nil
	}
	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		return fmt.Errorf("fswriter: fsync: %w", err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("fswriter: close: %w", err)
	}
	if err := os.Rename(w.tempPath, w.finalPath); err != nil {
		return fmt.Errorf("fswriter: rename: %w", err)
	}
	w.committed = true
	return nil
}

// Abort closes and unlinks the temp file without publishing it. Used on
// filesystem failure mid-segment (§7) so the packager can continue with
// the next segment.
func (w *File) Abort() error {
	_ = w.f.Close()
	if w.committed {
		return nil
	}
	return os.Remove(w.tempPath)
}

// AbandonStaleTemp unlinks a leftover temp file for final, if present.
// Called on publish-restart per §4.4 crash/recovery policy: "a temp file
// that exists when publish restarts is abandoned".
func AbandonStaleTemp(final string) error {
	temp := TempPath(final)
	err := os.Remove(temp)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
