// Package placement installs a finished download at its destination path.
package placement

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
)

type fsOps interface {
	Stat(string) (os.FileInfo, error)
	Remove(string) error
	Rename(string, string) error
	Open(string) (*os.File, error)
	CreateTemp(dir, pattern string) (*os.File, error)
}

type osFS struct{}

func (osFS) Stat(p string) (os.FileInfo, error)          { return os.Stat(p) }
func (osFS) Remove(p string) error                        { return os.Remove(p) }
func (osFS) Rename(from, to string) error                 { return os.Rename(from, to) }
func (osFS) Open(p string) (*os.File, error)              { return os.Open(p) }
func (osFS) CreateTemp(dir, pat string) (*os.File, error) { return os.CreateTemp(dir, pat) }

// Error is returned when a downloaded file could not be moved into place.
type Error struct {
	TempPath   string
	TargetPath string
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("place %s at %s: %v", e.TempPath, e.TargetPath, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Writer moves completed temp files into their destination.
type Writer struct {
	fs  fsOps
	log *slog.Logger
}

// New returns a Writer backed by the real filesystem.
func New(log *slog.Logger) *Writer {
	if log == nil {
		log = slog.Default()
	}
	return &Writer{fs: osFS{}, log: log}
}

// Place replaces whatever is at targetPath with tempPath.
//
// An existing file at targetPath is removed first; failing to remove it is
// not fatal on its own, the rename decides. A cross-device rename falls back
// to copying into the target directory and renaming from there. On failure
// the temp file is removed and an *Error is returned. On success no temp
// artifact remains.
func (w *Writer) Place(tempPath, targetPath string) error {
	if _, err := w.fs.Stat(targetPath); err == nil {
		w.log.Info("target exists, replacing", "target", targetPath)
		if err := w.fs.Remove(targetPath); err != nil {
			w.log.Debug("remove existing target", "target", targetPath, "err", err)
		}
	}

	err := w.fs.Rename(tempPath, targetPath)
	if err != nil && errors.Is(err, syscall.EXDEV) {
		err = w.copyRename(tempPath, targetPath)
		if err == nil {
			w.removeQuietly(tempPath)
			return nil
		}
	}
	if err != nil {
		w.removeQuietly(tempPath)
		return &Error{TempPath: tempPath, TargetPath: targetPath, Err: err}
	}
	return nil
}

// copyRename copies src next to dst and renames it over dst so the target
// never holds a partial file.
func (w *Writer) copyRename(src, dst string) error {
	in, err := w.fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := w.fs.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.part")
	if err != nil {
		return err
	}
	sibling := out.Name()

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		w.removeQuietly(sibling)
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		w.removeQuietly(sibling)
		return err
	}
	if err := out.Close(); err != nil {
		w.removeQuietly(sibling)
		return err
	}
	if err := w.fs.Rename(sibling, dst); err != nil {
		w.removeQuietly(sibling)
		return err
	}
	return nil
}

func (w *Writer) removeQuietly(p string) {
	if err := w.fs.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.log.Debug("cleanup", "path", p, "err", err)
	}
}
