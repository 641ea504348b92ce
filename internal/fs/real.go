package fs

import (
	"os"
	"syscall"
)

// Real implements [FS] using the real filesystem. All methods are pure
// passthroughs to the [os] package with identical behavior and error
// semantics, apart from [Real.SyncDir] and [Real.Umask].
type Real struct{}

// NewReal returns a new [Real] filesystem.
func NewReal() *Real {
	return &Real{}
}

func (r *Real) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	return os.OpenFile(path, flag, perm)
}

func (r *Real) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (r *Real) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (r *Real) Stat(path string) (os.FileInfo, error) {
	return os.Stat(path)
}

func (r *Real) Remove(path string) error {
	return os.Remove(path)
}

func (r *Real) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

// SyncDir fsyncs the directory at path. Directory fsync has no portable
// [os.File] convenience; we open it read-only (the only mode directories
// support on most platforms) and sync that descriptor directly.
func (r *Real) SyncDir(path string) error {
	dir, err := os.Open(path) //nolint:gosec // path is caller-controlled, not user input
	if err != nil {
		return err
	}
	defer dir.Close()

	return dir.Sync()
}

// Umask sets the process umask to mask and returns a function that restores
// the previous value. syscall.Umask itself returns the previous mask, which
// is exactly what we need to restore it.
func (r *Real) Umask(mask int) func() {
	old := syscall.Umask(mask)

	return func() { syscall.Umask(old) }
}

var _ FS = (*Real)(nil)
