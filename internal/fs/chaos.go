package fs

import (
	"errors"
	"io"
	"math/rand"
	"os"
	"sync"
)

// ChaosConfig controls fault injection probabilities for [Chaos]. Each rate
// is a float64 from 0.0 (never) to 1.0 (always). The zero value injects no
// faults.
type ChaosConfig struct {
	// WriteFailRate controls how often File.Write fails entirely with an
	// injected I/O error.
	WriteFailRate float64

	// RenameFailRate controls how often Rename fails with an injected I/O
	// error, *after* the swap file has already been written. This exercises
	// the ledger's
	// "delete the swap file and propagate the error" path.
	RenameFailRate float64

	// SyncFailRate controls how often File.Sync / SyncDir fails with an
	// injected I/O error.
	SyncFailRate float64
}

// Chaos wraps an [FS] and injects faults into writes, renames, and syncs
// according to [ChaosConfig]. Reads, stat, mkdir, and umask always pass
// through - only the operations the counted lock's ledger rewrite actually
// performs are subject to injection.
//
// Safe for concurrent use.
type Chaos struct {
	mu     sync.Mutex
	rng    *rand.Rand
	fs     FS
	config ChaosConfig
}

// NewChaos wraps fs with fault injection driven by seed (for reproducible
// test runs) and config.
func NewChaos(fs FS, seed int64, config ChaosConfig) *Chaos {
	return &Chaos{
		rng:    rand.New(rand.NewSource(seed)), //nolint:gosec // test-only PRNG, not security sensitive
		fs:     fs,
		config: config,
	}
}

func (c *Chaos) roll(rate float64) bool {
	if rate <= 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.rng.Float64() < rate
}

func (c *Chaos) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	f, err := c.fs.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}

	return &chaosFile{File: f, c: c}, nil
}

func (c *Chaos) ReadFile(path string) ([]byte, error) {
	return c.fs.ReadFile(path)
}

func (c *Chaos) MkdirAll(path string, perm os.FileMode) error {
	return c.fs.MkdirAll(path, perm)
}

func (c *Chaos) Stat(path string) (os.FileInfo, error) {
	return c.fs.Stat(path)
}

func (c *Chaos) Remove(path string) error {
	return c.fs.Remove(path)
}

func (c *Chaos) Rename(oldpath, newpath string) error {
	if c.roll(c.config.RenameFailRate) {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: errInjectedIO}
	}

	return c.fs.Rename(oldpath, newpath)
}

func (c *Chaos) SyncDir(path string) error {
	if c.roll(c.config.SyncFailRate) {
		return &os.PathError{Op: "syncdir", Path: path, Err: errInjectedIO}
	}

	return c.fs.SyncDir(path)
}

func (c *Chaos) Umask(mask int) func() {
	return c.fs.Umask(mask)
}

var errInjectedIO = errors.New("fs: injected I/O failure")

type chaosFile struct {
	File
	c *Chaos
}

func (f *chaosFile) Write(p []byte) (int, error) {
	if f.c.roll(f.c.config.WriteFailRate) {
		return 0, &os.PathError{Op: "write", Path: "", Err: errInjectedIO}
	}

	return f.File.Write(p)
}

func (f *chaosFile) Sync() error {
	if f.c.roll(f.c.config.SyncFailRate) {
		return &os.PathError{Op: "sync", Path: "", Err: errInjectedIO}
	}

	return f.File.Sync()
}

var _ FS = (*Chaos)(nil)
var _ io.Writer = (*chaosFile)(nil)
