package syslock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	ifs "github.com/calvinalkan/syslock/internal/fs"
)

// clockInstanceCounter hands out a unique instance_id to every
// [ExecutionCLock] built in this process, so two distinct lock objects over
// the same path (and therefore the same pid) don't mistake each other's
// ledger line for their own. See spec.md §3 "Ledger entry".
var clockInstanceCounter atomic.Uint64

// ledgerEntry is one decoded line of a counted lock's ledger file:
// "<pid> <ctime_ms_or_0> <instance_id> <max_count>".
type ledgerEntry struct {
	id         ProcessIdentity
	instanceID uint64
	maxCount   int
}

func (e ledgerEntry) encode() string {
	ctime := uint64(0)
	if e.id.HasCTime {
		ctime = e.id.CTimeMS
	}

	return fmt.Sprintf("%d %d %d %d\n", e.id.PID, ctime, e.instanceID, e.maxCount)
}

// decodeLedgerLine parses one ledger line. A malformed line (wrong field
// count, negative or non-integer field, max_count < 1) is reported via ok =
// false and silently discarded by the caller, per spec.md §4.4.
func decodeLedgerLine(line string) (ledgerEntry, bool) {
	fields := strings.Fields(line)
	if len(fields) != 4 {
		return ledgerEntry{}, false
	}

	pid, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return ledgerEntry{}, false
	}

	ctime, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return ledgerEntry{}, false
	}

	instanceID, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return ledgerEntry{}, false
	}

	maxCount, err := strconv.Atoi(fields[3])
	if err != nil || maxCount < 1 {
		return ledgerEntry{}, false
	}

	return ledgerEntry{
		id:         ProcessIdentity{PID: uint32(pid), CTimeMS: ctime, HasCTime: ctime != 0},
		instanceID: instanceID,
		maxCount:   maxCount,
	}, true
}

func decodeLedger(content []byte) []ledgerEntry {
	var entries []ledgerEntry

	for _, line := range strings.Split(string(content), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}

		if entry, ok := decodeLedgerLine(line); ok {
			entries = append(entries, entry)
		}
	}

	return entries
}

func encodeLedger(entries []ledgerEntry) []byte {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.encode())
	}

	return []byte(b.String())
}

// ExecutionCLockConfig configures an [ExecutionCLock]. Zero-value fields
// fall back to package defaults except MaxCount, which must be >= 1.
type ExecutionCLockConfig struct {
	MaxCount int

	Blocking      bool
	Timeout       time.Duration
	CheckInterval time.Duration
	LockDelay     time.Duration

	DirMode  os.FileMode
	FileMode os.FileMode
	Umask    int
	HasUmask bool
}

func (c ExecutionCLockConfig) withDefaults() ExecutionCLockConfig {
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}

	if c.CheckInterval == 0 {
		c.CheckInterval = DefaultCheckInterval
	}

	if c.DirMode == 0 {
		c.DirMode = DefaultDirMode
	}

	if c.FileMode == 0 {
		c.FileMode = DefaultFileMode
	}

	return c
}

func (c ExecutionCLockConfig) acquireOpts(timeout time.Duration) acquireOpts {
	return acquireOpts{
		shared:        false,
		blocking:      c.Blocking,
		timeout:       timeout,
		checkInterval: c.CheckInterval,
		createMode:    c.FileMode,
		dirMode:       c.DirMode,
		umask:         c.Umask,
		hasUmask:      c.HasUmask,
	}
}

// CLockStatus is a point-in-time snapshot returned by
// [ExecutionCLock.LockStatus]. It is advisory: by the time the caller reads
// it, any of these entries may have already changed.
type CLockStatus struct {
	Count         int
	EffectiveCap  int
	LocallyLocked bool
}

// ExecutionCLock is a counted cross-process lock: up to MaxCount holders
// (the minimum MaxCount across all current live holders, in fact - see
// spec.md §4.4) may hold it "locked" at once. Unlike [ExecutionLock] it
// never flocks path for the duration it is held; entering and exiting only
// take path's lock briefly, to rewrite a text ledger of current holders.
//
// Not safe for concurrent use from multiple goroutines on the same
// instance.
type ExecutionCLock struct {
	path       string
	swapPath   string
	config     ExecutionCLockConfig
	fs         ifs.FS
	lockh      *lockFileHandle
	harness    reentrancyHarness
	instanceID uint64
}

// NewExecutionCLock builds an ExecutionCLock over path with config.
// config.MaxCount must be >= 1.
func NewExecutionCLock(path string, config ExecutionCLockConfig) (*ExecutionCLock, error) {
	return newExecutionCLockFS(path, config, &ifs.Real{})
}

func newExecutionCLockFS(path string, config ExecutionCLockConfig, fsImpl ifs.FS) (*ExecutionCLock, error) {
	if config.MaxCount < 1 {
		return nil, fmt.Errorf("%w: max_count must be >= 1, got %d", ErrInvalidConfig, config.MaxCount)
	}

	c := &ExecutionCLock{
		config:     config.withDefaults(),
		fs:         fsImpl,
		lockh:      newLockFileHandle(fsImpl),
		instanceID: clockInstanceCounter.Add(1),
	}

	if path != "" {
		if err := c.SetLockPath(path); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func (c *ExecutionCLock) Path() string { return c.path }

// Locked reports whether this instance currently holds a ledger entry (at
// any reentrance depth).
func (c *ExecutionCLock) Locked() bool { return c.harness.locked() }

// SetLockPath changes the ledger path (and its derived swap path). Only
// permitted while not held/entered.
func (c *ExecutionCLock) SetLockPath(path string) error {
	if c.harness.locked() || c.harness.entering || c.harness.exiting {
		return fmt.Errorf("%w: cannot change lock path while held or entered", ErrInvalidState)
	}

	c.path = path
	c.swapPath = path + ".swp"

	return nil
}

// MaxCount returns the cap this instance contributes to the ledger.
func (c *ExecutionCLock) MaxCount() int { return c.config.MaxCount }

// SetMaxCount changes the cap this instance will request on its next
// ledger write. It does not retroactively rewrite an already-held entry.
func (c *ExecutionCLock) SetMaxCount(maxCount int) error {
	if maxCount < 1 {
		return fmt.Errorf("%w: max_count must be >= 1, got %d", ErrInvalidConfig, maxCount)
	}

	c.config.MaxCount = maxCount

	return nil
}

// Enter takes a ledger slot if the effective cap allows it, retrying until
// room opens up or the deadline (per config.Blocking/Timeout) elapses.
// Reentrant: nested Enter calls on an already-held instance are a no-op.
func (c *ExecutionCLock) Enter() error {
	return c.harness.enter(func() error { return c.updateLedger(true) })
}

// Exit releases this instance's ledger slot. Reentrant: only the outermost
// Exit performs the real rewrite.
func (c *ExecutionCLock) Exit() error {
	return c.harness.exit(func() error { return c.updateLedger(false) })
}

func (c *ExecutionCLock) updateLedger(wantEnter bool) error {
	if c.path == "" {
		return fmt.Errorf("%w: lock path is empty", ErrInvalidConfig)
	}

	var deadline time.Time

	hasDeadline := !c.config.Blocking
	if hasDeadline {
		deadline = time.Now().Add(c.config.Timeout)
	}

	for {
		remaining := c.config.Timeout
		if hasDeadline {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return fmt.Errorf("%w: %s", ErrTimeout, c.path)
			}
		}

		acquired, err := c.rewriteOnce(wantEnter, remaining)
		if err != nil {
			return err
		}

		if acquired {
			if wantEnter && c.config.LockDelay > 0 {
				time.Sleep(c.config.LockDelay)
			}

			return nil
		}

		// Ledger full (enter only - exit always reports acquired=true).
		if hasDeadline {
			time.Sleep(min(time.Until(deadline), c.config.CheckInterval))
		} else {
			time.Sleep(c.config.CheckInterval)
		}
	}
}

// rewriteOnce performs one pass of the entry/exit protocol in spec.md
// §4.4: take the internal exclusive lock on path, read + edit + (maybe)
// rewrite the ledger, release. It is wrapped in a [SignalDefer] region so a
// signal mid-rewrite can't leave the ledger half-written.
func (c *ExecutionCLock) rewriteOnce(wantEnter bool, timeout time.Duration) (acquired bool, err error) {
	opts := c.config.acquireOpts(timeout)

	ref, err := c.lockh.acquire(c.path, opts)
	if err != nil {
		return false, err
	}
	defer func() { _ = c.lockh.release(ref, false) }()

	deferErr := WithSignalDefer(nil, func(drain func()) error {
		acquired, err = c.editAndMaybeRewrite(wantEnter)

		return err
	})

	if deferErr != nil {
		return false, deferErr
	}

	return acquired, err
}

func (c *ExecutionCLock) editAndMaybeRewrite(wantEnter bool) (bool, error) {
	original, readErr := c.fs.ReadFile(c.path)
	if readErr != nil && !os.IsNotExist(readErr) {
		return false, fmt.Errorf("reading ledger: %w", readErr)
	}

	ourID, err := OurIdentity()
	if err != nil {
		return false, fmt.Errorf("resolving own identity: %w", err)
	}

	entries := decodeLedger(original)
	newEntries, acquired := c.edit(entries, ourID, wantEnter)
	newContent := encodeLedger(newEntries)

	if string(newContent) == string(original) {
		return acquired, nil
	}

	if len(newEntries) == 0 {
		if err := c.fs.Remove(c.path); err != nil && !os.IsNotExist(err) {
			return false, fmt.Errorf("removing empty ledger: %w", err)
		}

		return acquired, nil
	}

	if err := c.writeSwapAndRename(newContent); err != nil {
		if len(original) == 0 {
			// lockh.acquire's O_CREATE step brings c.path into existence
			// purely to get an fd to flock - if nothing was ever
			// successfully written to it, a failed rewrite must not leave
			// that empty placeholder behind, since this package's own
			// invariant is that a ledger file exists only while it holds
			// at least one entry.
			_ = c.fs.Remove(c.path)
		}

		return false, err
	}

	return acquired, nil
}

// edit implements the reference implementation's _edit_lock_contents: drop
// our own previous line (re-entry), drop stale lines when wantEnter (the
// liveness-pruning pass only happens on enter, matching the source's
// `enter or force_clean` gate), compute the effective cap as the min of all
// retained caps and our own, and append our entry if there's room.
func (c *ExecutionCLock) edit(entries []ledgerEntry, ourID ProcessIdentity, wantEnter bool) ([]ledgerEntry, bool) {
	retained := make([]ledgerEntry, 0, len(entries))
	effectiveCap := c.config.MaxCount

	for _, e := range entries {
		isOurPreviousLine := e.id.Equal(ourID) && e.instanceID == c.instanceID
		if isOurPreviousLine {
			continue
		}

		if wantEnter && !IsAlive(e.id) {
			continue
		}

		retained = append(retained, e)

		if e.maxCount < effectiveCap {
			effectiveCap = e.maxCount
		}
	}

	if !wantEnter {
		return retained, true
	}

	if len(retained) >= effectiveCap {
		return retained, false
	}

	retained = append(retained, ledgerEntry{id: ourID, instanceID: c.instanceID, maxCount: c.config.MaxCount})

	return retained, true
}

// writeSwapAndRename writes content to the swap path, fsyncs it and its
// parent directory, then atomically renames it over c.path. On any failure
// after the swap file is created, it is removed before the error is
// returned - see spec.md §9's resolution of the fsync/swap-file open
// question.
func (c *ExecutionCLock) writeSwapAndRename(content []byte) error {
	restore := func() {}
	if c.config.HasUmask {
		restore = c.fs.Umask(c.config.Umask)
	}

	file, err := c.fs.OpenFile(c.swapPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, c.config.FileMode)
	restore()

	if err != nil {
		return fmt.Errorf("opening ledger swap file: %w", err)
	}

	if _, err := file.Write(content); err != nil {
		_ = file.Close()
		_ = c.fs.Remove(c.swapPath)

		return fmt.Errorf("writing ledger swap file: %w", err)
	}

	if err := file.Sync(); err != nil {
		_ = file.Close()
		_ = c.fs.Remove(c.swapPath)

		return fmt.Errorf("syncing ledger swap file: %w", err)
	}

	if err := file.Close(); err != nil {
		_ = c.fs.Remove(c.swapPath)

		return fmt.Errorf("closing ledger swap file: %w", err)
	}

	if err := c.fs.SyncDir(parentDir(c.swapPath)); err != nil {
		_ = c.fs.Remove(c.swapPath)

		return fmt.Errorf("syncing ledger directory: %w", err)
	}

	if err := c.fs.Rename(c.swapPath, c.path); err != nil {
		_ = c.fs.Remove(c.swapPath)

		return fmt.Errorf("renaming ledger swap file: %w", err)
	}

	return nil
}

// LockStatus returns a snapshot of the ledger without taking the internal
// lock, pruning stale entries in memory only (force_clean semantics from
// spec.md §4.4's "Status query").
func (c *ExecutionCLock) LockStatus() (CLockStatus, error) {
	raw, err := c.fs.ReadFile(c.path)
	if err != nil && !os.IsNotExist(err) {
		return CLockStatus{}, fmt.Errorf("reading ledger: %w", err)
	}

	var live []ledgerEntry

	effectiveCap := c.config.MaxCount

	for _, e := range decodeLedger(raw) {
		if !IsAlive(e.id) {
			continue
		}

		live = append(live, e)

		if e.maxCount < effectiveCap {
			effectiveCap = e.maxCount
		}
	}

	if len(live) == 0 {
		effectiveCap = c.config.MaxCount
	}

	return CLockStatus{
		Count:         len(live),
		EffectiveCap:  effectiveCap,
		LocallyLocked: c.Locked(),
	}, nil
}

func parentDir(path string) string {
	return filepath.Dir(path)
}
