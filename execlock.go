package syslock

import (
	"fmt"
	"os"
	"time"

	ifs "github.com/calvinalkan/syslock/internal/fs"
)

// Defaults shared by ExecutionLock, ExecutionCLock, and RunLevelLock,
// matching the reference implementation's module-level constants.
const (
	DefaultTimeout       = 8 * time.Second
	DefaultCheckInterval = 400 * time.Millisecond

	DefaultDirMode  os.FileMode = 0o777
	DefaultFileMode os.FileMode = 0o666
	DefaultUmask                = 0
)

// ExecutionLockConfig configures an [ExecutionLock]. Zero-value fields fall
// back to the package defaults. The lock path is not part of the config: it
// is given to [NewExecutionLock] or [ExecutionLock.SetLockPath] and must be
// non-empty before the lock can be entered.
type ExecutionLockConfig struct {
	// Shared requests a shared (read) lock instead of the default exclusive
	// (write) lock.
	Shared bool

	// Blocking, if true, makes Enter wait indefinitely for the lock. If
	// false, Enter fails with [ErrTimeout] once Timeout has elapsed.
	Blocking bool

	Timeout       time.Duration
	CheckInterval time.Duration

	// LockDelay is slept once after a successful acquisition, before Enter
	// returns - grounded on the reference implementation's lock_delay,
	// which gives a just-acquired peer's writes time to land before we act
	// on the lock's meaning.
	LockDelay time.Duration

	DirMode  os.FileMode
	FileMode os.FileMode

	// Umask, if HasUmask, is applied for the duration of lock file
	// creation only.
	Umask    int
	HasUmask bool
}

func (c ExecutionLockConfig) withDefaults() ExecutionLockConfig {
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

func (c ExecutionLockConfig) acquireOpts() acquireOpts {
	return acquireOpts{
		shared:        c.Shared,
		blocking:      c.Blocking,
		timeout:       c.Timeout,
		checkInterval: c.CheckInterval,
		createMode:    c.FileMode,
		dirMode:       c.DirMode,
		umask:         c.Umask,
		hasUmask:      c.HasUmask,
	}
}

// ExecutionLock is a scoped, reentrant, cross-process mutual-exclusion lock
// backed by flock on a single file (spec.md §4.3). An exclusive
// ExecutionLock additionally records its holder's pid in the lock file and
// unlinks it on release; another acquirer that opened the old file detects
// the replacement through the inode check described on [LockFileRef] and
// retries.
//
// Not safe for concurrent use from multiple goroutines on the same
// instance; the scoped-region model assumes single-threaded-per-process
// use, same as the reference implementation.
type ExecutionLock struct {
	path    string
	config  ExecutionLockConfig
	fs      ifs.FS
	lockh   *lockFileHandle
	harness reentrancyHarness

	ref *LockFileRef
}

// NewExecutionLock builds an ExecutionLock over path with config. path may
// be empty, to be filled in later via [ExecutionLock.SetLockPath].
func NewExecutionLock(path string, config ExecutionLockConfig) *ExecutionLock {
	return newExecutionLockFS(path, config, &ifs.Real{})
}

func newExecutionLockFS(path string, config ExecutionLockConfig, fsImpl ifs.FS) *ExecutionLock {
	return &ExecutionLock{
		path:   path,
		config: config.withDefaults(),
		fs:     fsImpl,
		lockh:  newLockFileHandle(fsImpl),
	}
}

// Path returns the lock's current file path.
func (l *ExecutionLock) Path() string { return l.path }

// Locked reports whether this instance currently holds the lock (at any
// reentrance depth).
func (l *ExecutionLock) Locked() bool { return l.harness.locked() }

// SetLockPath changes the file this lock operates on. It is only permitted
// while the lock is neither held nor mid-enter/exit; otherwise it fails
// with [ErrInvalidState].
func (l *ExecutionLock) SetLockPath(path string) error {
	if l.harness.locked() || l.harness.entering || l.harness.exiting {
		return fmt.Errorf("%w: cannot change lock path while held or entered", ErrInvalidState)
	}

	l.path = path

	return nil
}

// Enter acquires the lock. A second Enter on an already-entered instance is
// a no-op beyond incrementing the reentrance counter; only the outermost
// Enter performs the real acquisition. Returns [ErrTimeout] if the deadline
// configured in ExecutionLockConfig elapses first.
func (l *ExecutionLock) Enter() error {
	return l.harness.enter(l.acquire)
}

// EnterMode enters with a shared-ness that overrides the configured
// default, used by [RunLevelLock] to switch the "running" lock between
// shared and exclusive across solo transitions. It fails with
// [ErrInvalidState] if the lock is already held, since changing the mode
// of an already-held lock is not meaningful.
func (l *ExecutionLock) EnterMode(shared bool) error {
	if l.harness.locked() {
		return fmt.Errorf("%w: lock already held, cannot change mode", ErrInvalidState)
	}

	l.config.Shared = shared

	return l.Enter()
}

func (l *ExecutionLock) acquire() error {
	if l.path == "" {
		return fmt.Errorf("%w: lock path is empty", ErrInvalidConfig)
	}

	ref, err := l.lockh.acquire(l.path, l.config.acquireOpts())
	if err != nil {
		return err
	}

	if !l.config.Shared {
		if err := writeHolderLine(ref, uint32(os.Getpid())); err != nil {
			_ = l.lockh.release(ref, false)

			return fmt.Errorf("writing holder line: %w", err)
		}
	}

	l.ref = ref

	if l.config.LockDelay > 0 {
		time.Sleep(l.config.LockDelay)
	}

	return nil
}

// Exit releases the lock. Nested Exit calls on a reentered instance merely
// decrement the counter; only the outermost Exit performs the real
// release, which for an exclusive lock unlinks the lock file (best effort)
// before closing and unlocking the descriptor.
func (l *ExecutionLock) Exit() error {
	return l.harness.exit(l.release)
}

func (l *ExecutionLock) release() error {
	ref := l.ref
	l.ref = nil

	return l.lockh.release(ref, !l.config.Shared)
}

// EnsureLocked reconciles observed state with want: if want and we are not
// locked, enters; if !want and we are locked, exits. During process
// exit/interrupt unwinding (see [ProcessExiting]), acquisition is skipped
// unless duringExit is true, so cleanup code running from a signal handler
// never blocks waiting on a lock.
func (l *ExecutionLock) EnsureLocked(want bool, duringExit bool) error {
	locked := l.Locked()

	if want == locked {
		return nil
	}

	if want {
		if ProcessExiting() && !duringExit {
			return nil
		}

		return l.Enter()
	}

	return l.Exit()
}

// TestLockable probes, without acquiring, whether this lock could currently
// be taken with the given shared-ness.
func (l *ExecutionLock) TestLockable(shared bool) (bool, error) {
	return l.lockh.tryLockable(l.path, shared, l.config.acquireOpts())
}

// TouchLock acquires then immediately releases the lock with the given
// shared-ness, solely to wake any waiters blocked on the opposite mode.
func (l *ExecutionLock) TouchLock(shared bool) error {
	return l.lockh.touch(l.path, shared, l.config.acquireOpts())
}

// writeHolderLine writes the single "<pid>\n" line an exclusive
// ExecutionLock's file carries, per spec.md §6, and syncs it before
// returning - the descriptor stays open (and locked) afterward.
func writeHolderLine(ref *LockFileRef, pid uint32) error {
	file := ref.file

	line := fmt.Sprintf("%10d\n", pid)

	if _, err := file.Write([]byte(line)); err != nil {
		return err
	}

	return file.Sync()
}

// processExitingState lets tests simulate an interrupt/exit unwind; it
// stays false unless [SetProcessExiting] is called, since Go has no direct
// equivalent of inspecting sys.exc_info() mid-unwind. Implementations that want
// EnsureLocked's shutdown-safe behavior should call [SetProcessExiting]
// from their top-level signal handler before running cleanup.
var processExitingState bool

// ProcessExiting reports whether the process has announced (via
// [SetProcessExiting]) that it is unwinding due to an interrupt or
// otherwise exiting, per spec.md §7's "unwinding during an exception" note.
func ProcessExiting() bool { return processExitingState }

// SetProcessExiting records that the process is unwinding. Cleanup paths
// call this before invoking EnsureLocked(false-pending-locks...) so that
// reconciliation never blocks trying to acquire a lock during shutdown.
func SetProcessExiting(exiting bool) { processExitingState = exiting }
