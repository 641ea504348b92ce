package syslock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	ifs "github.com/calvinalkan/syslock/internal/fs"
)

// LockFileRef is a held advisory lock on the file at Path: the open
// descriptor, whether it is shared or exclusive, and (implicitly, via the
// stolen-lock check performed before it is ever returned) a guarantee that
// the descriptor's inode matched stat(Path) at the moment of acquisition.
type LockFileRef struct {
	Path   string
	Shared bool
	file   ifs.File
}

// lockFileHandle implements the flock-with-stolen-lock-recovery protocol
// shared by [ExecutionLock] and [ExecutionCLock]'s internal critical
// section. It holds no state of its own beyond its filesystem dependency,
// matching the teacher's stateless-Locker design.
type lockFileHandle struct {
	fs    ifs.FS
	flock func(fd int, how int) error
}

func newLockFileHandle(fsImpl ifs.FS) *lockFileHandle {
	return &lockFileHandle{fs: fsImpl, flock: syscall.Flock}
}

// acquireOpts bundles the acquisition parameters named in spec.md §4.2.
type acquireOpts struct {
	shared        bool
	blocking      bool
	timeout       time.Duration
	checkInterval time.Duration
	createMode    os.FileMode
	dirMode       os.FileMode
	umask         int
	hasUmask      bool
}

// acquire blocks until an advisory lock on path is acquired or the deadline
// (when non-blocking) expires, verifying on every attempt that the
// descriptor we locked still refers to the inode currently at path. A
// mismatch means the file was replaced out from under us (the canonical
// case: another holder's exclusive [ExecutionLock.Exit] unlinked it) and we
// retry from scratch.
func (h *lockFileHandle) acquire(path string, opts acquireOpts) (*LockFileRef, error) {
	var deadline time.Time

	hasDeadline := !opts.blocking
	if hasDeadline {
		deadline = time.Now().Add(opts.timeout)
	}

	for {
		file, err := h.open(path, opts)
		if err != nil {
			return nil, fmt.Errorf("opening lock file: %w", err)
		}

		lockErr := h.lockAndVerify(file, path, opts)
		if lockErr == nil {
			return &LockFileRef{Path: path, Shared: opts.shared, file: file}, nil
		}

		_ = file.Close()

		retryable := errors.Is(lockErr, errInodeMismatch) || errors.Is(lockErr, errWouldBlock)
		if !retryable {
			return nil, lockErr
		}

		if hasDeadline {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, fmt.Errorf("%w: %s", ErrTimeout, path)
			}

			time.Sleep(min(remaining, opts.checkInterval))

			continue
		}

		time.Sleep(opts.checkInterval)
	}
}

func (h *lockFileHandle) open(path string, opts acquireOpts) (ifs.File, error) {
	restore := func() {}
	if opts.hasUmask {
		restore = h.fs.Umask(opts.umask)
	}
	defer restore()

	flag := os.O_RDWR | os.O_CREATE

	file, err := h.fs.OpenFile(path, flag, opts.createMode)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return file, err
	}

	if err := h.fs.MkdirAll(filepath.Dir(path), opts.dirMode); err != nil {
		return nil, err
	}

	return h.fs.OpenFile(path, flag, opts.createMode)
}

// lockAndVerify flocks file and checks inode identity against path. On any
// failure the advisory lock (if taken) is released before returning, but
// the file descriptor is left open for the caller to close.
func (h *lockFileHandle) lockAndVerify(file ifs.File, path string, opts acquireOpts) error {
	how := syscall.LOCK_EX
	if opts.shared {
		how = syscall.LOCK_SH
	}

	nonBlocking := opts.blocking == false //nolint:staticcheck // explicit for clarity against the acquire() naming
	if nonBlocking {
		how |= syscall.LOCK_NB
	}

	if err := flockRetryEINTR(h.flock, int(file.Fd()), how); err != nil {
		if isWouldBlock(err) {
			return errWouldBlock
		}

		return err
	}

	match, err := h.inodeMatchesPath(path, file)
	if err != nil {
		_ = flockRetryEINTR(h.flock, int(file.Fd()), syscall.LOCK_UN)

		if errors.Is(err, os.ErrNotExist) {
			return errInodeMismatch
		}

		return fmt.Errorf("verifying lock file identity: %w", err)
	}

	if !match {
		_ = flockRetryEINTR(h.flock, int(file.Fd()), syscall.LOCK_UN)

		return errInodeMismatch
	}

	return nil
}

// inodeMatchesPath compares (dev, ino) of the already-open/locked file
// against a fresh stat of path. See spec.md §4.2 "stolen-lock recovery":
// flock locks an inode, not a pathname, so a concurrent unlink+recreate of
// path between our open() and flock() would otherwise go undetected.
func (h *lockFileHandle) inodeMatchesPath(path string, file ifs.File) (bool, error) {
	openInfo, err := file.Stat()
	if err != nil {
		return false, err
	}

	openSys, ok := openInfo.Sys().(*syscall.Stat_t)
	if !ok || openSys == nil {
		return false, fmt.Errorf("file.Stat Sys=%T, want *syscall.Stat_t", openInfo.Sys())
	}

	pathInfo, err := h.fs.Stat(path)
	if err != nil {
		return false, err
	}

	pathSys, ok := pathInfo.Sys().(*syscall.Stat_t)
	if !ok || pathSys == nil {
		return false, fmt.Errorf("fs.Stat Sys=%T, want *syscall.Stat_t", pathInfo.Sys())
	}

	return openSys.Dev == pathSys.Dev && openSys.Ino == pathSys.Ino, nil
}

// release releases ref, optionally unlinking the file first (only
// meaningful, and only done, for exclusive locks - see spec.md §4.3).
func (h *lockFileHandle) release(ref *LockFileRef, unlinkIfExclusive bool) error {
	if ref == nil || ref.file == nil {
		return nil
	}

	if unlinkIfExclusive && !ref.Shared {
		_ = h.fs.Remove(ref.Path) // best effort, per spec.md §4.3/§7
	}

	fd := int(ref.file.Fd())
	unlockErr := flockRetryEINTR(h.flock, fd, syscall.LOCK_UN)
	closeErr := ref.file.Close()
	ref.file = nil

	if unlockErr != nil {
		return fmt.Errorf("unlocking lock file: %w", unlockErr)
	}

	if closeErr != nil {
		return fmt.Errorf("closing lock file: %w", closeErr)
	}

	return nil
}

// tryLockable performs a non-blocking probe: attempt to acquire, and if
// successful, release immediately. It never leaves a lock held.
func (h *lockFileHandle) tryLockable(path string, shared bool, opts acquireOpts) (bool, error) {
	probeOpts := opts
	probeOpts.shared = shared
	probeOpts.blocking = false
	probeOpts.timeout = 0

	ref, err := h.acquire(path, probeOpts)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return false, nil
		}

		return false, err
	}

	_ = h.release(ref, false)

	return true, nil
}

// touch acquires then immediately releases a lock, solely to wake any
// waiters blocked on the opposite lock type, or to probe contention without
// holding anything. See spec.md §4.2 and the Open Questions in §9.
func (h *lockFileHandle) touch(path string, shared bool, opts acquireOpts) error {
	touchOpts := opts
	touchOpts.shared = shared

	ref, err := h.acquire(path, touchOpts)
	if err != nil {
		return err
	}

	return h.release(ref, false)
}

func isWouldBlock(err error) bool {
	return errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN)
}

// flockRetryEINTR wraps flock, retrying on EINTR: a blocking syscall
// interrupted by a signal did not fail, it just needs to be retried.
func flockRetryEINTR(flock func(fd int, how int) error, fd int, how int) error {
	const maxEINTRRetries = 10000

	var err error
	for range maxEINTRRetries {
		err = flock(fd, how)
		if err == nil || !errors.Is(err, syscall.EINTR) {
			return err
		}
	}

	return err
}
