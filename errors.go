package syslock

import "errors"

// Sentinel errors returned by syslock. Use [errors.Is] to check for them;
// all are wrapped with additional context via fmt.Errorf("%w: ...").
var (
	// ErrTimeout indicates a lock could not be acquired before its deadline.
	ErrTimeout = errors.New("syslock: timed out acquiring lock")

	// ErrInvalidState indicates an operation was attempted in a state that
	// forbids it: changing a lock's path while it is held or entered,
	// changing run level while solo, escalating below the solo threshold,
	// or lowering a counted lock's cap while held without opting into it.
	ErrInvalidState = errors.New("syslock: invalid state")

	// ErrInvalidConfig indicates a configuration error: at construction, a
	// nil or boolean run level value, a duplicate unlocked/base/real-level
	// value, zero real levels, or a max count below 1; at call time, a run
	// level argument that names no configured level, or entering a lock
	// whose path is empty.
	ErrInvalidConfig = errors.New("syslock: invalid configuration")
)

// errInodeMismatch is an internal sentinel indicating the lock file at a
// path was replaced (renamed away, deleted and recreated) between us
// opening it and flocking it. Callers retry; this never surfaces past the
// acquisition loop that handles it.
var errInodeMismatch = errors.New("syslock: internal: lock file was replaced (stolen lock)")

// errWouldBlock is an internal sentinel meaning a non-blocking flock
// attempt would have blocked. Translated to [ErrTimeout] once the
// caller-visible deadline is exhausted.
var errWouldBlock = errors.New("syslock: internal: lock is held by another holder")
