// Package syslock provides cross-process execution locking on top of
// advisory flock-style file locks.
//
// Three composable primitives cover the common coordination patterns:
//
//   - [ExecutionLock]: plain mutual exclusion (shared or exclusive).
//   - [ExecutionCLock]: counted exclusion - up to N processes may hold it
//     at once, backed by a small text ledger.
//   - [RunLevelLock]: an ordered stack of counted locks plus a "running" /
//     "solo" protocol, for coordinating degrees of concurrent activity
//     (e.g. "at most 4 workers, but allow one maintenance pass that
//     excludes all others").
//
// # Basic Usage
//
//	lock := syslock.NewExecutionLock("/var/lock/myapp.lock", syslock.ExecutionLockConfig{
//	    Timeout: 10 * time.Second,
//	})
//	if err := lock.Enter(); err != nil {
//	    // handle [ErrTimeout]
//	}
//	defer lock.Exit()
//
// # Concurrency
//
// These primitives provide mutual exclusion *across processes*; within one
// process they are not themselves safe for concurrent goroutine use - serialize
// access the same way you would a non-reentrant mutex, modulo the
// reentrance support each primitive provides for nested Enter/Exit calls on
// the same instance.
//
// # Error Handling
//
// [ErrTimeout] means the configured deadline elapsed before the lock could
// be acquired. [ErrInvalidState] means an operation was attempted in a
// state that forbids it (changing a lock's path while held, changing run
// level while solo). [ErrInvalidConfig] means a configuration error: an
// invalid construction-time setting, an unknown run level argument, or an
// empty lock path at Enter. Any other error is a wrapped OS error from the
// underlying filesystem or process-table call.
package syslock
