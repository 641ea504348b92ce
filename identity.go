package syslock

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// ProcessIdentity is a compound identity (pid, creation time) used to tell
// apart a live process from a different process that was later assigned
// the same pid by the kernel.
//
// Equality is tolerant of a missing creation time: two identities with the
// same pid compare equal if either one is missing ctime, even if the other
// has one. This matters because not every environment lets us read a
// process's start time; treating "unknown ctime" as "matches anything with
// this pid" is the conservative choice for a protocol where false-negative
// liveness checks (treating a live peer as dead) are far more dangerous
// than false positives.
type ProcessIdentity struct {
	PID uint32

	// CTimeMS is the process creation time in milliseconds since the Unix
	// epoch. Only meaningful when HasCTime is true.
	CTimeMS  uint64
	HasCTime bool
}

// Equal reports whether id and other refer to the same process instance,
// per the tolerant-equality rule described on [ProcessIdentity].
func (id ProcessIdentity) Equal(other ProcessIdentity) bool {
	if id.PID != other.PID {
		return false
	}

	if id.HasCTime && other.HasCTime {
		return id.CTimeMS == other.CTimeMS
	}

	return true
}

// key is a map/set key for ProcessIdentity that folds a missing ctime to 0,
// matching the tolerant-equality rule's treatment of "unknown" as "0" for
// hashing purposes. Two identities that are [ProcessIdentity.Equal] but
// disagree on whether ctime is known will NOT collide in a map keyed this
// way unless their folded ctimes also happen to match - this mirrors the
// reference implementation's hash function, which has the same property.
type identityKey struct {
	pid   uint32
	ctime uint64
}

func (id ProcessIdentity) key() identityKey {
	ctime := uint64(0)
	if id.HasCTime {
		ctime = id.CTimeMS
	}

	return identityKey{pid: id.PID, ctime: ctime}
}

func (id ProcessIdentity) String() string {
	if id.HasCTime {
		return fmt.Sprintf("pid=%d ctime=%dms", id.PID, id.CTimeMS)
	}

	return fmt.Sprintf("pid=%d ctime=unknown", id.PID)
}

var (
	ourIdentityOnce sync.Once
	ourIdentity     ProcessIdentity
	ourIdentityErr  error
)

// OurIdentity returns the (cached) identity of the current process.
//
// The result is computed once per process and reused; a live process's own
// pid and start time never change, so caching is safe and avoids a procfs
// read on every lock acquisition.
func OurIdentity() (ProcessIdentity, error) {
	ourIdentityOnce.Do(func() {
		ourIdentity, ourIdentityErr = FromPID(uint32(os.Getpid()))
	})

	return ourIdentity, ourIdentityErr
}

// FromPID builds a [ProcessIdentity] for a live pid by querying the OS
// process table. It fails if no such process exists.
//
// Creation time is read from /proc/<pid>/stat field 22 (starttime, in clock
// ticks since boot) and converted to milliseconds since the Unix epoch
// using the system boot time. If the creation time cannot be determined
// (missing /proc, parse failure, non-Linux), the returned identity simply
// has HasCTime=false rather than failing the whole call - per the tolerant
// equality rule, that is always the safe degradation.
func FromPID(pid uint32) (ProcessIdentity, error) {
	if !pidExists(pid) {
		return ProcessIdentity{}, fmt.Errorf("%w: no such process: pid %d", os.ErrNotExist, pid)
	}

	id := ProcessIdentity{PID: pid}

	if ms, ok := processCTimeMS(pid); ok {
		id.CTimeMS = ms
		id.HasCTime = true
	}

	return id, nil
}

// IsAlive reports whether id still refers to a live process, i.e. whether
// [FromPID] of id's pid right now would produce an equal identity. Any OS
// error while probing (including "no such process") is treated as "not
// alive", never propagated.
func IsAlive(id ProcessIdentity) bool {
	current, err := FromPID(id.PID)
	if err != nil {
		return false
	}

	return current.Equal(id)
}

// pidExists sends signal 0 to pid, which performs no-op if the process
// exists and is visible to us (and fails with ESRCH/EPERM otherwise).
// os.FindProcess always succeeds on Unix, so the real check is the signal.
func pidExists(pid uint32) bool {
	process, err := os.FindProcess(int(pid))
	if err != nil {
		return false
	}

	err = process.Signal(syscall.Signal(0))

	return err == nil
}

// bootTimeMS is computed once from /proc/stat's "btime" line (seconds since
// epoch at boot). It is process-lifetime-constant.
var (
	bootTimeMSOnce sync.Once
	bootTimeMS     uint64
	bootTimeMSOK   bool
)

func processCTimeMS(pid uint32) (uint64, bool) {
	bootTimeMSOnce.Do(func() {
		bootTimeMS, bootTimeMSOK = readBootTimeMS()
	})

	if !bootTimeMSOK {
		return 0, false
	}

	ticks, ok := readStartTimeTicks(pid)
	if !ok {
		return 0, false
	}

	hz := clockTicksPerSecond()
	startMSAfterBoot := ticks * 1000 / hz

	return bootTimeMS + startMSAfterBoot, true
}

func readBootTimeMS() (uint64, bool) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()

		after, ok := strings.CutPrefix(line, "btime ")
		if !ok {
			continue
		}

		seconds, err := strconv.ParseUint(strings.TrimSpace(after), 10, 64)
		if err != nil {
			return 0, false
		}

		return seconds * 1000, true
	}

	return 0, false
}

// readStartTimeTicks reads field 22 (starttime) of /proc/<pid>/stat: the
// time the process started, in clock ticks since boot. Fields are
// whitespace-separated except field 2 (comm), which is parenthesized and
// may itself contain spaces - we skip past the closing paren before
// counting fields.
func readStartTimeTicks(pid uint32) (uint64, bool) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, false
	}

	closeParen := strings.LastIndexByte(string(data), ')')
	if closeParen < 0 {
		return 0, false
	}

	rest := strings.Fields(string(data[closeParen+1:]))

	const startTimeFieldIndex = 19 // field 22 overall, minus the first 2 (pid, comm) and 1-indexing
	if len(rest) <= startTimeFieldIndex {
		return 0, false
	}

	ticks, err := strconv.ParseUint(rest[startTimeFieldIndex], 10, 64)
	if err != nil {
		return 0, false
	}

	return ticks, true
}

func clockTicksPerSecond() uint64 {
	const defaultUserHz = 100 // USER_HZ is 100 on essentially every Linux build

	return defaultUserHz
}
