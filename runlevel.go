package syslock

import (
	"fmt"
	"os"
	"time"
)

// RunLevel is an opaque, comparable token identifying a coordination level.
// Any comparable, non-bool, non-nil value works - callers typically use a
// small int or string enumeration.
type RunLevel any

// RunLevelSpec declares one real run level and the cap on its counted lock.
type RunLevelSpec struct {
	Level    RunLevel
	MaxCount int
}

// RunLevelLockConfig configures a [RunLevelLock]. UnlockedLevel and
// BaseLevel must differ from each other and from every entry in Levels.
// Levels must contain at least one entry. RunningThreshold, if set, and
// SoloThreshold, if set, must each name a level present in Levels; if
// SoloThreshold is set it must be at or above RunningThreshold.
//
// Timeout/CheckInterval/LockDelay/Blocking/DirMode/FileMode/Umask are
// applied uniformly to every underlying sub-lock (base, each real level,
// running, solo) - the reference implementation allows finer per-sub-lock
// tuning, which this port simplifies per spec.md §9's encouragement to
// re-architect process-wide knobs as explicit, not hidden, configuration.
type RunLevelLockConfig struct {
	UnlockedLevel RunLevel
	BaseLevel     RunLevel
	Levels        []RunLevelSpec

	RunningThreshold    RunLevel
	HasRunningThreshold bool
	SoloThreshold       RunLevel
	HasSoloThreshold    bool

	Blocking      bool
	Timeout       time.Duration
	CheckInterval time.Duration
	LockDelay     time.Duration

	DirMode  os.FileMode
	FileMode os.FileMode
	Umask    int
	HasUmask bool
}

// RunLevelCallbacks are optional hooks fired around state transitions, so a
// caller can attach side effects (metrics, logging) without altering the
// protocol. Any nil hook is skipped.
type RunLevelCallbacks struct {
	OnLevelChange func(cur, next RunLevel, phase string)
	OnLockInvalid func(phase string)
	OnSolo        func(goingSolo bool, phase string)
	OnYield       func(phase string)
}

func (cb RunLevelCallbacks) levelChange(cur, next RunLevel, phase string) {
	if cb.OnLevelChange != nil {
		cb.OnLevelChange(cur, next, phase)
	}
}

func (cb RunLevelCallbacks) lockInvalid(phase string) {
	if cb.OnLockInvalid != nil {
		cb.OnLockInvalid(phase)
	}
}

func (cb RunLevelCallbacks) solo(goingSolo bool, phase string) {
	if cb.OnSolo != nil {
		cb.OnSolo(goingSolo, phase)
	}
}

func (cb RunLevelCallbacks) yield(phase string) {
	if cb.OnYield != nil {
		cb.OnYield(phase)
	}
}

// RunLevelLock composes one shared base [ExecutionLock], an ordered stack
// of [ExecutionCLock] "real levels", a shared "running" [ExecutionLock],
// and an exclusive "solo" [ExecutionLock] into the escalation/solo protocol
// described in spec.md §4.5. Levels are acquired strictly ascending and
// released strictly descending; at most one peer may be "solo" at a time,
// which excludes all other peers from also being "running" for the
// duration.
//
// Not safe for concurrent use from multiple goroutines on the same
// instance.
type RunLevelLock struct {
	config    RunLevelLockConfig
	callbacks RunLevelCallbacks

	ilevelOf map[any]int
	levelAt  []RunLevel // levelAt[k] for real ilevel k (k=2..N+1)

	base    *ExecutionLock
	levels  []*ExecutionCLock // levels[i] backs ilevel i+2
	running *ExecutionLock
	solo    *ExecutionLock

	runningIlevel int
	soloIlevel    int // 0 = disabled

	outer reentrancyHarness

	currentIlevel  int
	lastExplicit   int
	scopedRequests map[*int]int
}

// NewRunLevelLock builds a RunLevelLock whose sub-locks live at basePath,
// basePath+".1".."N", basePath+".r", and basePath+".s" per spec.md §6.
func NewRunLevelLock(basePath string, config RunLevelLockConfig, callbacks RunLevelCallbacks) (*RunLevelLock, error) {
	if err := validateRunLevelConfig(config); err != nil {
		return nil, err
	}

	r := &RunLevelLock{
		config:         config,
		callbacks:      callbacks,
		ilevelOf:       make(map[any]int),
		scopedRequests: make(map[*int]int),
	}

	r.ilevelOf[config.UnlockedLevel] = 0
	r.ilevelOf[config.BaseLevel] = 1

	r.levelAt = make([]RunLevel, len(config.Levels)+2)

	lockConfig := ExecutionLockConfig{
		Shared:        true,
		Blocking:      config.Blocking,
		Timeout:       config.Timeout,
		CheckInterval: config.CheckInterval,
		LockDelay:     config.LockDelay,
		DirMode:       config.DirMode,
		FileMode:      config.FileMode,
		Umask:         config.Umask,
		HasUmask:      config.HasUmask,
	}

	r.base = NewExecutionLock(basePath, lockConfig)

	r.running = NewExecutionLock(fmt.Sprintf("%s.r", basePath), lockConfig)

	soloConfig := lockConfig
	soloConfig.Shared = false
	r.solo = NewExecutionLock(fmt.Sprintf("%s.s", basePath), soloConfig)

	for i, spec := range config.Levels {
		ilevel := i + 2
		r.ilevelOf[spec.Level] = ilevel
		r.levelAt[ilevel] = spec.Level

		clock, err := NewExecutionCLock(fmt.Sprintf("%s.%d", basePath, i+1), ExecutionCLockConfig{
			MaxCount:      spec.MaxCount,
			Blocking:      config.Blocking,
			Timeout:       config.Timeout,
			CheckInterval: config.CheckInterval,
			LockDelay:     config.LockDelay,
			DirMode:       config.DirMode,
			FileMode:      config.FileMode,
			Umask:         config.Umask,
			HasUmask:      config.HasUmask,
		})
		if err != nil {
			return nil, err
		}

		r.levels = append(r.levels, clock)
	}

	r.runningIlevel = 2
	if config.HasRunningThreshold {
		r.runningIlevel = r.ilevelOf[config.RunningThreshold]
	}

	if config.HasSoloThreshold {
		r.soloIlevel = r.ilevelOf[config.SoloThreshold]
	}

	return r, nil
}

func validateRunLevelConfig(config RunLevelLockConfig) error {
	if isBoolOrNil(config.UnlockedLevel) || isBoolOrNil(config.BaseLevel) {
		return fmt.Errorf("%w: unlocked/base level must not be bool or nil", ErrInvalidConfig)
	}

	if config.UnlockedLevel == config.BaseLevel {
		return fmt.Errorf("%w: unlocked level and base level must differ", ErrInvalidConfig)
	}

	if len(config.Levels) == 0 {
		return fmt.Errorf("%w: at least one real level is required", ErrInvalidConfig)
	}

	seen := map[any]bool{config.UnlockedLevel: true, config.BaseLevel: true}

	for _, spec := range config.Levels {
		if isBoolOrNil(spec.Level) {
			return fmt.Errorf("%w: run level values must not be bool or nil", ErrInvalidConfig)
		}

		if seen[spec.Level] {
			return fmt.Errorf("%w: duplicate run level value %v", ErrInvalidConfig, spec.Level)
		}

		seen[spec.Level] = true

		if spec.MaxCount < 1 {
			return fmt.Errorf("%w: level %v max_count must be >= 1", ErrInvalidConfig, spec.Level)
		}
	}

	if config.HasRunningThreshold {
		if !seen[config.RunningThreshold] || config.RunningThreshold == config.UnlockedLevel || config.RunningThreshold == config.BaseLevel {
			return fmt.Errorf("%w: running threshold must name a real level", ErrInvalidConfig)
		}
	}

	if config.HasSoloThreshold {
		if !seen[config.SoloThreshold] || config.SoloThreshold == config.UnlockedLevel || config.SoloThreshold == config.BaseLevel {
			return fmt.Errorf("%w: solo threshold must name a real level", ErrInvalidConfig)
		}

		runningIlevel := 2
		if config.HasRunningThreshold {
			runningIlevel = ilevelOfLevel(config, config.RunningThreshold)
		}

		if ilevelOfLevel(config, config.SoloThreshold) < runningIlevel {
			return fmt.Errorf("%w: solo threshold must be at or above running threshold", ErrInvalidConfig)
		}
	}

	return nil
}

// ilevelOfLevel resolves level's internal index among config.Levels. Callers
// must only use this after confirming level names a real level.
func ilevelOfLevel(config RunLevelLockConfig, level RunLevel) int {
	for i, spec := range config.Levels {
		if spec.Level == level {
			return i + 2
		}
	}

	return 0
}

func isBoolOrNil(v any) bool {
	if v == nil {
		return true
	}

	_, ok := v.(bool)

	return ok
}

// Enter acquires the shared base lock, entering the BASE state. Reentrant.
func (r *RunLevelLock) Enter() error {
	return r.outer.enter(func() error {
		if err := r.base.Enter(); err != nil {
			return err
		}

		r.currentIlevel = 1 // BASE ilevel; setIlevel indexes real levels from here

		return nil
	})
}

// Exit de-escalates to BASE, releases running if held, then releases the
// base lock. Reentrant: only the outermost Exit does this.
func (r *RunLevelLock) Exit() error {
	return r.outer.exit(func() error {
		if err := r.setIlevel(0, true); err != nil {
			return err
		}

		if err := r.base.Exit(); err != nil {
			return err
		}

		r.currentIlevel = 0 // UNLOCKED

		return nil
	})
}

// CurrentLevel returns the run level token corresponding to the current
// ilevel: BaseLevel if no real level is held, or the held real level.
func (r *RunLevelLock) CurrentLevel() RunLevel {
	return r.levelToken(r.currentIlevel)
}

// levelToken maps an internal index back to the RunLevel token a caller
// gave us, treating any index <= 1 as BaseLevel.
func (r *RunLevelLock) levelToken(ilevel int) RunLevel {
	if ilevel <= 1 {
		return r.config.BaseLevel
	}

	return r.levelAt[ilevel]
}

// Running reports whether the running lock is currently held (shared or,
// while solo, exclusive).
func (r *RunLevelLock) Running() bool { return r.running.Locked() }

// IsSolo reports whether this instance currently holds solo.
func (r *RunLevelLock) IsSolo() bool { return r.solo.Locked() }

func (r *RunLevelLock) effectiveTarget() int {
	target := r.lastExplicit
	for _, v := range r.scopedRequests {
		if v > target {
			target = v
		}
	}

	return target
}

// SetLevel escalates or de-escalates to level, per spec.md §4.5's
// algorithm. It is the non-scoped equivalent of [RunLevelLock.WithLevel].
func (r *RunLevelLock) SetLevel(level RunLevel) error {
	ilevel, ok := r.ilevelOf[level]
	if !ok || ilevel < 1 {
		return fmt.Errorf("%w: unknown or non-positive run level %v", ErrInvalidConfig, level)
	}

	r.lastExplicit = ilevel

	return r.setIlevel(r.effectiveTarget(), true)
}

// WithLevel requests level for the duration of fn, composing with any other
// concurrently-scoped requests (the effective level is always the maximum
// of every outstanding request) - this models the reference
// implementation's reentrant LevelCM without metaprogramming, per
// spec.md §9.
func (r *RunLevelLock) WithLevel(level RunLevel, fn func() error) error {
	ilevel, ok := r.ilevelOf[level]
	if !ok || ilevel < 1 {
		return fmt.Errorf("%w: unknown or non-positive run level %v", ErrInvalidConfig, level)
	}

	token := new(int)
	r.scopedRequests[token] = ilevel

	if err := r.setIlevel(r.effectiveTarget(), true); err != nil {
		delete(r.scopedRequests, token)

		return err
	}

	defer func() {
		delete(r.scopedRequests, token)
		_ = r.setIlevel(r.effectiveTarget(), true)
	}()

	return fn()
}

// setIlevel is the escalation/de-escalation algorithm of spec.md §4.5
// steps 1-7: release running if manageRunning, walk real levels strictly
// descending then strictly ascending to reach target, then re-acquire
// running if target has reached the threshold.
func (r *RunLevelLock) setIlevel(target int, manageRunning bool) error {
	if target > 0 && !r.outer.locked() {
		return fmt.Errorf("%w: base lock is not held", ErrInvalidState)
	}

	if r.solo.Locked() && target != r.currentIlevel {
		return fmt.Errorf("%w: cannot change level while solo", ErrInvalidState)
	}

	cur := r.CurrentLevel()
	target = clampIlevel(target, len(r.levels))

	r.callbacks.levelChange(cur, r.levelToken(target), "before")

	if manageRunning && r.running.Locked() {
		if err := r.running.Exit(); err != nil {
			r.restoreRunning(manageRunning, r.currentIlevel)

			return err
		}
	}

	working := r.currentIlevel

	for k := working; k > target && k >= 2; k-- {
		if err := r.levels[k-2].Exit(); err != nil {
			r.currentIlevel = working
			r.callbacks.lockInvalid("during-deescalate")
			r.restoreRunning(manageRunning, working)

			return err
		}

		working = k - 1
	}

	escalateFrom := working

	for k := working + 1; k <= target; k++ {
		if err := r.levels[k-2].Enter(); err != nil {
			// Unwind anything this same escalation attempt acquired before
			// the failure, in reverse order, so a partial escalation never
			// leaves ledger entries held that our in-memory state has
			// forgotten about (spec.md §4.5 scoped cleanup on failure).
			for j := working; j > escalateFrom; j-- {
				_ = r.levels[j-2].Exit()
			}

			r.currentIlevel = escalateFrom
			r.callbacks.lockInvalid("during-escalate")
			r.restoreRunning(manageRunning, escalateFrom)

			return err
		}

		working = k

		if k == 2 && r.config.LockDelay > 0 {
			time.Sleep(r.config.LockDelay)
		}
	}

	r.currentIlevel = working

	if manageRunning && target >= r.runningIlevel {
		if err := r.running.EnterMode(true); err != nil {
			return err
		}
	}

	r.callbacks.levelChange(cur, r.CurrentLevel(), "after")

	return nil
}

// restoreRunning re-acquires the running lock on an error-return path where
// it was released up front by setIlevel but the attempted level change then
// failed before reaching the point where running is normally re-acquired.
// Best-effort: the caller is already propagating a lock error, so a failure
// here is swallowed rather than masking the original one, matching the
// teacher's ambient swallow-on-cleanup style (e.g. internal/fs/real.go's
// realLock.Close).
func (r *RunLevelLock) restoreRunning(manageRunning bool, ilevel int) {
	if manageRunning && ilevel >= r.runningIlevel {
		_ = r.running.EnterMode(true)
	}
}

func clampIlevel(ilevel, numLevels int) int {
	if ilevel < 0 {
		return 0
	}

	if ilevel > numLevels+1 {
		return numLevels + 1
	}

	return ilevel
}

// SoloEnabled reports whether a solo threshold was configured.
func (r *RunLevelLock) SoloEnabled() bool { return r.soloIlevel >= 2 }

// WithSolo runs fn while holding solo: it releases running, escalates (if
// ensureLevel) to at least the solo threshold, acquires solo exclusively,
// re-acquires running exclusively (marking this instance as the sole
// active-and-running peer). On return it releases running and solo, then
// re-acquires running shared if the current level is at or above the
// running threshold; a level reached through ensureLevel stays held - see
// spec.md §4.5 "Solo protocol".
func (r *RunLevelLock) WithSolo(ensureLevel bool, fn func() error) error {
	if !r.SoloEnabled() {
		return fmt.Errorf("%w: solo is not enabled", ErrInvalidState)
	}

	if r.currentIlevel < r.soloIlevel && !ensureLevel {
		return fmt.Errorf("%w: current level is below solo threshold", ErrInvalidState)
	}

	r.callbacks.solo(true, "before")

	wasRunning := r.running.Locked()

	if wasRunning {
		if err := r.running.Exit(); err != nil {
			r.restoreRunning(wasRunning, r.currentIlevel)

			return err
		}
	}

	if ensureLevel && r.currentIlevel < r.soloIlevel {
		target := r.soloIlevel
		if r.lastExplicit > target {
			target = r.lastExplicit
		}

		if err := r.setIlevel(target, false); err != nil {
			r.restoreRunning(wasRunning, r.currentIlevel)

			return err
		}
	}

	if err := r.solo.Enter(); err != nil {
		r.restoreRunning(wasRunning, r.currentIlevel)

		return err
	}

	if err := r.running.EnterMode(false); err != nil {
		_ = r.solo.Exit()
		r.restoreRunning(wasRunning, r.currentIlevel)

		return err
	}

	if r.config.LockDelay > 0 {
		time.Sleep(r.config.LockDelay)
	}

	r.callbacks.solo(true, "after")

	defer func() {
		r.callbacks.solo(false, "before")

		_ = r.running.Exit()
		_ = r.solo.Exit()

		if r.currentIlevel >= r.runningIlevel {
			_ = r.running.EnterMode(true)
		}

		r.callbacks.solo(false, "after")
	}()

	return fn()
}

// SoloPending reports whether running is held by us while some peer holds
// solo exclusively - see spec.md §4.5 "Yield-to-solo protocol".
func (r *RunLevelLock) SoloPending() bool {
	if !r.running.Locked() || r.IsSolo() {
		return false
	}

	lockable, err := r.solo.TestLockable(true)
	if err != nil {
		return false
	}

	return !lockable
}

// YieldToSolo cooperatively releases running so a peer waiting to go solo
// can proceed, waits (under the configured Blocking/Timeout) until that peer
// ends solo, then re-acquires running. If the wait fails, running is
// re-acquired and the error is returned.
// A no-op if solo is not currently pending.
func (r *RunLevelLock) YieldToSolo() error {
	if !r.SoloPending() {
		return nil
	}

	r.callbacks.yield("before")

	if err := r.running.Exit(); err != nil {
		return err
	}

	if err := r.solo.TouchLock(true); err != nil {
		_ = r.running.EnterMode(true)

		return err
	}

	if err := r.running.EnterMode(true); err != nil {
		return err
	}

	if r.config.CheckInterval > 0 {
		time.Sleep(r.config.CheckInterval)
	}

	r.callbacks.yield("after")

	return nil
}

// UpdateMaxCounts changes the cap each named level will request on its next
// ledger write. If a level is currently held (locally locked) and the new
// cap is lower than the old one, the update is rejected unless
// allowLowerWhileLocked is true, per spec.md §4.5's update_max_counts.
func (r *RunLevelLock) UpdateMaxCounts(newCounts map[RunLevel]int, allowLowerWhileLocked bool) error {
	for level, newCount := range newCounts {
		ilevel, ok := r.ilevelOf[level]
		if !ok || ilevel < 2 {
			return fmt.Errorf("%w: unknown run level %v", ErrInvalidConfig, level)
		}

		clock := r.levels[ilevel-2]

		if clock.Locked() && newCount < clock.MaxCount() && !allowLowerWhileLocked {
			return fmt.Errorf("%w: cannot lower max_count for held level %v", ErrInvalidState, level)
		}

		if err := clock.SetMaxCount(newCount); err != nil {
			return err
		}
	}

	return nil
}

// RunLevelStatus is a point-in-time snapshot of every real level's ledger
// status, returned by [RunLevelLock.LockStatus].
type RunLevelStatus struct {
	CurrentLevel RunLevel
	Running      bool
	Solo         bool
	Levels       map[RunLevel]CLockStatus
}

// LockStatus snapshots every real level up to and including maxLevel (or
// every level, if maxLevel does not name a real level, e.g. the zero value,
// BaseLevel or UnlockedLevel).
func (r *RunLevelLock) LockStatus(maxLevel RunLevel) (RunLevelStatus, error) {
	maxIlevel := len(r.levels) + 1

	if ilevel, ok := r.ilevelOf[maxLevel]; ok && ilevel >= 2 {
		maxIlevel = ilevel
	}

	status := RunLevelStatus{
		CurrentLevel: r.CurrentLevel(),
		Running:      r.Running(),
		Solo:         r.IsSolo(),
		Levels:       make(map[RunLevel]CLockStatus),
	}

	for i, clock := range r.levels {
		ilevel := i + 2
		if ilevel > maxIlevel {
			break
		}

		s, err := clock.LockStatus()
		if err != nil {
			return RunLevelStatus{}, err
		}

		status.Levels[r.levelAt[ilevel]] = s
	}

	return status, nil
}

// WouldBlock reports whether SetLevel(level) would currently have to wait
// for ledger room on some intermediate level, without attempting the
// escalation. De-escalation (level <= the current level) never blocks.
//
// Supplemented from original_source/execlock.py, which exposes an
// equivalent dry-run probe; built here purely by composing
// [ExecutionCLock.LockStatus] reads, not a new locking primitive.
func (r *RunLevelLock) WouldBlock(level RunLevel) (bool, error) {
	target, ok := r.ilevelOf[level]
	if !ok || target < 1 {
		return false, fmt.Errorf("%w: unknown or non-positive run level %v", ErrInvalidConfig, level)
	}

	if target <= r.currentIlevel {
		return false, nil
	}

	for k := r.currentIlevel + 1; k <= target; k++ {
		status, err := r.levels[k-2].LockStatus()
		if err != nil {
			return false, err
		}

		if status.Count >= status.EffectiveCap {
			return true, nil
		}
	}

	return false, nil
}

// LevelStatus reports the live holder count and effective cap for a single
// real level, without snapshotting every level the way [RunLevelLock.LockStatus]
// does. Supplemented from original_source/execlock.py's per-level
// lock_status().
func (r *RunLevelLock) LevelStatus(level RunLevel) (count int, effectiveCap int, err error) {
	ilevel, ok := r.ilevelOf[level]
	if !ok || ilevel < 2 {
		return 0, 0, fmt.Errorf("%w: unknown run level %v", ErrInvalidConfig, level)
	}

	status, err := r.levels[ilevel-2].LockStatus()
	if err != nil {
		return 0, 0, err
	}

	return status.Count, status.EffectiveCap, nil
}
