package syslock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	levelUnlocked = "unlocked"
	levelBase     = "base"
	levelLow      = "low"
	levelMid      = "mid"
	levelHigh     = "high"
)

func testRunLevelConfig() RunLevelLockConfig {
	return RunLevelLockConfig{
		UnlockedLevel: levelUnlocked,
		BaseLevel:     levelBase,
		Levels: []RunLevelSpec{
			{Level: levelLow, MaxCount: 5},
			{Level: levelMid, MaxCount: 5},
			{Level: levelHigh, MaxCount: 1},
		},
		RunningThreshold:    levelLow,
		HasRunningThreshold: true,
		SoloThreshold:       levelHigh,
		HasSoloThreshold:    true,
		Blocking:            false,
		Timeout:             150 * time.Millisecond,
		CheckInterval:       5 * time.Millisecond,
	}
}

func Test_NewRunLevelLock_Rejects_Duplicate_Level(t *testing.T) {
	t.Parallel()

	cfg := testRunLevelConfig()
	cfg.Levels = append(cfg.Levels, RunLevelSpec{Level: levelLow, MaxCount: 1})

	_, err := NewRunLevelLock(filepath.Join(t.TempDir(), "run"), cfg, RunLevelCallbacks{})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func Test_NewRunLevelLock_Rejects_Zero_Levels(t *testing.T) {
	t.Parallel()

	cfg := testRunLevelConfig()
	cfg.Levels = nil

	_, err := NewRunLevelLock(filepath.Join(t.TempDir(), "run"), cfg, RunLevelCallbacks{})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("NewRunLevelLock with zero levels: err = %v, want ErrInvalidConfig", err)
	}
}

func Test_NewRunLevelLock_Rejects_Bool_Level(t *testing.T) {
	t.Parallel()

	cfg := testRunLevelConfig()
	cfg.UnlockedLevel = false

	_, err := NewRunLevelLock(filepath.Join(t.TempDir(), "run"), cfg, RunLevelCallbacks{})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("NewRunLevelLock with bool UnlockedLevel: err = %v, want ErrInvalidConfig", err)
	}
}

func Test_NewRunLevelLock_Rejects_Threshold_Naming_Unknown_Level(t *testing.T) {
	t.Parallel()

	cfg := testRunLevelConfig()
	cfg.RunningThreshold = "nonexistent"

	_, err := NewRunLevelLock(filepath.Join(t.TempDir(), "run"), cfg, RunLevelCallbacks{})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("NewRunLevelLock with unknown running threshold: err = %v, want ErrInvalidConfig", err)
	}
}

func Test_RunLevelLock_SetLevel_Escalation_Creates_Level_Files_In_Order(t *testing.T) {
	t.Parallel()

	base := filepath.Join(t.TempDir(), "run")

	r, err := NewRunLevelLock(base, testRunLevelConfig(), RunLevelCallbacks{})
	if err != nil {
		t.Fatalf("NewRunLevelLock: %v", err)
	}

	if err := r.Enter(); err != nil {
		t.Fatalf("Enter(): %v", err)
	}
	defer func() { _ = r.Exit() }()

	if err := r.SetLevel(levelMid); err != nil {
		t.Fatalf("SetLevel(mid): %v", err)
	}

	if r.CurrentLevel() != levelMid {
		t.Fatalf("CurrentLevel() = %v, want %v", r.CurrentLevel(), levelMid)
	}

	for _, suffix := range []string{"", ".1", ".2"} {
		if _, err := os.Stat(base + suffix); err != nil {
			t.Fatalf("Stat(%q) after escalating to mid: %v, want file to exist", base+suffix, err)
		}
	}

	if _, err := os.Stat(base + ".3"); !os.IsNotExist(err) {
		t.Fatalf("Stat(%q) after escalating only to mid: err = %v, want ErrNotExist", base+".3", err)
	}

	// running threshold is "low" (ilevel 2); mid (ilevel 3) is above it.
	if !r.Running() {
		t.Fatalf("Running() = false at level mid, want true (at/above running threshold)")
	}
}

func Test_RunLevelLock_SetLevel_Deescalation_Releases_Levels(t *testing.T) {
	t.Parallel()

	base := filepath.Join(t.TempDir(), "run")

	r, err := NewRunLevelLock(base, testRunLevelConfig(), RunLevelCallbacks{})
	if err != nil {
		t.Fatalf("NewRunLevelLock: %v", err)
	}

	if err := r.Enter(); err != nil {
		t.Fatalf("Enter(): %v", err)
	}
	defer func() { _ = r.Exit() }()

	if err := r.SetLevel(levelMid); err != nil {
		t.Fatalf("SetLevel(mid): %v", err)
	}

	if err := r.SetLevel(levelLow); err != nil {
		t.Fatalf("SetLevel(low): %v", err)
	}

	if _, err := os.Stat(base + ".2"); !os.IsNotExist(err) {
		t.Fatalf("Stat(%q) after de-escalating to low: err = %v, want ErrNotExist", base+".2", err)
	}

	if _, err := os.Stat(base + ".1"); err != nil {
		t.Fatalf("Stat(%q) after de-escalating to low: %v, want file to still exist", base+".1", err)
	}
}

func Test_RunLevelLock_WithLevel_Composes_Max_Of_Scoped_Requests(t *testing.T) {
	t.Parallel()

	base := filepath.Join(t.TempDir(), "run")

	r, err := NewRunLevelLock(base, testRunLevelConfig(), RunLevelCallbacks{})
	if err != nil {
		t.Fatalf("NewRunLevelLock: %v", err)
	}

	if err := r.Enter(); err != nil {
		t.Fatalf("Enter(): %v", err)
	}
	defer func() { _ = r.Exit() }()

	if err := r.SetLevel(levelLow); err != nil {
		t.Fatalf("SetLevel(low): %v", err)
	}

	err = r.WithLevel(levelMid, func() error {
		if r.CurrentLevel() != levelMid {
			t.Fatalf("CurrentLevel() inside WithLevel(mid) = %v, want %v", r.CurrentLevel(), levelMid)
		}

		return nil
	})
	if err != nil {
		t.Fatalf("WithLevel(mid): %v", err)
	}

	// After the scoped request ends, the explicit level (low) still applies.
	if r.CurrentLevel() != levelLow {
		t.Fatalf("CurrentLevel() after WithLevel ends = %v, want %v", r.CurrentLevel(), levelLow)
	}
}

func Test_RunLevelLock_Solo_Excludes_Second_Peer(t *testing.T) {
	t.Parallel()

	base := filepath.Join(t.TempDir(), "run")

	a, err := NewRunLevelLock(base, testRunLevelConfig(), RunLevelCallbacks{})
	if err != nil {
		t.Fatalf("NewRunLevelLock(a): %v", err)
	}

	b, err := NewRunLevelLock(base, testRunLevelConfig(), RunLevelCallbacks{})
	if err != nil {
		t.Fatalf("NewRunLevelLock(b): %v", err)
	}

	if err := a.Enter(); err != nil {
		t.Fatalf("a.Enter(): %v", err)
	}
	defer func() { _ = a.Exit() }()

	if err := b.Enter(); err != nil {
		t.Fatalf("b.Enter(): %v", err)
	}
	defer func() { _ = b.Exit() }()

	soloRan := false

	err = a.WithSolo(true, func() error {
		soloRan = true

		return nil
	})
	if err != nil {
		t.Fatalf("a.WithSolo(): %v", err)
	}

	if !soloRan {
		t.Fatalf("a.WithSolo() did not run fn")
	}

	if a.IsSolo() {
		t.Fatalf("a.IsSolo() = true after WithSolo returned")
	}

	// While a peer's attempted solo overlaps with another active solo it must
	// block; drive it through a goroutine with a short timeout budget and
	// assert it eventually fails with ErrTimeout rather than corrupting state.
	blocked := make(chan error, 1)

	err = a.WithSolo(true, func() error {
		go func() {
			blocked <- b.WithSolo(true, func() error { return nil })
		}()

		time.Sleep(250 * time.Millisecond)

		return nil
	})
	if err != nil {
		t.Fatalf("a.WithSolo() (second): %v", err)
	}

	select {
	case err := <-blocked:
		if !errors.Is(err, ErrTimeout) && err != nil {
			t.Fatalf("b.WithSolo() while a is solo: err = %v, want ErrTimeout or nil (if it raced past a's release)", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("b.WithSolo() never returned")
	}
}

func Test_RunLevelLock_SetLevel_Rejects_Unknown_Level(t *testing.T) {
	t.Parallel()

	base := filepath.Join(t.TempDir(), "run")

	r, err := NewRunLevelLock(base, testRunLevelConfig(), RunLevelCallbacks{})
	if err != nil {
		t.Fatalf("NewRunLevelLock: %v", err)
	}

	if err := r.Enter(); err != nil {
		t.Fatalf("Enter(): %v", err)
	}
	defer func() { _ = r.Exit() }()

	if err := r.SetLevel("nonexistent"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("SetLevel(unknown): err = %v, want ErrInvalidConfig", err)
	}
}

func Test_RunLevelLock_UpdateMaxCounts_Rejects_Lowering_While_Locked(t *testing.T) {
	t.Parallel()

	base := filepath.Join(t.TempDir(), "run")

	r, err := NewRunLevelLock(base, testRunLevelConfig(), RunLevelCallbacks{})
	if err != nil {
		t.Fatalf("NewRunLevelLock: %v", err)
	}

	if err := r.Enter(); err != nil {
		t.Fatalf("Enter(): %v", err)
	}
	defer func() { _ = r.Exit() }()

	if err := r.SetLevel(levelLow); err != nil {
		t.Fatalf("SetLevel(low): %v", err)
	}

	err = r.UpdateMaxCounts(map[RunLevel]int{levelLow: 1}, false)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("UpdateMaxCounts lowering a held level: err = %v, want ErrInvalidState", err)
	}

	if err := r.UpdateMaxCounts(map[RunLevel]int{levelLow: 1}, true); err != nil {
		t.Fatalf("UpdateMaxCounts with allowLowerWhileLocked=true: %v", err)
	}
}

func Test_RunLevelLock_WouldBlock_Detects_Full_Intermediate_Level(t *testing.T) {
	t.Parallel()

	base := filepath.Join(t.TempDir(), "run")
	cfg := testRunLevelConfig()
	cfg.Levels[2].MaxCount = 1 // levelHigh capped at 1

	a, err := NewRunLevelLock(base, cfg, RunLevelCallbacks{})
	if err != nil {
		t.Fatalf("NewRunLevelLock(a): %v", err)
	}

	b, err := NewRunLevelLock(base, cfg, RunLevelCallbacks{})
	if err != nil {
		t.Fatalf("NewRunLevelLock(b): %v", err)
	}

	if err := a.Enter(); err != nil {
		t.Fatalf("a.Enter(): %v", err)
	}
	defer func() { _ = a.Exit() }()

	if err := a.SetLevel(levelHigh); err != nil {
		t.Fatalf("a.SetLevel(high): %v", err)
	}

	if err := b.Enter(); err != nil {
		t.Fatalf("b.Enter(): %v", err)
	}
	defer func() { _ = b.Exit() }()

	blocked, err := b.WouldBlock(levelHigh)
	if err != nil {
		t.Fatalf("b.WouldBlock(high): %v", err)
	}

	if !blocked {
		t.Fatalf("b.WouldBlock(high) = false while a holds the only slot, want true")
	}
}

func Test_NewRunLevelLock_Rejects_Solo_Threshold_Below_Running_Threshold(t *testing.T) {
	t.Parallel()

	cfg := testRunLevelConfig()
	cfg.RunningThreshold = levelMid
	cfg.SoloThreshold = levelLow

	_, err := NewRunLevelLock(filepath.Join(t.TempDir(), "run"), cfg, RunLevelCallbacks{})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func Test_RunLevelLock_SetLevel_Rolls_Back_Partial_Escalation_On_Failure(t *testing.T) {
	t.Parallel()

	base := filepath.Join(t.TempDir(), "run")
	cfg := testRunLevelConfig()
	cfg.Levels[0].MaxCount = 2 // low: room for both peers
	cfg.Levels[1].MaxCount = 1 // mid: only one peer fits

	blocker, err := NewRunLevelLock(base, cfg, RunLevelCallbacks{})
	require.NoError(t, err)

	require.NoError(t, blocker.Enter())
	defer func() { _ = blocker.Exit() }()

	require.NoError(t, blocker.SetLevel(levelMid))

	r, err := NewRunLevelLock(base, cfg, RunLevelCallbacks{})
	require.NoError(t, err)

	require.NoError(t, r.Enter())
	defer func() { _ = r.Exit() }()

	// r can acquire low (room for 2) but mid is already full, so the
	// ascending escalation must fail on mid and roll the low acquisition
	// it just made back out before returning.
	err = r.SetLevel(levelMid)
	require.ErrorIs(t, err, ErrTimeout)

	require.Equal(t, levelBase, r.CurrentLevel())

	count, _, err := r.LevelStatus(levelLow)
	require.NoError(t, err)
	require.Equal(t, 1, count, "failed escalation must release the low-level entry it acquired")
}

func Test_RunLevelLock_SetLevel_Restores_Running_After_Failed_Escalation(t *testing.T) {
	t.Parallel()

	base := filepath.Join(t.TempDir(), "run")
	cfg := testRunLevelConfig()
	cfg.Levels[1].MaxCount = 1 // mid: only one peer fits

	blocker, err := NewRunLevelLock(base, cfg, RunLevelCallbacks{})
	require.NoError(t, err)

	require.NoError(t, blocker.Enter())
	defer func() { _ = blocker.Exit() }()

	require.NoError(t, blocker.SetLevel(levelMid))

	r, err := NewRunLevelLock(base, cfg, RunLevelCallbacks{})
	require.NoError(t, err)

	require.NoError(t, r.Enter())
	defer func() { _ = r.Exit() }()

	require.NoError(t, r.SetLevel(levelLow))
	require.True(t, r.Running(), "Running() should be true at the low (running-threshold) level")

	// Escalating to high must pass through mid, which blocker already fills;
	// setIlevel released running up front and must restore it before
	// returning, since r's rolled-back level (low) is still at/above the
	// running threshold.
	err = r.SetLevel(levelHigh)
	require.ErrorIs(t, err, ErrTimeout)

	require.Equal(t, levelLow, r.CurrentLevel())
	require.True(t, r.Running(), "Running() must still be true after a failed escalation that started above the running threshold")
}

func Test_RunLevelLock_WithSolo_Restores_Running_After_Failed_Ensure_Level(t *testing.T) {
	t.Parallel()

	base := filepath.Join(t.TempDir(), "run")
	cfg := testRunLevelConfig()
	cfg.Levels[1].MaxCount = 1 // mid: only one peer fits

	blocker, err := NewRunLevelLock(base, cfg, RunLevelCallbacks{})
	require.NoError(t, err)

	require.NoError(t, blocker.Enter())
	defer func() { _ = blocker.Exit() }()

	require.NoError(t, blocker.SetLevel(levelMid))

	r, err := NewRunLevelLock(base, cfg, RunLevelCallbacks{})
	require.NoError(t, err)

	require.NoError(t, r.Enter())
	defer func() { _ = r.Exit() }()

	require.NoError(t, r.SetLevel(levelLow))
	require.True(t, r.Running())

	// WithSolo(ensureLevel=true) must escalate r from low past mid to reach
	// the solo threshold (high); mid is already full, so the escalation
	// fails and WithSolo must restore running (released up front) before
	// returning, since r's level (still low) is at/above the running
	// threshold.
	ranFn := false

	err = r.WithSolo(true, func() error {
		ranFn = true

		return nil
	})
	require.ErrorIs(t, err, ErrTimeout)
	require.False(t, ranFn)
	require.True(t, r.Running(), "Running() must be restored after a failed WithSolo ensure-level escalation")
}

func Test_RunLevelLock_SoloPending_False_While_Holding_Solo_Itself(t *testing.T) {
	t.Parallel()

	base := filepath.Join(t.TempDir(), "run")

	r, err := NewRunLevelLock(base, testRunLevelConfig(), RunLevelCallbacks{})
	require.NoError(t, err)

	require.NoError(t, r.Enter())
	defer func() { _ = r.Exit() }()

	err = r.WithSolo(true, func() error {
		require.False(t, r.SoloPending(), "SoloPending() must be false for the instance that itself holds solo")

		return nil
	})
	require.NoError(t, err)
}

func Test_RunLevelLock_LevelStatus_Reports_Count_And_Cap(t *testing.T) {
	t.Parallel()

	base := filepath.Join(t.TempDir(), "run")

	r, err := NewRunLevelLock(base, testRunLevelConfig(), RunLevelCallbacks{})
	if err != nil {
		t.Fatalf("NewRunLevelLock: %v", err)
	}

	if err := r.Enter(); err != nil {
		t.Fatalf("Enter(): %v", err)
	}
	defer func() { _ = r.Exit() }()

	if err := r.SetLevel(levelLow); err != nil {
		t.Fatalf("SetLevel(low): %v", err)
	}

	count, cap, err := r.LevelStatus(levelLow)
	if err != nil {
		t.Fatalf("LevelStatus(low): %v", err)
	}

	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}

	if cap != 5 {
		t.Fatalf("cap = %d, want 5", cap)
	}
}
