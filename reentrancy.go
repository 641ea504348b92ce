package syslock

// reentrancyHarness implements the re-entrant enter/exit counting shared by
// [ExecutionLock], [ExecutionCLock], and [RunLevelLock] (spec.md §4.7): the
// first enter on an unlocked instance performs the real acquire, nested
// enters merely bump a counter, and only the outermost exit performs the
// real release.
//
// Not safe for concurrent use - callers already serialize access to the
// enclosing lock value per the package's single-threaded-per-process
// concurrency model.
type reentrancyHarness struct {
	enterCount int
	entering   bool
	exiting    bool
}

// locked reports whether this instance currently considers itself entered,
// i.e. whether a release is owed.
func (h *reentrancyHarness) locked() bool {
	return h.enterCount > 0
}

// enter runs acquire only on the outermost call. A call to enter made while
// an enter is already in flight on this same harness (i.e. from inside
// acquire itself) is a recursive super-call and runs acquire directly,
// bypassing the counter - see spec.md §4.7's "do not re-trigger the
// harness" rule.
func (h *reentrancyHarness) enter(acquire func() error) error {
	if h.entering {
		return acquire()
	}

	if h.enterCount > 0 {
		h.enterCount++

		return nil
	}

	h.entering = true
	err := acquire()
	h.entering = false

	if err != nil {
		return err
	}

	h.enterCount++

	return nil
}

// exit runs release only on the outermost call (enterCount dropping to 0).
// Calling exit with nothing entered is a no-op. As with enter, a call made
// from inside release itself bypasses the counter.
func (h *reentrancyHarness) exit(release func() error) error {
	if h.exiting {
		return release()
	}

	if h.enterCount == 0 {
		return nil
	}

	if h.enterCount > 1 {
		h.enterCount--

		return nil
	}

	h.exiting = true
	err := release()
	h.exiting = false

	if err != nil {
		return err
	}

	h.enterCount--

	return nil
}
