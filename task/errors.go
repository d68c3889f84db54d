package task

import "errors"

// Sentinel errors produced by the state machine (C3) and propagated by
// callers per spec.md §7.
var (
	// ErrIllegalTransition means (from, to) is not in the legal-transitions set.
	ErrIllegalTransition = errors.New("illegal transition")

	// ErrVersionConflict means the caller's expected_version did not match
	// the task's current version.
	ErrVersionConflict = errors.New("version conflict")

	// ErrDependencyNotSatisfied means entering ready was attempted while a
	// dependency is not yet done.
	ErrDependencyNotSatisfied = errors.New("dependency not satisfied")

	// ErrMissingPrerequisite means a state-specific precondition was not met
	// (queued needs a stream message id, in_progress needs a worker id,
	// review needs a result payload, done needs a QA-accept result).
	ErrMissingPrerequisite = errors.New("missing prerequisite")

	// ErrInvalidProjectState means a project lifecycle operation (finalize,
	// complete) was attempted from a status it doesn't apply to.
	ErrInvalidProjectState = errors.New("invalid project state")
)
