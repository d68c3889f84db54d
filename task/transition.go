package task

import (
	"fmt"
	"time"
)

// TransitionInput carries everything the pure Transition function needs to
// validate and apply a proposed state change. It never touches a store or
// a queue; the caller (C1) applies the returned mutation atomically.
type TransitionInput struct {
	To              Status
	Actor           Actor
	Reason          string
	ExpectedVersion int

	// DependencyStatuses maps every id in the task's DependsOn to its
	// current Status, as observed by the caller. Required when entering
	// StatusReady.
	DependencyStatuses map[string]Status

	// StreamMessageID is the assignment message id to stage. Required when
	// entering StatusQueued.
	StreamMessageID string

	// WorkerID is the worker to assign. Required when entering
	// StatusInProgress; also staged by the Dispatcher's reservation into
	// StatusQueued ahead of the worker's pull.
	WorkerID string

	// ResultPayload is the worker's submitted result. Required (non-empty)
	// when entering StatusReview.
	ResultPayload *Payload

	// QAResult is the QA verdict. Required when entering StatusDone, and
	// must have Kind "qa_accept"; entering StatusRejected from StatusReview
	// carries Kind "qa_reject".
	QAResult *Payload

	// OutputPath, CommitHash, BranchName are recorded when entering
	// StatusReview (the worker's "submitted" result).
	OutputPath string
	CommitHash string
	BranchName string

	// ErrorMessage is recorded when entering StatusRejected from
	// StatusInProgress (the worker's "error" result).
	ErrorMessage string

	// Now overrides the wall clock; nil uses time.Now(). Tests pass a fixed
	// instant so recorded timestamps are deterministic.
	Now *time.Time
}

func (in *TransitionInput) now() time.Time {
	if in.Now != nil {
		return *in.Now
	}
	return time.Now()
}

// Transition validates a proposed (task.Status -> in.To) change against the
// expected version, the legal-transitions set, and the state-specific
// preconditions in spec.md §4.3, in that order. Checking the version first
// makes a stale or repeated request report ErrVersionConflict even when the
// pair it names is not legal from the current status. On success it returns a
// new *Task (the caller's task is never mutated in place) and the
// TransitionRecord to append; it performs no I/O.
func Transition(current *Task, in TransitionInput) (*Task, TransitionRecord, error) {
	var zero TransitionRecord

	if current.Version != in.ExpectedVersion {
		return nil, zero, fmt.Errorf("%w: expected version %d, current %d", ErrVersionConflict, in.ExpectedVersion, current.Version)
	}

	if !current.Status.CanTransitionTo(in.To) {
		return nil, zero, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, current.Status, in.To)
	}

	if err := checkPrerequisites(current, in); err != nil {
		return nil, zero, err
	}

	now := in.now()
	next := *current
	next.Status = in.To
	next.Version = current.Version + 1
	next.UpdatedAt = now

	switch in.To {
	case StatusQueued:
		next.StreamMessageID = in.StreamMessageID
		if in.WorkerID != "" {
			next.AssignedWorkerID = in.WorkerID
		}
	case StatusInProgress:
		next.AssignedWorkerID = in.WorkerID
		if next.StartedAt == nil {
			next.StartedAt = &now
		}
	case StatusReview:
		next.ReviewerID = ""
		if in.OutputPath != "" {
			next.OutputPath = in.OutputPath
		}
		if in.CommitHash != "" {
			next.CommitHash = in.CommitHash
		}
		if in.BranchName != "" {
			next.BranchName = in.BranchName
		}
	case StatusDone:
		next.QAResult = in.QAResult
		next.CompletedAt = &now
		next.AssignedWorkerID = ""
		next.StreamMessageID = ""
	case StatusRejected:
		if in.QAResult != nil {
			next.QAResult = in.QAResult
		}
		if in.ErrorMessage != "" {
			next.ErrorMessage = in.ErrorMessage
		}
		next.AssignedWorkerID = ""
		next.StreamMessageID = ""
	case StatusReady:
		// Re-entering ready (fresh, retried, or unblocked) clears any stale
		// assignment bookkeeping from a prior attempt.
		next.StreamMessageID = ""
	}

	record := TransitionRecord{
		TaskID:          current.ID,
		From:            current.Status,
		To:              in.To,
		Actor:           in.Actor,
		Reason:          in.Reason,
		Timestamp:       now,
		StreamMessageID: in.StreamMessageID,
	}

	return &next, record, nil
}

// checkPrerequisites enforces the state-specific requirements named in
// spec.md §4.3's "Validation order" (c).
func checkPrerequisites(current *Task, in TransitionInput) error {
	switch in.To {
	case StatusReady:
		for _, depID := range current.DependsOn {
			if in.DependencyStatuses[depID] != StatusDone {
				return fmt.Errorf("%w: dependency %s is not done", ErrDependencyNotSatisfied, depID)
			}
		}
	case StatusQueued:
		if in.StreamMessageID == "" {
			return fmt.Errorf("%w: queued requires an assigned stream message id", ErrMissingPrerequisite)
		}
	case StatusInProgress:
		if in.WorkerID == "" {
			return fmt.Errorf("%w: in_progress requires an assigned worker id", ErrMissingPrerequisite)
		}
	case StatusReview:
		if in.ResultPayload == nil || in.ResultPayload.IsEmpty() {
			return fmt.Errorf("%w: review requires a non-empty result payload", ErrMissingPrerequisite)
		}
	case StatusDone:
		if in.QAResult == nil || in.QAResult.Kind != "qa_accept" {
			return fmt.Errorf("%w: done requires a QA-accept result", ErrMissingPrerequisite)
		}
	}
	return nil
}

// NewWaitingOrReady builds the initial status for a freshly created task:
// ready if it has zero dependencies, waiting otherwise (spec.md §8 boundary
// behavior).
func NewWaitingOrReady(dependsOn []string) Status {
	if len(dependsOn) == 0 {
		return StatusReady
	}
	return StatusWaiting
}
