package task

import "sort"

// legalTransitions is the complete set of (from, to) pairs allowed by
// spec.md §4.3's state diagram. It is consulted before any state-specific
// precondition is evaluated.
var legalTransitions = map[Status]map[Status]bool{
	StatusWaiting: {
		StatusReady:   true,
		StatusBlocked: true,
	},
	StatusReady: {
		StatusQueued:  true,
		StatusBlocked: true,
	},
	StatusQueued: {
		StatusInProgress: true,
		// A dispatcher that reserved a task (ready -> queued) but failed to
		// publish the assignment must be able to release it back to ready
		// without ever having touched in_progress.
		StatusReady: true,
	},
	StatusInProgress: {
		StatusReview:   true,
		StatusRejected: true,
	},
	StatusReview: {
		StatusDone:     true,
		StatusRejected: true,
	},
	StatusRejected: {
		StatusReady: true,
	},
	StatusBlocked: {
		StatusReady: true,
	},
}

// CanTransitionTo reports whether the pair (s, target) is a legal
// transition per the state diagram. It does not evaluate dependency or
// version preconditions — callers use Transition for the full contract.
func (s Status) CanTransitionTo(target Status) bool {
	targets, ok := legalTransitions[s]
	if !ok {
		return false
	}
	return targets[target]
}

// IsTerminal reports whether s admits no further transitions. done is the
// only terminal status; rejected can still retry to ready.
func (s Status) IsTerminal() bool {
	return s == StatusDone
}

// IsValid reports whether s is one of the defined statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusWaiting, StatusReady, StatusQueued, StatusInProgress,
		StatusReview, StatusDone, StatusRejected, StatusBlocked:
		return true
	default:
		return false
	}
}

// IsValid reports whether p is one of the defined priorities.
func (p Priority) IsValid() bool {
	return p.weight() >= 0
}

// SortReady orders tasks by the tie-break rule in spec.md's Glossary:
// (priority desc, created_at asc, id asc). It sorts in place.
func SortReady(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if wa, wb := a.Priority.weight(), b.Priority.weight(); wa != wb {
			return wa > wb
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
