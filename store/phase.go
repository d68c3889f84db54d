package store

import (
	"context"

	"github.com/c360studio/foreman/task"
)

// PropagatePhaseCompletion moves every active phase of projectID whose
// tasks have all reached a terminal status (done or rejected, with no task
// still queued for retry) to completed. Called both by the ingester right
// after a task lands on a terminal status and by the project-complete HTTP
// handler, so the two paths never disagree about when a phase is done —
// grounded in the teacher's plan-status CanTransitionTo gating in
// workflow/structure.go, generalized here from plan status to phase status.
func PropagatePhaseCompletion(ctx context.Context, s Store, projectID string) error {
	phases, err := s.ListPhasesByProject(ctx, projectID)
	if err != nil {
		return err
	}
	tasks, err := s.ListTasksByProject(ctx, projectID)
	if err != nil {
		return err
	}

	byPhase := make(map[string][]*task.Task)
	for _, t := range tasks {
		byPhase[t.PhaseID] = append(byPhase[t.PhaseID], t)
	}

	for _, p := range phases {
		if p.Status != task.PhaseActive {
			continue
		}
		tasksInPhase := byPhase[p.ID]
		if len(tasksInPhase) == 0 {
			continue
		}
		allTerminal := true
		for _, t := range tasksInPhase {
			if t.Status != task.StatusDone && t.Status != task.StatusRejected {
				allTerminal = false
				break
			}
		}
		if allTerminal {
			p.Status = task.PhaseCompleted
			if err := s.UpdatePhase(ctx, p); err != nil {
				return err
			}
		}
	}
	return nil
}
