package store

import (
	"context"

	"github.com/c360studio/foreman/task"
)

// PropagateDependencyReady re-evaluates every task that lists completedTaskID
// in its depends_on: if all of a dependent's dependencies are now done, it is
// moved waiting -> ready. Called by the ingester immediately after a task
// lands on done, per spec.md §4.3 ("entering done triggers re-evaluation of
// every task that lists this task in its depends_on"); also safe to call
// from any other site that drives a task to done, since it is a no-op for a
// project with no waiting dependents left to unblock.
func PropagateDependencyReady(ctx context.Context, s Store, projectID, completedTaskID string) error {
	tasks, err := s.ListTasksByProject(ctx, projectID)
	if err != nil {
		return err
	}

	graph, err := task.NewDependencyGraph(tasks)
	if err != nil {
		return err
	}

	byID := make(map[string]*task.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	for _, dependentID := range graph.Dependents(completedTaskID) {
		dependent, ok := byID[dependentID]
		if !ok || dependent.Status != task.StatusWaiting {
			continue
		}

		depStatuses := make(map[string]task.Status, len(dependent.DependsOn))
		allDone := true
		for _, depID := range dependent.DependsOn {
			dep, ok := byID[depID]
			if !ok || dep.Status != task.StatusDone {
				allDone = false
			}
			if ok {
				depStatuses[depID] = dep.Status
			}
		}
		if !allDone {
			continue
		}

		if _, _, err := s.ApplyTransition(ctx, dependent.ID, task.TransitionInput{
			To:                 task.StatusReady,
			Actor:              task.ActorSystem,
			ExpectedVersion:    dependent.Version,
			DependencyStatuses: depStatuses,
		}); err != nil {
			return err
		}
	}

	return nil
}
