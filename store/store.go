package store

import (
	"context"
	"time"

	"github.com/c360studio/foreman/task"
)

// Store is the Durable Store (C1): the single source of truth for
// projects, phases, tasks, the transition audit log, and worker
// registration. Every task mutation goes through ApplyTransition, which
// enforces the caller's expected_version with a true compare-and-set
// against the backing revision, not merely a check-then-write.
type Store interface {
	// CreateProject persists a project, its phases, and its initial task
	// batch as a single all-or-nothing unit. Tasks are validated for DAG
	// acyclicity before anything is written. Each task's initial Status is
	// task.NewWaitingOrReady of its DependsOn.
	CreateProject(ctx context.Context, project *task.Project, phases []*task.Phase, tasks []*task.Task) error

	GetProject(ctx context.Context, id string) (*task.Project, error)
	UpdateProject(ctx context.Context, project *task.Project) error
	ListProjects(ctx context.Context) ([]*task.Project, error)

	GetPhase(ctx context.Context, id string) (*task.Phase, error)
	ListPhasesByProject(ctx context.Context, projectID string) ([]*task.Phase, error)
	UpdatePhase(ctx context.Context, phase *task.Phase) error

	GetTask(ctx context.Context, id string) (*task.Task, error)
	ListTasksByProject(ctx context.Context, projectID string) ([]*task.Task, error)
	ListTasksByStatus(ctx context.Context, projectID string, statuses ...task.Status) ([]*task.Task, error)
	CountTasksByStatus(ctx context.Context, projectID string) (map[task.Status]int, error)

	// ApplyTransition loads the current task, invokes task.Transition with
	// in.ExpectedVersion already validated against the loaded copy, and
	// writes the result back with a revision-guarded compare-and-set. A
	// concurrent writer racing between the load and the write surfaces as
	// task.ErrVersionConflict exactly as a stale caller-supplied version
	// would, regardless of which one reaches the backing revision first.
	ApplyTransition(ctx context.Context, taskID string, in task.TransitionInput) (*task.Task, task.TransitionRecord, error)

	ListTransitions(ctx context.Context, taskID string) ([]task.TransitionRecord, error)

	CreateRegistrationToken(ctx context.Context, tok *task.RegistrationToken) error
	ConsumeRegistrationToken(ctx context.Context, token, workerID string, now time.Time) (*task.RegistrationToken, error)

	CreateWorker(ctx context.Context, w *task.Worker) error
	GetWorker(ctx context.Context, id string) (*task.Worker, error)
	UpdateWorker(ctx context.Context, w *task.Worker) error
	ListWorkers(ctx context.Context) ([]*task.Worker, error)
}
