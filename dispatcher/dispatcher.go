// Package dispatcher implements the Dispatcher (C6): resolving a worker,
// reserving a task, and publishing its assignment onto the Stream Queue.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/c360studio/foreman/registry"
	"github.com/c360studio/foreman/store"
	"github.com/c360studio/foreman/streamqueue"
	"github.com/c360studio/foreman/task"
)

// maxReservationAttempts bounds the retry-on-VersionConflict loop named in
// spec.md §4.6 step 4.
const maxReservationAttempts = 3

// AssignmentMessage is the wire payload published to
// tasks:assign:<project_id>, per spec.md §6.
type AssignmentMessage struct {
	MessageID       string          `json:"message_id"`
	TaskID          string          `json:"task_id"`
	ProjectID       string          `json:"project_id"`
	WorkerID        string          `json:"worker_id"`
	AssignedAt      time.Time       `json:"assigned_at"`
	BranchName      string          `json:"branch_name"`
	WorkerPrompt    json.RawMessage `json:"worker_prompt"`
	QAPrompt        json.RawMessage `json:"qa_prompt"`
	ExpectedVersion int             `json:"expected_version"`
}

// Dispatcher is the C6 component.
type Dispatcher struct {
	store    store.Store
	queue    streamqueue.Queue
	registry *registry.Registry
	logger   *slog.Logger
	breaker  *gobreaker.CircuitBreaker
}

// New returns a Dispatcher. The circuit breaker wraps the reservation
// transition and the assignment publish, per spec.md §7's backoff policy:
// a burst of failures on those calls trips it open rather than hammering
// either dependency. The project, task and dependency reads and the
// rollback transition go to the store directly.
func New(s store.Store, q streamqueue.Queue, reg *registry.Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:    s,
		queue:    q,
		registry: reg,
		logger:   logger,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "dispatcher",
			MaxRequests: 1,
			Interval:    30 * time.Second,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Dispatch resolves a worker for t, mints the assignment's stream message
// id, reserves the task with an atomic ready→queued transition that
// records that id, and publishes the assignment. A VersionConflict on the reservation step
// means another dispatcher attempt won the task; this is retried up to
// maxReservationAttempts and then abandoned silently, per spec.md §4.6.
func (d *Dispatcher) Dispatch(ctx context.Context, t *task.Task) error {
	proj, err := d.store.GetProject(ctx, t.ProjectID)
	if err != nil {
		return err
	}
	if proj.Status != task.ProjectActive {
		return fmt.Errorf("project %s is not active", t.ProjectID)
	}

	worker, err := d.registry.Select(ctx, requiredCapabilities(t))
	if err != nil {
		return err
	}

	current := t
	for attempt := 0; attempt < maxReservationAttempts; attempt++ {
		// Mint the correlation id the published assignment will carry before
		// reserving, since entering StatusQueued requires a non-empty
		// stream message id already staged (spec.md §4.3's precondition for
		// queued). This collapses the spec's two-step "reserve, then record
		// the returned message id" into one atomic update: the id is known
		// up front, so there is nothing left to patch in afterward.
		msgID := uuid.New().String()

		reserved, _, err := d.applyWithBreaker(ctx, current.ID, task.TransitionInput{
			To:              task.StatusQueued,
			Actor:           task.ActorPM,
			ExpectedVersion: current.Version,
			WorkerID:        worker.ID,
			StreamMessageID: msgID,
		})
		if err != nil {
			if errors.Is(err, task.ErrVersionConflict) {
				current, err = d.store.GetTask(ctx, current.ID)
				if err != nil {
					return err
				}
				if current.Status != task.StatusReady {
					return nil // someone else already took it
				}
				continue
			}
			return err
		}

		if err := d.registry.AssignTask(ctx, worker.ID, reserved.ID); err != nil {
			d.logger.Error("record worker assignment failed", "task_id", reserved.ID, "worker_id", worker.ID, "error", err)
		}

		if err := d.publishAssignment(ctx, reserved, worker.ID, msgID); err != nil {
			d.rollbackToReady(ctx, reserved, worker.ID)
			return err
		}
		return nil
	}

	return nil
}

func (d *Dispatcher) publishAssignment(ctx context.Context, reserved *task.Task, workerID, msgID string) error {
	msg := AssignmentMessage{
		MessageID:       msgID,
		TaskID:          reserved.ID,
		ProjectID:       reserved.ProjectID,
		WorkerID:        workerID,
		AssignedAt:      time.Now(),
		BranchName:      reserved.BranchName,
		WorkerPrompt:    reserved.WorkerPrompt.Body,
		QAPrompt:        reserved.QAPrompt.Body,
		ExpectedVersion: reserved.Version,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal assignment: %w", err)
	}

	stream := streamqueue.AssignStream(reserved.ProjectID)
	if _, err := d.queueWithBreaker(ctx, stream, data); err != nil {
		return fmt.Errorf("%w: %v", streamqueue.ErrQueueUnavailable, err)
	}
	return nil
}

// rollbackToReady frees the worker reservation if publishing the
// assignment failed, per spec.md §4.6 step 3's "republish-noop and
// transition back to ready" rollback.
func (d *Dispatcher) rollbackToReady(ctx context.Context, reserved *task.Task, workerID string) {
	// Re-entering ready re-runs the dependency precondition, so dependency
	// statuses already satisfied once (that's how the task reached ready
	// before being reserved) must be supplied again.
	deps := make(map[string]task.Status, len(reserved.DependsOn))
	for _, depID := range reserved.DependsOn {
		dep, err := d.store.GetTask(ctx, depID)
		if err != nil {
			d.logger.Error("rollback to ready failed: resolve dependency", "task_id", reserved.ID, "dependency_id", depID, "error", err)
			return
		}
		deps[depID] = dep.Status
	}

	_, _, err := d.store.ApplyTransition(ctx, reserved.ID, task.TransitionInput{
		To:                 task.StatusReady,
		Actor:              task.ActorSystem,
		Reason:             "publish failed, releasing reservation",
		ExpectedVersion:    reserved.Version,
		DependencyStatuses: deps,
	})
	if err != nil {
		d.logger.Error("rollback to ready failed", "task_id", reserved.ID, "error", err)
	}

	if err := d.registry.ReleaseWorker(ctx, workerID); err != nil {
		d.logger.Error("release worker after rollback failed", "task_id", reserved.ID, "worker_id", workerID, "error", err)
	}
}

func (d *Dispatcher) applyWithBreaker(ctx context.Context, taskID string, in task.TransitionInput) (*task.Task, task.TransitionRecord, error) {
	var rec task.TransitionRecord
	result, err := d.breaker.Execute(func() (interface{}, error) {
		t, r, err := d.store.ApplyTransition(ctx, taskID, in)
		rec = r
		return t, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, rec, fmt.Errorf("%w: circuit open", store.ErrStoreUnavailable)
		}
		return nil, rec, err
	}
	return result.(*task.Task), rec, nil
}

func (d *Dispatcher) queueWithBreaker(ctx context.Context, stream string, payload []byte) (string, error) {
	result, err := d.breaker.Execute(func() (interface{}, error) {
		return d.queue.Publish(ctx, stream, payload)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("%w: circuit open", streamqueue.ErrQueueUnavailable)
		}
		return "", err
	}
	return result.(string), nil
}

// requiredCapabilities derives the capability set a task demands. Nothing
// in the current data model tags tasks with capability requirements, so
// this returns the empty set (matches any worker) until that is added.
func requiredCapabilities(t *task.Task) map[string]string {
	return nil
}
