// Package registry implements the Worker Registry (C4): registration-token
// redemption, heartbeat-driven liveness, and capability-matched worker
// selection for the Dispatcher.
package registry

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/foreman/store"
	"github.com/c360studio/foreman/task"
)

// LivenessCutoff is the heartbeat age past which a worker is derived as
// offline (spec.md §5 "liveness cutoff: 60s").
const LivenessCutoff = 60 * time.Second

// ErrNoEligibleWorker is returned by Select when no idle worker's
// capability set is a superset of the requested set.
var ErrNoEligibleWorker = errors.New("no eligible worker")

// ErrInvalidSecret is returned by Heartbeat when the presented secret does
// not match the worker's stored hash.
var ErrInvalidSecret = errors.New("invalid worker secret")

// Registry is the C4 component: it owns no scheduling logic of its own,
// only worker identity, liveness, and selection, backed by the Durable
// Store for persistence exactly as the teacher routes all state through a
// single store instance rather than keeping a private cache of record.
type Registry struct {
	store store.Store
	now   func() time.Time
}

// New returns a Registry backed by s. now defaults to time.Now; tests may
// override it for deterministic liveness checks.
func New(s store.Store) *Registry {
	return &Registry{store: s, now: time.Now}
}

// Directive tells a heartbeating worker to stop accepting new work and
// hand back what it has, analogous to a TERM signal at the application
// level.
type Directive string

const (
	DirectiveNone  Directive = ""
	DirectiveDrain Directive = "drain"
)

// RegisterInput is the body of a registration request.
type RegisterInput struct {
	Token        string
	Name         string
	Platform     string
	Executor     string
	Capabilities map[string]string
}

// Register validates token, marks it consumed atomically, and creates the
// Worker record. It returns the new worker's id and a bearer secret the
// worker must present on every subsequent call.
func (r *Registry) Register(ctx context.Context, in RegisterInput) (workerID, workerSecret string, err error) {
	workerID = uuid.New().String()

	if _, err = r.store.ConsumeRegistrationToken(ctx, in.Token, workerID, r.now()); err != nil {
		return "", "", err
	}

	secret, err := newSecret()
	if err != nil {
		return "", "", fmt.Errorf("generate worker secret: %w", err)
	}

	w := &task.Worker{
		ID:            workerID,
		Name:          in.Name,
		Platform:      in.Platform,
		Executor:      in.Executor,
		Capabilities:  in.Capabilities,
		SecretHash:    hashSecret(secret),
		RegisteredAt:  r.now(),
		LastHeartbeat: r.now(),
	}
	if err := r.store.CreateWorker(ctx, w); err != nil {
		return "", "", err
	}

	return workerID, secret, nil
}

// HeartbeatResult is the response to a worker's heartbeat call.
type HeartbeatResult struct {
	Status        task.WorkerStatus
	PendingTasks  int
	CurrentTaskID string
	Directive     Directive
}

// Heartbeat authenticates (workerID, secret), updates last_heartbeat, and
// reports the worker's current assignment. It is the only mechanism by
// which an offline worker returns to idle, per spec.md §4.4.
func (r *Registry) Heartbeat(ctx context.Context, workerID, secret string, pendingTasks int) (HeartbeatResult, error) {
	w, err := r.store.GetWorker(ctx, workerID)
	if err != nil {
		return HeartbeatResult{}, err
	}
	if w.SecretHash != hashSecret(secret) {
		return HeartbeatResult{}, ErrInvalidSecret
	}

	w.LastHeartbeat = r.now()
	if err := r.store.UpdateWorker(ctx, w); err != nil {
		return HeartbeatResult{}, err
	}

	result := HeartbeatResult{
		Status:        deriveStatus(w, r.now()),
		PendingTasks:  pendingTasks,
		CurrentTaskID: w.CurrentTaskID,
	}

	if w.CurrentTaskID != "" {
		t, err := r.store.GetTask(ctx, w.CurrentTaskID)
		if err == nil && t.Status != task.StatusInProgress && t.Status != task.StatusQueued {
			result.Directive = DirectiveDrain
		}
	}

	return result, nil
}

// AssignTask records that workerID is now executing taskID. It is the
// only write site for task.Worker.CurrentTaskID on the assignment side;
// deriveStatus reads the field back to report busy, so Select never hands
// the same worker a second task before it finishes the first.
func (r *Registry) AssignTask(ctx context.Context, workerID, taskID string) error {
	w, err := r.store.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	w.CurrentTaskID = taskID
	return r.store.UpdateWorker(ctx, w)
}

// ReleaseWorker clears workerID's current assignment so it is eligible for
// Select again, per the data model's "busy iff current_task_id is set"
// invariant. Called when a dispatch reservation is rolled back and when a
// task reaches done or rejected.
func (r *Registry) ReleaseWorker(ctx context.Context, workerID string) error {
	w, err := r.store.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	if w.CurrentTaskID == "" {
		return nil
	}
	w.CurrentTaskID = ""
	return r.store.UpdateWorker(ctx, w)
}

// DeriveStatus exposes the read-time liveness computation for callers
// outside the registry (the board snapshot, the PM's worker view) that
// need a worker's status without going through Heartbeat or Select.
func (r *Registry) DeriveStatus(w *task.Worker) task.WorkerStatus {
	return deriveStatus(w, r.now())
}

// deriveStatus computes liveness on read: never persisted, per spec.md §4.4.
func deriveStatus(w *task.Worker, now time.Time) task.WorkerStatus {
	if now.Sub(w.LastHeartbeat) > LivenessCutoff {
		return task.WorkerOffline
	}
	if w.CurrentTaskID != "" {
		return task.WorkerBusy
	}
	return task.WorkerIdle
}

// Select returns an idle worker whose capability set is a superset of
// required (an empty required set matches any worker). Ties are broken by
// longest-idle (earliest LastHeartbeat among idle candidates), so load is
// spread rather than piling onto the same worker repeatedly.
func (r *Registry) Select(ctx context.Context, required map[string]string) (*task.Worker, error) {
	workers, err := r.store.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}

	now := r.now()
	var best *task.Worker
	for _, w := range workers {
		if deriveStatus(w, now) != task.WorkerIdle {
			continue
		}
		if !hasCapabilities(w.Capabilities, required) {
			continue
		}
		if best == nil || w.LastHeartbeat.Before(best.LastHeartbeat) {
			best = w
		}
	}

	if best == nil {
		return nil, ErrNoEligibleWorker
	}
	return best, nil
}

func hasCapabilities(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func newSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// hashSecret avoids storing worker bearer secrets in the clear, the same
// posture the teacher takes with registration tokens in model/registry.go.
func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
