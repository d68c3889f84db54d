// Package task defines the core entities and the pure state-machine logic
// that govern how a task moves from waiting to done under dependency,
// version, and locking rules.
package task

import (
	"encoding/json"
	"time"
)

// ProjectStatus is the lifecycle state of a Project.
type ProjectStatus string

const (
	ProjectDesign    ProjectStatus = "design"
	ProjectActive    ProjectStatus = "active"
	ProjectPaused    ProjectStatus = "paused"
	ProjectCompleted ProjectStatus = "completed"
)

// Project is the top-level container produced by the Architect session's
// finalize step. It owns Phases.
type Project struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Description    string        `json:"description"`
	RepositoryPath string        `json:"repository_path"`
	Status         ProjectStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// PhaseStatus is the lifecycle state of a Phase.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseActive    PhaseStatus = "active"
	PhaseCompleted PhaseStatus = "completed"
)

// Phase is a 1-based ordinal grouping of Tasks within a Project.
type Phase struct {
	ID          string      `json:"id"`
	ProjectID   string      `json:"project_id"`
	Ordinal     int         `json:"ordinal"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	BranchName  string      `json:"branch_name"`
	Status      PhaseStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Status is the lifecycle state of a Task, per spec.md §4.3.
type Status string

const (
	StatusWaiting     Status = "waiting"
	StatusReady       Status = "ready"
	StatusQueued      Status = "queued"
	StatusInProgress  Status = "in_progress"
	StatusReview      Status = "review"
	StatusDone        Status = "done"
	StatusRejected    Status = "rejected"
	StatusBlocked     Status = "blocked"
)

// Priority orders ready tasks for dispatch; Critical beats High beats
// Medium beats Low.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// weight returns a comparable rank for tie-break ordering; higher sorts first.
func (p Priority) weight() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 0
	default:
		return -1
	}
}

// Payload is an opaque tagged variant used for worker prompts, QA prompts,
// and QA results, so the state machine never has to know their structure.
// This mirrors semspec's message.Type tagging, generalized to a bag that
// is JSON at rest in the store.
type Payload struct {
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body,omitempty"`
}

// IsEmpty reports whether the payload carries no body.
func (p Payload) IsEmpty() bool {
	return len(p.Body) == 0
}

// Task is the unit of work dispatched to a worker.
type Task struct {
	ID          string   `json:"id"`
	ProjectID   string   `json:"project_id"`
	PhaseID     string   `json:"phase_id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Priority    Priority `json:"priority"`
	Status      Status   `json:"status"`

	// Version is incremented by exactly 1 on every successful mutation.
	Version int `json:"version"`

	// DependsOn is the set of Task IDs in the same project that must reach
	// StatusDone before this task may leave StatusWaiting.
	DependsOn []string `json:"depends_on,omitempty"`

	WorkerPrompt Payload `json:"worker_prompt"`
	QAPrompt     Payload `json:"qa_prompt"`

	AssignedWorkerID string   `json:"assigned_worker_id,omitempty"`
	ReviewerID       string   `json:"reviewer_id,omitempty"`
	BranchName       string   `json:"branch_name,omitempty"`
	CommitHash       string   `json:"commit_hash,omitempty"`
	QAResult         *Payload `json:"qa_result,omitempty"`
	OutputPath       string   `json:"output_path,omitempty"`
	ErrorMessage     string   `json:"error_message,omitempty"`

	// StreamMessageID is the open assignment message id on
	// tasks:assign:<project_id>, set while Status is one of
	// {queued, in_progress, review} and cleared on exit.
	StreamMessageID string `json:"stream_message_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// WorkerStatus is the derived liveness/assignment state of a Worker.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerOffline WorkerStatus = "offline"
)

// Worker is a registered executor process.
type Worker struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Platform         string            `json:"platform"`
	Executor         string            `json:"executor"`
	Capabilities     map[string]string `json:"capabilities,omitempty"`
	SecretHash       string            `json:"secret_hash"`
	RegisteredAt     time.Time         `json:"registered_at"`
	LastHeartbeat    time.Time         `json:"last_heartbeat"`
	CurrentTaskID    string            `json:"current_task_id,omitempty"`
}

// RegistrationToken is a single-use bearer credential consumed at
// worker registration.
type RegistrationToken struct {
	Token       string     `json:"token"`
	DisplayName string     `json:"display_name,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Revoked     bool       `json:"revoked"`
	ConsumedBy  string     `json:"consumed_by,omitempty"`
	ConsumedAt  *time.Time `json:"consumed_at,omitempty"`
}

// Actor identifies who requested a transition.
type Actor string

const (
	ActorPM     Actor = "pm"
	ActorUser   Actor = "user"
	ActorSystem Actor = "system"
)

// WorkerActor builds the "worker:<id>" actor string for a transition record.
func WorkerActor(workerID string) Actor {
	return Actor("worker:" + workerID)
}

// TransitionRecord is an append-only audit entry for a single transition.
type TransitionRecord struct {
	TaskID          string    `json:"task_id"`
	From            Status    `json:"from"`
	To              Status    `json:"to"`
	Actor           Actor     `json:"actor"`
	Reason          string    `json:"reason,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	StreamMessageID string    `json:"stream_message_id,omitempty"`
}
