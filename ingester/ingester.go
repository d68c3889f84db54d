// Package ingester implements the Result Ingester (C7): a long-running
// consumer of worker results that maps each result kind to the matching
// task transition and applies it through the state machine and store.
package ingester

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/foreman/board"
	"github.com/c360studio/foreman/registry"
	"github.com/c360studio/foreman/store"
	"github.com/c360studio/foreman/streamqueue"
	"github.com/c360studio/foreman/task"
)

// maxApplyAttempts bounds the re-read-and-retry loop on VersionConflict,
// per spec.md §4.7 step 4.
const maxApplyAttempts = 3

// janitorInterval and staleIdle implement spec.md §5's pending sweep.
const (
	janitorInterval = 30 * time.Second
	staleIdleMs     = 60_000
)

// ResultMessage is the wire payload consumed from tasks:results, per
// spec.md §6.
type ResultMessage struct {
	TaskID          string          `json:"task_id"`
	WorkerID        string          `json:"worker_id"`
	WorkerSecret    string          `json:"worker_secret"`
	Kind            string          `json:"kind"`
	Payload         json.RawMessage `json:"payload"`
	ExpectedVersion int             `json:"expected_version"`
	Timestamp       time.Time       `json:"ts"`
}

type submittedPayload struct {
	CommitHash string `json:"commit_hash"`
	BranchName string `json:"branch_name"`
	OutputPath string `json:"output_path"`
}

type qaPayload struct {
	QAResult json.RawMessage `json:"qa_result"`
}

type errorPayload struct {
	ErrorMessage string `json:"error_message"`
}

// Ingester is the C7 component.
type Ingester struct {
	store    store.Store
	queue    streamqueue.Queue
	registry *registry.Registry
	board    *board.Board
	logger   *slog.Logger
	consumer string
}

// New returns an Ingester. consumerName identifies this process's claim on
// the ingesters consumer group (distinct per replica).
func New(s store.Store, q streamqueue.Queue, reg *registry.Registry, b *board.Board, logger *slog.Logger, consumerName string) *Ingester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{store: s, queue: q, registry: reg, board: b, logger: logger, consumer: consumerName}
}

// Run is the long-running consume loop. It blocks until ctx is cancelled.
func (ig *Ingester) Run(ctx context.Context) error {
	if err := ig.queue.EnsureGroup(ctx, streamqueue.ResultsStream, streamqueue.GroupIngesters, streamqueue.StartAll); err != nil {
		return fmt.Errorf("ensure ingesters group: %w", err)
	}

	janitor := time.NewTicker(janitorInterval)
	defer janitor.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-janitor.C:
			ig.sweepPending(ctx)
		default:
			msgs, err := ig.queue.Consume(ctx, streamqueue.ResultsStream, streamqueue.GroupIngesters, ig.consumer, 10, 1000)
			if err != nil {
				ig.logger.Error("consume failed", "error", err)
				continue
			}
			for _, m := range msgs {
				ig.handle(ctx, m)
			}
		}
	}
}

// sweepPending reassigns any message whose idle time exceeds staleIdleMs
// onto this consumer, per spec.md §4.7's janitor.
func (ig *Ingester) sweepPending(ctx context.Context) {
	pending, err := ig.queue.Pending(ctx, streamqueue.ResultsStream, streamqueue.GroupIngesters)
	if err != nil {
		ig.logger.Error("janitor: pending failed", "error", err)
		return
	}

	var staleIDs []string
	for _, p := range pending {
		if p.IdleMs > staleIdleMs {
			staleIDs = append(staleIDs, p.ID)
		}
	}
	if len(staleIDs) == 0 {
		return
	}

	claimed, err := ig.queue.Claim(ctx, streamqueue.ResultsStream, streamqueue.GroupIngesters, ig.consumer, staleIdleMs, staleIDs)
	if err != nil {
		ig.logger.Error("janitor: claim failed", "error", err)
		return
	}
	ig.logger.Info("janitor reclaimed stale messages", "count", len(claimed))
	for _, m := range claimed {
		ig.handle(ctx, m)
	}
}

func (ig *Ingester) handle(ctx context.Context, m streamqueue.Message) {
	var result ResultMessage
	if err := json.Unmarshal(m.Payload, &result); err != nil {
		ig.logger.Error("malformed result message, dead-lettering", "error", err)
		ig.deadLetter(ctx, m, "malformed payload")
		_ = ig.queue.Ack(ctx, streamqueue.ResultsStream, streamqueue.GroupIngesters, m.ID)
		return
	}

	if _, err := ig.registry.Heartbeat(ctx, result.WorkerID, result.WorkerSecret, 0); err != nil {
		ig.logger.Warn("result from unverifiable worker, dropping", "worker_id", result.WorkerID, "error", err)
		_ = ig.queue.Ack(ctx, streamqueue.ResultsStream, streamqueue.GroupIngesters, m.ID)
		return
	}

	in, err := buildTransition(result)
	if err != nil {
		ig.logger.Error("unrecognized result kind, dead-lettering", "kind", result.Kind, "error", err)
		ig.deadLetter(ctx, m, err.Error())
		_ = ig.queue.Ack(ctx, streamqueue.ResultsStream, streamqueue.GroupIngesters, m.ID)
		return
	}

	applied, record, err := ig.applyWithRetry(ctx, result.TaskID, in)
	switch {
	case err == nil:
		ig.board.Publish(applied.ProjectID, board.Event{
			Event:  board.EventTaskMoved,
			TaskID: applied.ID,
			From:   record.From,
			To:     record.To,
			Task:   applied,
		})
		if record.To == task.StatusDone {
			if err := store.PropagateDependencyReady(ctx, ig.store, applied.ProjectID, applied.ID); err != nil {
				ig.logger.Warn("dependency ready propagation failed", "project_id", applied.ProjectID, "task_id", applied.ID, "error", err)
			}
		}
		if record.To == task.StatusDone || record.To == task.StatusRejected {
			if result.WorkerID != "" {
				if err := ig.registry.ReleaseWorker(ctx, result.WorkerID); err != nil {
					ig.logger.Warn("release worker failed", "worker_id", result.WorkerID, "error", err)
				}
			}
			if err := store.PropagatePhaseCompletion(ctx, ig.store, applied.ProjectID); err != nil {
				ig.logger.Warn("phase completion propagation failed", "project_id", applied.ProjectID, "error", err)
			}
		}
		_ = ig.queue.Ack(ctx, streamqueue.ResultsStream, streamqueue.GroupIngesters, m.ID)

	case errors.Is(err, task.ErrVersionConflict):
		ig.logger.Warn("lost update: persistent version conflict", "task_id", result.TaskID)
		_ = ig.queue.Ack(ctx, streamqueue.ResultsStream, streamqueue.GroupIngesters, m.ID)

	case errors.Is(err, task.ErrIllegalTransition), errors.Is(err, task.ErrMissingPrerequisite):
		ig.deadLetter(ctx, m, err.Error())
		_ = ig.queue.Ack(ctx, streamqueue.ResultsStream, streamqueue.GroupIngesters, m.ID)

	case errors.Is(err, store.ErrStoreUnavailable):
		// Do not ack: let the message redeliver once the store recovers.
		ig.logger.Error("store unavailable, leaving message pending", "task_id", result.TaskID, "error", err)

	default:
		ig.logger.Error("unexpected ingest error, leaving message pending", "task_id", result.TaskID, "error", err)
	}
}

func (ig *Ingester) applyWithRetry(ctx context.Context, taskID string, in task.TransitionInput) (*task.Task, task.TransitionRecord, error) {
	var lastErr error
	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		applied, record, err := ig.store.ApplyTransition(ctx, taskID, in)
		if err == nil {
			return applied, record, nil
		}
		if !errors.Is(err, task.ErrVersionConflict) {
			return nil, task.TransitionRecord{}, err
		}
		lastErr = err

		// Re-read to tell a lost write race (version still the one the
		// message expects, worth retrying) from a stale message (version
		// has moved on). The message's own expected version is never
		// replaced, so a stale result is not applied.
		current, getErr := ig.store.GetTask(ctx, taskID)
		if getErr != nil {
			return nil, task.TransitionRecord{}, getErr
		}
		if current.Version != in.ExpectedVersion {
			break
		}
	}
	return nil, task.TransitionRecord{}, lastErr
}

// DeadLetterEntry is the wire shape published to tasks.dlq, shared with the
// dlq inspection command so it doesn't have to guess the field layout.
type DeadLetterEntry struct {
	Reason     string          `json:"reason"`
	Payload    json.RawMessage `json:"payload"`
	OriginalID string          `json:"original_id"`
}

func (ig *Ingester) deadLetter(ctx context.Context, m streamqueue.Message, reason string) {
	entry := DeadLetterEntry{Reason: reason, Payload: json.RawMessage(m.Payload), OriginalID: m.ID}
	data, err := json.Marshal(entry)
	if err != nil {
		ig.logger.Error("marshal dead letter entry failed", "error", err)
		return
	}
	if _, err := ig.queue.Publish(ctx, streamqueue.DeadLetterStream, data); err != nil {
		ig.logger.Error("publish to dead letter stream failed", "error", err)
	}
}

// buildTransition maps a result kind to the TransitionInput named in
// spec.md §4.7 step 3.
func buildTransition(r ResultMessage) (task.TransitionInput, error) {
	in := task.TransitionInput{
		Actor:           task.WorkerActor(r.WorkerID),
		ExpectedVersion: r.ExpectedVersion,
		WorkerID:        r.WorkerID,
	}

	switch r.Kind {
	case "started":
		in.To = task.StatusInProgress

	case "submitted":
		var p submittedPayload
		if err := json.Unmarshal(r.Payload, &p); err != nil {
			return task.TransitionInput{}, fmt.Errorf("unmarshal submitted payload: %w", err)
		}
		in.To = task.StatusReview
		in.CommitHash = p.CommitHash
		in.BranchName = p.BranchName
		in.OutputPath = p.OutputPath
		in.ResultPayload = &task.Payload{Kind: "submitted", Body: r.Payload}

	case "qa_accept":
		var p qaPayload
		if err := json.Unmarshal(r.Payload, &p); err != nil {
			return task.TransitionInput{}, fmt.Errorf("unmarshal qa_accept payload: %w", err)
		}
		in.To = task.StatusDone
		in.QAResult = &task.Payload{Kind: "qa_accept", Body: p.QAResult}

	case "qa_reject":
		var p qaPayload
		if err := json.Unmarshal(r.Payload, &p); err != nil {
			return task.TransitionInput{}, fmt.Errorf("unmarshal qa_reject payload: %w", err)
		}
		in.To = task.StatusRejected
		in.QAResult = &task.Payload{Kind: "qa_reject", Body: p.QAResult}

	case "error":
		var p errorPayload
		if err := json.Unmarshal(r.Payload, &p); err != nil {
			return task.TransitionInput{}, fmt.Errorf("unmarshal error payload: %w", err)
		}
		in.To = task.StatusRejected
		in.ErrorMessage = p.ErrorMessage

	default:
		return task.TransitionInput{}, fmt.Errorf("unknown result kind %q", r.Kind)
	}

	return in, nil
}
