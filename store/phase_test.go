package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/c360studio/foreman/task"
)

// driveTaskToDone walks taskID through ready -> queued -> in_progress ->
// review -> done, the only route the state machine allows into a terminal
// done status.
func driveTaskToDone(t *testing.T, s Store, taskID string) {
	t.Helper()
	ctx := context.Background()

	if _, _, err := s.ApplyTransition(ctx, taskID, task.TransitionInput{
		To: task.StatusQueued, Actor: task.ActorPM, ExpectedVersion: 1, StreamMessageID: "m1",
	}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if _, _, err := s.ApplyTransition(ctx, taskID, task.TransitionInput{
		To: task.StatusInProgress, Actor: task.ActorSystem, ExpectedVersion: 2, WorkerID: "w1",
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, _, err := s.ApplyTransition(ctx, taskID, task.TransitionInput{
		To: task.StatusReview, Actor: task.WorkerActor("w1"), ExpectedVersion: 3,
		ResultPayload: &task.Payload{Kind: "submitted", Body: json.RawMessage(`{}`)},
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, _, err := s.ApplyTransition(ctx, taskID, task.TransitionInput{
		To: task.StatusDone, Actor: task.ActorSystem, ExpectedVersion: 4,
		QAResult: &task.Payload{Kind: "qa_accept"},
	}); err != nil {
		t.Fatalf("accept: %v", err)
	}
}

// driveTaskToRejected walks taskID through ready -> queued -> in_progress ->
// rejected (a worker-reported error), the shortest legal route to rejected.
func driveTaskToRejected(t *testing.T, s Store, taskID string) {
	t.Helper()
	ctx := context.Background()

	if _, _, err := s.ApplyTransition(ctx, taskID, task.TransitionInput{
		To: task.StatusQueued, Actor: task.ActorPM, ExpectedVersion: 1, StreamMessageID: "m2",
	}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if _, _, err := s.ApplyTransition(ctx, taskID, task.TransitionInput{
		To: task.StatusInProgress, Actor: task.ActorSystem, ExpectedVersion: 2, WorkerID: "w2",
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, _, err := s.ApplyTransition(ctx, taskID, task.TransitionInput{
		To: task.StatusRejected, Actor: task.WorkerActor("w2"), ExpectedVersion: 3,
		ErrorMessage: "build failed",
	}); err != nil {
		t.Fatalf("reject: %v", err)
	}
}

func TestPropagatePhaseCompletion_MarksPhaseDoneWhenAllTasksTerminal(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	now := time.Now()
	phase := &task.Phase{ID: "ph1", ProjectID: "p1", Ordinal: 1, Status: task.PhaseActive, CreatedAt: now}
	tasks := []*task.Task{
		{ID: "t1", ProjectID: "p1", PhaseID: "ph1", CreatedAt: now},
		{ID: "t2", ProjectID: "p1", PhaseID: "ph1", CreatedAt: now},
	}
	if err := s.CreateProject(ctx, &task.Project{ID: "p1", Status: task.ProjectActive, CreatedAt: now}, []*task.Phase{phase}, tasks); err != nil {
		t.Fatalf("seed: %v", err)
	}

	driveTaskToDone(t, s, "t1")
	driveTaskToRejected(t, s, "t2")

	if err := PropagatePhaseCompletion(ctx, s, "p1"); err != nil {
		t.Fatalf("PropagatePhaseCompletion: %v", err)
	}

	got, err := s.GetPhase(ctx, "ph1")
	if err != nil {
		t.Fatalf("get phase: %v", err)
	}
	if got.Status != task.PhaseCompleted {
		t.Fatalf("expected phase completed, got %s", got.Status)
	}
}

func TestPropagatePhaseCompletion_LeavesPhaseActiveWithOutstandingTask(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	now := time.Now()
	phase := &task.Phase{ID: "ph1", ProjectID: "p1", Ordinal: 1, Status: task.PhaseActive, CreatedAt: now}
	tasks := []*task.Task{
		{ID: "t1", ProjectID: "p1", PhaseID: "ph1", CreatedAt: now},
		{ID: "t2", ProjectID: "p1", PhaseID: "ph1", CreatedAt: now},
	}
	if err := s.CreateProject(ctx, &task.Project{ID: "p1", Status: task.ProjectActive, CreatedAt: now}, []*task.Phase{phase}, tasks); err != nil {
		t.Fatalf("seed: %v", err)
	}

	driveTaskToDone(t, s, "t1")
	// t2 is left at its initial ready status: still outstanding.

	if err := PropagatePhaseCompletion(ctx, s, "p1"); err != nil {
		t.Fatalf("PropagatePhaseCompletion: %v", err)
	}

	got, err := s.GetPhase(ctx, "ph1")
	if err != nil {
		t.Fatalf("get phase: %v", err)
	}
	if got.Status != task.PhaseActive {
		t.Fatalf("expected phase to remain active, got %s", got.Status)
	}
}
