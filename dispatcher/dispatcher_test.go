package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/c360studio/foreman/registry"
	"github.com/c360studio/foreman/store"
	"github.com/c360studio/foreman/streamqueue"
	"github.com/c360studio/foreman/task"
)

func setup(t *testing.T) (*Dispatcher, store.Store, *streamqueue.MemQueue) {
	t.Helper()
	s := store.NewMemStore()
	q := streamqueue.NewMemQueue()
	reg := registry.New(s)

	if err := s.CreateProject(context.Background(), &task.Project{ID: "p1", Status: task.ProjectActive, CreatedAt: time.Now()}, nil, nil); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	if err := s.CreateWorker(context.Background(), &task.Worker{ID: "w1", LastHeartbeat: time.Now()}); err != nil {
		t.Fatalf("seed worker: %v", err)
	}

	d := New(s, q, reg, nil)
	return d, s, q
}

func TestDispatch_ReservesAndPublishes(t *testing.T) {
	d, s, q := setup(t)
	if err := s.CreateProject(context.Background(), &task.Project{ID: "p2", Status: task.ProjectActive, CreatedAt: time.Now()}, nil, []*task.Task{
		{ID: "t1", ProjectID: "p2", CreatedAt: time.Now()},
	}); err != nil {
		t.Fatalf("seed task: %v", err)
	}

	tk, err := s.GetTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}

	if err := d.Dispatch(context.Background(), tk); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	updated, err := s.GetTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("get updated task: %v", err)
	}
	if updated.Status != task.StatusQueued {
		t.Fatalf("expected queued, got %s", updated.Status)
	}
	if updated.AssignedWorkerID != "w1" {
		t.Fatalf("expected worker w1 assigned, got %s", updated.AssignedWorkerID)
	}
	if updated.StreamMessageID == "" {
		t.Fatal("expected a stream message id to be recorded")
	}

	if err := q.EnsureGroup(context.Background(), streamqueue.AssignStream("p2"), streamqueue.GroupWorkers, streamqueue.StartAll); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	msgs, err := q.Consume(context.Background(), streamqueue.AssignStream("p2"), streamqueue.GroupWorkers, "w1", 10, 10)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 published assignment, got %d", len(msgs))
	}

	worker, err := s.GetWorker(context.Background(), "w1")
	if err != nil {
		t.Fatalf("get worker: %v", err)
	}
	if worker.CurrentTaskID != "t1" {
		t.Fatalf("expected worker to be marked busy with t1, got %q", worker.CurrentTaskID)
	}
}

func TestDispatch_BusyWorkerNotSelectedTwice(t *testing.T) {
	d, s, _ := setup(t)
	if err := s.CreateProject(context.Background(), &task.Project{ID: "p2", Status: task.ProjectActive, CreatedAt: time.Now()}, nil, []*task.Task{
		{ID: "t1", ProjectID: "p2", CreatedAt: time.Now()},
		{ID: "t2", ProjectID: "p2", CreatedAt: time.Now()},
	}); err != nil {
		t.Fatalf("seed tasks: %v", err)
	}

	t1, err := s.GetTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("get t1: %v", err)
	}
	if err := d.Dispatch(context.Background(), t1); err != nil {
		t.Fatalf("dispatch t1: %v", err)
	}

	t2, err := s.GetTask(context.Background(), "t2")
	if err != nil {
		t.Fatalf("get t2: %v", err)
	}
	if err := d.Dispatch(context.Background(), t2); !errors.Is(err, registry.ErrNoEligibleWorker) {
		t.Fatalf("expected second dispatch to find no eligible worker (w1 busy), got %v", err)
	}
}

func TestDispatch_NoEligibleWorker(t *testing.T) {
	s := store.NewMemStore()
	q := streamqueue.NewMemQueue()
	reg := registry.New(s)
	d := New(s, q, reg, nil)

	if err := s.CreateProject(context.Background(), &task.Project{ID: "p1", Status: task.ProjectActive, CreatedAt: time.Now()}, nil, []*task.Task{
		{ID: "t1", ProjectID: "p1", CreatedAt: time.Now()},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	tk, err := s.GetTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}

	err = d.Dispatch(context.Background(), tk)
	if !errors.Is(err, registry.ErrNoEligibleWorker) {
		t.Fatalf("expected ErrNoEligibleWorker, got %v", err)
	}
}

func TestDispatch_InactiveProjectRefused(t *testing.T) {
	d, s, _ := setup(t)
	if err := s.CreateProject(context.Background(), &task.Project{ID: "p3", Status: task.ProjectPaused, CreatedAt: time.Now()}, nil, []*task.Task{
		{ID: "t1", ProjectID: "p3", CreatedAt: time.Now()},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	tk, err := s.GetTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}

	if err := d.Dispatch(context.Background(), tk); err == nil {
		t.Fatal("expected dispatch to a paused project to fail")
	}
}
