package store

import (
	"context"
	"testing"
	"time"

	"github.com/c360studio/foreman/task"
)

func TestPropagateDependencyReady_LinearUnblocksDependent(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	now := time.Now()
	tasks := []*task.Task{
		{ID: "a", ProjectID: "p1", CreatedAt: now},
		{ID: "b", ProjectID: "p1", DependsOn: []string{"a"}, CreatedAt: now},
	}
	if err := s.CreateProject(ctx, &task.Project{ID: "p1", Status: task.ProjectActive, CreatedAt: now}, nil, tasks); err != nil {
		t.Fatalf("seed: %v", err)
	}

	b, err := s.GetTask(ctx, "b")
	if err != nil {
		t.Fatalf("get b: %v", err)
	}
	if b.Status != task.StatusWaiting {
		t.Fatalf("expected b to start waiting, got %s", b.Status)
	}

	driveTaskToDone(t, s, "a")

	if err := PropagateDependencyReady(ctx, s, "p1", "a"); err != nil {
		t.Fatalf("PropagateDependencyReady: %v", err)
	}

	b, err = s.GetTask(ctx, "b")
	if err != nil {
		t.Fatalf("get b: %v", err)
	}
	if b.Status != task.StatusReady {
		t.Fatalf("expected b to become ready, got %s", b.Status)
	}
}

func TestPropagateDependencyReady_FanOutWaitsForAllDependencies(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	now := time.Now()
	tasks := []*task.Task{
		{ID: "a", ProjectID: "p1", CreatedAt: now},
		{ID: "b", ProjectID: "p1", DependsOn: []string{"a"}, CreatedAt: now},
		{ID: "c", ProjectID: "p1", DependsOn: []string{"a"}, CreatedAt: now},
		{ID: "d", ProjectID: "p1", DependsOn: []string{"b", "c"}, CreatedAt: now},
	}
	if err := s.CreateProject(ctx, &task.Project{ID: "p1", Status: task.ProjectActive, CreatedAt: now}, nil, tasks); err != nil {
		t.Fatalf("seed: %v", err)
	}

	driveTaskToDone(t, s, "a")
	if err := PropagateDependencyReady(ctx, s, "p1", "a"); err != nil {
		t.Fatalf("PropagateDependencyReady: %v", err)
	}

	b, err := s.GetTask(ctx, "b")
	if err != nil {
		t.Fatalf("get b: %v", err)
	}
	if b.Status != task.StatusReady {
		t.Fatalf("expected b ready, got %s", b.Status)
	}
	c, err := s.GetTask(ctx, "c")
	if err != nil {
		t.Fatalf("get c: %v", err)
	}
	if c.Status != task.StatusReady {
		t.Fatalf("expected c ready, got %s", c.Status)
	}

	// d still waits on b and c; only a's completion was propagated so far.
	d, err := s.GetTask(ctx, "d")
	if err != nil {
		t.Fatalf("get d: %v", err)
	}
	if d.Status != task.StatusWaiting {
		t.Fatalf("expected d to remain waiting, got %s", d.Status)
	}
}

func TestPropagateDependencyReady_NoDependentsIsNoop(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	now := time.Now()
	tasks := []*task.Task{
		{ID: "a", ProjectID: "p1", CreatedAt: now},
	}
	if err := s.CreateProject(ctx, &task.Project{ID: "p1", Status: task.ProjectActive, CreatedAt: now}, nil, tasks); err != nil {
		t.Fatalf("seed: %v", err)
	}

	driveTaskToDone(t, s, "a")

	if err := PropagateDependencyReady(ctx, s, "p1", "a"); err != nil {
		t.Fatalf("PropagateDependencyReady: %v", err)
	}
}
