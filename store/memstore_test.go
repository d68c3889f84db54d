package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/c360studio/foreman/task"
)

func newProject(id string) *task.Project {
	return &task.Project{ID: id, Name: "p", Status: task.ProjectActive, CreatedAt: time.Now()}
}

func TestMemStore_CreateProject_RejectsCycle(t *testing.T) {
	s := NewMemStore()
	tasks := []*task.Task{
		{ID: "a", ProjectID: "p1", DependsOn: []string{"b"}, CreatedAt: time.Now()},
		{ID: "b", ProjectID: "p1", DependsOn: []string{"a"}, CreatedAt: time.Now()},
	}

	err := s.CreateProject(context.Background(), newProject("p1"), nil, tasks)
	if !errors.Is(err, ErrCyclicDependency) {
		t.Fatalf("expected ErrCyclicDependency, got %v", err)
	}

	if _, err := s.GetProject(context.Background(), "p1"); !errors.Is(err, ErrNotFound) {
		t.Fatal("rejected batch must not leave a partial project behind")
	}
}

func TestMemStore_CreateProject_SetsInitialStatus(t *testing.T) {
	s := NewMemStore()
	tasks := []*task.Task{
		{ID: "a", ProjectID: "p1", CreatedAt: time.Now()},
		{ID: "b", ProjectID: "p1", DependsOn: []string{"a"}, CreatedAt: time.Now()},
	}

	if err := s.CreateProject(context.Background(), newProject("p1"), nil, tasks); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a, err := s.GetTask(context.Background(), "a")
	if err != nil {
		t.Fatalf("get a: %v", err)
	}
	if a.Status != task.StatusReady {
		t.Errorf("task with no deps should start ready, got %s", a.Status)
	}

	b, err := s.GetTask(context.Background(), "b")
	if err != nil {
		t.Fatalf("get b: %v", err)
	}
	if b.Status != task.StatusWaiting {
		t.Errorf("task with a dep should start waiting, got %s", b.Status)
	}
}

func TestMemStore_ApplyTransition_VersionConflict(t *testing.T) {
	s := NewMemStore()
	tasks := []*task.Task{{ID: "a", ProjectID: "p1", CreatedAt: time.Now()}}
	if err := s.CreateProject(context.Background(), newProject("p1"), nil, tasks); err != nil {
		t.Fatalf("create project: %v", err)
	}

	in := task.TransitionInput{To: task.StatusQueued, ExpectedVersion: 1, StreamMessageID: "m1", WorkerID: "w1"}

	if _, _, err := s.ApplyTransition(context.Background(), "a", in); err != nil {
		t.Fatalf("first transition: %v", err)
	}

	// Same expected_version applied twice must be rejected as a conflict,
	// not silently re-applied.
	_, _, err := s.ApplyTransition(context.Background(), "a", in)
	if !errors.Is(err, task.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestMemStore_ApplyTransition_RecordsAuditTrail(t *testing.T) {
	s := NewMemStore()
	tasks := []*task.Task{{ID: "a", ProjectID: "p1", CreatedAt: time.Now()}}
	if err := s.CreateProject(context.Background(), newProject("p1"), nil, tasks); err != nil {
		t.Fatalf("create project: %v", err)
	}

	_, _, err := s.ApplyTransition(context.Background(), "a", task.TransitionInput{
		To: task.StatusQueued, ExpectedVersion: 1, StreamMessageID: "m1", WorkerID: "w1",
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}

	recs, err := s.ListTransitions(context.Background(), "a")
	if err != nil {
		t.Fatalf("list transitions: %v", err)
	}
	if len(recs) != 1 || recs[0].From != task.StatusReady || recs[0].To != task.StatusQueued {
		t.Fatalf("unexpected transitions: %+v", recs)
	}
}

func TestMemStore_ConsumeRegistrationToken(t *testing.T) {
	s := NewMemStore()
	tok := &task.RegistrationToken{Token: "tok1", CreatedAt: time.Now()}
	if err := s.CreateRegistrationToken(context.Background(), tok); err != nil {
		t.Fatalf("create token: %v", err)
	}

	if _, err := s.ConsumeRegistrationToken(context.Background(), "tok1", "w1", time.Now()); err != nil {
		t.Fatalf("consume: %v", err)
	}

	_, err := s.ConsumeRegistrationToken(context.Background(), "tok1", "w2", time.Now())
	if !errors.Is(err, ErrTokenAlreadyUsed) {
		t.Fatalf("expected ErrTokenAlreadyUsed, got %v", err)
	}
}

func TestMemStore_ConsumeRegistrationToken_Expired(t *testing.T) {
	s := NewMemStore()
	past := time.Now().Add(-time.Hour)
	tok := &task.RegistrationToken{Token: "tok1", CreatedAt: time.Now().Add(-2 * time.Hour), ExpiresAt: &past}
	if err := s.CreateRegistrationToken(context.Background(), tok); err != nil {
		t.Fatalf("create token: %v", err)
	}

	_, err := s.ConsumeRegistrationToken(context.Background(), "tok1", "w1", time.Now())
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestMemStore_CountTasksByStatus(t *testing.T) {
	s := NewMemStore()
	tasks := []*task.Task{
		{ID: "a", ProjectID: "p1", CreatedAt: time.Now()},
		{ID: "b", ProjectID: "p1", DependsOn: []string{"a"}, CreatedAt: time.Now()},
		{ID: "c", ProjectID: "p1", CreatedAt: time.Now()},
	}
	if err := s.CreateProject(context.Background(), newProject("p1"), nil, tasks); err != nil {
		t.Fatalf("create project: %v", err)
	}

	counts, err := s.CountTasksByStatus(context.Background(), "p1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[task.StatusReady] != 2 || counts[task.StatusWaiting] != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
}
