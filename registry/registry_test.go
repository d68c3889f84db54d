package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/c360studio/foreman/store"
	"github.com/c360studio/foreman/task"
)

func TestRegister_ConsumesTokenAndCreatesWorker(t *testing.T) {
	s := store.NewMemStore()
	ctx := context.Background()

	if err := s.CreateRegistrationToken(ctx, &task.RegistrationToken{Token: "tok1", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("seed token: %v", err)
	}

	r := New(s)
	workerID, secret, err := r.Register(ctx, RegisterInput{Token: "tok1", Name: "w1", Platform: "linux"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if workerID == "" || secret == "" {
		t.Fatal("expected non-empty worker id and secret")
	}

	w, err := s.GetWorker(ctx, workerID)
	if err != nil {
		t.Fatalf("get worker: %v", err)
	}
	if w.SecretHash == secret {
		t.Fatal("secret must not be stored in the clear")
	}

	_, _, err = r.Register(ctx, RegisterInput{Token: "tok1", Name: "w2"})
	if !errors.Is(err, store.ErrTokenAlreadyUsed) {
		t.Fatalf("expected ErrTokenAlreadyUsed on duplicate consumption, got %v", err)
	}
}

func TestHeartbeat_ReturnsOfflineToIdle(t *testing.T) {
	s := store.NewMemStore()
	ctx := context.Background()

	if err := s.CreateRegistrationToken(ctx, &task.RegistrationToken{Token: "tok1", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("seed token: %v", err)
	}

	clock := time.Now()
	r := New(s)
	r.now = func() time.Time { return clock }

	workerID, secret, err := r.Register(ctx, RegisterInput{Token: "tok1", Name: "w1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	clock = clock.Add(2 * time.Minute) // past LivenessCutoff
	selected, err := r.Select(ctx, nil)
	if !errors.Is(err, ErrNoEligibleWorker) || selected != nil {
		t.Fatalf("expected no eligible worker while stale, got %v %v", selected, err)
	}

	if _, err := r.Heartbeat(ctx, workerID, secret, 0); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	w, err := r.Select(ctx, nil)
	if err != nil {
		t.Fatalf("select after heartbeat: %v", err)
	}
	if w.ID != workerID {
		t.Fatalf("expected %s to be selectable after heartbeat, got %s", workerID, w.ID)
	}
}

func TestSelect_RequiresCapabilitySuperset(t *testing.T) {
	s := store.NewMemStore()
	ctx := context.Background()
	r := New(s)

	if err := s.CreateWorker(ctx, &task.Worker{
		ID: "w1", LastHeartbeat: time.Now(), Capabilities: map[string]string{"lang": "go"},
	}); err != nil {
		t.Fatalf("seed worker: %v", err)
	}

	if _, err := r.Select(ctx, map[string]string{"lang": "rust"}); !errors.Is(err, ErrNoEligibleWorker) {
		t.Fatalf("expected ErrNoEligibleWorker for mismatched capability, got %v", err)
	}

	w, err := r.Select(ctx, map[string]string{"lang": "go"})
	if err != nil {
		t.Fatalf("expected matching worker, got error %v", err)
	}
	if w.ID != "w1" {
		t.Fatalf("expected w1, got %s", w.ID)
	}
}

func TestAssignTaskAndReleaseWorker(t *testing.T) {
	s := store.NewMemStore()
	ctx := context.Background()
	r := New(s)

	if err := s.CreateWorker(ctx, &task.Worker{ID: "w1", LastHeartbeat: time.Now()}); err != nil {
		t.Fatalf("seed worker: %v", err)
	}

	if _, err := r.Select(ctx, nil); err != nil {
		t.Fatalf("expected w1 selectable while idle, got %v", err)
	}

	if err := r.AssignTask(ctx, "w1", "t1"); err != nil {
		t.Fatalf("assign task: %v", err)
	}
	if _, err := r.Select(ctx, nil); !errors.Is(err, ErrNoEligibleWorker) {
		t.Fatalf("expected w1 to be busy after assignment, got %v", err)
	}

	if err := r.ReleaseWorker(ctx, "w1"); err != nil {
		t.Fatalf("release worker: %v", err)
	}
	w, err := r.Select(ctx, nil)
	if err != nil {
		t.Fatalf("expected w1 selectable after release, got %v", err)
	}
	if w.ID != "w1" {
		t.Fatalf("expected w1, got %s", w.ID)
	}
}

func TestSelect_SkipsBusyWorkers(t *testing.T) {
	s := store.NewMemStore()
	ctx := context.Background()
	r := New(s)

	if err := s.CreateWorker(ctx, &task.Worker{ID: "w1", LastHeartbeat: time.Now(), CurrentTaskID: "t1"}); err != nil {
		t.Fatalf("seed worker: %v", err)
	}

	if _, err := r.Select(ctx, nil); !errors.Is(err, ErrNoEligibleWorker) {
		t.Fatalf("expected ErrNoEligibleWorker for busy worker, got %v", err)
	}
}
