package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/foreman/registry"
	"github.com/c360studio/foreman/store"
	"github.com/c360studio/foreman/streamqueue"
	"github.com/c360studio/foreman/task"
)

type fakeDispatcher struct {
	mu         sync.Mutex
	dispatched []string
	fail       error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, t *task.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.dispatched = append(f.dispatched, t.ID)
	return nil
}

func seedActiveProject(t *testing.T, s store.Store, projectID string, tasks []*task.Task) {
	t.Helper()
	proj := &task.Project{ID: projectID, Status: task.ProjectActive, CreatedAt: time.Now()}
	if err := s.CreateProject(context.Background(), proj, nil, tasks); err != nil {
		t.Fatalf("seed project: %v", err)
	}
}

func TestQueueNext_DispatchesReadyTasksInTieBreakOrder(t *testing.T) {
	s := store.NewMemStore()
	q := streamqueue.NewMemQueue()
	if err := q.EnsureGroup(context.Background(), streamqueue.ResultsStream, streamqueue.GroupIngesters, streamqueue.StartAll); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	now := time.Now()
	tasks := []*task.Task{
		{ID: "low", ProjectID: "p1", PhaseID: "ph-low", Priority: task.PriorityLow, CreatedAt: now},
		{ID: "critical", ProjectID: "p1", PhaseID: "ph-critical", Priority: task.PriorityCritical, CreatedAt: now},
	}
	seedActiveProject(t, s, "p1", tasks)

	disp := &fakeDispatcher{}
	o := New(s, q, registry.New(s), disp, nil, DefaultConfig())
	defer o.Shutdown(context.Background())

	if err := o.QueueNext(context.Background(), "p1"); err != nil {
		t.Fatalf("queue next: %v", err)
	}

	disp.mu.Lock()
	defer disp.mu.Unlock()
	if len(disp.dispatched) != 2 || disp.dispatched[0] != "critical" {
		t.Fatalf("expected critical dispatched first, got %v", disp.dispatched)
	}
}

func TestQueueNext_RespectsPerPhaseLimit(t *testing.T) {
	s := store.NewMemStore()
	q := streamqueue.NewMemQueue()
	if err := q.EnsureGroup(context.Background(), streamqueue.ResultsStream, streamqueue.GroupIngesters, streamqueue.StartAll); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	now := time.Now()
	tasks := []*task.Task{
		{ID: "a", ProjectID: "p1", PhaseID: "ph1", CreatedAt: now},
		{ID: "b", ProjectID: "p1", PhaseID: "ph1", CreatedAt: now.Add(time.Second)},
	}
	seedActiveProject(t, s, "p1", tasks)

	disp := &fakeDispatcher{}
	cfg := DefaultConfig()
	cfg.MaxInFlightPhase = 1
	o := New(s, q, registry.New(s), disp, nil, cfg)
	defer o.Shutdown(context.Background())

	if err := o.QueueNext(context.Background(), "p1"); err != nil {
		t.Fatalf("queue next: %v", err)
	}

	disp.mu.Lock()
	defer disp.mu.Unlock()
	if len(disp.dispatched) != 1 {
		t.Fatalf("expected only 1 dispatch under per-phase limit 1, got %v", disp.dispatched)
	}
}

func TestQueueNext_NoEligibleWorkerLeavesTaskReady(t *testing.T) {
	s := store.NewMemStore()
	q := streamqueue.NewMemQueue()
	if err := q.EnsureGroup(context.Background(), streamqueue.ResultsStream, streamqueue.GroupIngesters, streamqueue.StartAll); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	tasks := []*task.Task{{ID: "a", ProjectID: "p1", CreatedAt: time.Now()}}
	seedActiveProject(t, s, "p1", tasks)

	disp := &fakeDispatcher{fail: registry.ErrNoEligibleWorker}
	o := New(s, q, registry.New(s), disp, nil, DefaultConfig())
	defer o.Shutdown(context.Background())

	if err := o.QueueNext(context.Background(), "p1"); err != nil {
		t.Fatalf("queue next: %v", err)
	}

	tk, err := s.GetTask(context.Background(), "a")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if tk.Status != task.StatusReady {
		t.Fatalf("expected task to remain ready, got %s", tk.Status)
	}
}

func TestStart_RejectsProjectNotReady(t *testing.T) {
	s := store.NewMemStore()
	q := streamqueue.NewMemQueue()

	if err := s.CreateProject(context.Background(), &task.Project{ID: "p1", Status: task.ProjectDesign, CreatedAt: time.Now()}, nil, nil); err != nil {
		t.Fatalf("seed project: %v", err)
	}

	o := New(s, q, registry.New(s), &fakeDispatcher{}, nil, DefaultConfig())
	defer o.Shutdown(context.Background())

	err := o.Start(context.Background(), "p1")
	if !errors.Is(err, ErrProjectNotReady) {
		t.Fatalf("expected ErrProjectNotReady, got %v", err)
	}
}

func TestStart_IsIdempotentWhileRunning(t *testing.T) {
	s := store.NewMemStore()
	q := streamqueue.NewMemQueue()
	if err := s.CreateProject(context.Background(), &task.Project{ID: "p1", Status: task.ProjectPaused, CreatedAt: time.Now()}, nil, nil); err != nil {
		t.Fatalf("seed project: %v", err)
	}

	o := New(s, q, registry.New(s), &fakeDispatcher{}, nil, DefaultConfig())
	defer o.Shutdown(context.Background())

	if err := o.Start(context.Background(), "p1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := o.Start(context.Background(), "p1"); err != nil {
		t.Fatalf("second start should be a no-op, got %v", err)
	}

	st, err := o.Status(context.Background(), "p1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.Running {
		t.Fatal("expected loop to be running")
	}
}

func TestPause_StopsLoop(t *testing.T) {
	s := store.NewMemStore()
	q := streamqueue.NewMemQueue()
	if err := s.CreateProject(context.Background(), &task.Project{ID: "p1", Status: task.ProjectPaused, CreatedAt: time.Now()}, nil, nil); err != nil {
		t.Fatalf("seed project: %v", err)
	}

	o := New(s, q, registry.New(s), &fakeDispatcher{}, nil, DefaultConfig())
	defer o.Shutdown(context.Background())

	if err := o.Start(context.Background(), "p1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := o.Pause(context.Background(), "p1"); err != nil {
		t.Fatalf("pause: %v", err)
	}

	st, err := o.Status(context.Background(), "p1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Running {
		t.Fatal("expected loop to have stopped")
	}

	proj, err := s.GetProject(context.Background(), "p1")
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if proj.Status != task.ProjectPaused {
		t.Fatalf("expected project paused, got %s", proj.Status)
	}
}
