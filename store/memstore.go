package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/c360studio/foreman/task"
)

// MemStore is an in-process Store used by component tests for the
// orchestrator, dispatcher, and ingester packages, and by anything else
// that wants C1 semantics without a running NATS server. It enforces the
// same compare-and-set and transactional-batch contracts as NATSStore.
type MemStore struct {
	mu sync.Mutex

	projects map[string]*task.Project
	phases   map[string]*task.Phase
	tasks    map[string]*task.Task
	versions map[string]uint64 // backing revision per task id, independent of task.Version

	transitions map[string][]task.TransitionRecord
	tokens      map[string]*task.RegistrationToken
	workers     map[string]*task.Worker
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		projects:    make(map[string]*task.Project),
		phases:      make(map[string]*task.Phase),
		tasks:       make(map[string]*task.Task),
		versions:    make(map[string]uint64),
		transitions: make(map[string][]task.TransitionRecord),
		tokens:      make(map[string]*task.RegistrationToken),
		workers:     make(map[string]*task.Worker),
	}
}

func (m *MemStore) CreateProject(ctx context.Context, project *task.Project, phases []*task.Phase, tasks []*task.Task) error {
	if _, err := task.NewDependencyGraph(tasks); err != nil {
		return fmt.Errorf("%w: %v", ErrCyclicDependency, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.projects[project.ID]; exists {
		return fmt.Errorf("project %s: %w", project.ID, ErrStoreUnavailable)
	}

	// Stage everything before committing so a validation failure partway
	// through the batch leaves no partial project behind.
	staged := make(map[string]*task.Task, len(tasks))
	for _, t := range tasks {
		cp := *t
		cp.Status = task.NewWaitingOrReady(t.DependsOn)
		cp.Version = 1
		staged[t.ID] = &cp
	}

	projCopy := *project
	m.projects[project.ID] = &projCopy

	for _, p := range phases {
		pc := *p
		m.phases[p.ID] = &pc
	}
	for id, t := range staged {
		m.tasks[id] = t
		m.versions[id] = 1
	}

	return nil
}

func (m *MemStore) GetProject(ctx context.Context, id string) (*task.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemStore) UpdateProject(ctx context.Context, project *task.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[project.ID]; !ok {
		return ErrNotFound
	}
	project.UpdatedAt = time.Now()
	cp := *project
	m.projects[project.ID] = &cp
	return nil
}

func (m *MemStore) ListProjects(ctx context.Context) ([]*task.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*task.Project, 0, len(m.projects))
	for _, p := range m.projects {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) GetPhase(ctx context.Context, id string) (*task.Phase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.phases[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemStore) ListPhasesByProject(ctx context.Context, projectID string) ([]*task.Phase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*task.Phase, 0)
	for _, p := range m.phases {
		if p.ProjectID == projectID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

func (m *MemStore) UpdatePhase(ctx context.Context, phase *task.Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.phases[phase.ID]; !ok {
		return ErrNotFound
	}
	phase.UpdatedAt = time.Now()
	cp := *phase
	m.phases[phase.ID] = &cp
	return nil
}

func (m *MemStore) GetTask(ctx context.Context, id string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemStore) ListTasksByProject(ctx context.Context, projectID string) ([]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*task.Task, 0)
	for _, t := range m.tasks {
		if t.ProjectID == projectID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) ListTasksByStatus(ctx context.Context, projectID string, statuses ...task.Status) ([]*task.Task, error) {
	want := make(map[task.Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*task.Task, 0)
	for _, t := range m.tasks {
		if t.ProjectID == projectID && want[t.Status] {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) CountTasksByStatus(ctx context.Context, projectID string) (map[task.Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[task.Status]int)
	for _, t := range m.tasks {
		if t.ProjectID == projectID {
			counts[t.Status]++
		}
	}
	return counts, nil
}

// ApplyTransition mutates the in-memory task under the store's lock, so the
// load-validate-write sequence is atomic with respect to other callers in
// the same process: no other goroutine can observe or write the task
// between the version check and the commit.
func (m *MemStore) ApplyTransition(ctx context.Context, taskID string, in task.TransitionInput) (*task.Task, task.TransitionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero task.TransitionRecord
	current, ok := m.tasks[taskID]
	if !ok {
		return nil, zero, ErrNotFound
	}

	next, record, err := task.Transition(current, in)
	if err != nil {
		return nil, zero, err
	}

	m.tasks[taskID] = next
	m.versions[taskID]++
	m.transitions[taskID] = append(m.transitions[taskID], record)

	cp := *next
	return &cp, record, nil
}

func (m *MemStore) ListTransitions(ctx context.Context, taskID string) ([]task.TransitionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.transitions[taskID]
	out := make([]task.TransitionRecord, len(recs))
	copy(out, recs)
	return out, nil
}

func (m *MemStore) CreateRegistrationToken(ctx context.Context, tok *task.RegistrationToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tokens[tok.Token]; exists {
		return fmt.Errorf("token already exists: %w", ErrStoreUnavailable)
	}
	cp := *tok
	m.tokens[tok.Token] = &cp
	return nil
}

func (m *MemStore) ConsumeRegistrationToken(ctx context.Context, token, workerID string, now time.Time) (*task.RegistrationToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok, ok := m.tokens[token]
	if !ok {
		return nil, ErrNotFound
	}
	if tok.ConsumedBy != "" {
		return nil, ErrTokenAlreadyUsed
	}
	if tok.Revoked || (tok.ExpiresAt != nil && now.After(*tok.ExpiresAt)) {
		return nil, ErrTokenExpired
	}

	tok.ConsumedBy = workerID
	tok.ConsumedAt = &now
	cp := *tok
	return &cp, nil
}

func (m *MemStore) CreateWorker(ctx context.Context, w *task.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.workers[w.ID]; exists {
		return fmt.Errorf("worker %s: %w", w.ID, ErrStoreUnavailable)
	}
	cp := *w
	m.workers[w.ID] = &cp
	return nil
}

func (m *MemStore) GetWorker(ctx context.Context, id string) (*task.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemStore) UpdateWorker(ctx context.Context, w *task.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workers[w.ID]; !ok {
		return ErrNotFound
	}
	cp := *w
	m.workers[w.ID] = &cp
	return nil
}

func (m *MemStore) ListWorkers(ctx context.Context) ([]*task.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*task.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

var _ Store = (*MemStore)(nil)
