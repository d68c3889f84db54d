// Package orchestrator implements the PM Orchestrator (C5): one supervised
// loop per active project that scans for ready tasks and drives them
// through the Dispatcher on a periodic tick or a manual command. A task
// reaching done or rejected does not itself wake the loop; the next tick
// picks up whatever it made ready.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/c360studio/foreman/registry"
	"github.com/c360studio/foreman/store"
	"github.com/c360studio/foreman/streamqueue"
	"github.com/c360studio/foreman/task"
)

// ErrProjectNotReady is returned by Start when the project's design has
// not been finalized (status is still "design").
var ErrProjectNotReady = errors.New("project not ready")

// Dispatcher is the subset of C6 the orchestrator depends on. Defined here
// (rather than imported from package dispatcher) to avoid an import cycle,
// the same narrow-interface-at-the-consumer posture
// `processor/workflow-orchestrator` takes with its validator/retry-manager
// dependencies.
type Dispatcher interface {
	Dispatch(ctx context.Context, t *task.Task) error
}

// Config bounds the scheduling behavior. New uses the values as given; a
// zero-value field is not replaced by its default (see DefaultConfig).
type Config struct {
	TickInterval       time.Duration
	MaxInFlightProject int
	MaxInFlightPhase   int
	PendingPauseAbove  int
	PendingResumeBelow int
}

// DefaultConfig matches spec.md's named defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:       5 * time.Second,
		MaxInFlightProject: 4,
		MaxInFlightPhase:   1,
		PendingPauseAbove:  1000,
		PendingResumeBelow: 500,
	}
}

// StatusView is the response to a status() control call.
type StatusView struct {
	ProjectID string
	Running   bool
	Counts    map[task.Status]int
}

// projectLoop is the supervised per-project goroutine and its control
// handles.
type projectLoop struct {
	cancel context.CancelFunc
	cronID cron.EntryID
	wakeCh chan struct{}
	done   chan struct{}
}

// Orchestrator is the C5 component.
type Orchestrator struct {
	store      store.Store
	queue      streamqueue.Queue
	registry   *registry.Registry
	dispatcher Dispatcher
	logger     *slog.Logger
	cfg        Config

	cron *cron.Cron
	sf   singleflight.Group

	mu    sync.Mutex
	loops map[string]*projectLoop

	// backpressured is set once pending results exceed PendingPauseAbove
	// and cleared once they drop below PendingResumeBelow.
	bpMu          sync.Mutex
	backpressured bool
}

// New returns an Orchestrator. The returned value's cron scheduler is
// already running; callers must call Shutdown to stop it cleanly.
func New(s store.Store, q streamqueue.Queue, reg *registry.Registry, d Dispatcher, logger *slog.Logger, cfg Config) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		store:      s,
		queue:      q,
		registry:   reg,
		dispatcher: d,
		logger:     logger,
		cfg:        cfg,
		cron:       cron.New(),
		loops:      make(map[string]*projectLoop),
	}
	o.cron.Start()
	return o
}

// Shutdown stops the cron scheduler and cancels every running project loop.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for id, loop := range o.loops {
		loop.cancel()
		<-loop.done
		delete(o.loops, id)
	}
	stopCtx := o.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
}

// Start transitions project_id paused → active and spawns its loop if not
// already running. Starting a running project is a no-op.
func (o *Orchestrator) Start(ctx context.Context, projectID string) error {
	proj, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if proj.Status == task.ProjectDesign {
		return fmt.Errorf("%w: project %s design has not been finalized", ErrProjectNotReady, projectID)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, running := o.loops[projectID]; running {
		return nil
	}

	if proj.Status != task.ProjectActive {
		proj.Status = task.ProjectActive
		if err := o.store.UpdateProject(ctx, proj); err != nil {
			return err
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	loop := &projectLoop{
		cancel: cancel,
		wakeCh: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	entryID, err := o.cron.AddFunc(fmt.Sprintf("@every %s", o.cfg.TickInterval), func() {
		o.wake(projectID)
	})
	if err != nil {
		cancel()
		return fmt.Errorf("schedule tick: %w", err)
	}
	loop.cronID = entryID

	o.loops[projectID] = loop
	go o.run(loopCtx, projectID, loop)

	o.logger.Info("pm loop started", "project_id", projectID)
	return nil
}

// Pause sets the project to paused and signals its loop to exit after the
// current iteration; it does not abort already-dispatched tasks.
func (o *Orchestrator) Pause(ctx context.Context, projectID string) error {
	proj, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	proj.Status = task.ProjectPaused
	if err := o.store.UpdateProject(ctx, proj); err != nil {
		return err
	}

	o.mu.Lock()
	loop, running := o.loops[projectID]
	if running {
		delete(o.loops, projectID)
	}
	o.mu.Unlock()

	if running {
		o.cron.Remove(loop.cronID)
		loop.cancel()
		<-loop.done
	}

	o.logger.Info("pm loop paused", "project_id", projectID)
	return nil
}

// Status reports whether the loop is running and the project's current
// task-status breakdown.
func (o *Orchestrator) Status(ctx context.Context, projectID string) (StatusView, error) {
	counts, err := o.store.CountTasksByStatus(ctx, projectID)
	if err != nil {
		return StatusView{}, err
	}

	o.mu.Lock()
	_, running := o.loops[projectID]
	o.mu.Unlock()

	return StatusView{ProjectID: projectID, Running: running, Counts: counts}, nil
}

// QueueNext performs a single dispatch pass outside the scheduling tick.
// Concurrent calls for the same project collapse into one pass via
// singleflight, so a burst of manual "queue next" clicks doesn't fan out
// into redundant dispatch attempts racing each other.
func (o *Orchestrator) QueueNext(ctx context.Context, projectID string) error {
	_, err, _ := o.sf.Do(projectID, func() (interface{}, error) {
		return nil, o.dispatchReady(ctx, projectID)
	})
	return err
}

func (o *Orchestrator) wake(projectID string) {
	o.mu.Lock()
	loop, ok := o.loops[projectID]
	o.mu.Unlock()
	if !ok {
		return
	}
	select {
	case loop.wakeCh <- struct{}{}:
	default:
	}
}

// run is the supervised loop body: it blocks on ctx.Done or a wake signal,
// never holding a store transaction across the network calls a dispatch
// pass makes.
func (o *Orchestrator) run(ctx context.Context, projectID string, loop *projectLoop) {
	defer close(loop.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-loop.wakeCh:
			if err := o.dispatchReady(ctx, projectID); err != nil {
				o.logger.Error("pm dispatch pass failed", "project_id", projectID, "error", err)
			}
		}
	}
}

// dispatchReady queries ready tasks, applies the tie-break order, and
// dispatches up to the project and per-phase in-flight limits, subject to
// the backpressure rule in spec.md §5.
func (o *Orchestrator) dispatchReady(ctx context.Context, projectID string) error {
	proj, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if proj.Status != task.ProjectActive {
		return nil
	}

	pending, err := o.queue.Pending(ctx, streamqueue.ResultsStream, streamqueue.GroupIngesters)
	if err != nil {
		return fmt.Errorf("check backpressure: %w", err)
	}
	o.bpMu.Lock()
	if len(pending) > o.cfg.PendingPauseAbove {
		o.backpressured = true
	} else if len(pending) < o.cfg.PendingResumeBelow {
		o.backpressured = false
	}
	held := o.backpressured
	o.bpMu.Unlock()
	if held {
		o.logger.Warn("pm loop backpressure engaged", "project_id", projectID, "pending_results", len(pending))
		return nil
	}

	inFlight, err := o.store.ListTasksByStatus(ctx, projectID, task.StatusQueued, task.StatusInProgress, task.StatusReview)
	if err != nil {
		return err
	}
	projectInFlight := len(inFlight)
	phaseInFlight := make(map[string]int, len(inFlight))
	for _, t := range inFlight {
		phaseInFlight[t.PhaseID]++
	}

	ready, err := o.store.ListTasksByStatus(ctx, projectID, task.StatusReady)
	if err != nil {
		return err
	}
	task.SortReady(ready)

	for _, t := range ready {
		if projectInFlight >= o.cfg.MaxInFlightProject {
			break
		}
		if phaseInFlight[t.PhaseID] >= o.cfg.MaxInFlightPhase {
			continue
		}

		if err := o.dispatcher.Dispatch(ctx, t); err != nil {
			if errors.Is(err, registry.ErrNoEligibleWorker) {
				continue // leave in ready, next tick retries
			}
			o.logger.Error("dispatch failed", "task_id", t.ID, "error", err)
			continue
		}

		projectInFlight++
		phaseInFlight[t.PhaseID]++
	}

	return nil
}
