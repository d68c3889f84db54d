package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/c360studio/foreman/board"
	"github.com/c360studio/foreman/registry"
	"github.com/c360studio/foreman/store"
	"github.com/c360studio/foreman/task"
)

// BuildSnapshot returns the board snapshot builder backed by s and reg. It
// is shared between GET /board/{project_id} and Board's
// replay-on-subscribe, so both paths always describe the same view.
func BuildSnapshot(s store.Store, reg *registry.Registry) func(projectID string) (*board.Snapshot, error) {
	return func(projectID string) (*board.Snapshot, error) {
		tasks, err := s.ListTasksByProject(context.Background(), projectID)
		if err != nil {
			return nil, err
		}

		columns := make(map[task.Status][]*task.Task)
		stats := make(map[task.Status]int)
		for _, t := range tasks {
			columns[t.Status] = append(columns[t.Status], t)
			stats[t.Status]++
		}

		workers, err := s.ListWorkers(context.Background())
		if err != nil {
			return nil, err
		}
		workerStats := make(map[task.WorkerStatus]int)
		for _, w := range workers {
			workerStats[reg.DeriveStatus(w)]++
		}

		return &board.Snapshot{Columns: columns, Stats: stats, Workers: workerStats}, nil
	}
}

func (a *API) handleBoardSnapshot(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "project_id")
	snap, err := BuildSnapshot(a.store, a.registry)(projectID)
	if err != nil {
		a.writeClassifiedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleBoardStream serves board events for a project as Server-Sent
// Events: one "refresh" snapshot immediately, then live deltas.
func (a *API) handleBoardStream(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "project_id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Internal", "streaming unsupported")
		return
	}

	sub, err := a.board.Subscribe(projectID)
	if err != nil {
		a.writeClassifiedError(w, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
