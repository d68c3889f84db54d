package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/c360studio/foreman/store"
	"github.com/c360studio/foreman/task"
)

// taskTransitionRequest is the body of POST /tasks/{id}/transition, per
// spec.md §6. This is the operator/administrative entry point into C3;
// worker results reach the state machine through the ingester instead.
type taskTransitionRequest struct {
	NewStatus       string `json:"new_status" validate:"required"`
	Actor           string `json:"actor" validate:"required"`
	ExpectedVersion int    `json:"expected_version"`
	Reason          string `json:"reason,omitempty"`
}

type taskTransitionResponse struct {
	TaskID         string `json:"task_id"`
	Status         string `json:"status"`
	PreviousStatus string `json:"previous_status"`
}

func (a *API) handleTaskTransition(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")

	var req taskTransitionRequest
	if !decodeJSON(w, r, &req) || !a.validateBody(w, &req) {
		return
	}

	current, err := a.store.GetTask(r.Context(), taskID)
	if err != nil {
		a.writeClassifiedError(w, err)
		return
	}

	in := task.TransitionInput{
		To:              task.Status(req.NewStatus),
		Actor:           task.Actor(req.Actor),
		Reason:          req.Reason,
		ExpectedVersion: req.ExpectedVersion,
	}

	// A manual transition into ready re-checks dependency satisfaction
	// using the dependencies' current persisted status.
	if in.To == task.StatusReady && len(current.DependsOn) > 0 {
		in.DependencyStatuses = make(map[string]task.Status, len(current.DependsOn))
		for _, depID := range current.DependsOn {
			dep, err := a.store.GetTask(r.Context(), depID)
			if err != nil {
				a.writeClassifiedError(w, err)
				return
			}
			in.DependencyStatuses[depID] = dep.Status
		}
	}

	updated, _, err := a.store.ApplyTransition(r.Context(), taskID, in)
	if err != nil {
		a.writeClassifiedError(w, err)
		return
	}

	if updated.Status == task.StatusDone {
		if err := store.PropagateDependencyReady(r.Context(), a.store, updated.ProjectID, updated.ID); err != nil {
			a.writeClassifiedError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, taskTransitionResponse{
		TaskID:         updated.ID,
		Status:         string(updated.Status),
		PreviousStatus: string(current.Status),
	})
}
