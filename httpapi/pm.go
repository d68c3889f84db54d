package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (a *API) handlePMStart(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "project_id")
	if err := a.orchestrator.Start(r.Context(), projectID); err != nil {
		a.writeClassifiedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handlePMPause(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "project_id")
	if err := a.orchestrator.Pause(r.Context(), projectID); err != nil {
		a.writeClassifiedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handlePMQueueNext(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "project_id")
	if err := a.orchestrator.QueueNext(r.Context(), projectID); err != nil {
		a.writeClassifiedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type pmStatusResponse struct {
	ProjectID string         `json:"project_id"`
	Running   bool           `json:"running"`
	Counts    map[string]int `json:"counts"`
}

func (a *API) handlePMStatus(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "project_id")
	view, err := a.orchestrator.Status(r.Context(), projectID)
	if err != nil {
		a.writeClassifiedError(w, err)
		return
	}

	counts := make(map[string]int, len(view.Counts))
	for status, n := range view.Counts {
		counts[string(status)] = n
	}

	writeJSON(w, http.StatusOK, pmStatusResponse{
		ProjectID: view.ProjectID,
		Running:   view.Running,
		Counts:    counts,
	})
}
