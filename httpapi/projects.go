package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/c360studio/foreman/store"
	"github.com/c360studio/foreman/task"
)

// handleProjectFinalize moves a project out of design once the PM's plan
// has been approved — the decomposition boundary spec.md §1 treats as an
// opaque external collaborator producing [Phase, Task, Dep].
func (a *API) handleProjectFinalize(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "project_id")
	ctx := r.Context()

	proj, err := a.store.GetProject(ctx, projectID)
	if err != nil {
		a.writeClassifiedError(w, err)
		return
	}
	if proj.Status != task.ProjectDesign {
		a.writeClassifiedError(w, task.ErrInvalidProjectState)
		return
	}

	proj.Status = task.ProjectActive
	if err := a.store.UpdateProject(ctx, proj); err != nil {
		a.writeClassifiedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proj)
}

// handleProjectComplete marks a project completed once every phase has
// reached completed, propagating phase completion first so a caller never
// has to call finalize-phase and complete-project separately.
func (a *API) handleProjectComplete(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "project_id")
	ctx := r.Context()

	proj, err := a.store.GetProject(ctx, projectID)
	if err != nil {
		a.writeClassifiedError(w, err)
		return
	}
	if proj.Status != task.ProjectActive && proj.Status != task.ProjectPaused {
		a.writeClassifiedError(w, task.ErrInvalidProjectState)
		return
	}

	if err := store.PropagatePhaseCompletion(ctx, a.store, projectID); err != nil {
		a.writeClassifiedError(w, err)
		return
	}

	phases, err := a.store.ListPhasesByProject(ctx, projectID)
	if err != nil {
		a.writeClassifiedError(w, err)
		return
	}
	for _, p := range phases {
		if p.Status != task.PhaseCompleted {
			a.writeClassifiedError(w, task.ErrInvalidProjectState)
			return
		}
	}

	proj.Status = task.ProjectCompleted
	if err := a.store.UpdateProject(ctx, proj); err != nil {
		a.writeClassifiedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proj)
}

