package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/c360studio/foreman/registry"
)

// workerRegisterRequest is the body of POST /workers/register.
type workerRegisterRequest struct {
	Token        string            `json:"token" validate:"required"`
	Name         string            `json:"name"`
	Platform     string            `json:"platform"`
	Executor     string            `json:"executor"`
	Capabilities map[string]string `json:"capabilities"`
}

type workerRegisterResponse struct {
	WorkerID     string `json:"worker_id"`
	WorkerSecret string `json:"worker_secret"`
}

func (a *API) handleWorkerRegister(w http.ResponseWriter, r *http.Request) {
	var req workerRegisterRequest
	if !decodeJSON(w, r, &req) || !a.validateBody(w, &req) {
		return
	}

	workerID, secret, err := a.registry.Register(r.Context(), registry.RegisterInput{
		Token:        req.Token,
		Name:         req.Name,
		Platform:     req.Platform,
		Executor:     req.Executor,
		Capabilities: req.Capabilities,
	})
	if err != nil {
		a.writeClassifiedError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, workerRegisterResponse{WorkerID: workerID, WorkerSecret: secret})
}

// workerHeartbeatRequest is the body of POST /workers/{id}/heartbeat.
type workerHeartbeatRequest struct {
	Secret       string `json:"secret" validate:"required"`
	PendingTasks int    `json:"pending_tasks"`
}

type workerHeartbeatResponse struct {
	Status        string `json:"status"`
	PendingTasks  int    `json:"pending_tasks"`
	CurrentTaskID string `json:"current_task_id,omitempty"`
	Directive     string `json:"directive,omitempty"`
}

func (a *API) handleWorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "id")

	var req workerHeartbeatRequest
	if !decodeJSON(w, r, &req) || !a.validateBody(w, &req) {
		return
	}

	result, err := a.registry.Heartbeat(r.Context(), workerID, req.Secret, req.PendingTasks)
	if err != nil {
		a.writeClassifiedError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, workerHeartbeatResponse{
		Status:        string(result.Status),
		PendingTasks:  result.PendingTasks,
		CurrentTaskID: result.CurrentTaskID,
		Directive:     string(result.Directive),
	})
}
