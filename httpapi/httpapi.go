// Package httpapi exposes the HTTP surface named in spec.md §6: worker
// registration and heartbeat, task transitions, PM control, and the board
// read/stream endpoints.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/c360studio/foreman/board"
	"github.com/c360studio/foreman/orchestrator"
	"github.com/c360studio/foreman/registry"
	"github.com/c360studio/foreman/store"
	"github.com/c360studio/foreman/task"
)

// maxRequestBodySize bounds request bodies to guard against a runaway caller.
const maxRequestBodySize = 1 << 20 // 1 MB

// API wires the core components behind chi-routed handlers.
type API struct {
	store        store.Store
	registry     *registry.Registry
	orchestrator *orchestrator.Orchestrator
	board        *board.Board
	validate     *validator.Validate
	logger       *slog.Logger
}

// New returns an API. Call Router to obtain the http.Handler to serve.
func New(s store.Store, reg *registry.Registry, orch *orchestrator.Orchestrator, b *board.Board, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		store:        s,
		registry:     reg,
		orchestrator: orch,
		board:        b,
		validate:     validator.New(),
		logger:       logger,
	}
}

// Router builds the chi router for the entire HTTP surface.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/workers/register", a.handleWorkerRegister)
	r.Post("/workers/{id}/heartbeat", a.handleWorkerHeartbeat)
	r.Post("/tasks/{id}/transition", a.handleTaskTransition)
	r.Post("/pm/{project_id}/start", a.handlePMStart)
	r.Post("/pm/{project_id}/pause", a.handlePMPause)
	r.Post("/pm/{project_id}/queue-next", a.handlePMQueueNext)
	r.Get("/pm/{project_id}/status", a.handlePMStatus)
	r.Post("/projects/{project_id}/finalize", a.handleProjectFinalize)
	r.Post("/projects/{project_id}/complete", a.handleProjectComplete)
	r.Get("/board/{project_id}", a.handleBoardSnapshot)
	r.Get("/board/{project_id}/stream", a.handleBoardStream)

	return r
}

// errorBody is the error envelope every failing request returns, per
// spec.md §7: "{error: {kind, message, task_id?, expected_version?,
// current_version?}}".
type errorBody struct {
	Error struct {
		Kind            string `json:"kind"`
		Message         string `json:"message"`
		TaskID          string `json:"task_id,omitempty"`
		ExpectedVersion *int   `json:"expected_version,omitempty"`
		CurrentVersion  *int   `json:"current_version,omitempty"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	var body errorBody
	body.Error.Kind = kind
	body.Error.Message = message
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// classifyStoreErr maps a store/task/registry sentinel error to the HTTP
// status and error kind named in spec.md §6/§7.
func classifyStoreErr(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NotFound"
	case errors.Is(err, task.ErrVersionConflict):
		return http.StatusConflict, "VersionConflict"
	case errors.Is(err, task.ErrIllegalTransition):
		return http.StatusConflict, "IllegalTransition"
	case errors.Is(err, task.ErrDependencyNotSatisfied):
		return http.StatusPreconditionFailed, "DependencyNotSatisfied"
	case errors.Is(err, task.ErrMissingPrerequisite):
		return http.StatusPreconditionFailed, "MissingPrerequisite"
	case errors.Is(err, store.ErrTokenAlreadyUsed), errors.Is(err, store.ErrTokenExpired):
		return http.StatusUnauthorized, "TokenInvalid"
	case errors.Is(err, registry.ErrInvalidSecret):
		return http.StatusUnauthorized, "TokenInvalid"
	case errors.Is(err, registry.ErrNoEligibleWorker):
		return http.StatusServiceUnavailable, "NoEligibleWorker"
	case errors.Is(err, store.ErrCyclicDependency):
		return http.StatusBadRequest, "CyclicDependency"
	case errors.Is(err, store.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "StoreUnavailable"
	case errors.Is(err, orchestrator.ErrProjectNotReady):
		return http.StatusConflict, "ProjectNotReady"
	case errors.Is(err, task.ErrInvalidProjectState):
		return http.StatusConflict, "InvalidProjectState"
	default:
		return http.StatusInternalServerError, "Internal"
	}
}

func (a *API) writeClassifiedError(w http.ResponseWriter, err error) {
	status, kind := classifyStoreErr(err)
	writeError(w, status, kind, err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidBody", "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (a *API) validateBody(w http.ResponseWriter, v any) bool {
	if err := a.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, "ValidationFailed", err.Error())
		return false
	}
	return true
}
