package http

import (
	"net/http"

	"github.com/clawtrol/clawtrol/internal/adapter/ws"
	"github.com/clawtrol/clawtrol/internal/domain/task"
	"github.com/clawtrol/clawtrol/internal/port/database"
	gw "github.com/clawtrol/clawtrol/internal/port/gateway"
	"github.com/clawtrol/clawtrol/internal/port/messagequeue"
	"github.com/clawtrol/clawtrol/internal/service"
)

// Handlers bundles the services the API surface exposes.
type Handlers struct {
	tasks    *service.TaskService
	rules    *service.RuleService
	sessions *service.SessionService
	store    database.Store
	gateway  gw.Gateway
	queue    messagequeue.Queue
	hub      *ws.Hub
}

// NewHandlers creates the handler set.
func NewHandlers(tasks *service.TaskService, rules *service.RuleService, sessions *service.SessionService,
	store database.Store, gateway gw.Gateway, queue messagequeue.Queue, hub *ws.Hub) *Handlers {
	return &Handlers{
		tasks:    tasks,
		rules:    rules,
		sessions: sessions,
		store:    store,
		gateway:  gateway,
		queue:    queue,
		hub:      hub,
	}
}

// Health reports process liveness and the state of the outbound links.
// Degraded links do not fail the check; the API keeps serving without them.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"gateway_connected": h.gateway.Connected(),
		"nats_connected":    h.queue.IsConnected(),
		"ws_clients":        h.hub.ConnectionCount(),
	})
}

// CreateTask handles POST /api/v1/tasks.
func (h *Handlers) CreateTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[task.CreateRequest](w, r)
	if !ok {
		return
	}

	t, err := h.tasks.Create(r.Context(), req, actor(r))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// ListTasks handles GET /api/v1/tasks with optional project_id and status
// query filters.
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	filter := database.TaskFilter{
		ProjectID: r.URL.Query().Get("project_id"),
		Status:    task.ParseStatus(r.URL.Query().Get("status")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status filter")
		return
	}

	tasks, err := h.tasks.List(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err, "tasks not found")
		return
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// GetTask handles GET /api/v1/tasks/{id}.
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.tasks.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// UpdateTask handles PATCH /api/v1/tasks/{id}. This is also the completion
// callback remote agents use to hand work back.
func (h *Handlers) UpdateTask(w http.ResponseWriter, r *http.Request) {
	patch, ok := readJSON[task.Patch](w, r)
	if !ok {
		return
	}

	t, err := h.tasks.Update(r.Context(), urlParam(r, "id"), patch, actor(r))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// DeleteTask handles DELETE /api/v1/tasks/{id}.
func (h *Handlers) DeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := h.tasks.Delete(r.Context(), urlParam(r, "id"), actor(r)); err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type respawnRequest struct {
	AgentID string `json:"agent_id"`
}

// RespawnTask handles POST /api/v1/tasks/{id}/respawn: force-start a fresh
// session even when one is already recorded.
func (h *Handlers) RespawnTask(w http.ResponseWriter, r *http.Request) {
	var req respawnRequest
	if r.ContentLength > 0 {
		var ok bool
		if req, ok = readJSON[respawnRequest](w, r); !ok {
			return
		}
	}

	t, outcome, err := h.tasks.Respawn(r.Context(), urlParam(r, "id"), req.AgentID, actor(r))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task":        t,
		"session_key": outcome.SessionKey,
	})
}
