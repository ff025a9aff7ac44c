package http

import (
	"net/http"

	"github.com/clawtrol/clawtrol/internal/domain/session"
)

// ListSessions handles GET /api/v1/sessions.
func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.sessions.List(r.Context())
	if err != nil {
		writeDomainError(w, err, "sessions not found")
		return
	}
	if sessions == nil {
		sessions = []session.Association{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

type spawnSessionRequest struct {
	AgentID   string `json:"agent_id"`
	Task      string `json:"task"`
	ProjectID string `json:"project_id"`
}

// SpawnSession handles POST /api/v1/sessions/spawn: start an ad hoc remote
// session not tied to any task.
func (h *Handlers) SpawnSession(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[spawnSessionRequest](w, r)
	if !ok {
		return
	}

	key, err := h.sessions.SpawnAdHoc(r.Context(), req.AgentID, req.Task, req.ProjectID)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_key": key})
}
