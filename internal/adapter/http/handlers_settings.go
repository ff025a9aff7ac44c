package http

import (
	"encoding/json"
	"io"
	"net/http"
)

// GetSetting handles GET /api/v1/settings/{key}.
func (h *Handlers) GetSetting(w http.ResponseWriter, r *http.Request) {
	s, err := h.store.GetSetting(r.Context(), urlParam(r, "key"))
	if err != nil {
		writeDomainError(w, err, "setting not found")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// PutSetting handles PUT /api/v1/settings/{key}. The body is the raw JSON
// value; callers own the shape.
func (h *Handlers) PutSetting(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable request body")
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "value must be valid JSON")
		return
	}

	key := urlParam(r, "key")
	if err := h.store.UpsertSetting(r.Context(), key, body); err != nil {
		writeDomainError(w, err, "setting not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key})
}
