package http

import (
	"net/http"

	"github.com/clawtrol/clawtrol/internal/domain/rule"
)

// CreateRule handles POST /api/v1/rules.
func (h *Handlers) CreateRule(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[rule.CreateRequest](w, r)
	if !ok {
		return
	}
	if req.Trigger == "" {
		req.Trigger = rule.TriggerTaskStatusChanged
	}

	created, err := h.rules.Create(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "rule not found")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// ListRules handles GET /api/v1/rules.
func (h *Handlers) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.rules.List(r.Context())
	if err != nil {
		writeDomainError(w, err, "rules not found")
		return
	}
	if rules == nil {
		rules = []rule.Rule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

// GetRule handles GET /api/v1/rules/{id}.
func (h *Handlers) GetRule(w http.ResponseWriter, r *http.Request) {
	found, err := h.rules.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "rule not found")
		return
	}
	writeJSON(w, http.StatusOK, found)
}

// UpdateRule handles PATCH /api/v1/rules/{id}.
func (h *Handlers) UpdateRule(w http.ResponseWriter, r *http.Request) {
	patch, ok := readJSON[rule.Patch](w, r)
	if !ok {
		return
	}

	updated, err := h.rules.Update(r.Context(), urlParam(r, "id"), patch)
	if err != nil {
		writeDomainError(w, err, "rule not found")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeleteRule handles DELETE /api/v1/rules/{id}. Built-in rules return 403.
func (h *Handlers) DeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := h.rules.Delete(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "rule not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
