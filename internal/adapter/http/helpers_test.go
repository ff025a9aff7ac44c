package http

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/clawtrol/clawtrol/internal/domain"
)

func TestWriteDomainErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"not found", domain.ErrNotFound, http.StatusNotFound},
		{"wrapped not found", fmt.Errorf("get task: %w", domain.ErrNotFound), http.StatusNotFound},
		{"conflict", domain.ErrConflict, http.StatusConflict},
		{"built-in", domain.ErrBuiltIn, http.StatusForbidden},
		{"invalid", fmt.Errorf("%w: title is required", domain.ErrInvalid), http.StatusBadRequest},
		{"unknown", fmt.Errorf("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeDomainError(rec, tc.err, "not found")
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestActorHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := actor(r); got != "api" {
		t.Fatalf("expected default actor api, got %q", got)
	}

	r.Header.Set("X-Actor", "agent:claw")
	if got := actor(r); got != "agent:claw" {
		t.Fatalf("expected header actor, got %q", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	handler := CORS("http://localhost:3000")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/v1/tasks", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight should short-circuit with 204, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("missing CORS origin header, got %q", got)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("non-preflight request should pass through, got %d", rec.Code)
	}
}
