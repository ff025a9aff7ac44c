package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/clawtrol/clawtrol/internal/domain"
	"github.com/clawtrol/clawtrol/internal/domain/session"
	"github.com/clawtrol/clawtrol/internal/port/database"
	gw "github.com/clawtrol/clawtrol/internal/port/gateway"
)

// associationsKept is how many terminal associations survive a prune pass.
const associationsKept = 200

// SessionService lists known agent sessions and starts ad hoc ones that are
// not tied to a task.
type SessionService struct {
	store      database.Store
	gateway    gw.Gateway
	dispatcher *Dispatcher
}

// NewSessionService creates a SessionService.
func NewSessionService(store database.Store, gateway gw.Gateway, dispatcher *Dispatcher) *SessionService {
	return &SessionService{store: store, gateway: gateway, dispatcher: dispatcher}
}

// List returns every recorded agent association, running first.
func (s *SessionService) List(ctx context.Context) ([]session.Association, error) {
	return s.store.ListAssociations(ctx)
}

// SpawnAdHoc starts a remote session from free-form text, outside any task.
// The association is recorded so completion events still resolve, but there
// is no task to link back to.
func (s *SessionService) SpawnAdHoc(ctx context.Context, agentID, text, projectID string) (string, error) {
	if text == "" {
		return "", fmt.Errorf("%w: task text is required", domain.ErrInvalid)
	}
	if !s.dispatcher.AllowedAgent(agentID) {
		return "", fmt.Errorf("%w: unknown agent %q", domain.ErrInvalid, agentID)
	}

	key, err := s.gateway.SpawnSession(ctx, gw.SpawnArgs{
		AgentID:           agentID,
		Task:              text,
		Label:             "adhoc",
		Cleanup:           true,
		RunTimeoutSeconds: int(s.dispatcher.cfg.RunTimeout.Seconds()),
	})
	if err != nil {
		return "", fmt.Errorf("spawn ad hoc session: %w", err)
	}

	if err := s.store.CreateAssociation(ctx, &session.Association{
		SessionKey: key,
		ProjectID:  projectID,
		TaskText:   text,
		AgentID:    agentID,
		Status:     session.StatusRunning,
	}); err != nil {
		slog.Warn("association create failed", "session_key", key, "error", err)
	}

	if pruned, err := s.store.PruneAssociations(ctx, associationsKept); err != nil {
		slog.Warn("association prune failed", "error", err)
	} else if pruned > 0 {
		slog.Debug("pruned associations", "count", pruned)
	}

	slog.Info("ad hoc session spawned", "agent_id", agentID, "session_key", key)
	return key, nil
}
