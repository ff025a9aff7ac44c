package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/clawtrol/clawtrol/internal/domain/session"
)

// CreateAssociation records a spawned session. Spawning the same session key
// twice is a conflict.
func (s *Store) CreateAssociation(ctx context.Context, a *session.Association) error {
	if a.Status == "" {
		a.Status = session.StatusRunning
	}
	if a.SpawnedAt.IsZero() {
		a.SpawnedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agent_associations (session_key, project_id, task_text, agent_id, status, spawned_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.SessionKey, a.ProjectID, a.TaskText, a.AgentID, a.Status, a.SpawnedAt)
	if err != nil {
		return conflictWrap(err, "create association %s", a.SessionKey)
	}
	return nil
}

// ListAssociations returns all associations, newest first.
func (s *Store) ListAssociations(ctx context.Context) ([]session.Association, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT session_key, project_id, task_text, agent_id, status, result, spawned_at, completed_at
		 FROM agent_associations ORDER BY spawned_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list associations: %w", err)
	}
	defer rows.Close()

	var out []session.Association
	for rows.Next() {
		var a session.Association
		if err := rows.Scan(&a.SessionKey, &a.ProjectID, &a.TaskText, &a.AgentID,
			&a.Status, &a.Result, &a.SpawnedAt, &a.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan association: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CompleteAssociation records a terminal status for a session. Unknown
// session keys are ignored: completion signals can arrive for ad hoc sessions
// spawned before this process started.
func (s *Store) CompleteAssociation(ctx context.Context, sessionKey string, status session.Status, result string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE agent_associations SET status = $2, result = $3, completed_at = $4
		 WHERE session_key = $1`,
		sessionKey, status, result, at)
	if err != nil {
		return fmt.Errorf("complete association %s: %w", sessionKey, err)
	}
	return nil
}

// PruneAssociations keeps the most recent `keep` terminal records and deletes
// the rest. Running sessions are never pruned.
func (s *Store) PruneAssociations(ctx context.Context, keep int) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM agent_associations
		 WHERE status <> 'running' AND session_key NOT IN (
			SELECT session_key FROM agent_associations
			WHERE status <> 'running'
			ORDER BY spawned_at DESC LIMIT $1
		 )`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune associations: %w", err)
	}
	return tag.RowsAffected(), nil
}
