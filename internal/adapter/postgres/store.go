package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clawtrol/clawtrol/internal/domain"
	"github.com/clawtrol/clawtrol/internal/domain/task"
	"github.com/clawtrol/clawtrol/internal/port/database"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const taskColumns = `id, title, description, type, status, priority,
	COALESCE(project_id, ''), agent_id, COALESCE(session_key, ''),
	handoff_notes, commit_hash, lines_added, lines_removed,
	estimated_human_minutes, human_cost, cost, runtime_ms, model,
	created_at, updated_at, completed_at`

func scanTask(row pgx.Row) (task.Task, error) {
	var t task.Task
	var linesAdded, linesRemoved *int
	err := row.Scan(
		&t.ID, &t.Title, &t.Description, &t.Type, &t.Status, &t.Priority,
		&t.ProjectID, &t.AgentID, &t.SessionKey,
		&t.HandoffNotes, &t.CommitHash, &linesAdded, &linesRemoved,
		&t.EstimatedHumanMinutes, &t.HumanCost, &t.Cost, &t.RuntimeMS, &t.Model,
		&t.CreatedAt, &t.UpdatedAt, &t.CompletedAt,
	)
	if err != nil {
		return t, err
	}
	if linesAdded != nil || linesRemoved != nil {
		lc := task.LinesChanged{}
		if linesAdded != nil {
			lc.Added = *linesAdded
		}
		if linesRemoved != nil {
			lc.Removed = *linesRemoved
		}
		lc.Total = lc.Added + lc.Removed
		t.LinesChanged = &lc
	}
	return t, nil
}

// CreateTask inserts a new task. Status defaults to backlog when unspecified.
// A duplicate session key returns domain.ErrConflict.
func (s *Store) CreateTask(ctx context.Context, req task.CreateRequest) (*task.Task, error) {
	status := req.Status
	if status == "" {
		status = task.StatusBacklog
	}
	if !status.Valid() {
		return nil, fmt.Errorf("create task: invalid status %q", status)
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO tasks (id, title, description, type, status, priority, project_id, agent_id, session_key)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING `+taskColumns,
		uuid.NewString(), req.Title, req.Description, req.Type, status, req.Priority,
		nullable(req.ProjectID), req.AgentID, nullable(req.SessionKey))

	t, err := scanTask(row)
	if err != nil {
		return nil, conflictWrap(err, "create task")
	}
	return &t, nil
}

// GetTask returns a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, notFoundWrap(err, "get task %s", id)
	}
	return &t, nil
}

// ListTasks returns tasks, newest first, narrowed by the filter.
func (s *Store) ListTasks(ctx context.Context, filter database.TaskFilter) ([]task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	args := []any{}
	if filter.ProjectID != "" {
		args = append(args, filter.ProjectID)
		query += fmt.Sprintf(" AND project_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTask applies a partial patch inside a transaction. updated_at is
// always stamped; completed_at is stamped on transition into done and cleared
// on transition out of it.
func (s *Store) UpdateTask(ctx context.Context, id string, patch task.Patch) (*task.Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("update task %s: begin: %w", id, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, notFoundWrap(err, "update task %s", id)
	}

	applyPatch(&t, patch)

	now := time.Now().UTC()
	t.UpdatedAt = now
	if t.Status == task.StatusDone && t.CompletedAt == nil {
		t.CompletedAt = &now
	} else if t.Status != task.StatusDone {
		t.CompletedAt = nil
	}

	var linesAdded, linesRemoved *int
	if t.LinesChanged != nil {
		linesAdded = &t.LinesChanged.Added
		linesRemoved = &t.LinesChanged.Removed
	}

	_, err = tx.Exec(ctx,
		`UPDATE tasks SET title = $2, description = $3, type = $4, status = $5, priority = $6,
			project_id = $7, agent_id = $8, session_key = $9, handoff_notes = $10,
			commit_hash = $11, lines_added = $12, lines_removed = $13,
			estimated_human_minutes = $14, human_cost = $15, cost = $16,
			runtime_ms = $17, model = $18, updated_at = $19, completed_at = $20
		 WHERE id = $1`,
		t.ID, t.Title, t.Description, t.Type, t.Status, t.Priority,
		nullable(t.ProjectID), t.AgentID, nullable(t.SessionKey), t.HandoffNotes,
		t.CommitHash, linesAdded, linesRemoved,
		t.EstimatedHumanMinutes, t.HumanCost, t.Cost,
		t.RuntimeMS, t.Model, t.UpdatedAt, t.CompletedAt)
	if err != nil {
		return nil, conflictWrap(err, "update task %s", id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("update task %s: commit: %w", id, err)
	}
	return &t, nil
}

func applyPatch(t *task.Task, p task.Patch) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Type != nil {
		t.Type = *p.Type
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.ProjectID != nil {
		t.ProjectID = *p.ProjectID
	}
	if p.AgentID != nil {
		t.AgentID = *p.AgentID
	}
	if p.SessionKey != nil {
		t.SessionKey = *p.SessionKey
	}
	if p.HandoffNotes != nil {
		t.HandoffNotes = *p.HandoffNotes
	}
	if p.CommitHash != nil {
		t.CommitHash = *p.CommitHash
	}
	if p.LinesChanged != nil {
		lc := *p.LinesChanged
		if lc.Total == 0 {
			lc.Total = lc.Added + lc.Removed
		}
		t.LinesChanged = &lc
	}
	if p.EstimatedHumanMinutes != nil {
		t.EstimatedHumanMinutes = *p.EstimatedHumanMinutes
	}
	if p.HumanCost != nil {
		t.HumanCost = *p.HumanCost
	}
	if p.Cost != nil {
		t.Cost = *p.Cost
	}
	if p.RuntimeMS != nil {
		t.RuntimeMS = *p.RuntimeMS
	}
	if p.Model != nil {
		t.Model = *p.Model
	}
}

// DeleteTask removes a task by id.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete task %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// FindTaskBySessionKey returns the task linked to a session, supporting
// idempotent session-to-task linking. Callers check this before creating a
// new task for an observed session.
func (s *Store) FindTaskBySessionKey(ctx context.Context, sessionKey string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE session_key = $1`, sessionKey)
	t, err := scanTask(row)
	if err != nil {
		return nil, notFoundWrap(err, "find task by session %s", sessionKey)
	}
	return &t, nil
}

// GetProjectWorkspace returns the working directory for a project.
func (s *Store) GetProjectWorkspace(ctx context.Context, projectID string) (string, error) {
	var path string
	err := s.pool.QueryRow(ctx,
		`SELECT workspace_path FROM projects WHERE id = $1`, projectID).Scan(&path)
	if err != nil {
		return "", notFoundWrap(err, "get project %s workspace", projectID)
	}
	return path, nil
}

// AppendAudit writes an append-only audit record.
func (s *Store) AppendAudit(ctx context.Context, e database.AuditEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (actor, action, task_id, detail) VALUES ($1, $2, $3, $4)`,
		e.Actor, e.Action, e.TaskID, e.Detail)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}
