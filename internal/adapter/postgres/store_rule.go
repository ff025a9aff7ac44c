package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/clawtrol/clawtrol/internal/domain"
	"github.com/clawtrol/clawtrol/internal/domain/rule"
)

const ruleColumns = `id, name, trigger, conditions, actions, enabled, priority,
	COALESCE(project_id, ''), is_builtin, created_at, updated_at`

func scanRule(row pgx.Row) (rule.Rule, error) {
	var r rule.Rule
	var conditions, actions []byte
	err := row.Scan(&r.ID, &r.Name, &r.Trigger, &conditions, &actions,
		&r.Enabled, &r.Priority, &r.ProjectID, &r.IsBuiltIn, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal(conditions, &r.Conditions); err != nil {
		return r, fmt.Errorf("unmarshal conditions: %w", err)
	}
	if err := json.Unmarshal(actions, &r.Actions); err != nil {
		return r, fmt.Errorf("unmarshal actions: %w", err)
	}
	return r, nil
}

// CreateRule validates and inserts a rule. When r.ID is set (built-in seeds)
// the insert is idempotent: an existing row is left untouched.
func (s *Store) CreateRule(ctx context.Context, r *rule.Rule) (*rule.Rule, error) {
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("create rule: %w", err)
	}

	id := r.ID
	seeded := id != ""
	if !seeded {
		id = uuid.NewString()
	}

	conditions, err := json.Marshal(r.Conditions)
	if err != nil {
		return nil, fmt.Errorf("marshal conditions: %w", err)
	}
	actions, err := json.Marshal(r.Actions)
	if err != nil {
		return nil, fmt.Errorf("marshal actions: %w", err)
	}

	query := `INSERT INTO rules (id, name, trigger, conditions, actions, enabled, priority, project_id, is_builtin)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	if seeded {
		query += ` ON CONFLICT (id) DO NOTHING`
	}
	query += ` RETURNING ` + ruleColumns

	row := s.pool.QueryRow(ctx, query,
		id, r.Name, r.Trigger, conditions, actions, r.Enabled, r.Priority,
		nullable(r.ProjectID), r.IsBuiltIn)

	created, err := scanRule(row)
	if err != nil {
		// ON CONFLICT DO NOTHING returns no row when the seed already exists.
		if seeded && errors.Is(err, pgx.ErrNoRows) {
			return s.GetRule(ctx, id)
		}
		return nil, conflictWrap(err, "create rule")
	}
	return &created, nil
}

// GetRule returns a rule by id.
func (s *Store) GetRule(ctx context.Context, id string) (*rule.Rule, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = $1`, id)
	r, err := scanRule(row)
	if err != nil {
		return nil, notFoundWrap(err, "get rule %s", id)
	}
	return &r, nil
}

// ListRules returns all rules ordered by priority then creation time.
func (s *Store) ListRules(ctx context.Context) ([]rule.Rule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ruleColumns+` FROM rules ORDER BY priority ASC, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()
	return collectRules(rows)
}

// ListEnabledRules returns enabled rules for a trigger scoped to the given
// project or global (NULL project), ordered priority ASC then creation time.
func (s *Store) ListEnabledRules(ctx context.Context, trigger, projectID string) ([]rule.Rule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ruleColumns+` FROM rules
		 WHERE enabled AND trigger = $1 AND (project_id IS NULL OR project_id = $2)
		 ORDER BY priority ASC, created_at ASC`,
		trigger, projectID)
	if err != nil {
		return nil, fmt.Errorf("list enabled rules: %w", err)
	}
	defer rows.Close()
	return collectRules(rows)
}

func collectRules(rows pgx.Rows) ([]rule.Rule, error) {
	var rules []rule.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// UpdateRule applies a partial patch; the patched rule is re-validated.
func (s *Store) UpdateRule(ctx context.Context, id string, patch rule.Patch) (*rule.Rule, error) {
	r, err := s.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Name != nil {
		r.Name = *patch.Name
	}
	if patch.Conditions != nil {
		r.Conditions = *patch.Conditions
	}
	if patch.Actions != nil {
		r.Actions = *patch.Actions
	}
	if patch.Enabled != nil {
		r.Enabled = *patch.Enabled
	}
	if patch.Priority != nil {
		r.Priority = *patch.Priority
	}

	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("update rule %s: %w", id, err)
	}

	conditions, err := json.Marshal(r.Conditions)
	if err != nil {
		return nil, fmt.Errorf("marshal conditions: %w", err)
	}
	actions, err := json.Marshal(r.Actions)
	if err != nil {
		return nil, fmt.Errorf("marshal actions: %w", err)
	}

	row := s.pool.QueryRow(ctx,
		`UPDATE rules SET name = $2, conditions = $3, actions = $4, enabled = $5,
			priority = $6, updated_at = NOW()
		 WHERE id = $1
		 RETURNING `+ruleColumns,
		id, r.Name, conditions, actions, r.Enabled, r.Priority)

	updated, err := scanRule(row)
	if err != nil {
		return nil, notFoundWrap(err, "update rule %s", id)
	}
	return &updated, nil
}

// DeleteRule removes a rule. Built-in rules cannot be deleted, only disabled.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	r, err := s.GetRule(ctx, id)
	if err != nil {
		return err
	}
	if r.IsBuiltIn {
		return fmt.Errorf("delete rule %s: %w", id, domain.ErrBuiltIn)
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM rules WHERE id = $1 AND NOT is_builtin`, id)
	if err != nil {
		return fmt.Errorf("delete rule %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete rule %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
