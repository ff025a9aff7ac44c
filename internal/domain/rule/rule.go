// Package rule defines declarative automation rules: a trigger, a set of
// AND-combined conditions, and an ordered list of actions.
package rule

import (
	"encoding/json"
	"fmt"
	"time"
)

// TriggerTaskStatusChanged is the only trigger currently supported.
const TriggerTaskStatusChanged = "task.status.changed"

// ActionType discriminates the action union.
type ActionType string

const (
	ActionSpawnAgent    ActionType = "spawn_agent"
	ActionInjectContext ActionType = "inject_context"
	ActionConflictCheck ActionType = "conflict_check"
)

// Action is one step executed when a rule matches. Params is decoded into the
// typed struct for the action's kind; shape is validated at rule-save time,
// not at trigger time.
type Action struct {
	Type   ActionType      `json:"type"`
	Params json.RawMessage `json:"params,omitempty"`
}

// SpawnAgentParams starts a remote agent session from a named prompt template.
type SpawnAgentParams struct {
	AgentID  string `json:"agent_id"`
	Template string `json:"template,omitempty"` // qa-review, docs-update, or empty for generic
}

// InjectContextParams contributes extra prompt text when a spawn prompt is
// built elsewhere; it is not executed at trigger time.
type InjectContextParams struct {
	Content string `json:"content"`
}

// ConflictCheckParams asks the conflict detector for an advisory scan.
type ConflictCheckParams struct {
	Message string `json:"message,omitempty"`
}

// SpawnAgent decodes the action's params as SpawnAgentParams.
func (a Action) SpawnAgent() (SpawnAgentParams, error) {
	var p SpawnAgentParams
	if err := json.Unmarshal(a.Params, &p); err != nil {
		return p, fmt.Errorf("spawn_agent params: %w", err)
	}
	return p, nil
}

// InjectContext decodes the action's params as InjectContextParams.
func (a Action) InjectContext() (InjectContextParams, error) {
	var p InjectContextParams
	if err := json.Unmarshal(a.Params, &p); err != nil {
		return p, fmt.Errorf("inject_context params: %w", err)
	}
	return p, nil
}

// ConflictCheck decodes the action's params as ConflictCheckParams.
func (a Action) ConflictCheck() (ConflictCheckParams, error) {
	var p ConflictCheckParams
	if len(a.Params) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(a.Params, &p); err != nil {
		return p, fmt.Errorf("conflict_check params: %w", err)
	}
	return p, nil
}

// Validate checks the action's type and params shape.
func (a Action) Validate() error {
	switch a.Type {
	case ActionSpawnAgent:
		p, err := a.SpawnAgent()
		if err != nil {
			return err
		}
		if p.AgentID == "" {
			return fmt.Errorf("spawn_agent: agent_id is required")
		}
	case ActionInjectContext:
		p, err := a.InjectContext()
		if err != nil {
			return err
		}
		if p.Content == "" {
			return fmt.Errorf("inject_context: content is required")
		}
	case ActionConflictCheck:
		if _, err := a.ConflictCheck(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	return nil
}

// Rule is a declarative automation unit. Conditions map dotted context keys
// (status.to, task.project_id, type, ...) to an expected value: a scalar
// means exact equality, a list means any-of, null matches only a null/absent
// actual. ProjectID empty means the rule is global. Built-in rules are seeded
// at startup and cannot be deleted, only disabled.
type Rule struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Trigger    string         `json:"trigger"`
	Conditions map[string]any `json:"conditions"`
	Actions    []Action       `json:"actions"`
	Enabled    bool           `json:"enabled"`
	Priority   int            `json:"priority"` // lower runs first
	ProjectID  string         `json:"project_id,omitempty"`
	IsBuiltIn  bool           `json:"is_builtin"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Validate checks the rule is well formed before save.
func (r Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if r.Trigger != TriggerTaskStatusChanged {
		return fmt.Errorf("unknown trigger %q", r.Trigger)
	}
	for i, a := range r.Actions {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
	}
	return nil
}

// CreateRequest holds the fields accepted when creating a rule.
type CreateRequest struct {
	Name       string         `json:"name"`
	Trigger    string         `json:"trigger"`
	Conditions map[string]any `json:"conditions"`
	Actions    []Action       `json:"actions"`
	Enabled    *bool          `json:"enabled"`
	Priority   int            `json:"priority"`
	ProjectID  string         `json:"project_id"`
}

// Patch is a partial rule update.
type Patch struct {
	Name       *string         `json:"name,omitempty"`
	Conditions *map[string]any `json:"conditions,omitempty"`
	Actions    *[]Action       `json:"actions,omitempty"`
	Enabled    *bool           `json:"enabled,omitempty"`
	Priority   *int            `json:"priority,omitempty"`
}
