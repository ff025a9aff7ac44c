package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/clawtrol/clawtrol/internal/domain/rule"
	"github.com/clawtrol/clawtrol/internal/domain/task"
)

// Fixed ids keep the seed idempotent across restarts; the insert is a no-op
// when the row already exists, so operator edits (disable, re-prioritize)
// survive.
const (
	builtinQAReviewID      = "5f1c6a3e-0b7d-4c52-9a1e-3d8f2b6c4e01"
	builtinDocsUpdateID    = "5f1c6a3e-0b7d-4c52-9a1e-3d8f2b6c4e02"
	builtinConflictCheckID = "5f1c6a3e-0b7d-4c52-9a1e-3d8f2b6c4e03"
)

func mustParams(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func builtinRules() []rule.Rule {
	return []rule.Rule{
		{
			ID:         builtinQAReviewID,
			Name:       "QA review on review",
			Trigger:    rule.TriggerTaskStatusChanged,
			Conditions: map[string]any{"status.to": string(task.StatusReview)},
			Actions: []rule.Action{{
				Type: rule.ActionSpawnAgent,
				Params: mustParams(rule.SpawnAgentParams{
					AgentID:  "qa",
					Template: qaTemplate,
				}),
			}},
			Enabled:   true,
			Priority:  10,
			IsBuiltIn: true,
		},
		{
			ID:         builtinDocsUpdateID,
			Name:       "Docs update on done",
			Trigger:    rule.TriggerTaskStatusChanged,
			Conditions: map[string]any{"status.to": string(task.StatusDone)},
			Actions: []rule.Action{{
				Type: rule.ActionSpawnAgent,
				Params: mustParams(rule.SpawnAgentParams{
					AgentID:  "docs",
					Template: "docs-update",
				}),
			}},
			Enabled:   true,
			Priority:  20,
			IsBuiltIn: true,
		},
		{
			ID:         builtinConflictCheckID,
			Name:       "Conflict check on start",
			Trigger:    rule.TriggerTaskStatusChanged,
			Conditions: map[string]any{"status.to": string(task.StatusInProgress)},
			Actions: []rule.Action{{
				Type: rule.ActionConflictCheck,
				Params: mustParams(rule.ConflictCheckParams{
					Message: "other tasks on this project are already in progress",
				}),
			}},
			Enabled:   true,
			Priority:  5,
			IsBuiltIn: true,
		},
	}
}

// SeedBuiltinRules inserts the built-in automation rules if they are missing.
func (e *RulesEngine) SeedBuiltinRules(ctx context.Context) error {
	for _, r := range builtinRules() {
		r := r
		if _, err := e.store.CreateRule(ctx, &r); err != nil {
			return fmt.Errorf("seed rule %q: %w", r.Name, err)
		}
	}
	e.InvalidateCache()
	return nil
}
