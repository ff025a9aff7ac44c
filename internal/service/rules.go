package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/clawtrol/clawtrol/internal/adapter/otel"
	"github.com/clawtrol/clawtrol/internal/adapter/ristretto"
	"github.com/clawtrol/clawtrol/internal/domain/rule"
	"github.com/clawtrol/clawtrol/internal/domain/task"
	"github.com/clawtrol/clawtrol/internal/port/database"
)

// EvalContext carries the facts a rule's conditions are checked against.
type EvalContext struct {
	Task      *task.Task
	OldStatus task.Status
	NewStatus task.Status
}

// EvalResult reports what an evaluation pass did.
type EvalResult struct {
	RulesMatched []string // rule ids, in execution order
	ActionsRun   int
}

// RulesEngine evaluates automation rules against task events. Evaluation is
// strictly advisory: a broken rule, a failing action, or a store outage never
// propagates to the task write that triggered it.
type RulesEngine struct {
	store      database.Store
	cache      *ristretto.RuleCache
	dispatcher *Dispatcher
	conflicts  *ConflictDetector
	metrics    *otel.Metrics
}

// NewRulesEngine creates a RulesEngine.
func NewRulesEngine(store database.Store, cache *ristretto.RuleCache,
	dispatcher *Dispatcher, conflicts *ConflictDetector, metrics *otel.Metrics) *RulesEngine {
	return &RulesEngine{
		store:      store,
		cache:      cache,
		dispatcher: dispatcher,
		conflicts:  conflicts,
		metrics:    metrics,
	}
}

// InvalidateCache drops the cached rule lists. Called after any rule write.
func (e *RulesEngine) InvalidateCache() {
	if e.cache != nil {
		e.cache.Invalidate()
	}
}

// Evaluate runs all enabled rules for the trigger against the event context.
// Rules run in priority order; each action is fault-isolated so one failing
// action never stops the rest of the pass.
func (e *RulesEngine) Evaluate(ctx context.Context, trigger string, ec EvalContext) (result EvalResult) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("rule evaluation panicked", "trigger", trigger, "panic", r)
			result = EvalResult{}
		}
	}()

	if ec.Task == nil {
		return result
	}

	rules, err := e.loadRules(ctx, trigger, ec.Task.ProjectID)
	if err != nil {
		slog.Warn("rule load failed, skipping evaluation", "trigger", trigger, "error", err)
		return result
	}

	facts := conditionFacts(ec)
	for i := range rules {
		r := &rules[i]
		if !e.matches(r, facts) {
			continue
		}
		result.RulesMatched = append(result.RulesMatched, r.ID)
		e.metrics.RulesMatched.Add(ctx, 1)
		slog.Info("rule matched", "rule_id", r.ID, "rule_name", r.Name, "task_id", ec.Task.ID)

		for j, a := range r.Actions {
			if e.runAction(ctx, r, j, a, ec) {
				result.ActionsRun++
			}
		}
	}
	return result
}

// InjectedContext returns the inject_context payloads of every rule that
// matches the task in its current state. The dispatcher calls it while
// building a spawn prompt; the status-change pass never executes these.
func (e *RulesEngine) InjectedContext(ctx context.Context, t *task.Task) []string {
	if t == nil {
		return nil
	}
	rules, err := e.loadRules(ctx, rule.TriggerTaskStatusChanged, t.ProjectID)
	if err != nil {
		slog.Warn("rule load failed, no injected context", "task_id", t.ID, "error", err)
		return nil
	}

	facts := conditionFacts(EvalContext{Task: t, OldStatus: t.Status, NewStatus: t.Status})
	var out []string
	for i := range rules {
		r := &rules[i]
		if !e.matches(r, facts) {
			continue
		}
		for _, a := range r.Actions {
			if a.Type != rule.ActionInjectContext {
				continue
			}
			p, err := a.InjectContext()
			if err != nil || p.Content == "" {
				continue
			}
			out = append(out, p.Content)
		}
	}
	return out
}

func (e *RulesEngine) loadRules(ctx context.Context, trigger, projectID string) ([]rule.Rule, error) {
	if e.cache != nil {
		if cached, ok := e.cache.Get(trigger, projectID); ok {
			return cached, nil
		}
	}
	rules, err := e.store.ListEnabledRules(ctx, trigger, projectID)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		e.cache.Set(trigger, projectID, rules)
	}
	return rules, nil
}

// matches checks every condition of the rule against the fact map. Conditions
// AND together. A condition whose key names a fact we do not track matches;
// a rule must never be silently disabled by a typo in its key.
func (e *RulesEngine) matches(r *rule.Rule, facts map[string]factValue) bool {
	for key, expected := range r.Conditions {
		actual, known := facts[key]
		if !known {
			continue
		}
		if !matchValue(expected, actual) {
			return false
		}
	}
	return true
}

// factValue distinguishes an absent fact (agent unassigned, no project) from
// an empty string that happens to be a real value.
type factValue struct {
	value  string
	absent bool
}

func fact(s string) factValue { return factValue{value: s, absent: s == ""} }

// conditionFacts flattens the event into the dotted keys rules may reference.
// Both dotted and camelCase spellings are accepted for the status pair since
// saved rules use either.
func conditionFacts(ec EvalContext) map[string]factValue {
	t := ec.Task
	from := fact(string(ec.OldStatus))
	to := fact(string(ec.NewStatus))
	return map[string]factValue{
		"status.from":     from,
		"statusFrom":      from,
		"status.to":       to,
		"statusTo":        to,
		"status":          to,
		"type":            fact(t.Type),
		"priority":        fact(string(t.Priority)),
		"agent_id":        fact(t.AgentID),
		"task.id":         fact(t.ID),
		"task.project_id": fact(t.ProjectID),
		"project_id":      fact(t.ProjectID),
	}
}

// matchValue compares one expected condition value against an actual fact.
// A list means any-of; a scalar is compared after string coercion; an
// explicit null matches only an absent fact.
func matchValue(expected any, actual factValue) bool {
	switch exp := expected.(type) {
	case nil:
		return actual.absent
	case []any:
		for _, item := range exp {
			if matchValue(item, actual) {
				return true
			}
		}
		return false
	default:
		return coerceString(expected) == actual.value
	}
}

// coerceString renders a decoded JSON scalar the way the fact map stores it.
func coerceString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// runAction executes one action with its own panic boundary. Returns whether
// the action actually ran; inject_context is declarative and never runs here.
func (e *RulesEngine) runAction(ctx context.Context, r *rule.Rule, idx int, a rule.Action, ec EvalContext) (ran bool) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("rule action panicked", "rule_id", r.ID, "action", idx, "type", a.Type, "panic", rec)
			ran = false
		}
	}()

	switch a.Type {
	case rule.ActionSpawnAgent:
		p, err := a.SpawnAgent()
		if err != nil {
			slog.Warn("spawn_agent params invalid", "rule_id", r.ID, "error", err)
			return false
		}
		outcome := e.dispatcher.SpawnTaskSession(ctx, ec.Task, p.AgentID, SpawnOptions{Template: p.Template})
		if outcome.Err != nil {
			e.recordSpawnFailure(ctx, r, ec.Task, p.AgentID, outcome.Err)
		}
		return true

	case rule.ActionInjectContext:
		// Consumed when a spawn prompt is built; nothing to do on the event.
		return false

	case rule.ActionConflictCheck:
		p, err := a.ConflictCheck()
		if err != nil {
			slog.Warn("conflict_check params invalid", "rule_id", r.ID, "error", err)
			return false
		}
		e.conflicts.Warn(ctx, ec.Task, p.Message)
		return true

	default:
		slog.Warn("unknown action type", "rule_id", r.ID, "type", a.Type)
		return false
	}
}

// recordSpawnFailure leaves a human-visible trace on the task so a failed
// automation is discoverable from the board, not just the logs.
func (e *RulesEngine) recordSpawnFailure(ctx context.Context, r *rule.Rule, t *task.Task, agentID string, cause error) {
	note := fmt.Sprintf("[automation] rule %q could not spawn agent %q: %v", r.Name, agentID, cause)
	combined := note
	if strings.TrimSpace(t.HandoffNotes) != "" {
		combined = t.HandoffNotes + "\n" + note
	}
	if _, err := e.store.UpdateTask(ctx, t.ID, task.Patch{HandoffNotes: &combined}); err != nil {
		slog.Warn("spawn failure note write failed", "task_id", t.ID, "error", err)
	}
	if err := e.store.AppendAudit(ctx, database.AuditEntry{
		Actor:  "rules-engine",
		Action: "rule.spawn_failed",
		TaskID: t.ID,
		Detail: note,
	}); err != nil {
		slog.Warn("audit append failed", "task_id", t.ID, "error", err)
	}
}
