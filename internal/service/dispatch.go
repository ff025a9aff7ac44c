package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/clawtrol/clawtrol/internal/adapter/otel"
	"github.com/clawtrol/clawtrol/internal/adapter/ws"
	"github.com/clawtrol/clawtrol/internal/config"
	"github.com/clawtrol/clawtrol/internal/domain/session"
	"github.com/clawtrol/clawtrol/internal/domain/task"
	"github.com/clawtrol/clawtrol/internal/port/broadcast"
	"github.com/clawtrol/clawtrol/internal/port/database"
	gw "github.com/clawtrol/clawtrol/internal/port/gateway"
	"github.com/clawtrol/clawtrol/internal/port/messagequeue"
)

// descriptionLimit bounds how much of the task description goes into the
// spawn prompt.
const descriptionLimit = 1200

// qaTemplate is the template name that gets the short QA run budget.
const qaTemplate = "qa-review"

// SpawnSkipReason explains why a spawn did not happen. These are expected
// outcomes, not errors, so callers can branch without error ceremony.
type SpawnSkipReason string

const (
	SkipNone          SpawnSkipReason = ""
	SkipNotInProgress SpawnSkipReason = "not_in_progress"
	SkipNoAgent       SpawnSkipReason = "no_agent"
	SkipUnknownAgent  SpawnSkipReason = "unknown_agent"
	SkipNoTransition  SpawnSkipReason = "no_transition"
	SkipHasSession    SpawnSkipReason = "has_session"
	SkipNoProject     SpawnSkipReason = "no_project"
	SkipSpawnFailed   SpawnSkipReason = "spawn_failed"
	SkipTaskNotFound  SpawnSkipReason = "task_not_found"
	SkipWriteFailed   SpawnSkipReason = "session_write_failed"
)

// SpawnOutcome is the typed result of a spawn decision.
type SpawnOutcome struct {
	Spawned    bool
	SessionKey string
	Reason     SpawnSkipReason
	Err        error // transport/validation detail; nil for pure skips
}

// SpawnOptions adjusts a direct spawn.
type SpawnOptions struct {
	Template string
	// Force allows re-spawning a task that already has a session key. Only
	// explicit operator actions set it; automation never does.
	Force bool
}

// ContextSource contributes extra prompt text when a spawn prompt is built.
// The rules engine implements it with its inject_context actions.
type ContextSource interface {
	InjectedContext(ctx context.Context, t *task.Task) []string
}

// Dispatcher decides whether a task needs a fresh remote session and starts
// one. It never polls for completion; that arrives via gateway events or the
// remote agent calling back into the task API.
type Dispatcher struct {
	store   database.Store
	gateway gw.Gateway
	hub     broadcast.Broadcaster
	queue   messagequeue.Queue
	metrics *otel.Metrics
	cfg     config.Dispatch

	contexts  ContextSource
	conflicts *ConflictDetector
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(store database.Store, gateway gw.Gateway, hub broadcast.Broadcaster,
	queue messagequeue.Queue, metrics *otel.Metrics, cfg config.Dispatch) *Dispatcher {
	return &Dispatcher{
		store:   store,
		gateway: gateway,
		hub:     hub,
		queue:   queue,
		metrics: metrics,
		cfg:     cfg,
	}
}

// SetContextSource wires the rules engine's inject_context accessor.
// Separate from the constructor because engine and dispatcher reference each
// other.
func (d *Dispatcher) SetContextSource(cs ContextSource) { d.contexts = cs }

// SetConflictDetector wires the advisory conflict warning at spawn time.
func (d *Dispatcher) SetConflictDetector(cd *ConflictDetector) { d.conflicts = cd }

// AllowedAgent reports whether agentID is one of the known agent identities.
func (d *Dispatcher) AllowedAgent(agentID string) bool {
	for _, a := range d.cfg.AllowedAgents {
		if a == agentID {
			return true
		}
	}
	return false
}

// MaybeSpawn runs on every task status or agent change. It spawns only when
// the effective status is in-progress, the agent is known, and either the
// status just became in-progress or the agent was just assigned or changed.
// A task that already has a session key is never re-spawned here; re-spawn
// requires an explicit operator force.
func (d *Dispatcher) MaybeSpawn(ctx context.Context, taskID string,
	oldStatus, newStatus task.Status, oldAgentID, newAgentID string) SpawnOutcome {

	if newStatus != task.StatusInProgress {
		return SpawnOutcome{Reason: SkipNotInProgress}
	}
	if newAgentID == "" {
		return SpawnOutcome{Reason: SkipNoAgent}
	}
	if !d.AllowedAgent(newAgentID) {
		return SpawnOutcome{Reason: SkipUnknownAgent}
	}

	becameInProgress := oldStatus != task.StatusInProgress
	agentChanged := oldAgentID != newAgentID
	if !becameInProgress && !agentChanged {
		return SpawnOutcome{Reason: SkipNoTransition}
	}

	t, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return SpawnOutcome{Reason: SkipTaskNotFound, Err: err}
	}
	if t.SessionKey != "" {
		return SpawnOutcome{Reason: SkipHasSession}
	}

	return d.SpawnTaskSession(ctx, t, newAgentID, SpawnOptions{})
}

// SpawnTaskSession validates and starts a remote session for the task,
// writes the session key back, and records the association and audit trail.
// Validation and transport failures come back as typed outcomes, never
// panics or raw errors.
func (d *Dispatcher) SpawnTaskSession(ctx context.Context, t *task.Task, agentID string, opts SpawnOptions) SpawnOutcome {
	if !d.AllowedAgent(agentID) {
		return SpawnOutcome{Reason: SkipUnknownAgent}
	}
	if t.ProjectID == "" {
		return SpawnOutcome{Reason: SkipNoProject}
	}
	if t.SessionKey != "" && !opts.Force {
		return SpawnOutcome{Reason: SkipHasSession}
	}

	workspace, err := d.store.GetProjectWorkspace(ctx, t.ProjectID)
	if err != nil {
		return SpawnOutcome{Reason: SkipNoProject, Err: err}
	}

	prompt := d.buildPrompt(ctx, t, agentID, workspace, opts.Template)

	timeout := d.cfg.RunTimeout
	if opts.Template == qaTemplate {
		timeout = d.cfg.QARunTimeout
	}

	d.metrics.SpawnsStarted.Add(ctx, 1)

	key, err := d.gateway.SpawnSession(ctx, gw.SpawnArgs{
		AgentID:           agentID,
		Task:              prompt,
		Label:             "task-" + t.ID,
		Cleanup:           true,
		RunTimeoutSeconds: int(timeout.Seconds()),
	})
	if err != nil {
		d.metrics.SpawnsFailed.Add(ctx, 1)
		slog.Error("session spawn failed", "task_id", t.ID, "agent_id", agentID, "error", err)
		d.audit(ctx, t.ID, "spawn.failed", err.Error())
		return SpawnOutcome{Reason: SkipSpawnFailed, Err: err}
	}

	if _, err := d.store.UpdateTask(ctx, t.ID, task.Patch{SessionKey: &key}); err != nil {
		// The remote session is running but we lost the handle linkage; the
		// spawn-completed event will re-link it by session key.
		slog.Error("session key write failed", "task_id", t.ID, "session_key", key, "error", err)
		return SpawnOutcome{Spawned: true, SessionKey: key, Reason: SkipWriteFailed, Err: err}
	}

	if err := d.store.CreateAssociation(ctx, &session.Association{
		SessionKey: key,
		ProjectID:  t.ProjectID,
		TaskText:   t.Title,
		AgentID:    agentID,
		Status:     session.StatusRunning,
	}); err != nil {
		slog.Warn("association create failed", "session_key", key, "error", err)
	}

	d.metrics.SpawnsSucceeded.Add(ctx, 1)
	d.audit(ctx, t.ID, "spawn.succeeded", "session "+key+" agent "+agentID)
	d.publishSpawned(ctx, t, agentID, key)

	if d.conflicts != nil {
		d.conflicts.Warn(ctx, t, "another task on this project is in progress")
	}

	slog.Info("session spawned", "task_id", t.ID, "agent_id", agentID, "session_key", key)
	return SpawnOutcome{Spawned: true, SessionKey: key}
}

// buildPrompt assembles the instruction payload: task identity, truncated
// description, rule-injected context, and the completion callback contract
// the remote agent must honor.
func (d *Dispatcher) buildPrompt(ctx context.Context, t *task.Task, agentID, workspace, template string) string {
	var b strings.Builder

	switch template {
	case qaTemplate:
		fmt.Fprintf(&b, "Review the work done for task %s (%s) and verify it meets the description.\n", t.ID, t.Title)
	case "docs-update":
		fmt.Fprintf(&b, "Update project documentation affected by task %s (%s).\n", t.ID, t.Title)
	default:
		fmt.Fprintf(&b, "You are agent %q. Work on task %s: %s\n", agentID, t.ID, t.Title)
	}

	if desc := truncateText(t.Description, descriptionLimit); desc != "" {
		b.WriteString("\nDescription:\n")
		b.WriteString(desc)
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "\nWorking directory: %s\n", workspace)

	if d.contexts != nil {
		for _, extra := range d.contexts.InjectedContext(ctx, t) {
			b.WriteString("\n")
			b.WriteString(extra)
			b.WriteString("\n")
		}
	}

	fmt.Fprintf(&b, "\nWhen finished, report back with:\n"+
		"PATCH /api/v1/tasks/%s\n"+
		`{"status": "review", "handoff_notes": "<what you did, done criteria, commit: <hash>>", "commit_hash": "<hash>"}`+
		"\nIf the work produced no code changes, include NO_COMMIT in the handoff notes.\n", t.ID)

	return b.String()
}

func (d *Dispatcher) publishSpawned(ctx context.Context, t *task.Task, agentID, key string) {
	payload := map[string]string{
		"session_key": key,
		"task_id":     t.ID,
		"project_id":  t.ProjectID,
		"agent_id":    agentID,
	}
	d.hub.BroadcastEvent(ctx, ws.EventSessionSpawned, payload)

	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := d.queue.Publish(ctx, messagequeue.SubjectSessionSpawned, data); err != nil {
		slog.Warn("publish session spawned failed", "session_key", key, "error", err)
	}
}

func (d *Dispatcher) audit(ctx context.Context, taskID, action, detail string) {
	if err := d.store.AppendAudit(ctx, database.AuditEntry{
		Actor:  "dispatcher",
		Action: action,
		TaskID: taskID,
		Detail: detail,
	}); err != nil {
		slog.Warn("audit append failed", "action", action, "error", err)
	}
}

// truncateText cuts s to at most limit bytes on a rune boundary so prompts
// never carry a split multi-byte character.
func truncateText(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
