package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/clawtrol/clawtrol/internal/adapter/ws"
	"github.com/clawtrol/clawtrol/internal/domain"
	"github.com/clawtrol/clawtrol/internal/domain/rule"
	"github.com/clawtrol/clawtrol/internal/domain/session"
	"github.com/clawtrol/clawtrol/internal/domain/task"
	"github.com/clawtrol/clawtrol/internal/port/broadcast"
	"github.com/clawtrol/clawtrol/internal/port/database"
	"github.com/clawtrol/clawtrol/internal/port/messagequeue"
)

// automationTimeout bounds the background work fired by a task write. The
// request context is gone by then, so each hook gets its own deadline.
const automationTimeout = 30 * time.Second

// TaskService owns the task lifecycle: CRUD, change broadcasting, and the
// automation hooks that fire on status or agent changes. Automation runs
// after the write commits and never affects the API response.
type TaskService struct {
	store      database.Store
	hub        broadcast.Broadcaster
	queue      messagequeue.Queue
	engine     *RulesEngine
	dispatcher *Dispatcher
	enricher   *Enricher
	conflicts  *ConflictDetector
}

// NewTaskService creates a TaskService.
func NewTaskService(store database.Store, hub broadcast.Broadcaster, queue messagequeue.Queue,
	engine *RulesEngine, dispatcher *Dispatcher, enricher *Enricher, conflicts *ConflictDetector) *TaskService {
	return &TaskService{
		store:      store,
		hub:        hub,
		queue:      queue,
		engine:     engine,
		dispatcher: dispatcher,
		enricher:   enricher,
		conflicts:  conflicts,
	}
}

// Create persists a new task and announces it.
func (s *TaskService) Create(ctx context.Context, req task.CreateRequest, actor string) (*task.Task, error) {
	if req.Title == "" {
		return nil, fmt.Errorf("%w: title is required", domain.ErrInvalid)
	}
	if req.Status != "" && !req.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalid, req.Status)
	}

	t, err := s.store.CreateTask(ctx, req)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, actor, "task.created", t.ID, t.Title)
	s.announce(ctx, ws.EventTaskCreated, messagequeue.SubjectTaskCreated, t, nil, actor)
	slog.Info("task created", "task_id", t.ID, "actor", actor)

	if t.Status == task.StatusInProgress || t.Status == task.StatusReview || t.Status == task.StatusDone {
		// Creating a task directly in a hot status fires the same hooks as a
		// transition into it.
		s.fireAutomation(t.ID, task.StatusBacklog, t.Status, "", t.AgentID)
	}
	return s.withConflicts(ctx, t), nil
}

// Get returns one task with its derived conflict set attached.
func (s *TaskService) Get(ctx context.Context, id string) (*task.Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.withConflicts(ctx, t), nil
}

// List returns tasks matching the filter, conflicts attached.
func (s *TaskService) List(ctx context.Context, filter database.TaskFilter) ([]task.Task, error) {
	tasks, err := s.store.ListTasks(ctx, filter)
	if err != nil {
		return nil, err
	}

	all, err := s.conflicts.Scan(ctx)
	if err != nil {
		slog.Warn("conflict scan failed during list", "error", err)
		return tasks, nil
	}
	for i := range tasks {
		tasks[i].Conflicts = all[tasks[i].ID]
	}
	return tasks, nil
}

// Update applies a partial update and, when the status or agent changed,
// fires rule evaluation, auto-spawn and enrichment in the background.
func (s *TaskService) Update(ctx context.Context, id string, patch task.Patch, actor string) (*task.Task, error) {
	if patch.Status != nil && !patch.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalid, *patch.Status)
	}

	old, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	updated, err := s.store.UpdateTask(ctx, id, patch)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, actor, "task.updated", id, describePatch(old, updated))
	s.announce(ctx, ws.EventTaskUpdated, messagequeue.SubjectTaskUpdated, updated, old, actor)

	if old.Status != updated.Status || old.AgentID != updated.AgentID {
		s.fireAutomation(id, old.Status, updated.Status, old.AgentID, updated.AgentID)
	}
	return s.withConflicts(ctx, updated), nil
}

// Delete removes a task and announces the deletion.
func (s *TaskService) Delete(ctx context.Context, id, actor string) error {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteTask(ctx, id); err != nil {
		return err
	}
	s.audit(ctx, actor, "task.deleted", id, t.Title)
	s.announce(ctx, ws.EventTaskDeleted, messagequeue.SubjectTaskDeleted, t, nil, actor)
	return nil
}

// Respawn force-starts a new session for a task, replacing any recorded
// session key. Operator-only; automation never re-spawns.
func (s *TaskService) Respawn(ctx context.Context, id, agentID, actor string) (*task.Task, SpawnOutcome, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, SpawnOutcome{}, err
	}
	if agentID == "" {
		agentID = t.AgentID
	}

	outcome := s.dispatcher.SpawnTaskSession(ctx, t, agentID, SpawnOptions{Force: true})
	if outcome.Err != nil {
		return t, outcome, outcome.Err
	}
	if !outcome.Spawned {
		return t, outcome, fmt.Errorf("%w: respawn skipped (%s)", domain.ErrInvalid, outcome.Reason)
	}

	s.audit(ctx, actor, "task.respawned", id, "session "+outcome.SessionKey)
	fresh, err := s.store.GetTask(ctx, id)
	if err != nil {
		return t, outcome, nil
	}
	return s.withConflicts(ctx, fresh), outcome, nil
}

// HandleSpawnCompleted links a finished remote session back to its task: the
// association flips to a terminal status and runtime metadata lands on the
// task. Safe to call more than once for the same session.
func (s *TaskService) HandleSpawnCompleted(ctx context.Context, sessionKey string, success bool, result string, runtimeMS int64) {
	status := session.StatusCompleted
	if !success {
		status = session.StatusFailed
	}
	if err := s.store.CompleteAssociation(ctx, sessionKey, status, result, time.Now().UTC()); err != nil {
		slog.Warn("association complete failed", "session_key", sessionKey, "error", err)
	}

	t, err := s.store.FindTaskBySessionKey(ctx, sessionKey)
	if err != nil {
		// Ad hoc sessions have no task; nothing more to do.
		return
	}

	patch := task.Patch{}
	if runtimeMS > 0 && t.RuntimeMS == 0 {
		patch.RuntimeMS = &runtimeMS
	}
	if patch != (task.Patch{}) {
		if _, err := s.store.UpdateTask(ctx, t.ID, patch); err != nil {
			slog.Warn("runtime write failed", "task_id", t.ID, "error", err)
		}
	}

	s.hub.BroadcastEvent(ctx, ws.EventSessionCompleted, map[string]any{
		"session_key": sessionKey,
		"task_id":     t.ID,
		"success":     success,
	})
	if data, err := json.Marshal(map[string]any{"session_key": sessionKey, "task_id": t.ID, "success": success}); err == nil {
		if err := s.queue.Publish(ctx, messagequeue.SubjectSessionCompleted, data); err != nil {
			slog.Warn("publish session completed failed", "session_key", sessionKey, "error", err)
		}
	}
	slog.Info("session completed", "session_key", sessionKey, "task_id", t.ID, "success", success)
}

// fireAutomation runs the change hooks detached from the request. Rules only
// react to status transitions; an agent reassignment alone feeds the
// dispatcher but must not re-match status-conditioned rules. Each hook is
// panic-isolated; a crashing rule or enrichment pass must never take down
// anything else.
func (s *TaskService) fireAutomation(taskID string, oldStatus, newStatus task.Status, oldAgentID, newAgentID string) {
	if oldStatus != newStatus {
		go s.guarded("rules", func(ctx context.Context) {
			t, err := s.store.GetTask(ctx, taskID)
			if err != nil {
				return
			}
			s.engine.Evaluate(ctx, rule.TriggerTaskStatusChanged, EvalContext{
				Task:      t,
				OldStatus: oldStatus,
				NewStatus: newStatus,
			})
		})
	}

	go s.guarded("dispatch", func(ctx context.Context) {
		s.dispatcher.MaybeSpawn(ctx, taskID, oldStatus, newStatus, oldAgentID, newAgentID)
	})

	if newStatus == task.StatusDone {
		go s.guarded("enrich", func(ctx context.Context) {
			s.enricher.Enrich(ctx, taskID)
		})
	}
}

func (s *TaskService) guarded(name string, fn func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("automation hook panicked", "hook", name, "panic", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), automationTimeout)
	defer cancel()
	fn(ctx)
}

func (s *TaskService) withConflicts(ctx context.Context, t *task.Task) *task.Task {
	t.Conflicts = s.conflicts.ForTask(ctx, t)
	return t
}

// taskEnvelope is the payload of every task change event: the task state
// after the change, the prior state when one exists (deletes carry the
// removed task in Task), and who made the change.
type taskEnvelope struct {
	Task    *task.Task `json:"task"`
	OldTask *task.Task `json:"old_task,omitempty"`
	Actor   string     `json:"actor"`
}

func (s *TaskService) announce(ctx context.Context, event, subject string, t, old *task.Task, actor string) {
	payload := taskEnvelope{Task: t, OldTask: old, Actor: actor}
	s.hub.BroadcastEvent(ctx, event, payload)
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := s.queue.Publish(ctx, subject, data); err != nil {
		slog.Warn("publish failed", "subject", subject, "task_id", t.ID, "error", err)
	}
}

func (s *TaskService) audit(ctx context.Context, actor, action, taskID, detail string) {
	if err := s.store.AppendAudit(ctx, database.AuditEntry{
		Actor:  actor,
		Action: action,
		TaskID: taskID,
		Detail: detail,
	}); err != nil {
		slog.Warn("audit append failed", "action", action, "error", err)
	}
}

// describePatch summarizes what changed for the audit trail.
func describePatch(old, updated *task.Task) string {
	if old.Status != updated.Status {
		return fmt.Sprintf("status %s -> %s", old.Status, updated.Status)
	}
	if old.AgentID != updated.AgentID {
		return fmt.Sprintf("agent %q -> %q", old.AgentID, updated.AgentID)
	}
	return "fields updated"
}
