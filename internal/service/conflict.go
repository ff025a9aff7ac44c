package service

import (
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/clawtrol/clawtrol/internal/adapter/ws"
	"github.com/clawtrol/clawtrol/internal/domain/task"
	"github.com/clawtrol/clawtrol/internal/port/broadcast"
	"github.com/clawtrol/clawtrol/internal/port/database"
)

// ConflictDetector flags tasks on the same project that are simultaneously
// in progress and therefore likely to produce merge conflicts. The result is
// purely derived state, recomputed on demand; concurrent scans are collapsed
// through singleflight since every task load triggers one.
type ConflictDetector struct {
	store database.Store
	hub   broadcast.Broadcaster
	group singleflight.Group
}

// NewConflictDetector creates a ConflictDetector.
func NewConflictDetector(store database.Store, hub broadcast.Broadcaster) *ConflictDetector {
	return &ConflictDetector{store: store, hub: hub}
}

// ConflictWarning is pushed over the broadcast channel when a conflicting
// pair is detected at spawn time.
type ConflictWarning struct {
	TaskID    string          `json:"task_id"`
	ProjectID string          `json:"project_id"`
	Message   string          `json:"message,omitempty"`
	Conflicts []task.Conflict `json:"conflicts"`
}

// Scan returns, for every in-progress task in a project group of two or
// more, the list of the other group members. Tasks without a project never
// conflict.
func (c *ConflictDetector) Scan(ctx context.Context) (map[string][]task.Conflict, error) {
	v, err, _ := c.group.Do("scan", func() (any, error) {
		// The flight result is shared with piggy-backed callers, so the
		// first caller's cancellation must not fail everyone.
		return c.scan(context.WithoutCancel(ctx))
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string][]task.Conflict), nil
}

func (c *ConflictDetector) scan(ctx context.Context) (map[string][]task.Conflict, error) {
	inProgress, err := c.store.ListTasks(ctx, database.TaskFilter{Status: task.StatusInProgress})
	if err != nil {
		return nil, err
	}

	byProject := make(map[string][]task.Task)
	for _, t := range inProgress {
		if t.ProjectID == "" {
			continue
		}
		byProject[t.ProjectID] = append(byProject[t.ProjectID], t)
	}

	result := make(map[string][]task.Conflict)
	for _, group := range byProject {
		if len(group) < 2 {
			continue
		}
		for _, t := range group {
			for _, other := range group {
				if other.ID == t.ID {
					continue
				}
				result[t.ID] = append(result[t.ID], task.Conflict{
					TaskID:  other.ID,
					Title:   other.Title,
					AgentID: other.AgentID,
				})
			}
		}
	}
	return result, nil
}

// ForTask returns the conflict set of a single task.
func (c *ConflictDetector) ForTask(ctx context.Context, t *task.Task) []task.Conflict {
	if t == nil || t.ProjectID == "" {
		return nil
	}
	all, err := c.Scan(ctx)
	if err != nil {
		slog.Warn("conflict scan failed", "task_id", t.ID, "error", err)
		return nil
	}
	return all[t.ID]
}

// Warn pushes an advisory conflict warning for the task if its project has
// other in-progress work. Called when a new session is spawned; never blocks
// or fails the caller.
func (c *ConflictDetector) Warn(ctx context.Context, t *task.Task, message string) {
	conflicts := c.ForTask(ctx, t)
	if len(conflicts) == 0 {
		return
	}
	c.hub.BroadcastEvent(ctx, ws.EventConflictWarning, ConflictWarning{
		TaskID:    t.ID,
		ProjectID: t.ProjectID,
		Message:   message,
		Conflicts: conflicts,
	})
}
