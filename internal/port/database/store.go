// Package database defines the persistence port implemented by the postgres
// adapter. The relational store is the single source of truth for tasks,
// rules, agent associations and settings.
package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/clawtrol/clawtrol/internal/domain/rule"
	"github.com/clawtrol/clawtrol/internal/domain/session"
	"github.com/clawtrol/clawtrol/internal/domain/settings"
	"github.com/clawtrol/clawtrol/internal/domain/task"
)

// TaskFilter narrows ListTasks. Zero values mean no filter.
type TaskFilter struct {
	ProjectID string
	Status    task.Status
}

// AuditEntry is an append-only record of an automation or operator action.
type AuditEntry struct {
	Actor  string
	Action string
	TaskID string
	Detail string
}

// Store is the persistence port.
type Store interface {
	// Tasks
	CreateTask(ctx context.Context, req task.CreateRequest) (*task.Task, error)
	GetTask(ctx context.Context, id string) (*task.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]task.Task, error)
	UpdateTask(ctx context.Context, id string, patch task.Patch) (*task.Task, error)
	DeleteTask(ctx context.Context, id string) error
	FindTaskBySessionKey(ctx context.Context, sessionKey string) (*task.Task, error)

	// Rules
	CreateRule(ctx context.Context, r *rule.Rule) (*rule.Rule, error)
	GetRule(ctx context.Context, id string) (*rule.Rule, error)
	ListRules(ctx context.Context) ([]rule.Rule, error)
	ListEnabledRules(ctx context.Context, trigger, projectID string) ([]rule.Rule, error)
	UpdateRule(ctx context.Context, id string, patch rule.Patch) (*rule.Rule, error)
	DeleteRule(ctx context.Context, id string) error

	// Agent associations
	CreateAssociation(ctx context.Context, a *session.Association) error
	ListAssociations(ctx context.Context) ([]session.Association, error)
	CompleteAssociation(ctx context.Context, sessionKey string, status session.Status, result string, at time.Time) error
	PruneAssociations(ctx context.Context, keep int) (int64, error)

	// Projects (read-only; CRUD lives in the dashboard backend)
	GetProjectWorkspace(ctx context.Context, projectID string) (string, error)

	// Settings
	GetSetting(ctx context.Context, key string) (*settings.Setting, error)
	UpsertSetting(ctx context.Context, key string, value json.RawMessage) error

	// Audit
	AppendAudit(ctx context.Context, e AuditEntry) error
}
