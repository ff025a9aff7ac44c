// Package task defines the Task domain entity and its lifecycle.
package task

import (
	"encoding/json"
	"strings"
	"time"
)

// Status represents where a task sits in its lifecycle.
type Status string

const (
	StatusBacklog    Status = "backlog"
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusReview     Status = "review"
	StatusDone       Status = "done"
)

// ParseStatus canonicalizes an external status string. Clients use both the
// hyphenated spelling ("in-progress") and the stored one ("in_progress").
func ParseStatus(s string) Status {
	return Status(strings.ReplaceAll(s, "-", "_"))
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusBacklog, StatusTodo, StatusInProgress, StatusReview, StatusDone:
		return true
	}
	return false
}

// UnmarshalJSON accepts both status spellings at the API boundary.
func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = ParseStatus(raw)
	return nil
}

// Priority is an ordinal urgency level, P0 highest.
type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
)

// LinesChanged holds the diff size attributed to a completed task.
type LinesChanged struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
	Total   int `json:"total"`
}

// NoCommit is the sentinel stored in CommitHash when the handoff notes
// explicitly declare non-code work.
const NoCommit = "none"

// Task represents a unit of trackable work moving through the lifecycle.
// SessionKey is unique across all tasks: one remote agent session maps to at
// most one task. CompletedAt is set iff Status == done.
type Task struct {
	ID                    string        `json:"id"`
	Title                 string        `json:"title"`
	Description           string        `json:"description,omitempty"`
	Type                  string        `json:"type,omitempty"` // e.g. bug, feature, chore
	Status                Status        `json:"status"`
	Priority              Priority      `json:"priority,omitempty"`
	ProjectID             string        `json:"project_id,omitempty"`
	AgentID               string        `json:"agent_id,omitempty"`
	SessionKey            string        `json:"session_key,omitempty"`
	HandoffNotes          string        `json:"handoff_notes,omitempty"`
	CommitHash            string        `json:"commit_hash,omitempty"`
	LinesChanged          *LinesChanged `json:"lines_changed,omitempty"`
	EstimatedHumanMinutes int           `json:"estimated_human_minutes,omitempty"`
	HumanCost             float64       `json:"human_cost,omitempty"`
	Cost                  float64       `json:"cost,omitempty"` // AI run cost, USD
	RuntimeMS             int64         `json:"runtime_ms,omitempty"`
	Model                 string        `json:"model,omitempty"`
	Conflicts             []Conflict    `json:"conflicts,omitempty"` // derived, never persisted
	CreatedAt             time.Time     `json:"created_at"`
	UpdatedAt             time.Time     `json:"updated_at"`
	CompletedAt           *time.Time    `json:"completed_at,omitempty"`
}

// Conflict identifies another in-progress task on the same project.
type Conflict struct {
	TaskID  string `json:"task_id"`
	Title   string `json:"title"`
	AgentID string `json:"agent_id,omitempty"`
}

// CreateRequest holds the fields accepted when creating a task.
type CreateRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Type        string   `json:"type"`
	Status      Status   `json:"status"`
	Priority    Priority `json:"priority"`
	ProjectID   string   `json:"project_id"`
	AgentID     string   `json:"agent_id"`
	SessionKey  string   `json:"session_key"`
}

// Patch is a partial update. Nil pointers mean "leave unchanged", mirroring
// the PATCH semantics of the task API. Any status may follow any other; the
// QA bounce-back review -> in_progress is a normal transition.
type Patch struct {
	Title                 *string       `json:"title,omitempty"`
	Description           *string       `json:"description,omitempty"`
	Type                  *string       `json:"type,omitempty"`
	Status                *Status       `json:"status,omitempty"`
	Priority              *Priority     `json:"priority,omitempty"`
	ProjectID             *string       `json:"project_id,omitempty"`
	AgentID               *string       `json:"agent_id,omitempty"`
	SessionKey            *string       `json:"session_key,omitempty"`
	HandoffNotes          *string       `json:"handoff_notes,omitempty"`
	CommitHash            *string       `json:"commit_hash,omitempty"`
	LinesChanged          *LinesChanged `json:"lines_changed,omitempty"`
	EstimatedHumanMinutes *int          `json:"estimated_human_minutes,omitempty"`
	HumanCost             *float64      `json:"human_cost,omitempty"`
	Cost                  *float64      `json:"cost,omitempty"`
	RuntimeMS             *int64        `json:"runtime_ms,omitempty"`
	Model                 *string       `json:"model,omitempty"`
}
