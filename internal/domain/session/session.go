// Package session defines the AgentAssociation record tracking a spawned
// remote session independently of the task lifecycle. Sessions can be spawned
// ad hoc (outside the task flow) and must still be displayed and audited.
package session

import "time"

// Status of a remote agent session as far as this control plane knows.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusUnknown   Status = "unknown"
)

// Association links a sessionKey to the work it was spawned for.
type Association struct {
	SessionKey  string     `json:"session_key"`
	ProjectID   string     `json:"project_id,omitempty"`
	TaskText    string     `json:"task_text"`
	AgentID     string     `json:"agent_id,omitempty"`
	Status      Status     `json:"status"`
	Result      string     `json:"result,omitempty"`
	SpawnedAt   time.Time  `json:"spawned_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
