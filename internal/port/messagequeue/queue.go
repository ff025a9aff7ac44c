// Package messagequeue defines the message queue port for durable event
// publication to other backend components.
package messagequeue

import "context"

// Subjects for published events.
const (
	SubjectTaskCreated      = "tasks.created"
	SubjectTaskUpdated      = "tasks.updated"
	SubjectTaskDeleted      = "tasks.deleted"
	SubjectSessionSpawned   = "sessions.spawned"
	SubjectSessionCompleted = "sessions.completed"
)

// Handler processes a single message. A non-nil error causes redelivery.
type Handler func(subject string, data []byte) error

// Queue is the message queue port.
type Queue interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string, handler Handler) (func(), error)
	IsConnected() bool
	Close() error
}
