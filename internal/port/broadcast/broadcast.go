// Package broadcast defines the fan-out port used to push typed events to
// connected dashboard observers.
package broadcast

import "context"

// Broadcaster pushes a typed event to every connected observer.
// Implementations must never block the caller on a slow consumer.
type Broadcaster interface {
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}
