// Package gateway defines the port to the external agent gateway. The
// adapter owns exactly one authenticated duplex connection; this interface is
// what services program against so tests can substitute a fake transport.
package gateway

import (
	"context"
	"encoding/json"
)

// Semantic event names. The wire protocol has accumulated several historical
// aliases for some of these; the adapter normalizes external names to this
// set at the protocol boundary.
const (
	EventApprovalRequested = "approval.requested"
	EventApprovalResolved  = "approval.resolved"
	EventSpawnStarted      = "session.spawn.started"
	EventSpawnCompleted    = "session.spawn.completed"
	EventAgentStream       = "agent.stream"
)

// Event is a normalized gateway event.
type Event struct {
	Name string
	Data json.RawMessage
}

// Handler consumes a gateway event. Handlers run on the read loop goroutine
// and must not block.
type Handler func(Event)

// SpawnArgs describes a remote session spawn via the tool-invocation call.
type SpawnArgs struct {
	AgentID           string `json:"agentId"`
	Task              string `json:"task"`
	Label             string `json:"label,omitempty"`
	Cleanup           bool   `json:"cleanup"`
	RunTimeoutSeconds int    `json:"runTimeoutSeconds,omitempty"`
}

// SpawnStartedData is the payload of EventSpawnStarted / EventSpawnCompleted.
type SpawnStartedData struct {
	SessionKey string `json:"sessionKey"`
	AgentID    string `json:"agentId,omitempty"`
	Success    *bool  `json:"success,omitempty"`
	Result     string `json:"result,omitempty"`
	RuntimeMS  int64  `json:"runtimeMs,omitempty"`
}

// StreamData is the payload of EventAgentStream.
type StreamData struct {
	SessionKey string `json:"sessionKey"`
	Stream     string `json:"stream"`
	Data       string `json:"data"`
}

// Gateway is the port to the remote agent platform.
type Gateway interface {
	// Connect opens and authenticates the duplex connection. It is a no-op
	// when already connected. Failure before the first successful connection
	// is returned to the caller; the system then runs without gateway
	// features until a later reconnect succeeds.
	Connect(ctx context.Context) error

	// Connected reports whether the duplex connection is currently live.
	Connected() bool

	// Request sends a correlation-id'd request frame and waits for the
	// matching response. It never retries; retry policy belongs to callers.
	Request(ctx context.Context, method string, params any) (json.RawMessage, error)

	// SpawnSession starts a remote agent session and returns its session key.
	SpawnSession(ctx context.Context, args SpawnArgs) (string, error)

	// On registers a handler for a normalized event name.
	On(event string, h Handler)

	// Close tears down the connection and stops reconnection.
	Close() error
}
