package gateway

import (
	"encoding/json"
	"fmt"
)

// Frame type discriminators on the gateway wire protocol.
const (
	frameReq   = "req"
	frameRes   = "res"
	frameEvent = "event"
)

// frame is the JSON envelope for every message on the duplex socket.
type frame struct {
	Type string `json:"type"`

	// req / res
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *frameError     `json:"error,omitempty"`

	// event
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type frameError struct {
	Message string `json:"message"`
}

func (e *frameError) Error() string {
	return fmt.Sprintf("gateway error: %s", e.Message)
}

// connectRequestID is the fixed correlation id of the handshake request.
const connectRequestID = "connect-req"

// connectParams is the body of the signed "connect" request answering the
// server challenge.
type connectParams struct {
	MinProtocol int             `json:"minProtocol"`
	MaxProtocol int             `json:"maxProtocol"`
	Client      connectClient   `json:"client"`
	Role        string          `json:"role"`
	Scopes      []string        `json:"scopes"`
	Auth        connectAuth     `json:"auth"`
	Challenge   json.RawMessage `json:"challenge,omitempty"`
}

type connectClient struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

type connectAuth struct {
	Token string `json:"token"`
}
