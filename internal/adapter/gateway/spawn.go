package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	gw "github.com/clawtrol/clawtrol/internal/port/gateway"
)

// toolsInvokePath is the gateway's HTTP tool-invocation endpoint.
const toolsInvokePath = "/tools/invoke"

type toolInvokeRequest struct {
	Tool string       `json:"tool"`
	Args gw.SpawnArgs `json:"args"`
}

// sessionKeyFields covers the field names the gateway has used for the spawned
// session handle across versions, at both result and result.details level.
type sessionKeyFields struct {
	SessionKey      string `json:"sessionKey"`
	ChildSessionKey string `json:"childSessionKey"`
}

type toolInvokeResponse struct {
	Result struct {
		sessionKeyFields
		Details sessionKeyFields `json:"details"`
	} `json:"result"`
	Error string `json:"error,omitempty"`
}

func (r toolInvokeResponse) sessionKey() string {
	for _, k := range []string{
		r.Result.ChildSessionKey,
		r.Result.SessionKey,
		r.Result.Details.ChildSessionKey,
		r.Result.Details.SessionKey,
	} {
		if k != "" {
			return k
		}
	}
	return ""
}

// SpawnSession starts a remote agent session through the sessions_spawn tool
// and returns the new session key. The call goes through the circuit breaker;
// it is never retried here.
func (c *Client) SpawnSession(ctx context.Context, args gw.SpawnArgs) (string, error) {
	body, err := json.Marshal(toolInvokeRequest{Tool: "sessions_spawn", Args: args})
	if err != nil {
		return "", fmt.Errorf("marshal spawn request: %w", err)
	}

	var key string
	err = c.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.cfg.HTTPURL+toolsInvokePath, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build spawn request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("invoke sessions_spawn: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("read spawn response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("sessions_spawn returned %d: %s", resp.StatusCode, truncate(data, 256))
		}

		var parsed toolInvokeResponse
		if err := json.Unmarshal(data, &parsed); err != nil {
			return fmt.Errorf("parse spawn response: %w", err)
		}
		if parsed.Error != "" {
			return fmt.Errorf("sessions_spawn: %s", parsed.Error)
		}

		key = parsed.sessionKey()
		if key == "" {
			return fmt.Errorf("sessions_spawn: no session key in response")
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
