// Package gateway implements the gateway port over a single authenticated
// duplex websocket connection, multiplexing requests, responses and events.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/clawtrol/clawtrol/internal/config"
	gw "github.com/clawtrol/clawtrol/internal/port/gateway"
	"github.com/clawtrol/clawtrol/internal/resilience"
)

// ErrNotConnected is returned by Request when the duplex connection is down.
// Callers see action failures until reconnection completes.
var ErrNotConnected = errors.New("gateway not connected")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("gateway client closed")

type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
)

// Client owns the single outbound gateway connection. Concurrent Request
// calls share it and are distinguished purely by correlation id.
type Client struct {
	cfg config.Gateway

	mu               sync.Mutex
	conn             *websocket.Conn
	state            connState
	closed           bool
	everConnected    bool
	reconnectPending bool

	writeMu sync.Mutex // serializes frame writes on the socket

	pendMu  sync.Mutex
	pending map[string]chan frame

	handlerMu sync.RWMutex
	handlers  map[string][]gw.Handler

	httpClient *http.Client
	breaker    *resilience.Breaker
}

// New creates a gateway client. No connection is opened until Connect.
func New(cfg config.Gateway, breaker *resilience.Breaker) *Client {
	return &Client{
		cfg:        cfg,
		pending:    make(map[string]chan frame),
		handlers:   make(map[string][]gw.Handler),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		breaker:    breaker,
	}
}

// Connect dials the gateway and completes the challenge handshake: the
// server emits connect.challenge, the client answers with a "connect"
// request, and the matching response with ok=true completes the handshake.
// Calling Connect while connecting or connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != stateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = stateConnecting
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, nil)
	if err != nil {
		c.mu.Lock()
		c.state = stateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("gateway dial %s: %w", c.cfg.URL, err)
	}
	conn.SetReadLimit(1 << 20)

	// The handshake response is correlated by the fixed connect request id;
	// register it before the read loop can see the challenge.
	ch := make(chan frame, 1)
	c.addPending(connectRequestID, ch)
	defer c.removePending(connectRequestID)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)

	select {
	case f := <-ch:
		if f.OK == nil || !*f.OK {
			msg := "handshake rejected"
			if f.Error != nil {
				msg = f.Error.Message
			}
			c.teardown(conn)
			return fmt.Errorf("gateway connect: %s", msg)
		}
	case <-dialCtx.Done():
		c.teardown(conn)
		return fmt.Errorf("gateway connect: %w", dialCtx.Err())
	}

	c.mu.Lock()
	c.state = stateConnected
	c.everConnected = true
	c.mu.Unlock()

	go c.keepalive(conn)

	slog.Info("gateway connected", "url", c.cfg.URL, "client_id", c.cfg.ClientID)
	return nil
}

// Connected reports whether the duplex connection is live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnected
}

// Request sends a correlation-id'd request frame and waits for the matching
// response. The pending entry is removed on timeout. Requests are never
// retried here; retry policy belongs to the caller.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == stateConnected
	c.mu.Unlock()
	if !connected {
		return nil, ErrNotConnected
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}

	id := uuid.NewString()
	ch := make(chan frame, 1)
	c.addPending(id, ch)
	defer c.removePending(id)

	if err := c.writeFrame(conn, frame{Type: frameReq, ID: id, Method: method, Params: raw}); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case f := <-ch:
		if f.OK == nil || !*f.OK {
			if f.Error != nil {
				return nil, fmt.Errorf("%s: %w", method, f.Error)
			}
			return nil, fmt.Errorf("%s: gateway rejected request", method)
		}
		return f.Payload, nil
	case <-timer.C:
		return nil, fmt.Errorf("%s: request timed out after %s", method, c.cfg.RequestTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// On registers a handler for a normalized event name. Handlers run on the
// read loop goroutine and must not block.
func (c *Client) On(event string, h gw.Handler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

// Close tears down the connection and stops reconnection.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.state = stateDisconnected
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
	}
	return nil
}

// readLoop consumes frames until the socket fails, then flips the state to
// disconnected and schedules a reconnect.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			c.handleClosed(conn, err)
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("gateway: malformed frame", "error", err)
			continue
		}

		switch f.Type {
		case frameRes:
			c.deliver(f)
		case frameEvent:
			name := normalizeEvent(f.Event)
			if name == eventChallenge {
				c.answerChallenge(conn, f.Data)
				continue
			}
			c.dispatch(gw.Event{Name: name, Data: f.Data})
		default:
			slog.Debug("gateway: unexpected frame type", "type", f.Type)
		}
	}
}

// answerChallenge replies to the server challenge with the signed connect
// request carrying protocol bounds, client identity, role and scopes.
func (c *Client) answerChallenge(conn *websocket.Conn, challenge json.RawMessage) {
	params := connectParams{
		MinProtocol: c.cfg.MinProtocol,
		MaxProtocol: c.cfg.MaxProtocol,
		Client: connectClient{
			ID:       c.cfg.ClientID,
			Version:  c.cfg.ClientVersion,
			Platform: runtime.GOOS,
			Mode:     "backend",
		},
		Role:      "operator",
		Scopes:    []string{"read", "write", "approvals", "admin"},
		Auth:      connectAuth{Token: c.cfg.Token},
		Challenge: challenge,
	}

	raw, err := json.Marshal(params)
	if err != nil {
		slog.Error("gateway: marshal connect params", "error", err)
		return
	}

	if err := c.writeFrame(conn, frame{
		Type: frameReq, ID: connectRequestID, Method: "connect", Params: raw,
	}); err != nil {
		slog.Error("gateway: send connect request", "error", err)
	}
}

// keepalive pings the server periodically while the connection is live. A
// failed ping closes the socket; the read loop then drives reconnection.
func (c *Client) keepalive(conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		live := c.conn == conn && c.state == stateConnected
		c.mu.Unlock()
		if !live {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := conn.Ping(ctx)
		cancel()
		if err != nil {
			slog.Warn("gateway: keepalive ping failed", "error", err)
			_ = conn.Close(websocket.StatusGoingAway, "ping failed")
			return
		}
	}
}

// handleClosed runs when the read loop exits. Failures after the first
// successful connection are invisible to callers: pending requests fail,
// state flips to disconnected, and a reconnect is scheduled.
func (c *Client) handleClosed(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		// A stale read loop from an already-replaced connection.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	wasConnected := c.state == stateConnected
	c.state = stateDisconnected
	shouldReconnect := !c.closed && c.everConnected
	if shouldReconnect {
		c.scheduleReconnectLocked()
	}
	c.mu.Unlock()

	c.failPending()

	if wasConnected {
		slog.Warn("gateway disconnected", "error", cause)
	}
}

// scheduleReconnectLocked arms the single reconnect timer. Only one timer may
// be pending at a time; backoff is fixed with no jitter, repeating
// indefinitely until a connect succeeds or the client is closed.
func (c *Client) scheduleReconnectLocked() {
	if c.reconnectPending {
		return
	}
	c.reconnectPending = true

	time.AfterFunc(c.cfg.ReconnectBackoff, func() {
		c.mu.Lock()
		c.reconnectPending = false
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		if err := c.Connect(context.Background()); err != nil {
			slog.Warn("gateway reconnect failed", "error", err)
			c.mu.Lock()
			if !c.closed {
				c.scheduleReconnectLocked()
			}
			c.mu.Unlock()
		} else {
			slog.Info("gateway reconnected")
		}
	})
}

func (c *Client) teardown(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.state = stateDisconnected
	c.mu.Unlock()
	_ = conn.Close(websocket.StatusProtocolError, "handshake failed")
}

func (c *Client) writeFrame(conn *websocket.Conn, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (c *Client) addPending(id string, ch chan frame) {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()
	c.pending[id] = ch
}

func (c *Client) removePending(id string) {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()
	delete(c.pending, id)
}

// deliver routes a response frame to its pending request, if still waiting.
func (c *Client) deliver(f frame) {
	c.pendMu.Lock()
	ch, ok := c.pending[f.ID]
	if ok {
		delete(c.pending, f.ID)
	}
	c.pendMu.Unlock()

	if ok {
		ch <- f
	}
}

// failPending rejects every in-flight request with a connection-closed error.
func (c *Client) failPending() {
	c.pendMu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan frame)
	c.pendMu.Unlock()

	no := false
	for _, ch := range pending {
		ch <- frame{Type: frameRes, OK: &no, Error: &frameError{Message: "connection closed"}}
	}
}

func (c *Client) dispatch(ev gw.Event) {
	c.handlerMu.RLock()
	handlers := append([]gw.Handler(nil), c.handlers[ev.Name]...)
	c.handlerMu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}
