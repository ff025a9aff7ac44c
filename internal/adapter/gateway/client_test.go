package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/clawtrol/clawtrol/internal/config"
	gw "github.com/clawtrol/clawtrol/internal/port/gateway"
	"github.com/clawtrol/clawtrol/internal/resilience"
)

// fakeGateway is a minimal in-process gateway server: it challenges every new
// connection, accepts the connect request, and lets tests script responses
// and events.
type fakeGateway struct {
	t        *testing.T
	srv      *httptest.Server
	accepted atomic.Int32

	mu        sync.Mutex
	conns     []*websocket.Conn
	connects  []frame
	onRequest func(f frame) frame
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	fg := &fakeGateway{t: t}
	fg.srv = httptest.NewServer(http.HandlerFunc(fg.handle))
	t.Cleanup(fg.srv.Close)
	return fg
}

func (fg *fakeGateway) url() string {
	return strings.Replace(fg.srv.URL, "http", "ws", 1)
}

func (fg *fakeGateway) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	fg.accepted.Add(1)
	fg.mu.Lock()
	fg.conns = append(fg.conns, conn)
	fg.mu.Unlock()

	ctx := context.Background()
	fg.send(ctx, conn, frame{Type: frameEvent, Event: "connect.challenge", Data: json.RawMessage(`{"nonce":"n1"}`)})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		if f.Type != frameReq {
			continue
		}

		if f.Method == "connect" {
			fg.mu.Lock()
			fg.connects = append(fg.connects, f)
			fg.mu.Unlock()
			ok := true
			fg.send(ctx, conn, frame{Type: frameRes, ID: f.ID, OK: &ok, Payload: json.RawMessage(`{"protocol":3}`)})
			continue
		}

		fg.mu.Lock()
		handler := fg.onRequest
		fg.mu.Unlock()
		if handler != nil {
			res := handler(f)
			res.Type = frameRes
			res.ID = f.ID
			fg.send(ctx, conn, res)
		}
	}
}

func (fg *fakeGateway) send(ctx context.Context, conn *websocket.Conn, f frame) {
	data, err := json.Marshal(f)
	if err != nil {
		fg.t.Errorf("marshal server frame: %v", err)
		return
	}
	_ = conn.Write(ctx, websocket.MessageText, data)
}

func (fg *fakeGateway) setOnRequest(h func(f frame) frame) {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	fg.onRequest = h
}

func (fg *fakeGateway) dropConnections() {
	fg.mu.Lock()
	conns := fg.conns
	fg.conns = nil
	fg.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "test drop")
	}
}

func (fg *fakeGateway) broadcast(f frame) {
	fg.mu.Lock()
	conns := append([]*websocket.Conn(nil), fg.conns...)
	fg.mu.Unlock()
	for _, conn := range conns {
		fg.send(context.Background(), conn, f)
	}
}

func testGatewayConfig(url string) config.Gateway {
	return config.Gateway{
		URL:               url,
		Token:             "test-token",
		ClientID:          "test-client",
		ClientVersion:     "0.0.1",
		MinProtocol:       1,
		MaxProtocol:       3,
		ConnectTimeout:    2 * time.Second,
		RequestTimeout:    2 * time.Second,
		KeepaliveInterval: time.Minute,
		ReconnectBackoff:  50 * time.Millisecond,
	}
}

func newTestClient(t *testing.T, fg *fakeGateway) *Client {
	t.Helper()
	c := New(testGatewayConfig(fg.url()), resilience.NewBreaker(5, time.Second))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitForCond(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestConnectCompletesChallengeHandshake(t *testing.T) {
	fg := newFakeGateway(t)
	c := newTestClient(t, fg)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !c.Connected() {
		t.Fatal("client should report connected")
	}

	fg.mu.Lock()
	defer fg.mu.Unlock()
	if len(fg.connects) != 1 {
		t.Fatalf("expected 1 connect request, got %d", len(fg.connects))
	}

	var params connectParams
	if err := json.Unmarshal(fg.connects[0].Params, &params); err != nil {
		t.Fatalf("unmarshal connect params: %v", err)
	}
	if params.Auth.Token != "test-token" {
		t.Fatalf("expected auth token, got %q", params.Auth.Token)
	}
	if params.Role != "operator" {
		t.Fatalf("expected operator role, got %q", params.Role)
	}
	if params.MinProtocol != 1 || params.MaxProtocol != 3 {
		t.Fatalf("protocol bounds wrong: %d..%d", params.MinProtocol, params.MaxProtocol)
	}
}

func TestConnectIsNoOpWhileConnected(t *testing.T) {
	fg := newFakeGateway(t)
	c := newTestClient(t, fg)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second connect should be a no-op: %v", err)
	}
	if got := fg.accepted.Load(); got != 1 {
		t.Fatalf("expected 1 accepted connection, got %d", got)
	}
}

func TestRequestCorrelation(t *testing.T) {
	fg := newFakeGateway(t)
	fg.setOnRequest(func(f frame) frame {
		ok := true
		payload, _ := json.Marshal(map[string]string{"echo": f.Method})
		return frame{OK: &ok, Payload: payload}
	})

	c := newTestClient(t, fg)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	var wg sync.WaitGroup
	methods := []string{"alpha", "beta", "gamma"}
	for _, m := range methods {
		wg.Add(1)
		go func(method string) {
			defer wg.Done()
			payload, err := c.Request(context.Background(), method, map[string]string{})
			if err != nil {
				t.Errorf("%s: %v", method, err)
				return
			}
			var res struct {
				Echo string `json:"echo"`
			}
			if err := json.Unmarshal(payload, &res); err != nil {
				t.Errorf("%s: unmarshal: %v", method, err)
				return
			}
			if res.Echo != method {
				t.Errorf("response crossed wires: sent %s got %s", method, res.Echo)
			}
		}(m)
	}
	wg.Wait()
}

func TestRequestErrorResponse(t *testing.T) {
	fg := newFakeGateway(t)
	fg.setOnRequest(func(frame) frame {
		no := false
		return frame{OK: &no, Error: &frameError{Message: "no such tool"}}
	})

	c := newTestClient(t, fg)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	_, err := c.Request(context.Background(), "bogus", nil)
	if err == nil || !strings.Contains(err.Error(), "no such tool") {
		t.Fatalf("expected gateway error message, got %v", err)
	}
}

func TestRequestTimesOut(t *testing.T) {
	fg := newFakeGateway(t)
	// No onRequest handler: the server swallows the request.

	cfg := testGatewayConfig(fg.url())
	cfg.RequestTimeout = 100 * time.Millisecond
	c := New(cfg, resilience.NewBreaker(5, time.Second))
	t.Cleanup(func() { _ = c.Close() })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	_, err := c.Request(context.Background(), "void", nil)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestRequestWhenDisconnected(t *testing.T) {
	fg := newFakeGateway(t)
	c := newTestClient(t, fg)

	_, err := c.Request(context.Background(), "early", nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestEventsAreNormalizedAndDispatched(t *testing.T) {
	fg := newFakeGateway(t)
	c := newTestClient(t, fg)

	var mu sync.Mutex
	var got []gw.Event
	c.On(gw.EventSpawnCompleted, func(ev gw.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// The server emits a historical alias; the handler is registered on the
	// semantic name.
	fg.broadcast(frame{
		Type:  frameEvent,
		Event: "sessions.spawn_completed",
		Data:  json.RawMessage(`{"sessionKey":"sess-1","success":true}`),
	})

	waitForCond(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if got[0].Name != gw.EventSpawnCompleted {
		t.Fatalf("expected normalized name, got %q", got[0].Name)
	}
	var data gw.SpawnStartedData
	if err := json.Unmarshal(got[0].Data, &data); err != nil {
		t.Fatalf("unmarshal event data: %v", err)
	}
	if data.SessionKey != "sess-1" {
		t.Fatalf("expected sess-1, got %q", data.SessionKey)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	fg := newFakeGateway(t)
	c := newTestClient(t, fg)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	fg.dropConnections()

	waitForCond(t, func() bool { return fg.accepted.Load() >= 2 && c.Connected() })

	// The restored connection must serve requests again.
	fg.setOnRequest(func(frame) frame {
		ok := true
		return frame{OK: &ok, Payload: json.RawMessage(`{}`)}
	})
	if _, err := c.Request(context.Background(), "ping", nil); err != nil {
		t.Fatalf("request after reconnect: %v", err)
	}
}

func TestDropFailsPendingRequests(t *testing.T) {
	fg := newFakeGateway(t)
	c := newTestClient(t, fg)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "stuck", nil)
		errCh <- err
	}()

	// Give the request time to land in the pending map, then cut the link.
	time.Sleep(50 * time.Millisecond)
	fg.dropConnections()

	select {
	case err := <-errCh:
		if err == nil || !strings.Contains(err.Error(), "connection closed") {
			t.Fatalf("expected connection closed error, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("pending request did not fail after disconnect")
	}
}

func TestNoReconnectAfterClose(t *testing.T) {
	fg := newFakeGateway(t)
	c := newTestClient(t, fg)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	_ = c.Close()

	time.Sleep(200 * time.Millisecond)
	if got := fg.accepted.Load(); got != 1 {
		t.Fatalf("closed client must not reconnect, got %d connections", got)
	}
	if err := c.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
