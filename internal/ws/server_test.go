package ws

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/skillswap/chat-app/internal/auth"
	"github.com/skillswap/chat-app/internal/delivery"
	"github.com/skillswap/chat-app/internal/presence"
	"github.com/skillswap/chat-app/internal/protocol"
)

// tokenGate admits the user named by the access token.
type tokenGate struct{}

func (tokenGate) Admit(_ context.Context, c auth.Credentials) (auth.Principal, error) {
	if c.Access == "" {
		return auth.Principal{}, auth.ErrMissingCredential
	}
	return auth.Principal{UserID: c.Access}, nil
}

type wsClient struct {
	conn net.Conn
	rw   io.ReadWriter
}

func startServer(t *testing.T) (*httptest.Server, *Server, *delivery.Router) {
	t.Helper()
	return startServerWith(t, func(r *delivery.Router) Registrar { return r })
}

// startServerWith lets a test wrap the router handed to the server.
func startServerWith(t *testing.T, wrap func(*delivery.Router) Registrar) (*httptest.Server, *Server, *delivery.Router) {
	t.Helper()

	cfg := delivery.DefaultConfig()
	cfg.ServerName = "test"
	router := delivery.NewRouter(cfg, presence.NewMemoryRegistry(), nil)

	d := NewMessageDispatcher(time.Second)
	srv := NewServer(DefaultServerConfig(), tokenGate{}, wrap(router), nil, d.Dispatch)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Shutdown() })

	ts := httptest.NewServer(http.HandlerFunc(srv.HandleUpgrade))
	t.Cleanup(ts.Close)
	return ts, srv, router
}

func dial(t *testing.T, ts *httptest.Server, query string) (*wsClient, error) {
	t.Helper()

	url := "ws://" + strings.TrimPrefix(ts.URL, "http://") + "/ws" + query
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	t.Cleanup(func() { conn.Close() })

	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}
	return &wsClient{conn: conn, rw: struct {
		io.Reader
		io.Writer
	}{r, conn}}, nil
}

func (c *wsClient) send(t *testing.T, raw string) {
	t.Helper()
	if err := wsutil.WriteClientText(c.conn, []byte(raw)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// expect reads frames until one of type event arrives.
func (c *wsClient) expect(t *testing.T, event string) map[string]any {
	t.Helper()
	for i := 0; i < 10; i++ {
		_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		data, _, err := wsutil.ReadServerData(c.rw)
		if err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		if m["type"] == event {
			return m
		}
	}
	t.Fatalf("no %s frame", event)
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestUpgradeRejectsMissingCredential(t *testing.T) {
	ts, srv, _ := startServer(t)

	if _, err := dial(t, ts, ""); err == nil {
		t.Fatal("dial without credentials should fail")
	}
	if srv.Connections().Count() != 0 {
		t.Error("rejected upgrade must not register a connection")
	}
}

func TestUpgradeAndPresence(t *testing.T) {
	ts, srv, router := startServer(t)
	ctx := context.Background()

	alice, err := dial(t, ts, "?token=alice")
	if err != nil {
		t.Fatalf("dial alice: %v", err)
	}
	if got := alice.expect(t, protocol.TypeAuthenticated); got["userId"] != "alice" {
		t.Errorf("authenticated = %v", got)
	}

	alice.send(t, `{"type":"ping"}`)
	alice.expect(t, protocol.TypePong)

	bob, err := dial(t, ts, "?token=bob")
	if err != nil {
		t.Fatalf("dial bob: %v", err)
	}
	bob.expect(t, protocol.TypeAuthenticated)

	if got := alice.expect(t, protocol.TypeUserOnline); got["userId"] != "bob" {
		t.Errorf("user_online = %v", got)
	}
	if online, _ := router.IsOnline(ctx, "bob"); !online {
		t.Error("bob should be online")
	}

	bob.conn.Close()
	if got := alice.expect(t, protocol.TypeUserOffline); got["userId"] != "bob" {
		t.Errorf("user_offline = %v", got)
	}
	waitFor(t, func() bool { return srv.Connections().Count() == 1 })
	if online, _ := router.IsOnline(ctx, "bob"); online {
		t.Error("bob should be offline after disconnect")
	}
}

func TestHeartbeatEvictsStaleConnections(t *testing.T) {
	ts, srv, router := startServer(t)

	c, err := dial(t, ts, "?token=carol")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c.expect(t, protocol.TypeAuthenticated)
	waitFor(t, func() bool { return srv.Connections().Count() == 1 })

	cfg := HeartbeatConfig{Interval: time.Second, Timeout: time.Second}
	if n := checkConnections(srv, cfg, time.Now().Add(time.Minute)); n != 1 {
		t.Fatalf("evicted %d, want 1", n)
	}
	if srv.Connections().Count() != 0 {
		t.Error("stale connection still registered")
	}
	if online, _ := router.IsOnline(context.Background(), "carol"); online {
		t.Error("eviction must unregister presence")
	}
}

// heldRegistrar blocks Connect until release is closed.
type heldRegistrar struct {
	*delivery.Router
	entered  chan struct{}
	release  chan struct{}
	returned chan struct{}
}

func (h *heldRegistrar) Connect(ctx context.Context, sink delivery.Sink) error {
	close(h.entered)
	<-h.release
	defer close(h.returned)
	return h.Router.Connect(ctx, sink)
}

func holdConnect(t *testing.T) (*httptest.Server, *Server, *delivery.Router, *heldRegistrar) {
	t.Helper()
	held := &heldRegistrar{
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
		returned: make(chan struct{}),
	}
	ts, srv, router := startServerWith(t, func(r *delivery.Router) Registrar {
		held.Router = r
		return held
	})
	return ts, srv, router, held
}

func TestConnectionNotRemovableBeforeRegistered(t *testing.T) {
	ts, srv, router, held := holdConnect(t)

	go dial(t, ts, "?token=alice")
	select {
	case <-held.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("Connect was not called")
	}
	if n := srv.ConnectionCount(); n != 0 {
		t.Fatalf("connection visible before registration: count=%d", n)
	}

	close(held.release)
	waitFor(t, func() bool { return srv.ConnectionCount() == 1 })

	c := srv.Connections().All()[0]
	srv.RemoveConnection(c)

	ctx := context.Background()
	if online, _ := router.IsOnline(ctx, "alice"); online {
		t.Error("alice still online after her only connection was removed")
	}
	if ids := router.LocalConnIDs(); len(ids) != 0 {
		t.Errorf("router still holds local connections %v", ids)
	}
}

func TestShutdownDuringRegistrationUnregisters(t *testing.T) {
	ts, srv, router, held := holdConnect(t)

	go dial(t, ts, "?token=alice")
	select {
	case <-held.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("Connect was not called")
	}

	srv.Shutdown()
	close(held.release)
	<-held.returned

	ctx := context.Background()
	waitFor(t, func() bool {
		online, _ := router.IsOnline(ctx, "alice")
		return !online && len(router.LocalConnIDs()) == 0
	})
	if n := srv.ConnectionCount(); n != 0 {
		t.Errorf("connections after shutdown = %d", n)
	}
}

func TestClientIPIgnoresForwardedHeader(t *testing.T) {
	tests := []struct {
		remote string
		want   string
	}{
		{"10.0.0.7:51234", "10.0.0.7"},
		{"[2001:db8::1]:443", "2001:db8::1"},
		{"203.0.113.9", "203.0.113.9"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.RemoteAddr = tt.remote
		r.Header.Set("X-Forwarded-For", "198.51.100.1, 10.0.0.1")
		if got := clientIP(r); got != tt.want {
			t.Errorf("clientIP(%q) = %q, want %q", tt.remote, got, tt.want)
		}
	}
}
