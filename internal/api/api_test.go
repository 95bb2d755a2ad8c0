package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/skillswap/chat-app/internal/auth"
	"github.com/skillswap/chat-app/internal/chat"
	"github.com/skillswap/chat-app/internal/delivery"
	"github.com/skillswap/chat-app/internal/model"
	"github.com/skillswap/chat-app/internal/presence"
	"github.com/skillswap/chat-app/internal/ratelimit"
	"github.com/skillswap/chat-app/internal/store/memstore"
)

type recordingSink struct {
	id, user string

	mu     sync.Mutex
	frames []map[string]any
}

func (s *recordingSink) ID() string     { return s.id }
func (s *recordingSink) UserID() string { return s.user }

func (s *recordingSink) Enqueue(frame []byte) bool {
	var m map[string]any
	if err := json.Unmarshal(frame, &m); err != nil {
		return false
	}
	s.mu.Lock()
	s.frames = append(s.frames, m)
	s.mu.Unlock()
	return true
}

func (s *recordingSink) last(event string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.frames) - 1; i >= 0; i-- {
		if s.frames[i]["type"] == event {
			return s.frames[i]
		}
	}
	return nil
}

type testEnv struct {
	srv    *httptest.Server
	gate   *auth.Gate
	router *delivery.Router
	tokens map[string]string
}

func newTestEnv(t *testing.T, limiter ratelimit.Limiter) *testEnv {
	t.Helper()
	ctx := context.Background()

	st := memstore.New()
	for _, u := range []model.User{
		{ID: "alice", DisplayName: "Alice Archer"},
		{ID: "bob", DisplayName: "Bob Baker"},
		{ID: "carol", DisplayName: "Carol Cook"},
		{ID: "root", DisplayName: "Operator"},
	} {
		if err := st.UpsertUser(ctx, &u); err != nil {
			t.Fatalf("UpsertUser: %v", err)
		}
	}

	authCfg := auth.DefaultConfig()
	authCfg.AccessSecret = []byte("access-secret")
	authCfg.RefreshSecret = []byte("refresh-secret")
	gate, err := auth.NewGate(authCfg, st, st, auth.NewMemoryRevocations())
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}

	rcfg := delivery.DefaultConfig()
	rcfg.ServerName = "test"
	router := delivery.NewRouter(rcfg, presence.NewMemoryRegistry(), nil)
	svc := chat.NewService(chat.DefaultConfig(), st, router, router)

	cfg := DefaultConfig()
	cfg.AdminIDs = []string{"root"}
	a, err := New(cfg, gate, svc, router, nil, limiter)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(a.Routes())
	t.Cleanup(srv.Close)

	env := &testEnv{srv: srv, gate: gate, router: router, tokens: map[string]string{}}
	for _, id := range []string{"alice", "bob", "carol", "root"} {
		sess, err := gate.Issue(ctx, id)
		if err != nil {
			t.Fatalf("Issue %s: %v", id, err)
		}
		env.tokens[id] = sess.AccessToken
	}
	return env
}

func (e *testEnv) connect(t *testing.T, user string) *recordingSink {
	t.Helper()
	s := &recordingSink{id: e.router.NewConnID(), user: user}
	if err := e.router.Connect(context.Background(), s); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return s
}

// do sends a request as user (no credential when user is empty) and decodes
// a JSON response into out when out is non-nil.
func (e *testEnv) do(t *testing.T, method, path, user string, body any, out any) *http.Response {
	t.Helper()

	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+e.tokens[user])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp
}

func TestRequiresCredential(t *testing.T) {
	env := newTestEnv(t, nil)

	var body errorBody
	resp := env.do(t, http.MethodGet, "/chats/conversations", "", nil, &body)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if body.Code != "missing_credential" {
		t.Errorf("code = %q", body.Code)
	}

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/chats/conversations", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("malformed token: status = %d, want 401", resp.StatusCode)
	}
}

func TestSendAndReadConversation(t *testing.T) {
	env := newTestEnv(t, nil)
	bobConn := env.connect(t, "bob")

	var msg model.Message
	resp := env.do(t, http.MethodPost, "/chats/send/bob", "alice", sendRequest{Message: "hello bob"}, &msg)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("send status = %d", resp.StatusCode)
	}
	if msg.Status != model.StatusSent || msg.SenderID != "alice" || msg.ReceiverID != "bob" {
		t.Errorf("message = %+v", msg)
	}
	if got := bobConn.last("receive_message"); got == nil || got["body"] != "hello bob" {
		t.Errorf("bob's connection got %v", got)
	}

	var views []model.ConversationView
	env.do(t, http.MethodGet, "/chats/conversations", "bob", nil, &views)
	if len(views) != 1 {
		t.Fatalf("conversations = %d, want 1", len(views))
	}
	if views[0].UnreadCount != 1 || views[0].UnreadFor != "bob" || views[0].Peer.ID != "alice" {
		t.Errorf("view = %+v", views[0])
	}

	var page chat.MessagePage
	resp = env.do(t, http.MethodGet, "/chats/"+views[0].ID+"?page=1&limit=10&sort=asc", "bob", nil, &page)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	if len(page.Messages) != 1 || page.Limit != 10 || page.Sort != "asc" {
		t.Errorf("page = %+v", page)
	}

	env.do(t, http.MethodGet, "/chats/conversations", "bob", nil, &views)
	if views[0].UnreadCount != 0 {
		t.Errorf("unread after read = %d, want 0", views[0].UnreadCount)
	}

	resp = env.do(t, http.MethodGet, "/chats/"+views[0].ID, "carol", nil, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("outsider status = %d, want 403", resp.StatusCode)
	}
}

func TestSendErrors(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name   string
		path   string
		body   any
		status int
	}{
		{"empty message", "/chats/send/bob", sendRequest{Message: "   "}, http.StatusBadRequest},
		{"to self", "/chats/send/alice", sendRequest{Message: "hi"}, http.StatusBadRequest},
		{"unknown recipient", "/chats/send/nobody", sendRequest{Message: "hi"}, http.StatusNotFound},
		{"not an object", "/chats/send/bob", "hi", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, tt.path, "alice", tt.body, nil)
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
		})
	}
}

func TestListMessagesBadQuery(t *testing.T) {
	env := newTestEnv(t, nil)

	var msg model.Message
	env.do(t, http.MethodPost, "/chats/send/bob", "alice", sendRequest{Message: "hi"}, &msg)

	for _, q := range []string{"?page=x", "?limit=-1", "?sort=sideways"} {
		resp := env.do(t, http.MethodGet, "/chats/"+msg.ConversationID+q, "alice", nil, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, resp.StatusCode)
		}
	}

	resp := env.do(t, http.MethodGet, "/chats/00000000-0000-0000-0000-000000000000", "alice", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing conversation: status = %d, want 404", resp.StatusCode)
	}
}

func TestUpdateStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	aliceConn := env.connect(t, "alice")

	var msg model.Message
	env.do(t, http.MethodPost, "/chats/send/bob", "alice", sendRequest{Message: "hi"}, &msg)
	path := "/chats/messages/" + msg.ID + "/status"

	resp := env.do(t, http.MethodPatch, path, "alice", statusRequest{Status: "READ"}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("sender update: status = %d, want 403", resp.StatusCode)
	}

	var updated model.Message
	resp = env.do(t, http.MethodPatch, path, "bob", statusRequest{Status: "READ"}, &updated)
	if resp.StatusCode != http.StatusOK || updated.Status != model.StatusRead {
		t.Fatalf("receiver update: status = %d, message = %+v", resp.StatusCode, updated)
	}
	if got := aliceConn.last("message_status_update"); got == nil || got["status"] != "READ" {
		t.Errorf("sender notification = %v", got)
	}

	resp = env.do(t, http.MethodPatch, path, "bob", statusRequest{Status: "DELIVERED"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("backwards update: status = %d, want 400", resp.StatusCode)
	}
	resp = env.do(t, http.MethodPatch, path, "bob", statusRequest{Status: "bogus"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown status: status = %d, want 400", resp.StatusCode)
	}
}

func TestSearchUsers(t *testing.T) {
	env := newTestEnv(t, nil)

	var users []model.User
	env.do(t, http.MethodGet, "/users/search?query=bak", "alice", nil, &users)
	if len(users) != 1 || users[0].ID != "bob" {
		t.Errorf("users = %+v", users)
	}

	env.do(t, http.MethodGet, "/users/search?query=alice", "alice", nil, &users)
	if len(users) != 0 {
		t.Errorf("search must exclude the caller, got %+v", users)
	}

	env.do(t, http.MethodGet, "/users/search", "alice", nil, &users)
	if users == nil || len(users) != 0 {
		t.Errorf("empty query = %+v, want []", users)
	}
}

func TestLogoutRevokesAccess(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, http.MethodPost, "/auth/logout", "alice", nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout status = %d", resp.StatusCode)
	}

	var body errorBody
	resp = env.do(t, http.MethodGet, "/chats/conversations", "alice", nil, &body)
	if resp.StatusCode != http.StatusUnauthorized || body.Code != "revoked_credential" {
		t.Errorf("after logout: status = %d code = %q", resp.StatusCode, body.Code)
	}
}

func TestAdminBroadcast(t *testing.T) {
	env := newTestEnv(t, nil)
	bobConn := env.connect(t, "bob")

	body := map[string]any{"event": "notification", "payload": map[string]any{"title": "Maintenance", "message": "at noon"}}

	resp := env.do(t, http.MethodPost, "/admin/broadcast", "alice", body, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("non-admin: status = %d, want 403", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPost, "/admin/broadcast", "root", body, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("admin: status = %d, want 202", resp.StatusCode)
	}
	if got := bobConn.last("notification"); got == nil || got["title"] != "Maintenance" {
		t.Errorf("bob got %v", got)
	}

	resp = env.do(t, http.MethodPost, "/admin/broadcast", "root", map[string]any{"event": "x", "payload": []int{1}}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("array payload: status = %d, want 400", resp.StatusCode)
	}
	resp = env.do(t, http.MethodPost, "/admin/broadcast", "root", map[string]any{"payload": map[string]any{}}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing event: status = %d, want 400", resp.StatusCode)
	}
}

func TestSendRateLimited(t *testing.T) {
	env := newTestEnv(t, ratelimit.NewMemoryLimiter())

	for i := 0; i < ratelimit.RuleMessage.Limit; i++ {
		resp := env.do(t, http.MethodPost, "/chats/send/bob", "alice", sendRequest{Message: "spam"}, nil)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("send %d: status = %d", i, resp.StatusCode)
		}
		want := strconv.Itoa(ratelimit.RuleMessage.Limit - i - 1)
		if got := resp.Header.Get("X-RateLimit-Remaining"); got != want {
			t.Fatalf("send %d: remaining = %q, want %s", i, got, want)
		}
	}

	var body errorBody
	resp := env.do(t, http.MethodPost, "/chats/send/bob", "alice", sendRequest{Message: "spam"}, &body)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" || body.RetryAfter != ratelimit.RuleMessage.RetryAfter() {
		t.Errorf("retry-after header = %q body = %d", resp.Header.Get("Retry-After"), body.RetryAfter)
	}
	if resp.Header.Get("X-RateLimit-Remaining") != "0" || resp.Header.Get("X-RateLimit-Limit") != strconv.Itoa(ratelimit.RuleMessage.Limit) {
		t.Errorf("rate headers = %v", resp.Header)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, nil)

	var h healthResponse
	resp := env.do(t, http.MethodGet, "/health", "", nil, &h)
	if resp.StatusCode != http.StatusOK || h.Status != "ok" {
		t.Errorf("health = %d %+v", resp.StatusCode, h)
	}

	resp = env.do(t, http.MethodGet, "/metrics", "", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d", resp.StatusCode)
	}
}

func TestRequireAuthSetsRotatedToken(t *testing.T) {
	a := &API{gate: rotatingGate{}}
	var seen string
	h := a.requireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = UserID(r.Context())
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer stale")
	h.ServeHTTP(rec, req)

	if seen != "alice" {
		t.Errorf("user on context = %q", seen)
	}
	if got := rec.Header().Get(auth.AccessHeader); got != "fresh" {
		t.Errorf("%s = %q, want fresh", auth.AccessHeader, got)
	}
}

type rotatingGate struct{}

func (rotatingGate) Admit(context.Context, auth.Credentials) (auth.Principal, error) {
	return auth.Principal{UserID: "alice", RotatedAccess: "fresh"}, nil
}
func (rotatingGate) Revoke(context.Context, string) error { return nil }
func (rotatingGate) AccessTTL() time.Duration             { return time.Minute }
