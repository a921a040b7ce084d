package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentwire-ai/agentwire/internal/auth"
	"github.com/agentwire-ai/agentwire/internal/config"
	"github.com/agentwire-ai/agentwire/internal/governor"
	"github.com/agentwire-ai/agentwire/internal/manager"
	"github.com/agentwire-ai/agentwire/internal/registry"
	"github.com/agentwire-ai/agentwire/internal/router"
	"github.com/agentwire-ai/agentwire/internal/store"
	"github.com/agentwire-ai/agentwire/pkg/protocol"
)

const testSecret = "test-secret-at-least-32-chars-long"

func setupTestServer(t *testing.T) (*Server, *auth.BuiltinProvider) {
	return setupTestServerOrigins(t, []string{"*"})
}

func setupTestServerOrigins(t *testing.T, origins []string) (*Server, *auth.BuiltinProvider) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := &config.Config{
		Server: config.ServerConfig{
			Addr:           ":0",
			AllowedOrigins: origins,
			MaxBodyBytes:   1024 * 1024,
		},
		Auth: config.AuthConfig{
			Provider:  "builtin",
			JWTSecret: testSecret,
		},
		RateLimit: config.RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
		},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(logger)
	rt := router.New(reg, logger, router.Options{SendTimeout: time.Second})
	gov := governor.New(governor.Config{
		PerUserLimit: 5,
		GlobalLimit:  100,
		ZombieTTL:    time.Minute,
		ScanInterval: time.Second,
	}, reg, s, logger)
	mgr := manager.New(reg, rt, gov, s, logger)

	ap := auth.NewBuiltinProvider(testSecret)
	return NewServer(s, ap, mgr, cfg, logger), ap
}

func issueToken(t *testing.T, ap *auth.BuiltinProvider, userID, role string) string {
	t.Helper()
	token, err := ap.IssueToken(auth.Identity{UserID: userID, Username: userID, Role: role}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func doRequest(t *testing.T, srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	srv, _ := setupTestServer(t)
	w := doRequest(t, srv, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestReadyz(t *testing.T) {
	srv, _ := setupTestServer(t)
	w := doRequest(t, srv, http.MethodGet, "/readyz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestStatsRequiresAuth(t *testing.T) {
	srv, ap := setupTestServer(t)

	if w := doRequest(t, srv, http.MethodGet, "/api/stats", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	token := issueToken(t, ap, "u-1", "user")
	w := doRequest(t, srv, http.MethodGet, "/api/stats", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var stats governor.ResourceStats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("stats response: %v", err)
	}
	if stats.PressureLevel != governor.PressureLow {
		t.Fatalf("expected low pressure on empty gateway, got %+v", stats)
	}
}

func TestPublishEventValidation(t *testing.T) {
	srv, ap := setupTestServer(t)
	token := issueToken(t, ap, "u-1", "user")

	// Unknown event type.
	w := doRequest(t, srv, http.MethodPost, "/api/events", token,
		map[string]string{"type": "agent_exploded", "user_id": "u-1"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown type, got %d", w.Code)
	}

	// Missing routing key.
	w = doRequest(t, srv, http.MethodPost, "/api/events", token,
		map[string]string{"type": "agent_started"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing routing key, got %d", w.Code)
	}
}

func TestPublishEventOfflineUser(t *testing.T) {
	srv, ap := setupTestServer(t)
	token := issueToken(t, ap, "u-1", "user")

	w := doRequest(t, srv, http.MethodPost, "/api/events", token,
		map[string]string{"type": "agent_started", "user_id": "nobody"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var res router.DeliveryResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Attempted != 0 || res.Succeeded != 0 {
		t.Fatalf("expected empty delivery result, got %+v", res)
	}
}

func TestBroadcastRequiresAdmin(t *testing.T) {
	srv, ap := setupTestServer(t)

	userToken := issueToken(t, ap, "u-1", "user")
	w := doRequest(t, srv, http.MethodPost, "/api/broadcast", userToken,
		map[string]string{"type": "agent_started"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", w.Code)
	}

	adminToken := issueToken(t, ap, "admin-1", "admin")
	w = doRequest(t, srv, http.MethodPost, "/api/broadcast", adminToken,
		map[string]string{"type": "agent_started"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d: %s", w.Code, w.Body.String())
	}
}

func dialWS(t *testing.T, ts *httptest.Server, token, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + token + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v (resp %v)", url, err, resp)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func TestWebSocketDeliversUserEvents(t *testing.T) {
	srv, ap := setupTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	token := issueToken(t, ap, "u-1", "user")
	conn := dialWS(t, ts, token, "")

	// Give the server a moment to register the connection.
	waitForConnections(t, srv, 1)

	w := doRequest(t, srv, http.MethodPost, "/api/events", token,
		map[string]string{"type": "agent_started", "user_id": "u-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("publish: %d %s", w.Code, w.Body.String())
	}

	env := readEnvelope(t, conn)
	if env.Type != protocol.EventAgentStarted || env.UserID != "u-1" || env.Sequence != 1 {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestWebSocketThreadSubscription(t *testing.T) {
	srv, ap := setupTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	token := issueToken(t, ap, "u-1", "user")
	conn := dialWS(t, ts, token, "")
	waitForConnections(t, srv, 1)

	sub := protocol.ClientFrame{Type: protocol.FrameSubscribe, ThreadID: "th-1"}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatal(err)
	}
	waitForThread(t, srv, "th-1")

	w := doRequest(t, srv, http.MethodPost, "/api/events", token,
		map[string]string{"type": "tool_executing", "thread_id": "th-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("publish: %d %s", w.Code, w.Body.String())
	}

	// The subscription probe may have queued envelopes ahead of ours.
	deadline := time.Now().Add(2 * time.Second)
	for {
		env := readEnvelope(t, conn)
		if env.Type == protocol.EventToolExecuting {
			if env.ThreadID != "th-1" {
				t.Fatalf("unexpected envelope %+v", env)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("never received tool event, last %+v", env)
		}
	}
}

func TestWebSocketOriginCheck(t *testing.T) {
	srv, ap := setupTestServerOrigins(t, []string{"http://app.example.com"})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	token := issueToken(t, ap, "u-1", "user")
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + token

	// An unlisted browser origin is refused before the upgrade.
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://evil.example.com"}})
	if err == nil {
		t.Fatal("expected handshake failure for unlisted origin")
	}
	if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 handshake response, got %d", resp.StatusCode)
	}

	// The listed origin passes.
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://app.example.com"}})
	if err != nil {
		t.Fatalf("dial with allowed origin: %v", err)
	}
	_ = conn.Close()

	// So does a non-browser client sending no Origin at all.
	conn, _, err = websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial without origin: %v", err)
	}
	_ = conn.Close()
}

func TestOriginPolicy(t *testing.T) {
	tests := []struct {
		name    string
		origins []string
		origin  string
		want    bool
	}{
		{"wildcard allows any", []string{"*"}, "http://anywhere.example.com", true},
		{"listed origin", []string{"http://a.example.com"}, "http://a.example.com", true},
		{"unlisted origin", []string{"http://a.example.com"}, "http://b.example.com", false},
		{"empty origin is a non-browser client", []string{"http://a.example.com"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newOriginPolicy(tt.origins)
			if got := p.permits(tt.origin); got != tt.want {
				t.Errorf("permits(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func waitForConnections(t *testing.T, srv *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if srv.manager.Stats().TotalConnections >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d connections", n)
}

func waitForThread(t *testing.T, srv *Server, threadID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		res := srv.manager.SendToThread(t.Context(), threadID, protocol.Envelope{Type: protocol.EventAgentThinking})
		if res.Succeeded > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for thread %s subscription", threadID)
}
