package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/cadence/internal/audit"
	"github.com/mbd888/cadence/internal/config"
	"github.com/mbd888/cadence/internal/policy"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const adminPassword = "admin-pass-123"

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                    "0",
		Env:                     "test",
		LogLevel:                "error",
		LogFormat:               "text",
		ShutdownTimeout:         5 * time.Second,
		JWTSecret:               "test-secret",
		JWTExpire:               time.Hour,
		JWTIssuer:               "cadence-test",
		AnomalyBlockThreshold:   0.7,
		HighRiskThreshold:       0.7,
		MediumRiskThreshold:     0.5,
		MinProfileSamples:       3,
		MaxProfileExemplars:     50,
		LearnBelowRisk:          0.5,
		MaxBehaviorHistoryLimit: 5,
		WSMaxConnections:        100,
		WSAuthTimeout:           2 * time.Second,
		WSMessagesPerSecond:     100,
		WSBurst:                 100,
		RateLimitRPM:            6000,
		RateLimitBurst:          1000,
		InitialAdminUsername:    "admin",
		InitialAdminPassword:    adminPassword,
	}
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *Server {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}
	s, err := New(cfg,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithVersion("test"),
		WithDrainDelay(0),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func doJSON(t *testing.T, s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func login(t *testing.T, s *Server, username, password string) string {
	t.Helper()
	w := doJSON(t, s, http.MethodPost, "/api/v1/login", "", map[string]any{
		"username": username, "password": password, "riskScore": 0.1,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decode(t, w)["accessToken"].(string)
}

func registerAndLogin(t *testing.T, s *Server, username string) string {
	t.Helper()
	w := doJSON(t, s, http.MethodPost, "/api/v1/register", "", map[string]any{
		"username": username, "email": username + "@example.com", "password": "password-123",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return login(t, s, username, "password-123")
}

func typing(dwell, interval float64) json.RawMessage {
	var events []map[string]any
	ts := 0.0
	for i := 0; i < 12; i++ {
		key := string(rune('a' + i%5))
		events = append(events,
			map[string]any{"type": "keydown", "key": key, "timestamp": ts},
			map[string]any{"type": "keyup", "key": key, "timestamp": ts + dwell},
		)
		ts += interval
	}
	raw, _ := json.Marshal(events)
	return raw
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "test", body["version"])

	w = doJSON(t, s, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "not ready before Run")

	s.ready.Store(true)
	w = doJSON(t, s, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMiddlewareChain(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = doJSON(t, s, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "cadence_")
}

func TestRejectsInvalidThresholds(t *testing.T) {
	cfg := testConfig()
	cfg.AnomalyBlockThreshold = 1.5
	_, err := New(cfg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.Error(t, err)
}

func TestRejectsPrivateWebhookOutsideDevelopment(t *testing.T) {
	cfg := testConfig()
	cfg.AlertWebhookURL = "http://127.0.0.1:9000/alerts"
	_, err := New(cfg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ALERT_WEBHOOK_URL")

	cfg.AlertAllowPrivate = true
	s, err := New(cfg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))), WithDrainDelay(0))
	require.NoError(t, err)
	assert.NoError(t, s.Shutdown())
}

func TestReviewEndpointsRequireRole(t *testing.T) {
	s := newTestServer(t)
	alice := registerAndLogin(t, s, "alice")
	admin := login(t, s, "admin", adminPassword)

	for _, path := range []string{"/api/v1/security-events", "/api/v1/realtime-monitor"} {
		w := doJSON(t, s, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)

		w = doJSON(t, s, http.MethodGet, path, alice, nil)
		assert.Equal(t, http.StatusForbidden, w.Code, path)

		w = doJSON(t, s, http.MethodGet, path, admin, nil)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}

	w := doJSON(t, s, http.MethodGet, "/api/v1/realtime-monitor", admin, nil)
	body := decode(t, w)
	assert.Contains(t, body, "metrics")
	assert.Contains(t, body, "runtime")
}

func TestSecurityEventsFilter(t *testing.T) {
	s := newTestServer(t)
	admin := login(t, s, "admin", adminPassword)
	registerAndLogin(t, s, "alice")

	w := doJSON(t, s, http.MethodPost, "/api/v1/login", "", map[string]any{"username": "alice", "password": "wrong-password"})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, s, http.MethodGet, "/api/v1/security-events?username=alice&limit=10", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.EqualValues(t, 2, body["count"])
	events := body["events"].([]any)
	assert.Equal(t, string(audit.KindLoginFailed), events[0].(map[string]any)["eventType"], "newest first")

	w = doJSON(t, s, http.MethodGet, "/api/v1/security-events?eventType=LOGIN_SUCCESS", admin, nil)
	assert.EqualValues(t, 2, decode(t, w)["count"], "admin and alice")

	w = doJSON(t, s, http.MethodGet, "/api/v1/security-events?limit=2", admin, nil)
	page := decode(t, w)
	assert.EqualValues(t, 2, page["count"])
	assert.Equal(t, true, page["hasMore"])

	w = doJSON(t, s, http.MethodGet, "/api/v1/security-events?limit=2&cursor="+page["nextCursor"].(string), admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	page = decode(t, w)
	assert.EqualValues(t, 1, page["count"], "three events in total")
	assert.Equal(t, false, page["hasMore"])

	w = doJSON(t, s, http.MethodGet, "/api/v1/security-events?cursor=bm9waXBl", admin, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRoleChange(t *testing.T) {
	s := newTestServer(t)
	admin := login(t, s, "admin", adminPassword)
	alice := registerAndLogin(t, s, "alice")

	w := doJSON(t, s, http.MethodPost, "/api/v1/admin/users/alice/role", alice, map[string]any{"role": "admin"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, s, http.MethodPost, "/api/v1/admin/users/alice/role", admin, map[string]any{"role": "superuser"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, s, http.MethodPost, "/api/v1/admin/users/nobody/role", admin, map[string]any{"role": "analyst"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, s, http.MethodPost, "/api/v1/admin/users/alice/role", admin, map[string]any{"role": "analyst"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// The role is read from the account on each request.
	w = doJSON(t, s, http.MethodGet, "/api/v1/security-events?eventType=ROLE_CHANGED", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])
}

func TestBehavioralHistoryAccess(t *testing.T) {
	s := newTestServer(t)
	admin := login(t, s, "admin", adminPassword)
	alice := registerAndLogin(t, s, "alice")
	bob := registerAndLogin(t, s, "bob")

	u, err := s.accounts.GetUser(context.Background(), "alice")
	require.NoError(t, err)
	for i := 0; i < 8; i++ {
		require.NoError(t, s.samples.SaveSample(context.Background(), u.ID, fmt.Sprintf("s%d", i), typing(90, 200), nil, 0.1))
	}

	w := doJSON(t, s, http.MethodGet, "/api/v1/users/alice/behavioral-history", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 5, decode(t, w)["count"], "capped at the configured maximum")

	w = doJSON(t, s, http.MethodGet, "/api/v1/users/alice/behavioral-history?limit=2", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, decode(t, w)["count"])

	w = doJSON(t, s, http.MethodGet, "/api/v1/users/alice/behavioral-history", bob, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, s, http.MethodGet, "/api/v1/users/nobody/behavioral-history", admin, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, s, http.MethodGet, "/api/v1/users/a%20b/behavioral-history", admin, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBlockedAccountLosesAccessUntilUnblocked(t *testing.T) {
	s := newTestServer(t)
	admin := login(t, s, "admin", adminPassword)
	alice := registerAndLogin(t, s, "alice")

	require.NoError(t, s.enforcer.Block(context.Background(), policy.Block{
		Username: "alice", SessionID: "s1", RiskScore: 0.95,
		Reason: policy.RealtimeBlockReason, Source: "realtime",
	}))

	w := doJSON(t, s, http.MethodGet, "/api/v1/me", alice, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, s, http.MethodPost, "/api/v1/login", "", map[string]any{"username": "alice", "password": "password-123"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, s, http.MethodPost, "/api/v1/admin/users/alice/unblock", admin, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, s, http.MethodGet, "/api/v1/me", alice, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	events, err := s.auditLog.List(context.Background(), audit.Query{Kind: audit.KindAccountUnblocked})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "Unblocked by admin", events[0].Reason)

	w = doJSON(t, s, http.MethodPost, "/api/v1/admin/users/nobody/unblock", admin, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTrainModel(t *testing.T) {
	s := newTestServer(t)
	admin := login(t, s, "admin", adminPassword)
	registerAndLogin(t, s, "alice")
	registerAndLogin(t, s, "bob")

	w := doJSON(t, s, http.MethodPost, "/api/v1/admin/model/train", admin, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.False(t, s.analyzer.GlobalTrained())

	ctx := context.Background()
	for name, rhythm := range map[string][2]float64{"alice": {80, 180}, "bob": {150, 400}} {
		u, err := s.accounts.GetUser(ctx, name)
		require.NoError(t, err)
		for i := 0; i < 3; i++ {
			sid := fmt.Sprintf("%s-%d", name, i)
			require.NoError(t, s.samples.SaveSample(ctx, u.ID, sid, typing(rhythm[0]+float64(i), rhythm[1]), nil, 0.1))
		}
	}
	// Too short to yield features; skipped.
	u, _ := s.accounts.GetUser(ctx, "alice")
	require.NoError(t, s.samples.SaveSample(ctx, u.ID, "short", json.RawMessage(`[{"type":"keydown","key":"a","timestamp":0}]`), nil, 0.1))

	w = doJSON(t, s, http.MethodPost, "/api/v1/admin/model/train", admin, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.EqualValues(t, 6, body["samples"])
	assert.EqualValues(t, 2, body["users"])
	assert.EqualValues(t, 1, body["skipped"])
	assert.True(t, s.analyzer.GlobalTrained())
}

func TestBehavioralStreamEndToEnd(t *testing.T) {
	s := newTestServer(t)
	alice := registerAndLogin(t, s, "alice")

	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/behavioral"
	header := http.Header{"Origin": []string{ts.URL}}
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(map[string]any{"token": alice}))
	require.NoError(t, ws.WriteJSON(map[string]any{
		"type":          "behavioral_data",
		"sessionId":     "sess-1",
		"keystrokeData": typing(90, 220),
		"mouseData":     []any{},
	}))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg map[string]any
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, "analysis_result", msg["type"])
	assert.Equal(t, "sess-1", msg["sessionId"])

	u, err := s.accounts.GetUser(context.Background(), "alice")
	require.NoError(t, err)
	history, err := s.samples.GetHistory(context.Background(), u.ID, 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}
