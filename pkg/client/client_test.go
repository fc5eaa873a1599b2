package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/cadence/internal/config"
	"github.com/mbd888/cadence/internal/server"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func startServer(t *testing.T) string {
	t.Helper()
	cfg := &config.Config{
		Env:                     "test",
		ShutdownTimeout:         5 * time.Second,
		JWTSecret:               "client-test-secret",
		JWTExpire:               time.Hour,
		JWTIssuer:               "cadence",
		AnomalyBlockThreshold:   0.7,
		HighRiskThreshold:       0.7,
		MediumRiskThreshold:     0.5,
		MinProfileSamples:       3,
		MaxProfileExemplars:     50,
		LearnBelowRisk:          0.5,
		MaxBehaviorHistoryLimit: 100,
		WSMaxConnections:        10,
		WSAuthTimeout:           2 * time.Second,
		WSMessagesPerSecond:     100,
		WSBurst:                 100,
		RateLimitRPM:            6000,
		RateLimitBurst:          1000,
		InitialAdminUsername:    "admin",
		InitialAdminPassword:    "admin-pass-123",
	}
	s, err := server.New(cfg,
		server.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		server.WithDrainDelay(0),
	)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		ts.Close()
		_ = s.Shutdown()
	})
	return ts.URL
}

func typing() []Event {
	var out []Event
	ts := 0.0
	for i := 0; i < 10; i++ {
		key := string(rune('a' + i%5))
		out = append(out,
			Event{Type: "keydown", Key: key, Timestamp: ts},
			Event{Type: "keyup", Key: key, Timestamp: ts + 90},
		)
		ts += 220
	}
	return out
}

func TestLazyLoginAndSecurityEvents(t *testing.T) {
	base := startServer(t)
	logins := 0
	c := New(base, WithCredentials("admin", "admin-pass-123"))
	c.OnLogin = func(*LoginResult) { logins++ }

	ctx := context.Background()
	page, err := c.SecurityEvents(ctx, EventQuery{EventType: "LOGIN_SUCCESS"})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "admin", page.Events[0].Actor)

	_, err = c.SecurityEvents(ctx, EventQuery{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, logins, "token is reused")
}

func TestReloginOnUnauthorized(t *testing.T) {
	base := startServer(t)
	c := New(base, WithCredentials("admin", "admin-pass-123"), WithToken("stale-token"))

	_, err := c.SecurityEvents(context.Background(), EventQuery{})
	require.NoError(t, err)
	assert.NotEqual(t, "stale-token", c.Token())
}

func TestAPIErrors(t *testing.T) {
	base := startServer(t)

	_, err := New(base, WithCredentials("admin", "wrong-password")).Login(context.Background(), 0)
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "invalid_credentials", apiErr.Code)

	_, err = New(base).Login(context.Background(), 0)
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestStreamRoundTrip(t *testing.T) {
	base := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, New(base).Register(ctx, "alice", "alice@example.com", "password-123"))
	c := New(base, WithCredentials("alice", "password-123"))

	stream, err := c.OpenStream(ctx)
	require.NoError(t, err)
	defer stream.Close()

	require.NoError(t, stream.Authenticate("", "sess-1"))
	msg, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, TypeAuthenticationSuccess, msg.Type)
	assert.Equal(t, "alice", msg.UserID)

	require.NoError(t, stream.SendBehavioral("", "sess-1", typing(), nil))
	msg, err = stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, TypeAnalysisResult, msg.Type)
	assert.Equal(t, "sess-1", msg.SessionID)
	require.NotNil(t, msg.RiskExplanation)

	require.NoError(t, stream.Feedback("", "sess-1", "genuine", typing(), nil))
	msg, err = stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, TypeFeedbackReceived, msg.Type)

	require.NoError(t, stream.SendBehavioral("mallory", "sess-1", typing(), nil))
	_, err = stream.Next(ctx)
	assert.Error(t, err, "identity mismatch closes the stream")
}

func TestStreamURL(t *testing.T) {
	tests := []struct {
		base    string
		want    string
		wantErr bool
	}{
		{"http://localhost:8080", "ws://localhost:8080/ws/behavioral", false},
		{"https://auth.example.com/", "wss://auth.example.com/ws/behavioral", false},
		{"https://example.com/cadence", "wss://example.com/cadence/ws/behavioral", false},
		{"ftp://example.com", "", true},
	}
	for _, tt := range tests {
		got, err := New(tt.base).streamURL()
		if tt.wantErr {
			assert.Error(t, err, tt.base)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}
