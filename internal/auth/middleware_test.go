package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/cadence/internal/alerts"
	"github.com/mbd888/cadence/internal/audit"
	"github.com/mbd888/cadence/internal/identity"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type flakyAccounts struct {
	*identity.Directory
	fail bool
}

func (f *flakyAccounts) IsBlocked(ctx context.Context, username string) (bool, error) {
	if f.fail {
		return false, errors.New("store unavailable")
	}
	return f.Directory.IsBlocked(ctx, username)
}

type recordingAlerter struct {
	mu   sync.Mutex
	sent []alerts.Alert
}

func (r *recordingAlerter) Dispatch(a alerts.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, a)
}

type fixture struct {
	manager  *Manager
	dir      *identity.Directory
	events   *audit.MemoryStore
	alerter  *recordingAlerter
	router   *gin.Engine
	accounts *flakyAccounts
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		manager: NewManager("test-secret", time.Hour, "cadence"),
		dir:     identity.NewDirectory(identity.NewMemoryStore()),
		events:  audit.NewMemoryStore(),
		alerter: &recordingAlerter{},
	}
	f.accounts = &flakyAccounts{Directory: f.dir}
	h := NewHandler(f.manager, f.accounts, audit.NewRecorder(f.events, nil), f.alerter, 0.7, nil)

	r := gin.New()
	r.POST("/register", h.Register)
	r.POST("/login", h.Login)
	authed := r.Group("/", Middleware(f.manager, f.accounts))
	authed.GET("/me", h.Me)
	authed.GET("/admin", RequireRole(identity.RoleAdmin), func(c *gin.Context) { c.Status(http.StatusOK) })
	authed.GET("/users/:username", RequireSelfOrRole("username", identity.RoleAnalyst, identity.RoleAdmin),
		func(c *gin.Context) { c.Status(http.StatusOK) })
	f.router = r
	return f
}

func (f *fixture) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) token(t *testing.T, username string, role identity.Role) string {
	t.Helper()
	u, err := f.dir.Register(context.Background(), username, "", "password1", role)
	require.NoError(t, err)
	tok, _, err := f.manager.Issue(u)
	require.NoError(t, err)
	return tok
}

func (f *fixture) kinds(t *testing.T) []audit.Kind {
	t.Helper()
	events, err := f.events.List(context.Background(), audit.Query{})
	require.NoError(t, err)
	var out []audit.Kind
	for _, e := range events {
		out = append(out, e.Kind)
	}
	return out
}

func TestMiddlewareRequiresBearer(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/me", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/me", "garbage", nil).Code)
}

func TestMiddlewareSetsUser(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "alice", identity.RoleUser)

	w := f.do(http.MethodGet, "/me", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"username":"alice"`)
	assert.NotContains(t, w.Body.String(), "password")
}

func TestMiddlewareRejectsBlockedAccount(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "alice", identity.RoleUser)
	require.NoError(t, f.dir.Disable(context.Background(), "alice"))

	w := f.do(http.MethodGet, "/me", tok, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "account_blocked")
}

func TestMiddlewareFailsClosedOnLookupError(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "alice", identity.RoleUser)
	f.accounts.fail = true

	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodGet, "/me", tok, nil).Code)
}

func TestMiddlewareRejectsDeletedAccount(t *testing.T) {
	f := newFixture(t)
	ghost, _, err := f.manager.Issue(&identity.User{ID: 99, Username: "ghost"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/me", ghost, nil).Code)
}

func TestRequireRole(t *testing.T) {
	f := newFixture(t)
	user := f.token(t, "alice", identity.RoleUser)
	admin := f.token(t, "root", identity.RoleAdmin)

	assert.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/admin", user, nil).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/admin", admin, nil).Code)

	// Role changes apply without a new token.
	require.NoError(t, f.dir.SetRole(context.Background(), "alice", identity.RoleAdmin))
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/admin", user, nil).Code)
}

func TestRequireSelfOrRole(t *testing.T) {
	f := newFixture(t)
	alice := f.token(t, "alice", identity.RoleUser)
	analyst := f.token(t, "ana", identity.RoleAnalyst)

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/users/alice", alice, nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/users/bob", alice, nil).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/users/bob", analyst, nil).Code)
}

func TestRegister(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/register", "", RegisterRequest{Username: "alice", Email: "a@example.com", Password: "secret1"})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"role":"user"`)

	w = f.do(http.MethodPost, "/register", "", RegisterRequest{Username: "alice", Password: "secret1"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(http.MethodPost, "/register", "", RegisterRequest{Username: "bob", Password: "short"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/register", "", RegisterRequest{Username: "no spaces", Password: "secret1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLoginSuccess(t *testing.T) {
	f := newFixture(t)
	_, err := f.dir.Register(context.Background(), "alice", "", "secret1", identity.RoleUser)
	require.NoError(t, err)

	w := f.do(http.MethodPost, "/login", "", LoginRequest{Username: "alice", Password: "secret1", RiskScore: 0.2})
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		AccessToken string `json:"accessToken"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	claims, err := f.manager.Verify(body.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Username())
	assert.Equal(t, []audit.Kind{audit.KindLoginSuccess}, f.kinds(t))
}

func TestLoginBadPassword(t *testing.T) {
	f := newFixture(t)
	_, err := f.dir.Register(context.Background(), "alice", "", "secret1", identity.RoleUser)
	require.NoError(t, err)

	w := f.do(http.MethodPost, "/login", "", LoginRequest{Username: "alice", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, []audit.Kind{audit.KindLoginFailed}, f.kinds(t))

	w = f.do(http.MethodPost, "/login", "", LoginRequest{Username: "nobody", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLoginHighRisk(t *testing.T) {
	f := newFixture(t)
	_, err := f.dir.Register(context.Background(), "alice", "", "secret1", identity.RoleUser)
	require.NoError(t, err)

	w := f.do(http.MethodPost, "/login", "", LoginRequest{Username: "alice", Password: "secret1", RiskScore: 0.85})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.NotContains(t, w.Body.String(), "accessToken")
	assert.Equal(t, []audit.Kind{audit.KindHighRiskLogin}, f.kinds(t))

	require.Len(t, f.alerter.sent, 1)
	assert.Equal(t, alerts.EventHighRiskLogin, f.alerter.sent[0].Type)
	assert.Equal(t, 0.85, f.alerter.sent[0].RiskScore)

	// Exactly at the threshold is not high risk.
	w = f.do(http.MethodPost, "/login", "", LoginRequest{Username: "alice", Password: "secret1", RiskScore: 0.7})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLoginBlockedAccount(t *testing.T) {
	f := newFixture(t)
	_, err := f.dir.Register(context.Background(), "alice", "", "secret1", identity.RoleUser)
	require.NoError(t, err)
	require.NoError(t, f.dir.Disable(context.Background(), "alice"))

	w := f.do(http.MethodPost, "/login", "", LoginRequest{Username: "alice", Password: "secret1"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "account_blocked")
}

func TestLoginRejectsOutOfRangeRisk(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/login", "", LoginRequest{Username: "alice", Password: "secret1", RiskScore: 3})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
