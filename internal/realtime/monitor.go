// Package realtime implements the behavioral stream: a websocket protocol
// that authenticates a connection, scores every behavioral batch and applies
// the response policy while the session is live.
package realtime

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/mbd888/cadence/internal/audit"
	"github.com/mbd888/cadence/internal/auth"
	"github.com/mbd888/cadence/internal/features"
	"github.com/mbd888/cadence/internal/identity"
	"github.com/mbd888/cadence/internal/metrics"
	"github.com/mbd888/cadence/internal/policy"
	"github.com/mbd888/cadence/internal/risk"
	"github.com/mbd888/cadence/internal/traces"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512 * 1024
	sendBuffer     = 64
)

// Close reasons sent with code 1008.
const (
	ReasonAuthFailed      = "Authentication failed"
	ReasonTokenMissing    = "Authentication token missing"
	ReasonInvalidToken    = "Invalid authentication token"
	ReasonAuthTimeout     = "Authentication timeout"
	ReasonUserMismatch    = "User mismatch for authenticated token"
	ReasonSessionBlocked  = "Session terminated due to behavioral anomaly"
	ReasonAccountBlocked  = "User account is blocked due to behavioral anomaly detection"
	ReasonShuttingDown    = "Server shutting down"
	feedbackAckMessage    = "User profile updated"
	blockedActivityPrefix = "Blocked user attempted "
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Verifier checks bearer tokens.
type Verifier interface {
	Verify(raw string) (*auth.Claims, error)
}

// Accounts answers blocked checks and resolves usernames to accounts.
type Accounts interface {
	IsBlocked(ctx context.Context, username string) (bool, error)
	GetUser(ctx context.Context, username string) (*identity.User, error)
}

// Scorer is the risk model as seen by the stream.
type Scorer interface {
	Score(ctx context.Context, v features.Vector, userID string) risk.Assessment
	EnsureProfile(userID string) bool
	Observe(userID string, v features.Vector, score float64)
	Update(userID string, v features.Vector, fb *risk.Feedback)
	Stats() risk.Stats
}

// SampleStore persists behavioral batches, merged by session.
type SampleStore interface {
	SaveSample(ctx context.Context, userID int64, sessionID string, keystroke, mouse json.RawMessage, riskScore float64) error
}

// AuditLog records security events.
type AuditLog interface {
	Log(ctx context.Context, actor string, kind audit.Kind, reason, sessionID string, risk *float64)
}

// Enforcer disables accounts.
type Enforcer interface {
	Block(ctx context.Context, b policy.Block) error
}

// Deps are the monitor's collaborators. All are required.
type Deps struct {
	Verifier Verifier
	Accounts Accounts
	Scorer   Scorer
	Samples  SampleStore
	Audit    AuditLog
	Enforcer Enforcer
}

// Config tunes the stream.
type Config struct {
	Thresholds        policy.Thresholds
	MaxConnections    int
	AuthTimeout       time.Duration
	MessagesPerSecond float64
	Burst             int
	// ServiceToken, when set, is accepted on the handshake in place of a
	// user token. Such connections have no bound identity.
	ServiceToken string
}

// DefaultConfig returns the default stream settings.
func DefaultConfig() Config {
	return Config{
		Thresholds:        policy.DefaultThresholds(),
		MaxConnections:    10000,
		AuthTimeout:       10 * time.Second,
		MessagesPerSecond: 20,
		Burst:             40,
	}
}

// Monitor runs the behavioral stream. It is safe for concurrent use; each
// connection is served by its own handler goroutine.
type Monitor struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	sessions *sessionTable
	stats    counters
	recent   *eventRing

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewMonitor creates a Monitor.
func NewMonitor(cfg Config, deps Deps, logger *slog.Logger) *Monitor {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 10000
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:      cfg,
		deps:     deps,
		logger:   logger,
		sessions: newSessionTable(),
		recent:   newEventRing(recentCapacity),
		conns:    make(map[*conn]struct{}),
	}
}

// conn is one physical connection. Only writePump writes to ws.
type conn struct {
	ws        *websocket.Conn
	send      chan outbound
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	limiter   *rate.Limiter
	logger    *slog.Logger

	// identity is the verified subject, empty for service connections.
	identity string
}

type outbound struct {
	data  []byte
	close []byte
}

// enqueue queues v for writing without blocking. A full buffer drops v.
func (c *conn) enqueue(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("encode frame failed", "error", err)
		return false
	}
	select {
	case c.send <- outbound{data: data}:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warn("send buffer full, dropping frame")
		return false
	}
}

// closeWith queues a close frame after anything already queued. If the
// frame cannot be queued the socket is closed outright.
func (c *conn) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		select {
		case c.send <- outbound{close: msg}:
		case <-c.done:
		default:
			_ = c.ws.Close()
		}
	})
}

func (c *conn) sendError(code, message string) {
	c.enqueue(errorFrame{Type: TypeError, Code: code, Message: message})
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		close(c.done)
	}()

	for {
		select {
		case m := <-c.send:
			if !c.write(m) {
				return
			}
		case <-c.quit:
			// Flush what is already queued, then stop.
			for {
				select {
				case m := <-c.send:
					if !c.write(m) {
						return
					}
				default:
					return
				}
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}

// write sends one queued item and reports whether the pump should go on.
func (c *conn) write(m outbound) bool {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if m.close != nil {
		_ = c.ws.WriteMessage(websocket.CloseMessage, m.close)
		return false
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, m.data); err != nil {
		c.logger.Warn("websocket write error", "error", err)
		return false
	}
	return true
}

// HandleWebSocket upgrades the request and serves the connection until it
// closes.
func (m *Monitor) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if int(m.stats.connectionsActive.Load()) >= m.cfg.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &conn{
		ws:      ws,
		send:    make(chan outbound, sendBuffer),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		limiter: m.newLimiter(),
		logger:  m.logger.With("remote", r.RemoteAddr),
	}
	if !m.register(c) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ReasonShuttingDown), time.Now().Add(writeWait))
		_ = ws.Close()
		return
	}
	defer m.unregister(c)

	go c.writePump()
	defer func() {
		close(c.quit)
		<-c.done
	}()

	ctx := context.WithoutCancel(r.Context())
	if !m.authenticate(ctx, c) {
		return
	}
	m.serve(ctx, c)
}

func (m *Monitor) newLimiter() *rate.Limiter {
	if m.cfg.MessagesPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := m.cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(m.cfg.MessagesPerSecond), burst)
}

func (m *Monitor) register(c *conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.conns[c] = struct{}{}
	m.wg.Add(1)
	active := m.stats.connectionsActive.Add(1)
	m.stats.connectionsTotal.Add(1)
	metrics.WebSocketConnectionsTotal.Inc()
	metrics.ActiveWebSocketClients.Set(float64(active))
	return true
}

func (m *Monitor) unregister(c *conn) {
	m.sessions.releaseOwnedBy(c)
	m.mu.Lock()
	delete(m.conns, c)
	m.mu.Unlock()
	active := m.stats.connectionsActive.Add(-1)
	metrics.ActiveWebSocketClients.Set(float64(active))
	m.wg.Done()
	c.logger.Debug("client disconnected", "user", c.identity, "active", active)
}

// authenticate runs the handshake: the first frame must be {token} and
// arrive within the auth timeout.
func (m *Monitor) authenticate(ctx context.Context, c *conn) bool {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(m.cfg.AuthTimeout))

	_, raw, err := c.ws.ReadMessage()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			m.authFailed(c, "timeout", ReasonAuthTimeout)
		} else if !websocket.IsCloseError(err, normalCloseCodes...) {
			c.logger.Debug("handshake read failed", "error", err)
		}
		return false
	}

	var hs handshake
	if err := json.Unmarshal(raw, &hs); err != nil {
		m.authFailed(c, "failed", ReasonAuthFailed)
		return false
	}
	if hs.Token == "" {
		m.authFailed(c, "failed", ReasonTokenMissing)
		return false
	}

	claims, err := m.deps.Verifier.Verify(hs.Token)
	switch {
	case err == nil:
		c.identity = claims.Username()
	case m.serviceToken(hs.Token):
		c.identity = ""
	default:
		c.logger.Info("stream token rejected", "error", err)
		m.authFailed(c, "failed", ReasonInvalidToken)
		return false
	}

	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	m.stats.authSuccess.Add(1)
	metrics.WebSocketAuthTotal.WithLabelValues("success").Inc()
	m.record("authenticated", map[string]any{"user": c.identity, "service": c.identity == ""})
	c.logger.Info("stream authenticated", "user", c.identity)
	return true
}

func (m *Monitor) serviceToken(token string) bool {
	if m.cfg.ServiceToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(m.cfg.ServiceToken)) == 1
}

func (m *Monitor) authFailed(c *conn, result, reason string) {
	m.stats.authFailed.Add(1)
	metrics.WebSocketAuthTotal.WithLabelValues(result).Inc()
	m.record("auth_failed", map[string]any{"reason": reason})
	c.closeWith(websocket.ClosePolicyViolation, reason)
}

// serve handles frames one at a time until the connection ends.
func (m *Monitor) serve(ctx context.Context, c *conn) {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.logger.Debug("websocket read ended", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		if stop := m.handleFrame(ctx, c, raw); stop {
			return
		}
	}
}

// handleFrame processes one inbound frame and reports whether the
// connection must stop.
func (m *Monitor) handleFrame(ctx context.Context, c *conn, raw []byte) bool {
	m.stats.messagesTotal.Add(1)

	doc, claimed, ferr := decodeFrame(raw)
	if ferr != nil {
		m.reject(c, ferr)
		return false
	}
	if c.identity != "" && claimed != "" && claimed != c.identity {
		c.logger.Warn("identity mismatch on stream", "claimed", claimed)
		m.record("identity_mismatch", map[string]any{"user": c.identity, "claimed": claimed})
		c.closeWith(websocket.ClosePolicyViolation, ReasonUserMismatch)
		return true
	}

	msg, ferr := parseMessage(raw, doc)
	if ferr != nil {
		m.reject(c, ferr)
		return false
	}
	if msg.User() == "" {
		msg.setUser(c.identity)
	}
	if msg.User() == "" {
		m.reject(c, &frameError{code: CodeInvalidMessage, message: "userId is required"})
		return false
	}

	ctx, span := traces.StartSpan(ctx, "realtime."+string(msg.Type()),
		traces.UserID(msg.User()), traces.SessionID(msg.Session()))
	defer span.End()

	// Blocked accounts are terminated even when over the message rate.
	blocked, err := m.deps.Accounts.IsBlocked(ctx, msg.User())
	if err != nil {
		span.RecordError(err)
		c.logger.Error("blocked check failed", "user", msg.User(), "error", err)
		c.sendError(CodeUnavailable, "Account status unavailable, try again")
		return false
	}
	if blocked {
		m.countMessage(msg.Type())
		m.rejectBlocked(ctx, c, msg)
		return true
	}

	if !c.limiter.Allow() {
		c.sendError(CodeRateLimited, "Too many messages")
		return false
	}
	m.countMessage(msg.Type())

	switch msg := msg.(type) {
	case *BehavioralData:
		return m.handleBehavioral(ctx, c, msg)
	case *UserAuthentication:
		m.handleUserAuthentication(c, msg)
	case *Feedback:
		m.handleFeedback(c, msg)
	default:
		c.sendError(CodeUnknownType, fmt.Sprintf("Unknown message type %q", msg.Type()))
	}
	return false
}

// reject answers a bad frame. Bad frames draw from the same message budget,
// so a flood of them is answered with rate_limited instead.
func (m *Monitor) reject(c *conn, ferr *frameError) {
	if !c.limiter.Allow() {
		c.sendError(CodeRateLimited, "Too many messages")
		return
	}
	c.sendError(ferr.code, ferr.message)
}

func (m *Monitor) countMessage(t MessageType) {
	metrics.WebSocketMessagesTotal.WithLabelValues(string(t)).Inc()
	switch t {
	case TypeBehavioralData:
		m.stats.messagesBehavioral.Add(1)
	case TypeFeedback:
		m.stats.messagesFeedback.Add(1)
	case TypeUserAuthentication:
		m.stats.messagesUserAuth.Add(1)
	}
}

var blockedKinds = map[MessageType]audit.Kind{
	TypeBehavioralData:     audit.KindBlockedUserActivity,
	TypeUserAuthentication: audit.KindBlockedUserAuthAttempt,
	TypeFeedback:           audit.KindBlockedUserFeedback,
}

// rejectBlocked audits activity from a disabled account and ends the
// session without looking at the payload.
func (m *Monitor) rejectBlocked(ctx context.Context, c *conn, msg Message) {
	user, session := msg.User(), msg.Session()
	m.deps.Audit.Log(ctx, user, blockedKinds[msg.Type()],
		blockedActivityPrefix+string(msg.Type()), session, audit.Score(1))
	m.record("blocked_user_activity", map[string]any{"user": user, "session": session, "type": string(msg.Type())})
	c.logger.Warn("blocked user activity", "user", user, "session", session, "type", msg.Type())
	m.terminate(c, session, user, 1, ReasonAccountBlocked)
}

func (m *Monitor) handleBehavioral(ctx context.Context, c *conn, msg *BehavioralData) bool {
	user, session := msg.User(), msg.Session()

	v := features.ExtractSample(m.decodeEvents(c, msg.KeystrokeData), m.decodeEvents(c, msg.MouseData))
	assessment := m.deps.Scorer.Score(ctx, v, user)
	score := assessment.Score
	m.deps.Scorer.Observe(user, v, score)
	metrics.RiskScores.WithLabelValues(string(assessment.Explanation.Source)).Observe(score)

	m.sessions.upsert(session, user, c, score)
	m.persist(ctx, c, msg, score)

	decision := m.cfg.Thresholds.Evaluate(score)
	metrics.PolicyDecisionsTotal.WithLabelValues(string(decision.Tier)).Inc()
	trace.SpanFromContext(ctx).SetAttributes(traces.RiskScore(score), traces.PolicyTier(string(decision.Tier)))

	if decision.Tier == policy.TierBlock {
		m.block(ctx, c, user, session, score)
		return true
	}

	c.enqueue(analysisResult{
		Type:            TypeAnalysisResult,
		SessionID:       session,
		RiskScore:       score,
		RiskExplanation: assessment.Explanation,
		Alert:           decision.Alert,
		Timestamp:       time.Now().UTC(),
	})
	return false
}

// decodeEvents degrades undecodable event arrays to no events.
func (m *Monitor) decodeEvents(c *conn, raw json.RawMessage) []features.Event {
	events, err := features.Decode(raw)
	if err != nil {
		c.logger.Debug("undecodable events", "error", err)
		return nil
	}
	return events
}

// persist stores the batch against the account's numeric id. Failures are
// logged and do not interrupt the stream.
func (m *Monitor) persist(ctx context.Context, c *conn, msg *BehavioralData, score float64) {
	u, err := m.deps.Accounts.GetUser(ctx, msg.User())
	if err != nil {
		if !errors.Is(err, identity.ErrNotFound) {
			c.logger.Warn("resolve user for sample failed", "user", msg.User(), "error", err)
		}
		return
	}
	if err := m.deps.Samples.SaveSample(ctx, u.ID, msg.Session(), msg.KeystrokeData, msg.MouseData, score); err != nil {
		c.logger.Warn("save behavioral sample failed", "user", msg.User(), "session", msg.Session(), "error", err)
	}
}

// block disables the account, then ends this session and every other
// live session of the same user.
func (m *Monitor) block(ctx context.Context, c *conn, user, session string, score float64) {
	m.stats.anomaliesBlocked.Add(1)
	m.record("anomaly_blocked", map[string]any{"user": user, "session": session, "risk": score})

	if err := m.deps.Enforcer.Block(ctx, policy.Block{
		Username:  user,
		SessionID: session,
		RiskScore: score,
		Reason:    policy.RealtimeBlockReason,
		Source:    "realtime",
	}); err != nil {
		c.logger.Error("block not persisted, enforced locally", "user", user, "error", err)
	}

	m.terminate(c, session, user, score, policy.RealtimeBlockReason)
	for _, s := range m.sessions.removeUser(user) {
		if s.owner != nil && s.owner != c {
			m.terminate(s.owner, s.ID, user, score, policy.RealtimeBlockReason)
		}
	}
}

// terminate notifies the client, best effort, and closes the connection.
func (m *Monitor) terminate(c *conn, session, user string, score float64, reason string) {
	c.enqueue(sessionTerminated{
		Type:      TypeSessionTerminated,
		SessionID: session,
		UserID:    user,
		RiskScore: score,
		Reason:    reason,
		Blocked:   true,
		Timestamp: time.Now().UTC(),
	})
	c.closeWith(websocket.ClosePolicyViolation, ReasonSessionBlocked)
	if session != "" {
		m.sessions.remove(session)
	}
}

func (m *Monitor) handleUserAuthentication(c *conn, msg *UserAuthentication) {
	if msg.Session() != "" {
		m.sessions.touch(msg.Session(), msg.User(), c)
	}
	if m.deps.Scorer.EnsureProfile(msg.User()) {
		c.logger.Info("profile created", "user", msg.User())
	}
	c.enqueue(authenticationSuccess{
		Type:      TypeAuthenticationSuccess,
		UserID:    msg.User(),
		SessionID: msg.Session(),
	})
}

// handleFeedback feeds the attached batch to the profile. The label is
// kept as advisory metadata and never overrides a score.
func (m *Monitor) handleFeedback(c *conn, msg *Feedback) {
	if msg.Session() != "" {
		m.sessions.touch(msg.Session(), msg.User(), c)
	}
	var keys, mouse []features.Event
	if msg.BehavioralData != nil {
		keys = m.decodeEvents(c, msg.BehavioralData.KeystrokeData)
		mouse = m.decodeEvents(c, msg.BehavioralData.MouseData)
	}
	m.deps.Scorer.Update(msg.User(), features.ExtractSample(keys, mouse), &risk.Feedback{
		Label:     msg.Feedback,
		SessionID: msg.Session(),
	})
	c.enqueue(feedbackReceived{
		Type:      TypeFeedbackReceived,
		SessionID: msg.Session(),
		Message:   feedbackAckMessage,
	})
}

func (m *Monitor) record(kind string, fields map[string]any) {
	m.recent.add(Event{Timestamp: time.Now().UTC(), Kind: kind, Fields: fields})
}

// Session returns the tracked session id, if live.
func (m *Monitor) Session(id string) (Session, bool) {
	return m.sessions.get(id)
}

// Snapshot returns counters, live model state and the most recent events.
func (m *Monitor) Snapshot() Snapshot {
	st := m.deps.Scorer.Stats()
	return Snapshot{
		Metrics: m.stats.snapshot(),
		Runtime: Runtime{
			SessionsActive:     m.sessions.len(),
			ProfilesTotal:      st.Profiles,
			ProfilesTrained:    st.Trained,
			GlobalModelTrained: st.GlobalTrained,
		},
		RecentEvents: m.recent.latest(recentSnapshot),
	}
}

// Shutdown stops accepting connections, asks every client to go away and
// waits for the handlers to return or ctx to end.
func (m *Monitor) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	conns := make([]*conn, 0, len(m.conns))
	for c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, ReasonShuttingDown)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("behavioral stream stopped", "closed", len(conns))
		return nil
	case <-ctx.Done():
		for _, c := range conns {
			_ = c.ws.Close()
		}
		return ctx.Err()
	}
}
