// Package audit records security events: blocks, blocked-account activity
// and login outcomes. Events are append-only.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/cadence/internal/metrics"
	"github.com/mbd888/cadence/internal/pagination"
)

// Kind identifies the type of security event.
type Kind string

const (
	KindBlockedUserActivity    Kind = "BLOCKED_USER_ACTIVITY"
	KindBlockedUserAuthAttempt Kind = "BLOCKED_USER_AUTH_ATTEMPT"
	KindBlockedUserFeedback    Kind = "BLOCKED_USER_FEEDBACK"
	KindRealtimeAnomalyBlock   Kind = "REALTIME_ANOMALY_BLOCK"
	KindAnomalyBlock           Kind = "ANOMALY_BLOCK"
	KindHighRiskLogin          Kind = "HIGH_RISK_LOGIN"
	KindLoginSuccess           Kind = "LOGIN_SUCCESS"
	KindLoginFailed            Kind = "LOGIN_FAILED"
	KindAccountUnblocked       Kind = "ACCOUNT_UNBLOCKED"
	KindRoleChanged            Kind = "ROLE_CHANGED"
)

// DefaultListLimit applies when a query sets no limit.
const DefaultListLimit = 50

// MaxListLimit caps a single query.
const MaxListLimit = 500

// Event is one security event.
type Event struct {
	ID        int64     `json:"id"`
	Actor     string    `json:"actor"`
	Kind      Kind      `json:"eventType"`
	Reason    string    `json:"reason"`
	SessionID string    `json:"sessionId,omitempty"`
	RiskScore *float64  `json:"riskScore,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Query filters List. Zero values match everything.
type Query struct {
	Actor string
	Kind  Kind
	Limit int
	// After resumes a newest-first listing past the cursor row.
	After *pagination.Cursor
}

func (q Query) limit() int {
	switch {
	case q.Limit <= 0:
		return DefaultListLimit
	case q.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return q.Limit
	}
}

// Store persists security events.
type Store interface {
	Record(ctx context.Context, e *Event) error
	// List returns matching events, newest first.
	List(ctx context.Context, q Query) ([]*Event, error)
}

// Score wraps a risk score for Event.RiskScore.
func Score(v float64) *float64 { return &v }

// Recorder writes events to a Store. Write failures are logged and
// swallowed: losing an audit row must never undo the action it describes.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

// NewRecorder creates a Recorder over store.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger}
}

// Log records a security event. sessionID may be empty and risk may be nil.
func (r *Recorder) Log(ctx context.Context, actor string, kind Kind, reason, sessionID string, risk *float64) {
	e := &Event{
		Actor:     actor,
		Kind:      kind,
		Reason:    reason,
		SessionID: sessionID,
		RiskScore: risk,
		CreatedAt: time.Now(),
	}
	if err := r.store.Record(ctx, e); err != nil {
		metrics.SecurityEventsTotal.WithLabelValues(string(kind), "error").Inc()
		r.logger.Error("failed to record security event",
			"kind", kind, "user", actor, "session", sessionID, "error", err)
		return
	}
	metrics.SecurityEventsTotal.WithLabelValues(string(kind), "ok").Inc()
	r.logger.Info("security event", "kind", kind, "user", actor, "session", sessionID, "reason", reason)
}

// List proxies to the underlying store.
func (r *Recorder) List(ctx context.Context, q Query) ([]*Event, error) {
	return r.store.List(ctx, q)
}
