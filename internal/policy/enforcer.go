package policy

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/cadence/internal/alerts"
	"github.com/mbd888/cadence/internal/audit"
	"github.com/mbd888/cadence/internal/metrics"
	"github.com/mbd888/cadence/internal/syncutil"
	"github.com/mbd888/cadence/internal/traces"
)

// RealtimeBlockReason is the audit reason for blocks raised by the
// session monitor.
const RealtimeBlockReason = "Behavioral anomaly detected in real-time monitoring"

const enforceTimeout = 10 * time.Second

// Accounts disables and re-enables accounts. Disable must take effect
// locally even when it returns an error.
type Accounts interface {
	Disable(ctx context.Context, username string) error
	Enable(ctx context.Context, username string) error
}

// AuditLog records security events.
type AuditLog interface {
	Log(ctx context.Context, actor string, kind audit.Kind, reason, sessionID string, risk *float64)
}

// Alerter raises outbound security alerts without blocking.
type Alerter interface {
	Dispatch(a alerts.Alert)
}

// Block describes one block action.
type Block struct {
	Username  string
	SessionID string
	RiskScore float64
	Reason    string
	// Source labels the metric, e.g. "realtime".
	Source string
}

// Enforcer applies account-level responses. Actions on the same account
// are serialized so a block and an unblock cannot interleave.
type Enforcer struct {
	accounts Accounts
	audit    AuditLog
	alerts   Alerter
	logger   *slog.Logger
	locks    *syncutil.ContextShardedMutex
}

// NewEnforcer creates an Enforcer.
func NewEnforcer(accounts Accounts, auditLog AuditLog, alerter Alerter, logger *slog.Logger) *Enforcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enforcer{
		accounts: accounts,
		audit:    auditLog,
		alerts:   alerter,
		logger:   logger,
		locks:    syncutil.NewContextShardedMutex(),
	}
}

// Block disables the account, then records ANOMALY_BLOCK and
// REALTIME_ANOMALY_BLOCK and dispatches an alert. The disable happens
// first and is not undone by later failures; the returned error only
// reports that persisting it failed. Caller cancellation does not abort
// an in-progress block.
func (e *Enforcer) Block(ctx context.Context, b Block) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), enforceTimeout)
	defer cancel()
	ctx, span := traces.StartSpan(ctx, "policy.Block",
		traces.UserID(b.Username), traces.SessionID(b.SessionID), traces.RiskScore(b.RiskScore))
	defer span.End()

	if b.Reason == "" {
		b.Reason = RealtimeBlockReason
	}
	if b.Source == "" {
		b.Source = "realtime"
	}

	unlock, lockErr := e.locks.LockContext(ctx, b.Username)
	if lockErr != nil {
		e.logger.Warn("block proceeding without account lock", "user", b.Username, "error", lockErr)
	} else {
		defer unlock()
	}

	err := e.accounts.Disable(ctx, b.Username)
	if err != nil {
		span.RecordError(err)
		e.logger.Error("failed to persist account block", "user", b.Username, "session", b.SessionID, "error", err)
	}
	metrics.AccountBlocksTotal.WithLabelValues(b.Source).Inc()

	risk := audit.Score(b.RiskScore)
	e.audit.Log(ctx, b.Username, audit.KindAnomalyBlock, b.Reason, b.SessionID, risk)
	e.audit.Log(ctx, b.Username, audit.KindRealtimeAnomalyBlock, b.Reason, b.SessionID, risk)

	e.alerts.Dispatch(alerts.Alert{
		Type:      alerts.EventRealtimeAnomalyBlock,
		UserID:    b.Username,
		SessionID: b.SessionID,
		RiskScore: b.RiskScore,
		Reason:    b.Reason,
	})

	e.logger.Warn("account blocked", "user", b.Username, "session", b.SessionID, "risk", b.RiskScore, "reason", b.Reason)
	return err
}

// Unblock re-enables the account and records ACCOUNT_UNBLOCKED with actor
// as the operator.
func (e *Enforcer) Unblock(ctx context.Context, username, actor string) error {
	unlock, err := e.locks.LockContext(ctx, username)
	if err != nil {
		return err
	}
	defer unlock()

	if err := e.accounts.Enable(ctx, username); err != nil {
		return err
	}
	e.audit.Log(ctx, username, audit.KindAccountUnblocked, "Unblocked by "+actor, "", nil)
	e.logger.Info("account unblocked", "user", username, "by", actor)
	return nil
}
