package policy

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/cadence/internal/alerts"
	"github.com/mbd888/cadence/internal/audit"
	"github.com/mbd888/cadence/internal/identity"
)

func TestEvaluateDefaults(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		risk  float64
		tier  Tier
		level string
	}{
		{0, TierNone, ""},
		{0.5, TierNone, ""},
		{0.51, TierMedium, LevelMedium},
		{0.69, TierMedium, LevelMedium},
		{0.7, TierBlock, ""},
		{1, TierBlock, ""},
	}
	for _, tt := range tests {
		d := th.Evaluate(tt.risk)
		assert.Equal(t, tt.tier, d.Tier, "risk %v", tt.risk)
		if tt.level == "" {
			assert.Nil(t, d.Alert, "risk %v", tt.risk)
		} else {
			require.NotNil(t, d.Alert, "risk %v", tt.risk)
			assert.Equal(t, tt.level, d.Alert.Level)
		}
	}
}

func TestEvaluateHighTier(t *testing.T) {
	th := Thresholds{Block: 0.9, High: 0.7, Medium: 0.5}

	d := th.Evaluate(0.8)
	assert.Equal(t, TierHigh, d.Tier)
	require.NotNil(t, d.Alert)
	assert.Equal(t, "Unusual behavioral patterns detected", d.Alert.Message)
	assert.Equal(t, "Require additional authentication", d.Alert.RecommendedAction)

	d = th.Evaluate(0.6)
	require.NotNil(t, d.Alert)
	assert.Equal(t, "Behavioral patterns slightly deviate from norm", d.Alert.Message)
	assert.Empty(t, d.Alert.RecommendedAction)

	assert.Equal(t, TierBlock, th.Evaluate(0.9).Tier)
}

func TestEvaluateReturnsFreshAlerts(t *testing.T) {
	th := Thresholds{Block: 0.9, High: 0.7, Medium: 0.5}
	a := th.Evaluate(0.8).Alert
	a.Message = "mutated"
	assert.Equal(t, "Unusual behavioral patterns detected", th.Evaluate(0.8).Alert.Message)
}

func TestThresholdValidation(t *testing.T) {
	assert.NoError(t, DefaultThresholds().Validate())
	assert.Error(t, Thresholds{Block: 1.2, High: 0.7, Medium: 0.5}.Validate())
	assert.Error(t, Thresholds{Block: 0.7, High: -0.1, Medium: 0.5}.Validate())

	assert.Empty(t, DefaultThresholds().Warnings())
	w := Thresholds{Block: 0.4, High: 0.7, Medium: 0.5}.Warnings()
	assert.Len(t, w, 2)
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

type brokenStore struct{ *identity.MemoryStore }

func (brokenStore) SetActive(context.Context, string, bool) error { return errors.New("db down") }

func newEnforcer(t *testing.T, store identity.Store) (*Enforcer, *identity.Directory, *audit.MemoryStore, *recordingAlerter) {
	t.Helper()
	dir := identity.NewDirectory(store)
	events := audit.NewMemoryStore()
	alerter := &recordingAlerter{}
	return NewEnforcer(dir, audit.NewRecorder(events, nil), alerter, nil), dir, events, alerter
}

func TestBlock(t *testing.T) {
	ctx := context.Background()
	e, dir, events, alerter := newEnforcer(t, identity.NewMemoryStore())
	_, err := dir.Register(ctx, "alice", "", "secret1", identity.RoleUser)
	require.NoError(t, err)

	require.NoError(t, e.Block(ctx, Block{Username: "alice", SessionID: "s-1", RiskScore: 0.92}))

	blocked, err := dir.IsBlocked(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, blocked)

	realtime, _ := events.List(ctx, audit.Query{Kind: audit.KindRealtimeAnomalyBlock})
	require.Len(t, realtime, 1)
	assert.Equal(t, RealtimeBlockReason, realtime[0].Reason)
	assert.Equal(t, "s-1", realtime[0].SessionID)
	anomaly, _ := events.List(ctx, audit.Query{Kind: audit.KindAnomalyBlock})
	assert.Len(t, anomaly, 1)

	require.Len(t, alerter.sent, 1)
	assert.Equal(t, alerts.EventRealtimeAnomalyBlock, alerter.sent[0].Type)
	assert.Equal(t, 0.92, alerter.sent[0].RiskScore)
}

func TestBlockTakesEffectWhenPersistFails(t *testing.T) {
	ctx := context.Background()
	e, dir, events, alerter := newEnforcer(t, brokenStore{identity.NewMemoryStore()})
	_, err := dir.Register(ctx, "alice", "", "secret1", identity.RoleUser)
	require.NoError(t, err)

	err = e.Block(ctx, Block{Username: "alice", RiskScore: 0.8})
	assert.Error(t, err)

	blocked, err := dir.IsBlocked(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, blocked, "block applies locally despite the store failure")

	got, _ := events.List(ctx, audit.Query{Kind: audit.KindRealtimeAnomalyBlock})
	assert.Len(t, got, 1, "still audited")
	assert.Len(t, alerter.sent, 1, "still alerted")
}

func TestBlockIgnoresCallerCancellation(t *testing.T) {
	e, dir, _, _ := newEnforcer(t, identity.NewMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_ = e.Block(ctx, Block{Username: "alice", RiskScore: 0.9})
	blocked, err := dir.IsBlocked(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestUnblock(t *testing.T) {
	ctx := context.Background()
	e, dir, events, _ := newEnforcer(t, identity.NewMemoryStore())
	_, err := dir.Register(ctx, "alice", "", "secret1", identity.RoleUser)
	require.NoError(t, err)
	require.NoError(t, e.Block(ctx, Block{Username: "alice", RiskScore: 0.9}))

	require.NoError(t, e.Unblock(ctx, "alice", "root"))
	blocked, err := dir.IsBlocked(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, blocked)

	got, _ := events.List(ctx, audit.Query{Kind: audit.KindAccountUnblocked})
	require.Len(t, got, 1)
	assert.Equal(t, "Unblocked by root", got[0].Reason)

	assert.ErrorIs(t, e.Unblock(ctx, "nobody", "root"), identity.ErrNotFound)
}

func TestConcurrentBlocks(t *testing.T) {
	ctx := context.Background()
	e, dir, events, _ := newEnforcer(t, identity.NewMemoryStore())
	_, err := dir.Register(ctx, "alice", "", "secret1", identity.RoleUser)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.Block(ctx, Block{Username: "alice", RiskScore: 0.95})
		}()
	}
	wg.Wait()

	got, _ := events.List(ctx, audit.Query{Kind: audit.KindRealtimeAnomalyBlock, Limit: 100})
	assert.Len(t, got, 10, "one realtime block event per decision")
}
