package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyDependency fails its first n pings.
type flakyDependency struct {
	failures int
	pings    int
}

func (d *flakyDependency) Ping(context.Context) error {
	d.pings++
	if d.pings <= d.failures {
		return errors.New("connection refused")
	}
	return nil
}

func fastPolicy(attempts int) Policy {
	return Policy{Attempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
}

func TestPolicyRetriesUntilDependencyAnswers(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		attempts  int
		wantPings int
		wantErr   bool
	}{
		{"healthy on first ping", 0, 5, 1, false},
		{"recovers within budget", 2, 5, 3, false},
		{"recovers on last attempt", 4, 5, 5, false},
		{"never recovers", 10, 3, 3, true},
		{"zero attempts still pings once", 0, 0, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dep := &flakyDependency{failures: tt.failures}
			err := fastPolicy(tt.attempts).Do(context.Background(), dep.Ping)
			assert.Equal(t, tt.wantPings, dep.pings)
			if tt.wantErr {
				assert.EqualError(t, err, "connection refused")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPermanentStopsImmediately(t *testing.T) {
	badDSN := errors.New("invalid DSN")
	var calls int
	err := fastPolicy(5).Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(badDSN)
	})
	assert.ErrorIs(t, err, badDSN)
	assert.Equal(t, 1, calls)

	var pe *PermanentError
	assert.False(t, errors.As(err, &pe), "the wrapper is removed before returning")
	assert.ErrorIs(t, Permanent(badDSN), badDSN)
}

func TestContextEndsWaiting(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var calls int
	p := Policy{Attempts: 10, BaseDelay: time.Second}
	start := time.Now()
	err := p.Do(ctx, func(context.Context) error {
		calls++
		return errors.New("redis down")
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestOnRetryReportsCappedBackoff(t *testing.T) {
	type report struct {
		attempt int
		next    time.Duration
	}
	var reports []report
	p := Policy{
		Attempts:  5,
		BaseDelay: 2 * time.Millisecond,
		MaxDelay:  6 * time.Millisecond,
		OnRetry: func(attempt int, err error, next time.Duration) {
			require.Error(t, err)
			reports = append(reports, report{attempt, next})
		},
	}
	err := p.Do(context.Background(), func(context.Context) error { return errors.New("down") })
	require.Error(t, err)

	require.Len(t, reports, 4, "no report after the final attempt")
	for i, r := range reports {
		assert.Equal(t, i+1, r.attempt)
		// 2ms, 4ms, then capped at 6ms, each within ±25%.
		assert.LessOrEqual(t, r.next, 7500*time.Microsecond)
	}
	assert.Greater(t, reports[1].next, reports[0].next/2)
}

func TestJitterStaysWithinQuarter(t *testing.T) {
	for range 200 {
		got := jitter(80 * time.Millisecond)
		assert.GreaterOrEqual(t, got, 60*time.Millisecond)
		assert.LessOrEqual(t, got, 100*time.Millisecond)
	}
	assert.Equal(t, time.Duration(0), jitter(0))
	assert.Equal(t, time.Duration(3), jitter(3), "too small to spread")
}
