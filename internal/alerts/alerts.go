// Package alerts delivers security alerts to external systems. Delivery is
// fire-and-forget: failures are logged and counted, never returned to the
// code path that raised the alert.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/cadence/internal/circuitbreaker"
	"github.com/mbd888/cadence/internal/idgen"
	"github.com/mbd888/cadence/internal/metrics"
)

// DefaultTimeout bounds a single delivery attempt.
const DefaultTimeout = 5 * time.Second

// EventType names the condition that raised an alert.
type EventType string

const (
	EventRealtimeAnomalyBlock EventType = "realtime_anomaly_block"
	EventHighRiskLogin        EventType = "high_risk_login"
)

// Alert is the payload delivered to every sink.
type Alert struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	UserID    string    `json:"userId"`
	SessionID string    `json:"sessionId,omitempty"`
	RiskScore float64   `json:"riskScore"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink is one delivery destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, a *Alert) error
}

// Dispatcher fans alerts out to its sinks, each behind a circuit breaker.
type Dispatcher struct {
	sinks   []Sink
	breaker *circuitbreaker.Breaker
	timeout time.Duration
	logger  *slog.Logger

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher. With no sinks every alert is dropped
// after logging.
func NewDispatcher(logger *slog.Logger, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sinks:   sinks,
		breaker: circuitbreaker.New(5, 30*time.Second),
		timeout: DefaultTimeout,
		logger:  logger,
	}
}

// Enabled reports whether any sink is configured.
func (d *Dispatcher) Enabled() bool { return d != nil && len(d.sinks) > 0 }

// Dispatch delivers a in the background. It never blocks on I/O.
func (d *Dispatcher) Dispatch(a Alert) {
	if d == nil {
		return
	}
	fill(&a)
	if len(d.sinks) == 0 {
		d.logger.Info("alert raised, no sinks configured", "type", a.Type, "user", a.UserID, "risk", a.RiskScore)
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		_ = d.Send(ctx, a)
	}()
}

// Send delivers a to every sink concurrently and returns the joined errors.
// Failures are also logged.
func (d *Dispatcher) Send(ctx context.Context, a Alert) error {
	fill(&a)
	errs := make([]error, len(d.sinks))
	var wg sync.WaitGroup
	for i, sink := range d.sinks {
		wg.Add(1)
		go func(i int, sink Sink) {
			defer wg.Done()
			errs[i] = d.deliver(ctx, sink, &a)
		}(i, sink)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (d *Dispatcher) deliver(ctx context.Context, sink Sink, a *Alert) error {
	name := sink.Name()
	err := d.breaker.Execute(name, func() error { return sink.Send(ctx, a) })
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		metrics.AlertDeliveriesTotal.WithLabelValues(name, "skipped").Inc()
		d.logger.Warn("alert sink circuit open, skipping", "sink", name, "alert", a.ID)
	case err != nil:
		metrics.AlertDeliveriesTotal.WithLabelValues(name, "error").Inc()
		d.logger.Error("alert delivery failed", "sink", name, "alert", a.ID, "user", a.UserID, "error", err)
	default:
		metrics.AlertDeliveriesTotal.WithLabelValues(name, "ok").Inc()
	}
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// Close waits for in-flight deliveries, bounded by ctx, then closes sinks
// that hold connections.
func (d *Dispatcher) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn("alert deliveries still in flight at shutdown")
	}

	var errs []error
	for _, sink := range d.sinks {
		if c, ok := sink.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", sink.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

func fill(a *Alert) {
	if a.ID == "" {
		a.ID = idgen.WithPrefix("alert_")
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
}
