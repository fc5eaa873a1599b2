// Package circuitbreaker guards outbound destinations (alert webhooks, the
// alert stream) with a closed/open/half-open breaker per destination name.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Execute while a destination's circuit is open.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// State is a destination's breaker state.
type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls are rejected until the cool-down elapses
	StateHalfOpen              // a single probe call is in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cadence",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by destination.",
}, []string{"destination", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(transitions)
}

type circuit struct {
	state      State
	failures   int
	lastFailed time.Time
}

// Breaker tracks consecutive failures per destination. After threshold
// failures the destination is skipped for coolDown, then one probe call is
// let through to decide whether to close again.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	coolDown  time.Duration
	now       func() time.Time
}

// New creates a Breaker. Non-positive arguments fall back to 5 failures
// and a 30s cool-down.
func New(threshold int, coolDown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if coolDown <= 0 {
		coolDown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		coolDown:  coolDown,
		now:       time.Now,
	}
}

// Execute runs fn unless dest's circuit is open, and records the outcome.
func (b *Breaker) Execute(dest string, fn func() error) error {
	if !b.Allow(dest) {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure(dest)
		return err
	}
	b.RecordSuccess(dest)
	return nil
}

// Allow reports whether a call to dest may proceed. An open circuit whose
// cool-down has elapsed moves to half-open and admits one probe.
func (b *Breaker) Allow(dest string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[dest]
	if !ok {
		return true
	}
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.lastFailed) < b.coolDown {
			return false
		}
		b.move(dest, c, StateHalfOpen)
		return true
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess resets dest's failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(dest string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[dest]
	if !ok {
		return
	}
	c.failures = 0
	if c.state == StateHalfOpen {
		b.move(dest, c, StateClosed)
	}
}

// RecordFailure counts a failed call. A failed probe reopens immediately.
func (b *Breaker) RecordFailure(dest string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[dest]
	if !ok {
		c = &circuit{}
		b.circuits[dest] = c
	}
	c.failures++
	c.lastFailed = b.now()

	switch {
	case c.state == StateHalfOpen:
		b.move(dest, c, StateOpen)
	case c.state == StateClosed && c.failures >= b.threshold:
		b.move(dest, c, StateOpen)
	}
}

// State returns dest's current state; unknown destinations are closed.
func (b *Breaker) State(dest string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[dest]; ok {
		return c.state
	}
	return StateClosed
}

// move must be called with b.mu held.
func (b *Breaker) move(dest string, c *circuit, to State) {
	if c.state == to {
		return
	}
	transitions.WithLabelValues(dest, c.state.String(), to.String()).Inc()
	c.state = to
}
