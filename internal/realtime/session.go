package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/cadence/internal/metrics"
)

// Session is a monitored session. UserID stays empty until a message
// names one.
type Session struct {
	ID           string    `json:"sessionId"`
	UserID       string    `json:"userId,omitempty"`
	LastActivity time.Time `json:"lastActivity"`
	RiskScore    float64   `json:"riskScore"`

	owner *conn
}

type sessionTable struct {
	mu sync.RWMutex
	m  map[string]*Session
}

func newSessionTable() *sessionTable {
	return &sessionTable{m: make(map[string]*Session)}
}

// upsert records a scored batch on id, taking ownership for c.
func (t *sessionTable) upsert(id, user string, c *conn, score float64) {
	t.update(id, user, c, &score)
}

// touch records activity that carries no score; the last score is kept.
func (t *sessionTable) touch(id, user string, c *conn) {
	t.update(id, user, c, nil)
}

func (t *sessionTable) update(id, user string, c *conn, score *float64) {
	t.mu.Lock()
	s, ok := t.m[id]
	if !ok {
		s = &Session{ID: id}
		t.m[id] = s
	}
	if user != "" {
		s.UserID = user
	}
	s.owner = c
	s.LastActivity = time.Now()
	if score != nil {
		s.RiskScore = *score
	}
	n := len(t.m)
	t.mu.Unlock()
	metrics.ActiveSessions.Set(float64(n))
}

func (t *sessionTable) get(id string) (Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.m[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// remove deletes id and returns its owner.
func (t *sessionTable) remove(id string) *conn {
	t.mu.Lock()
	s, ok := t.m[id]
	delete(t.m, id)
	n := len(t.m)
	t.mu.Unlock()
	metrics.ActiveSessions.Set(float64(n))
	if !ok {
		return nil
	}
	return s.owner
}

// removeUser deletes every session of user and returns them.
func (t *sessionTable) removeUser(user string) []Session {
	t.mu.Lock()
	var out []Session
	for id, s := range t.m {
		if s.UserID == user {
			out = append(out, *s)
			delete(t.m, id)
		}
	}
	n := len(t.m)
	t.mu.Unlock()
	metrics.ActiveSessions.Set(float64(n))
	return out
}

// releaseOwnedBy deletes the sessions still owned by c.
func (t *sessionTable) releaseOwnedBy(c *conn) {
	t.mu.Lock()
	for id, s := range t.m {
		if s.owner == c {
			delete(t.m, id)
		}
	}
	n := len(t.m)
	t.mu.Unlock()
	metrics.ActiveSessions.Set(float64(n))
}

func (t *sessionTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.m)
}

// counters are the monitor's running totals.
type counters struct {
	connectionsTotal   atomic.Int64
	connectionsActive  atomic.Int64
	authSuccess        atomic.Int64
	authFailed         atomic.Int64
	messagesTotal      atomic.Int64
	messagesBehavioral atomic.Int64
	messagesFeedback   atomic.Int64
	messagesUserAuth   atomic.Int64
	anomaliesBlocked   atomic.Int64
}

// Counters is a point-in-time copy of the running totals.
type Counters struct {
	ConnectionsTotal   int64 `json:"connectionsTotal"`
	ConnectionsActive  int64 `json:"connectionsActive"`
	AuthSuccess        int64 `json:"authSuccess"`
	AuthFailed         int64 `json:"authFailed"`
	MessagesTotal      int64 `json:"messagesTotal"`
	MessagesBehavioral int64 `json:"messagesBehavioral"`
	MessagesFeedback   int64 `json:"messagesFeedback"`
	MessagesUserAuth   int64 `json:"messagesUserAuth"`
	AnomaliesBlocked   int64 `json:"anomaliesBlocked"`
}

func (c *counters) snapshot() Counters {
	return Counters{
		ConnectionsTotal:   c.connectionsTotal.Load(),
		ConnectionsActive:  c.connectionsActive.Load(),
		AuthSuccess:        c.authSuccess.Load(),
		AuthFailed:         c.authFailed.Load(),
		MessagesTotal:      c.messagesTotal.Load(),
		MessagesBehavioral: c.messagesBehavioral.Load(),
		MessagesFeedback:   c.messagesFeedback.Load(),
		MessagesUserAuth:   c.messagesUserAuth.Load(),
		AnomaliesBlocked:   c.anomaliesBlocked.Load(),
	}
}

// Event is one entry of the recent-activity ring.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Kind      string         `json:"eventType"`
	Fields    map[string]any `json:"fields,omitempty"`
}

const (
	recentCapacity = 200
	recentSnapshot = 50
)

// eventRing keeps the most recent events, overwriting the oldest.
type eventRing struct {
	mu    sync.Mutex
	buf   []Event
	next  int
	count int
}

func newEventRing(capacity int) *eventRing {
	return &eventRing{buf: make([]Event, capacity)}
}

func (r *eventRing) add(e Event) {
	r.mu.Lock()
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	r.mu.Unlock()
}

// latest returns up to n events, newest first.
func (r *eventRing) latest(n int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > r.count {
		n = r.count
	}
	out := make([]Event, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, r.buf[(r.next-i+len(r.buf))%len(r.buf)])
	}
	return out
}

// Runtime describes live model and session state.
type Runtime struct {
	SessionsActive     int  `json:"sessionsActive"`
	ProfilesTotal      int  `json:"profilesTotal"`
	ProfilesTrained    int  `json:"profilesTrained"`
	GlobalModelTrained bool `json:"globalModelTrained"`
}

// Snapshot is the operator view of the monitor.
type Snapshot struct {
	Metrics      Counters `json:"metrics"`
	Runtime      Runtime  `json:"runtime"`
	RecentEvents []Event  `json:"recentEvents"`
}
