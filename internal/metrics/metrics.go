// Package metrics provides Prometheus instrumentation for the cadence service.
package metrics

import (
	"database/sql"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cadence"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// WebSocketConnectionsTotal counts accepted behavioral stream connections.
	WebSocketConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "websocket_connections_total",
		Help:      "Total behavioral stream connections accepted.",
	})

	// ActiveWebSocketClients tracks connected behavioral stream clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected behavioral stream clients.",
	})

	// ActiveSessions tracks monitored sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Number of sessions currently tracked by the monitor.",
	})

	// WebSocketAuthTotal counts stream handshakes by result.
	WebSocketAuthTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "websocket_auth_total",
		Help:      "Stream authentication attempts by result.",
	}, []string{"result"})

	// WebSocketMessagesTotal counts inbound stream messages by type.
	WebSocketMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "websocket_messages_total",
		Help:      "Inbound stream messages by type.",
	}, []string{"type"})

	// RiskScores observes computed risk by scoring model.
	RiskScores = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "risk_score",
		Help:      "Distribution of behavioral risk scores.",
		Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
	}, []string{"source"})

	// PolicyDecisionsTotal counts response tiers applied to scored samples.
	PolicyDecisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "policy_decisions_total",
		Help:      "Policy tiers applied to scored samples.",
	}, []string{"tier"})

	// AccountBlocksTotal counts accounts disabled by enforcement.
	AccountBlocksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "account_blocks_total",
		Help:      "Accounts disabled by behavioral enforcement.",
	}, []string{"source"})

	// SecurityEventsTotal counts audit events by kind and write result.
	SecurityEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "security_events_total",
		Help:      "Security events recorded by kind and result.",
	}, []string{"kind", "result"})

	// AlertDeliveriesTotal counts outbound alert deliveries by sink and result.
	AlertDeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alert_deliveries_total",
		Help:      "Outbound alert deliveries by sink and result.",
	}, []string{"sink", "result"})

	// LoginAttemptsTotal counts password logins by outcome.
	LoginAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "login_attempts_total",
		Help:      "Login attempts by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		WebSocketConnectionsTotal,
		ActiveWebSocketClients,
		ActiveSessions,
		WebSocketAuthTotal,
		WebSocketMessagesTotal,
		RiskScores,
		PolicyDecisionsTotal,
		AccountBlocksTotal,
		SecurityEventsTotal,
		AlertDeliveriesTotal,
		LoginAttemptsTotal,
	)
}

// DBStatsCollector exports sql.DBStats at scrape time.
type DBStatsCollector struct {
	db *sql.DB

	open, idle, inUse, waitCount, waitSeconds *prometheus.Desc
}

// NewDBStatsCollector returns a collector for db's connection pool.
func NewDBStatsCollector(db *sql.DB) *DBStatsCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "db", name), help, nil, nil)
	}
	return &DBStatsCollector{
		db:          db,
		open:        desc("open_connections", "Number of open database connections."),
		idle:        desc("idle_connections", "Number of idle database connections."),
		inUse:       desc("in_use_connections", "Number of in-use database connections."),
		waitCount:   desc("wait_count_total", "Total number of connections waited for."),
		waitSeconds: desc("wait_duration_seconds_total", "Total time waited for connections in seconds."),
	}
}

// Describe implements prometheus.Collector.
func (c *DBStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.open
	ch <- c.idle
	ch <- c.inUse
	ch <- c.waitCount
	ch <- c.waitSeconds
}

// Collect implements prometheus.Collector.
func (c *DBStatsCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.db.Stats()
	ch <- prometheus.MustNewConstMetric(c.open, prometheus.GaugeValue, float64(stats.OpenConnections))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(stats.Idle))
	ch <- prometheus.MustNewConstMetric(c.inUse, prometheus.GaugeValue, float64(stats.InUse))
	ch <- prometheus.MustNewConstMetric(c.waitCount, prometheus.CounterValue, float64(stats.WaitCount))
	ch <- prometheus.MustNewConstMetric(c.waitSeconds, prometheus.CounterValue, stats.WaitDuration.Seconds())
}

// RegisterDBStats exports db's pool statistics on the default registry until
// the returned func is called.
func RegisterDBStats(db *sql.DB) (unregister func(), err error) {
	c := NewDBStatsCollector(db)
	if err := prometheus.Register(c); err != nil {
		return func() {}, err
	}
	return func() { prometheus.Unregister(c) }, nil
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern keeps label cardinality bounded
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
