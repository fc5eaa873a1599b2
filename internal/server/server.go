// Package server wires the cadence components into an HTTP server.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/cadence/internal/alerts"
	"github.com/mbd888/cadence/internal/audit"
	"github.com/mbd888/cadence/internal/auth"
	"github.com/mbd888/cadence/internal/behavior"
	"github.com/mbd888/cadence/internal/config"
	"github.com/mbd888/cadence/internal/health"
	"github.com/mbd888/cadence/internal/identity"
	"github.com/mbd888/cadence/internal/logging"
	"github.com/mbd888/cadence/internal/metrics"
	"github.com/mbd888/cadence/internal/policy"
	"github.com/mbd888/cadence/internal/ratelimit"
	"github.com/mbd888/cadence/internal/realtime"
	"github.com/mbd888/cadence/internal/retry"
	"github.com/mbd888/cadence/internal/risk"
	"github.com/mbd888/cadence/internal/security"
	"github.com/mbd888/cadence/internal/traces"
	"github.com/mbd888/cadence/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg     *config.Config
	version string

	db        *sql.DB // nil if using in-memory
	blocklist *identity.RedisBlocklist
	accounts  *identity.Directory
	tokens    *auth.Manager
	auditLog  *audit.Recorder
	samples   behavior.Store
	analyzer  *risk.Analyzer
	alerts    *alerts.Dispatcher
	enforcer  *policy.Enforcer
	monitor   *realtime.Monitor
	health    *health.Registry

	extraSinks  []alerts.Sink
	rateLimiter *ratelimit.Limiter
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	stopTracing       func(context.Context) error
	unregisterDBStats func()
	drainDelay        time.Duration
	shutdownOnce      sync.Once
	shutdownErr       error

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion sets the build version reported by /health and traces.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithAlertSink adds an alert destination alongside the configured ones.
func WithAlertSink(sink alerts.Sink) Option {
	return func(s *Server) {
		s.extraSinks = append(s.extraSinks, sink)
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// routing before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// startupRetry bounds how long New waits for the database and redis.
var startupRetry = retry.Policy{Attempts: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	for _, w := range cfg.Warnings() {
		s.logger.Warn("configuration warning", "warning", w)
	}

	thresholds := policy.Thresholds{
		Block:  cfg.AnomalyBlockThreshold,
		High:   cfg.HighRiskThreshold,
		Medium: cfg.MediumRiskThreshold,
	}
	if err := thresholds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid thresholds: %w", err)
	}

	stopTracing, err := traces.Init(ctx, cfg.OTelEndpoint, s.version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTracing = stopTracing

	s.health = health.NewRegistry(health.DefaultTimeout)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		userStore  identity.Store
		auditStore audit.Store
		riskStore  risk.SampleStore
	)
	if cfg.DatabaseURL != "" {
		db, err := s.openDB(ctx)
		if err != nil {
			return nil, err
		}
		s.db = db
		s.health.Register("database", health.PingCheck("database", db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		users := identity.NewPostgresStore(db)
		events := audit.NewPostgresStore(db)
		behavioral := behavior.NewPostgresStore(db)
		training := risk.NewPostgresStore(db)
		for name, m := range map[string]interface{ Migrate(context.Context) error }{
			"users":           users,
			"security events": events,
			"behavioral":      behavioral,
			"risk training":   training,
		} {
			if err := m.Migrate(ctx); err != nil {
				s.logger.Warn("failed to migrate store", "store", name, "error", err)
			}
		}
		userStore, auditStore, s.samples, riskStore = users, events, behavioral, training
	} else {
		userStore = identity.NewMemoryStore()
		auditStore = audit.NewMemoryStore()
		s.samples = behavior.NewMemoryStore()
		riskStore = risk.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Shared blocklist cache
	dirOpts := []identity.Option{identity.WithLogger(s.logger)}
	if cfg.RedisURL != "" {
		bl, err := identity.NewRedisBlocklist(cfg.RedisURL)
		if err != nil {
			s.closeDB()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		if err := startupRetry.Do(ctx, bl.Ping); err != nil {
			// Lookups fall back to the store while redis is away.
			s.logger.Warn("redis unreachable at startup", "error", err)
		}
		s.blocklist = bl
		s.health.Register("redis", health.FuncCheck("redis", bl.Ping))
		dirOpts = append(dirOpts, identity.WithBlocklist(bl))
		s.logger.Info("shared blocklist enabled")
	}
	s.accounts = identity.NewDirectory(userStore, dirOpts...)
	s.auditLog = audit.NewRecorder(auditStore, s.logger)
	s.tokens = auth.NewManager(cfg.JWTSecret, cfg.JWTExpire, cfg.JWTIssuer)

	sinks, err := s.alertSinks(ctx)
	if err != nil {
		s.closeDB()
		return nil, err
	}
	s.alerts = alerts.NewDispatcher(s.logger, sinks...)

	if cfg.InitialAdminPassword != "" {
		created, err := s.accounts.EnsureUser(ctx, cfg.InitialAdminUsername, cfg.InitialAdminPassword, identity.RoleAdmin)
		if err != nil {
			s.closeDB()
			return nil, fmt.Errorf("failed to seed admin account: %w", err)
		}
		if created {
			s.logger.Info("initial admin account created", "user", cfg.InitialAdminUsername)
		}
	}

	s.analyzer = risk.NewAnalyzer(risk.Config{
		MinProfileSamples: cfg.MinProfileSamples,
		MaxExemplars:      cfg.MaxProfileExemplars,
		LearnBelowRisk:    cfg.LearnBelowRisk,
	}, riskStore, s.logger)
	if err := s.analyzer.Load(ctx); err != nil {
		s.logger.Warn("failed to load global model", "error", err)
	}

	s.enforcer = policy.NewEnforcer(s.accounts, s.auditLog, s.alerts, s.logger)
	s.monitor = realtime.NewMonitor(realtime.Config{
		Thresholds:        thresholds,
		MaxConnections:    cfg.WSMaxConnections,
		AuthTimeout:       cfg.WSAuthTimeout,
		MessagesPerSecond: cfg.WSMessagesPerSecond,
		Burst:             cfg.WSBurst,
		ServiceToken:      cfg.ServiceToken,
	}, realtime.Deps{
		Verifier: s.tokens,
		Accounts: s.accounts,
		Scorer:   s.analyzer,
		Samples:  s.samples,
		Audit:    s.auditLog,
		Enforcer: s.enforcer,
	}, s.logger)

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) openDB(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(s.cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.DBConnMaxLifetime)

	ping := startupRetry
	ping.OnRetry = func(attempt int, err error, next time.Duration) {
		s.logger.Warn("database not ready", "attempt", attempt, "retry_in", next, "error", err)
	}
	if err := ping.Do(ctx, db.PingContext); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func (s *Server) alertSinks(ctx context.Context) ([]alerts.Sink, error) {
	var sinks []alerts.Sink
	if s.cfg.AlertWebhookURL != "" {
		if err := security.ValidateAlertEndpoint(ctx, s.cfg.AlertWebhookURL, s.cfg.AlertAllowPrivate, nil); err != nil {
			return nil, fmt.Errorf("invalid ALERT_WEBHOOK_URL: %w", err)
		}
		sinks = append(sinks, alerts.NewWebhookSink(s.cfg.AlertWebhookURL, s.cfg.AlertWebhookSecret))
		s.logger.Info("webhook alerts enabled")
	}
	if len(s.cfg.KafkaBrokers) > 0 {
		sinks = append(sinks, alerts.NewKafkaSink(s.cfg.KafkaBrokers, s.cfg.KafkaAlertTopic))
		s.logger.Info("kafka alerts enabled", "topic", s.cfg.KafkaAlertTopic)
	}
	return append(sinks, s.extraSinks...), nil
}

func (s *Server) closeDB() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(logging.RequestIDMiddleware(s.logger))
	s.router.Use(logging.AccessLogMiddleware())

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         s.cfg.RateLimitBurst,
		CleanupInterval:   time.Minute,
		IdleTTL:           3 * time.Minute,
	})
}

// userKey limits authenticated callers per account and everyone else per
// client address.
func userKey(c *gin.Context) string {
	if u := c.GetString(auth.ContextKeyUsername); u != "" {
		return "user:" + u
	}
	return ratelimit.ClientIP(c)
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Behavioral stream; authentication happens on the first frame.
	s.router.GET("/ws/behavioral", gin.WrapF(s.monitor.HandleWebSocket))

	authHandler := auth.NewHandler(s.tokens, s.accounts, s.auditLog, s.alerts, s.cfg.HighRiskThreshold, s.logger)
	reviewers := auth.RequireRole(identity.RoleAnalyst, identity.RoleAdmin)

	v1 := s.router.Group("/api/v1")

	public := v1.Group("", s.rateLimiter.Middleware(ratelimit.ClientIP))
	public.POST("/register", authHandler.Register)
	public.POST("/login", authHandler.Login)

	protected := v1.Group("", auth.Middleware(s.tokens, s.accounts), s.rateLimiter.Middleware(userKey))
	protected.GET("/me", authHandler.Me)
	protected.GET("/security-events", reviewers, s.listSecurityEvents)
	protected.GET("/realtime-monitor", reviewers, s.realtimeMonitor)
	protected.GET("/users/:username/behavioral-history",
		validation.UsernameParamMiddleware(),
		auth.RequireSelfOrRole("username", identity.RoleAnalyst, identity.RoleAdmin),
		s.behavioralHistory,
	)

	admin := protected.Group("/admin", auth.RequireRole(identity.RoleAdmin))
	admin.POST("/users/:username/role", validation.UsernameParamMiddleware(), s.setRole)
	admin.POST("/users/:username/unblock", validation.UsernameParamMiddleware(), s.unblockUser)
	admin.POST("/model/train", s.trainModel)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and blocks until a signal, ctx cancellation or
// a listener error, then shuts down.
func (s *Server) Run(ctx context.Context) error {

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "version", s.version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.db != nil {
		unregister, err := metrics.RegisterDBStats(s.db)
		if err != nil {
			s.logger.Warn("database pool metrics unavailable", "error", err)
		}
		s.unregisterDBStats = unregister
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server. It is safe to call more than once.
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown()
	})
	return s.shutdownErr
}

func (s *Server) shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.unregisterDBStats != nil {
		s.unregisterDBStats()
	}

	// Give load balancers time to stop sending traffic
	if s.httpSrv != nil && s.drainDelay > 0 {
		time.Sleep(s.drainDelay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error

	// Hijacked websocket connections are not tracked by http.Server.
	if err := s.monitor.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("realtime monitor: %w", err))
	}

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
	}

	if err := s.alerts.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("alerts: %w", err))
	}

	s.rateLimiter.Stop()

	if s.blocklist != nil {
		if err := s.blocklist.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}

	if err := s.stopTracing(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracing: %w", err))
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		} else {
			s.logger.Info("database connection closed")
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		s.logger.Error("shutdown error", "error", err)
	}
	s.logger.Info("server stopped")
	return err
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
