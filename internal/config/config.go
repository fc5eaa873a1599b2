// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port            string
	Env             string // "development", "staging", "production"
	LogLevel        string
	LogFormat       string // "json" or "text"
	ShutdownTimeout time.Duration

	// Database (optional, uses in-memory stores if not set)
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// Shared blocklist cache (optional)
	RedisURL string

	// Tokens
	JWTSecret    string
	JWTExpire    time.Duration
	JWTIssuer    string
	ServiceToken string // static bearer for trusted stream producers

	// Response thresholds
	AnomalyBlockThreshold float64
	HighRiskThreshold     float64
	MediumRiskThreshold   float64

	// Risk model enrollment
	MinProfileSamples   int
	MaxProfileExemplars int
	LearnBelowRisk      float64

	MaxBehaviorHistoryLimit int

	// Alert delivery (all optional)
	AlertWebhookURL    string
	AlertWebhookSecret string
	KafkaBrokers       []string
	KafkaAlertTopic    string
	// Permits webhook URLs on private or loopback addresses
	AlertAllowPrivate bool

	// Behavioral stream
	WSMaxConnections    int
	WSAuthTimeout       time.Duration
	WSMessagesPerSecond float64
	WSBurst             int

	// REST rate limiting
	RateLimitRPM   int
	RateLimitBurst int

	// Browser origins allowed to call the REST API; "*" allows any
	CORSAllowedOrigins []string

	// Bootstrap admin account; seeded only when a password is set
	InitialAdminUsername string
	InitialAdminPassword string

	OTelEndpoint string
}

// Defaults
const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
	DefaultJWTIssuer           = "cadence"
	DefaultKafkaAlertTopic     = "cadence.alerts"
	DefaultBlockThreshold      = 0.7
	DefaultHighRiskThreshold   = 0.7
	DefaultMediumRiskThreshold = 0.5
	DefaultRateLimitRPM        = 120
	DefaultRateLimitBurst      = 20
	DefaultAdminUsername       = "admin"

	// DevJWTSecret is used in development when JWT_SECRET is unset.
	DevJWTSecret = "cadence-development-secret-do-not-use"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:       getEnv("LOG_FORMAT", DefaultLogFormat),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		DatabaseURL:       os.Getenv("DATABASE_URL"),
		DBMaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 10),
		DBConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),

		RedisURL: os.Getenv("REDIS_URL"),

		JWTSecret:    os.Getenv("JWT_SECRET"),
		JWTExpire:    getEnvDuration("JWT_EXPIRE", 120*time.Minute),
		JWTIssuer:    getEnv("JWT_ISSUER", DefaultJWTIssuer),
		ServiceToken: os.Getenv("SERVICE_TOKEN"),

		AnomalyBlockThreshold: getEnvFloat("ANOMALY_BLOCK_THRESHOLD", DefaultBlockThreshold),
		HighRiskThreshold:     getEnvFloat("HIGH_RISK_THRESHOLD", DefaultHighRiskThreshold),
		MediumRiskThreshold:   getEnvFloat("MEDIUM_RISK_THRESHOLD", DefaultMediumRiskThreshold),

		MinProfileSamples:   getEnvInt("MIN_PROFILE_SAMPLES", 3),
		MaxProfileExemplars: getEnvInt("MAX_PROFILE_EXEMPLARS", 50),
		LearnBelowRisk:      getEnvFloat("LEARN_BELOW_RISK", 0.5),

		MaxBehaviorHistoryLimit: getEnvInt("MAX_BEHAVIOR_HISTORY_LIMIT", 100),

		AlertWebhookURL:    os.Getenv("ALERT_WEBHOOK_URL"),
		AlertWebhookSecret: os.Getenv("ALERT_WEBHOOK_SECRET"),
		KafkaBrokers:       getEnvList("KAFKA_BROKERS"),
		KafkaAlertTopic:    getEnv("KAFKA_ALERT_TOPIC", DefaultKafkaAlertTopic),

		WSMaxConnections:    getEnvInt("WS_MAX_CONNECTIONS", 10000),
		WSAuthTimeout:       getEnvDuration("WS_AUTH_TIMEOUT", 10*time.Second),
		WSMessagesPerSecond: getEnvFloat("WS_MESSAGES_PER_SECOND", 20),
		WSBurst:             getEnvInt("WS_BURST", 40),

		RateLimitRPM:   getEnvInt("RATE_LIMIT_RPM", DefaultRateLimitRPM),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", DefaultRateLimitBurst),

		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS"),

		InitialAdminUsername: getEnv("INITIAL_ADMIN_USERNAME", DefaultAdminUsername),
		InitialAdminPassword: os.Getenv("INITIAL_ADMIN_PASSWORD"),

		OTelEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	cfg.AlertAllowPrivate = getEnvBool("ALERT_ALLOW_PRIVATE", cfg.IsDevelopment())

	if cfg.JWTSecret == "" && cfg.IsDevelopment() {
		cfg.JWTSecret = DevJWTSecret
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required outside development"))
	} else if c.JWTSecret == DevJWTSecret && c.IsProduction() {
		errs = append(errs, fmt.Errorf("JWT_SECRET must not be the development secret in production"))
	}

	for name, v := range map[string]float64{
		"ANOMALY_BLOCK_THRESHOLD": c.AnomalyBlockThreshold,
		"HIGH_RISK_THRESHOLD":     c.HighRiskThreshold,
		"MEDIUM_RISK_THRESHOLD":   c.MediumRiskThreshold,
		"LEARN_BELOW_RISK":        c.LearnBelowRisk,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [0,1], got %v", name, v))
		}
	}

	for name, v := range map[string]int{
		"MIN_PROFILE_SAMPLES":        c.MinProfileSamples,
		"MAX_PROFILE_EXEMPLARS":      c.MaxProfileExemplars,
		"MAX_BEHAVIOR_HISTORY_LIMIT": c.MaxBehaviorHistoryLimit,
		"WS_MAX_CONNECTIONS":         c.WSMaxConnections,
		"WS_BURST":                   c.WSBurst,
		"RATE_LIMIT_RPM":             c.RateLimitRPM,
		"RATE_LIMIT_BURST":           c.RateLimitBurst,
		"DB_MAX_OPEN_CONNS":          c.DBMaxOpenConns,
	} {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	if c.MaxProfileExemplars > 0 && c.MinProfileSamples > c.MaxProfileExemplars {
		errs = append(errs, fmt.Errorf("MIN_PROFILE_SAMPLES (%d) exceeds MAX_PROFILE_EXEMPLARS (%d)",
			c.MinProfileSamples, c.MaxProfileExemplars))
	}
	if c.WSMessagesPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("WS_MESSAGES_PER_SECOND must be positive"))
	}
	if c.WSAuthTimeout <= 0 || c.JWTExpire <= 0 || c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("WS_AUTH_TIMEOUT, JWT_EXPIRE and SHUTDOWN_TIMEOUT must be positive"))
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaAlertTopic == "" {
		errs = append(errs, fmt.Errorf("KAFKA_ALERT_TOPIC is required when KAFKA_BROKERS is set"))
	}

	return errors.Join(errs...)
}

// Warnings reports settings that are legal but probably wrong.
func (c *Config) Warnings() []string {
	var out []string
	if c.AnomalyBlockThreshold < c.HighRiskThreshold {
		out = append(out, fmt.Sprintf("ANOMALY_BLOCK_THRESHOLD (%v) is below HIGH_RISK_THRESHOLD (%v); HIGH alerts will never be sent on the stream",
			c.AnomalyBlockThreshold, c.HighRiskThreshold))
	}
	if c.AnomalyBlockThreshold < c.MediumRiskThreshold {
		out = append(out, fmt.Sprintf("ANOMALY_BLOCK_THRESHOLD (%v) is below MEDIUM_RISK_THRESHOLD (%v)",
			c.AnomalyBlockThreshold, c.MediumRiskThreshold))
	}
	if c.JWTSecret == DevJWTSecret {
		out = append(out, "JWT_SECRET not set, using the development secret")
	}
	if c.DatabaseURL == "" {
		out = append(out, "DATABASE_URL not set, state is in memory and lost on restart")
	}
	return out
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or bare minutes ("120").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if m, err := strconv.Atoi(value); err == nil {
		return time.Duration(m) * time.Minute
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
