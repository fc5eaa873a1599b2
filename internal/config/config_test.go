package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

// validConfig mirrors the defaults Load produces in production with a
// secret supplied.
func validConfig() Config {
	return Config{
		Env:                     "production",
		ShutdownTimeout:         30 * time.Second,
		DBMaxOpenConns:          25,
		JWTSecret:               "s3cret",
		JWTExpire:               2 * time.Hour,
		AnomalyBlockThreshold:   0.7,
		HighRiskThreshold:       0.7,
		MediumRiskThreshold:     0.5,
		MinProfileSamples:       3,
		MaxProfileExemplars:     50,
		LearnBelowRisk:          0.5,
		MaxBehaviorHistoryLimit: 100,
		WSMaxConnections:        10000,
		WSAuthTimeout:           10 * time.Second,
		WSMessagesPerSecond:     20,
		WSBurst:                 40,
		RateLimitRPM:            120,
		RateLimitBurst:          20,
		KafkaAlertTopic:         DefaultKafkaAlertTopic,
	}
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "JWT_SECRET", "")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DevJWTSecret, cfg.JWTSecret)
	assert.Equal(t, 120*time.Minute, cfg.JWTExpire)
	assert.Equal(t, DefaultBlockThreshold, cfg.AnomalyBlockThreshold)
	assert.Equal(t, DefaultHighRiskThreshold, cfg.HighRiskThreshold)
	assert.Equal(t, DefaultMediumRiskThreshold, cfg.MediumRiskThreshold)
	assert.Equal(t, 10000, cfg.WSMaxConnections)
	assert.Equal(t, DefaultKafkaAlertTopic, cfg.KafkaAlertTopic)
	assert.Contains(t, cfg.Warnings(), "JWT_SECRET not set, using the development secret")
	assert.True(t, cfg.AlertAllowPrivate, "development allows local webhook receivers")
}

func TestLoad_ProductionRequiresSecret(t *testing.T) {
	setEnv(t, "ENV", "production")
	setEnv(t, "JWT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET is required")
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "ENV", "staging")
	setEnv(t, "JWT_SECRET", "s3cret")
	setEnv(t, "JWT_EXPIRE", "30")
	setEnv(t, "WS_AUTH_TIMEOUT", "3s")
	setEnv(t, "ANOMALY_BLOCK_THRESHOLD", "0.85")
	setEnv(t, "KAFKA_BROKERS", "k1:9092, k2:9092,")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, cfg.JWTExpire)
	assert.Equal(t, 3*time.Second, cfg.WSAuthTimeout)
	assert.Equal(t, 0.85, cfg.AnomalyBlockThreshold)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid config", func(*Config) {}, ""},
		{"missing secret", func(c *Config) { c.JWTSecret = "" }, "JWT_SECRET is required"},
		{"dev secret in production", func(c *Config) { c.JWTSecret = DevJWTSecret }, "development secret"},
		{"threshold above one", func(c *Config) { c.AnomalyBlockThreshold = 1.5 }, "ANOMALY_BLOCK_THRESHOLD must be within [0,1]"},
		{"negative threshold", func(c *Config) { c.MediumRiskThreshold = -0.1 }, "MEDIUM_RISK_THRESHOLD"},
		{"zero history limit", func(c *Config) { c.MaxBehaviorHistoryLimit = 0 }, "MAX_BEHAVIOR_HISTORY_LIMIT must be positive"},
		{"enrollment larger than ring", func(c *Config) { c.MinProfileSamples = 60 }, "exceeds MAX_PROFILE_EXEMPLARS"},
		{"zero message rate", func(c *Config) { c.WSMessagesPerSecond = 0 }, "WS_MESSAGES_PER_SECOND"},
		{"kafka without topic", func(c *Config) {
			c.KafkaBrokers = []string{"k1:9092"}
			c.KafkaAlertTopic = ""
		}, "KAFKA_ALERT_TOPIC"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_WarningsOnMisorderedThresholds(t *testing.T) {
	cfg := validConfig()
	cfg.DatabaseURL = "postgres://localhost/cadence"
	assert.Empty(t, cfg.Warnings())

	cfg.AnomalyBlockThreshold = 0.4
	warnings := cfg.Warnings()
	require.Len(t, warnings, 2)
	assert.Contains(t, warnings[0], "HIGH_RISK_THRESHOLD")
	assert.Contains(t, warnings[1], "MEDIUM_RISK_THRESHOLD")
	assert.NoError(t, cfg.Validate(), "ordering is a warning, not an error")
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvNumbers(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_FLOAT", "0.25")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, 42, getEnvInt("TEST_INT", 0))
	assert.Equal(t, 99, getEnvInt("NONEXISTENT_VAR", 99))
	assert.Equal(t, 99, getEnvInt("TEST_INVALID", 99)) // Falls back on parse error
	assert.Equal(t, 0.25, getEnvFloat("TEST_FLOAT", 1))
	assert.Equal(t, 1.0, getEnvFloat("TEST_INVALID", 1))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_INVALID", time.Minute))
}

func TestGetEnvBoolAndList(t *testing.T) {
	setEnv(t, "TEST_BOOL", "false")
	setEnv(t, "TEST_LIST", " https://a.example.com ,,https://b.example.com")

	assert.False(t, getEnvBool("TEST_BOOL", true))
	assert.True(t, getEnvBool("NONEXISTENT_VAR", true))
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, getEnvList("TEST_LIST"))
	assert.Nil(t, getEnvList("NONEXISTENT_VAR"))
}
