// Package config loads engine configuration from the environment, with
// an optional YAML file overlay for deployment profiles.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string
	// LogFormat is "text" (tint, for terminals) or "json".
	LogFormat string

	// StorageDriver selects the repository backend: "memory", "sqlite",
	// or "postgres".
	StorageDriver string
	DatabaseURL   string
	SQLitePath    string
	RedisURL      string

	SweepInterval          time.Duration
	RetentionSweepInterval time.Duration
	AwaitPollInterval      time.Duration

	RateLimitRPS   int
	RateLimitBurst int
	IdempotencyTTL time.Duration

	NotifyWebhookURL string

	// EvidenceBucket enables S3 archival of pruned audit entries.
	EvidenceBucket string
	EvidencePrefix string

	OTLPEndpoint string
	OTLPInsecure bool
	Environment  string
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOr(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationOr(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// Load reads configuration from environment variables, applying defaults
// suitable for local development.
func Load() *Config {
	return &Config{
		Port:      envOr("PORT", "8080"),
		LogLevel:  envOr("LOG_LEVEL", "INFO"),
		LogFormat: envOr("LOG_FORMAT", "text"),

		StorageDriver: envOr("STORAGE_DRIVER", "sqlite"),
		DatabaseURL:   envOr("DATABASE_URL", "postgres://sentientloop@localhost:5432/sentientloop?sslmode=disable"),
		SQLitePath:    envOr("SQLITE_PATH", "sentientloop.db"),
		RedisURL:      os.Getenv("REDIS_URL"),

		SweepInterval:          envDurationOr("SWEEP_INTERVAL", time.Minute),
		RetentionSweepInterval: envDurationOr("RETENTION_SWEEP_INTERVAL", 24*time.Hour),
		AwaitPollInterval:      envDurationOr("AWAIT_POLL_INTERVAL", time.Second),

		RateLimitRPS:   envIntOr("RATE_LIMIT_RPS", 50),
		RateLimitBurst: envIntOr("RATE_LIMIT_BURST", 100),
		IdempotencyTTL: envDurationOr("IDEMPOTENCY_TTL", 24*time.Hour),

		NotifyWebhookURL: os.Getenv("NOTIFY_WEBHOOK_URL"),

		EvidenceBucket: os.Getenv("EVIDENCE_BUCKET"),
		EvidencePrefix: envOr("EVIDENCE_PREFIX", "audit-packs"),

		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),
		OTLPInsecure: os.Getenv("OTLP_INSECURE") == "true",
		Environment:  envOr("ENVIRONMENT", "development"),
	}
}
