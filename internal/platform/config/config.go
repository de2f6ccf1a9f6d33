package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Server captures HTTP server level configuration.
type Server struct {
	Addr              string
	WebhookSigningKey string

	Postgres     PostgresConfig
	Redis        RedisConfig
	Kafka        KafkaConfig
	Orchestrator OrchestratorConfig
	Backends     BackendsConfig
}

// PostgresConfig locates the verification record store. An empty URL selects
// the in-memory store.
type PostgresConfig struct {
	URL string
}

// RedisConfig locates the status cache. An empty URL disables caching.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig locates the status-event stream. Empty brokers disable it.
type KafkaConfig struct {
	Brokers     []string
	StatusTopic string
}

// OrchestratorConfig holds the knobs governing verification processing.
type OrchestratorConfig struct {
	// MaxActive bounds how many verifications process concurrently
	// system-wide. Requests beyond the cap queue, they are never rejected.
	MaxActive int64

	// VerificationTTL is the hard bound on how long a record may stay
	// PENDING/IN_PROGRESS before reconciliation gives up on it.
	VerificationTTL time.Duration

	// StatusCacheTTL bounds staleness of cached status reads.
	StatusCacheTTL time.Duration

	// SweepInterval is how often the expiry sweep scans for dead records.
	SweepInterval time.Duration
}

// BackendsConfig holds per-backend endpoints and poll cadence.
type BackendsConfig struct {
	ForensicsURL    string
	LedgerURL       string
	ContentStoreURL string

	ForensicsPollInterval    time.Duration
	LedgerPollInterval       time.Duration
	ContentStorePollInterval time.Duration
	MaxPollAttempts          int
}

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() Server {
	return Server{
		Addr:              envString("VERIDOC_ADDR", ":8080"),
		WebhookSigningKey: envString("WEBHOOK_SIGNING_KEY", "dev-secret-key-change-in-production"),
		Postgres: PostgresConfig{
			URL: os.Getenv("DATABASE_URL"),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     envInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  envDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers:     envList("KAFKA_BROKERS"),
			StatusTopic: envString("KAFKA_STATUS_TOPIC", "verification.status"),
		},
		Orchestrator: OrchestratorConfig{
			MaxActive:       int64(envInt("MAX_ACTIVE_VERIFICATIONS", 10)),
			VerificationTTL: envDuration("VERIFICATION_TTL", 24*time.Hour),
			StatusCacheTTL:  envDuration("STATUS_CACHE_TTL", time.Hour),
			SweepInterval:   envDuration("EXPIRY_SWEEP_INTERVAL", time.Minute),
		},
		Backends: BackendsConfig{
			ForensicsURL:             envString("FORENSICS_URL", "http://localhost:9001"),
			LedgerURL:                envString("LEDGER_URL", "http://localhost:9002"),
			ContentStoreURL:          envString("CONTENT_STORE_URL", "http://localhost:9003"),
			ForensicsPollInterval:    envDuration("FORENSICS_POLL_INTERVAL", 5*time.Second),
			LedgerPollInterval:       envDuration("LEDGER_POLL_INTERVAL", 10*time.Second),
			ContentStorePollInterval: envDuration("CONTENT_STORE_POLL_INTERVAL", 5*time.Second),
			MaxPollAttempts:          envInt("MAX_POLL_ATTEMPTS", 60),
		},
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
