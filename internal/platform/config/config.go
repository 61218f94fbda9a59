// Package config reads process configuration from the environment so main
// stays lean. Every knob has a development default; production deployments
// override through env vars.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full process configuration.
type Config struct {
	Addr string

	// PostgresURL empty means in-memory stores (dev mode).
	PostgresURL string

	// RedisURL empty disables the idempotency read cache.
	RedisURL string

	// KafkaBrokers empty disables audit event publishing.
	KafkaBrokers []string
	KafkaTopic   string

	JWTSigningKey string
	JWTIssuer     string
	JWTAudience   string

	// FiscalYear is the active Nepali fiscal year, e.g. "2081-82".
	FiscalYear string

	// AllocationTTL bounds how long a provisional number may sit unbound.
	AllocationTTL time.Duration

	// SweepInterval is how often overdue provisional allocations are reclaimed.
	SweepInterval time.Duration

	// OutboxInterval is how often the audit outbox drains into Kafka.
	OutboxInterval time.Duration
}

// FromEnv builds a Config from environment variables.
func FromEnv() Config {
	cfg := Config{
		Addr:           envOr("DARTA_ADDR", ":8080"),
		PostgresURL:    os.Getenv("DARTA_POSTGRES_URL"),
		RedisURL:       os.Getenv("DARTA_REDIS_URL"),
		KafkaTopic:     envOr("DARTA_KAFKA_TOPIC", "dartachalani.audit"),
		JWTSigningKey:  envOr("DARTA_JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		JWTIssuer:      envOr("DARTA_JWT_ISSUER", "dartachalani"),
		JWTAudience:    envOr("DARTA_JWT_AUDIENCE", "dartachalani"),
		FiscalYear:     envOr("DARTA_FISCAL_YEAR", "2081-82"),
		AllocationTTL:  durationOr("DARTA_ALLOCATION_TTL", 15*time.Minute),
		SweepInterval:  durationOr("DARTA_SWEEP_INTERVAL", time.Minute),
		OutboxInterval: durationOr("DARTA_OUTBOX_INTERVAL", 5*time.Second),
	}
	if brokers := os.Getenv("DARTA_KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
