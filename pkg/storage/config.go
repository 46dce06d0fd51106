package storage

import (
	"fmt"
	"time"
)

// Backend names a store implementation
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendRedis    Backend = "redis"
	BackendPostgres Backend = "postgres"
)

// ParseBackend validates a backend name
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(s); b {
	case BackendMemory, BackendRedis, BackendPostgres:
		return b, nil
	default:
		return "", fmt.Errorf("invalid storage backend: %q (must be memory, redis, or postgres)", s)
	}
}

// Config holds connection settings for the shared stores
type Config struct {
	// Backend used for rate-limit counters
	RateLimitBackend Backend
	// Backend used for idempotency records
	IdempotencyBackend Backend

	// PostgreSQL config
	PostgresURL         string
	PostgresMaxConns    int
	PostgresMinConns    int
	PostgresTimeout     time.Duration
	PostgresMaxLifetime time.Duration

	// Redis config
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int
	RedisKeyPrefix  string

	// S3 holds the audit archive bucket
	S3 S3Config
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		RateLimitBackend:    BackendMemory,
		IdempotencyBackend:  BackendMemory,
		PostgresMaxConns:    20,
		PostgresMinConns:    2,
		PostgresTimeout:     10 * time.Second,
		PostgresMaxLifetime: 30 * time.Minute,
		RedisURL:            "redis://localhost:6379/0",
		RedisDB:             -1,
		RedisMaxRetries:     3,
		RedisPoolSize:       10,
		RedisKeyPrefix:      "salonguard:",
		S3:                  S3Config{Region: "us-east-1"},
	}
}

// NeedsRedis reports whether any component is configured on Redis
func (c Config) NeedsRedis() bool {
	return c.RateLimitBackend == BackendRedis || c.IdempotencyBackend == BackendRedis
}

// NeedsPostgres reports whether any component is configured on PostgreSQL
func (c Config) NeedsPostgres() bool {
	return c.IdempotencyBackend == BackendPostgres
}
