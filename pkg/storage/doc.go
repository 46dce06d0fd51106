// Package storage builds the shared store clients used by the rate limiter,
// the idempotency store and the audit trail.
//
// # Backends
//
//   - memory: process-local maps, single instance and tests only
//   - redis: go-redis client shared by ratelimit.RedisStore and idempotency.RedisStore
//   - postgres: lib/pq pool shared by idempotency.PostgresStore and audit.DBLogger
//
// The in-memory backend silently under-enforces rate limits and fails to
// deduplicate idempotent requests as soon as more than one instance serves
// traffic. Production deployments use redis or postgres.
//
// # Usage
//
//	cfg := storage.DefaultConfig()
//	cfg.Backend = storage.BackendRedis
//	cfg.RedisURL = "redis://localhost:6379/0"
//	client, err := storage.NewRedisClient(ctx, cfg)
package storage
