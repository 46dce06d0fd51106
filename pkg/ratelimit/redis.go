package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// incrementScript refuses to count past the cap and starts the window on
// the first hit. A key that somehow lost its TTL gets a fresh one.
//
// KEYS[1] counter key; ARGV[1] max; ARGV[2] window in ms.
// Returns {count, pttl, allowed}.
var incrementScript = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
local window = tonumber(ARGV[2])
if cur == 0 then
  redis.call("SET", KEYS[1], 1, "PX", window)
  return {1, window, 1}
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], window)
  ttl = window
end
if cur < tonumber(ARGV[1]) then
  cur = redis.call("INCR", KEYS[1])
  return {cur, ttl, 1}
end
return {cur, ttl, 0}
`)

// RedisStore keeps counters in Redis. Expiry is handled by Redis itself,
// so there is nothing to sweep.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed store. Keys are written as
// prefix + "ratelimit:" + key.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix + "ratelimit:"}
}

// Increment implements Store
func (s *RedisStore) Increment(ctx context.Context, key string, max int, window time.Duration) (Counter, error) {
	now := time.Now()

	res, err := incrementScript.Run(ctx, s.client, []string{s.prefix + key}, max, window.Milliseconds()).Result()
	if err != nil {
		return Counter{}, fmt.Errorf("redis increment: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return Counter{}, fmt.Errorf("redis increment: unexpected reply %T", res)
	}
	count, ok1 := vals[0].(int64)
	ttlMs, ok2 := vals[1].(int64)
	allowed, ok3 := vals[2].(int64)
	if !ok1 || !ok2 || !ok3 {
		return Counter{}, fmt.Errorf("redis increment: unexpected reply %v", vals)
	}

	end := now.Add(time.Duration(ttlMs) * time.Millisecond)
	return Counter{
		Key:         key,
		Count:       int(count),
		WindowStart: end.Add(-window),
		WindowEnd:   end,
		Allowed:     allowed == 1,
	}, nil
}

// Sweep implements the sweeper contract; Redis expires keys on its own
func (s *RedisStore) Sweep(context.Context) (int, error) {
	return 0, nil
}
