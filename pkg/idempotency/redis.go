package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultRetention is how long Redis keeps a record after it expires, so
// that a reused key with a different body is still reported as a conflict
const DefaultRetention = time.Hour

// RedisStore keeps each record as a JSON value. Reservation is SET NX;
// every other transition is a WATCH/MULTI transaction on the record key.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

// NewRedisStore creates a Redis-backed store
func NewRedisStore(client *redis.Client, prefix string, retention time.Duration) *RedisStore {
	if retention < 0 {
		retention = 0
	}
	return &RedisStore{client: client, prefix: prefix + "idem:", retention: retention}
}

func (s *RedisStore) key(scope Scope) string {
	return fmt.Sprintf("%s%s:%s:%s", s.prefix, scope.UserID, scope.Endpoint, scope.Key)
}

func (s *RedisStore) expiry(rec *Record) time.Duration {
	d := time.Until(rec.ExpiresAt) + s.retention
	if d < time.Second {
		d = time.Second
	}
	return d
}

func decode(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode idempotency record: %w", err)
	}
	return &rec, nil
}

// Reserve implements Store
func (s *RedisStore) Reserve(ctx context.Context, rec *Record) (*Record, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode idempotency record: %w", err)
	}
	key := s.key(rec.Scope())

	// The second pass covers the existing key expiring between SETNX and GET.
	for pass := 0; pass < 2; pass++ {
		ok, err := s.client.SetNX(ctx, key, data, s.expiry(rec)).Result()
		if err != nil {
			return nil, fmt.Errorf("redis setnx: %w", err)
		}
		if ok {
			return nil, nil
		}

		existing, err := s.Get(ctx, rec.Scope())
		if errors.Is(err, ErrNotFound) {
			continue
		}
		return existing, err
	}
	return nil, fmt.Errorf("redis reserve: key %s flapping", key)
}

// update runs fn against the current record inside a WATCH transaction.
// fn returns the record to write, or nil to leave the key untouched.
func (s *RedisStore) update(ctx context.Context, scope Scope, fn func(current *Record) (*Record, bool, error)) error {
	key := s.key(scope)
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		var current *Record
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("redis get: %w", err)
		default:
			if current, err = decode(data); err != nil {
				return err
			}
		}

		next, del, err := fn(current)
		if err != nil {
			return err
		}
		if next == nil && !del {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if del {
				pipe.Del(ctx, key)
				return nil
			}
			encoded, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("failed to encode idempotency record: %w", err)
			}
			pipe.Set(ctx, key, encoded, s.expiry(next))
			return nil
		})
		return err
	}, key)
}

var errNotEligible = errors.New("record not eligible for replacement")

// ReplaceExpired implements Store
func (s *RedisStore) ReplaceExpired(ctx context.Context, rec *Record, now time.Time) (bool, error) {
	err := s.update(ctx, rec.Scope(), func(current *Record) (*Record, bool, error) {
		if current != nil && (!current.Expired(now) || current.Fingerprint != rec.Fingerprint) {
			return nil, false, errNotEligible
		}
		return rec, false, nil
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errNotEligible), errors.Is(err, redis.TxFailedErr):
		return false, nil
	default:
		return false, err
	}
}

// Get implements Store
func (s *RedisStore) Get(ctx context.Context, scope Scope) (*Record, error) {
	data, err := s.client.Get(ctx, s.key(scope)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return decode(data)
}

// Complete implements Store
func (s *RedisStore) Complete(ctx context.Context, rec *Record) error {
	return s.update(ctx, rec.Scope(), func(current *Record) (*Record, bool, error) {
		if current == nil || current.Status != StatusPending || current.Fingerprint != rec.Fingerprint {
			return nil, false, ErrNotReserved
		}
		next := *current
		next.Status = StatusCompleted
		next.ExpiresAt = rec.ExpiresAt
		next.ResponseStatus = rec.ResponseStatus
		next.ResponseBody = rec.ResponseBody
		next.ResponseHeaders = rec.ResponseHeaders
		return &next, false, nil
	})
}

// Delete implements Store
func (s *RedisStore) Delete(ctx context.Context, scope Scope, fingerprint string) error {
	return s.update(ctx, scope, func(current *Record) (*Record, bool, error) {
		if current == nil || current.Status != StatusPending || current.Fingerprint != fingerprint {
			return nil, false, nil
		}
		return nil, true, nil
	})
}

// Sweep implements Store. Redis expires keys itself.
func (s *RedisStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}
