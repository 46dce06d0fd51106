package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Status is the lifecycle state of a record
type Status string

const (
	// StatusPending marks a reservation whose operation has not finished
	StatusPending Status = "pending"
	// StatusCompleted marks a record holding a cached response
	StatusCompleted Status = "completed"
)

// Key length limits
const (
	MinKeyLength = 16
	MaxKeyLength = 128
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

var (
	// ErrInvalidKey is returned for malformed idempotency keys
	ErrInvalidKey = errors.New("invalid idempotency key")
	// ErrNotFound is returned by Store.Get when no record exists
	ErrNotFound = errors.New("idempotency record not found")
	// ErrNotReserved is returned when completing a record that is not a
	// pending reservation with the same fingerprint
	ErrNotReserved = errors.New("idempotency record is not reserved")
)

// Scope identifies a record: keys are only unique per user and endpoint
type Scope struct {
	UserID   string
	Endpoint string
	Key      string
}

// Record is one stored idempotency entry
type Record struct {
	Key             string            `json:"key"`
	UserID          string            `json:"user_id"`
	Endpoint        string            `json:"endpoint"`
	Method          string            `json:"method"`
	Fingerprint     string            `json:"fingerprint"`
	Status          Status            `json:"status"`
	ResponseStatus  int               `json:"response_status,omitempty"`
	ResponseBody    []byte            `json:"response_body,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	ExpiresAt       time.Time         `json:"expires_at"`
}

// Scope returns the record's lookup scope
func (r *Record) Scope() Scope {
	return Scope{UserID: r.UserID, Endpoint: r.Endpoint, Key: r.Key}
}

// Expired reports whether the record is past its TTL at now. For a pending
// reservation that is its lease.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Store persists records. Reserve must be atomic: of two concurrent
// reservations for one scope exactly one succeeds.
type Store interface {
	// Reserve writes rec if no record exists for its scope. When one does,
	// it is returned and nothing is written.
	Reserve(ctx context.Context, rec *Record) (existing *Record, err error)
	// ReplaceExpired overwrites an expired record with the same fingerprint
	// by rec. It reports false if the stored record is no longer eligible.
	ReplaceExpired(ctx context.Context, rec *Record, now time.Time) (bool, error)
	Get(ctx context.Context, scope Scope) (*Record, error)
	// Complete turns the pending reservation matching rec's fingerprint
	// into a completed record carrying rec's response and expiring at
	// rec.ExpiresAt.
	Complete(ctx context.Context, rec *Record) error
	// Delete removes a pending reservation with the given fingerprint.
	// Completed records are never deleted this way.
	Delete(ctx context.Context, scope Scope, fingerprint string) error
	// Sweep removes records expired at now and returns how many
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// Fingerprint hashes the parts of a request that must match for a replay
func Fingerprint(method, endpoint string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{'\n'})
	h.Write([]byte(endpoint))
	h.Write([]byte{'\n'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// ValidateKey checks length and charset
func ValidateKey(key string) error {
	if len(key) < MinKeyLength || len(key) > MaxKeyLength {
		return fmt.Errorf("%w: length must be between %d and %d", ErrInvalidKey, MinKeyLength, MaxKeyLength)
	}
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: only letters, digits, '-' and '_' are allowed", ErrInvalidKey)
	}
	return nil
}
