package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/salonguard/pkg/observability"
)

// DefaultTTL is how long a completed response is replayed
const DefaultTTL = 24 * time.Hour

// DefaultLease is how long a reservation holds its key when the request
// that made it never stores or releases it
const DefaultLease = time.Minute

// LeaseMargin is added to the handler timeout when deriving a lease
const LeaseMargin = 30 * time.Second

// CachedResponse is a stored response, replayed byte for byte
type CachedResponse struct {
	Status  int
	Body    []byte
	Headers map[string]string
}

// CheckResult is the outcome of Check. When none of Exists, Conflict or
// InFlight is set, the key is now reserved for this request.
type CheckResult struct {
	Exists   bool
	Cached   *CachedResponse
	Conflict bool
	InFlight bool
}

// Reserved reports whether the caller now owns the key and must either
// store a response or release it
func (r CheckResult) Reserved() bool {
	return !r.Exists && !r.Conflict && !r.InFlight
}

// Target is one idempotent request. Endpoint scopes the key; Path is the
// concrete request path and is fingerprinted with the method and body, so
// the same key sent to /bookings/1 and /bookings/2 under one endpoint is a
// conflict. An empty Path fingerprints Endpoint.
type Target struct {
	UserID   string
	Key      string
	Endpoint string
	Path     string
	Method   string
	Body     []byte
}

func (t Target) scope() Scope {
	return Scope{UserID: t.UserID, Endpoint: t.Endpoint, Key: t.Key}
}

func (t Target) fingerprint() string {
	path := t.Path
	if path == "" {
		path = t.Endpoint
	}
	return Fingerprint(t.Method, path, t.Body)
}

func (t Target) record(status Status) *Record {
	return &Record{
		Key:         t.Key,
		UserID:      t.UserID,
		Endpoint:    t.Endpoint,
		Method:      t.Method,
		Fingerprint: t.fingerprint(),
		Status:      status,
	}
}

// Service implements the check/store/release protocol over a Store
type Service struct {
	store   Store
	ttl     time.Duration
	lease   time.Duration
	logger  *observability.Logger
	metrics *observability.SecurityMetrics
	now     func() time.Time
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithReservationLease sets how long a pending reservation blocks its key.
// It must outlast the protected operation; once it lapses the key can be
// reserved again by a request with the same fingerprint.
func WithReservationLease(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.lease = d
		}
	}
}

// NewService creates a service. A zero ttl means DefaultTTL.
func NewService(store Store, ttl time.Duration, logger *observability.Logger, metrics *observability.SecurityMetrics, opts ...ServiceOption) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Service{
		store:   store,
		ttl:     ttl,
		lease:   DefaultLease,
		logger:  logger.Component("idempotency"),
		metrics: metrics,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.lease > s.ttl {
		s.lease = s.ttl
	}
	return s
}

// Check is CheckTarget for a request whose path is its endpoint
func (s *Service) Check(ctx context.Context, userID, key string, body []byte, endpoint, method string) (CheckResult, error) {
	return s.CheckTarget(ctx, Target{UserID: userID, Key: key, Endpoint: endpoint, Method: method, Body: body})
}

// CheckTarget validates the key and either reserves it or reports what is
// already stored for it. A reservation lives for the lease, not the TTL.
// Any store error is returned; callers must treat it as a reason to reject
// the request.
func (s *Service) CheckTarget(ctx context.Context, t Target) (CheckResult, error) {
	if err := ValidateKey(t.Key); err != nil {
		s.metrics.IdempotencyOutcome("invalid")
		return CheckResult{}, err
	}

	now := s.now()
	rec := t.record(StatusPending)
	rec.CreatedAt = now
	rec.ExpiresAt = now.Add(s.lease)
	fp := rec.Fingerprint

	// Two passes: the second covers losing a race to replace an expired record.
	for pass := 0; pass < 2; pass++ {
		existing, err := s.store.Reserve(ctx, rec)
		if err != nil {
			return CheckResult{}, s.storeError(ctx, "reserve", err)
		}
		if existing == nil {
			s.metrics.IdempotencyOutcome("miss")
			return CheckResult{}, nil
		}

		if existing.Fingerprint != fp {
			s.metrics.IdempotencyOutcome("conflict")
			s.logFor(ctx).WithField("endpoint", t.Endpoint).WithField("path", t.Path).Warn("Idempotency key reused with a different request")
			return CheckResult{Conflict: true}, nil
		}

		if existing.Expired(now) {
			replaced, err := s.store.ReplaceExpired(ctx, rec, now)
			if err != nil {
				return CheckResult{}, s.storeError(ctx, "replace", err)
			}
			if replaced {
				s.metrics.IdempotencyOutcome("miss")
				return CheckResult{}, nil
			}
			continue
		}

		if existing.Status == StatusPending {
			s.metrics.IdempotencyOutcome("in_flight")
			return CheckResult{InFlight: true}, nil
		}

		s.metrics.IdempotencyOutcome("replay")
		return CheckResult{
			Exists: true,
			Cached: &CachedResponse{
				Status:  existing.ResponseStatus,
				Body:    existing.ResponseBody,
				Headers: existing.ResponseHeaders,
			},
		}, nil
	}

	s.metrics.IdempotencyOutcome("in_flight")
	return CheckResult{InFlight: true}, nil
}

// StoreResponse is StoreTargetResponse for a request whose path is its
// endpoint
func (s *Service) StoreResponse(ctx context.Context, userID, key string, body []byte, endpoint, method string, status int, respBody []byte, headers map[string]string) error {
	return s.StoreTargetResponse(ctx, Target{UserID: userID, Key: key, Endpoint: endpoint, Method: method, Body: body},
		status, respBody, headers)
}

// StoreTargetResponse completes the reservation made by CheckTarget and
// keeps the response for the full TTL. Only successful responses should be
// stored.
func (s *Service) StoreTargetResponse(ctx context.Context, t Target, status int, respBody []byte, headers map[string]string) error {
	rec := t.record(StatusCompleted)
	rec.ResponseStatus = status
	rec.ResponseBody = respBody
	rec.ResponseHeaders = headers
	rec.ExpiresAt = s.now().Add(s.ttl)
	if err := s.store.Complete(ctx, rec); err != nil {
		return s.storeError(ctx, "complete", err)
	}
	s.metrics.IdempotencyOutcome("stored")
	return nil
}

// Release is ReleaseTarget for a request whose path is its endpoint
func (s *Service) Release(ctx context.Context, userID, key string, body []byte, endpoint, method string) error {
	return s.ReleaseTarget(ctx, Target{UserID: userID, Key: key, Endpoint: endpoint, Method: method, Body: body})
}

// ReleaseTarget drops the reservation so the key can be retried
func (s *Service) ReleaseTarget(ctx context.Context, t Target) error {
	if err := s.store.Delete(ctx, t.scope(), t.fingerprint()); err != nil {
		return s.storeError(ctx, "release", err)
	}
	s.metrics.IdempotencyOutcome("released")
	return nil
}

// Sweep removes expired records
func (s *Service) Sweep(ctx context.Context) (int, error) {
	n, err := s.store.Sweep(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("idempotency sweep: %w", err)
	}
	if n > 0 {
		s.logger.WithField("removed", n).Debug("Swept expired idempotency records")
	}
	return n, nil
}

func (s *Service) storeError(ctx context.Context, op string, err error) error {
	if !errors.Is(err, ErrNotReserved) {
		s.metrics.IdempotencyOutcome("error")
	}
	s.logFor(ctx).WithError(err).WithField("op", op).Error("Idempotency store failure")
	return fmt.Errorf("idempotency %s: %w", op, err)
}

func (s *Service) logFor(ctx context.Context) *observability.Logger {
	return s.logger.ForRequest(ctx)
}
