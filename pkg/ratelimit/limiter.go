package ratelimit

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/platinummonkey/salonguard/pkg/observability"
)

// Config is the quota applied to one key
type Config struct {
	MaxRequests int
	Window      time.Duration
}

// Counter is the state of one fixed window
type Counter struct {
	Key         string
	Count       int
	WindowStart time.Time
	WindowEnd   time.Time
	// Allowed is false when the increment was refused at the cap
	Allowed bool
}

// Store increments counters atomically. Increment must never raise Count
// above max, and must start a new window once WindowEnd has passed.
type Store interface {
	Increment(ctx context.Context, key string, max int, window time.Duration) (Counter, error)
}

// Result is the outcome of a rate-limit check
type Result struct {
	Allowed           bool
	Limit             int
	Remaining         int
	ResetTime         time.Time
	RetryAfterSeconds int
	// Degraded is set when the store failed and the request was let through
	Degraded bool
}

// ErrInvalidConfig is returned for non-positive quotas
var ErrInvalidConfig = errors.New("rate limit config must have positive max requests and window")

// Key builds the compound counter key
func Key(endpoint, role, identity string) string {
	return endpoint + ":" + role + ":" + identity
}

// Limiter checks requests against a Store
type Limiter struct {
	store   Store
	logger  *observability.Logger
	metrics *observability.SecurityMetrics
	now     func() time.Time
}

// NewLimiter creates a limiter over store
func NewLimiter(store Store, logger *observability.Logger, metrics *observability.SecurityMetrics) *Limiter {
	return &Limiter{
		store:   store,
		logger:  logger.Component("ratelimit"),
		metrics: metrics,
		now:     time.Now,
	}
}

// Check counts one request for key. It never fails: store errors are
// logged and the request is allowed.
func (l *Limiter) Check(ctx context.Context, key string, cfg Config) Result {
	now := l.now()

	if cfg.MaxRequests <= 0 || cfg.Window <= 0 {
		l.failOpen(ctx, key, ErrInvalidConfig)
		return Result{Allowed: true, Limit: cfg.MaxRequests, ResetTime: now, Degraded: true}
	}

	counter, err := l.store.Increment(ctx, key, cfg.MaxRequests, cfg.Window)
	if err != nil {
		l.failOpen(ctx, key, err)
		return Result{
			Allowed:   true,
			Limit:     cfg.MaxRequests,
			Remaining: cfg.MaxRequests,
			ResetTime: now.Add(cfg.Window),
			Degraded:  true,
		}
	}

	remaining := cfg.MaxRequests - counter.Count
	if remaining < 0 || !counter.Allowed {
		remaining = 0
	}

	res := Result{
		Allowed:           counter.Allowed,
		Limit:             cfg.MaxRequests,
		Remaining:         remaining,
		ResetTime:         counter.WindowEnd,
		RetryAfterSeconds: retryAfter(now, counter.WindowEnd),
	}

	if res.Allowed {
		l.metrics.RateLimitDecision("allowed")
	} else {
		l.metrics.RateLimitDecision("rejected")
		l.logFor(ctx).WithFields(map[string]interface{}{
			"key":         key,
			"limit":       cfg.MaxRequests,
			"retry_after": res.RetryAfterSeconds,
		}).Info("Rate limit exceeded")
	}
	return res
}

func (l *Limiter) failOpen(ctx context.Context, key string, err error) {
	l.metrics.RateLimitDecision("fail_open")
	l.logFor(ctx).WithError(err).WithField("key", key).Warn("Rate limiter store unavailable, failing open")
}

func (l *Limiter) logFor(ctx context.Context) *observability.Logger {
	return l.logger.ForRequest(ctx)
}

// retryAfter rounds up to whole seconds and is at least 1
func retryAfter(now, end time.Time) int {
	secs := int(math.Ceil(end.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// SetHeaders writes the X-RateLimit-* headers, plus Retry-After when the
// request was rejected
func (r Result) SetHeaders(h http.Header) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(r.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(r.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(r.ResetTime.Unix(), 10))
	if !r.Allowed {
		h.Set("Retry-After", strconv.Itoa(r.RetryAfterSeconds))
	}
}
