package async

import (
	"errors"
	"time"
)

// RetryConfig controls how a failed detached task is retried
type RetryConfig struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// DefaultRetryConfig is used for detached audit and alert work: a handful
// of quick attempts, so a drain at shutdown is not held up for minutes.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      200 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as one that no retry can fix, such as an audit entry
// that cannot be encoded. The queue gives up on the first such failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err or anything it wraps was marked Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// RetryPolicy is exponential backoff with a ceiling
type RetryPolicy struct {
	config RetryConfig
}

// NewRetryPolicy fills unset fields with conservative defaults
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = time.Second
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 5 * time.Minute
	}
	if config.BackoffMultiplier <= 1.0 {
		config.BackoffMultiplier = 2.0
	}
	return &RetryPolicy{config: config}
}

// ShouldRetry reports whether another attempt is allowed after `attempts`
// failures, the last of which was err.
func (p *RetryPolicy) ShouldRetry(attempts int, err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	return attempts < p.config.MaxAttempts
}

// NextRetryDelay is the wait after the given number of failed attempts
func (p *RetryPolicy) NextRetryDelay(attempts int) time.Duration {
	delay := p.config.InitialDelay
	for i := 1; i < attempts; i++ {
		delay = time.Duration(float64(delay) * p.config.BackoffMultiplier)
		if delay >= p.config.MaxDelay {
			return p.config.MaxDelay
		}
	}
	return delay
}
