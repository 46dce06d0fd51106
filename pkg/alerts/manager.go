package alerts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/platinummonkey/salonguard/pkg/contextkeys"
	"github.com/platinummonkey/salonguard/pkg/observability"
)

// Config controls throttling and per-channel protection
type Config struct {
	// ThrottleWindow is the minimum gap between two dispatches of one fingerprint
	ThrottleWindow time.Duration
	// TrackingWindow is how long an idle fingerprint is remembered
	TrackingWindow time.Duration
	TrackerSize    int

	// ChannelRate and ChannelBurst cap outbound sends per channel
	ChannelRate  rate.Limit
	ChannelBurst int

	// SendTimeout bounds one channel delivery, including the rate-limit wait
	SendTimeout time.Duration

	// BreakerFailures consecutive failures open a channel's breaker for BreakerCooldown
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// DefaultConfig returns 15 minute throttling and 24 hour tracking
func DefaultConfig() Config {
	return Config{
		ThrottleWindow:  15 * time.Minute,
		TrackingWindow:  24 * time.Hour,
		TrackerSize:     10000,
		ChannelRate:     rate.Limit(1),
		ChannelBurst:    5,
		SendTimeout:     10 * time.Second,
		BreakerFailures: 5,
		BreakerCooldown: time.Minute,
	}
}

type guardedChannel struct {
	Channel
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// Manager deduplicates alerts by fingerprint and fans them out to channels
type Manager struct {
	cfg      Config
	tracker  *tracker
	channels []*guardedChannel
	logger   *observability.Logger
	metrics  *observability.SecurityMetrics
	now      func() time.Time
}

// NewManager creates a manager. Zero config fields take their defaults.
func NewManager(cfg Config, logger *observability.Logger, metrics *observability.SecurityMetrics, channels ...Channel) (*Manager, error) {
	def := DefaultConfig()
	if cfg.ThrottleWindow <= 0 {
		cfg.ThrottleWindow = def.ThrottleWindow
	}
	if cfg.TrackingWindow <= 0 {
		cfg.TrackingWindow = def.TrackingWindow
	}
	if cfg.TrackerSize <= 0 {
		cfg.TrackerSize = def.TrackerSize
	}
	if cfg.ChannelRate <= 0 {
		cfg.ChannelRate = def.ChannelRate
	}
	if cfg.ChannelBurst <= 0 {
		cfg.ChannelBurst = def.ChannelBurst
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = def.BreakerCooldown
	}

	t, err := newTracker(cfg.TrackerSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create alert tracker: %w", err)
	}

	m := &Manager{
		cfg:     cfg,
		tracker: t,
		logger:  logger.Component("alerts"),
		metrics: metrics,
		now:     time.Now,
	}
	for _, ch := range channels {
		if ch == nil {
			continue
		}
		m.channels = append(m.channels, m.guard(ch))
	}
	return m, nil
}

func (m *Manager) guard(ch Channel) *guardedChannel {
	failures := m.cfg.BreakerFailures
	log := m.logger.WithField("channel", ch.Name())
	return &guardedChannel{
		Channel: ch,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "alerts." + ch.Name(),
			MaxRequests: 1,
			Timeout:     m.cfg.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.WithField("from", from.String()).WithField("to", to.String()).Warn("Alert channel breaker changed state")
			},
		}),
		limiter: rate.NewLimiter(m.cfg.ChannelRate, m.cfg.ChannelBurst),
	}
}

// Channels returns the configured channel names
func (m *Manager) Channels() []string {
	names := make([]string, len(m.channels))
	for i, ch := range m.channels {
		names[i] = ch.Name()
	}
	return names
}

func (m *Manager) logFor(ctx context.Context) *observability.Logger {
	return m.logger.ForRequest(ctx)
}

// SendAlert dispatches an alert unless its fingerprint was dispatched within
// the throttle window. Channel failures are logged, never returned. The
// result reports whether the alert was dispatched.
func (m *Manager) SendAlert(ctx context.Context, title, message string, c Context) bool {
	if c.Severity == "" {
		c.Severity = SeverityMedium
	}
	if c.CorrelationID == "" {
		c.CorrelationID = contextkeys.GetCorrelationID(ctx)
	}

	now := m.now()
	fp := Fingerprint(title, c.Component, c.Action, c.Severity)

	dispatch, suppressed := m.tracker.observe(fp, now, m.cfg.ThrottleWindow)
	if !dispatch {
		m.metrics.AlertSuppressed(string(c.Severity))
		m.logFor(ctx).WithField("fingerprint", fp).Debug("Alert throttled")
		return false
	}

	alert := &Alert{
		Fingerprint:     fp,
		Title:           title,
		Message:         message,
		Severity:        c.Severity,
		Context:         c,
		Timestamp:       now.UTC(),
		SuppressedCount: suppressed,
	}
	m.metrics.AlertDispatched(string(c.Severity))
	m.fanOut(ctx, alert)
	return true
}

// fanOut sends to every accepting channel concurrently. Each goroutine
// swallows its own error so one failing channel never cancels the others.
func (m *Manager) fanOut(ctx context.Context, alert *Alert) {
	var g errgroup.Group
	for _, ch := range m.channels {
		if !ch.Accepts(alert.Severity) {
			continue
		}
		ch := ch
		g.Go(func() error {
			defer observability.RecoverPanic(m.logFor(ctx), "alert channel "+ch.Name())
			if err := m.deliver(ctx, ch, alert); err != nil {
				m.metrics.AlertChannelFailed(ch.Name())
				m.logFor(ctx).WithError(err).
					WithField("channel", ch.Name()).
					WithField("fingerprint", alert.Fingerprint).
					Warn("Alert channel delivery failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) deliver(ctx context.Context, ch *guardedChannel, alert *Alert) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
	defer cancel()

	if err := ch.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("channel rate limit: %w", err)
	}
	_, err := ch.breaker.Execute(func() (interface{}, error) {
		return nil, ch.Send(ctx, alert)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("channel unavailable: %w", err)
	}
	return err
}

// Stats reports tracker totals
func (m *Manager) Stats() Stats {
	return m.tracker.stats()
}

// Entry returns the throttle state of a fingerprint
func (m *Manager) Entry(fingerprint string) (Entry, bool) {
	return m.tracker.get(fingerprint)
}

// Sweep forgets fingerprints idle for longer than the tracking window
func (m *Manager) Sweep() int {
	removed := m.tracker.sweep(m.now().Add(-m.cfg.TrackingWindow))
	if removed > 0 {
		m.logger.WithField("removed", removed).Debug("Swept alert fingerprints")
	}
	return removed
}
