package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/platinummonkey/salonguard/pkg/contextkeys"
	"github.com/platinummonkey/salonguard/pkg/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

type recordingChannel struct {
	name    string
	minSev  Severity
	err     error
	delay   time.Duration
	mu      sync.Mutex
	alerts  []*Alert
	calls   atomic.Int32
	panicky bool
}

func (c *recordingChannel) Name() string { return c.name }

func (c *recordingChannel) Accepts(s Severity) bool {
	return c.minSev == "" || s.AtLeast(c.minSev)
}

func (c *recordingChannel) Send(ctx context.Context, a *Alert) error {
	c.calls.Add(1)
	if c.panicky {
		panic("channel exploded")
	}
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	c.alerts = append(c.alerts, a)
	c.mu.Unlock()
	return c.err
}

func (c *recordingChannel) sent() []*Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Alert(nil), c.alerts...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ChannelRate = rate.Inf
	cfg.SendTimeout = time.Second
	return cfg
}

func newTestManager(t *testing.T, cfg Config, metrics *observability.SecurityMetrics, channels ...Channel) (*Manager, *time.Time) {
	t.Helper()
	m, err := NewManager(cfg, testLogger(), metrics, channels...)
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("Handler failed", "security", "booking.create", SeverityHigh)
	b := Fingerprint("Handler failed", "security", "booking.create", SeverityHigh)
	c := Fingerprint("Handler failed", "security", "booking.create", SeverityCritical)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 32)
}

func TestParseSeverity(t *testing.T) {
	s, err := ParseSeverity("HIGH")
	require.NoError(t, err)
	assert.Equal(t, SeverityHigh, s)

	s, err = ParseSeverity("")
	require.NoError(t, err)
	assert.Equal(t, SeverityMedium, s)

	_, err = ParseSeverity("catastrophic")
	assert.Error(t, err)

	assert.True(t, SeverityCritical.AtLeast(SeverityHigh))
	assert.False(t, SeverityMedium.AtLeast(SeverityHigh))
}

func TestManager_ThrottlesRepeatedAlerts(t *testing.T) {
	ch := &recordingChannel{name: "rec"}
	registry := prometheus.NewRegistry()
	metrics := observability.NewSecurityMetrics(registry)
	m, _ := newTestManager(t, testConfig(), metrics, ch)

	const sends = 7
	dispatched := 0
	for i := 0; i < sends; i++ {
		if m.SendAlert(context.Background(), "Repeated login failures", "ip 10.0.0.1", Context{
			Severity:  SeverityLow,
			Component: "security",
			Action:    "auth.login",
		}) {
			dispatched++
		}
	}

	assert.Equal(t, 1, dispatched)
	assert.Len(t, ch.sent(), 1)

	fp := Fingerprint("Repeated login failures", "security", "auth.login", SeverityLow)
	entry, ok := m.Entry(fp)
	require.True(t, ok)
	assert.Equal(t, sends-1, entry.Suppressed)
	assert.Equal(t, sends, entry.Occurrences)

	stats := m.Stats()
	assert.Equal(t, int64(sends), stats.TotalAlerts)
	assert.Equal(t, int64(sends-1), stats.ThrottledAlerts)
	assert.Equal(t, 1, stats.RecentFingerprints)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.AlertsDispatched.WithLabelValues("low")))
	assert.Equal(t, float64(sends-1), testutil.ToFloat64(metrics.AlertsSuppressed.WithLabelValues("low")))
}

func TestManager_ThrottledAlertsSumAcrossFingerprints(t *testing.T) {
	ch := &recordingChannel{name: "rec"}
	m, _ := newTestManager(t, testConfig(), nil, ch)

	for i := 0; i < 3; i++ {
		m.SendAlert(context.Background(), "A", "", Context{Severity: SeverityMedium, Component: "x"})
	}
	for i := 0; i < 5; i++ {
		m.SendAlert(context.Background(), "B", "", Context{Severity: SeverityMedium, Component: "x"})
	}

	stats := m.Stats()
	assert.Equal(t, int64(8), stats.TotalAlerts)
	assert.Equal(t, int64(2+4), stats.ThrottledAlerts)
	assert.Equal(t, 2, stats.RecentFingerprints)
	assert.Len(t, ch.sent(), 2)
}

func TestManager_DispatchesAgainAfterWindow(t *testing.T) {
	ch := &recordingChannel{name: "rec"}
	m, now := newTestManager(t, testConfig(), nil, ch)
	c := Context{Severity: SeverityHigh, Component: "idempotency"}

	assert.True(t, m.SendAlert(context.Background(), "Store down", "", c))
	assert.False(t, m.SendAlert(context.Background(), "Store down", "", c))
	assert.False(t, m.SendAlert(context.Background(), "Store down", "", c))

	*now = now.Add(15 * time.Minute)
	assert.True(t, m.SendAlert(context.Background(), "Store down", "", c))

	sent := ch.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, 0, sent[0].SuppressedCount)
	assert.Equal(t, 2, sent[1].SuppressedCount)
}

func TestManager_SeverityIsPartOfFingerprint(t *testing.T) {
	ch := &recordingChannel{name: "rec"}
	m, _ := newTestManager(t, testConfig(), nil, ch)

	assert.True(t, m.SendAlert(context.Background(), "Slow", "", Context{Severity: SeverityLow, Component: "db"}))
	assert.True(t, m.SendAlert(context.Background(), "Slow", "", Context{Severity: SeverityHigh, Component: "db"}))
	assert.Len(t, ch.sent(), 2)
}

func TestManager_ChannelFailuresAreIsolated(t *testing.T) {
	failing := &recordingChannel{name: "failing", err: errors.New("boom")}
	panicky := &recordingChannel{name: "panicky", panicky: true}
	healthy := &recordingChannel{name: "healthy"}

	registry := prometheus.NewRegistry()
	metrics := observability.NewSecurityMetrics(registry)
	m, _ := newTestManager(t, testConfig(), metrics, failing, panicky, healthy)

	assert.True(t, m.SendAlert(context.Background(), "Handler failed", "", Context{Severity: SeverityHigh, Component: "security"}))

	assert.Len(t, healthy.sent(), 1)
	assert.Equal(t, int32(1), failing.calls.Load())
	assert.Equal(t, int32(1), panicky.calls.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.AlertChannelFailures.WithLabelValues("failing")))
}

func TestManager_ChannelsRunConcurrently(t *testing.T) {
	slowA := &recordingChannel{name: "a", delay: 200 * time.Millisecond}
	slowB := &recordingChannel{name: "b", delay: 200 * time.Millisecond}
	m, _ := newTestManager(t, testConfig(), nil, slowA, slowB)

	start := time.Now()
	m.SendAlert(context.Background(), "t", "", Context{Component: "c"})
	assert.Less(t, time.Since(start), 390*time.Millisecond)
	assert.Len(t, slowA.sent(), 1)
	assert.Len(t, slowB.sent(), 1)
}

func TestManager_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	failing := &recordingChannel{name: "failing", err: errors.New("503")}
	cfg := testConfig()
	cfg.BreakerFailures = 2
	cfg.BreakerCooldown = time.Hour
	m, _ := newTestManager(t, cfg, nil, failing)

	for i := 0; i < 5; i++ {
		m.SendAlert(context.Background(), fmt.Sprintf("alert %d", i), "", Context{Component: "c"})
	}

	// two real attempts, then the open breaker short-circuits
	assert.Equal(t, int32(2), failing.calls.Load())
}

func TestManager_SeverityFilter(t *testing.T) {
	all := &recordingChannel{name: "all"}
	highOnly := &recordingChannel{name: "high", minSev: SeverityHigh}
	m, _ := newTestManager(t, testConfig(), nil, all, highOnly)

	m.SendAlert(context.Background(), "low", "", Context{Severity: SeverityLow, Component: "c"})
	m.SendAlert(context.Background(), "critical", "", Context{Severity: SeverityCritical, Component: "c"})

	assert.Len(t, all.sent(), 2)
	require.Len(t, highOnly.sent(), 1)
	assert.Equal(t, "critical", highOnly.sent()[0].Title)
}

func TestManager_CorrelationIDFromContext(t *testing.T) {
	ch := &recordingChannel{name: "rec"}
	m, _ := newTestManager(t, testConfig(), nil, ch)

	ctx := contextkeys.WithCorrelationID(context.Background(), "corr-77")
	m.SendAlert(ctx, "t", "", Context{Component: "c"})

	require.Len(t, ch.sent(), 1)
	assert.Equal(t, "corr-77", ch.sent()[0].Context.CorrelationID)
	assert.Equal(t, SeverityMedium, ch.sent()[0].Severity)
}

func TestManager_Sweep(t *testing.T) {
	m, now := newTestManager(t, testConfig(), nil)

	m.SendAlert(context.Background(), "old", "", Context{Component: "c"})
	*now = now.Add(23 * time.Hour)
	m.SendAlert(context.Background(), "recent", "", Context{Component: "c"})
	*now = now.Add(2 * time.Hour)

	assert.Equal(t, 1, m.Sweep())
	assert.Equal(t, 1, m.Stats().RecentFingerprints)

	// totals survive the sweep
	assert.Equal(t, int64(2), m.Stats().TotalAlerts)
}

func TestManager_TrackerIsBounded(t *testing.T) {
	cfg := testConfig()
	cfg.TrackerSize = 3
	m, _ := newTestManager(t, cfg, nil)

	for i := 0; i < 10; i++ {
		m.SendAlert(context.Background(), fmt.Sprintf("alert %d", i), "", Context{Component: "c"})
	}
	assert.Equal(t, 3, m.Stats().RecentFingerprints)
}

func TestWebhookChannel_SignsPayload(t *testing.T) {
	var (
		gotBody []byte
		gotSig  string
		gotFP   string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get(HeaderSignature)
		gotFP = r.Header.Get(HeaderFingerprint)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	ch := NewWebhookChannel(server.URL, "s3cret", server.Client())
	alert := &Alert{Fingerprint: "abc", Title: "t", Severity: SeverityHigh, Timestamp: time.Now()}
	require.NoError(t, ch.Send(context.Background(), alert))

	assert.Equal(t, "abc", gotFP)
	assert.True(t, strings.HasPrefix(gotSig, "sha256="))
	assert.True(t, VerifySignature(gotBody, gotSig, "s3cret"))
	assert.False(t, VerifySignature(gotBody, gotSig, "other"))

	var decoded Alert
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, "t", decoded.Title)
}

func TestWebhookChannel_Non2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	err := NewWebhookChannel(server.URL, "", server.Client()).Send(context.Background(), &Alert{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestSlackChannel(t *testing.T) {
	var msg SlackMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&msg)
	}))
	defer server.Close()

	alert := &Alert{
		Fingerprint:     "fp",
		Title:           "Booking handler failed",
		Message:         "timeout",
		Severity:        SeverityCritical,
		Context:         Context{Component: "security", Action: "booking.create", CorrelationID: "c-1"},
		SuppressedCount: 4,
		Timestamp:       time.Now(),
	}
	require.NoError(t, NewSlackChannel(server.URL, server.Client()).Send(context.Background(), alert))

	require.Len(t, msg.Attachments, 1)
	att := msg.Attachments[0]
	assert.Equal(t, "danger", att.Color)
	assert.Equal(t, "Booking handler failed", att.Title)

	titles := make([]string, 0, len(att.Fields))
	for _, f := range att.Fields {
		titles = append(titles, f.Title)
	}
	assert.Contains(t, titles, "Correlation ID")
	assert.Contains(t, titles, "Suppressed")
}

type stubMailer struct {
	to      []string
	subject string
	body    string
}

func (s *stubMailer) Send(_ context.Context, to []string, subject, body string) error {
	s.to, s.subject, s.body = to, subject, body
	return nil
}

type stubGateway struct {
	mu   sync.Mutex
	sent map[string]string
	fail string
}

func (g *stubGateway) Send(_ context.Context, to, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if to == g.fail {
		return errors.New("undeliverable")
	}
	if g.sent == nil {
		g.sent = make(map[string]string)
	}
	g.sent[to] = text
	return nil
}

func TestEmailChannel(t *testing.T) {
	mailer := &stubMailer{}
	ch := NewEmailChannel(mailer, []string{"ops@salon.example"})
	require.NoError(t, ch.Send(context.Background(), &Alert{Title: "t", Message: "m", Severity: SeverityMedium}))

	assert.Equal(t, []string{"ops@salon.example"}, mailer.to)
	assert.Equal(t, "[salonguard MEDIUM] t", mailer.subject)
	assert.Contains(t, mailer.body, "m")

	assert.False(t, NewEmailChannel(mailer, nil).Accepts(SeverityCritical))
}

func TestSMSChannel_OnlyHighAndCritical(t *testing.T) {
	gw := &stubGateway{}
	sms := NewSMSChannel(gw, []string{"+15550100"})

	assert.False(t, sms.Accepts(SeverityLow))
	assert.False(t, sms.Accepts(SeverityMedium))
	assert.True(t, sms.Accepts(SeverityHigh))
	assert.True(t, sms.Accepts(SeverityCritical))

	m, _ := newTestManager(t, testConfig(), nil, sms)
	m.SendAlert(context.Background(), "medium", "", Context{Severity: SeverityMedium, Component: "c"})
	assert.Empty(t, gw.sent)

	m.SendAlert(context.Background(), "high", "", Context{Severity: SeverityHigh, Component: "c"})
	assert.Len(t, gw.sent, 1)
}

func TestSMSChannel_JoinsRecipientErrors(t *testing.T) {
	gw := &stubGateway{fail: "+15550199"}
	sms := NewSMSChannel(gw, []string{"+15550100", "+15550199"})

	err := sms.Send(context.Background(), &Alert{Title: strings.Repeat("x", 400), Severity: SeverityHigh})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "+15550199")
	assert.LessOrEqual(t, len(gw.sent["+15550100"]), smsMaxLen)
}
