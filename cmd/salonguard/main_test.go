package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/salonguard/pkg/audit"
	"github.com/platinummonkey/salonguard/pkg/config"
	"github.com/platinummonkey/salonguard/pkg/httputil"
	"github.com/platinummonkey/salonguard/pkg/observability"
)

type testServer struct {
	*httptest.Server
	app *application
	cfg *config.Config
}

func newTestServer(t *testing.T, env map[string]string) *testServer {
	t.Helper()
	t.Setenv("SALONGUARD_STATIC_TOKENS", "tok-customer=u_1:customer,tok-admin=a_1:admin")
	t.Setenv("SALONGUARD_AUDIT_FILE", filepath.Join(t.TempDir(), "audit.log"))
	for k, v := range env {
		t.Setenv(k, v)
	}

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	registry := prometheus.NewRegistry()
	metrics := observability.NewSecurityMetrics(registry)

	app, err := build(context.Background(), cfg, logger, metrics)
	require.NoError(t, err)

	srv := httptest.NewServer(newRouter(app, cfg, logger, metrics, registry))
	t.Cleanup(func() {
		srv.Close()
		_ = app.orchestrator.Shutdown(context.Background())
		_ = app.audit.Close()
	})
	return &testServer{Server: srv, app: app, cfg: cfg}
}

func (s *testServer) do(t *testing.T, method, path, token, idemKey, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, s.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if idemKey != "" {
		req.Header.Set(httputil.HeaderIdempotencyKey, idemKey)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return b
}

const bookingBody = `{"serviceId":"cut","startsAt":"2099-01-01T10:00:00Z","email":"ana@example.com"}`

func TestServer_BookingReplay(t *testing.T) {
	s := newTestServer(t, nil)

	first := s.do(t, http.MethodPost, "/api/bookings", "tok-customer", "booking-request-001", bookingBody)
	firstBody := readBody(t, first)
	require.Equal(t, http.StatusCreated, first.StatusCode, string(firstBody))
	assert.NotEmpty(t, first.Header.Get(httputil.HeaderCorrelationID))
	assert.Equal(t, "booking-request-001", first.Header.Get(httputil.HeaderIdempotencyEcho))

	second := s.do(t, http.MethodPost, "/api/bookings", "tok-customer", "booking-request-001", bookingBody)
	assert.Equal(t, http.StatusCreated, second.StatusCode)
	assert.Equal(t, "HIT", second.Header.Get(httputil.HeaderIdempotencyCache))
	assert.Equal(t, firstBody, readBody(t, second))

	conflict := s.do(t, http.MethodPost, "/api/bookings", "tok-customer", "booking-request-001",
		`{"serviceId":"colour","startsAt":"2099-01-01T10:00:00Z"}`)
	assert.Equal(t, http.StatusBadRequest, conflict.StatusCode)

	list := s.do(t, http.MethodGet, "/api/bookings", "tok-customer", "", "")
	var env struct {
		Success bool              `json:"success"`
		Data    []json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(readBody(t, list), &env))
	assert.True(t, env.Success)
	assert.Len(t, env.Data, 1)
}

func TestServer_BookingIsAuditedWithRedaction(t *testing.T) {
	s := newTestServer(t, nil)

	resp := s.do(t, http.MethodPost, "/api/bookings", "tok-customer", "booking-request-002", bookingBody)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NoError(t, s.app.orchestrator.Shutdown(context.Background()))

	entries, err := audit.ReadEntries(os.Getenv("SALONGUARD_AUDIT_FILE"), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "booking.create", entries[0].Action)
	assert.Equal(t, "[REDACTED_EMAIL]", entries[0].NewValues["email"])
}

func TestServer_AuthAndPolicy(t *testing.T) {
	s := newTestServer(t, nil)

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodPost, "/api/bookings", "", "booking-request-003", bookingBody).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/bookings", "forged", "", "").StatusCode)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/services", "", "", "").StatusCode)

	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/api/admin/alerts/stats", "tok-customer", "", "").StatusCode)
	stats := s.do(t, http.MethodGet, "/api/admin/alerts/stats", "tok-admin", "", "")
	require.Equal(t, http.StatusOK, stats.StatusCode)
	assert.Contains(t, string(readBody(t, stats)), "totalAlerts")
}

func TestServer_RateLimitFromConfig(t *testing.T) {
	s := newTestServer(t, map[string]string{"SALONGUARD_RATELIMIT_ANONYMOUS": "2"})

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/services", "", "", "").StatusCode)
	}
	limited := s.do(t, http.MethodGet, "/api/services", "", "", "")
	assert.Equal(t, http.StatusTooManyRequests, limited.StatusCode)
	assert.NotEmpty(t, limited.Header.Get(httputil.HeaderRetryAfter))
}

func TestServer_OpsEndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health", "", "", "").StatusCode)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/ready", "", "", "").StatusCode)

	s.do(t, http.MethodGet, "/api/services", "", "", "")
	metrics := s.do(t, http.MethodGet, "/metrics", "", "", "")
	require.Equal(t, http.StatusOK, metrics.StatusCode)
	body := string(readBody(t, metrics))
	assert.Contains(t, body, "salonguard_requests_total")
	assert.Contains(t, body, `path="/api/services"`)

	preflight := s.do(t, http.MethodOptions, "/api/bookings", "", "", "")
	assert.Equal(t, http.StatusOK, preflight.StatusCode)
	assert.NotEmpty(t, preflight.Header.Get("Access-Control-Allow-Methods"))

	missing := s.do(t, http.MethodGet, "/nope", "", "", "")
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestVerifierChain_RejectsStaticTokensInProduction(t *testing.T) {
	cfg := &config.Config{}
	cfg.Server.Environment = "production"
	cfg.Auth.StaticTokens = map[string]string{"t": "u:admin"}

	_, err := verifierChain(context.Background(), cfg)
	assert.Error(t, err)
}

func TestPolicyResolver_TiersFromConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.RateLimit.AnonymousPerMinute = 7
	cfg.RateLimit.CustomerPerMinute = 8
	cfg.RateLimit.StaffPerMinute = 9
	cfg.RateLimit.AdminPerMinute = 10
	cfg.RateLimit.AuthMaxRequests = 3
	cfg.RateLimit.AuthWindow = 60_000_000_000

	r, err := policyResolver(cfg, observability.NewLogger(observability.ErrorLevel, io.Discard))
	require.NoError(t, err)
	assert.Equal(t, 7, r.Resolve(http.MethodGet, "/api/services", "anonymous").Quota.MaxRequests)
	assert.Equal(t, 3, r.Resolve(http.MethodPost, "/api/auth/login", "anonymous").Quota.MaxRequests)
}
