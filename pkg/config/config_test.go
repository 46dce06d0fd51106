package config

import (
	"testing"
	"time"

	"github.com/platinummonkey/salonguard/pkg/observability"
	"github.com/platinummonkey/salonguard/pkg/storage"
)

// TestGetEnv tests the prefixed getEnv helper
func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "returns env value when set",
			key:          "TEST_VAR",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
		},
		{
			name:         "returns default when env not set",
			key:          "TEST_VAR_NOT_SET",
			defaultValue: "default",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(envPrefix+tt.key, tt.envValue)
			}
			if got := getEnv(tt.key, tt.defaultValue); got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		envValue     string
		defaultValue bool
		want         bool
	}{
		{"true", false, true},
		{"1", false, true},
		{"TRUE", false, true},
		{"false", true, false},
		{"", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.envValue, func(t *testing.T) {
			t.Setenv(envPrefix+"TEST_BOOL", tt.envValue)
			if got := getEnvBool("TEST_BOOL", tt.defaultValue); got != tt.want {
				t.Errorf("getEnvBool(%q) = %v, want %v", tt.envValue, got, tt.want)
			}
		})
	}
}

func TestGetEnvNumbers(t *testing.T) {
	t.Setenv(envPrefix+"TEST_INT", "42")
	t.Setenv(envPrefix+"TEST_BAD_INT", "forty-two")
	t.Setenv(envPrefix+"TEST_FLOAT", "0.25")
	t.Setenv(envPrefix+"TEST_DURATION", "90s")

	if got := getEnvInt("TEST_INT", 0); got != 42 {
		t.Errorf("getEnvInt() = %d, want 42", got)
	}
	if got := getEnvInt("TEST_BAD_INT", 7); got != 7 {
		t.Errorf("getEnvInt() with invalid value = %d, want default 7", got)
	}
	if got := getEnvInt64("TEST_INT", 0); got != 42 {
		t.Errorf("getEnvInt64() = %d, want 42", got)
	}
	if got := getEnvFloat("TEST_FLOAT", 1); got != 0.25 {
		t.Errorf("getEnvFloat() = %v, want 0.25", got)
	}
	if got := getEnvDuration("TEST_DURATION", time.Second); got != 90*time.Second {
		t.Errorf("getEnvDuration() = %v, want 90s", got)
	}
}

func TestGetEnvListAndMap(t *testing.T) {
	t.Setenv(envPrefix+"TEST_LIST", " a@x.io, ,b@x.io ")
	t.Setenv(envPrefix+"TEST_MAP", "tok1=u1:admin, junk ,tok2 = u2:staff")

	list := getEnvList("TEST_LIST", nil)
	if len(list) != 2 || list[0] != "a@x.io" || list[1] != "b@x.io" {
		t.Errorf("getEnvList() = %v", list)
	}

	m := getEnvMap("TEST_MAP")
	if len(m) != 2 || m["tok1"] != "u1:admin" || m["tok2"] != "u2:staff" {
		t.Errorf("getEnvMap() = %v", m)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("Server.Port = %s, want 8080", cfg.Server.Port)
	}
	if cfg.Server.HandlerTimeout != 10*time.Second {
		t.Errorf("Server.HandlerTimeout = %v, want 10s", cfg.Server.HandlerTimeout)
	}
	if !cfg.Server.Diagnostics {
		t.Error("Diagnostics should default on outside production")
	}
	if cfg.RateLimit.AnonymousPerMinute != 30 || cfg.RateLimit.CustomerPerMinute != 100 ||
		cfg.RateLimit.StaffPerMinute != 300 || cfg.RateLimit.AdminPerMinute != 1000 {
		t.Errorf("unexpected tier quotas: %+v", cfg.RateLimit)
	}
	if cfg.RateLimit.AuthMaxRequests != 5 || cfg.RateLimit.AuthWindow != 15*time.Minute {
		t.Errorf("unexpected auth quota: %d per %v", cfg.RateLimit.AuthMaxRequests, cfg.RateLimit.AuthWindow)
	}
	if cfg.Idempotency.TTL != 24*time.Hour {
		t.Errorf("Idempotency.TTL = %v, want 24h", cfg.Idempotency.TTL)
	}
	if cfg.Idempotency.Lease != 0 {
		t.Errorf("Idempotency.Lease = %v, want 0 (derived)", cfg.Idempotency.Lease)
	}
	if cfg.Alerts.ThrottleWindow != 15*time.Minute {
		t.Errorf("Alerts.ThrottleWindow = %v, want 15m", cfg.Alerts.ThrottleWindow)
	}
	if cfg.Observability.LogLevel != observability.InfoLevel {
		t.Errorf("LogLevel = %v, want INFO", cfg.Observability.LogLevel)
	}
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("SALONGUARD_RATELIMIT_BACKEND", "redis")
	t.Setenv("SALONGUARD_IDEMPOTENCY_BACKEND", "postgres")
	t.Setenv("SALONGUARD_POSTGRES_URL", "postgres://localhost/salon?sslmode=disable")
	t.Setenv("SALONGUARD_ALERT_THROTTLE_MINUTES", "5")
	t.Setenv("SALONGUARD_LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Storage.RateLimitBackend != storage.BackendRedis {
		t.Errorf("RateLimitBackend = %s", cfg.Storage.RateLimitBackend)
	}
	if cfg.Storage.IdempotencyBackend != storage.BackendPostgres {
		t.Errorf("IdempotencyBackend = %s", cfg.Storage.IdempotencyBackend)
	}
	if cfg.Alerts.ThrottleWindow != 5*time.Minute {
		t.Errorf("ThrottleWindow = %v, want 5m", cfg.Alerts.ThrottleWindow)
	}
	if cfg.Observability.LogLevel != observability.DebugLevel {
		t.Errorf("LogLevel = %v, want DEBUG", cfg.Observability.LogLevel)
	}
}

func TestLoadConfig_InvalidBackend(t *testing.T) {
	t.Setenv("SALONGUARD_IDEMPOTENCY_BACKEND", "filesystem")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"missing port", func(c *Config) { c.Server.Port = "" }, true},
		{"zero handler timeout", func(c *Config) { c.Server.HandlerTimeout = 0 }, true},
		{"production with memory stores", func(c *Config) {
			c.Server.Environment = "production"
			c.Server.Diagnostics = false
		}, true},
		{"production with diagnostics", func(c *Config) {
			c.Server.Environment = "production"
			c.Storage.RateLimitBackend = storage.BackendRedis
			c.Storage.IdempotencyBackend = storage.BackendRedis
		}, true},
		{"production with shared stores", func(c *Config) {
			c.Server.Environment = "production"
			c.Server.Diagnostics = false
			c.Storage.RateLimitBackend = storage.BackendRedis
			c.Storage.IdempotencyBackend = storage.BackendRedis
		}, false},
		{"postgres without URL", func(c *Config) { c.Storage.IdempotencyBackend = storage.BackendPostgres }, true},
		{"audit db without URL", func(c *Config) { c.Audit.DBEnabled = true }, true},
		{"zero quota", func(c *Config) { c.RateLimit.CustomerPerMinute = 0 }, true},
		{"zero ttl", func(c *Config) { c.Idempotency.TTL = 0 }, true},
		{"lease within handler timeout", func(c *Config) { c.Idempotency.Lease = c.Server.HandlerTimeout }, true},
		{"negative lease", func(c *Config) { c.Idempotency.Lease = -time.Second }, true},
		{"lease past handler timeout", func(c *Config) { c.Idempotency.Lease = c.Server.HandlerTimeout + time.Minute }, false},
		{"tracking shorter than throttle", func(c *Config) { c.Alerts.TrackingWindow = time.Minute }, true},
		{"webhook without secret", func(c *Config) { c.Alerts.WebhookURL = "https://hooks.example.com" }, true},
		{"otel without endpoint", func(c *Config) {
			c.Observability.OTelEnabled = true
			c.Observability.OTelEndpoint = ""
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
