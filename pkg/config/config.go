package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/salonguard/pkg/observability"
	"github.com/platinummonkey/salonguard/pkg/storage"
)

const envPrefix = "SALONGUARD_"

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Storage       storage.Config
	Auth          AuthConfig
	RateLimit     RateLimitConfig
	Idempotency   IdempotencyConfig
	Audit         AuditConfig
	Alerts        AlertsConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// HandlerTimeout bounds the protected operation; exceeding it yields 504
	HandlerTimeout time.Duration

	AllowedOrigins []string
	Environment    string

	// Diagnostics exposes stack traces in error bodies. Never on in production.
	Diagnostics bool
}

// AuthConfig selects how bearer tokens are verified
type AuthConfig struct {
	JWTSecret    string
	JWTIssuer    string
	OIDCIssuer   string
	OIDCClientID string
	RoleClaim    string
	// StaticTokens maps raw dev tokens to "userID:role"
	StaticTokens map[string]string
}

// RateLimitConfig holds tier quotas and the optional policy file
type RateLimitConfig struct {
	AnonymousPerMinute int
	CustomerPerMinute  int
	StaffPerMinute     int
	AdminPerMinute     int
	AuthMaxRequests    int
	AuthWindow         time.Duration

	PolicyFile  string
	WatchPolicy bool
}

// IdempotencyConfig holds idempotency record settings
type IdempotencyConfig struct {
	TTL time.Duration
	// Lease bounds how long an unfinished reservation blocks its key.
	// Zero derives it from the handler timeout.
	Lease time.Duration
}

// AuditConfig holds audit sink settings
type AuditConfig struct {
	FilePath        string
	FileMaxBytes    int64
	// ArchivePrefix is the S3 key prefix for rotated audit files
	ArchivePrefix   string
	DBEnabled       bool
	SensitiveFields []string
}

// AlertsConfig holds alert throttling and channel settings
type AlertsConfig struct {
	ThrottleWindow time.Duration
	TrackingWindow time.Duration
	TrackerSize    int

	WebhookURL      string
	WebhookSecret   string
	SlackWebhookURL string
	EmailRecipients []string
	SMSRecipients   []string

	// SMTPAddr ("host:port") enables real email; without it email alerts
	// are written to the log
	SMTPAddr     string
	SMTPFrom     string
	SMTPUsername string
	SMTPPassword string

	// SMSGatewayURL enables real SMS through an HTTP provider
	SMSGatewayURL   string
	SMSGatewayToken string

	// ChannelRatePerSecond caps outbound sends per channel
	ChannelRatePerSecond float64
	ChannelBurst         int

	// RejectionAlertThreshold is how many 401/403/429 rejections from one
	// caller within the throttle window raise a low-severity alert
	RejectionAlertThreshold int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel observability.LogLevel

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
	OTelSampleRatio    float64
}

// LoadConfig loads configuration from SALONGUARD_* environment variables
func LoadConfig() (*Config, error) {
	storageCfg, err := loadStorageConfig()
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       storageCfg,
		Auth:          loadAuthConfig(),
		RateLimit:     loadRateLimitConfig(),
		Idempotency:   loadIdempotencyConfig(),
		Audit:         loadAuditConfig(),
		Alerts:        loadAlertsConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	env := getEnv("ENVIRONMENT", "development")
	return ServerConfig{
		Host:            getEnv("HOST", "0.0.0.0"),
		Port:            getEnv("PORT", "8080"),
		ReadTimeout:     getEnvDuration("READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		HandlerTimeout:  getEnvDuration("HANDLER_TIMEOUT", 10*time.Second),
		AllowedOrigins:  getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		Environment:     env,
		Diagnostics:     getEnvBool("DIAGNOSTICS", env != "production"),
	}
}

func loadStorageConfig() (storage.Config, error) {
	cfg := storage.DefaultConfig()

	if v := getEnv("RATELIMIT_BACKEND", ""); v != "" {
		b, err := storage.ParseBackend(v)
		if err != nil {
			return cfg, fmt.Errorf("rate limit: %w", err)
		}
		cfg.RateLimitBackend = b
	}
	if v := getEnv("IDEMPOTENCY_BACKEND", ""); v != "" {
		b, err := storage.ParseBackend(v)
		if err != nil {
			return cfg, fmt.Errorf("idempotency: %w", err)
		}
		cfg.IdempotencyBackend = b
	}

	cfg.PostgresURL = getEnv("POSTGRES_URL", cfg.PostgresURL)
	if maxConns := getEnvInt("POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	cfg.PostgresTimeout = getEnvDuration("POSTGRES_TIMEOUT", cfg.PostgresTimeout)

	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	if redisDB := getEnvInt("REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if retries := getEnvInt("REDIS_MAX_RETRIES", 0); retries > 0 {
		cfg.RedisMaxRetries = retries
	}
	if poolSize := getEnvInt("REDIS_POOL_SIZE", 0); poolSize > 0 {
		cfg.RedisPoolSize = poolSize
	}
	cfg.RedisKeyPrefix = getEnv("REDIS_KEY_PREFIX", cfg.RedisKeyPrefix)

	cfg.S3.Endpoint = getEnv("S3_ENDPOINT", "")
	cfg.S3.Region = getEnv("S3_REGION", cfg.S3.Region)
	cfg.S3.Bucket = getEnv("S3_BUCKET", "")
	cfg.S3.AccessKey = getEnv("S3_ACCESS_KEY", "")
	cfg.S3.SecretKey = getEnv("S3_SECRET_KEY", "")
	cfg.S3.UsePathStyle = getEnvBool("S3_USE_PATH_STYLE", false)
	cfg.S3.CreateBucket = getEnvBool("S3_CREATE_BUCKET", false)

	return cfg, nil
}

func loadAuthConfig() AuthConfig {
	return AuthConfig{
		JWTSecret:    getEnv("JWT_SECRET", ""),
		JWTIssuer:    getEnv("JWT_ISSUER", ""),
		OIDCIssuer:   getEnv("OIDC_ISSUER", ""),
		OIDCClientID: getEnv("OIDC_CLIENT_ID", ""),
		RoleClaim:    getEnv("ROLE_CLAIM", "role"),
		StaticTokens: getEnvMap("STATIC_TOKENS"),
	}
}

func loadRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		AnonymousPerMinute: getEnvInt("RATELIMIT_ANONYMOUS", 30),
		CustomerPerMinute:  getEnvInt("RATELIMIT_CUSTOMER", 100),
		StaffPerMinute:     getEnvInt("RATELIMIT_STAFF", 300),
		AdminPerMinute:     getEnvInt("RATELIMIT_ADMIN", 1000),
		AuthMaxRequests:    getEnvInt("RATELIMIT_AUTH_MAX", 5),
		AuthWindow:         getEnvDuration("RATELIMIT_AUTH_WINDOW", 15*time.Minute),
		PolicyFile:         getEnv("POLICY_FILE", ""),
		WatchPolicy:        getEnvBool("POLICY_WATCH", true),
	}
}

func loadIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{
		TTL:   getEnvDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		Lease: getEnvDuration("IDEMPOTENCY_LEASE", 0),
	}
}

func loadAuditConfig() AuditConfig {
	return AuditConfig{
		FilePath:        getEnv("AUDIT_FILE", ""),
		FileMaxBytes:    getEnvInt64("AUDIT_FILE_MAX_BYTES", 100*1024*1024),
		ArchivePrefix:   getEnv("AUDIT_ARCHIVE_PREFIX", "audit/"),
		DBEnabled:       getEnvBool("AUDIT_DB_ENABLED", false),
		SensitiveFields: getEnvList("AUDIT_SENSITIVE_FIELDS", nil),
	}
}

func loadAlertsConfig() AlertsConfig {
	return AlertsConfig{
		ThrottleWindow:          time.Duration(getEnvInt("ALERT_THROTTLE_MINUTES", 15)) * time.Minute,
		TrackingWindow:          getEnvDuration("ALERT_TRACKING_WINDOW", 24*time.Hour),
		TrackerSize:             getEnvInt("ALERT_TRACKER_SIZE", 10000),
		WebhookURL:              getEnv("ALERT_WEBHOOK_URL", ""),
		WebhookSecret:           getEnv("ALERT_WEBHOOK_SECRET", ""),
		SlackWebhookURL:         getEnv("ALERT_SLACK_WEBHOOK_URL", ""),
		EmailRecipients:         getEnvList("ALERT_EMAIL_RECIPIENTS", nil),
		SMSRecipients:           getEnvList("ALERT_SMS_RECIPIENTS", nil),
		SMTPAddr:                getEnv("SMTP_ADDR", ""),
		SMTPFrom:                getEnv("SMTP_FROM", "salonguard@localhost"),
		SMTPUsername:            getEnv("SMTP_USERNAME", ""),
		SMTPPassword:            getEnv("SMTP_PASSWORD", ""),
		SMSGatewayURL:           getEnv("SMS_GATEWAY_URL", ""),
		SMSGatewayToken:         getEnv("SMS_GATEWAY_TOKEN", ""),
		ChannelRatePerSecond:    getEnvFloat("ALERT_CHANNEL_RATE", 1),
		ChannelBurst:            getEnvInt("ALERT_CHANNEL_BURST", 5),
		RejectionAlertThreshold: getEnvInt("ALERT_REJECTION_THRESHOLD", 10),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("OTEL_SERVICE_NAME", "salonguard"),
		OTelServiceVersion: getEnv("OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("OTEL_SAMPLE_RATIO", 1),
	}
}

// IsProduction reports whether the service runs in production
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HandlerTimeout <= 0 {
		return fmt.Errorf("handler timeout must be positive")
	}
	if c.IsProduction() && c.Server.Diagnostics {
		return fmt.Errorf("diagnostics must be disabled in production")
	}

	if c.IsProduction() {
		if c.Storage.RateLimitBackend == storage.BackendMemory {
			return fmt.Errorf("memory rate limit backend is not allowed in production")
		}
		if c.Storage.IdempotencyBackend == storage.BackendMemory {
			return fmt.Errorf("memory idempotency backend is not allowed in production")
		}
	}
	if c.Storage.NeedsPostgres() || c.Audit.DBEnabled {
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres-backed stores")
		}
	}
	if c.Storage.NeedsRedis() && c.Storage.RedisURL == "" {
		return fmt.Errorf("redis URL is required for redis-backed stores")
	}

	for name, v := range map[string]int{
		"anonymous": c.RateLimit.AnonymousPerMinute,
		"customer":  c.RateLimit.CustomerPerMinute,
		"staff":     c.RateLimit.StaffPerMinute,
		"admin":     c.RateLimit.AdminPerMinute,
		"auth":      c.RateLimit.AuthMaxRequests,
	} {
		if v <= 0 {
			return fmt.Errorf("rate limit quota for %s must be positive", name)
		}
	}
	if c.RateLimit.AuthWindow <= 0 {
		return fmt.Errorf("auth rate limit window must be positive")
	}

	if c.Idempotency.TTL <= 0 {
		return fmt.Errorf("idempotency TTL must be positive")
	}
	if c.Idempotency.Lease < 0 || (c.Idempotency.Lease > 0 && c.Idempotency.Lease <= c.Server.HandlerTimeout) {
		return fmt.Errorf("idempotency lease must outlast the handler timeout (%s)", c.Server.HandlerTimeout)
	}

	if c.Alerts.ThrottleWindow <= 0 {
		return fmt.Errorf("alert throttle window must be positive")
	}
	if c.Alerts.TrackingWindow < c.Alerts.ThrottleWindow {
		return fmt.Errorf("alert tracking window must not be shorter than the throttle window")
	}
	if c.Alerts.WebhookURL != "" && c.Alerts.WebhookSecret == "" {
		return fmt.Errorf("alert webhook secret is required when a webhook URL is set")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns SALONGUARD_<key> or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := getEnv(key, ""); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := getEnv(key, ""); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := getEnv(key, ""); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := getEnv(key, ""); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := getEnv(key, ""); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping empty items
func getEnvList(key string, defaultValue []string) []string {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// getEnvMap parses "k=v,k2=v2"
func getEnvMap(key string) map[string]string {
	out := make(map[string]string)
	for _, pair := range getEnvList(key, nil) {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}
