package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-redis/redis/v8"
	"golang.org/x/time/rate"

	"github.com/platinummonkey/salonguard/pkg/alerts"
	"github.com/platinummonkey/salonguard/pkg/async"
	"github.com/platinummonkey/salonguard/pkg/audit"
	"github.com/platinummonkey/salonguard/pkg/auth"
	"github.com/platinummonkey/salonguard/pkg/bookings"
	"github.com/platinummonkey/salonguard/pkg/config"
	"github.com/platinummonkey/salonguard/pkg/idempotency"
	"github.com/platinummonkey/salonguard/pkg/observability"
	"github.com/platinummonkey/salonguard/pkg/policy"
	"github.com/platinummonkey/salonguard/pkg/ratelimit"
	"github.com/platinummonkey/salonguard/pkg/security"
	"github.com/platinummonkey/salonguard/pkg/storage"
)

// application holds every long-lived component of the server
type application struct {
	db    *sql.DB
	redis *redis.Client

	// memoryLimits is set only for the in-process limiter, which needs sweeping
	memoryLimits *ratelimit.MemoryStore

	policy       *policy.Resolver
	idempotency  *idempotency.Service
	audit        *audit.Service
	alerts       *alerts.Manager
	orchestrator *security.Orchestrator
	book         *bookings.Book
	health       *observability.HealthChecker
}

func build(ctx context.Context, cfg *config.Config, logger *observability.Logger, metrics *observability.SecurityMetrics) (*application, error) {
	app := &application{book: bookings.NewBook(bookings.DefaultServices())}
	var err error

	if cfg.Storage.NeedsRedis() {
		if app.redis, err = storage.NewRedisClient(ctx, cfg.Storage); err != nil {
			return nil, err
		}
		logger.Info("Connected to Redis")
	}
	if cfg.Storage.NeedsPostgres() || cfg.Audit.DBEnabled {
		if app.db, err = storage.OpenPostgres(ctx, cfg.Storage); err != nil {
			return nil, err
		}
		logger.Info("Connected to PostgreSQL")
	}

	// The idempotency store fails closed, so its backend decides readiness
	app.health = observability.NewHealthChecker(app.db, app.redis,
		observability.WithVersion(cfg.Observability.OTelServiceVersion),
		observability.WithRedisCritical(cfg.Storage.IdempotencyBackend == storage.BackendRedis),
		observability.WithDatabaseCritical(cfg.Storage.IdempotencyBackend == storage.BackendPostgres),
	)

	limiterStore, err := app.rateLimitStore(cfg)
	if err != nil {
		return nil, err
	}
	idemStore, err := app.idempotencyStore(cfg)
	if err != nil {
		return nil, err
	}
	lease := cfg.Idempotency.Lease
	if lease == 0 {
		lease = cfg.Server.HandlerTimeout + idempotency.LeaseMargin
	}
	app.idempotency = idempotency.NewService(idemStore, cfg.Idempotency.TTL, logger, metrics,
		idempotency.WithReservationLease(lease))

	if app.audit, err = app.auditService(cfg, logger, metrics); err != nil {
		return nil, err
	}
	if app.alerts, err = alertManager(cfg, logger, metrics); err != nil {
		return nil, err
	}
	if app.policy, err = policyResolver(cfg, logger); err != nil {
		return nil, err
	}

	verifier, err := verifierChain(ctx, cfg)
	if err != nil {
		return nil, err
	}

	app.orchestrator, err = security.New(security.Config{
		HandlerTimeout:          cfg.Server.HandlerTimeout,
		AllowedOrigins:          cfg.Server.AllowedOrigins,
		Diagnostics:             cfg.Server.Diagnostics,
		RejectionAlertThreshold: cfg.Alerts.RejectionAlertThreshold,
		RejectionWindow:         cfg.Alerts.ThrottleWindow,
	}, security.Deps{
		Verifier:    verifier,
		Policy:      app.policy,
		Limiter:     ratelimit.NewLimiter(limiterStore, logger, metrics),
		Idempotency: app.idempotency,
		Audit:       app.audit,
		Alerts:      app.alerts,
		Queue:       async.NewQueue(async.DefaultQueueConfig(), logger, metrics),
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build security orchestrator: %w", err)
	}
	return app, nil
}

func (app *application) rateLimitStore(cfg *config.Config) (ratelimit.Store, error) {
	switch cfg.Storage.RateLimitBackend {
	case storage.BackendRedis:
		return ratelimit.NewRedisStore(app.redis, cfg.Storage.RedisKeyPrefix), nil
	case storage.BackendMemory:
		app.memoryLimits = ratelimit.NewMemoryStore()
		return app.memoryLimits, nil
	default:
		return nil, fmt.Errorf("rate limit backend %q is not supported", cfg.Storage.RateLimitBackend)
	}
}

func (app *application) idempotencyStore(cfg *config.Config) (idempotency.Store, error) {
	switch cfg.Storage.IdempotencyBackend {
	case storage.BackendRedis:
		// expired records are kept for an hour so a reused key with a new
		// body is still reported as a conflict
		return idempotency.NewRedisStore(app.redis, cfg.Storage.RedisKeyPrefix, idempotency.DefaultRetention), nil
	case storage.BackendPostgres:
		store, err := idempotency.NewPostgresStore(app.db)
		if err != nil {
			return nil, fmt.Errorf("failed to create idempotency store: %w", err)
		}
		return store, nil
	default:
		return idempotency.NewMemoryStore(), nil
	}
}

func (app *application) auditService(cfg *config.Config, logger *observability.Logger, metrics *observability.SecurityMetrics) (*audit.Service, error) {
	var sinks []audit.Logger
	if cfg.Audit.FilePath != "" {
		fileLogger, err := audit.NewFileLogger(audit.FileLoggerConfig{
			Path:    cfg.Audit.FilePath,
			MaxSize: cfg.Audit.FileMaxBytes,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open audit file: %w", err)
		}
		sinks = append(sinks, fileLogger)
	}
	if cfg.Audit.DBEnabled {
		dbLogger, err := audit.NewDBLogger(app.db)
		if err != nil {
			return nil, fmt.Errorf("failed to create audit table: %w", err)
		}
		sinks = append(sinks, dbLogger)
	}

	var sink audit.Logger
	switch len(sinks) {
	case 0:
		logger.Warn("No audit sink configured; audit entries are discarded")
	case 1:
		sink = sinks[0]
	default:
		sink = audit.NewMultiLogger(sinks...)
	}
	return audit.NewService(sink, audit.NewRedactor(cfg.Audit.SensitiveFields...), logger, metrics), nil
}

func alertManager(cfg *config.Config, logger *observability.Logger, metrics *observability.SecurityMetrics) (*alerts.Manager, error) {
	ac := cfg.Alerts
	var channels []alerts.Channel

	if ac.WebhookURL != "" {
		channels = append(channels, alerts.NewWebhookChannel(ac.WebhookURL, ac.WebhookSecret, nil))
	}
	if ac.SlackWebhookURL != "" {
		channels = append(channels, alerts.NewSlackChannel(ac.SlackWebhookURL, nil))
	}

	logTransport := alerts.NewLogTransport(logger)
	if len(ac.EmailRecipients) > 0 {
		var mailer alerts.Mailer = logTransport
		if ac.SMTPAddr != "" {
			mailer = alerts.NewSMTPMailer(ac.SMTPAddr, ac.SMTPFrom, ac.SMTPUsername, ac.SMTPPassword)
		}
		channels = append(channels, alerts.NewEmailChannel(mailer, ac.EmailRecipients))
	}
	if len(ac.SMSRecipients) > 0 {
		gateway := logTransport.SMS()
		if ac.SMSGatewayURL != "" {
			gateway = alerts.NewHTTPSMSGateway(ac.SMSGatewayURL, ac.SMSGatewayToken, nil)
		}
		channels = append(channels, alerts.NewSMSChannel(gateway, ac.SMSRecipients))
	}
	if len(channels) == 0 {
		logger.Warn("No alert channels configured; alerts are tracked but not delivered")
	}

	mcfg := alerts.DefaultConfig()
	mcfg.ThrottleWindow = ac.ThrottleWindow
	mcfg.TrackingWindow = ac.TrackingWindow
	mcfg.TrackerSize = ac.TrackerSize
	mcfg.ChannelRate = rate.Limit(ac.ChannelRatePerSecond)
	mcfg.ChannelBurst = ac.ChannelBurst
	return alerts.NewManager(mcfg, logger, metrics, channels...)
}

func policyResolver(cfg *config.Config, logger *observability.Logger) (*policy.Resolver, error) {
	rl := cfg.RateLimit
	tiers := policy.DefaultTiers()
	for role, perMinute := range map[auth.Role]int{
		auth.RoleAnonymous: rl.AnonymousPerMinute,
		auth.RoleCustomer:  rl.CustomerPerMinute,
		auth.RoleStaff:     rl.StaffPerMinute,
		auth.RoleAdmin:     rl.AdminPerMinute,
	} {
		q := tiers[role]
		q.MaxRequests = perMinute
		tiers[role] = q
	}

	if rl.PolicyFile == "" {
		authQuota := policy.Quota{MaxRequests: rl.AuthMaxRequests, Window: rl.AuthWindow}
		return policy.NewResolver(policy.DefaultTable(tiers, authQuota), logger), nil
	}

	table, err := policy.LoadFile(rl.PolicyFile, tiers)
	if err != nil {
		return nil, err
	}
	logger.WithField("path", rl.PolicyFile).Info("Loaded policy table")
	return policy.NewResolver(table, logger), nil
}

// verifierChain accepts, in order, HS256 JWTs, OIDC ID tokens and static
// development tokens, whichever are configured
func verifierChain(ctx context.Context, cfg *config.Config) (auth.Verifier, error) {
	var chain auth.ChainVerifier
	if cfg.Auth.JWTSecret != "" {
		chain = append(chain, auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret), auth.JWTOptions{Issuer: cfg.Auth.JWTIssuer}))
	}
	if cfg.Auth.OIDCIssuer != "" {
		v, err := auth.NewOIDCVerifier(ctx, cfg.Auth.OIDCIssuer, cfg.Auth.OIDCClientID, cfg.Auth.RoleClaim)
		if err != nil {
			return nil, fmt.Errorf("failed to set up OIDC verifier: %w", err)
		}
		chain = append(chain, v)
	}
	if len(cfg.Auth.StaticTokens) > 0 {
		if cfg.IsProduction() {
			return nil, fmt.Errorf("static tokens are not allowed in production")
		}
		v, err := auth.NewStaticVerifier(cfg.Auth.StaticTokens)
		if err != nil {
			return nil, err
		}
		chain = append(chain, v)
	}
	return chain, nil
}
