package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/salonguard/pkg/async"
	"github.com/platinummonkey/salonguard/pkg/auth"
	"github.com/platinummonkey/salonguard/pkg/config"
	"github.com/platinummonkey/salonguard/pkg/observability"
)

var (
	genToken = flag.String("gen-token", "", "Print a signed JWT for this user ID and exit (needs SALONGUARD_JWT_SECRET)")
	genRole  = flag.String("role", "customer", "Role claim for -gen-token")
	genEmail = flag.String("email", "", "Email claim for -gen-token")
	genTTL   = flag.Duration("ttl", time.Hour, "Lifetime of the token printed by -gen-token")

	genStatic = flag.Bool("gen-static-token", false, "Print a random static development token and exit")
)

func main() {
	flag.Parse()

	if *genStatic {
		token, _, err := auth.GenerateToken()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *genToken != "" {
		if err := printToken(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to issue token: %v\n", err)
			os.Exit(1)
		}
		return
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("salonguard exited with error")
		os.Exit(1)
	}
}

func printToken(cfg *config.Config) error {
	if cfg.Auth.JWTSecret == "" {
		return errors.New("SALONGUARD_JWT_SECRET is not set")
	}
	role, err := auth.ParseRole(*genRole)
	if err != nil {
		return err
	}
	token, err := auth.IssueToken([]byte(cfg.Auth.JWTSecret), *genToken, role, *genEmail, *genTTL)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.WithFields(map[string]interface{}{
		"environment":         cfg.Server.Environment,
		"ratelimit_backend":   cfg.Storage.RateLimitBackend,
		"idempotency_backend": cfg.Storage.IdempotencyBackend,
	}).Info("Starting salonguard")

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var metrics *observability.SecurityMetrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewSecurityMetrics(registry)
	}

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Environment:    cfg.Server.Environment,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	app, err := build(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}

	handler := newRouter(app, cfg, logger, metrics, registry)
	if cfg.Observability.OTelEnabled {
		handler = otelhttp.NewHandler(handler, "salonguard")
	}

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	startBackground(ctx, app, cfg, logger)

	// Hooks run in order: detached audit and alert work must finish before
	// the stores it writes to are closed.
	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc("background", func(context.Context) error {
		cancel()
		return nil
	})
	shutdown.RegisterShutdownFunc("orchestrator", app.orchestrator.Shutdown)
	shutdown.RegisterShutdownFunc("audit", func(context.Context) error {
		return app.audit.Close()
	})
	if app.redis != nil {
		shutdown.RegisterShutdownFunc("redis", func(context.Context) error {
			return app.redis.Close()
		})
	}
	if app.db != nil {
		shutdown.RegisterShutdownFunc("postgres", func(context.Context) error {
			return app.db.Close()
		})
	}
	shutdown.RegisterShutdownFunc("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, otelProviders, logger)
	})

	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("Listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	done := make(chan error, 1)
	go func() { done <- shutdown.WaitForShutdown() }()

	select {
	case err, ok := <-serveErr:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
		return <-done
	case err := <-done:
		return err
	}
}

// startBackground launches the periodic sweeps and the policy watcher. All
// of them stop when ctx is cancelled.
func startBackground(ctx context.Context, app *application, cfg *config.Config, logger *observability.Logger) {
	go async.RunEvery(ctx, logger, time.Minute, "idempotency-sweep", func(ctx context.Context) error {
		n, err := app.idempotency.Sweep(ctx)
		if n > 0 {
			logger.WithField("removed", n).Debug("Swept expired idempotency records")
		}
		return err
	})

	if app.memoryLimits != nil {
		go async.RunEvery(ctx, logger, time.Minute, "ratelimit-sweep", func(ctx context.Context) error {
			_, err := app.memoryLimits.Sweep(ctx)
			return err
		})
	}

	go async.RunEvery(ctx, logger, 10*time.Minute, "alert-tracker-sweep", func(context.Context) error {
		if n := app.alerts.Sweep(); n > 0 {
			logger.WithField("removed", n).Debug("Swept stale alert fingerprints")
		}
		return nil
	})

	if cfg.RateLimit.PolicyFile != "" && cfg.RateLimit.WatchPolicy {
		go func() {
			if err := app.policy.Watch(ctx, cfg.RateLimit.PolicyFile); err != nil {
				logger.WithError(err).Error("Policy watcher stopped")
			}
		}()
	}
}
