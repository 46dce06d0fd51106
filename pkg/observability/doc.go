// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health checks and graceful shutdown for salonguard.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithCorrelationID(id).WithField("endpoint", "/bookings").Info("request admitted")
//
// Services keep a component logger and tag it per request from the values
// the orchestrator put on the context:
//
//	log := logger.Component("ratelimit")
//	log.ForRequest(ctx).Warn("rate limiter store unavailable")
//
// # Prometheus Metrics
//
//	metrics := observability.NewSecurityMetrics(registry)
//	metrics.RateLimitDecision("rejected")
//	metrics.AlertSuppressed("high")
//
// A nil *SecurityMetrics is valid and records nothing.
//
// # Tracing
//
//	ctx, span := observability.StartStage(ctx, "idempotency")
//	defer observability.EndStage(span, err)
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, observability.WithRedisCritical(true))
//	status := checker.Check(ctx)
package observability
