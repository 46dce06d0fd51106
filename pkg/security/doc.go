// Package security is the request-safety pipeline in front of every salon
// booking operation.
//
// Each request passes through these stages, stopping at the first that
// rejects it:
//
//	OPTIONS preflight   200 with CORS headers
//	authenticate        401 AUTH_REQUIRED
//	authorize           403 INSUFFICIENT_PERMISSIONS (401 for anonymous callers)
//	rate limit          429 RATE_LIMIT_EXCEEDED, with Retry-After
//	idempotency         400 INVALID_IDEMPOTENCY_KEY / IDEMPOTENCY_CONFLICT,
//	                    409 IDEMPOTENCY_IN_PROGRESS, 500 when the store is down,
//	                    or a byte-identical replay marked X-Idempotency-Cache: HIT
//	invoke              504 on timeout, 500 on error or panic
//
// A successful response is stored against the idempotency key before it is
// returned. Audit entries and alerts are queued on an async.Queue and run
// after the response is computed; call Shutdown before exit so they finish.
//
//	orch, err := security.New(security.DefaultConfig(), security.Deps{
//		Verifier:    verifier,
//		Policy:      policy.NewResolver(policy.DefaultTable(policy.DefaultTiers(), policy.DefaultAuthQuota()), logger),
//		Limiter:     ratelimit.NewLimiter(ratelimit.NewRedisStore(rdb, "salonguard:"), logger, metrics),
//		Idempotency: idempotency.NewService(idemStore, 0, logger, metrics),
//		Audit:       auditSvc,
//		Alerts:      alertMgr,
//		Logger:      logger,
//		Metrics:     metrics,
//	})
//	router.Handle("/api/bookings", orch.HTTPHandler("/api/bookings", createBooking)).Methods("POST", "OPTIONS")
package security
