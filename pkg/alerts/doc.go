// Package alerts deduplicates operational alerts and fans them out to
// notification channels.
//
// An alert's fingerprint is derived from its title, component, action and
// severity. The first occurrence of a fingerprint is dispatched; further
// occurrences inside the throttle window only bump a suppressed counter.
//
//	mgr, err := alerts.NewManager(alerts.DefaultConfig(), logger, metrics,
//		alerts.NewWebhookChannel(url, secret, nil),
//		alerts.NewSMSChannel(gateway, []string{"+15550100"}),
//	)
//	mgr.SendAlert(ctx, "Booking handler failed", err.Error(), alerts.Context{
//		Severity:  alerts.SeverityHigh,
//		Component: "security",
//		Action:    "booking.create",
//	})
//
// Every channel sits behind its own circuit breaker and rate limiter, and
// runs concurrently with the others. Failures are logged and counted, never
// returned. SMS only fires for high and critical alerts.
package alerts
