// Package contextkeys holds the context keys shared across salonguard.
//
// Every request-scoped value that crosses a package boundary is declared
// here, so the orchestrator and the leaf services agree on one key per value
// without importing each other.
//
//	ctx = contextkeys.WithCorrelationID(ctx, id)
//	id := contextkeys.GetCorrelationID(ctx)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// CorrelationIDKey holds the per-request correlation ID (string).
	// Set by security.Orchestrator at START; read by loggers, audit, alerts
	// and the detached task queue.
	CorrelationIDKey Key = "correlation_id"

	// UserIDKey holds the authenticated (or IP-derived anonymous) user ID
	UserIDKey Key = "user_id"

	// RoleKey holds the caller's role name (string, e.g. "customer")
	RoleKey Key = "role"

	// RouteKey holds the route pattern the request matched, e.g.
	// "/api/bookings/{id}"
	RouteKey Key = "route"
)

// WithCorrelationID adds the correlation ID to the context
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, correlationID)
}

// WithCaller records who is making the request
func WithCaller(ctx context.Context, userID, role string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	return context.WithValue(ctx, RoleKey, role)
}

// WithRoute records the matched route pattern
func WithRoute(ctx context.Context, route string) context.Context {
	return context.WithValue(ctx, RouteKey, route)
}

// GetCorrelationID returns the correlation ID or ""
func GetCorrelationID(ctx context.Context) string {
	return stringValue(ctx, CorrelationIDKey)
}

// GetUserID returns the caller's user ID or ""
func GetUserID(ctx context.Context) string {
	return stringValue(ctx, UserIDKey)
}

// GetRole returns the caller's role name or ""
func GetRole(ctx context.Context) string {
	return stringValue(ctx, RoleKey)
}

// GetRoute returns the matched route pattern or ""
func GetRoute(ctx context.Context) string {
	return stringValue(ctx, RouteKey)
}

func stringValue(ctx context.Context, key Key) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(key).(string)
	return v
}
