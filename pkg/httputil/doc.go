// Package httputil provides the response envelope, error taxonomy and HTTP
// helpers shared by the orchestrator and the server adapter.
//
// # Envelope
//
// Every pipeline response body has the same shape:
//
//	{"success":false,"error":{"code":"RATE_LIMIT_EXCEEDED","message":"..."},
//	 "correlationId":"...","timestamp":"2026-01-02T15:04:05Z"}
//
// # Errors
//
// Protected operations fail with a specific status by returning an
// *APIError:
//
//	return nil, httputil.ValidationError("startsAt must be in the future")
//
// Any other error surfaces to the caller as INTERNAL_ERROR.
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RecoveryMiddleware(logger),
//		httputil.LoggingMiddleware(logger),
//		httputil.MaxBytesMiddleware(1<<20),
//	)
package httputil
