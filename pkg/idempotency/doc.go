// Package idempotency guarantees that a state-changing operation runs at
// most once per (caller, endpoint, Idempotency-Key) and that repeats of the
// same request get the same response back.
//
// The flow for one request:
//
//	res, err := svc.Check(ctx, userID, key, body, endpoint, method)
//	switch {
//	case err != nil:     // fail closed: 500 (or 400 for ErrInvalidKey)
//	case res.Conflict:   // 400 IDEMPOTENCY_CONFLICT
//	case res.InFlight:   // 409, retry later
//	case res.Exists:     // replay res.Cached verbatim
//	default:             // reserved: run the operation, then
//		svc.StoreResponse(...) on success or svc.Release(...) on failure
//	}
//
// A key is reserved before the operation starts, so a concurrent duplicate
// sees an in-flight record instead of running the operation a second time.
// The reservation is a short lease; completing it keeps the response for
// the TTL, and a lease that lapses without either (a crashed instance)
// lets the next identical request take the key over.
//
// Routes with path parameters use a Target, scoping the key by the route
// pattern while fingerprinting the concrete path:
//
//	t := idempotency.Target{UserID: uid, Key: key, Endpoint: "/api/bookings/{id}/cancel",
//		Path: r.URL.Path, Method: r.Method, Body: body}
//	res, err := svc.CheckTarget(ctx, t)
//
// Store errors are returned to the caller; the orchestrator rejects the
// request rather than risk a double execution.
package idempotency
