// Package ratelimit implements fixed-window request counting per
// (endpoint, role, caller) key.
//
// A window starts on the first request for a key and lasts Config.Window.
// Requests inside it are counted up to Config.MaxRequests; the request that
// would exceed the cap is rejected and does not move the counter. When the
// window ends the counter starts over.
//
//	limiter := ratelimit.NewLimiter(ratelimit.NewRedisStore(client, "salonguard:"), logger, metrics)
//	res := limiter.Check(ctx, ratelimit.Key("/api/bookings", "customer", userID),
//		ratelimit.Config{MaxRequests: 100, Window: time.Minute})
//	if !res.Allowed { ... 429 ... }
//
// The limiter fails open: a store error allows the request and is logged
// and counted. Use RedisStore whenever more than one instance serves
// traffic; MemoryStore only counts within a single process.
package ratelimit
