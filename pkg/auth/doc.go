// Package auth turns bearer tokens into caller identities.
//
// Verifying identity is delegated to a Verifier; the rest of salonguard only
// sees the resulting Identity (user ID and Role). Callers without a token get
// an anonymous identity keyed by client IP so that rate limits still apply.
//
//	verifier := auth.NewJWTVerifier([]byte(secret), auth.JWTOptions{Issuer: "salon-api"})
//	identity, err := verifier.Verify(ctx, token)
//
// Implementations:
//
//   - JWTVerifier: HS256 tokens signed by the booking backend
//   - OIDCVerifier: ID tokens from an external identity provider
//   - StaticVerifier: hashed salonguard_ tokens for development and tests
//   - ChainVerifier: tries verifiers in order
package auth
