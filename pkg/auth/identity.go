package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Role is a caller's coarse permission tier
type Role string

const (
	RoleAnonymous Role = "anonymous"
	RoleCustomer  Role = "customer"
	RoleStaff     Role = "staff"
	RoleAdmin     Role = "admin"
)

// Roles lists every role from least to most privileged
var Roles = []Role{RoleAnonymous, RoleCustomer, RoleStaff, RoleAdmin}

// ParseRole validates a role name. An empty name maps to customer, the
// default for any authenticated caller without an explicit role claim.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case "":
		return RoleCustomer, nil
	case RoleAnonymous, RoleCustomer, RoleStaff, RoleAdmin:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Identity is the authenticated (or anonymous) caller of a request
type Identity struct {
	UserID string
	Role   Role
	Email  string
}

// Anonymous returns the identity used for callers without a token
func Anonymous(clientIP string) *Identity {
	return &Identity{UserID: "anon:" + clientIP, Role: RoleAnonymous}
}

// IsAnonymous reports whether the caller presented no credentials
func (i *Identity) IsAnonymous() bool {
	return i == nil || i.Role == RoleAnonymous
}

var (
	// ErrMissingToken is returned when no bearer token was presented
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidToken is returned for malformed, expired or unknown tokens
	ErrInvalidToken = errors.New("invalid or expired token")
)

// Verifier resolves a raw bearer token to an identity
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// ExtractBearer parses "Authorization: Bearer <token>". An empty header
// returns ErrMissingToken; any other malformed header returns ErrInvalidToken.
func ExtractBearer(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrMissingToken
	}

	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", fmt.Errorf("%w: expected Bearer scheme", ErrInvalidToken)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("%w: empty bearer token", ErrInvalidToken)
	}
	return token, nil
}

// ChainVerifier tries each verifier in order and returns the first success
type ChainVerifier []Verifier

// Verify implements Verifier
func (c ChainVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	if len(c) == 0 {
		return nil, fmt.Errorf("%w: no verifier configured", ErrInvalidToken)
	}
	var errs []error
	for _, v := range c {
		identity, err := v.Verify(ctx, token)
		if err == nil {
			return identity, nil
		}
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("%w: %w", ErrInvalidToken, errors.Join(errs...))
}
