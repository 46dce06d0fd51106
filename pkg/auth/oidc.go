package auth

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
)

// OIDCVerifier validates ID tokens from an OpenID Connect provider
type OIDCVerifier struct {
	verifier  *oidc.IDTokenVerifier
	roleClaim string
}

// NewOIDCVerifier discovers the provider at issuerURL
func NewOIDCVerifier(ctx context.Context, issuerURL, clientID, roleClaim string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}

	return &OIDCVerifier{
		verifier:  provider.Verifier(&oidc.Config{ClientID: clientID}),
		roleClaim: defaultRoleClaim(roleClaim),
	}, nil
}

// NewOIDCVerifierWithKeySet builds a verifier without discovery
func NewOIDCVerifierWithKeySet(issuerURL, clientID, roleClaim string, keySet oidc.KeySet) *OIDCVerifier {
	return &OIDCVerifier{
		verifier:  oidc.NewVerifier(issuerURL, keySet, &oidc.Config{ClientID: clientID}),
		roleClaim: defaultRoleClaim(roleClaim),
	}
}

func defaultRoleClaim(claim string) string {
	if claim == "" {
		return "role"
	}
	return claim
}

// Verify implements Verifier
func (v *OIDCVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	idToken, err := v.verifier.Verify(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: failed to parse claims: %w", ErrInvalidToken, err)
	}

	roleName, _ := claims[v.roleClaim].(string)
	role, err := ParseRole(roleName)
	if err != nil || role == RoleAnonymous {
		return nil, fmt.Errorf("%w: unusable role claim %q", ErrInvalidToken, roleName)
	}

	email, _ := claims["email"].(string)
	return &Identity{UserID: idToken.Subject, Role: role, Email: email}, nil
}
