package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// TokenPrefix identifies salonguard static tokens
	TokenPrefix = "salonguard_"
	// TokenLength is the number of random bytes (32 bytes = 256 bits)
	TokenLength = 32
)

// GenerateToken creates a new static token and its storage hash.
// Format: salonguard_<base64url(32 random bytes)>
func GenerateToken() (token string, tokenHash string, err error) {
	randomBytes := make([]byte, TokenLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	token = TokenPrefix + base64.RawURLEncoding.EncodeToString(randomBytes)
	return token, HashToken(token), nil
}

// HashToken computes the SHA256 hash of a token for lookup
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// ValidateTokenFormat checks if a token has the static token format
func ValidateTokenFormat(token string) error {
	if !strings.HasPrefix(token, TokenPrefix) {
		return fmt.Errorf("token must start with %q", TokenPrefix)
	}

	encoded := strings.TrimPrefix(token, TokenPrefix)
	if encoded == "" {
		return fmt.Errorf("token is too short")
	}
	if _, err := base64.RawURLEncoding.DecodeString(encoded); err != nil {
		return fmt.Errorf("invalid token encoding: %w", err)
	}
	return nil
}

// StaticVerifier resolves tokens against a fixed table keyed by token hash.
// Only hashes are held in memory.
type StaticVerifier struct {
	byHash map[string]Identity
}

// NewStaticVerifier builds a verifier from raw token -> "userID:role" pairs
func NewStaticVerifier(tokens map[string]string) (*StaticVerifier, error) {
	v := &StaticVerifier{byHash: make(map[string]Identity, len(tokens))}
	for token, spec := range tokens {
		userID, roleName, ok := strings.Cut(spec, ":")
		if !ok || userID == "" {
			return nil, fmt.Errorf("static token entry %q must be userID:role", spec)
		}
		role, err := ParseRole(roleName)
		if err != nil {
			return nil, fmt.Errorf("static token for %s: %w", userID, err)
		}
		v.byHash[HashToken(token)] = Identity{UserID: userID, Role: role}
	}
	return v, nil
}

// Verify implements Verifier
func (v *StaticVerifier) Verify(_ context.Context, token string) (*Identity, error) {
	identity, ok := v.byHash[HashToken(token)]
	if !ok {
		return nil, ErrInvalidToken
	}
	return &identity, nil
}
