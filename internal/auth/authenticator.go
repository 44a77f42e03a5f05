package auth

import (
	"errors"
	"strings"
)

var (
	ErrNotConfigured = errors.New("authentication not configured")
	ErrInvalidToken  = errors.New("invalid or expired token")
)

// Identity is the caller resolved from a bearer token
type Identity struct {
	UserID string
	Email  string
	Name   string
}

// Authenticator resolves bearer tokens, trying Zitadel JWKS first and
// falling back to legacy HMAC tokens when a secret is configured.
type Authenticator struct {
	verifier  TokenVerifier
	jwtSecret string
}

// NewAuthenticator accepts a nil verifier or an empty secret, not both
func NewAuthenticator(verifier TokenVerifier, jwtSecret string) *Authenticator {
	return &Authenticator{
		verifier:  verifier,
		jwtSecret: jwtSecret,
	}
}

// Enabled reports whether any verification method is configured
func (a *Authenticator) Enabled() bool {
	return a.verifier != nil || a.jwtSecret != ""
}

// Authenticate validates a raw token
func (a *Authenticator) Authenticate(token string) (*Identity, error) {
	if !a.Enabled() {
		return nil, ErrNotConfigured
	}

	if a.verifier != nil {
		id, err := a.verifier.Verify(token)
		if err == nil {
			return id, nil
		}
		if a.jwtSecret == "" {
			return nil, ErrInvalidToken
		}
	}

	claims, err := ValidateLegacyToken(token, a.jwtSecret)
	if err != nil || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return &Identity{UserID: claims.UserID, Email: claims.Email}, nil
}

// BearerToken extracts the token from an Authorization header value
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
