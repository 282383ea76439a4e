package auth

import (
	"errors"
	"strings"
)

var (
	ErrMissingHeader = errors.New("missing authorization header")
	ErrInvalidFormat = errors.New("invalid authorization format")
)

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingHeader
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return "", ErrInvalidFormat
	}
	return strings.TrimSpace(token), nil
}

// SafePrefix returns a safe-to-log prefix of a token (never the full token).
func SafePrefix(token string) string {
	if len(token) > 8 {
		return token[:8] + "..."
	}
	return token
}
