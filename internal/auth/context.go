package auth

import (
	"context"

	"github.com/af-corp/llm-relay/internal/quota"
)

type contextKey string

const authContextKey contextKey = "relay_auth"

// TokenInfo is what the middleware learned about the caller's access token.
type TokenInfo struct {
	Token     string
	Tier      quota.Tier
	Remaining int
	Limit     int
}

func ContextWithToken(ctx context.Context, info *TokenInfo) context.Context {
	return context.WithValue(ctx, authContextKey, info)
}

func TokenFromContext(ctx context.Context) (*TokenInfo, bool) {
	info, ok := ctx.Value(authContextKey).(*TokenInfo)
	return info, ok
}

// RemainingFromContext is the remaining allowance echoed on responses; 0 for
// public requests.
func RemainingFromContext(ctx context.Context) int {
	if info, ok := TokenFromContext(ctx); ok {
		return info.Remaining
	}
	return 0
}
