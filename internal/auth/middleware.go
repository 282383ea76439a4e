package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/af-corp/llm-relay/internal/httputil"
	"github.com/af-corp/llm-relay/internal/quota"
	"github.com/af-corp/llm-relay/internal/telemetry"
)

// PublicPaths are served without a token.
var PublicPaths = []string{"/"}

// Validator consumes one request from a token's daily allowance.
type Validator interface {
	Validate(ctx context.Context, token string) (quota.Decision, error)
}

// Middleware returns a chi middleware that authenticates requests via Bearer
// token and charges each one against the token's daily quota.
func Middleware(v Validator, metrics *telemetry.Metrics) func(http.Handler) http.Handler {
	public := make(map[string]bool, len(PublicPaths))
	for _, p := range PublicPaths {
		public[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if public[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			reqID := w.Header().Get("X-Request-ID")

			token, err := BearerToken(r.Header.Get("Authorization"))
			switch {
			case errors.Is(err, ErrMissingHeader):
				httputil.WriteAuthError(w, reqID, "auth_required", "Missing Authorization header")
				return
			case err != nil:
				httputil.WriteAuthError(w, reqID, "invalid_auth_format", "Invalid Authorization format. Use: Bearer YOUR_API_KEY")
				return
			}

			decision, err := v.Validate(r.Context(), token)
			switch {
			case errors.Is(err, quota.ErrUnknownToken):
				slog.Warn("auth failed: key not found", "request_id", reqID, "key_prefix", SafePrefix(token))
				recordDecision(metrics, "none", "unknown")
				httputil.WriteAuthError(w, reqID, "invalid_api_key", "Invalid API key")
				return
			case errors.Is(err, quota.ErrQuotaExceeded):
				slog.Info("daily quota exhausted", "request_id", reqID, "key_prefix", SafePrefix(token), "tier", string(decision.Tier))
				recordDecision(metrics, string(decision.Tier), "exceeded")
				httputil.WriteRateLimitError(w, reqID,
					fmt.Sprintf("Daily rate limit exceeded. Maximum %d requests per day.", decision.Limit))
				return
			case err != nil:
				slog.Error("key validation failed", "request_id", reqID, "error", err, "key_prefix", SafePrefix(token))
				httputil.WriteInternalError(w, reqID, "Internal error during authentication")
				return
			}
			recordDecision(metrics, string(decision.Tier), "allowed")

			info := &TokenInfo{
				Token:     token,
				Tier:      decision.Tier,
				Remaining: decision.Remaining,
				Limit:     decision.Limit,
			}
			next.ServeHTTP(w, r.WithContext(ContextWithToken(r.Context(), info)))
		})
	}
}

func recordDecision(m *telemetry.Metrics, tier, outcome string) {
	if m != nil {
		m.RecordQuotaDecision(tier, outcome)
	}
}
