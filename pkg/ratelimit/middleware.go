package ratelimit

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
)

// IdentityFunc extracts the caller identity from a request.
type IdentityFunc func(r *http.Request) Identity

// Middleware enforces the limiter on every request. Rejections are answered
// immediately with 429 and a Retry-After hint. If both strategies fail the request
// is let through and the error logged.
func Middleware(limiter *Limiter, identify IdentityFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var id Identity
			if identify != nil {
				id = identify(r)
			}
			tier := id.Tier
			if tier == "" && id.APIKey != "" {
				tier = limiter.Policy().APIKeyTier
			}

			decision, err := limiter.Allow(r.Context(), Request{
				Subject: ResolveSubject(r, id),
				Tier:    tier,
				Path:    r.URL.Path,
			})
			if err != nil {
				logger.Error("rate limit check failed; admitting request", "path", r.URL.Path, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if decision.Unlimited {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

			if !decision.Allowed {
				retryAfter := int(math.Ceil(decision.RetryAfter.Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error":               "rate limit exceeded",
					"retry_after_seconds": retryAfter,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
