/**
 * @description
 * Authentication middleware for the payout-service API.
 *
 * @notes
 * - Caller identity only feeds the rate limiter. A missing or invalid bearer token
 *   leaves the caller anonymous instead of rejecting the request.
 * - Internal routes require the shared X-Internal-API-Key.
 */
package api

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/transfa/payout-service/pkg/ratelimit"
)

// callerClaims are the token claims the API reads.
type callerClaims struct {
	Tier string `json:"tier"`
	jwt.RegisteredClaims
}

// IdentityFromRequest returns a ratelimit.IdentityFunc that reads X-API-Key and an
// HS256 bearer token signed with secret.
func IdentityFromRequest(secret string) ratelimit.IdentityFunc {
	return func(r *http.Request) ratelimit.Identity {
		id := ratelimit.Identity{APIKey: strings.TrimSpace(r.Header.Get("X-API-Key"))}
		if secret == "" {
			return id
		}

		authHeader := r.Header.Get("Authorization")
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if authHeader == "" || tokenString == authHeader {
			return id
		}

		claims, err := parseCallerToken(tokenString, secret)
		if err != nil {
			return id
		}
		id.UserID = claims.Subject
		id.Tier = claims.Tier
		return id
	}
}

func parseCallerToken(tokenString, secret string) (*callerClaims, error) {
	claims := &callerClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// InternalAuthMiddleware validates the internal API key for server-to-server calls.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get("X-Internal-API-Key")
			if requiredKey == "" || provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(requiredKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
