/**
 * @description
 * HTTP router setup for the payout-service using go-chi/chi.
 */
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/transfa/payout-service/pkg/ratelimit"
)

// NewRouter creates a new Chi router and registers the payout routes. Everything
// except /health passes through the rate limiter.
func NewRouter(h *Handler, limiter *ratelimit.Limiter, identify ratelimit.IdentityFunc, internalKey string, logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		mode := "shared"
		if limiter.Degraded() {
			mode = "local"
		}
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok", "rate_limiter": mode})
	})

	r.Group(func(r chi.Router) {
		r.Use(ratelimit.Middleware(limiter, identify, logger))

		r.Route("/internal", func(r chi.Router) {
			r.Use(InternalAuthMiddleware(internalKey))
			r.Post("/settlements/run", h.handleRunSettlement)
			r.Post("/earnings/mature", h.handleMatureEarnings)
			r.Get("/payouts/{id}", h.handleGetPayout)
			r.Get("/creators/{id}/balance", h.handleGetCreatorBalance)
			r.Get("/breakers", h.handleListBreakers)
			r.Get("/metrics", h.handleMetrics)
		})
	})

	return r
}
