/**
 * @description
 * HTTP router setup for the settlement-service using go-chi/chi.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/proofpay/settlement-service/internal/app"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig carries the authentication and limiting settings for NewRouter.
type RouterConfig struct {
	JWKSURL        string
	JWTAudience    string
	JWTIssuer      string
	InternalAPIKey string
	AllowedOrigins []string
	Limiter        RateLimiter
}

// NewRouter creates a new Chi router and registers the settlement routes.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	allowedOrigins := cfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"https://*", "http://*"}
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link", "Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Settlement service is healthy"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/internal/cross-ledger", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))
		r.Post("/messages", h.handleReceiveMessage)
		r.Post("/acks", h.handleAcknowledge)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(JWTAuthMiddleware(cfg.JWKSURL, cfg.JWTAudience, cfg.JWTIssuer))

		r.With(RateLimitMiddleware(cfg.Limiter, app.RateScopeCreatePayment)).Post("/payments", h.handleCreatePayment)
		r.Route("/payments/{id}", func(r chi.Router) {
			r.Get("/", h.handleGetPayment)
			r.Post("/proof", h.handleSubmitProof)
			r.Post("/complete", h.handleCompletePayment)
			r.Post("/dispute", h.handleDisputePayment)
			r.Post("/cancel", h.handleCancelPayment)
		})

		r.Get("/parties/{party}/payments", h.handleListPartyPayments)
		r.Get("/parties/{party}/pending-balance", h.handleGetPendingBalance)

		r.With(RateLimitMiddleware(cfg.Limiter, app.RateScopeSendCrossLedger)).Post("/cross-ledger/payments", h.handleSendCrossLedger)

		r.Post("/delegates", h.handleAddDelegate)
		r.Delete("/delegates/{actor}", h.handleRemoveDelegate)

		r.Put("/admin/destinations/{selector}", h.handleSetDestination)
		r.Put("/admin/trusted-origins/{sender}", h.handleSetTrustedOrigin)

		r.Get("/events", h.handleListEvents)
		r.Get("/stats", h.handleGetStats)
	})

	return r
}
