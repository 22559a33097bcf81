/**
 * @description
 * HTTP router setup for the escrow engine using go-chi/chi.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: routing and request middleware.
 * - github.com/prometheus/client_golang/prometheus/promhttp: the /metrics endpoint.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig carries the credentials and collectors the router needs.
type RouterConfig struct {
	InternalAPIKey   string
	WebhookJWTSecret string
	// Gatherer backs GET /metrics. A nil gatherer leaves the endpoint unregistered.
	Gatherer prometheus.Gatherer
	// RequestTimeout bounds every request. It must exceed the longest money
	// movement so a payout outcome reaches the caller. Zero means 60s.
	RequestTimeout time.Duration
}

// NewRouter creates a new Chi router and registers the escrow engine routes.
func NewRouter(h *Handlers, cfg RouterConfig) *chi.Mux {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Escrow engine is healthy"))
	})
	if cfg.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.With(WebhookAuthMiddleware(cfg.WebhookJWTSecret)).Post("/webhooks/{provider}", h.ProviderWebhookHandler)

	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))

		r.Route("/escrows", func(r chi.Router) {
			r.Post("/", h.OpenEscrowHandler)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetEscrowHandler)
				r.Get("/ledger", h.GetLedgerHandler)
				r.Post("/release-labor", h.ReleaseLaborHandler)
				r.Post("/refund", h.RefundHandler)
				r.Post("/freeze", h.FreezeHandler)
				r.Post("/unfreeze", h.UnfreezeHandler)
			})
		})

		r.Post("/jetons/redeem", h.RedeemTokenHandler)
		r.Post("/jetons/{code}/fallback-code", h.FallbackCodeHandler)
		r.Post("/reconcile", h.ReconcileHandler)
	})

	return r
}
