package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"settlement-service/internal/metrics"
)

// NewRouter builds the HTTP surface. Everything under /admin requires the
// bearer token; an empty token locks /admin entirely.
func NewRouter(h *Handler, adminToken string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.logger))

	r.Get("/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/admin", func(r chi.Router) {
		r.Use(AuthMiddleware(adminToken))

		r.Route("/payments/{id}", func(r chi.Router) {
			r.Get("/", h.GetPayment)
			r.Get("/audit", h.GetPaymentAudit)
			r.Post("/hold", h.HoldPayment)
			r.Post("/release", h.ReleasePayment)
			r.Post("/refund", h.RefundPayment)
		})

		r.Route("/payouts/{id}", func(r chi.Router) {
			r.Get("/", h.GetPayout)
			r.Post("/process", h.ProcessPayout)
			r.Post("/retry", h.RetryPayout)
		})

		r.Post("/reconcile", h.Reconcile)
	})

	return r
}
