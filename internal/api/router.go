/**
 * @description
 * HTTP router setup for the SEPA collection service using go-chi/chi.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new Chi router and registers the collection routes.
// metricsHandler is mounted on /metrics when not nil.
func NewRouter(h *Handler, internalKey string, metricsHandler http.Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link", "X-Archive-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.handleHealth)
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	r.Route("/internal/sepa", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))

		r.Post("/mandates", h.handleCreateMandate)
		r.Post("/mandates/expiry/run", h.handleRunMandateExpiry)
		r.Get("/mandates/{mandateID}", h.handleGetMandate)
		r.Post("/mandates/{mandateID}/replace", h.handleReplaceMandate)
		r.Post("/mandates/{mandateID}/{action}", h.handleMandateTransition)

		r.Post("/dues/sweep", h.handleDuesSweep)
		r.Post("/schedules", h.handleCreateSchedule)
		r.Get("/schedules/{scheduleID}/invoices", h.handleScheduleInvoices)

		r.Put("/members/{memberID}", h.handleUpsertMember)
		r.Get("/members/{memberID}/history", h.handleMemberHistory)

		r.Post("/batches", h.handleBuildBatch)
		r.Get("/batches", h.handleListBatches)
		r.Get("/batches/{batchID}", h.handleGetBatch)
		r.Post("/batches/{batchID}/export", h.handleExportBatch)
		r.Post("/batches/{batchID}/cancel", h.handleCancelBatch)
		r.Post("/batches/{batchID}/responses", h.handleBankResponse)

		r.Get("/retries", h.handleListRetries)
	})

	return r
}
