/**
 * @description
 * This file sets up the HTTP router for the transfer-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies the
 * middleware stack.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling.
 * - github.com/prometheus/client_golang: the /metrics endpoint.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterOptions struct {
	CORSAllowedOrigins []string
	// JWTSecret enables bearer authentication on the API routes when set.
	JWTSecret string
	// Gatherer backs /metrics; nil leaves the endpoint out.
	Gatherer prometheus.Gatherer
}

// TransferRoutes creates and returns a new router for the transfer service.
func TransferRoutes(h *TransferHandlers, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", IdempotencyKeyHeader},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		if opts.JWTSecret != "" {
			r.Use(BearerAuthMiddleware([]byte(opts.JWTSecret)))
		}

		r.Post("/transfers", h.SubmitTransferHandler)
		r.Get("/transfers/{transferId}", h.GetTransferHandler)
		r.Get("/accounts", h.ListAccountsHandler)
		r.Get("/accounts/{ownerId}", h.GetAccountHandler)
	})

	return r
}
