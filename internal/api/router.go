/**
 * @description
 * This file sets up the HTTP router for the marketplace-service. It defines the
 * API endpoints, associates them with their corresponding handlers, and applies
 * any necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// MarketplaceRoutes creates and returns a new router for the marketplace service.
func MarketplaceRoutes(h *MarketplaceHandlers, jwtSecret, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Public lead-ingestion webhook. Authenticated by obscurity of the
	// tenant/listing pair plus rate limiting keyed on that pair; lead sources
	// cannot hold platform credentials.
	r.Post("/ingest/{tenantID}/{listingID}", h.IngestLeadHandler)

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwtSecret))

		// Reservation ledger
		r.Get("/reservations/balance", h.GetBalanceHandler)
		r.Post("/reservations/purchase", h.PurchaseReservationsHandler)
		r.Get("/reservations/transactions", h.ListTransactionsHandler)
		r.Get("/exchange-rate", h.GetExchangeRateHandler)

		// Listings
		r.Post("/listings", h.CreateListingHandler)
		r.Get("/listings", h.ListListingsHandler)
		r.Get("/listings/{listingID}", h.GetListingHandler)
		r.Post("/listings/{listingID}/publish", h.PublishListingHandler)
		r.Post("/listings/{listingID}/pause", h.PauseListingHandler)
		r.Post("/listings/{listingID}/archive", h.ArchiveListingHandler)
		r.Put("/listings/{listingID}/weights", h.SetListingWeightsHandler)
		r.Get("/listings/{listingID}/metrics", h.GetListingMetricsHandler)
		r.Post("/listings/{listingID}/metrics/refresh", h.RefreshListingMetricsHandler)

		// Subscriptions
		r.Post("/subscriptions", h.CreateSubscriptionHandler)
		r.Get("/subscriptions/{subscriptionID}", h.GetSubscriptionHandler)
		r.Post("/subscriptions/{subscriptionID}/cancel", h.CancelSubscriptionHandler)
		r.Post("/subscriptions/{subscriptionID}/pause", h.PauseSubscriptionHandler)
		r.Post("/subscriptions/{subscriptionID}/resume", h.ResumeSubscriptionHandler)

		// Distributions
		r.Get("/distributions/{distributionID}", h.GetDistributionHandler)
	})

	// Internal service-to-service endpoints guarded by the shared API key.
	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalAPIKey))

		r.Post("/internal/exchange-rate", h.SetExchangeRateHandler)
		r.Post("/internal/distributions/{distributionID}/refund", h.RefundDistributionHandler)
	})

	return r
}
