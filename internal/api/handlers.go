/**
 * @description
 * This file contains the HTTP handlers for the marketplace-service's API
 * endpoints. Handlers are responsible for parsing incoming requests, calling
 * the appropriate methods on the application services, and writing the HTTP
 * response. They act as the bridge between the web layer and the business
 * logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/leadflow/marketplace-service/internal/app"
	"github.com/leadflow/marketplace-service/internal/domain"
	"github.com/leadflow/marketplace-service/internal/store"
	"github.com/shopspring/decimal"
)

// MarketplaceHandlers holds the application services that handlers will use.
type MarketplaceHandlers struct {
	ledger        *app.LedgerService
	listings      *app.ListingService
	subscriptions *app.SubscriptionService
	distributions *app.DistributionService
	metrics       *app.MetricsService
	rateLimiter   *app.RedisIngestRateLimiter

	ingestRateLimitPerMinute int
}

// NewMarketplaceHandlers creates a new instance of MarketplaceHandlers.
// rateLimiter may be nil, which disables ingestion rate limiting.
func NewMarketplaceHandlers(
	ledger *app.LedgerService,
	listings *app.ListingService,
	subscriptions *app.SubscriptionService,
	distributions *app.DistributionService,
	metrics *app.MetricsService,
	rateLimiter *app.RedisIngestRateLimiter,
	ingestRateLimitPerMinute int,
) *MarketplaceHandlers {
	return &MarketplaceHandlers{
		ledger:                   ledger,
		listings:                 listings,
		subscriptions:            subscriptions,
		distributions:            distributions,
		metrics:                  metrics,
		rateLimiter:              rateLimiter,
		ingestRateLimitPerMinute: ingestRateLimitPerMinute,
	}
}

func (h *MarketplaceHandlers) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func (h *MarketplaceHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError maps sentinel errors from the store and service layers to
// HTTP statuses. Anything unmapped is a 500 with a generic message.
func (h *MarketplaceHandlers) writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	switch {
	case errors.Is(err, store.ErrListingNotFound),
		errors.Is(err, store.ErrSubscriptionNotFound),
		errors.Is(err, store.ErrDistributionNotFound),
		errors.Is(err, store.ErrCampaignNotFound),
		errors.Is(err, store.ErrNoActiveExchangeRate):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrInsufficientReservations):
		h.writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, store.ErrListingNotActive),
		errors.Is(err, store.ErrSubscriptionQuotaExceeded),
		errors.Is(err, store.ErrNoEligibleSubscription),
		errors.Is(err, store.ErrDistributionNotRefundable),
		errors.Is(err, store.ErrDistributionAlreadyRefunded),
		errors.Is(err, store.ErrRefundAlreadyApplied),
		errors.Is(err, app.ErrInvalidListingState),
		errors.Is(err, app.ErrInvalidSubscriptionState):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrNotListingOwner),
		errors.Is(err, app.ErrNotSubscriptionOwner):
		h.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, store.ErrMissingPhoneNumber),
		errors.Is(err, app.ErrInvalidAmount),
		errors.Is(err, app.ErrInvalidExchangeRate),
		errors.Is(err, app.ErrInvalidDateRange),
		errors.Is(err, app.ErrInvalidLeadCount),
		errors.Is(err, app.ErrInvalidPricePerLead),
		errors.Is(err, app.ErrMissingListingName),
		errors.Is(err, app.ErrInvalidWeightValue):
		h.writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("level=error component=api endpoint=%s msg=\"unhandled service error\" err=%v", endpoint, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// identity pulls the authenticated tenant and user out of the context.
func (h *MarketplaceHandlers) identity(w http.ResponseWriter, r *http.Request) (tenantID, userID uuid.UUID, ok bool) {
	tenantID, ok = GetTenantID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get tenant ID from context")
		return
	}
	userID, ok = GetUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
	}
	return
}

func pathUUID(w http.ResponseWriter, r *http.Request, param string, h *MarketplaceHandlers) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s", param))
		return uuid.Nil, false
	}
	return id, true
}

// --- Reservation ledger ---

// GetBalanceHandler returns the caller's reservation balance.
func (h *MarketplaceHandlers) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := h.identity(w, r)
	if !ok {
		return
	}
	balance, err := h.ledger.GetBalance(r.Context(), tenantID, userID)
	if err != nil {
		h.writeServiceError(w, "get_balance", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"balance": balance.String()})
}

type purchaseReservationsRequest struct {
	USDAmount decimal.Decimal        `json:"usd_amount"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// PurchaseReservationsHandler converts a USD amount into reservations at the
// active exchange rate and credits the caller's account.
func (h *MarketplaceHandlers) PurchaseReservationsHandler(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req purchaseReservationsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	account, err := h.ledger.Purchase(r.Context(), tenantID, userID, req.USDAmount, req.Metadata)
	if err != nil {
		h.writeServiceError(w, "purchase_reservations", err)
		return
	}
	h.writeJSON(w, http.StatusOK, account)
}

// ListTransactionsHandler returns the caller's ledger log, newest first.
func (h *MarketplaceHandlers) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := h.identity(w, r)
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 50)
	if limit > 200 {
		limit = 200
	}
	offset := queryInt(r, "offset", 0)

	txs, err := h.ledger.ListTransactions(r.Context(), tenantID, userID, limit, offset)
	if err != nil {
		h.writeServiceError(w, "list_transactions", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": txs})
}

// GetExchangeRateHandler returns the active USD-to-reservation rate.
func (h *MarketplaceHandlers) GetExchangeRateHandler(w http.ResponseWriter, r *http.Request) {
	rate, err := h.ledger.GetActiveExchangeRate(r.Context())
	if err != nil {
		h.writeServiceError(w, "get_exchange_rate", err)
		return
	}
	h.writeJSON(w, http.StatusOK, rate)
}

type setExchangeRateRequest struct {
	Rate          decimal.Decimal `json:"rate"`
	CreatedBy     uuid.UUID       `json:"created_by"`
	EffectiveFrom *time.Time      `json:"effective_from,omitempty"`
}

// SetExchangeRateHandler rotates the platform exchange rate. Internal only.
func (h *MarketplaceHandlers) SetExchangeRateHandler(w http.ResponseWriter, r *http.Request) {
	var req setExchangeRateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	rate, err := h.ledger.SetExchangeRate(r.Context(), req.Rate, req.CreatedBy, req.EffectiveFrom)
	if err != nil {
		h.writeServiceError(w, "set_exchange_rate", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, rate)
}

// --- Listings ---

// CreateListingHandler creates a draft listing owned by the caller.
func (h *MarketplaceHandlers) CreateListingHandler(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req domain.CreateListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	listing, err := h.listings.Create(r.Context(), tenantID, userID, req)
	if err != nil {
		h.writeServiceError(w, "create_listing", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, listing)
}

// ListListingsHandler returns the caller's non-archived listings.
func (h *MarketplaceHandlers) ListListingsHandler(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := h.identity(w, r)
	if !ok {
		return
	}
	listings, err := h.listings.ListByMarketer(r.Context(), tenantID, userID)
	if err != nil {
		h.writeServiceError(w, "list_listings", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"listings": listings})
}

// GetListingHandler returns one listing in the caller's tenant.
func (h *MarketplaceHandlers) GetListingHandler(w http.ResponseWriter, r *http.Request) {
	tenantID, _, ok := h.identity(w, r)
	if !ok {
		return
	}
	listingID, ok := pathUUID(w, r, "listingID", h)
	if !ok {
		return
	}
	listing, err := h.listings.Get(r.Context(), tenantID, listingID)
	if err != nil {
		h.writeServiceError(w, "get_listing", err)
		return
	}
	h.writeJSON(w, http.StatusOK, listing)
}

// PublishListingHandler moves a draft or paused listing to active.
func (h *MarketplaceHandlers) PublishListingHandler(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := h.identity(w, r)
	if !ok {
		return
	}
	listingID, ok := pathUUID(w, r, "listingID", h)
	if !ok {
		return
	}
	listing, err := h.listings.Publish(r.Context(), tenantID, userID, listingID)
	if err != nil {
		h.writeServiceError(w, "publish_listing", err)
		return
	}
	h.writeJSON(w, http.StatusOK, listing)
}

// PauseListingHandler moves an active listing to paused.
func (h *MarketplaceHandlers) PauseListingHandler(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := h.identity(w, r)
	if !ok {
		return
	}
	listingID, ok := pathUUID(w, r, "listingID", h)
	if !ok {
		return
	}
	if err := h.listings.Pause(r.Context(), tenantID, userID, listingID); err != nil {
		h.writeServiceError(w, "pause_listing", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": domain.ListingStatusPaused})
}

// ArchiveListingHandler soft-removes a listing.
func (h *MarketplaceHandlers) ArchiveListingHandler(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := h.identity(w, r)
	if !ok {
		return
	}
	listingID, ok := pathUUID(w, r, "listingID", h)
	if !ok {
		return
	}
	if err := h.listings.Archive(r.Context(), tenantID, userID, listingID); err != nil {
		h.writeServiceError(w, "archive_listing", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": domain.ListingStatusArchived})
}

type setWeightsRequest struct {
	Weights map[string]decimal.Decimal `json:"weights"`
}

// SetListingWeightsHandler replaces the listing's allocation weight map.
func (h *MarketplaceHandlers) SetListingWeightsHandler(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := h.identity(w, r)
	if !ok {
		return
	}
	listingID, ok := pathUUID(w, r, "listingID", h)
	if !ok {
		return
	}
	var req setWeightsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if err := h.listings.SetWeightDistribution(r.Context(), tenantID, userID, listingID, req.Weights); err != nil {
		h.writeServiceError(w, "set_listing_weights", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"weights": req.Weights})
}

// GetListingMetricsHandler returns the cached aggregates for a listing.
func (h *MarketplaceHandlers) GetListingMetricsHandler(w http.ResponseWriter, r *http.Request) {
	tenantID, _, ok := h.identity(w, r)
	if !ok {
		return
	}
	listingID, ok := pathUUID(w, r, "listingID", h)
	if !ok {
		return
	}
	metrics, err := h.metrics.GetListingMetrics(r.Context(), tenantID, listingID)
	if err != nil {
		h.writeServiceError(w, "get_listing_metrics", err)
		return
	}
	h.writeJSON(w, http.StatusOK, metrics)
}

// RefreshListingMetricsHandler recomputes the listing's aggregates from the
// delivered distributions right now, instead of waiting for the next queued
// refresh, and returns the fresh numbers.
func (h *MarketplaceHandlers) RefreshListingMetricsHandler(w http.ResponseWriter, r *http.Request) {
	tenantID, _, ok := h.identity(w, r)
	if !ok {
		return
	}
	listingID, ok := pathUUID(w, r, "listingID", h)
	if !ok {
		return
	}
	metrics, err := h.metrics.UpdateListingMetrics(r.Context(), tenantID, listingID)
	if err != nil {
		h.writeServiceError(w, "refresh_listing_metrics", err)
		return
	}
	h.writeJSON(w, http.StatusOK, metrics)
}

// --- Subscriptions ---

// CreateSubscriptionHandler subscribes the caller to a listing.
func (h *MarketplaceHandlers) CreateSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req domain.CreateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	sub, err := h.subscriptions.Create(r.Context(), tenantID, userID, req)
	if err != nil {
		h.writeServiceError(w, "create_subscription", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, sub)
}

// GetSubscriptionHandler returns one subscription in the caller's tenant.
func (h *MarketplaceHandlers) GetSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	tenantID, _, ok := h.identity(w, r)
	if !ok {
		return
	}
	subscriptionID, ok := pathUUID(w, r, "subscriptionID", h)
	if !ok {
		return
	}
	sub, err := h.subscriptions.Get(r.Context(), tenantID, subscriptionID)
	if err != nil {
		h.writeServiceError(w, "get_subscription", err)
		return
	}
	h.writeJSON(w, http.StatusOK, sub)
}

// CancelSubscriptionHandler cancels the subscription and refunds the
// undelivered remainder.
func (h *MarketplaceHandlers) CancelSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := h.identity(w, r)
	if !ok {
		return
	}
	subscriptionID, ok := pathUUID(w, r, "subscriptionID", h)
	if !ok {
		return
	}
	sub, err := h.subscriptions.Cancel(r.Context(), tenantID, userID, subscriptionID)
	if err != nil {
		h.writeServiceError(w, "cancel_subscription", err)
		return
	}
	h.writeJSON(w, http.StatusOK, sub)
}

// PauseSubscriptionHandler suspends an active subscription.
func (h *MarketplaceHandlers) PauseSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := h.identity(w, r)
	if !ok {
		return
	}
	subscriptionID, ok := pathUUID(w, r, "subscriptionID", h)
	if !ok {
		return
	}
	if err := h.subscriptions.Pause(r.Context(), tenantID, userID, subscriptionID); err != nil {
		h.writeServiceError(w, "pause_subscription", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": domain.SubscriptionStatusPaused})
}

// ResumeSubscriptionHandler re-activates a paused subscription.
func (h *MarketplaceHandlers) ResumeSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := h.identity(w, r)
	if !ok {
		return
	}
	subscriptionID, ok := pathUUID(w, r, "subscriptionID", h)
	if !ok {
		return
	}
	if err := h.subscriptions.Resume(r.Context(), tenantID, userID, subscriptionID); err != nil {
		h.writeServiceError(w, "resume_subscription", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": domain.SubscriptionStatusActive})
}

// --- Distributions ---

// GetDistributionHandler returns one distribution in the caller's tenant.
func (h *MarketplaceHandlers) GetDistributionHandler(w http.ResponseWriter, r *http.Request) {
	tenantID, _, ok := h.identity(w, r)
	if !ok {
		return
	}
	distributionID, ok := pathUUID(w, r, "distributionID", h)
	if !ok {
		return
	}
	dist, err := h.distributions.GetDistribution(r.Context(), tenantID, distributionID)
	if err != nil {
		h.writeServiceError(w, "get_distribution", err)
		return
	}
	h.writeJSON(w, http.StatusOK, dist)
}

type refundDistributionRequest struct {
	TenantID uuid.UUID `json:"tenant_id"`
}

// RefundDistributionHandler reverses a delivered distribution. Internal only:
// refunds are issued by support tooling, not by buyers directly.
func (h *MarketplaceHandlers) RefundDistributionHandler(w http.ResponseWriter, r *http.Request) {
	distributionID, ok := pathUUID(w, r, "distributionID", h)
	if !ok {
		return
	}
	var req refundDistributionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if req.TenantID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	dist, err := h.distributions.RefundDistribution(r.Context(), req.TenantID, distributionID)
	if err != nil {
		h.writeServiceError(w, "refund_distribution", err)
		return
	}
	h.writeJSON(w, http.StatusOK, dist)
}

// --- Lead ingestion ---

// IngestLeadHandler is the public webhook that accepts an incoming lead for a
// listing and queues it for distribution. It answers 202 as soon as the job is
// durably on the queue; the actual routing happens in the consumer.
func (h *MarketplaceHandlers) IngestLeadHandler(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := pathUUID(w, r, "tenantID", h)
	if !ok {
		return
	}
	listingID, ok := pathUUID(w, r, "listingID", h)
	if !ok {
		return
	}

	if h.rateLimiter != nil {
		count, retryAfter, err := h.rateLimiter.ConsumeRateLimit(r.Context(), "ingest", ingestRateLimitSubject(tenantID, listingID), h.ingestRateLimitPerMinute, time.Minute)
		if err != nil {
			log.Printf("level=warn component=api endpoint=ingest_lead msg=\"rate limiter unavailable; allowing request\" err=%v", err)
		} else if h.ingestRateLimitPerMinute > 0 && count > h.ingestRateLimitPerMinute {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			h.writeError(w, http.StatusTooManyRequests, "Too many leads; slow down")
			return
		}
	}

	var payload map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	contact := extractContactData(payload)
	if contact.PhoneNumber == "" {
		h.writeError(w, http.StatusBadRequest, "phone_number is required")
		return
	}

	job := domain.DistributionJob{
		TenantID:    tenantID,
		ListingID:   listingID,
		ContactData: contact,
		Metadata:    map[string]interface{}{"source": "webhook"},
	}
	if err := h.distributions.DistributeLeadAsync(r.Context(), job); err != nil {
		if errors.Is(err, app.ErrCouldNotQueue) {
			h.writeError(w, http.StatusServiceUnavailable, "Could not queue lead; try again")
			return
		}
		h.writeServiceError(w, "ingest_lead", err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// ingestRateLimitSubject scopes the ingestion limiter to one tenant's
// listing, so a burst against one listing never consumes another tenant's
// ingestion window.
func ingestRateLimitSubject(tenantID, listingID uuid.UUID) string {
	return tenantID.String() + ":" + listingID.String()
}

// extractContactData maps an arbitrary webhook payload into the canonical
// contact fields. Common field aliases are accepted; everything else is kept
// verbatim in the metadata so no lead data is lost.
func extractContactData(payload map[string]interface{}) domain.ContactData {
	contact := domain.ContactData{Metadata: map[string]interface{}{}}

	phoneAliases := []string{"phone_number", "phone", "phoneNumber", "mobile"}
	firstAliases := []string{"first_name", "firstName", "fname"}
	lastAliases := []string{"last_name", "lastName", "lname"}
	emailAliases := []string{"email", "email_address"}

	consumed := map[string]bool{}
	pick := func(aliases []string) *string {
		for _, key := range aliases {
			if v, ok := payload[key].(string); ok && v != "" {
				consumed[key] = true
				return &v
			}
		}
		return nil
	}

	if phone := pick(phoneAliases); phone != nil {
		contact.PhoneNumber = *phone
	}
	contact.FirstName = pick(firstAliases)
	contact.LastName = pick(lastAliases)
	contact.Email = pick(emailAliases)

	for key, value := range payload {
		if !consumed[key] {
			contact.Metadata[key] = value
		}
	}
	if len(contact.Metadata) == 0 {
		contact.Metadata = nil
	}
	return contact
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}
