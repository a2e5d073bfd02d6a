/**
 * @description
 * This file defines the `Repository` interface, the contract for all data
 * access the marketplace-service needs. The application services depend on
 * this interface rather than the PostgreSQL implementation, which keeps the
 * orchestration logic testable with in-memory stubs.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid, github.com/shopspring/decimal
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/leadflow/marketplace-service/internal/domain"
	"github.com/shopspring/decimal"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Reservation ledger. Credit and debit are atomic: the balance mutation
	// and the ledger-log insert happen in one database transaction, and debit
	// re-checks the balance under a row lock.
	GetAccountBalance(ctx context.Context, tenantID, userID uuid.UUID) (decimal.Decimal, error)
	CreditAccount(ctx context.Context, p LedgerEntryParams) (*domain.ReservationAccount, error)
	DebitAccount(ctx context.Context, p LedgerEntryParams) (*domain.ReservationAccount, error)
	ListReservationTransactions(ctx context.Context, tenantID, userID uuid.UUID, limit, offset int) ([]domain.ReservationTransaction, error)

	// Exchange rates. InsertExchangeRate closes the currently open window and
	// opens the new one in a single transaction.
	GetActiveExchangeRate(ctx context.Context) (*domain.ExchangeRate, error)
	InsertExchangeRate(ctx context.Context, rate decimal.Decimal, createdBy uuid.UUID, effectiveFrom time.Time) (*domain.ExchangeRate, error)

	// Listings.
	CreateListing(ctx context.Context, listing *domain.Listing) error
	FindListingByID(ctx context.Context, tenantID, listingID uuid.UUID) (*domain.Listing, error)
	ListListingsByMarketer(ctx context.Context, tenantID, marketerID uuid.UUID) ([]domain.Listing, error)
	UpdateListingStatus(ctx context.Context, tenantID, listingID uuid.UUID, status string) error
	UpdateListingWeightDistribution(ctx context.Context, tenantID, listingID uuid.UUID, weights map[string]decimal.Decimal) error

	// Campaign linkage (read-only; the campaigns table belongs to the broader CRM).
	CampaignExists(ctx context.Context, tenantID, campaignID uuid.UUID) (bool, error)

	// Subscriptions.
	CreateSubscription(ctx context.Context, sub *domain.Subscription) error
	FindSubscriptionByID(ctx context.Context, tenantID, subscriptionID uuid.UUID) (*domain.Subscription, error)
	FindActiveSubscriptionsForListing(ctx context.Context, tenantID, listingID uuid.UUID, now time.Time) ([]domain.Subscription, error)
	UpdateSubscriptionStatus(ctx context.Context, tenantID, subscriptionID uuid.UUID, status string) error

	// Distributions. CommitDistribution performs the whole charge-and-deliver
	// sequence in one database transaction; RefundDistribution is its
	// compensating counterpart.
	CommitDistribution(ctx context.Context, p CommitDistributionParams) (*CommitDistributionResult, error)
	RefundDistribution(ctx context.Context, tenantID, distributionID uuid.UUID) (*domain.LeadDistribution, error)
	RecordFailedDistribution(ctx context.Context, p FailedDistributionParams) error
	FindDistributionByID(ctx context.Context, tenantID, distributionID uuid.UUID) (*domain.LeadDistribution, error)

	// Listing metrics.
	ComputeListingMetrics(ctx context.Context, tenantID, listingID uuid.UUID) (*domain.ListingMetrics, error)
	UpsertListingMetrics(ctx context.Context, tenantID uuid.UUID, metrics *domain.ListingMetrics) error
	GetListingMetrics(ctx context.Context, tenantID, listingID uuid.UUID) (*domain.ListingMetrics, error)
}

// LedgerEntryParams describes one balance mutation plus its log row.
// Amount is always positive; the repository stores spend amounts negated.
type LedgerEntryParams struct {
	TenantID uuid.UUID
	UserID   uuid.UUID
	Type     string
	Amount   decimal.Decimal
	Metadata map[string]interface{}
}

// CommitDistributionParams carries everything the atomic distribution commit
// needs. PricePerLead is the snapshot taken by the orchestrator before the
// transaction begins.
type CommitDistributionParams struct {
	TenantID       uuid.UUID
	ListingID      uuid.UUID
	SubscriptionID uuid.UUID
	BuyerID        uuid.UUID
	PricePerLead   decimal.Decimal
	ContactData    domain.ContactData
	Metadata       map[string]interface{}
}

// CommitDistributionResult reports the rows written by a successful commit.
type CommitDistributionResult struct {
	Distribution *domain.LeadDistribution
	Contact      *domain.Contact
}

// FailedDistributionParams records a terminally failed distribution job after
// the queue has exhausted its delivery attempts.
type FailedDistributionParams struct {
	TenantID      uuid.UUID
	ListingID     uuid.UUID
	FailureReason string
	Metadata      map[string]interface{}
}
