/**
 * @description
 * This file implements the subscription registry: buyer subscriptions against
 * a listing, their lifecycle, and the eligibility query the allocation engine
 * consumes. Creation pre-validates affordability against the ledger but does
 * not escrow funds — reservations are spent per lead at distribution time.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/leadflow/marketplace-service/internal/domain"
	"github.com/leadflow/marketplace-service/internal/store"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidDateRange         = errors.New("start date must precede end date and end date must not be in the past")
	ErrInvalidLeadCount         = errors.New("lead count must be positive")
	ErrNotSubscriptionOwner     = errors.New("caller does not own this subscription")
	ErrInvalidSubscriptionState = errors.New("subscription cannot transition from its current status")
)

// SubscriptionService manages buyer subscriptions to listings.
type SubscriptionService struct {
	repo   store.Repository
	ledger *LedgerService
}

// NewSubscriptionService creates a new subscription service instance.
func NewSubscriptionService(repo store.Repository, ledger *LedgerService) *SubscriptionService {
	return &SubscriptionService{repo: repo, ledger: ledger}
}

// Create validates the window and the listing, pre-checks the buyer can
// afford leadCount leads at the current price, and inserts the subscription.
// No funds move here: the affordability check is advisory, spending happens
// per delivered lead.
func (s *SubscriptionService) Create(ctx context.Context, tenantID, buyerID uuid.UUID, req domain.CreateSubscriptionRequest) (*domain.Subscription, error) {
	if req.LeadCount <= 0 {
		return nil, ErrInvalidLeadCount
	}
	now := time.Now().UTC()
	if !req.StartDate.Before(req.EndDate) || req.EndDate.Before(now) {
		return nil, ErrInvalidDateRange
	}

	listing, err := s.repo.FindListingByID(ctx, tenantID, req.ListingID)
	if err != nil {
		return nil, err
	}
	if listing.Status != domain.ListingStatusActive {
		return nil, store.ErrListingNotActive
	}

	totalCost := listing.PricePerLead.Mul(decimal.NewFromInt(int64(req.LeadCount)))
	balance, err := s.ledger.GetBalance(ctx, tenantID, buyerID)
	if err != nil {
		return nil, fmt.Errorf("failed to check buyer balance: %w", err)
	}
	if balance.LessThan(totalCost) {
		return nil, store.ErrInsufficientReservations
	}

	sub := &domain.Subscription{
		ID:                    uuid.New(),
		TenantID:              tenantID,
		ListingID:             req.ListingID,
		BuyerID:               buyerID,
		Status:                domain.SubscriptionStatusActive,
		LeadCount:             req.LeadCount,
		LeadReservationsSpent: decimal.Zero,
		Priority:              req.Priority,
		StartDate:             req.StartDate.UTC(),
		EndDate:               req.EndDate.UTC(),
	}
	if err := s.repo.CreateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	log.Printf("level=info component=subscriptions msg=\"subscription created\" tenant=%s buyer=%s listing=%s leads=%d total_cost=%s",
		tenantID, buyerID, req.ListingID, req.LeadCount, totalCost)
	return sub, nil
}

// Get loads one subscription within the tenant.
func (s *SubscriptionService) Get(ctx context.Context, tenantID, subscriptionID uuid.UUID) (*domain.Subscription, error) {
	return s.repo.FindSubscriptionByID(ctx, tenantID, subscriptionID)
}

// GetActiveSubscriptionsForListing returns the allocation candidates: active
// subscriptions inside their date window, ordered by priority DESC then
// created_at ASC (older subscriptions win ties).
func (s *SubscriptionService) GetActiveSubscriptionsForListing(ctx context.Context, tenantID, listingID uuid.UUID, now time.Time) ([]domain.Subscription, error) {
	return s.repo.FindActiveSubscriptionsForListing(ctx, tenantID, listingID, now)
}

// Cancel cancels the subscription and refunds the undelivered remainder at
// the listing's current price: (leadCount - leadsDelivered) * pricePerLead.
func (s *SubscriptionService) Cancel(ctx context.Context, tenantID, buyerID, subscriptionID uuid.UUID) (*domain.Subscription, error) {
	sub, err := s.ownedSubscription(ctx, tenantID, buyerID, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status != domain.SubscriptionStatusActive && sub.Status != domain.SubscriptionStatusPaused {
		return nil, ErrInvalidSubscriptionState
	}

	listing, err := s.repo.FindListingByID(ctx, tenantID, sub.ListingID)
	if err != nil {
		return nil, err
	}

	if err := s.repo.UpdateSubscriptionStatus(ctx, tenantID, subscriptionID, domain.SubscriptionStatusCancelled); err != nil {
		return nil, err
	}
	sub.Status = domain.SubscriptionStatusCancelled

	undelivered := sub.LeadCount - sub.LeadsDelivered
	if undelivered > 0 {
		refund := listing.PricePerLead.Mul(decimal.NewFromInt(int64(undelivered)))
		_, err := s.ledger.Refund(ctx, tenantID, buyerID, refund, map[string]interface{}{
			"subscription_id": subscriptionID.String(),
			"reason":          "subscription_cancelled",
			"undelivered":     undelivered,
		})
		if err != nil {
			// The subscription is already cancelled; a failed refund must be
			// loud so operators can reconcile the ledger by hand.
			log.Printf("level=error component=subscriptions msg=\"cancellation refund failed\" tenant=%s subscription=%s amount=%s err=%v",
				tenantID, subscriptionID, refund, err)
			return nil, fmt.Errorf("subscription cancelled but refund failed: %w", err)
		}
		log.Printf("level=info component=subscriptions msg=\"subscription cancelled with refund\" tenant=%s subscription=%s refunded=%s",
			tenantID, subscriptionID, refund)
	}
	return sub, nil
}

// Pause suspends an active subscription. Owner-only.
func (s *SubscriptionService) Pause(ctx context.Context, tenantID, buyerID, subscriptionID uuid.UUID) error {
	sub, err := s.ownedSubscription(ctx, tenantID, buyerID, subscriptionID)
	if err != nil {
		return err
	}
	if sub.Status != domain.SubscriptionStatusActive {
		return ErrInvalidSubscriptionState
	}
	return s.repo.UpdateSubscriptionStatus(ctx, tenantID, subscriptionID, domain.SubscriptionStatusPaused)
}

// Resume re-activates a paused subscription. Owner-only.
func (s *SubscriptionService) Resume(ctx context.Context, tenantID, buyerID, subscriptionID uuid.UUID) error {
	sub, err := s.ownedSubscription(ctx, tenantID, buyerID, subscriptionID)
	if err != nil {
		return err
	}
	if sub.Status != domain.SubscriptionStatusPaused {
		return ErrInvalidSubscriptionState
	}
	return s.repo.UpdateSubscriptionStatus(ctx, tenantID, subscriptionID, domain.SubscriptionStatusActive)
}

func (s *SubscriptionService) ownedSubscription(ctx context.Context, tenantID, buyerID, subscriptionID uuid.UUID) (*domain.Subscription, error) {
	sub, err := s.repo.FindSubscriptionByID(ctx, tenantID, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.BuyerID != buyerID {
		return nil, ErrNotSubscriptionOwner
	}
	return sub, nil
}
