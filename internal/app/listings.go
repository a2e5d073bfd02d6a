/**
 * @description
 * This file implements the listing service: marketer-owned lead listings and
 * their status lifecycle (draft -> active -> paused -> archived). Only active
 * listings accept lead distribution; publish validates the campaign linkage
 * and any configured post-delivery actions so misconfiguration surfaces here
 * rather than on the distribution hot path.
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
	ErrNotListingOwner     = errors.New("caller does not own this listing")
	ErrInvalidListingState = errors.New("listing cannot transition from its current status")
	ErrInvalidPricePerLead = errors.New("price per lead must be positive")
	ErrMissingListingName  = errors.New("listing name is required")
	ErrInvalidWeightValue  = errors.New("weight values must be non-negative")
)

// ListingService manages lead listings.
type ListingService struct {
	repo store.Repository
}

// NewListingService creates a new listing service instance.
func NewListingService(repo store.Repository) *ListingService {
	return &ListingService{repo: repo}
}

// Create inserts a new draft listing owned by the calling marketer.
func (s *ListingService) Create(ctx context.Context, tenantID, marketerID uuid.UUID, req domain.CreateListingRequest) (*domain.Listing, error) {
	if req.Name == "" {
		return nil, ErrMissingListingName
	}
	if !req.PricePerLead.IsPositive() {
		return nil, ErrInvalidPricePerLead
	}

	listing := &domain.Listing{
		ID:             uuid.New(),
		TenantID:       tenantID,
		MarketerID:     marketerID,
		Name:           req.Name,
		Description:    req.Description,
		PricePerLead:   req.PricePerLead,
		Status:         domain.ListingStatusDraft,
		LeadParameters: req.LeadParameters,
		CampaignID:     req.CampaignID,
	}
	if err := s.repo.CreateListing(ctx, listing); err != nil {
		return nil, fmt.Errorf("failed to create listing: %w", err)
	}
	return listing, nil
}

// Get loads one listing within the tenant.
func (s *ListingService) Get(ctx context.Context, tenantID, listingID uuid.UUID) (*domain.Listing, error) {
	return s.repo.FindListingByID(ctx, tenantID, listingID)
}

// ListByMarketer returns the caller's non-archived listings.
func (s *ListingService) ListByMarketer(ctx context.Context, tenantID, marketerID uuid.UUID) ([]domain.Listing, error) {
	return s.repo.ListListingsByMarketer(ctx, tenantID, marketerID)
}

// Publish moves a draft or paused listing to active. Owner-only. The linked
// campaign (when set) must exist in the tenant, and any configured
// post-delivery actions must parse, so bad configuration fails here instead
// of silently during distribution.
func (s *ListingService) Publish(ctx context.Context, tenantID, marketerID, listingID uuid.UUID) (*domain.Listing, error) {
	listing, err := s.ownedListing(ctx, tenantID, marketerID, listingID)
	if err != nil {
		return nil, err
	}
	if listing.Status != domain.ListingStatusDraft && listing.Status != domain.ListingStatusPaused {
		return nil, ErrInvalidListingState
	}

	if listing.CampaignID != nil {
		exists, err := s.repo.CampaignExists(ctx, tenantID, *listing.CampaignID)
		if err != nil {
			return nil, fmt.Errorf("failed to check campaign linkage: %w", err)
		}
		if !exists {
			return nil, store.ErrCampaignNotFound
		}
	}

	if _, err := domain.ParseEventActions(listing.LeadParameters); err != nil {
		return nil, fmt.Errorf("invalid post-delivery actions: %w", err)
	}

	if err := s.repo.UpdateListingStatus(ctx, tenantID, listingID, domain.ListingStatusActive); err != nil {
		return nil, err
	}
	listing.Status = domain.ListingStatusActive
	listing.UpdatedAt = time.Now().UTC()
	log.Printf("level=info component=listings msg=\"listing published\" tenant=%s listing=%s", tenantID, listingID)
	return listing, nil
}

// Pause moves an active listing to paused. Owner-only.
func (s *ListingService) Pause(ctx context.Context, tenantID, marketerID, listingID uuid.UUID) error {
	listing, err := s.ownedListing(ctx, tenantID, marketerID, listingID)
	if err != nil {
		return err
	}
	if listing.Status != domain.ListingStatusActive {
		return ErrInvalidListingState
	}
	return s.repo.UpdateListingStatus(ctx, tenantID, listingID, domain.ListingStatusPaused)
}

// Archive soft-removes a listing from any status. Owner-only.
func (s *ListingService) Archive(ctx context.Context, tenantID, marketerID, listingID uuid.UUID) error {
	if _, err := s.ownedListing(ctx, tenantID, marketerID, listingID); err != nil {
		return err
	}
	return s.repo.UpdateListingStatus(ctx, tenantID, listingID, domain.ListingStatusArchived)
}

// SetWeightDistribution replaces the listing's allocation weight map.
// Owner-only. Negative weights are rejected; zeroes are stored but treated as
// invalid (weight 1) by the allocation engine.
func (s *ListingService) SetWeightDistribution(ctx context.Context, tenantID, marketerID, listingID uuid.UUID, weights map[string]decimal.Decimal) error {
	if _, err := s.ownedListing(ctx, tenantID, marketerID, listingID); err != nil {
		return err
	}
	for _, w := range weights {
		if w.IsNegative() {
			return ErrInvalidWeightValue
		}
	}
	return s.repo.UpdateListingWeightDistribution(ctx, tenantID, listingID, weights)
}

func (s *ListingService) ownedListing(ctx context.Context, tenantID, marketerID, listingID uuid.UUID) (*domain.Listing, error) {
	listing, err := s.repo.FindListingByID(ctx, tenantID, listingID)
	if err != nil {
		return nil, err
	}
	if listing.MarketerID != marketerID {
		return nil, ErrNotListingOwner
	}
	return listing, nil
}
