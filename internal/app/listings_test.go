package app

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/leadflow/marketplace-service/internal/domain"
	"github.com/leadflow/marketplace-service/internal/store"
	"github.com/shopspring/decimal"
)

type listingRepoStub struct {
	store.Repository

	listings       map[uuid.UUID]*domain.Listing
	campaignExists bool
}

func newListingStub(listings ...*domain.Listing) *listingRepoStub {
	stub := &listingRepoStub{listings: map[uuid.UUID]*domain.Listing{}, campaignExists: true}
	for _, l := range listings {
		stub.listings[l.ID] = l
	}
	return stub
}

func (s *listingRepoStub) CreateListing(ctx context.Context, listing *domain.Listing) error {
	s.listings[listing.ID] = listing
	return nil
}

func (s *listingRepoStub) FindListingByID(ctx context.Context, tenantID, listingID uuid.UUID) (*domain.Listing, error) {
	listing, ok := s.listings[listingID]
	if !ok {
		return nil, store.ErrListingNotFound
	}
	return listing, nil
}

func (s *listingRepoStub) UpdateListingStatus(ctx context.Context, tenantID, listingID uuid.UUID, status string) error {
	listing, ok := s.listings[listingID]
	if !ok {
		return store.ErrListingNotFound
	}
	listing.Status = status
	return nil
}

func (s *listingRepoStub) UpdateListingWeightDistribution(ctx context.Context, tenantID, listingID uuid.UUID, weights map[string]decimal.Decimal) error {
	listing, ok := s.listings[listingID]
	if !ok {
		return store.ErrListingNotFound
	}
	listing.WeightDistribution = weights
	return nil
}

func (s *listingRepoStub) CampaignExists(ctx context.Context, tenantID, campaignID uuid.UUID) (bool, error) {
	return s.campaignExists, nil
}

func TestCreateListing_StartsAsDraft(t *testing.T) {
	repo := newListingStub()
	svc := NewListingService(repo)

	listing, err := svc.Create(context.Background(), uuid.New(), uuid.New(), domain.CreateListingRequest{
		Name:         "Solar leads, Northeast",
		PricePerLead: decimal.RequireFromString("4.00"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if listing.Status != domain.ListingStatusDraft {
		t.Fatalf("expected draft status, got %s", listing.Status)
	}
}

func TestCreateListing_RejectsInvalidInput(t *testing.T) {
	svc := NewListingService(newListingStub())
	ctx := context.Background()

	_, err := svc.Create(ctx, uuid.New(), uuid.New(), domain.CreateListingRequest{
		PricePerLead: decimal.RequireFromString("4.00"),
	})
	if !errors.Is(err, ErrMissingListingName) {
		t.Fatalf("expected ErrMissingListingName, got %v", err)
	}

	_, err = svc.Create(ctx, uuid.New(), uuid.New(), domain.CreateListingRequest{
		Name:         "Free leads",
		PricePerLead: decimal.Zero,
	})
	if !errors.Is(err, ErrInvalidPricePerLead) {
		t.Fatalf("expected ErrInvalidPricePerLead, got %v", err)
	}
}

func TestPublishListing_ActivatesDraft(t *testing.T) {
	listing := activeTestListing("4.00")
	listing.Status = domain.ListingStatusDraft
	repo := newListingStub(listing)
	svc := NewListingService(repo)

	published, err := svc.Publish(context.Background(), listing.TenantID, listing.MarketerID, listing.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if published.Status != domain.ListingStatusActive {
		t.Fatalf("expected active status, got %s", published.Status)
	}
}

func TestPublishListing_RejectsNonOwner(t *testing.T) {
	listing := activeTestListing("4.00")
	listing.Status = domain.ListingStatusDraft
	svc := NewListingService(newListingStub(listing))

	_, err := svc.Publish(context.Background(), listing.TenantID, uuid.New(), listing.ID)
	if !errors.Is(err, ErrNotListingOwner) {
		t.Fatalf("expected ErrNotListingOwner, got %v", err)
	}
}

func TestPublishListing_RejectsMissingCampaign(t *testing.T) {
	listing := activeTestListing("4.00")
	listing.Status = domain.ListingStatusDraft
	campaignID := uuid.New()
	listing.CampaignID = &campaignID
	repo := newListingStub(listing)
	repo.campaignExists = false
	svc := NewListingService(repo)

	_, err := svc.Publish(context.Background(), listing.TenantID, listing.MarketerID, listing.ID)
	if !errors.Is(err, store.ErrCampaignNotFound) {
		t.Fatalf("expected ErrCampaignNotFound, got %v", err)
	}
}

func TestPublishListing_RejectsBadActions(t *testing.T) {
	listing := activeTestListing("4.00")
	listing.Status = domain.ListingStatusDraft
	listing.LeadParameters = map[string]interface{}{
		"on_delivery": []interface{}{
			map[string]interface{}{"type": "launch_rocket"},
		},
	}
	svc := NewListingService(newListingStub(listing))

	_, err := svc.Publish(context.Background(), listing.TenantID, listing.MarketerID, listing.ID)
	if err == nil {
		t.Fatal("expected publish to fail on an unknown action type")
	}
}

func TestPauseListing_RequiresActiveStatus(t *testing.T) {
	listing := activeTestListing("4.00")
	listing.Status = domain.ListingStatusDraft
	svc := NewListingService(newListingStub(listing))

	err := svc.Pause(context.Background(), listing.TenantID, listing.MarketerID, listing.ID)
	if !errors.Is(err, ErrInvalidListingState) {
		t.Fatalf("expected ErrInvalidListingState, got %v", err)
	}
}

func TestSetWeightDistribution_RejectsNegativeWeights(t *testing.T) {
	listing := activeTestListing("4.00")
	svc := NewListingService(newListingStub(listing))

	err := svc.SetWeightDistribution(context.Background(), listing.TenantID, listing.MarketerID, listing.ID, map[string]decimal.Decimal{
		uuid.New().String(): decimal.RequireFromString("-1"),
	})
	if !errors.Is(err, ErrInvalidWeightValue) {
		t.Fatalf("expected ErrInvalidWeightValue, got %v", err)
	}
}
