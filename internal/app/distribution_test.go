package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leadflow/marketplace-service/internal/domain"
	"github.com/leadflow/marketplace-service/internal/store"
	"github.com/shopspring/decimal"
)

// publisherStub records published events and can be forced to fail.
type publisherStub struct {
	published []string
	fail      bool
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	if p.fail {
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, routingKey)
	return nil
}

func (p *publisherStub) Close() {}

// marketplaceRepoStub is an in-memory marketplace that mirrors the atomic
// commit contract: quota and balance re-checks happen inside
// CommitDistribution, and a failure leaves every piece of state untouched.
type marketplaceRepoStub struct {
	store.Repository

	listing       *domain.Listing
	subscriptions map[uuid.UUID]*domain.Subscription
	balance       decimal.Decimal
	distributions map[uuid.UUID]*domain.LeadDistribution
	refundCount   int
	failedReasons []string
}

func newMarketplaceStub(listing *domain.Listing, balance string, subs ...*domain.Subscription) *marketplaceRepoStub {
	stub := &marketplaceRepoStub{
		listing:       listing,
		subscriptions: map[uuid.UUID]*domain.Subscription{},
		balance:       decimal.RequireFromString(balance),
		distributions: map[uuid.UUID]*domain.LeadDistribution{},
	}
	for _, sub := range subs {
		stub.subscriptions[sub.ID] = sub
	}
	return stub
}

func (s *marketplaceRepoStub) FindListingByID(ctx context.Context, tenantID, listingID uuid.UUID) (*domain.Listing, error) {
	if s.listing == nil || s.listing.ID != listingID {
		return nil, store.ErrListingNotFound
	}
	return s.listing, nil
}

func (s *marketplaceRepoStub) FindActiveSubscriptionsForListing(ctx context.Context, tenantID, listingID uuid.UUID, now time.Time) ([]domain.Subscription, error) {
	var subs []domain.Subscription
	for _, sub := range s.subscriptions {
		if sub.Status == domain.SubscriptionStatusActive {
			subs = append(subs, *sub)
		}
	}
	return subs, nil
}

func (s *marketplaceRepoStub) GetAccountBalance(ctx context.Context, tenantID, userID uuid.UUID) (decimal.Decimal, error) {
	return s.balance, nil
}

func (s *marketplaceRepoStub) CommitDistribution(ctx context.Context, p store.CommitDistributionParams) (*store.CommitDistributionResult, error) {
	sub, ok := s.subscriptions[p.SubscriptionID]
	if !ok {
		return nil, store.ErrSubscriptionNotFound
	}
	if sub.LeadsDelivered >= sub.LeadCount {
		return nil, store.ErrSubscriptionQuotaExceeded
	}
	if s.balance.LessThan(p.PricePerLead) {
		return nil, store.ErrInsufficientReservations
	}

	s.balance = s.balance.Sub(p.PricePerLead)
	sub.LeadsDelivered++
	sub.LeadReservationsSpent = sub.LeadReservationsSpent.Add(p.PricePerLead)
	if sub.LeadsDelivered >= sub.LeadCount {
		sub.Status = domain.SubscriptionStatusCompleted
	}

	deliveredAt := time.Now().UTC()
	dist := &domain.LeadDistribution{
		ID:                      uuid.New(),
		TenantID:                p.TenantID,
		ListingID:               p.ListingID,
		SubscriptionID:          p.SubscriptionID,
		ContactID:               uuid.New(),
		Status:                  domain.DistributionStatusDelivered,
		LeadReservationsCharged: p.PricePerLead,
		DeliveredAt:             &deliveredAt,
	}
	s.distributions[dist.ID] = dist
	contact := &domain.Contact{ID: dist.ContactID, TenantID: p.TenantID, PhoneNumber: p.ContactData.PhoneNumber}
	return &store.CommitDistributionResult{Distribution: dist, Contact: contact}, nil
}

func (s *marketplaceRepoStub) RefundDistribution(ctx context.Context, tenantID, distributionID uuid.UUID) (*domain.LeadDistribution, error) {
	dist, ok := s.distributions[distributionID]
	if !ok {
		return nil, store.ErrDistributionNotFound
	}
	if dist.Status == domain.DistributionStatusRefunded {
		return nil, store.ErrDistributionAlreadyRefunded
	}
	if dist.Status != domain.DistributionStatusDelivered {
		return nil, store.ErrDistributionNotRefundable
	}

	s.balance = s.balance.Add(dist.LeadReservationsCharged)
	if sub, ok := s.subscriptions[dist.SubscriptionID]; ok {
		if sub.LeadsDelivered > 0 {
			sub.LeadsDelivered--
		}
		sub.LeadReservationsSpent = sub.LeadReservationsSpent.Sub(dist.LeadReservationsCharged)
	}
	dist.Status = domain.DistributionStatusRefunded
	s.refundCount++
	return dist, nil
}

func (s *marketplaceRepoStub) RecordFailedDistribution(ctx context.Context, p store.FailedDistributionParams) error {
	s.failedReasons = append(s.failedReasons, p.FailureReason)
	return nil
}

func (s *marketplaceRepoStub) FindDistributionByID(ctx context.Context, tenantID, distributionID uuid.UUID) (*domain.LeadDistribution, error) {
	dist, ok := s.distributions[distributionID]
	if !ok {
		return nil, store.ErrDistributionNotFound
	}
	return dist, nil
}

func activeTestListing(price string) *domain.Listing {
	return &domain.Listing{
		ID:           uuid.New(),
		TenantID:     uuid.New(),
		MarketerID:   uuid.New(),
		Name:         "Solar leads, Northeast",
		PricePerLead: decimal.RequireFromString(price),
		Status:       domain.ListingStatusActive,
	}
}

func activeTestSubscription(buyerID uuid.UUID, leadCount int) *domain.Subscription {
	now := time.Now().UTC()
	return &domain.Subscription{
		ID:                    uuid.New(),
		ListingID:             uuid.New(),
		BuyerID:               buyerID,
		Status:                domain.SubscriptionStatusActive,
		LeadCount:             leadCount,
		LeadReservationsSpent: decimal.Zero,
		StartDate:             now.Add(-time.Hour),
		EndDate:               now.Add(24 * time.Hour),
	}
}

func leadJob(listing *domain.Listing, phone string) domain.DistributionJob {
	return domain.DistributionJob{
		TenantID:    listing.TenantID,
		ListingID:   listing.ID,
		ContactData: domain.ContactData{PhoneNumber: phone},
	}
}

func TestDistributeLead_AlternatesUntilReservationsRunOut(t *testing.T) {
	listing := activeTestListing("4.00")
	buyerID := uuid.New()
	s1 := activeTestSubscription(buyerID, 10)
	s2 := activeTestSubscription(buyerID, 10)
	repo := newMarketplaceStub(listing, "10.00", s1, s2)
	publisher := &publisherStub{}
	svc := NewDistributionService(repo, publisher, nil)
	ctx := context.Background()

	first, err := svc.DistributeLead(ctx, leadJob(listing, "+15550000001"))
	if err != nil {
		t.Fatalf("first lead failed: %v", err)
	}
	second, err := svc.DistributeLead(ctx, leadJob(listing, "+15550000002"))
	if err != nil {
		t.Fatalf("second lead failed: %v", err)
	}

	if first.Distribution.SubscriptionID == second.Distribution.SubscriptionID {
		t.Fatal("expected the two leads to land on different subscriptions")
	}
	if s1.LeadsDelivered != 1 || s2.LeadsDelivered != 1 {
		t.Fatalf("expected one delivery each, got s1=%d s2=%d", s1.LeadsDelivered, s2.LeadsDelivered)
	}
	if !repo.balance.Equal(decimal.RequireFromString("2.00")) {
		t.Fatalf("expected balance 2.00 after two charges, got %s", repo.balance)
	}

	_, err = svc.DistributeLead(ctx, leadJob(listing, "+15550000003"))
	if !errors.Is(err, store.ErrInsufficientReservations) {
		t.Fatalf("expected ErrInsufficientReservations on third lead, got %v", err)
	}
	if s1.LeadsDelivered+s2.LeadsDelivered != 2 {
		t.Fatal("failed distribution must not bump delivery counters")
	}
}

func TestDistributeLead_RejectsMissingPhone(t *testing.T) {
	listing := activeTestListing("4.00")
	repo := newMarketplaceStub(listing, "10.00")
	svc := NewDistributionService(repo, &publisherStub{}, nil)

	_, err := svc.DistributeLead(context.Background(), leadJob(listing, ""))
	if !errors.Is(err, store.ErrMissingPhoneNumber) {
		t.Fatalf("expected ErrMissingPhoneNumber, got %v", err)
	}
}

func TestDistributeLead_RejectsInactiveListing(t *testing.T) {
	listing := activeTestListing("4.00")
	listing.Status = domain.ListingStatusPaused
	buyerID := uuid.New()
	repo := newMarketplaceStub(listing, "10.00", activeTestSubscription(buyerID, 10))
	svc := NewDistributionService(repo, &publisherStub{}, nil)

	_, err := svc.DistributeLead(context.Background(), leadJob(listing, "+15550000001"))
	if !errors.Is(err, store.ErrListingNotActive) {
		t.Fatalf("expected ErrListingNotActive, got %v", err)
	}
}

func TestDistributeLead_NoEligibleSubscription(t *testing.T) {
	listing := activeTestListing("4.00")
	exhausted := activeTestSubscription(uuid.New(), 1)
	exhausted.LeadsDelivered = 1
	repo := newMarketplaceStub(listing, "10.00", exhausted)
	svc := NewDistributionService(repo, &publisherStub{}, nil)

	_, err := svc.DistributeLead(context.Background(), leadJob(listing, "+15550000001"))
	if !errors.Is(err, store.ErrNoEligibleSubscription) {
		t.Fatalf("expected ErrNoEligibleSubscription, got %v", err)
	}
}

func TestDistributeLead_QueuesMetricsRefresh(t *testing.T) {
	listing := activeTestListing("4.00")
	buyerID := uuid.New()
	repo := newMarketplaceStub(listing, "10.00", activeTestSubscription(buyerID, 10))
	publisher := &publisherStub{}
	svc := NewDistributionService(repo, publisher, nil)

	if _, err := svc.DistributeLead(context.Background(), leadJob(listing, "+15550000001")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(publisher.published) != 1 || publisher.published[0] != RoutingKeyMetricsRefresh {
		t.Fatalf("expected one metrics refresh publish, got %v", publisher.published)
	}
}

func TestRefundDistribution_RestoresStateAndRejectsRepeat(t *testing.T) {
	listing := activeTestListing("4.00")
	buyerID := uuid.New()
	sub := activeTestSubscription(buyerID, 10)
	repo := newMarketplaceStub(listing, "10.00", sub)
	svc := NewDistributionService(repo, &publisherStub{}, nil)
	ctx := context.Background()

	result, err := svc.DistributeLead(ctx, leadJob(listing, "+15550000001"))
	if err != nil {
		t.Fatalf("distribution failed: %v", err)
	}

	refunded, err := svc.RefundDistribution(ctx, listing.TenantID, result.Distribution.ID)
	if err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	if refunded.Status != domain.DistributionStatusRefunded {
		t.Fatalf("expected refunded status, got %s", refunded.Status)
	}
	if !repo.balance.Equal(decimal.RequireFromString("10.00")) {
		t.Fatalf("expected balance restored to 10.00, got %s", repo.balance)
	}
	if sub.LeadsDelivered != 0 {
		t.Fatalf("expected delivery counter rolled back, got %d", sub.LeadsDelivered)
	}

	_, err = svc.RefundDistribution(ctx, listing.TenantID, result.Distribution.ID)
	if !errors.Is(err, store.ErrDistributionAlreadyRefunded) {
		t.Fatalf("expected ErrDistributionAlreadyRefunded, got %v", err)
	}
	if repo.refundCount != 1 {
		t.Fatalf("expected exactly one refund applied, got %d", repo.refundCount)
	}
}

func TestDistributeLeadAsync_WrapsPublishFailure(t *testing.T) {
	listing := activeTestListing("4.00")
	repo := newMarketplaceStub(listing, "10.00")
	svc := NewDistributionService(repo, &publisherStub{fail: true}, nil)

	err := svc.DistributeLeadAsync(context.Background(), leadJob(listing, "+15550000001"))
	if !errors.Is(err, ErrCouldNotQueue) {
		t.Fatalf("expected ErrCouldNotQueue, got %v", err)
	}
}

func TestMarkFailed_RecordsTerminalFailure(t *testing.T) {
	listing := activeTestListing("4.00")
	repo := newMarketplaceStub(listing, "10.00")
	svc := NewDistributionService(repo, &publisherStub{}, nil)

	err := svc.MarkFailed(context.Background(), leadJob(listing, "+15550000001"), "delivery attempts exhausted")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(repo.failedReasons) != 1 || repo.failedReasons[0] != "delivery attempts exhausted" {
		t.Fatalf("expected failure reason recorded, got %v", repo.failedReasons)
	}
}
