/**
 * @description
 * This file implements the distribution orchestrator, the heart of the
 * marketplace. Given an incoming lead it selects the winning subscription,
 * then delegates the charge-and-deliver sequence to a single repository
 * transaction: contact upsert, distribution insert, reservation spend,
 * subscription counters, and the delivered flip all commit or roll back
 * together. Post-delivery side effects (metrics refresh, configured event
 * actions) run best-effort after the commit and never undo a delivery.
 *
 * @dependencies
 * - internal/domain, internal/store: Domain models and data access.
 * - pkg/rabbitmq: Publisher for async ingestion and metrics refresh jobs.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/leadflow/marketplace-service/internal/domain"
	"github.com/leadflow/marketplace-service/internal/store"
	"github.com/leadflow/marketplace-service/pkg/rabbitmq"
)

// ErrCouldNotQueue wraps publish failures at the ingestion boundary so the
// API layer can answer 503 instead of dropping the lead silently.
var ErrCouldNotQueue = errors.New("could not queue lead for distribution")

// MarketplaceExchange is the topic exchange all marketplace events flow through.
const MarketplaceExchange = "leadflow.marketplace"

// Routing keys for the marketplace exchange.
const (
	RoutingKeyLeadDistribution = "lead.distribution"
	RoutingKeyMetricsRefresh   = "listing.metrics_refresh"
)

// DistributionService orchestrates routing one incoming lead to one
// subscription.
type DistributionService struct {
	repo      store.Repository
	publisher rabbitmq.Publisher
	actions   domain.ActionDeps

	mu  sync.Mutex
	rng *rand.Rand
}

// NewDistributionService creates a new distribution orchestrator. actions may
// be nil when the CRM side-effect capabilities are not wired (side effects
// are then skipped with a warning).
func NewDistributionService(repo store.Repository, publisher rabbitmq.Publisher, actions domain.ActionDeps) *DistributionService {
	return &DistributionService{
		repo:      repo,
		publisher: publisher,
		actions:   actions,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// DistributeLeadAsync queues the lead for the distribution consumer. This is
// the ingestion fast path: the HTTP handler answers as soon as the job is on
// the queue.
func (s *DistributionService) DistributeLeadAsync(ctx context.Context, job domain.DistributionJob) error {
	if job.ContactData.PhoneNumber == "" {
		return store.ErrMissingPhoneNumber
	}
	if err := s.publisher.Publish(ctx, MarketplaceExchange, RoutingKeyLeadDistribution, job); err != nil {
		log.Printf("level=error component=distribution msg=\"failed to queue lead\" tenant=%s listing=%s err=%v",
			job.TenantID, job.ListingID, err)
		return fmt.Errorf("%w: %v", ErrCouldNotQueue, err)
	}
	log.Printf("level=info component=distribution msg=\"lead queued\" tenant=%s listing=%s", job.TenantID, job.ListingID)
	return nil
}

// DistributeLead routes one lead synchronously. Pre-checks run outside the
// transaction against a possibly stale snapshot; the repository re-validates
// everything under row locks, so a stale winner surfaces as a sentinel error
// and the caller retries with the next delivery.
func (s *DistributionService) DistributeLead(ctx context.Context, job domain.DistributionJob) (*store.CommitDistributionResult, error) {
	if job.ContactData.PhoneNumber == "" {
		return nil, store.ErrMissingPhoneNumber
	}

	listing, err := s.repo.FindListingByID(ctx, job.TenantID, job.ListingID)
	if err != nil {
		return nil, err
	}
	if listing.Status != domain.ListingStatusActive {
		return nil, store.ErrListingNotActive
	}

	now := time.Now().UTC()
	candidates, err := s.repo.FindActiveSubscriptionsForListing(ctx, job.TenantID, job.ListingID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to load subscriptions: %w", err)
	}
	eligible := make([]domain.Subscription, 0, len(candidates))
	for _, c := range candidates {
		if c.EligibleAt(now) {
			eligible = append(eligible, c)
		}
	}

	winner, err := s.selectWinner(listing, eligible)
	if err != nil {
		return nil, err
	}

	// Advisory balance check; the transaction re-checks under the row lock.
	balance, err := s.repo.GetAccountBalance(ctx, job.TenantID, winner.BuyerID)
	if err != nil {
		return nil, fmt.Errorf("failed to check buyer balance: %w", err)
	}
	if balance.LessThan(listing.PricePerLead) {
		return nil, store.ErrInsufficientReservations
	}

	result, err := s.repo.CommitDistribution(ctx, store.CommitDistributionParams{
		TenantID:       job.TenantID,
		ListingID:      job.ListingID,
		SubscriptionID: winner.ID,
		BuyerID:        winner.BuyerID,
		PricePerLead:   listing.PricePerLead,
		ContactData:    job.ContactData,
		Metadata:       job.Metadata,
	})
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=distribution msg=\"lead delivered\" tenant=%s listing=%s subscription=%s distribution=%s charged=%s",
		job.TenantID, job.ListingID, winner.ID, result.Distribution.ID, result.Distribution.LeadReservationsCharged)

	s.afterDelivery(ctx, listing, result)
	return result, nil
}

// GetDistribution loads one distribution record within the tenant.
func (s *DistributionService) GetDistribution(ctx context.Context, tenantID, distributionID uuid.UUID) (*domain.LeadDistribution, error) {
	return s.repo.FindDistributionByID(ctx, tenantID, distributionID)
}

// RefundDistribution reverses a delivered distribution: credit back the
// charged amount, roll back the subscription counters, flip the row to
// refunded. Repeat calls return ErrDistributionAlreadyRefunded.
func (s *DistributionService) RefundDistribution(ctx context.Context, tenantID, distributionID uuid.UUID) (*domain.LeadDistribution, error) {
	dist, err := s.repo.RefundDistribution(ctx, tenantID, distributionID)
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=distribution msg=\"distribution refunded\" tenant=%s distribution=%s amount=%s",
		tenantID, distributionID, dist.LeadReservationsCharged)

	s.publishMetricsRefresh(ctx, tenantID, dist.ListingID, dist.ID)
	return dist, nil
}

// MarkFailed records a terminally failed distribution job after the queue has
// exhausted its delivery attempts. No reservations were charged for a job
// that never committed, so this writes an audit row only.
func (s *DistributionService) MarkFailed(ctx context.Context, job domain.DistributionJob, reason string) error {
	meta := map[string]interface{}{
		"phone_number": job.ContactData.PhoneNumber,
	}
	for k, v := range job.Metadata {
		meta[k] = v
	}
	err := s.repo.RecordFailedDistribution(ctx, store.FailedDistributionParams{
		TenantID:      job.TenantID,
		ListingID:     job.ListingID,
		FailureReason: reason,
		Metadata:      meta,
	})
	if err != nil {
		log.Printf("level=error component=distribution msg=\"failed to record dead-lettered job\" tenant=%s listing=%s err=%v",
			job.TenantID, job.ListingID, err)
		return err
	}
	log.Printf("level=warn component=distribution msg=\"distribution marked failed\" tenant=%s listing=%s reason=%q",
		job.TenantID, job.ListingID, reason)
	return nil
}

func (s *DistributionService) selectWinner(listing *domain.Listing, eligible []domain.Subscription) (*domain.Subscription, error) {
	// rand.Rand is not safe for concurrent use.
	s.mu.Lock()
	defer s.mu.Unlock()
	return SelectSubscription(listing, eligible, s.rng)
}

// afterDelivery runs the best-effort post-commit side effects. Failures are
// logged, never propagated: the delivery already committed.
func (s *DistributionService) afterDelivery(ctx context.Context, listing *domain.Listing, result *store.CommitDistributionResult) {
	s.publishMetricsRefresh(ctx, listing.TenantID, listing.ID, result.Distribution.ID)

	actions, err := domain.ParseEventActions(listing.LeadParameters)
	if err != nil {
		log.Printf("level=error component=distribution msg=\"unparseable post-delivery actions\" listing=%s err=%v", listing.ID, err)
		return
	}
	if len(actions) == 0 {
		return
	}
	if s.actions == nil {
		log.Printf("level=warn component=distribution msg=\"post-delivery actions configured but no action deps wired\" listing=%s", listing.ID)
		return
	}
	for _, action := range actions {
		if err := action.Apply(ctx, s.actions, listing.TenantID, result.Contact.ID); err != nil {
			log.Printf("level=error component=distribution msg=\"post-delivery action failed\" listing=%s contact=%s action=%s err=%v",
				listing.ID, result.Contact.ID, action.Kind(), err)
		}
	}
}

func (s *DistributionService) publishMetricsRefresh(ctx context.Context, tenantID, listingID, distributionID uuid.UUID) {
	if s.publisher == nil {
		return
	}
	job := domain.MetricsRefreshJob{TenantID: tenantID, ListingID: listingID, DistributionID: distributionID}
	if err := s.publisher.Publish(ctx, MarketplaceExchange, RoutingKeyMetricsRefresh, job); err != nil {
		log.Printf("level=warn component=distribution msg=\"failed to queue metrics refresh\" listing=%s err=%v", listingID, err)
	}
}
