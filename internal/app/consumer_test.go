package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leadflow/marketplace-service/internal/domain"
	"github.com/leadflow/marketplace-service/internal/store"
	"github.com/leadflow/marketplace-service/pkg/rabbitmq"
)

func encodeJob(t *testing.T, job domain.DistributionJob) []byte {
	t.Helper()
	body, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("failed to encode job: %v", err)
	}
	return body
}

func TestDistributionConsumer_DropsMalformedPayload(t *testing.T) {
	consumer := NewDistributionConsumer(NewDistributionService(newMarketplaceStub(activeTestListing("4.00"), "0"), &publisherStub{}, nil))

	if decision := consumer.HandleMessage([]byte("{not json"), 1); decision != rabbitmq.Drop {
		t.Fatalf("expected Drop for malformed payload, got %v", decision)
	}
}

func TestDistributionConsumer_DropsUndeliverableLead(t *testing.T) {
	listing := activeTestListing("4.00")
	repo := newMarketplaceStub(listing, "10.00", activeTestSubscription(uuid.New(), 10))
	consumer := NewDistributionConsumer(NewDistributionService(repo, &publisherStub{}, nil))

	// Missing phone number can never succeed.
	noPhone := encodeJob(t, leadJob(listing, ""))
	if decision := consumer.HandleMessage(noPhone, 1); decision != rabbitmq.Drop {
		t.Fatalf("expected Drop for missing phone, got %v", decision)
	}

	// Unknown listing can never succeed either.
	unknown := leadJob(listing, "+15550000001")
	unknown.ListingID = uuid.New()
	if decision := consumer.HandleMessage(encodeJob(t, unknown), 1); decision != rabbitmq.Drop {
		t.Fatalf("expected Drop for unknown listing, got %v", decision)
	}
}

func TestDistributionConsumer_RetriesTransientFailures(t *testing.T) {
	listing := activeTestListing("4.00")
	// Empty balance blocks delivery but can clear once the buyer tops up.
	repo := newMarketplaceStub(listing, "0", activeTestSubscription(uuid.New(), 10))
	consumer := NewDistributionConsumer(NewDistributionService(repo, &publisherStub{}, nil))

	body := encodeJob(t, leadJob(listing, "+15550000001"))
	if decision := consumer.HandleMessage(body, 1); decision != rabbitmq.Retry {
		t.Fatalf("expected Retry for insufficient reservations, got %v", decision)
	}
}

func TestDistributionConsumer_AcksSuccessfulDelivery(t *testing.T) {
	listing := activeTestListing("4.00")
	repo := newMarketplaceStub(listing, "10.00", activeTestSubscription(uuid.New(), 10))
	consumer := NewDistributionConsumer(NewDistributionService(repo, &publisherStub{}, nil))

	body := encodeJob(t, leadJob(listing, "+15550000001"))
	if decision := consumer.HandleMessage(body, 1); decision != rabbitmq.Ack {
		t.Fatalf("expected Ack for successful delivery, got %v", decision)
	}
}

func TestDistributionConsumer_ExhaustionRecordsTerminalFailure(t *testing.T) {
	listing := activeTestListing("4.00")
	repo := newMarketplaceStub(listing, "0", activeTestSubscription(uuid.New(), 10))
	consumer := NewDistributionConsumer(NewDistributionService(repo, &publisherStub{}, nil))

	consumer.HandleExhausted(encodeJob(t, leadJob(listing, "+15550000001")), 5)

	if len(repo.failedReasons) != 1 {
		t.Fatalf("expected one terminal failure recorded, got %d", len(repo.failedReasons))
	}
	if repo.failedReasons[0] != "delivery attempts exhausted" {
		t.Fatalf("unexpected failure reason: %q", repo.failedReasons[0])
	}
}

// metricsRepoStub backs the metrics service and consumer tests.
type metricsRepoStub struct {
	store.Repository

	computeErr error
	upserted   int
	cached     *domain.ListingMetrics
}

func (s *metricsRepoStub) GetListingMetrics(ctx context.Context, tenantID, listingID uuid.UUID) (*domain.ListingMetrics, error) {
	return s.cached, nil
}

func (s *metricsRepoStub) ComputeListingMetrics(ctx context.Context, tenantID, listingID uuid.UUID) (*domain.ListingMetrics, error) {
	if s.computeErr != nil {
		return nil, s.computeErr
	}
	return &domain.ListingMetrics{ListingID: listingID, TotalLeadsDelivered: 3, RefreshedAt: time.Now().UTC()}, nil
}

func (s *metricsRepoStub) UpsertListingMetrics(ctx context.Context, tenantID uuid.UUID, metrics *domain.ListingMetrics) error {
	s.upserted++
	return nil
}

func TestMetricsConsumer_AcksSuccessfulRefresh(t *testing.T) {
	repo := &metricsRepoStub{}
	consumer := NewMetricsConsumer(NewMetricsService(repo))

	body, _ := json.Marshal(domain.MetricsRefreshJob{TenantID: uuid.New(), ListingID: uuid.New()})
	if decision := consumer.HandleMessage(body, 1); decision != rabbitmq.Ack {
		t.Fatalf("expected Ack, got %v", decision)
	}
	if repo.upserted != 1 {
		t.Fatalf("expected one upsert, got %d", repo.upserted)
	}
}

func TestMetricsConsumer_DropsOnFailure(t *testing.T) {
	repo := &metricsRepoStub{computeErr: errors.New("database unavailable")}
	consumer := NewMetricsConsumer(NewMetricsService(repo))

	body, _ := json.Marshal(domain.MetricsRefreshJob{TenantID: uuid.New(), ListingID: uuid.New()})
	if decision := consumer.HandleMessage(body, 1); decision != rabbitmq.Drop {
		t.Fatalf("expected Drop, got %v", decision)
	}
}

func TestMetricsConsumer_DropsMalformedPayload(t *testing.T) {
	consumer := NewMetricsConsumer(NewMetricsService(&metricsRepoStub{}))

	if decision := consumer.HandleMessage([]byte("{not json"), 1); decision != rabbitmq.Drop {
		t.Fatalf("expected Drop, got %v", decision)
	}
}
