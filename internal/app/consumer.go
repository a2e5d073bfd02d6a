/**
 * @description
 * This file implements the queue-side message handlers. Each handler decodes
 * one job, invokes the matching service, and maps the outcome to an ack
 * decision: permanent failures are dropped, transient ones are retried until
 * the attempt cap is reached, at which point the distribution handler writes
 * a terminal failed row so the lead is never lost silently.
 *
 * @dependencies
 * - internal/domain, internal/store: Job payloads and sentinel errors.
 * - pkg/rabbitmq: The Decision vocabulary the transport consumer understands.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/leadflow/marketplace-service/internal/store"
	"github.com/leadflow/marketplace-service/pkg/rabbitmq"

	"github.com/leadflow/marketplace-service/internal/domain"
)

const handlerTimeout = 30 * time.Second

// DistributionConsumer processes queued lead-distribution jobs.
type DistributionConsumer struct {
	distributions *DistributionService
}

// NewDistributionConsumer creates a handler bound to the orchestrator.
func NewDistributionConsumer(distributions *DistributionService) *DistributionConsumer {
	return &DistributionConsumer{distributions: distributions}
}

// HandleMessage routes one queued lead. Malformed payloads and permanently
// undeliverable leads are dropped; everything else is retried because the
// blocking condition (empty balance, no eligible subscription, database
// outage) can clear before the next attempt.
func (c *DistributionConsumer) HandleMessage(body []byte, attempt int) rabbitmq.Decision {
	var job domain.DistributionJob
	if err := json.Unmarshal(body, &job); err != nil {
		log.Printf("level=error component=distribution_consumer msg=\"malformed job payload\" err=%v", err)
		return rabbitmq.Drop
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	_, err := c.distributions.DistributeLead(ctx, job)
	if err == nil {
		return rabbitmq.Ack
	}

	switch {
	case errors.Is(err, store.ErrMissingPhoneNumber),
		errors.Is(err, store.ErrListingNotFound),
		errors.Is(err, store.ErrListingNotActive):
		// Nothing about this job can ever succeed.
		log.Printf("level=warn component=distribution_consumer msg=\"dropping undeliverable lead\" tenant=%s listing=%s err=%v",
			job.TenantID, job.ListingID, err)
		return rabbitmq.Drop
	default:
		log.Printf("level=warn component=distribution_consumer msg=\"distribution attempt failed\" tenant=%s listing=%s attempt=%d err=%v",
			job.TenantID, job.ListingID, attempt, err)
		return rabbitmq.Retry
	}
}

// HandleExhausted runs after the final failed attempt. It records a terminal
// failed distribution so operators can audit and manually re-drive the lead.
func (c *DistributionConsumer) HandleExhausted(body []byte, attempts int) {
	var job domain.DistributionJob
	if err := json.Unmarshal(body, &job); err != nil {
		log.Printf("level=error component=distribution_consumer msg=\"exhausted job is also malformed\" err=%v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	reason := "delivery attempts exhausted"
	if err := c.distributions.MarkFailed(ctx, job, reason); err != nil {
		log.Printf("level=error component=distribution_consumer msg=\"failed to dead-letter job\" tenant=%s listing=%s err=%v",
			job.TenantID, job.ListingID, err)
	}
}

// MetricsConsumer processes listing-metrics refresh jobs.
type MetricsConsumer struct {
	metrics *MetricsService
}

// NewMetricsConsumer creates a handler bound to the metrics service.
func NewMetricsConsumer(metrics *MetricsService) *MetricsConsumer {
	return &MetricsConsumer{metrics: metrics}
}

// HandleMessage recomputes one listing's aggregates. Failures are always
// dropped: metrics are a cache and the next delivery queues a fresh refresh.
func (c *MetricsConsumer) HandleMessage(body []byte, attempt int) rabbitmq.Decision {
	var job domain.MetricsRefreshJob
	if err := json.Unmarshal(body, &job); err != nil {
		log.Printf("level=error component=metrics_consumer msg=\"malformed job payload\" err=%v", err)
		return rabbitmq.Drop
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if _, err := c.metrics.UpdateListingMetrics(ctx, job.TenantID, job.ListingID); err != nil {
		log.Printf("level=warn component=metrics_consumer msg=\"metrics refresh failed\" tenant=%s listing=%s err=%v",
			job.TenantID, job.ListingID, err)
		return rabbitmq.Drop
	}
	return rabbitmq.Ack
}
