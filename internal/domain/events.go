/**
 * @description
 * This file defines the message payloads exchanged over RabbitMQ between the
 * ingestion boundary and the distribution/metrics consumers.
 */

package domain

import "github.com/google/uuid"

// DistributionJob is the work item queued by the public lead-ingestion
// endpoint. The consumer hands it to the distribution orchestrator.
type DistributionJob struct {
	TenantID    uuid.UUID              `json:"tenant_id"`
	ListingID   uuid.UUID              `json:"listing_id"`
	ContactData ContactData            `json:"contact_data"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// MetricsRefreshJob asks the metrics consumer to recompute a listing's
// aggregates after a successful distribution.
type MetricsRefreshJob struct {
	TenantID       uuid.UUID `json:"tenant_id"`
	ListingID      uuid.UUID `json:"listing_id"`
	DistributionID uuid.UUID `json:"distribution_id"`
}
