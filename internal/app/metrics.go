/**
 * @description
 * This file implements the listing-metrics service. Metrics are a cached
 * read-side aggregate: every refresh recomputes the numbers from delivered
 * distributions and contact outcomes, then overwrites the cache row. There is
 * no incremental maintenance, so a lost refresh is healed by the next one.
 */

package app

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/leadflow/marketplace-service/internal/domain"
	"github.com/leadflow/marketplace-service/internal/store"
)

// MetricsService maintains the cached per-listing aggregates.
type MetricsService struct {
	repo store.Repository
}

// NewMetricsService creates a new metrics service instance.
func NewMetricsService(repo store.Repository) *MetricsService {
	return &MetricsService{repo: repo}
}

// UpdateListingMetrics recomputes the listing's aggregates from scratch and
// overwrites the cache row.
func (s *MetricsService) UpdateListingMetrics(ctx context.Context, tenantID, listingID uuid.UUID) (*domain.ListingMetrics, error) {
	metrics, err := s.repo.ComputeListingMetrics(ctx, tenantID, listingID)
	if err != nil {
		return nil, fmt.Errorf("failed to compute listing metrics: %w", err)
	}
	if err := s.repo.UpsertListingMetrics(ctx, tenantID, metrics); err != nil {
		return nil, fmt.Errorf("failed to store listing metrics: %w", err)
	}
	log.Printf("level=info component=metrics msg=\"listing metrics refreshed\" tenant=%s listing=%s delivered=%d",
		tenantID, listingID, metrics.TotalLeadsDelivered)
	return metrics, nil
}

// GetListingMetrics returns the cached aggregates for a listing. A listing
// that has never been refreshed reports zero-valued aggregates rather than an
// absent row.
func (s *MetricsService) GetListingMetrics(ctx context.Context, tenantID, listingID uuid.UUID) (*domain.ListingMetrics, error) {
	metrics, err := s.repo.GetListingMetrics(ctx, tenantID, listingID)
	if err != nil {
		return nil, err
	}
	if metrics == nil {
		return &domain.ListingMetrics{ListingID: listingID}, nil
	}
	return metrics, nil
}
