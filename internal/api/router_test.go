package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/leadflow/marketplace-service/internal/app"
	"github.com/leadflow/marketplace-service/internal/domain"
	"github.com/leadflow/marketplace-service/internal/store"
)

const testJWTSecret = "router-test-secret"

func signTestToken(t *testing.T, tenantID, userID uuid.UUID) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"tenant_id": tenantID.String(),
		"sub":       userID.String(),
		"exp":       time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

// metricsStoreStub backs the metrics routes with an in-memory aggregate.
type metricsStoreStub struct {
	store.Repository

	computed int
	upserted int
}

func (s *metricsStoreStub) ComputeListingMetrics(ctx context.Context, tenantID, listingID uuid.UUID) (*domain.ListingMetrics, error) {
	s.computed++
	return &domain.ListingMetrics{ListingID: listingID, TotalLeadsDelivered: 7, RefreshedAt: time.Now().UTC()}, nil
}

func (s *metricsStoreStub) UpsertListingMetrics(ctx context.Context, tenantID uuid.UUID, metrics *domain.ListingMetrics) error {
	s.upserted++
	return nil
}

func (s *metricsStoreStub) GetListingMetrics(ctx context.Context, tenantID, listingID uuid.UUID) (*domain.ListingMetrics, error) {
	return nil, nil
}

func newMetricsRouter(repo *metricsStoreStub) http.Handler {
	h := NewMarketplaceHandlers(nil, nil, nil, nil, app.NewMetricsService(repo), nil, 0)
	return MarketplaceRoutes(h, testJWTSecret, "internal-key")
}

func TestRefreshListingMetricsRoute_RecomputesSynchronously(t *testing.T) {
	repo := &metricsStoreStub{}
	router := newMetricsRouter(repo)

	listingID := uuid.New()
	req := httptest.NewRequest(http.MethodPost, "/listings/"+listingID.String()+"/metrics/refresh", nil)
	req.Header.Set("Authorization", "Bearer "+signTestToken(t, uuid.New(), uuid.New()))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if repo.computed != 1 || repo.upserted != 1 {
		t.Fatalf("expected one synchronous recompute and store, got compute=%d upsert=%d", repo.computed, repo.upserted)
	}
	if !strings.Contains(rec.Body.String(), `"total_leads_delivered":7`) {
		t.Fatalf("expected fresh aggregates in response, got %s", rec.Body.String())
	}
}

func TestRefreshListingMetricsRoute_RequiresAuth(t *testing.T) {
	router := newMetricsRouter(&metricsStoreStub{})

	req := httptest.NewRequest(http.MethodPost, "/listings/"+uuid.New().String()+"/metrics/refresh", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", rec.Code)
	}
}

func TestGetListingMetricsRoute_UncachedListingReturnsZeroAggregate(t *testing.T) {
	router := newMetricsRouter(&metricsStoreStub{})

	listingID := uuid.New()
	req := httptest.NewRequest(http.MethodGet, "/listings/"+listingID.String()+"/metrics", nil)
	req.Header.Set("Authorization", "Bearer "+signTestToken(t, uuid.New(), uuid.New()))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := strings.TrimSpace(rec.Body.String())
	if body == "null" {
		t.Fatal("expected a zero-valued aggregate, got a null body")
	}
	if !strings.Contains(body, `"total_leads_delivered":0`) || !strings.Contains(body, listingID.String()) {
		t.Fatalf("unexpected body for uncached listing: %s", body)
	}
}
