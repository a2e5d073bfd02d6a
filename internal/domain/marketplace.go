/**
 * @description
 * This file defines the core domain models for the marketplace-service: lead
 * listings, buyer subscriptions, lead distributions, and the derived listing
 * metrics. These structs map directly to the corresponding database tables and
 * are shared by the store, service, and API layers.
 *
 * @notes
 * - Monetary values (prices, reservation amounts) use shopspring/decimal so
 *   fractional lead prices and exchange rates never lose precision.
 * - Every marketplace row is tenant-scoped; the tenant id always travels with
 *   the entity rather than being implied by the connection.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Listing statuses. Only active listings accept lead distribution.
const (
	ListingStatusDraft    = "draft"
	ListingStatusActive   = "active"
	ListingStatusPaused   = "paused"
	ListingStatusArchived = "archived"
)

// Subscription statuses.
const (
	SubscriptionStatusActive    = "active"
	SubscriptionStatusPaused    = "paused"
	SubscriptionStatusCancelled = "cancelled"
	SubscriptionStatusCompleted = "completed"
)

// LeadDistribution statuses. The lifecycle is pending -> delivered -> refunded,
// or pending -> failed when the queue exhausts its delivery attempts.
const (
	DistributionStatusPending   = "pending"
	DistributionStatusDelivered = "delivered"
	DistributionStatusFailed    = "failed"
	DistributionStatusRefunded  = "refunded"
)

// Listing is a marketer-owned sellable stream of leads at a fixed price per lead.
type Listing struct {
	ID                 uuid.UUID                  `json:"id"`
	TenantID           uuid.UUID                  `json:"tenant_id"`
	MarketerID         uuid.UUID                  `json:"marketer_id"`
	Name               string                     `json:"name"`
	Description        string                     `json:"description"`
	PricePerLead       decimal.Decimal            `json:"price_per_lead"`
	Status             string                     `json:"status"`
	LeadParameters     map[string]interface{}     `json:"lead_parameters,omitempty"`
	WeightDistribution map[string]decimal.Decimal `json:"weight_distribution,omitempty"`
	IsVerified         bool                       `json:"is_verified"`
	CampaignID         *uuid.UUID                 `json:"campaign_id,omitempty"`
	CreatedAt          time.Time                  `json:"created_at"`
	UpdatedAt          time.Time                  `json:"updated_at"`
}

// Subscription is a buyer's standing order against a listing for up to
// LeadCount leads inside the [StartDate, EndDate] window.
type Subscription struct {
	ID                    uuid.UUID       `json:"id"`
	TenantID              uuid.UUID       `json:"tenant_id"`
	ListingID             uuid.UUID       `json:"listing_id"`
	BuyerID               uuid.UUID       `json:"buyer_id"`
	Status                string          `json:"status"`
	LeadCount             int             `json:"lead_count"`
	LeadsDelivered        int             `json:"leads_delivered"`
	LeadReservationsSpent decimal.Decimal `json:"lead_reservations_spent"`
	Priority              int             `json:"priority"`
	StartDate             time.Time       `json:"start_date"`
	EndDate               time.Time       `json:"end_date"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// EligibleAt reports whether the subscription can receive a lead at the given
// instant: it must be active, inside its date window, and under quota.
func (s *Subscription) EligibleAt(now time.Time) bool {
	if s.Status != SubscriptionStatusActive {
		return false
	}
	if now.Before(s.StartDate) || now.After(s.EndDate) {
		return false
	}
	return s.LeadsDelivered < s.LeadCount
}

// LeadDistribution records the routing of one incoming lead to one
// subscription. LeadReservationsCharged snapshots the listing price at charge
// time, so a later price change never alters the refundable amount.
type LeadDistribution struct {
	ID                      uuid.UUID       `json:"id"`
	TenantID                uuid.UUID       `json:"tenant_id"`
	ListingID               uuid.UUID       `json:"listing_id"`
	SubscriptionID          uuid.UUID       `json:"subscription_id"`
	ContactID               uuid.UUID       `json:"contact_id"`
	Status                  string          `json:"status"`
	LeadReservationsCharged decimal.Decimal `json:"lead_reservations_charged"`
	FailureReason           *string         `json:"failure_reason,omitempty"`
	DeliveredAt             *time.Time      `json:"delivered_at,omitempty"`
	CreatedAt               time.Time       `json:"created_at"`
}

// ListingMetrics is the cached read-side aggregate for a listing. It is
// recomputed from delivered distributions, never incrementally maintained.
type ListingMetrics struct {
	ListingID           uuid.UUID       `json:"listing_id"`
	TotalLeadsDelivered int             `json:"total_leads_delivered"`
	ContactRate         decimal.Decimal `json:"contact_rate"`
	DNCRate             decimal.Decimal `json:"dnc_rate"`
	SoldCount           int             `json:"sold_count"`
	RefreshedAt         time.Time       `json:"refreshed_at"`
}

// Contact is the CRM-owned contact record, extended with the marketplace
// columns this service stamps during distribution. The service upserts by
// (tenant, phone number) and never deletes contacts.
type Contact struct {
	ID                        uuid.UUID              `json:"id"`
	TenantID                  uuid.UUID              `json:"tenant_id"`
	PhoneNumber               string                 `json:"phone_number"`
	FirstName                 *string                `json:"first_name,omitempty"`
	LastName                  *string                `json:"last_name,omitempty"`
	Email                     *string                `json:"email,omitempty"`
	LeadStatus                *string                `json:"lead_status,omitempty"`
	MarketplaceListingID      *uuid.UUID             `json:"marketplace_listing_id,omitempty"`
	MarketplaceSubscriptionID *uuid.UUID             `json:"marketplace_subscription_id,omitempty"`
	MarketplaceDistributionID *uuid.UUID             `json:"marketplace_distribution_id,omitempty"`
	MarketplaceMetadata       map[string]interface{} `json:"marketplace_metadata,omitempty"`
	CreatedAt                 time.Time              `json:"created_at"`
	UpdatedAt                 time.Time              `json:"updated_at"`
}

// ContactData carries the incoming lead fields captured at the ingestion
// boundary before a contact row exists.
type ContactData struct {
	PhoneNumber string                 `json:"phone_number"`
	FirstName   *string                `json:"first_name,omitempty"`
	LastName    *string                `json:"last_name,omitempty"`
	Email       *string                `json:"email,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// CreateListingRequest is the DTO for creating a draft listing.
type CreateListingRequest struct {
	Name           string                 `json:"name"`
	Description    string                 `json:"description"`
	PricePerLead   decimal.Decimal        `json:"price_per_lead"`
	LeadParameters map[string]interface{} `json:"lead_parameters,omitempty"`
	CampaignID     *uuid.UUID             `json:"campaign_id,omitempty"`
}

// CreateSubscriptionRequest is the DTO for subscribing a buyer to a listing.
type CreateSubscriptionRequest struct {
	ListingID uuid.UUID `json:"listing_id"`
	LeadCount int       `json:"lead_count"`
	Priority  int       `json:"priority"`
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
}
