/**
 * @description
 * This file implements the transactional heart of the marketplace: the atomic
 * distribution commit and its compensating refund. Both operations run as a
 * single database transaction so a crash mid-sequence can never leave a
 * charge without a delivered record, or a delivered record without a charge.
 *
 * Lock ordering inside the commit is subscription -> account -> contact. The
 * refund takes distribution -> subscription -> account. Subscription and
 * account locks are the ones that matter for correctness: they serialize the
 * quota check and the balance check against concurrent consumers.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/leadflow/marketplace-service/internal/domain"
)

// CommitDistribution executes the charge-and-deliver sequence atomically:
// re-check quota and balance under row locks, upsert the contact by phone,
// insert the distribution with a price snapshot, append the SPEND ledger row,
// debit the balance, bump the subscription counters, and flip the
// distribution to delivered.
func (r *PostgresRepository) CommitDistribution(ctx context.Context, p CommitDistributionParams) (*CommitDistributionResult, error) {
	if p.ContactData.PhoneNumber == "" {
		return nil, ErrMissingPhoneNumber
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Lock the subscription and re-validate eligibility. The pre-checks the
	// orchestrator ran are advisory; this check is the authoritative one.
	var subStatus string
	var leadCount, leadsDelivered int
	var startDate, endDate time.Time
	err = tx.QueryRow(ctx, `
		SELECT status, lead_count, leads_delivered, start_date, end_date
		FROM subscriptions
		WHERE tenant_id = $1 AND id = $2
		FOR UPDATE
	`, p.TenantID, p.SubscriptionID).Scan(&subStatus, &leadCount, &leadsDelivered, &startDate, &endDate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to lock subscription: %w", err)
	}
	now := time.Now().UTC()
	if subStatus != domain.SubscriptionStatusActive || now.Before(startDate) || now.After(endDate) {
		return nil, ErrNoEligibleSubscription
	}
	if leadsDelivered >= leadCount {
		return nil, ErrSubscriptionQuotaExceeded
	}

	// 2. Lock the buyer's account and re-check the balance.
	account, err := lockOrCreateAccount(ctx, tx, p.TenantID, p.BuyerID)
	if err != nil {
		return nil, err
	}
	if account.Balance.LessThan(p.PricePerLead) {
		return nil, ErrInsufficientReservations
	}

	// 3. Upsert the contact by (tenant, phone), merging marketplace metadata
	// onto an existing record rather than replacing it.
	contact, err := upsertContactByPhone(ctx, tx, p.TenantID, p.ContactData)
	if err != nil {
		return nil, err
	}

	// 4. Insert the distribution with the price snapshot.
	distribution := &domain.LeadDistribution{
		ID:                      uuid.New(),
		TenantID:                p.TenantID,
		ListingID:               p.ListingID,
		SubscriptionID:          p.SubscriptionID,
		ContactID:               contact.ID,
		Status:                  domain.DistributionStatusPending,
		LeadReservationsCharged: p.PricePerLead,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO lead_distributions (id, tenant_id, listing_id, subscription_id, contact_id, status, lead_reservations_charged)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, distribution.ID, distribution.TenantID, distribution.ListingID, distribution.SubscriptionID,
		distribution.ContactID, distribution.Status, distribution.LeadReservationsCharged,
	).Scan(&distribution.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert distribution: %w", err)
	}

	// 5. Stamp the contact with its marketplace linkage.
	_, err = tx.Exec(ctx, `
		UPDATE contacts
		SET marketplace_listing_id = $3,
			marketplace_subscription_id = $4,
			marketplace_distribution_id = $5,
			updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
	`, p.TenantID, contact.ID, p.ListingID, p.SubscriptionID, distribution.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to stamp contact: %w", err)
	}
	contact.MarketplaceListingID = &p.ListingID
	contact.MarketplaceSubscriptionID = &p.SubscriptionID
	contact.MarketplaceDistributionID = &distribution.ID

	// 6. Charge the buyer: debit the balance and append the SPEND ledger row.
	account.Balance = account.Balance.Sub(p.PricePerLead)
	spendMetadata := map[string]interface{}{
		"listing_id":      p.ListingID.String(),
		"subscription_id": p.SubscriptionID.String(),
		"distribution_id": distribution.ID.String(),
	}
	entry := LedgerEntryParams{
		TenantID: p.TenantID,
		UserID:   p.BuyerID,
		Type:     domain.ReservationTxSpend,
		Amount:   p.PricePerLead,
		Metadata: spendMetadata,
	}
	if err := applyLedgerEntry(ctx, tx, account, entry, p.PricePerLead.Neg()); err != nil {
		return nil, err
	}

	// 7. Bump the subscription counters; a filled quota completes the subscription.
	newStatus := domain.SubscriptionStatusActive
	if leadsDelivered+1 >= leadCount {
		newStatus = domain.SubscriptionStatusCompleted
	}
	_, err = tx.Exec(ctx, `
		UPDATE subscriptions
		SET leads_delivered = leads_delivered + 1,
			lead_reservations_spent = lead_reservations_spent + $3,
			status = $4,
			updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
	`, p.TenantID, p.SubscriptionID, p.PricePerLead, newStatus)
	if err != nil {
		return nil, fmt.Errorf("failed to update subscription counters: %w", err)
	}

	// 8. Flip the distribution to delivered.
	deliveredAt := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		UPDATE lead_distributions SET status = $3, delivered_at = $4 WHERE tenant_id = $1 AND id = $2
	`, p.TenantID, distribution.ID, domain.DistributionStatusDelivered, deliveredAt)
	if err != nil {
		return nil, fmt.Errorf("failed to mark distribution delivered: %w", err)
	}
	distribution.Status = domain.DistributionStatusDelivered
	distribution.DeliveredAt = &deliveredAt

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit distribution: %w", err)
	}
	return &CommitDistributionResult{Distribution: distribution, Contact: contact}, nil
}

// upsertContactByPhone creates the contact or merges the incoming lead fields
// onto the existing record matched by phone number within the tenant.
func upsertContactByPhone(ctx context.Context, tx pgx.Tx, tenantID uuid.UUID, data domain.ContactData) (*domain.Contact, error) {
	metadata, err := marshalMetadata(data.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal contact metadata: %w", err)
	}

	contact := &domain.Contact{TenantID: tenantID, PhoneNumber: data.PhoneNumber}
	var merged []byte
	err = tx.QueryRow(ctx, `
		INSERT INTO contacts (id, tenant_id, phone_number, first_name, last_name, email, marketplace_metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, phone_number) DO UPDATE SET
			first_name = COALESCE(EXCLUDED.first_name, contacts.first_name),
			last_name = COALESCE(EXCLUDED.last_name, contacts.last_name),
			email = COALESCE(EXCLUDED.email, contacts.email),
			marketplace_metadata = contacts.marketplace_metadata || EXCLUDED.marketplace_metadata,
			updated_at = NOW()
		RETURNING id, first_name, last_name, email, lead_status, marketplace_metadata, created_at, updated_at
	`, uuid.New(), tenantID, data.PhoneNumber, data.FirstName, data.LastName, data.Email, metadata).Scan(
		&contact.ID, &contact.FirstName, &contact.LastName, &contact.Email,
		&contact.LeadStatus, &merged, &contact.CreatedAt, &contact.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert contact: %w", err)
	}
	if len(merged) > 0 {
		if err := json.Unmarshal(merged, &contact.MarketplaceMetadata); err != nil {
			return nil, fmt.Errorf("failed to decode contact metadata: %w", err)
		}
	}
	return contact, nil
}

// RefundDistribution reverses a delivered distribution: it credits back the
// exact reservations charged at delivery time, appends the REFUND ledger row,
// decrements the subscription counters (floored at zero), and flips the
// distribution to refunded. The unique REFUND-per-distribution index makes a
// concurrent double refund fail with ErrRefundAlreadyApplied.
func (r *PostgresRepository) RefundDistribution(ctx context.Context, tenantID, distributionID uuid.UUID) (*domain.LeadDistribution, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Lock the distribution and validate its state.
	distribution := &domain.LeadDistribution{TenantID: tenantID}
	err = tx.QueryRow(ctx, `
		SELECT id, listing_id, subscription_id, contact_id, status, lead_reservations_charged, delivered_at, created_at
		FROM lead_distributions
		WHERE tenant_id = $1 AND id = $2
		FOR UPDATE
	`, tenantID, distributionID).Scan(
		&distribution.ID, &distribution.ListingID, &distribution.SubscriptionID,
		&distribution.ContactID, &distribution.Status, &distribution.LeadReservationsCharged,
		&distribution.DeliveredAt, &distribution.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDistributionNotFound
		}
		return nil, fmt.Errorf("failed to lock distribution: %w", err)
	}
	if distribution.Status == domain.DistributionStatusRefunded {
		return nil, ErrDistributionAlreadyRefunded
	}
	if distribution.Status != domain.DistributionStatusDelivered {
		return nil, ErrDistributionNotRefundable
	}

	// 2. Lock the subscription to find the buyer and adjust counters.
	var buyerID uuid.UUID
	err = tx.QueryRow(ctx, `
		SELECT buyer_id FROM subscriptions WHERE tenant_id = $1 AND id = $2 FOR UPDATE
	`, tenantID, distribution.SubscriptionID).Scan(&buyerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to lock subscription: %w", err)
	}

	// 3. Credit back exactly what was charged, keyed by distribution id.
	account, err := lockOrCreateAccount(ctx, tx, tenantID, buyerID)
	if err != nil {
		return nil, err
	}
	account.Balance = account.Balance.Add(distribution.LeadReservationsCharged)
	entry := LedgerEntryParams{
		TenantID: tenantID,
		UserID:   buyerID,
		Type:     domain.ReservationTxRefund,
		Amount:   distribution.LeadReservationsCharged,
		Metadata: map[string]interface{}{
			"listing_id":      distribution.ListingID.String(),
			"subscription_id": distribution.SubscriptionID.String(),
			"distribution_id": distribution.ID.String(),
		},
	}
	if err := applyLedgerEntry(ctx, tx, account, entry, distribution.LeadReservationsCharged); err != nil {
		return nil, err
	}

	// 4. Walk the subscription counters back, floored at zero.
	_, err = tx.Exec(ctx, `
		UPDATE subscriptions
		SET leads_delivered = GREATEST(leads_delivered - 1, 0),
			lead_reservations_spent = GREATEST(lead_reservations_spent - $3, 0),
			updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, distribution.SubscriptionID, distribution.LeadReservationsCharged)
	if err != nil {
		return nil, fmt.Errorf("failed to adjust subscription counters: %w", err)
	}

	// 5. Flip the distribution to refunded.
	_, err = tx.Exec(ctx, `
		UPDATE lead_distributions SET status = $3 WHERE tenant_id = $1 AND id = $2
	`, tenantID, distribution.ID, domain.DistributionStatusRefunded)
	if err != nil {
		return nil, fmt.Errorf("failed to mark distribution refunded: %w", err)
	}
	distribution.Status = domain.DistributionStatusRefunded

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit refund: %w", err)
	}
	return distribution, nil
}

// RecordFailedDistribution writes a terminal failed row after the queue has
// exhausted its delivery attempts. No contact or subscription is linked; the
// row exists so operators can see and alert on dead leads.
func (r *PostgresRepository) RecordFailedDistribution(ctx context.Context, p FailedDistributionParams) error {
	metadata, err := marshalMetadata(p.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal failure metadata: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO lead_distributions (id, tenant_id, listing_id, status, lead_reservations_charged, failure_reason, metadata)
		VALUES ($1, $2, $3, $4, 0, $5, $6)
	`, uuid.New(), p.TenantID, p.ListingID, domain.DistributionStatusFailed, p.FailureReason, metadata)
	return err
}

// FindDistributionByID loads one tenant-scoped distribution.
func (r *PostgresRepository) FindDistributionByID(ctx context.Context, tenantID, distributionID uuid.UUID) (*domain.LeadDistribution, error) {
	distribution := &domain.LeadDistribution{TenantID: tenantID}
	var subscriptionID, contactID *uuid.UUID
	err := r.db.QueryRow(ctx, `
		SELECT id, listing_id, subscription_id, contact_id, status, lead_reservations_charged, failure_reason, delivered_at, created_at
		FROM lead_distributions
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, distributionID).Scan(
		&distribution.ID, &distribution.ListingID, &subscriptionID, &contactID,
		&distribution.Status, &distribution.LeadReservationsCharged,
		&distribution.FailureReason, &distribution.DeliveredAt, &distribution.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDistributionNotFound
		}
		return nil, err
	}
	if subscriptionID != nil {
		distribution.SubscriptionID = *subscriptionID
	}
	if contactID != nil {
		distribution.ContactID = *contactID
	}
	return distribution, nil
}
