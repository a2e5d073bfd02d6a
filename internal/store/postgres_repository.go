/**
 * @description
 * This file implements the `Repository` interface against PostgreSQL using the
 * pgx connection pool. Every check-then-mutate sequence runs inside a database
 * transaction with `SELECT ... FOR UPDATE` row locks, so concurrent consumers
 * can never over-spend an account or over-fill a subscription.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5, github.com/jackc/pgx/v5/pgxpool: PostgreSQL driver.
 * - github.com/shopspring/decimal: Exact decimal arithmetic for balances.
 * - internal/domain: Domain models.
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
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/leadflow/marketplace-service/internal/domain"
	"github.com/shopspring/decimal"
)

// Sentinel errors surfaced to the service layer. Handlers and queue consumers
// match these with errors.Is to decide between reject, retry, and drop.
var (
	ErrListingNotFound             = errors.New("listing not found")
	ErrListingNotActive            = errors.New("listing is not active")
	ErrSubscriptionNotFound        = errors.New("subscription not found")
	ErrSubscriptionQuotaExceeded   = errors.New("subscription lead quota exceeded")
	ErrNoEligibleSubscription      = errors.New("no eligible subscription for listing")
	ErrInsufficientReservations    = errors.New("insufficient lead reservations")
	ErrNoActiveExchangeRate        = errors.New("no active exchange rate configured")
	ErrDistributionNotFound        = errors.New("distribution not found")
	ErrDistributionNotRefundable   = errors.New("distribution is not in a refundable state")
	ErrDistributionAlreadyRefunded = errors.New("distribution already refunded")
	ErrRefundAlreadyApplied        = errors.New("refund already applied for this distribution")
	ErrMissingPhoneNumber          = errors.New("contact phone number is required")
	ErrCampaignNotFound            = errors.New("linked campaign not found")
)

// PostgresRepository is the pgx-backed implementation of Repository.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a repository bound to the given pool.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// uniqueViolation reports whether err is a PostgreSQL unique-constraint
// violation, optionally on a specific constraint name.
func uniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

func marshalMetadata(metadata map[string]interface{}) ([]byte, error) {
	if len(metadata) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(metadata)
}

// ---------------------------------------------------------------------------
// Reservation ledger
// ---------------------------------------------------------------------------

// GetAccountBalance returns the account's balance, or zero when no account
// row exists yet. Read paths never create accounts.
func (r *PostgresRepository) GetAccountBalance(ctx context.Context, tenantID, userID uuid.UUID) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := r.db.QueryRow(ctx,
		`SELECT balance FROM reservation_accounts WHERE tenant_id = $1 AND user_id = $2`,
		tenantID, userID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return balance, nil
}

// CreditAccount atomically increments the balance and appends the ledger row.
// The account is created lazily when missing.
func (r *PostgresRepository) CreditAccount(ctx context.Context, p LedgerEntryParams) (*domain.ReservationAccount, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	account, err := lockOrCreateAccount(ctx, tx, p.TenantID, p.UserID)
	if err != nil {
		return nil, err
	}

	account.Balance = account.Balance.Add(p.Amount)
	if err := applyLedgerEntry(ctx, tx, account, p, p.Amount); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return account, nil
}

// DebitAccount atomically decrements the balance and appends the ledger row.
// The balance check happens under the row lock, so concurrent debits against
// one account serialize and can never drive the balance negative.
func (r *PostgresRepository) DebitAccount(ctx context.Context, p LedgerEntryParams) (*domain.ReservationAccount, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	account, err := lockOrCreateAccount(ctx, tx, p.TenantID, p.UserID)
	if err != nil {
		return nil, err
	}

	if account.Balance.LessThan(p.Amount) {
		return nil, ErrInsufficientReservations
	}

	account.Balance = account.Balance.Sub(p.Amount)
	if err := applyLedgerEntry(ctx, tx, account, p, p.Amount.Neg()); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return account, nil
}

// lockOrCreateAccount loads the account row FOR UPDATE, inserting it first
// when the (tenant, user) pair has never held a balance.
func lockOrCreateAccount(ctx context.Context, tx pgx.Tx, tenantID, userID uuid.UUID) (*domain.ReservationAccount, error) {
	_, err := tx.Exec(ctx, `
		INSERT INTO reservation_accounts (tenant_id, user_id, balance)
		VALUES ($1, $2, 0)
		ON CONFLICT (tenant_id, user_id) DO NOTHING
	`, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure account row: %w", err)
	}

	account := &domain.ReservationAccount{TenantID: tenantID, UserID: userID}
	err = tx.QueryRow(ctx, `
		SELECT balance, created_at, updated_at
		FROM reservation_accounts
		WHERE tenant_id = $1 AND user_id = $2
		FOR UPDATE
	`, tenantID, userID).Scan(&account.Balance, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to lock account row: %w", err)
	}
	return account, nil
}

// applyLedgerEntry writes the new balance and the append-only log row. The
// signedAmount is positive for credits and negative for debits.
func applyLedgerEntry(ctx context.Context, tx pgx.Tx, account *domain.ReservationAccount, p LedgerEntryParams, signedAmount decimal.Decimal) error {
	_, err := tx.Exec(ctx, `
		UPDATE reservation_accounts
		SET balance = $3, updated_at = NOW()
		WHERE tenant_id = $1 AND user_id = $2
	`, p.TenantID, p.UserID, account.Balance)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}

	metadata, err := marshalMetadata(p.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger metadata: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO reservation_transactions (id, tenant_id, user_id, type, amount, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.New(), p.TenantID, p.UserID, p.Type, signedAmount, metadata)
	if err != nil {
		if uniqueViolation(err, "uq_refund_per_distribution") {
			return ErrRefundAlreadyApplied
		}
		return fmt.Errorf("failed to append ledger transaction: %w", err)
	}
	return nil
}

// ListReservationTransactions returns the ledger log for one account, newest first.
func (r *PostgresRepository) ListReservationTransactions(ctx context.Context, tenantID, userID uuid.UUID, limit, offset int) ([]domain.ReservationTransaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, tenant_id, user_id, type, amount, metadata, created_at
		FROM reservation_transactions
		WHERE tenant_id = $1 AND user_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`, tenantID, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.ReservationTransaction
	for rows.Next() {
		var item domain.ReservationTransaction
		var metadata []byte
		if err := rows.Scan(&item.ID, &item.TenantID, &item.UserID, &item.Type, &item.Amount, &metadata, &item.CreatedAt); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &item.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode transaction metadata: %w", err)
			}
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ---------------------------------------------------------------------------
// Exchange rates
// ---------------------------------------------------------------------------

// GetActiveExchangeRate returns the single open-window rate row.
func (r *PostgresRepository) GetActiveExchangeRate(ctx context.Context) (*domain.ExchangeRate, error) {
	var rate domain.ExchangeRate
	err := r.db.QueryRow(ctx, `
		SELECT id, rate, effective_from, effective_to, created_by, created_at
		FROM exchange_rates
		WHERE effective_to IS NULL
	`).Scan(&rate.ID, &rate.Rate, &rate.EffectiveFrom, &rate.EffectiveTo, &rate.CreatedBy, &rate.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoActiveExchangeRate
		}
		return nil, err
	}
	return &rate, nil
}

// InsertExchangeRate closes the open rate window and opens a new one at the
// same instant. The partial unique index on (effective_to IS NULL) is the
// safety net against two concurrent setters both opening a window.
func (r *PostgresRepository) InsertExchangeRate(ctx context.Context, rateValue decimal.Decimal, createdBy uuid.UUID, effectiveFrom time.Time) (*domain.ExchangeRate, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE exchange_rates SET effective_to = $1 WHERE effective_to IS NULL
	`, effectiveFrom)
	if err != nil {
		return nil, fmt.Errorf("failed to close active rate window: %w", err)
	}

	rate := &domain.ExchangeRate{
		ID:            uuid.New(),
		Rate:          rateValue,
		EffectiveFrom: effectiveFrom,
		CreatedBy:     createdBy,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO exchange_rates (id, rate, effective_from, created_by)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, rate.ID, rate.Rate, rate.EffectiveFrom, rate.CreatedBy).Scan(&rate.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert exchange rate: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return rate, nil
}

// ---------------------------------------------------------------------------
// Listings
// ---------------------------------------------------------------------------

const listingColumns = `id, tenant_id, marketer_id, name, description, price_per_lead,
	status, lead_parameters, weight_distribution, is_verified, campaign_id, created_at, updated_at`

func scanListing(row pgx.Row) (*domain.Listing, error) {
	var listing domain.Listing
	var leadParams, weights []byte
	err := row.Scan(
		&listing.ID,
		&listing.TenantID,
		&listing.MarketerID,
		&listing.Name,
		&listing.Description,
		&listing.PricePerLead,
		&listing.Status,
		&leadParams,
		&weights,
		&listing.IsVerified,
		&listing.CampaignID,
		&listing.CreatedAt,
		&listing.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(leadParams) > 0 {
		if err := json.Unmarshal(leadParams, &listing.LeadParameters); err != nil {
			return nil, fmt.Errorf("failed to decode lead parameters: %w", err)
		}
	}
	if len(weights) > 0 {
		if err := json.Unmarshal(weights, &listing.WeightDistribution); err != nil {
			return nil, fmt.Errorf("failed to decode weight distribution: %w", err)
		}
	}
	return &listing, nil
}

// CreateListing inserts a new draft listing.
func (r *PostgresRepository) CreateListing(ctx context.Context, listing *domain.Listing) error {
	leadParams, err := marshalMetadata(listing.LeadParameters)
	if err != nil {
		return fmt.Errorf("failed to marshal lead parameters: %w", err)
	}
	weights, err := json.Marshal(listing.WeightDistribution)
	if err != nil {
		return fmt.Errorf("failed to marshal weight distribution: %w", err)
	}
	if listing.WeightDistribution == nil {
		weights = []byte("{}")
	}

	return r.db.QueryRow(ctx, `
		INSERT INTO listings (id, tenant_id, marketer_id, name, description, price_per_lead,
			status, lead_parameters, weight_distribution, is_verified, campaign_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`, listing.ID, listing.TenantID, listing.MarketerID, listing.Name, listing.Description,
		listing.PricePerLead, listing.Status, leadParams, weights, listing.IsVerified,
		listing.CampaignID,
	).Scan(&listing.CreatedAt, &listing.UpdatedAt)
}

// FindListingByID loads one tenant-scoped listing.
func (r *PostgresRepository) FindListingByID(ctx context.Context, tenantID, listingID uuid.UUID) (*domain.Listing, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE tenant_id = $1 AND id = $2`,
		tenantID, listingID)
	listing, err := scanListing(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrListingNotFound
		}
		return nil, err
	}
	return listing, nil
}

// ListListingsByMarketer returns a marketer's listings, newest first.
func (r *PostgresRepository) ListListingsByMarketer(ctx context.Context, tenantID, marketerID uuid.UUID) ([]domain.Listing, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+listingColumns+` FROM listings
		 WHERE tenant_id = $1 AND marketer_id = $2 AND status != $3
		 ORDER BY created_at DESC`,
		tenantID, marketerID, domain.ListingStatusArchived)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []domain.Listing
	for rows.Next() {
		listing, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, *listing)
	}
	return listings, rows.Err()
}

// UpdateListingStatus transitions a listing's status.
func (r *PostgresRepository) UpdateListingStatus(ctx context.Context, tenantID, listingID uuid.UUID, status string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE listings SET status = $3, updated_at = NOW() WHERE tenant_id = $1 AND id = $2`,
		tenantID, listingID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrListingNotFound
	}
	return nil
}

// UpdateListingWeightDistribution replaces the allocation weight map.
func (r *PostgresRepository) UpdateListingWeightDistribution(ctx context.Context, tenantID, listingID uuid.UUID, weights map[string]decimal.Decimal) error {
	encoded, err := json.Marshal(weights)
	if err != nil {
		return fmt.Errorf("failed to marshal weight distribution: %w", err)
	}
	if weights == nil {
		encoded = []byte("{}")
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE listings SET weight_distribution = $3, updated_at = NOW() WHERE tenant_id = $1 AND id = $2`,
		tenantID, listingID, encoded)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrListingNotFound
	}
	return nil
}

// CampaignExists checks the CRM-owned campaigns table at listing link time.
func (r *PostgresRepository) CampaignExists(ctx context.Context, tenantID, campaignID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM campaigns WHERE tenant_id = $1 AND id = $2)`,
		tenantID, campaignID).Scan(&exists)
	return exists, err
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

const subscriptionColumns = `id, tenant_id, listing_id, buyer_id, status, lead_count,
	leads_delivered, lead_reservations_spent, priority, start_date, end_date, created_at, updated_at`

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := row.Scan(
		&sub.ID,
		&sub.TenantID,
		&sub.ListingID,
		&sub.BuyerID,
		&sub.Status,
		&sub.LeadCount,
		&sub.LeadsDelivered,
		&sub.LeadReservationsSpent,
		&sub.Priority,
		&sub.StartDate,
		&sub.EndDate,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// CreateSubscription inserts a new subscription row.
func (r *PostgresRepository) CreateSubscription(ctx context.Context, sub *domain.Subscription) error {
	return r.db.QueryRow(ctx, `
		INSERT INTO subscriptions (id, tenant_id, listing_id, buyer_id, status, lead_count,
			leads_delivered, lead_reservations_spent, priority, start_date, end_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`, sub.ID, sub.TenantID, sub.ListingID, sub.BuyerID, sub.Status, sub.LeadCount,
		sub.LeadsDelivered, sub.LeadReservationsSpent, sub.Priority, sub.StartDate, sub.EndDate,
	).Scan(&sub.CreatedAt, &sub.UpdatedAt)
}

// FindSubscriptionByID loads one tenant-scoped subscription.
func (r *PostgresRepository) FindSubscriptionByID(ctx context.Context, tenantID, subscriptionID uuid.UUID) (*domain.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE tenant_id = $1 AND id = $2`,
		tenantID, subscriptionID)
	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return sub, nil
}

// FindActiveSubscriptionsForListing returns the allocation candidates for a
// listing: active, inside their date window, ordered by priority with FIFO
// fairness at equal priority.
func (r *PostgresRepository) FindActiveSubscriptionsForListing(ctx context.Context, tenantID, listingID uuid.UUID, now time.Time) ([]domain.Subscription, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE tenant_id = $1 AND listing_id = $2 AND status = $3
		   AND start_date <= $4 AND end_date >= $4
		 ORDER BY priority DESC, created_at ASC`,
		tenantID, listingID, domain.SubscriptionStatusActive, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// UpdateSubscriptionStatus transitions a subscription's status.
func (r *PostgresRepository) UpdateSubscriptionStatus(ctx context.Context, tenantID, subscriptionID uuid.UUID, status string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions SET status = $3, updated_at = NOW() WHERE tenant_id = $1 AND id = $2`,
		tenantID, subscriptionID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Listing metrics
// ---------------------------------------------------------------------------

// ComputeListingMetrics recomputes the read-side aggregates by scanning
// delivered distributions joined to their contacts. The result is not
// persisted; callers pass it to UpsertListingMetrics.
func (r *PostgresRepository) ComputeListingMetrics(ctx context.Context, tenantID, listingID uuid.UUID) (*domain.ListingMetrics, error) {
	metrics := &domain.ListingMetrics{ListingID: listingID, RefreshedAt: time.Now().UTC()}

	var contacted, dnc, sold int
	err := r.db.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE c.lead_status IN ('contacted', 'qualified', 'sold')),
			COUNT(*) FILTER (WHERE c.lead_status = 'do_not_call'),
			COUNT(*) FILTER (WHERE c.lead_status = 'sold')
		FROM lead_distributions d
		JOIN contacts c ON c.id = d.contact_id
		WHERE d.tenant_id = $1 AND d.listing_id = $2 AND d.status = $3
	`, tenantID, listingID, domain.DistributionStatusDelivered).Scan(
		&metrics.TotalLeadsDelivered, &contacted, &dnc, &sold)
	if err != nil {
		return nil, err
	}

	metrics.SoldCount = sold
	if metrics.TotalLeadsDelivered > 0 {
		total := decimal.NewFromInt(int64(metrics.TotalLeadsDelivered))
		metrics.ContactRate = decimal.NewFromInt(int64(contacted)).Div(total).Round(4)
		metrics.DNCRate = decimal.NewFromInt(int64(dnc)).Div(total).Round(4)
	}
	return metrics, nil
}

// UpsertListingMetrics writes the cached aggregate row.
func (r *PostgresRepository) UpsertListingMetrics(ctx context.Context, tenantID uuid.UUID, metrics *domain.ListingMetrics) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO listing_metrics (tenant_id, listing_id, total_leads_delivered, contact_rate, dnc_rate, sold_count, refreshed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, listing_id) DO UPDATE SET
			total_leads_delivered = EXCLUDED.total_leads_delivered,
			contact_rate = EXCLUDED.contact_rate,
			dnc_rate = EXCLUDED.dnc_rate,
			sold_count = EXCLUDED.sold_count,
			refreshed_at = EXCLUDED.refreshed_at
	`, tenantID, metrics.ListingID, metrics.TotalLeadsDelivered, metrics.ContactRate,
		metrics.DNCRate, metrics.SoldCount, metrics.RefreshedAt)
	return err
}

// GetListingMetrics loads the cached aggregate row, if one exists.
func (r *PostgresRepository) GetListingMetrics(ctx context.Context, tenantID, listingID uuid.UUID) (*domain.ListingMetrics, error) {
	var metrics domain.ListingMetrics
	err := r.db.QueryRow(ctx, `
		SELECT listing_id, total_leads_delivered, contact_rate, dnc_rate, sold_count, refreshed_at
		FROM listing_metrics
		WHERE tenant_id = $1 AND listing_id = $2
	`, tenantID, listingID).Scan(
		&metrics.ListingID, &metrics.TotalLeadsDelivered, &metrics.ContactRate,
		&metrics.DNCRate, &metrics.SoldCount, &metrics.RefreshedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &metrics, nil
}
