/**
 * @description
 * This file implements the reservation ledger service: prepaid balance
 * queries, USD purchases at the active exchange rate, spends, refunds, and
 * exchange-rate rotation. The atomicity of each balance mutation lives in the
 * repository; this layer owns validation, rate snapshotting, and metadata.
 *
 * @dependencies
 * - internal/domain, internal/store: Domain models and data access.
 * - github.com/shopspring/decimal: Exact decimal arithmetic.
 */

package app

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/leadflow/marketplace-service/internal/domain"
	"github.com/leadflow/marketplace-service/internal/store"
	"github.com/shopspring/decimal"
)

// Validation errors rejected synchronously and never retried.
var (
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInvalidExchangeRate = errors.New("exchange rate must be positive")
)

// LedgerService provides the prepaid lead-reservation economy.
type LedgerService struct {
	repo store.Repository
}

// NewLedgerService creates a new ledger service instance.
func NewLedgerService(repo store.Repository) *LedgerService {
	return &LedgerService{repo: repo}
}

// GetBalance returns the account balance, zero when the account has never
// been funded. Read-only: it never creates an account row.
func (s *LedgerService) GetBalance(ctx context.Context, tenantID, userID uuid.UUID) (decimal.Decimal, error) {
	return s.repo.GetAccountBalance(ctx, tenantID, userID)
}

// Purchase converts a USD amount into reservations at the active exchange
// rate and credits the buyer's account. The rate used is snapshotted into the
// transaction metadata, so later rate changes never retroactively alter what
// a historical purchase was worth.
func (s *LedgerService) Purchase(ctx context.Context, tenantID, userID uuid.UUID, usdAmount decimal.Decimal, metadata map[string]interface{}) (*domain.ReservationAccount, error) {
	if !usdAmount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	rate, err := s.repo.GetActiveExchangeRate(ctx)
	if err != nil {
		return nil, err
	}

	credited := usdAmount.Mul(rate.Rate)
	entryMetadata := cloneMetadata(metadata)
	entryMetadata["usd_amount"] = usdAmount.String()
	entryMetadata["exchange_rate"] = rate.Rate.String()
	entryMetadata["exchange_rate_id"] = rate.ID.String()

	account, err := s.repo.CreditAccount(ctx, store.LedgerEntryParams{
		TenantID: tenantID,
		UserID:   userID,
		Type:     domain.ReservationTxPurchase,
		Amount:   credited,
		Metadata: entryMetadata,
	})
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=ledger msg=\"reservations purchased\" tenant=%s user=%s usd=%s credited=%s rate=%s",
		tenantID, userID, usdAmount, credited, rate.Rate)
	return account, nil
}

// Spend debits the account, failing with ErrInsufficientReservations when the
// balance cannot cover the amount. Safe under concurrent spends: the
// repository re-checks the balance under a row lock.
func (s *LedgerService) Spend(ctx context.Context, tenantID, userID uuid.UUID, amount decimal.Decimal, metadata map[string]interface{}) (*domain.ReservationAccount, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	return s.repo.DebitAccount(ctx, store.LedgerEntryParams{
		TenantID: tenantID,
		UserID:   userID,
		Type:     domain.ReservationTxSpend,
		Amount:   amount,
		Metadata: cloneMetadata(metadata),
	})
}

// Refund credits the account back. Refunds are credits, so there is no
// balance check; dedupe by distribution id is enforced by the repository.
func (s *LedgerService) Refund(ctx context.Context, tenantID, userID uuid.UUID, amount decimal.Decimal, metadata map[string]interface{}) (*domain.ReservationAccount, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	return s.repo.CreditAccount(ctx, store.LedgerEntryParams{
		TenantID: tenantID,
		UserID:   userID,
		Type:     domain.ReservationTxRefund,
		Amount:   amount,
		Metadata: cloneMetadata(metadata),
	})
}

// SetExchangeRate closes the active rate window and opens a new one. The
// repository's partial unique index guarantees at most one open window even
// under concurrent setters.
func (s *LedgerService) SetExchangeRate(ctx context.Context, rate decimal.Decimal, createdBy uuid.UUID, effectiveFrom *time.Time) (*domain.ExchangeRate, error) {
	if !rate.IsPositive() {
		return nil, ErrInvalidExchangeRate
	}
	now := time.Now().UTC()
	from := now
	// A past effectiveFrom would close the previous window before it opened,
	// so rotation takes effect no earlier than now.
	if effectiveFrom != nil && effectiveFrom.After(now) {
		from = effectiveFrom.UTC()
	}

	inserted, err := s.repo.InsertExchangeRate(ctx, rate, createdBy, from)
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=ledger msg=\"exchange rate rotated\" rate=%s effective_from=%s created_by=%s",
		inserted.Rate, inserted.EffectiveFrom.Format(time.RFC3339), createdBy)
	return inserted, nil
}

// GetActiveExchangeRate returns the currently open rate window.
func (s *LedgerService) GetActiveExchangeRate(ctx context.Context) (*domain.ExchangeRate, error) {
	return s.repo.GetActiveExchangeRate(ctx)
}

// ListTransactions returns the account's append-only ledger log, newest first.
func (s *LedgerService) ListTransactions(ctx context.Context, tenantID, userID uuid.UUID, limit, offset int) ([]domain.ReservationTransaction, error) {
	return s.repo.ListReservationTransactions(ctx, tenantID, userID, limit, offset)
}

func cloneMetadata(metadata map[string]interface{}) map[string]interface{} {
	cloned := make(map[string]interface{}, len(metadata)+3)
	for k, v := range metadata {
		cloned[k] = v
	}
	return cloned
}
