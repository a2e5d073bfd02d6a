/**
 * @description
 * This file defines the reservation-ledger domain models: the per-user prepaid
 * balance account, the append-only transaction log, and the versioned
 * USD-to-reservation exchange rate.
 *
 * @notes
 * - ReservationTransaction rows are immutable. Balances must always be
 *   reconstructible by replaying the log from zero.
 * - Exactly one ExchangeRate row has a null EffectiveTo at any time; that row
 *   is the active rate.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Reservation transaction types. Amounts are signed: credits positive,
// debits negative.
const (
	ReservationTxPurchase   = "purchase"
	ReservationTxSpend      = "spend"
	ReservationTxRefund     = "refund"
	ReservationTxAdjustment = "adjustment"
)

// ReservationAccount holds a buyer's prepaid lead-reservation balance within a
// tenant. Accounts are created lazily on the first write.
type ReservationAccount struct {
	TenantID  uuid.UUID       `json:"tenant_id"`
	UserID    uuid.UUID       `json:"user_id"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ReservationTransaction is one immutable row in the ledger's append-only log.
type ReservationTransaction struct {
	ID        uuid.UUID              `json:"id"`
	TenantID  uuid.UUID              `json:"tenant_id"`
	UserID    uuid.UUID              `json:"user_id"`
	Type      string                 `json:"type"`
	Amount    decimal.Decimal        `json:"amount"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// ExchangeRate maps USD to lead reservations. Historical rows are retained
// for audit; the active row has EffectiveTo == nil.
type ExchangeRate struct {
	ID            uuid.UUID       `json:"id"`
	Rate          decimal.Decimal `json:"rate"` // reservations per USD
	EffectiveFrom time.Time       `json:"effective_from"`
	EffectiveTo   *time.Time      `json:"effective_to,omitempty"`
	CreatedBy     uuid.UUID       `json:"created_by"`
	CreatedAt     time.Time       `json:"created_at"`
}

// PurchaseReservationsRequest is the DTO for buying reservations with USD.
type PurchaseReservationsRequest struct {
	USDAmount decimal.Decimal        `json:"usd_amount"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// SetExchangeRateRequest is the DTO for rotating the active exchange rate.
type SetExchangeRateRequest struct {
	Rate          decimal.Decimal `json:"rate"`
	EffectiveFrom *time.Time      `json:"effective_from,omitempty"`
}
