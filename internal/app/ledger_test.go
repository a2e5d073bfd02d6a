package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leadflow/marketplace-service/internal/domain"
	"github.com/leadflow/marketplace-service/internal/store"
	"github.com/shopspring/decimal"
)

// ledgerRepoStub is an in-memory ledger that mirrors the repository's
// atomicity contract: credit and debit mutate the balance and append the log
// row under one lock, and debit re-checks the balance before mutating.
type ledgerRepoStub struct {
	store.Repository

	mu           sync.Mutex
	balance      decimal.Decimal
	transactions []domain.ReservationTransaction
	activeRate   *domain.ExchangeRate
}

func (s *ledgerRepoStub) GetAccountBalance(ctx context.Context, tenantID, userID uuid.UUID) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance, nil
}

func (s *ledgerRepoStub) CreditAccount(ctx context.Context, p store.LedgerEntryParams) (*domain.ReservationAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance = s.balance.Add(p.Amount)
	s.appendLocked(p, p.Amount)
	return &domain.ReservationAccount{TenantID: p.TenantID, UserID: p.UserID, Balance: s.balance}, nil
}

func (s *ledgerRepoStub) DebitAccount(ctx context.Context, p store.LedgerEntryParams) (*domain.ReservationAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.balance.LessThan(p.Amount) {
		return nil, store.ErrInsufficientReservations
	}
	s.balance = s.balance.Sub(p.Amount)
	s.appendLocked(p, p.Amount.Neg())
	return &domain.ReservationAccount{TenantID: p.TenantID, UserID: p.UserID, Balance: s.balance}, nil
}

func (s *ledgerRepoStub) appendLocked(p store.LedgerEntryParams, signed decimal.Decimal) {
	s.transactions = append(s.transactions, domain.ReservationTransaction{
		ID:       uuid.New(),
		TenantID: p.TenantID,
		UserID:   p.UserID,
		Type:     p.Type,
		Amount:   signed,
		Metadata: p.Metadata,
	})
}

func (s *ledgerRepoStub) GetActiveExchangeRate(ctx context.Context) (*domain.ExchangeRate, error) {
	if s.activeRate == nil {
		return nil, store.ErrNoActiveExchangeRate
	}
	return s.activeRate, nil
}

func (s *ledgerRepoStub) InsertExchangeRate(ctx context.Context, rate decimal.Decimal, createdBy uuid.UUID, effectiveFrom time.Time) (*domain.ExchangeRate, error) {
	now := time.Now().UTC()
	if s.activeRate != nil {
		s.activeRate.EffectiveTo = &effectiveFrom
	}
	s.activeRate = &domain.ExchangeRate{
		ID:            uuid.New(),
		Rate:          rate,
		EffectiveFrom: effectiveFrom,
		CreatedBy:     createdBy,
		CreatedAt:     now,
	}
	return s.activeRate, nil
}

func newLedgerStubWithRate(rate string) *ledgerRepoStub {
	return &ledgerRepoStub{
		balance: decimal.Zero,
		activeRate: &domain.ExchangeRate{
			ID:            uuid.New(),
			Rate:          decimal.RequireFromString(rate),
			EffectiveFrom: time.Now().UTC().Add(-time.Hour),
		},
	}
}

func TestPurchase_CreditsAtActiveRate(t *testing.T) {
	repo := newLedgerStubWithRate("2.5")
	svc := NewLedgerService(repo)

	account, err := svc.Purchase(context.Background(), uuid.New(), uuid.New(), decimal.RequireFromString("10.00"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !account.Balance.Equal(decimal.RequireFromString("25")) {
		t.Fatalf("expected balance 25, got %s", account.Balance)
	}

	tx := repo.transactions[0]
	if tx.Type != domain.ReservationTxPurchase {
		t.Fatalf("expected purchase transaction, got %s", tx.Type)
	}
	if tx.Metadata["usd_amount"] != "10.00" || tx.Metadata["exchange_rate"] != "2.5" {
		t.Fatalf("expected rate snapshot in metadata, got %v", tx.Metadata)
	}
}

func TestPurchase_FailsWithoutActiveRate(t *testing.T) {
	repo := &ledgerRepoStub{balance: decimal.Zero}
	svc := NewLedgerService(repo)

	_, err := svc.Purchase(context.Background(), uuid.New(), uuid.New(), decimal.RequireFromString("10.00"), nil)
	if !errors.Is(err, store.ErrNoActiveExchangeRate) {
		t.Fatalf("expected ErrNoActiveExchangeRate, got %v", err)
	}
}

func TestPurchase_RejectsNonPositiveAmount(t *testing.T) {
	svc := NewLedgerService(newLedgerStubWithRate("1"))

	_, err := svc.Purchase(context.Background(), uuid.New(), uuid.New(), decimal.Zero, nil)
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestSpend_RejectsOverdraft(t *testing.T) {
	repo := newLedgerStubWithRate("1")
	repo.balance = decimal.RequireFromString("3.00")
	svc := NewLedgerService(repo)

	_, err := svc.Spend(context.Background(), uuid.New(), uuid.New(), decimal.RequireFromString("4.00"), nil)
	if !errors.Is(err, store.ErrInsufficientReservations) {
		t.Fatalf("expected ErrInsufficientReservations, got %v", err)
	}
	if !repo.balance.Equal(decimal.RequireFromString("3.00")) {
		t.Fatalf("failed spend must not move the balance, got %s", repo.balance)
	}
}

func TestRefund_CreditsBack(t *testing.T) {
	repo := newLedgerStubWithRate("1")
	repo.balance = decimal.RequireFromString("6.00")
	svc := NewLedgerService(repo)

	account, err := svc.Refund(context.Background(), uuid.New(), uuid.New(), decimal.RequireFromString("4.00"), map[string]interface{}{
		"distribution_id": uuid.New().String(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !account.Balance.Equal(decimal.RequireFromString("10.00")) {
		t.Fatalf("expected balance 10.00, got %s", account.Balance)
	}
	if repo.transactions[0].Type != domain.ReservationTxRefund {
		t.Fatalf("expected refund transaction, got %s", repo.transactions[0].Type)
	}
}

func TestLedger_BalanceEqualsReplayedLog(t *testing.T) {
	repo := newLedgerStubWithRate("2")
	svc := NewLedgerService(repo)
	tenantID, userID := uuid.New(), uuid.New()
	ctx := context.Background()

	if _, err := svc.Purchase(ctx, tenantID, userID, decimal.RequireFromString("10.00"), nil); err != nil {
		t.Fatalf("purchase failed: %v", err)
	}
	if _, err := svc.Spend(ctx, tenantID, userID, decimal.RequireFromString("4.00"), nil); err != nil {
		t.Fatalf("spend failed: %v", err)
	}
	if _, err := svc.Refund(ctx, tenantID, userID, decimal.RequireFromString("4.00"), nil); err != nil {
		t.Fatalf("refund failed: %v", err)
	}

	replayed := decimal.Zero
	for _, tx := range repo.transactions {
		replayed = replayed.Add(tx.Amount)
	}
	if !replayed.Equal(repo.balance) {
		t.Fatalf("replayed log %s does not match balance %s", replayed, repo.balance)
	}
}

func TestSpend_ConcurrentSpendsNeverOverdraw(t *testing.T) {
	repo := newLedgerStubWithRate("1")
	repo.balance = decimal.RequireFromString("10.00")
	svc := NewLedgerService(repo)
	tenantID, userID := uuid.New(), uuid.New()
	amount := decimal.RequireFromString("4.00")

	var wg sync.WaitGroup
	successes := make(chan struct{}, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Spend(context.Background(), tenantID, userID, amount, nil); err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	won := 0
	for range successes {
		won++
	}
	if won != 2 {
		t.Fatalf("expected exactly 2 of 8 spends to win on a 10.00 balance, got %d", won)
	}
	if !repo.balance.Equal(decimal.RequireFromString("2.00")) {
		t.Fatalf("expected final balance 2.00, got %s", repo.balance)
	}
}

func TestSetExchangeRate_ClosesPreviousWindow(t *testing.T) {
	repo := newLedgerStubWithRate("1")
	previous := repo.activeRate
	svc := NewLedgerService(repo)

	rotated, err := svc.SetExchangeRate(context.Background(), decimal.RequireFromString("3"), uuid.New(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if previous.EffectiveTo == nil {
		t.Fatal("expected previous rate window to be closed")
	}
	if rotated.EffectiveTo != nil {
		t.Fatal("expected new rate window to be open")
	}
	if !rotated.Rate.Equal(decimal.RequireFromString("3")) {
		t.Fatalf("expected rate 3, got %s", rotated.Rate)
	}
}

func TestSetExchangeRate_ClampsPastEffectiveFrom(t *testing.T) {
	repo := newLedgerStubWithRate("1")
	svc := NewLedgerService(repo)
	begin := time.Now().UTC()

	past := begin.Add(-24 * time.Hour)
	rotated, err := svc.SetExchangeRate(context.Background(), decimal.RequireFromString("2"), uuid.New(), &past)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rotated.EffectiveFrom.Before(begin) {
		t.Fatalf("expected past effective_from to be clamped to now, got %s", rotated.EffectiveFrom)
	}
}

func TestSetExchangeRate_KeepsFutureEffectiveFrom(t *testing.T) {
	repo := newLedgerStubWithRate("1")
	svc := NewLedgerService(repo)

	future := time.Now().UTC().Add(time.Hour)
	rotated, err := svc.SetExchangeRate(context.Background(), decimal.RequireFromString("2"), uuid.New(), &future)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rotated.EffectiveFrom.Equal(future) {
		t.Fatalf("expected effective_from %s, got %s", future, rotated.EffectiveFrom)
	}
}
