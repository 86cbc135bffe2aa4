/*
ledger.go - Append-only wallet ledger

PURPOSE:
  The Ledger is the source of truth for wallet balances. Every commission
  credit and every debit is recorded here. The balance counter is updated in
  the same atomic unit as the append and can always be re-derived by
  replaying transactions (see Verify).

CRITICAL INVARIANTS:
  1. APPEND-ONLY: no update, no delete
  2. PINNED: amount, applied rate and rate version never change after append
  3. IDEMPOTENT: same idempotency key = same transaction (no duplicates)

CORRECTIONS:
  A mistaken credit is not edited. A compensating debit is appended and both
  remain in the log.
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CreditRequest describes a credit to append. Commission credits fill the
// provenance fields; manual credits may leave them empty.
type CreditRequest struct {
	OwnerID             OwnerID
	Amount              Amount
	Description         string
	SourceEventID       string
	SourceAncestorLevel int
	AppliedRate         decimal.Decimal
	RateVersion         string
	IdempotencyKey      string
}

// DebitRequest describes a debit (withdrawal, chargeback).
type DebitRequest struct {
	OwnerID        OwnerID
	Amount         Amount
	Description    string
	IdempotencyKey string
}

// Ledger wraps a Store with validation and transaction construction.
type Ledger struct {
	Store    Store
	Currency Currency

	// Now is the clock used for transaction timestamps.
	Now func() time.Time
}

func NewLedger(store Store, currency Currency) *Ledger {
	return &Ledger{Store: store, Currency: currency, Now: func() time.Time { return time.Now().UTC() }}
}

// Credit appends a credit. Zero amounts are allowed so that zero-rate levels
// can be recorded for audit.
func (l *Ledger) Credit(ctx context.Context, req CreditRequest) (Transaction, error) {
	if err := l.validate(req.OwnerID, req.Amount); err != nil {
		return Transaction{}, err
	}
	if req.Amount.IsNegative() {
		return Transaction{}, fmt.Errorf("credit of %s: %w", req.Amount.Value, ErrInvalidAmount)
	}

	tx := Transaction{
		ID:                  TransactionID(uuid.NewString()),
		OwnerID:             req.OwnerID,
		Amount:              req.Amount,
		Type:                TxCredit,
		Description:         req.Description,
		Timestamp:           l.Now(),
		SourceEventID:       req.SourceEventID,
		SourceAncestorLevel: req.SourceAncestorLevel,
		AppliedRate:         req.AppliedRate,
		RateVersion:         req.RateVersion,
		IdempotencyKey:      req.IdempotencyKey,
	}
	if _, err := l.Store.Append(ctx, tx); err != nil {
		return Transaction{}, err
	}
	return tx, nil
}

// Debit appends a debit. The store rejects overdrafts atomically.
func (l *Ledger) Debit(ctx context.Context, req DebitRequest) (Transaction, error) {
	if err := l.validate(req.OwnerID, req.Amount); err != nil {
		return Transaction{}, err
	}
	if !req.Amount.IsPositive() {
		return Transaction{}, fmt.Errorf("debit of %s: %w", req.Amount.Value, ErrInvalidAmount)
	}

	tx := Transaction{
		ID:             TransactionID(uuid.NewString()),
		OwnerID:        req.OwnerID,
		Amount:         req.Amount,
		Type:           TxDebit,
		Description:    req.Description,
		Timestamp:      l.Now(),
		IdempotencyKey: req.IdempotencyKey,
	}
	if _, err := l.Store.Append(ctx, tx); err != nil {
		return Transaction{}, err
	}
	return tx, nil
}

func (l *Ledger) validate(owner OwnerID, amount Amount) error {
	if owner == "" {
		return ErrOwnerRequired
	}
	if amount.Currency != l.Currency {
		return fmt.Errorf("%s amount on %s ledger: %w", amount.Currency, l.Currency, ErrCurrencyMismatch)
	}
	return nil
}

// Wallet returns the counter view of a wallet. Owners without transactions
// get an empty wallet.
func (l *Ledger) Wallet(ctx context.Context, owner OwnerID) (Wallet, error) {
	w, err := l.Store.Wallet(ctx, owner)
	if err != nil {
		return Wallet{}, err
	}
	if w == nil {
		return EmptyWallet(owner, l.Currency), nil
	}
	return *w, nil
}

// Balance returns the wallet balance.
func (l *Ledger) Balance(ctx context.Context, owner OwnerID) (Amount, error) {
	w, err := l.Wallet(ctx, owner)
	if err != nil {
		return Amount{}, err
	}
	return w.Balance, nil
}

// Transactions returns the wallet's transactions in append order.
func (l *Ledger) Transactions(ctx context.Context, owner OwnerID) ([]Transaction, error) {
	return l.Store.Load(ctx, owner)
}

// Verify replays the transaction log and compares it with the counters.
// Returns the replayed wallet, and a *DriftError if they disagree.
func (l *Ledger) Verify(ctx context.Context, owner OwnerID) (Wallet, error) {
	counters, err := l.Wallet(ctx, owner)
	if err != nil {
		return Wallet{}, err
	}
	txs, err := l.Store.Load(ctx, owner)
	if err != nil {
		return Wallet{}, err
	}

	computed := Sum(owner, l.Currency, txs)
	if !computed.Balance.Value.Equal(counters.Balance.Value) ||
		!computed.TotalEarnings.Value.Equal(counters.TotalEarnings.Value) {
		return computed, &DriftError{
			OwnerID:          owner,
			CounterBalance:   counters.Balance,
			ComputedBalance:  computed.Balance,
			CounterEarnings:  counters.TotalEarnings,
			ComputedEarnings: computed.TotalEarnings,
		}
	}
	return computed, nil
}
