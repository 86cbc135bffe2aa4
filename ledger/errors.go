/*
errors.go - Error types for the wallet ledger

ERROR CATEGORIES:
  1. Idempotency - the entry already exists (expected on retries)
  2. Validation  - bad amount, currency mismatch, overdraft
  3. Integrity   - counter drifted from the transaction sum

USAGE:
  if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
      // already applied, safe to ignore
  }
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateIdempotencyKey is returned when a transaction with the same
	// idempotency key already exists. Expected behavior for retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrInsufficientBalance is returned when a debit exceeds the balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidAmount is returned for negative credits or non-positive debits.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrCurrencyMismatch is returned when an amount is not in the ledger currency.
	ErrCurrencyMismatch = errors.New("currency mismatch")

	// ErrOwnerRequired is returned when a transaction has no wallet owner.
	ErrOwnerRequired = errors.New("wallet owner required")

	// ErrBalanceDrift is returned by Verify when counters disagree with the log.
	ErrBalanceDrift = errors.New("wallet balance drifted from transaction log")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	OwnerID   OwnerID
	Available Amount
	Requested Amount
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: available %s, requested %s",
		e.OwnerID, e.Available.Value, e.Requested.Value)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// DriftError reports a wallet whose counters disagree with its transactions.
type DriftError struct {
	OwnerID          OwnerID
	CounterBalance   Amount
	ComputedBalance  Amount
	CounterEarnings  Amount
	ComputedEarnings Amount
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("wallet %s drifted: balance counter %s vs log %s, earnings counter %s vs log %s",
		e.OwnerID, e.CounterBalance.Value, e.ComputedBalance.Value,
		e.CounterEarnings.Value, e.ComputedEarnings.Value)
}

func (e *DriftError) Unwrap() error {
	return ErrBalanceDrift
}

// IsClientError returns true if the error is due to invalid input rather than
// storage trouble.
func IsClientError(err error) bool {
	return errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrCurrencyMismatch) ||
		errors.Is(err, ErrOwnerRequired)
}
