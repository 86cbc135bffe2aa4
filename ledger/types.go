/*
Package ledger provides the wallet ledger: an append-only transaction log per
wallet owner whose sum defines the wallet balance.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: a quantity of money in a currency's minor units
  - Transaction: an immutable wallet entry (credit or debit)
  - Wallet: the derived per-owner summary (balance, total earnings)

DESIGN PRINCIPLES:
  1. Immutability: transactions are never modified once written
  2. Precision: decimal.Decimal everywhere, never float64
  3. Pinning: a commission credit stores the rate and rate-table version that
     produced it, so later configuration changes never rewrite history

SEE ALSO:
  - ledger.go: Ledger operations (Credit, Debit, Balance, Verify)
  - store.go: persistence contract implemented under store/
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Money in minor units
// =============================================================================

type Currency string

const (
	CurrencyINR Currency = "INR"
	CurrencyUSD Currency = "USD"
)

// Amount is a value in the currency's minor units (paise, cents).
type Amount struct {
	Value    decimal.Decimal
	Currency Currency
}

func NewAmount(minor int64, currency Currency) Amount {
	return Amount{Value: decimal.NewFromInt(minor), Currency: currency}
}

func NewAmountFromDecimal(value decimal.Decimal, currency Currency) Amount {
	return Amount{Value: value, Currency: currency}
}

func ZeroAmount(currency Currency) Amount {
	return Amount{Value: decimal.Zero, Currency: currency}
}

func (a Amount) Add(b Amount) Amount { return Amount{Value: a.Value.Add(b.Value), Currency: a.Currency} }
func (a Amount) Sub(b Amount) Amount { return Amount{Value: a.Value.Sub(b.Value), Currency: a.Currency} }
func (a Amount) Neg() Amount { return Amount{Value: a.Value.Neg(), Currency: a.Currency} }
func (a Amount) IsZero() bool { return a.Value.IsZero() }
func (a Amount) IsNegative() bool { return a.Value.IsNegative() }
func (a Amount) IsPositive() bool { return a.Value.IsPositive() }
func (a Amount) GreaterThan(b Amount) bool { return a.Value.GreaterThan(b.Value) }
func (a Amount) LessThan(b Amount) bool { return a.Value.LessThan(b.Value) }
func (a Amount) Equal(b Amount) bool { return a.Currency == b.Currency && a.Value.Equal(b.Value) }
func (a Amount) String() string { return a.Value.String() + " " + string(a.Currency) }

// MinorUnits returns the integral minor-unit value. Fractions are truncated;
// amounts produced by commission math are always integral.
func (a Amount) MinorUnits() int64 { return a.Value.IntPart() }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type OwnerID string
type TransactionID string

// =============================================================================
// TRANSACTION - Immutable wallet entry
// =============================================================================

type TransactionType string

const (
	TxCredit TransactionType = "credit"
	TxDebit  TransactionType = "debit"
)

// Transaction is one wallet ledger entry. Amount is always non-negative; the
// Type carries the direction.
type Transaction struct {
	ID          TransactionID
	OwnerID     OwnerID
	Amount      Amount
	Type        TransactionType
	Description string
	Timestamp   time.Time

	// Commission provenance. Zero values for non-commission entries.
	SourceEventID       string
	SourceAncestorLevel int
	AppliedRate         decimal.Decimal
	RateVersion         string

	IdempotencyKey string
}

// Signed returns the amount with the sign applied by the transaction type.
func (t Transaction) Signed() Amount {
	if t.Type == TxDebit {
		return t.Amount.Neg()
	}
	return t.Amount
}

// =============================================================================
// WALLET - Derived per-owner summary
// =============================================================================

// Wallet is the counter view of an owner's ledger. Balance and TotalEarnings
// are maintained in the same atomic unit as each append.
type Wallet struct {
	OwnerID          OwnerID
	Currency         Currency
	Balance          Amount
	TotalEarnings    Amount
	TransactionCount int
	UpdatedAt        time.Time
}

// Apply returns the wallet after appending tx.
func (w Wallet) Apply(tx Transaction) Wallet {
	w.Balance = w.Balance.Add(tx.Signed())
	if tx.Type == TxCredit {
		w.TotalEarnings = w.TotalEarnings.Add(tx.Amount)
	}
	w.TransactionCount++
	w.UpdatedAt = tx.Timestamp
	return w
}

// EmptyWallet is the wallet of an owner with no transactions.
func EmptyWallet(owner OwnerID, currency Currency) Wallet {
	return Wallet{
		OwnerID:       owner,
		Currency:      currency,
		Balance:       ZeroAmount(currency),
		TotalEarnings: ZeroAmount(currency),
	}
}

// Sum replays transactions into a wallet. Used for verification.
func Sum(owner OwnerID, currency Currency, txs []Transaction) Wallet {
	w := EmptyWallet(owner, currency)
	for _, tx := range txs {
		w = w.Apply(tx)
	}
	return w
}
