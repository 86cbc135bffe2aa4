/*
store.go - Persistence contract for wallet transactions

APPEND-ONLY CONTRACT:
  - Append(): the only write. Inserts the transaction and updates the wallet
    counters (balance, total earnings, count) as ONE atomic unit.
  - NO Update() or Delete() methods exist.

IDEMPOTENCY:
  A non-empty IdempotencyKey is unique across the ledger. A second Append
  with the same key returns ErrDuplicateIdempotencyKey and changes nothing.

SERIALIZATION:
  Concurrent appends to the same wallet must be serialized by the store
  (per-wallet lock, row lock, or single-writer database). Appends to
  different wallets need no coordination.

IMPLEMENTATIONS:
  - store/memory:   per-wallet mutexes
  - store/sqlite:   single-writer SQL transaction
  - store/postgres: INSERT + UPDATE ... in one pgx transaction (row lock)
*/
package ledger

import "context"

// Store handles persistence of wallet transactions.
type Store interface {
	// Append persists a transaction and returns the updated wallet.
	// Debits that would overdraw the wallet return *InsufficientBalanceError.
	Append(ctx context.Context, tx Transaction) (Wallet, error)

	// Load returns all transactions of a wallet in append order.
	Load(ctx context.Context, owner OwnerID) ([]Transaction, error)

	// Wallet returns the counter view, or nil if the owner has no wallet yet.
	Wallet(ctx context.Context, owner OwnerID) (*Wallet, error)

	// Exists checks if an idempotency key has been used.
	Exists(ctx context.Context, idempotencyKey string) (bool, error)
}
