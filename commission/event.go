package commission

import (
	"context"
	"strings"
	"time"

	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/referral"
)

// =============================================================================
// INBOUND EVENT
// =============================================================================

// PurchaseConfirmed is emitted by the billing collaborator when a payment
// settles. It is the engine's only trigger.
type PurchaseConfirmed struct {
	PaymentID string
	PayerID   referral.UserID
	PlanID    PlanID
	Amount    ledger.Amount
	Timestamp time.Time
}

// Validate checks the fields the engine relies on.
func (p PurchaseConfirmed) Validate() error {
	switch {
	case strings.TrimSpace(p.PaymentID) == "":
		return &InvalidEventError{Field: "payment_id", Reason: "is required"}
	case p.PayerID == "":
		return &InvalidEventError{Field: "payer_id", Reason: "is required"}
	case p.PlanID == "":
		return &InvalidEventError{Field: "plan_id", Reason: "is required"}
	case p.Amount.IsNegative():
		return &InvalidEventError{Field: "amount", Reason: "must not be negative"}
	}
	return nil
}

// =============================================================================
// COMMISSION EVENT - Owned by the engine, never deleted
// =============================================================================

type EventID string

type Status string

const (
	StatusPending              Status = "PENDING"
	StatusDistributed          Status = "DISTRIBUTED"
	StatusPartiallyDistributed Status = "PARTIALLY_DISTRIBUTED"
	StatusFailed               Status = "FAILED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDistributed, StatusPartiallyDistributed, StatusFailed:
		return true
	}
	return false
}

// Event tracks one purchase through distribution. Version increments on
// every write and guards status transitions (compare-and-set).
type Event struct {
	ID      EventID
	PayerID referral.UserID
	PlanID  PlanID
	Amount  ledger.Amount
	Status  Status

	Attempts int
	Version  int64

	// Summary of the latest attempt.
	Credited int // levels credited, in this or an earlier attempt
	Skipped  int // zero-rate levels
	Missing  int // ancestors whose record is gone
	Failed   int // levels that exhausted retries or are held by another worker

	LastError   string
	NextRetryAt *time.Time

	ConfirmedAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Retryable reports whether the scheduler should replay the event at now.
func (e Event) Retryable(now time.Time) bool {
	if e.Status == StatusDistributed || e.NextRetryAt == nil {
		return false
	}
	return !e.NextRetryAt.After(now)
}

// EventFilter narrows ListEvents.
type EventFilter struct {
	Status Status
	Limit  int
}

// EventStore persists commission events.
type EventStore interface {
	// CreateEvent inserts e unless an event with the same id exists.
	// Returns the stored event and whether it was created by this call.
	CreateEvent(ctx context.Context, e Event) (Event, bool, error)

	// GetEvent returns ErrEventNotFound if absent.
	GetEvent(ctx context.Context, id EventID) (*Event, error)

	// UpdateEvent writes e if the stored version equals expectedVersion and
	// stores it with version expectedVersion+1. Otherwise returns
	// ErrConcurrentModification.
	UpdateEvent(ctx context.Context, e Event, expectedVersion int64) error

	// ListEvents returns events newest first.
	ListEvents(ctx context.Context, filter EventFilter) ([]Event, error)

	// DueEvents returns non-distributed events whose NextRetryAt <= now.
	DueEvents(ctx context.Context, now time.Time, limit int) ([]Event, error)
}
