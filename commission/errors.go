/*
errors.go - Error taxonomy for commission distribution

  PolicyZero         a zero rate. Not an error; the level is skipped or
                     recorded as a zero credit depending on ZeroRatePolicy.
  AncestorNotFound   referral.ErrAncestorNotFound. Recovered locally; the
                     event ends PARTIALLY_DISTRIBUTED.
  Transient          any storage error not listed as permanent below.
                     Retried with backoff; exhaustion is surfaced on the
                     event, never dropped.
  DuplicateDelivery  an applied claim, an existing event, or
                     ledger.ErrDuplicateIdempotencyKey. Absorbed silently.
*/
package commission

import (
	"context"
	"errors"
	"fmt"

	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/referral"
)

var (
	// ErrEventNotFound is returned when a commission event does not exist.
	ErrEventNotFound = errors.New("commission event not found")

	// ErrConcurrentModification is returned when a compare-and-set on an
	// event's version loses to another worker.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrInvalidEvent is returned for malformed purchase events.
	ErrInvalidEvent = errors.New("invalid purchase event")

	// ErrClaimNotHeld is returned when marking or releasing a claim whose
	// token no longer matches (another worker took it over).
	ErrClaimNotHeld = errors.New("claim not held")
)

// InvalidEventError names the offending field.
type InvalidEventError struct {
	Field  string
	Reason string
}

func (e *InvalidEventError) Error() string {
	return fmt.Sprintf("invalid purchase event: %s %s", e.Field, e.Reason)
}

func (e *InvalidEventError) Unwrap() error { return ErrInvalidEvent }

// IsPermanent returns true if retrying err cannot succeed.
func IsPermanent(err error) bool {
	return ledger.IsClientError(err) ||
		errors.Is(err, referral.ErrUserNotFound) ||
		errors.Is(err, referral.ErrAncestorNotFound) ||
		errors.Is(err, ErrEventNotFound) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrInvalidEvent) ||
		errors.Is(err, ErrClaimNotHeld) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEventNotFound) || referral.IsNotFound(err)
}
