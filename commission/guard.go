/*
guard.go - Idempotency guard over (event, ancestor) pairs

PURPOSE:
  Prevents double crediting across retries, duplicate deliveries and
  concurrent workers. The claim set has a uniqueness constraint on
  (event_id, ancestor_id); TryClaim is an atomic insert into it.

CLAIM LIFECYCLE:
  (none) --TryClaim--> claimed --MarkApplied--> applied
                          |
                          +--Release--> (none)     credit failed, retry later
                          +--lease expires--> taken over by next TryClaim

  A claimed pair whose worker crashed would block the pair forever, so a
  claim older than the lease may be taken over. The ledger's idempotency key
  on the credit itself still rejects a second credit if the first worker was
  only slow.
*/
package commission

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/warp/commission-engine/referral"
)

type ClaimStatus string

const (
	ClaimClaimed ClaimStatus = "claimed"
	ClaimApplied ClaimStatus = "applied"
)

// Claim is one (event, ancestor) idempotency record.
type Claim struct {
	EventID    EventID
	AncestorID referral.UserID
	Level      int
	Status     ClaimStatus
	Token      string
	ClaimedAt  time.Time
	AppliedAt  *time.Time
}

// ClaimStore persists claims under a unique (EventID, AncestorID) key.
type ClaimStore interface {
	// AcquireClaim inserts c. If a claim for the pair exists with status
	// claimed and ClaimedAt before staleBefore, it is replaced by c.
	// Returns the claim now stored and whether c was acquired.
	AcquireClaim(ctx context.Context, c Claim, staleBefore time.Time) (Claim, bool, error)

	// MarkClaimApplied sets status applied if token still holds the claim.
	MarkClaimApplied(ctx context.Context, eventID EventID, ancestorID referral.UserID, token string, at time.Time) error

	// ReleaseClaim deletes an unapplied claim held by token.
	ReleaseClaim(ctx context.Context, eventID EventID, ancestorID referral.UserID, token string) error

	// ListClaims returns the claims of an event ordered by level.
	ListClaims(ctx context.Context, eventID EventID) ([]Claim, error)
}

// ClaimResult is the outcome of TryClaim.
type ClaimResult struct {
	Claimed bool   // caller holds the pair and must credit it
	Applied bool   // pair was already credited
	Token   string // set when Claimed
}

// Guard deduplicates commission application.
type Guard struct {
	Store ClaimStore
	Lease time.Duration
	Now   func() time.Time
}

func NewGuard(store ClaimStore, lease time.Duration) *Guard {
	return &Guard{Store: store, Lease: lease, Now: func() time.Time { return time.Now().UTC() }}
}

// TryClaim registers the pair as in progress. Claimed=false means the caller
// must skip: the pair is applied, or held by a live worker.
func (g *Guard) TryClaim(ctx context.Context, eventID EventID, ancestorID referral.UserID, level int) (ClaimResult, error) {
	now := g.Now()
	c := Claim{
		EventID:    eventID,
		AncestorID: ancestorID,
		Level:      level,
		Status:     ClaimClaimed,
		Token:      uuid.NewString(),
		ClaimedAt:  now,
	}
	stored, acquired, err := g.Store.AcquireClaim(ctx, c, now.Add(-g.Lease))
	if err != nil {
		return ClaimResult{}, fmt.Errorf("claim %s/%s: %w", eventID, ancestorID, err)
	}
	if acquired {
		return ClaimResult{Claimed: true, Token: c.Token}, nil
	}
	return ClaimResult{Applied: stored.Status == ClaimApplied}, nil
}

// MarkApplied records that the pair's credit is in the ledger.
func (g *Guard) MarkApplied(ctx context.Context, eventID EventID, ancestorID referral.UserID, token string) error {
	return g.Store.MarkClaimApplied(ctx, eventID, ancestorID, token, g.Now())
}

// Release gives the pair back after a failed credit so a retry can claim it.
func (g *Guard) Release(ctx context.Context, eventID EventID, ancestorID referral.UserID, token string) error {
	return g.Store.ReleaseClaim(ctx, eventID, ancestorID, token)
}

// Claims lists the claims of an event.
func (g *Guard) Claims(ctx context.Context, eventID EventID) ([]Claim, error) {
	return g.Store.ListClaims(ctx, eventID)
}

// CreditKey is the ledger idempotency key of a commission credit.
func CreditKey(eventID EventID, ancestorID referral.UserID) string {
	return "commission:" + string(eventID) + ":" + string(ancestorID)
}
