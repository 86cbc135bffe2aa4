/*
Package referral maintains the referral forest: user records, each with at
most one parent, and a materialized ancestor chain per user.

MATERIALIZED CHAINS:
  When a user is referred by P, the chain is fixed at creation time:

    chain(new) = [{P, 1}] ++ shift(chain(P), +1)   truncated to MaxDepth

  Reads never walk parent links. Resolving ancestors is O(1) in the depth of
  the tree: one record read plus one existence check for the chain members.

SEE ALSO:
  - chain.go: chain construction and validation
  - registry.go: registration, resolution, deletion
*/
package referral

import "time"

// MaxDepth is the number of ancestor levels that are materialized and earn
// commission.
const MaxDepth = 10

type UserID string

// Ancestor is one entry of a materialized chain. Level 1 is the direct referrer.
type Ancestor struct {
	UserID UserID
	Level  int
}

// User is the referral record of a user. Authentication and profile data
// live elsewhere.
type User struct {
	ID            UserID
	Name          string
	Email         string
	ReferralCode  string
	ReferredBy    UserID
	Ancestors     []Ancestor
	ReferralCount int
	Plan          string
	CreatedAt     time.Time
}

// AncestorIDs returns the chain's user ids in level order.
func (u User) AncestorIDs() []UserID {
	ids := make([]UserID, len(u.Ancestors))
	for i, a := range u.Ancestors {
		ids[i] = a.UserID
	}
	return ids
}

// NewUser is the input to Register. The parent is given either by id
// (ReferredBy) or by its referral code (UsedReferralCode).
type NewUser struct {
	ID               UserID
	Name             string
	Email            string
	ReferredBy       UserID
	UsedReferralCode string
	Plan             string
}

// Resolution is one resolved chain entry. Err is set (to an
// *AncestorNotFoundError) when the ancestor's record no longer exists; the
// other entries of the chain are unaffected.
type Resolution struct {
	Ancestor Ancestor
	Err      error
}

func (r Resolution) Missing() bool { return r.Err != nil }
