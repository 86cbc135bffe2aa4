/*
registry.go - Referral registration and ancestry resolution

REGISTRATION:
  1. Find the parent (by id or referral code)
  2. Build the chain from the parent's chain (see chain.go)
  3. Reject the link if the new id is already in the parent's chain
  4. Persist the record and bump the parent's referral count atomically

RESOLUTION:
  Resolve is a pure read. It returns the stored chain and marks entries
  whose record has since been deleted. A missing ancestor never aborts
  resolution of the remaining entries.
*/
package referral

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Registry manages referral records.
type Registry struct {
	Store Store
	Log   logrus.FieldLogger
	Now   func() time.Time
}

func NewRegistry(store Store, log logrus.FieldLogger) *Registry {
	return &Registry{
		Store: store,
		Log:   log,
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

// Register creates a user record with its materialized chain.
func (r *Registry) Register(ctx context.Context, nu NewUser) (User, error) {
	u := User{
		ID:           nu.ID,
		Name:         nu.Name,
		Email:        strings.ToLower(strings.TrimSpace(nu.Email)),
		ReferralCode: NewReferralCode(),
		Plan:         nu.Plan,
		CreatedAt:    r.Now(),
	}
	if u.ID == "" {
		u.ID = UserID(uuid.NewString())
	}

	parent, err := r.parentOf(ctx, nu)
	if err != nil {
		return User{}, err
	}
	if parent != nil {
		if parent.ID == u.ID {
			return User{}, fmt.Errorf("register %s: %w", u.ID, ErrSelfAncestry)
		}
		u.ReferredBy = parent.ID
		u.Ancestors = BuildChain(*parent)
	}
	if err := ValidateChain(u.ID, u.Ancestors); err != nil {
		return User{}, fmt.Errorf("register %s: %w", u.ID, err)
	}

	if err := r.Store.CreateUser(ctx, u); err != nil {
		return User{}, fmt.Errorf("register %s: %w", u.ID, err)
	}

	r.Log.WithFields(logrus.Fields{
		"user_id":     u.ID,
		"referred_by": u.ReferredBy,
		"depth":       len(u.Ancestors),
	}).Info("user registered")
	return u, nil
}

func (r *Registry) parentOf(ctx context.Context, nu NewUser) (*User, error) {
	switch {
	case nu.ReferredBy != "":
		p, err := r.Store.GetUser(ctx, nu.ReferredBy)
		if err != nil {
			return nil, fmt.Errorf("referrer %s: %w", nu.ReferredBy, err)
		}
		return p, nil
	case nu.UsedReferralCode != "":
		p, err := r.Store.GetUserByReferralCode(ctx, strings.ToUpper(nu.UsedReferralCode))
		if err != nil {
			return nil, fmt.Errorf("referral code %s: %w", nu.UsedReferralCode, err)
		}
		return p, nil
	}
	return nil, nil
}

// Get returns a user record.
func (r *Registry) Get(ctx context.Context, id UserID) (User, error) {
	u, err := r.Store.GetUser(ctx, id)
	if err != nil {
		return User{}, err
	}
	return *u, nil
}

// GetByReferralCode returns the owner of a referral code.
func (r *Registry) GetByReferralCode(ctx context.Context, code string) (User, error) {
	u, err := r.Store.GetUserByReferralCode(ctx, strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return User{}, err
	}
	return *u, nil
}

// Referrals returns the direct referrals of a user.
func (r *Registry) Referrals(ctx context.Context, id UserID) ([]User, error) {
	if _, err := r.Store.GetUser(ctx, id); err != nil {
		return nil, err
	}
	return r.Store.DirectReferrals(ctx, id)
}

// Delete removes a user record. Descendants keep their chains; the deleted
// entry resolves as missing from then on.
func (r *Registry) Delete(ctx context.Context, id UserID) error {
	if err := r.Store.DeleteUser(ctx, id); err != nil {
		return err
	}
	r.Log.WithField("user_id", id).Warn("user record deleted")
	return nil
}

// Resolve returns the materialized chain of userID in level order.
// Fails only if the user itself is missing or storage fails.
func (r *Registry) Resolve(ctx context.Context, userID UserID) ([]Resolution, error) {
	u, err := r.Store.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve ancestors of %s: %w", userID, err)
	}

	chain := u.Ancestors
	if len(chain) > MaxDepth {
		chain = chain[:MaxDepth]
	}
	if len(chain) == 0 {
		return nil, nil
	}

	ids := make([]UserID, len(chain))
	for i, a := range chain {
		ids[i] = a.UserID
	}
	exists, err := r.Store.ExistingUsers(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve ancestors of %s: %w", userID, err)
	}

	out := make([]Resolution, len(chain))
	for i, a := range chain {
		out[i] = Resolution{Ancestor: a}
		if !exists[a.UserID] {
			out[i].Err = &AncestorNotFoundError{UserID: a.UserID, Level: a.Level}
		}
	}
	return out, nil
}

// NewReferralCode returns a 12-character upper-case hex code.
func NewReferralCode() string {
	id := uuid.New()
	return strings.ToUpper(hex.EncodeToString(id[:6]))
}
