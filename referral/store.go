package referral

import "context"

// Store persists referral records.
type Store interface {
	// CreateUser inserts u and, when u.ReferredBy is set, increments the
	// parent's ReferralCount in the same atomic unit.
	// Returns ErrUserExists on a duplicate id or referral code.
	CreateUser(ctx context.Context, u User) error

	// GetUser returns ErrUserNotFound if the record does not exist.
	GetUser(ctx context.Context, id UserID) (*User, error)

	// GetUserByReferralCode returns ErrUserNotFound if no user owns the code.
	GetUserByReferralCode(ctx context.Context, code string) (*User, error)

	// ExistingUsers reports which of ids still have a record.
	ExistingUsers(ctx context.Context, ids []UserID) (map[UserID]bool, error)

	// DirectReferrals returns the users whose parent is id.
	DirectReferrals(ctx context.Context, id UserID) ([]User, error)

	// DeleteUser removes the record. Chains that reference it are left as is.
	DeleteUser(ctx context.Context, id UserID) error
}
