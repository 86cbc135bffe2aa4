package referral

import (
	"errors"
	"fmt"
)

var (
	// ErrUserNotFound is returned when a user record does not exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrUserExists is returned when registering an id or referral code twice.
	ErrUserExists = errors.New("user already exists")

	// ErrSelfAncestry is returned when a link would make a user its own ancestor.
	ErrSelfAncestry = errors.New("user cannot be its own ancestor")

	// ErrInvalidChain is returned when a chain breaks the level invariants.
	ErrInvalidChain = errors.New("invalid ancestor chain")

	// ErrAncestorNotFound marks a chain entry whose user record was deleted.
	ErrAncestorNotFound = errors.New("ancestor not found")
)

// AncestorNotFoundError identifies the missing chain entry.
type AncestorNotFoundError struct {
	UserID UserID
	Level  int
}

func (e *AncestorNotFoundError) Error() string {
	return fmt.Sprintf("ancestor %s at level %d not found", e.UserID, e.Level)
}

func (e *AncestorNotFoundError) Unwrap() error {
	return ErrAncestorNotFound
}

// IsNotFound returns true if the error indicates a missing user record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrAncestorNotFound)
}
