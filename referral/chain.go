package referral

import "fmt"

// BuildChain returns the chain of a user referred by parent:
// the parent at level 1 followed by the parent's chain shifted one level,
// truncated to MaxDepth.
func BuildChain(parent User) []Ancestor {
	n := len(parent.Ancestors) + 1
	if n > MaxDepth {
		n = MaxDepth
	}
	chain := make([]Ancestor, 0, n)
	chain = append(chain, Ancestor{UserID: parent.ID, Level: 1})
	for _, a := range parent.Ancestors {
		if len(chain) == MaxDepth {
			break
		}
		chain = append(chain, Ancestor{UserID: a.UserID, Level: a.Level + 1})
	}
	return chain
}

// ValidateChain checks the chain invariants for user self: levels contiguous
// from 1, at most MaxDepth entries, no duplicate ids, self not present.
func ValidateChain(self UserID, chain []Ancestor) error {
	if len(chain) > MaxDepth {
		return fmt.Errorf("%d entries exceeds depth %d: %w", len(chain), MaxDepth, ErrInvalidChain)
	}
	seen := make(map[UserID]bool, len(chain))
	for i, a := range chain {
		if a.Level != i+1 {
			return fmt.Errorf("entry %d has level %d: %w", i, a.Level, ErrInvalidChain)
		}
		if a.UserID == self {
			return fmt.Errorf("%s at level %d: %w", self, a.Level, ErrSelfAncestry)
		}
		if seen[a.UserID] {
			return fmt.Errorf("%s appears twice: %w", a.UserID, ErrInvalidChain)
		}
		seen[a.UserID] = true
	}
	return nil
}
