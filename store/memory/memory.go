// Package memory provides in-memory implementations of every store
// interface, for tests and local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/referral"
)

// Store implements ledger.Store, referral.Store, commission.ClaimStore and
// commission.EventStore.
type Store struct {
	mu      sync.RWMutex
	wallets map[ledger.OwnerID]*walletState

	// keysMu is only ever taken while holding at most one wallet lock.
	keysMu sync.Mutex
	keys   map[string]bool

	usersMu sync.RWMutex
	users   map[referral.UserID]referral.User
	codes   map[string]referral.UserID

	eventsMu sync.RWMutex
	events   map[commission.EventID]commission.Event

	claimsMu sync.Mutex
	claims   map[claimKey]commission.Claim
}

type walletState struct {
	mu     sync.Mutex
	wallet *ledger.Wallet
	txs    []ledger.Transaction
}

type claimKey struct {
	EventID    commission.EventID
	AncestorID referral.UserID
}

func New() *Store {
	return &Store{
		wallets: make(map[ledger.OwnerID]*walletState),
		keys:    make(map[string]bool),
		users:   make(map[referral.UserID]referral.User),
		codes:   make(map[string]referral.UserID),
		events:  make(map[commission.EventID]commission.Event),
		claims:  make(map[claimKey]commission.Claim),
	}
}

// =============================================================================
// LEDGER
// =============================================================================

func (m *Store) lookup(owner ledger.OwnerID) (*walletState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ws, ok := m.wallets[owner]
	return ws, ok
}

// state returns the owner's wallet, creating it. Only writers call it.
func (m *Store) state(owner ledger.OwnerID) *walletState {
	if ws, ok := m.lookup(owner); ok {
		return ws
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.wallets[owner]
	if !ok {
		ws = &walletState{}
		m.wallets[owner] = ws
	}
	return ws
}

// Append serializes on the owner's wallet lock. Different wallets proceed in
// parallel.
func (m *Store) Append(_ context.Context, tx ledger.Transaction) (ledger.Wallet, error) {
	ws := m.state(tx.OwnerID)
	ws.mu.Lock()
	defer ws.mu.Unlock()

	current := ledger.EmptyWallet(tx.OwnerID, tx.Amount.Currency)
	if ws.wallet != nil {
		current = *ws.wallet
	}

	m.keysMu.Lock()
	defer m.keysMu.Unlock()
	if tx.IdempotencyKey != "" && m.keys[tx.IdempotencyKey] {
		return current, ledger.ErrDuplicateIdempotencyKey
	}

	next := current.Apply(tx)
	if tx.Type == ledger.TxDebit && next.Balance.IsNegative() {
		return current, &ledger.InsufficientBalanceError{
			OwnerID:   tx.OwnerID,
			Available: current.Balance,
			Requested: tx.Amount,
		}
	}
	if tx.IdempotencyKey != "" {
		m.keys[tx.IdempotencyKey] = true
	}

	ws.txs = append(ws.txs, tx)
	ws.wallet = &next
	return next, nil
}

func (m *Store) Load(_ context.Context, owner ledger.OwnerID) ([]ledger.Transaction, error) {
	ws, ok := m.lookup(owner)
	if !ok {
		return []ledger.Transaction{}, nil
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()

	result := make([]ledger.Transaction, len(ws.txs))
	copy(result, ws.txs)
	return result, nil
}

func (m *Store) Wallet(_ context.Context, owner ledger.OwnerID) (*ledger.Wallet, error) {
	ws, ok := m.lookup(owner)
	if !ok {
		return nil, nil
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.wallet == nil {
		return nil, nil
	}
	w := *ws.wallet
	return &w, nil
}

func (m *Store) Exists(_ context.Context, idempotencyKey string) (bool, error) {
	m.keysMu.Lock()
	defer m.keysMu.Unlock()
	return m.keys[idempotencyKey], nil
}

// =============================================================================
// REFERRAL
// =============================================================================

func (m *Store) CreateUser(_ context.Context, u referral.User) error {
	m.usersMu.Lock()
	defer m.usersMu.Unlock()

	if _, ok := m.users[u.ID]; ok {
		return referral.ErrUserExists
	}
	if _, ok := m.codes[u.ReferralCode]; ok && u.ReferralCode != "" {
		return referral.ErrUserExists
	}
	if u.ReferredBy != "" {
		parent, ok := m.users[u.ReferredBy]
		if !ok {
			return referral.ErrUserNotFound
		}
		parent.ReferralCount++
		m.users[parent.ID] = parent
	}

	u.Ancestors = append([]referral.Ancestor(nil), u.Ancestors...)
	m.users[u.ID] = u
	if u.ReferralCode != "" {
		m.codes[u.ReferralCode] = u.ID
	}
	return nil
}

func (m *Store) GetUser(_ context.Context, id referral.UserID) (*referral.User, error) {
	m.usersMu.RLock()
	defer m.usersMu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, referral.ErrUserNotFound
	}
	return copyUser(u), nil
}

func (m *Store) GetUserByReferralCode(_ context.Context, code string) (*referral.User, error) {
	m.usersMu.RLock()
	defer m.usersMu.RUnlock()

	id, ok := m.codes[code]
	if !ok {
		return nil, referral.ErrUserNotFound
	}
	u, ok := m.users[id]
	if !ok {
		return nil, referral.ErrUserNotFound
	}
	return copyUser(u), nil
}

func (m *Store) ExistingUsers(_ context.Context, ids []referral.UserID) (map[referral.UserID]bool, error) {
	m.usersMu.RLock()
	defer m.usersMu.RUnlock()

	out := make(map[referral.UserID]bool, len(ids))
	for _, id := range ids {
		_, out[id] = m.users[id]
	}
	return out, nil
}

func (m *Store) DirectReferrals(_ context.Context, id referral.UserID) ([]referral.User, error) {
	m.usersMu.RLock()
	defer m.usersMu.RUnlock()

	var out []referral.User
	for _, u := range m.users {
		if u.ReferredBy == id {
			out = append(out, *copyUser(u))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Store) DeleteUser(_ context.Context, id referral.UserID) error {
	m.usersMu.Lock()
	defer m.usersMu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return referral.ErrUserNotFound
	}
	delete(m.users, id)
	delete(m.codes, u.ReferralCode)
	return nil
}

func copyUser(u referral.User) *referral.User {
	u.Ancestors = append([]referral.Ancestor(nil), u.Ancestors...)
	return &u
}

// =============================================================================
// CLAIMS
// =============================================================================

func (m *Store) AcquireClaim(_ context.Context, c commission.Claim, staleBefore time.Time) (commission.Claim, bool, error) {
	m.claimsMu.Lock()
	defer m.claimsMu.Unlock()

	k := claimKey{EventID: c.EventID, AncestorID: c.AncestorID}
	existing, ok := m.claims[k]
	if ok && (existing.Status == commission.ClaimApplied || !existing.ClaimedAt.Before(staleBefore)) {
		return existing, false, nil
	}
	m.claims[k] = c
	return c, true, nil
}

func (m *Store) MarkClaimApplied(_ context.Context, eventID commission.EventID, ancestorID referral.UserID, token string, at time.Time) error {
	m.claimsMu.Lock()
	defer m.claimsMu.Unlock()

	k := claimKey{EventID: eventID, AncestorID: ancestorID}
	c, ok := m.claims[k]
	if !ok || c.Token != token {
		return commission.ErrClaimNotHeld
	}
	c.Status = commission.ClaimApplied
	c.AppliedAt = &at
	m.claims[k] = c
	return nil
}

func (m *Store) ReleaseClaim(_ context.Context, eventID commission.EventID, ancestorID referral.UserID, token string) error {
	m.claimsMu.Lock()
	defer m.claimsMu.Unlock()

	k := claimKey{EventID: eventID, AncestorID: ancestorID}
	c, ok := m.claims[k]
	if !ok || c.Token != token || c.Status != commission.ClaimClaimed {
		return commission.ErrClaimNotHeld
	}
	delete(m.claims, k)
	return nil
}

func (m *Store) ListClaims(_ context.Context, eventID commission.EventID) ([]commission.Claim, error) {
	m.claimsMu.Lock()
	defer m.claimsMu.Unlock()

	var out []commission.Claim
	for k, c := range m.claims {
		if k.EventID == eventID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out, nil
}

// =============================================================================
// EVENTS
// =============================================================================

func (m *Store) CreateEvent(_ context.Context, e commission.Event) (commission.Event, bool, error) {
	m.eventsMu.Lock()
	defer m.eventsMu.Unlock()

	if existing, ok := m.events[e.ID]; ok {
		return existing, false, nil
	}
	e.Version = 0
	m.events[e.ID] = e
	return e, true, nil
}

func (m *Store) GetEvent(_ context.Context, id commission.EventID) (*commission.Event, error) {
	m.eventsMu.RLock()
	defer m.eventsMu.RUnlock()

	e, ok := m.events[id]
	if !ok {
		return nil, commission.ErrEventNotFound
	}
	return &e, nil
}

func (m *Store) UpdateEvent(_ context.Context, e commission.Event, expectedVersion int64) error {
	m.eventsMu.Lock()
	defer m.eventsMu.Unlock()

	current, ok := m.events[e.ID]
	if !ok {
		return commission.ErrEventNotFound
	}
	if current.Version != expectedVersion {
		return commission.ErrConcurrentModification
	}
	e.Version = expectedVersion + 1
	m.events[e.ID] = e
	return nil
}

func (m *Store) ListEvents(_ context.Context, filter commission.EventFilter) ([]commission.Event, error) {
	m.eventsMu.RLock()
	defer m.eventsMu.RUnlock()

	var out []commission.Event
	for _, e := range m.events {
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Store) DueEvents(_ context.Context, now time.Time, limit int) ([]commission.Event, error) {
	m.eventsMu.RLock()
	defer m.eventsMu.RUnlock()

	var out []commission.Event
	for _, e := range m.events {
		if e.Retryable(now) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(*out[j].NextRetryAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping always succeeds.
func (m *Store) Ping(context.Context) error { return nil }

// Reset drops all data. Demo scenarios only.
func (m *Store) Reset(_ context.Context) error {
	m.mu.Lock()
	m.wallets = make(map[ledger.OwnerID]*walletState)
	m.mu.Unlock()

	m.keysMu.Lock()
	m.keys = make(map[string]bool)
	m.keysMu.Unlock()

	m.usersMu.Lock()
	m.users = make(map[referral.UserID]referral.User)
	m.codes = make(map[string]referral.UserID)
	m.usersMu.Unlock()

	m.eventsMu.Lock()
	m.events = make(map[commission.EventID]commission.Event)
	m.eventsMu.Unlock()

	m.claimsMu.Lock()
	m.claims = make(map[claimKey]commission.Claim)
	m.claimsMu.Unlock()
	return nil
}
