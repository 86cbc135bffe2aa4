/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

INTERFACES IMPLEMENTED:
  ledger.Store:           wallet transactions + wallet counters
  referral.Store:         user records with materialized chains
  commission.ClaimStore:  (event, ancestor) idempotency claims
  commission.EventStore:  commission events with versioned updates

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on wallet_transactions
  - wallets is a counter table, written in the same SQL transaction as the
    insert it summarizes

KEY CONSTRAINTS:
  wallet_transactions.idempotency_key UNIQUE   second line of defence
  claims PRIMARY KEY (event_id, ancestor_id)   one claim per pair
  users.referral_code UNIQUE

CONCURRENCY:
  Writes take s.mu and run in one SQL transaction. SQLite has a single
  writer, so appends to different wallets are serialized too; Postgres
  lifts that.

TIMES:
  Stored as fixed-width UTC text (timeLayout) so that string comparison
  orders them. Claim leases and retry schedules rely on that.

USAGE:
  store, err := sqlite.New("./data/commission.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/referral"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sqlx.DB
	mu sync.Mutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// NewWithDB wraps an open handle without migrating it.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "sqlite3")}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the database schema.
func (s *Store) Migrate(ctx context.Context) error {
	schema := `
	-- Wallet transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS wallet_transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		owner_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		source_event_id TEXT NOT NULL DEFAULT '',
		source_level INTEGER NOT NULL DEFAULT 0,
		applied_rate TEXT NOT NULL DEFAULT '0',
		rate_version TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_wallet_transactions_owner
		ON wallet_transactions(owner_id, seq);
	CREATE INDEX IF NOT EXISTS idx_wallet_transactions_event
		ON wallet_transactions(source_event_id) WHERE source_event_id != '';

	-- Wallet counters
	CREATE TABLE IF NOT EXISTS wallets (
		owner_id TEXT PRIMARY KEY,
		currency TEXT NOT NULL,
		balance TEXT NOT NULL,
		total_earnings TEXT NOT NULL,
		tx_count INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Referral records
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		referral_code TEXT UNIQUE,
		referred_by TEXT NOT NULL DEFAULT '',
		ancestors_json TEXT NOT NULL,
		referral_count INTEGER NOT NULL DEFAULT 0,
		plan TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_users_referred_by
		ON users(referred_by);

	-- Idempotency claims
	CREATE TABLE IF NOT EXISTS claims (
		event_id TEXT NOT NULL,
		ancestor_id TEXT NOT NULL,
		level INTEGER NOT NULL,
		status TEXT NOT NULL,
		token TEXT NOT NULL,
		claimed_at TEXT NOT NULL,
		applied_at TEXT,
		PRIMARY KEY (event_id, ancestor_id)
	);

	-- Commission events
	CREATE TABLE IF NOT EXISTS commission_events (
		id TEXT PRIMARY KEY,
		payer_id TEXT NOT NULL,
		plan_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 0,
		credited INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		missing INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		next_retry_at TEXT,
		confirmed_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_commission_events_status
		ON commission_events(status);
	CREATE INDEX IF NOT EXISTS idx_commission_events_retry
		ON commission_events(next_retry_at) WHERE next_retry_at IS NOT NULL;
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Reset clears all data. Demo scenarios only.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM wallet_transactions;
		DELETE FROM wallets;
		DELETE FROM users;
		DELETE FROM claims;
		DELETE FROM commission_events;
	`)
	return err
}

// withTx runs fn in one SQL transaction under the writer lock.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// =============================================================================
// LEDGER (ledger.Store interface)
// =============================================================================

type walletRow struct {
	OwnerID       string `db:"owner_id"`
	Currency      string `db:"currency"`
	Balance       string `db:"balance"`
	TotalEarnings string `db:"total_earnings"`
	TxCount       int    `db:"tx_count"`
	UpdatedAt     string `db:"updated_at"`
}

func (r walletRow) wallet() (ledger.Wallet, error) {
	balance, err := decimal.NewFromString(r.Balance)
	if err != nil {
		return ledger.Wallet{}, fmt.Errorf("wallet %s balance: %w", r.OwnerID, err)
	}
	earnings, err := decimal.NewFromString(r.TotalEarnings)
	if err != nil {
		return ledger.Wallet{}, fmt.Errorf("wallet %s earnings: %w", r.OwnerID, err)
	}
	c := ledger.Currency(r.Currency)
	return ledger.Wallet{
		OwnerID:          ledger.OwnerID(r.OwnerID),
		Currency:         c,
		Balance:          ledger.NewAmountFromDecimal(balance, c),
		TotalEarnings:    ledger.NewAmountFromDecimal(earnings, c),
		TransactionCount: r.TxCount,
		UpdatedAt:        parseTime(r.UpdatedAt),
	}, nil
}

type txRow struct {
	ID             string         `db:"id"`
	OwnerID        string         `db:"owner_id"`
	Amount         string         `db:"amount"`
	Currency       string         `db:"currency"`
	TxType         string         `db:"tx_type"`
	Description    string         `db:"description"`
	SourceEventID  string         `db:"source_event_id"`
	SourceLevel    int            `db:"source_level"`
	AppliedRate    string         `db:"applied_rate"`
	RateVersion    string         `db:"rate_version"`
	IdempotencyKey sql.NullString `db:"idempotency_key"`
	CreatedAt      string         `db:"created_at"`
}

func (r txRow) transaction() (ledger.Transaction, error) {
	amount, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("transaction %s amount: %w", r.ID, err)
	}
	rate, err := decimal.NewFromString(r.AppliedRate)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("transaction %s rate: %w", r.ID, err)
	}
	return ledger.Transaction{
		ID:                  ledger.TransactionID(r.ID),
		OwnerID:             ledger.OwnerID(r.OwnerID),
		Amount:              ledger.NewAmountFromDecimal(amount, ledger.Currency(r.Currency)),
		Type:                ledger.TransactionType(r.TxType),
		Description:         r.Description,
		Timestamp:           parseTime(r.CreatedAt),
		SourceEventID:       r.SourceEventID,
		SourceAncestorLevel: r.SourceLevel,
		AppliedRate:         rate,
		RateVersion:         r.RateVersion,
		IdempotencyKey:      r.IdempotencyKey.String,
	}, nil
}

// Append inserts the transaction and rewrites the wallet counters in one
// SQL transaction.
func (s *Store) Append(ctx context.Context, t ledger.Transaction) (ledger.Wallet, error) {
	var next ledger.Wallet
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		current := ledger.EmptyWallet(t.OwnerID, t.Amount.Currency)
		var row walletRow
		err := tx.GetContext(ctx, &row, `SELECT * FROM wallets WHERE owner_id = ?`, t.OwnerID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("failed to load wallet: %w", err)
		default:
			if current, err = row.wallet(); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO wallet_transactions
			(id, owner_id, amount, currency, tx_type, description, source_event_id,
			 source_level, applied_rate, rate_version, idempotency_key, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.OwnerID, t.Amount.Value.String(), t.Amount.Currency, t.Type, t.Description,
			t.SourceEventID, t.SourceAncestorLevel, t.AppliedRate.String(), t.RateVersion,
			nullString(t.IdempotencyKey), formatTime(t.Timestamp),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return ledger.ErrDuplicateIdempotencyKey
			}
			return fmt.Errorf("failed to append transaction: %w", err)
		}

		next = current.Apply(t)
		if t.Type == ledger.TxDebit && next.Balance.IsNegative() {
			return &ledger.InsufficientBalanceError{OwnerID: t.OwnerID, Available: current.Balance, Requested: t.Amount}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO wallets (owner_id, currency, balance, total_earnings, tx_count, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(owner_id) DO UPDATE SET
				balance = excluded.balance,
				total_earnings = excluded.total_earnings,
				tx_count = excluded.tx_count,
				updated_at = excluded.updated_at`,
			next.OwnerID, next.Currency, next.Balance.Value.String(), next.TotalEarnings.Value.String(),
			next.TransactionCount, formatTime(next.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to update wallet: %w", err)
		}
		return nil
	})
	if err != nil {
		return ledger.Wallet{}, err
	}
	return next, nil
}

func (s *Store) Load(ctx context.Context, owner ledger.OwnerID) ([]ledger.Transaction, error) {
	var rows []txRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, owner_id, amount, currency, tx_type, description, source_event_id,
		       source_level, applied_rate, rate_version, idempotency_key, created_at
		FROM wallet_transactions WHERE owner_id = ? ORDER BY seq`, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to load transactions: %w", err)
	}
	out := make([]ledger.Transaction, 0, len(rows))
	for _, r := range rows {
		t, err := r.transaction()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) Wallet(ctx context.Context, owner ledger.OwnerID) (*ledger.Wallet, error) {
	var row walletRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM wallets WHERE owner_id = ?`, owner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}
	w, err := row.wallet()
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *Store) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM wallet_transactions WHERE idempotency_key = ?`, idempotencyKey)
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	return n > 0, nil
}

// =============================================================================
// REFERRAL (referral.Store interface)
// =============================================================================

type userRow struct {
	ID            string         `db:"id"`
	Name          string         `db:"name"`
	Email         string         `db:"email"`
	ReferralCode  sql.NullString `db:"referral_code"`
	ReferredBy    string         `db:"referred_by"`
	AncestorsJSON string         `db:"ancestors_json"`
	ReferralCount int            `db:"referral_count"`
	Plan          string         `db:"plan"`
	CreatedAt     string         `db:"created_at"`
}

func (r userRow) user() (*referral.User, error) {
	var ancestors []referral.Ancestor
	if err := json.Unmarshal([]byte(r.AncestorsJSON), &ancestors); err != nil {
		return nil, fmt.Errorf("user %s ancestors: %w", r.ID, err)
	}
	return &referral.User{
		ID:            referral.UserID(r.ID),
		Name:          r.Name,
		Email:         r.Email,
		ReferralCode:  r.ReferralCode.String,
		ReferredBy:    referral.UserID(r.ReferredBy),
		Ancestors:     ancestors,
		ReferralCount: r.ReferralCount,
		Plan:          r.Plan,
		CreatedAt:     parseTime(r.CreatedAt),
	}, nil
}

func (s *Store) CreateUser(ctx context.Context, u referral.User) error {
	ancestors := u.Ancestors
	if ancestors == nil {
		ancestors = []referral.Ancestor{}
	}
	ancestorsJSON, err := json.Marshal(ancestors)
	if err != nil {
		return fmt.Errorf("failed to marshal ancestors: %w", err)
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO users (id, name, email, referral_code, referred_by, ancestors_json, referral_count, plan, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			u.ID, u.Name, u.Email, nullString(u.ReferralCode), u.ReferredBy, string(ancestorsJSON), u.Plan, formatTime(u.CreatedAt),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return referral.ErrUserExists
			}
			return fmt.Errorf("failed to insert user: %w", err)
		}
		if u.ReferredBy == "" {
			return nil
		}
		res, err := tx.ExecContext(ctx, `UPDATE users SET referral_count = referral_count + 1 WHERE id = ?`, u.ReferredBy)
		if err != nil {
			return fmt.Errorf("failed to update referral count: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return referral.ErrUserNotFound
		}
		return nil
	})
}

func (s *Store) GetUser(ctx context.Context, id referral.UserID) (*referral.User, error) {
	return s.getUser(ctx, `SELECT * FROM users WHERE id = ?`, id)
}

func (s *Store) GetUserByReferralCode(ctx context.Context, code string) (*referral.User, error) {
	return s.getUser(ctx, `SELECT * FROM users WHERE referral_code = ?`, code)
}

func (s *Store) getUser(ctx context.Context, query string, arg any) (*referral.User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, referral.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return row.user()
}

func (s *Store) ExistingUsers(ctx context.Context, ids []referral.UserID) (map[referral.UserID]bool, error) {
	out := make(map[referral.UserID]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`SELECT id FROM users WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var found []string
	if err := s.db.SelectContext(ctx, &found, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to check users: %w", err)
	}
	for _, id := range ids {
		out[id] = false
	}
	for _, id := range found {
		out[referral.UserID(id)] = true
	}
	return out, nil
}

func (s *Store) DirectReferrals(ctx context.Context, id referral.UserID) ([]referral.User, error) {
	var rows []userRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM users WHERE referred_by = ? ORDER BY created_at, id`, id); err != nil {
		return nil, fmt.Errorf("failed to load referrals: %w", err)
	}
	out := make([]referral.User, 0, len(rows))
	for _, r := range rows {
		u, err := r.user()
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, nil
}

func (s *Store) DeleteUser(ctx context.Context, id referral.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return referral.ErrUserNotFound
	}
	return nil
}

// =============================================================================
// CLAIMS (commission.ClaimStore interface)
// =============================================================================

type claimRow struct {
	EventID    string         `db:"event_id"`
	AncestorID string         `db:"ancestor_id"`
	Level      int            `db:"level"`
	Status     string         `db:"status"`
	Token      string         `db:"token"`
	ClaimedAt  string         `db:"claimed_at"`
	AppliedAt  sql.NullString `db:"applied_at"`
}

func (r claimRow) claim() commission.Claim {
	c := commission.Claim{
		EventID:    commission.EventID(r.EventID),
		AncestorID: referral.UserID(r.AncestorID),
		Level:      r.Level,
		Status:     commission.ClaimStatus(r.Status),
		Token:      r.Token,
		ClaimedAt:  parseTime(r.ClaimedAt),
	}
	if r.AppliedAt.Valid {
		t := parseTime(r.AppliedAt.String)
		c.AppliedAt = &t
	}
	return c
}

// AcquireClaim inserts the claim, or takes over a stale unapplied one. The
// upsert's WHERE clause makes the takeover atomic.
func (s *Store) AcquireClaim(ctx context.Context, c commission.Claim, staleBefore time.Time) (commission.Claim, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO claims (event_id, ancestor_id, level, status, token, claimed_at, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(event_id, ancestor_id) DO UPDATE SET
			level = excluded.level,
			status = excluded.status,
			token = excluded.token,
			claimed_at = excluded.claimed_at
		WHERE claims.status = 'claimed' AND claims.claimed_at < ?`,
		c.EventID, c.AncestorID, c.Level, c.Status, c.Token, formatTime(c.ClaimedAt), formatTime(staleBefore),
	)
	if err != nil {
		return commission.Claim{}, false, fmt.Errorf("failed to acquire claim: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return c, true, nil
	}

	var row claimRow
	err = s.db.GetContext(ctx, &row, `SELECT * FROM claims WHERE event_id = ? AND ancestor_id = ?`, c.EventID, c.AncestorID)
	if err != nil {
		return commission.Claim{}, false, fmt.Errorf("failed to load claim: %w", err)
	}
	return row.claim(), false, nil
}

func (s *Store) MarkClaimApplied(ctx context.Context, eventID commission.EventID, ancestorID referral.UserID, token string, at time.Time) error {
	return s.execClaim(ctx, `
		UPDATE claims SET status = 'applied', applied_at = ?
		WHERE event_id = ? AND ancestor_id = ? AND token = ?`,
		formatTime(at), eventID, ancestorID, token)
}

func (s *Store) ReleaseClaim(ctx context.Context, eventID commission.EventID, ancestorID referral.UserID, token string) error {
	return s.execClaim(ctx, `
		DELETE FROM claims
		WHERE event_id = ? AND ancestor_id = ? AND token = ? AND status = 'claimed'`,
		eventID, ancestorID, token)
}

func (s *Store) execClaim(ctx context.Context, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update claim: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return commission.ErrClaimNotHeld
	}
	return nil
}

func (s *Store) ListClaims(ctx context.Context, eventID commission.EventID) ([]commission.Claim, error) {
	var rows []claimRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM claims WHERE event_id = ? ORDER BY level`, eventID); err != nil {
		return nil, fmt.Errorf("failed to list claims: %w", err)
	}
	out := make([]commission.Claim, len(rows))
	for i, r := range rows {
		out[i] = r.claim()
	}
	return out, nil
}

// =============================================================================
// EVENTS (commission.EventStore interface)
// =============================================================================

type eventRow struct {
	ID          string         `db:"id"`
	PayerID     string         `db:"payer_id"`
	PlanID      string         `db:"plan_id"`
	Amount      string         `db:"amount"`
	Currency    string         `db:"currency"`
	Status      string         `db:"status"`
	Attempts    int            `db:"attempts"`
	Version     int64          `db:"version"`
	Credited    int            `db:"credited"`
	Skipped     int            `db:"skipped"`
	Missing     int            `db:"missing"`
	Failed      int            `db:"failed"`
	LastError   string         `db:"last_error"`
	NextRetryAt sql.NullString `db:"next_retry_at"`
	ConfirmedAt string         `db:"confirmed_at"`
	CreatedAt   string         `db:"created_at"`
	UpdatedAt   string         `db:"updated_at"`
}

func (r eventRow) event() (commission.Event, error) {
	amount, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return commission.Event{}, fmt.Errorf("event %s amount: %w", r.ID, err)
	}
	e := commission.Event{
		ID:          commission.EventID(r.ID),
		PayerID:     referral.UserID(r.PayerID),
		PlanID:      commission.PlanID(r.PlanID),
		Amount:      ledger.NewAmountFromDecimal(amount, ledger.Currency(r.Currency)),
		Status:      commission.Status(r.Status),
		Attempts:    r.Attempts,
		Version:     r.Version,
		Credited:    r.Credited,
		Skipped:     r.Skipped,
		Missing:     r.Missing,
		Failed:      r.Failed,
		LastError:   r.LastError,
		ConfirmedAt: parseTime(r.ConfirmedAt),
		CreatedAt:   parseTime(r.CreatedAt),
		UpdatedAt:   parseTime(r.UpdatedAt),
	}
	if r.NextRetryAt.Valid {
		t := parseTime(r.NextRetryAt.String)
		e.NextRetryAt = &t
	}
	return e, nil
}

func (s *Store) CreateEvent(ctx context.Context, e commission.Event) (commission.Event, bool, error) {
	s.mu.Lock()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO commission_events
		(id, payer_id, plan_id, amount, currency, status, attempts, version, credited, skipped,
		 missing, failed, last_error, next_retry_at, confirmed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		e.ID, e.PayerID, e.PlanID, e.Amount.Value.String(), e.Amount.Currency, e.Status, e.Attempts,
		e.Credited, e.Skipped, e.Missing, e.Failed, e.LastError, nullTime(e.NextRetryAt),
		formatTime(e.ConfirmedAt), formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
	)
	s.mu.Unlock()
	if err != nil {
		return commission.Event{}, false, fmt.Errorf("failed to create event: %w", err)
	}

	created := false
	if n, _ := res.RowsAffected(); n > 0 {
		created = true
	}
	stored, err := s.GetEvent(ctx, e.ID)
	if err != nil {
		return commission.Event{}, false, err
	}
	return *stored, created, nil
}

func (s *Store) GetEvent(ctx context.Context, id commission.EventID) (*commission.Event, error) {
	var row eventRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM commission_events WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, commission.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load event: %w", err)
	}
	e, err := row.event()
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// UpdateEvent is a compare-and-set on version.
func (s *Store) UpdateEvent(ctx context.Context, e commission.Event, expectedVersion int64) error {
	s.mu.Lock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE commission_events SET
			status = ?, attempts = ?, version = version + 1, credited = ?, skipped = ?,
			missing = ?, failed = ?, last_error = ?, next_retry_at = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		e.Status, e.Attempts, e.Credited, e.Skipped, e.Missing, e.Failed, e.LastError,
		nullTime(e.NextRetryAt), formatTime(e.UpdatedAt), e.ID, expectedVersion,
	)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to update event: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.GetEvent(ctx, e.ID); err != nil {
		return err
	}
	return commission.ErrConcurrentModification
}

func (s *Store) ListEvents(ctx context.Context, filter commission.EventFilter) ([]commission.Event, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM commission_events
		WHERE (? = '' OR status = ?)
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, filter.Status, filter.Status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return toEvents(rows)
}

func (s *Store) DueEvents(ctx context.Context, now time.Time, limit int) ([]commission.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM commission_events
		WHERE status != ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		ORDER BY next_retry_at
		LIMIT ?`, commission.StatusDistributed, formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due events: %w", err)
	}
	return toEvents(rows)
}

func toEvents(rows []eventRow) ([]commission.Event, error) {
	out := make([]commission.Event, 0, len(rows))
	for _, r := range rows {
		e, err := r.event()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
