/*
Package postgres provides a PostgreSQL implementation of the storage
interfaces over a pgxpool connection pool.

DIFFERENCES FROM SQLITE:
  - Appends lock only the owner's wallet row (SELECT ... FOR UPDATE), so
    different wallets are credited in parallel.
  - Amounts are NUMERIC, read back as text into decimal.Decimal.
  - Chains are JSONB.
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/referral"
)

// PoolConfig tunes the connection pool.
type PoolConfig struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

// NewPool opens and pings a pool.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}
	return pool, nil
}

// Store implements ledger.Store, referral.Store, commission.ClaimStore and
// commission.EventStore.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const schema = `
CREATE TABLE IF NOT EXISTS wallet_transactions (
	seq BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	owner_id TEXT NOT NULL,
	amount NUMERIC NOT NULL,
	currency TEXT NOT NULL,
	tx_type TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	source_event_id TEXT NOT NULL DEFAULT '',
	source_level INTEGER NOT NULL DEFAULT 0,
	applied_rate NUMERIC NOT NULL DEFAULT 0,
	rate_version TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT UNIQUE,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_wallet_transactions_owner ON wallet_transactions(owner_id, seq);

CREATE TABLE IF NOT EXISTS wallets (
	owner_id TEXT PRIMARY KEY,
	currency TEXT NOT NULL,
	balance NUMERIC NOT NULL DEFAULT 0,
	total_earnings NUMERIC NOT NULL DEFAULT 0,
	tx_count INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	referral_code TEXT UNIQUE,
	referred_by TEXT NOT NULL DEFAULT '',
	ancestors JSONB NOT NULL DEFAULT '[]',
	referral_count INTEGER NOT NULL DEFAULT 0,
	plan TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_users_referred_by ON users(referred_by);

CREATE TABLE IF NOT EXISTS claims (
	event_id TEXT NOT NULL,
	ancestor_id TEXT NOT NULL,
	level INTEGER NOT NULL,
	status TEXT NOT NULL,
	token TEXT NOT NULL,
	claimed_at TIMESTAMPTZ NOT NULL,
	applied_at TIMESTAMPTZ,
	PRIMARY KEY (event_id, ancestor_id)
);

CREATE TABLE IF NOT EXISTS commission_events (
	id TEXT PRIMARY KEY,
	payer_id TEXT NOT NULL,
	plan_id TEXT NOT NULL,
	amount NUMERIC NOT NULL,
	currency TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	version BIGINT NOT NULL DEFAULT 0,
	credited INTEGER NOT NULL DEFAULT 0,
	skipped INTEGER NOT NULL DEFAULT 0,
	missing INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	next_retry_at TIMESTAMPTZ,
	confirmed_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_commission_events_status ON commission_events(status);
CREATE INDEX IF NOT EXISTS idx_commission_events_retry ON commission_events(next_retry_at) WHERE next_retry_at IS NOT NULL;
`

// Migrate creates the schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

// Reset clears all data. Demo scenarios only.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE wallet_transactions, wallets, users, claims, commission_events`)
	return err
}

// =============================================================================
// LEDGER
// =============================================================================

const walletColumns = `owner_id, currency, balance::text, total_earnings::text, tx_count, updated_at`

func scanWallet(row pgx.Row) (ledger.Wallet, error) {
	var (
		owner, currency, balance, earnings string
		count                              int
		updated                            time.Time
	)
	if err := row.Scan(&owner, &currency, &balance, &earnings, &count, &updated); err != nil {
		return ledger.Wallet{}, err
	}
	c := ledger.Currency(currency)
	b, err := decimal.NewFromString(balance)
	if err != nil {
		return ledger.Wallet{}, err
	}
	e, err := decimal.NewFromString(earnings)
	if err != nil {
		return ledger.Wallet{}, err
	}
	return ledger.Wallet{
		OwnerID:          ledger.OwnerID(owner),
		Currency:         c,
		Balance:          ledger.NewAmountFromDecimal(b, c),
		TotalEarnings:    ledger.NewAmountFromDecimal(e, c),
		TransactionCount: count,
		UpdatedAt:        updated.UTC(),
	}, nil
}

// Append locks the wallet row, inserts the transaction and rewrites the
// counters in one transaction.
func (s *Store) Append(ctx context.Context, t ledger.Transaction) (ledger.Wallet, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ledger.Wallet{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO wallets (owner_id, currency, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (owner_id) DO NOTHING`,
		string(t.OwnerID), string(t.Amount.Currency), t.Timestamp)
	if err != nil {
		return ledger.Wallet{}, fmt.Errorf("failed to init wallet: %w", err)
	}
	current, err := scanWallet(tx.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE owner_id = $1 FOR UPDATE`, string(t.OwnerID)))
	if err != nil {
		return ledger.Wallet{}, fmt.Errorf("failed to lock wallet: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO wallet_transactions
		(id, owner_id, amount, currency, tx_type, description, source_event_id,
		 source_level, applied_rate, rate_version, idempotency_key, created_at)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, $9::numeric, $10, NULLIF($11, ''), $12)`,
		string(t.ID), string(t.OwnerID), t.Amount.Value.String(), string(t.Amount.Currency), string(t.Type),
		t.Description, t.SourceEventID, t.SourceAncestorLevel, t.AppliedRate.String(), t.RateVersion,
		t.IdempotencyKey, t.Timestamp,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.Wallet{}, ledger.ErrDuplicateIdempotencyKey
		}
		return ledger.Wallet{}, fmt.Errorf("failed to append transaction: %w", err)
	}

	next := current.Apply(t)
	if t.Type == ledger.TxDebit && next.Balance.IsNegative() {
		return ledger.Wallet{}, &ledger.InsufficientBalanceError{OwnerID: t.OwnerID, Available: current.Balance, Requested: t.Amount}
	}

	_, err = tx.Exec(ctx, `
		UPDATE wallets SET balance = $2::numeric, total_earnings = $3::numeric, tx_count = $4, updated_at = $5
		WHERE owner_id = $1`,
		string(next.OwnerID), next.Balance.Value.String(), next.TotalEarnings.Value.String(),
		next.TransactionCount, next.UpdatedAt)
	if err != nil {
		return ledger.Wallet{}, fmt.Errorf("failed to update wallet: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return ledger.Wallet{}, fmt.Errorf("failed to commit: %w", err)
	}
	return next, nil
}

func (s *Store) Load(ctx context.Context, owner ledger.OwnerID) ([]ledger.Transaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner_id, amount::text, currency, tx_type, description, source_event_id,
		       source_level, applied_rate::text, rate_version, COALESCE(idempotency_key, ''), created_at
		FROM wallet_transactions WHERE owner_id = $1 ORDER BY seq`, string(owner))
	if err != nil {
		return nil, fmt.Errorf("failed to load transactions: %w", err)
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		var (
			id, ownerID, amount, currency, txType, desc, eventID, rate, version, key string
			level                                                                   int
			created                                                                 time.Time
		)
		if err := rows.Scan(&id, &ownerID, &amount, &currency, &txType, &desc, &eventID, &level, &rate, &version, &key, &created); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		a, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, err
		}
		r, err := decimal.NewFromString(rate)
		if err != nil {
			return nil, err
		}
		out = append(out, ledger.Transaction{
			ID:                  ledger.TransactionID(id),
			OwnerID:             ledger.OwnerID(ownerID),
			Amount:              ledger.NewAmountFromDecimal(a, ledger.Currency(currency)),
			Type:                ledger.TransactionType(txType),
			Description:         desc,
			Timestamp:           created.UTC(),
			SourceEventID:       eventID,
			SourceAncestorLevel: level,
			AppliedRate:         r,
			RateVersion:         version,
			IdempotencyKey:      key,
		})
	}
	return out, rows.Err()
}

func (s *Store) Wallet(ctx context.Context, owner ledger.OwnerID) (*ledger.Wallet, error) {
	w, err := scanWallet(s.pool.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE owner_id = $1`, string(owner)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}
	return &w, nil
}

func (s *Store) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM wallet_transactions WHERE idempotency_key = $1)`, idempotencyKey).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	return exists, nil
}

// =============================================================================
// REFERRAL
// =============================================================================

const userColumns = `id, name, email, COALESCE(referral_code, ''), referred_by, ancestors, referral_count, plan, created_at`

func scanUser(row pgx.Row) (*referral.User, error) {
	var (
		id, name, email, code, referredBy, plan string
		ancestorsJSON                           []byte
		count                                   int
		created                                 time.Time
	)
	if err := row.Scan(&id, &name, &email, &code, &referredBy, &ancestorsJSON, &count, &plan, &created); err != nil {
		return nil, err
	}
	var ancestors []referral.Ancestor
	if err := json.Unmarshal(ancestorsJSON, &ancestors); err != nil {
		return nil, fmt.Errorf("user %s ancestors: %w", id, err)
	}
	return &referral.User{
		ID:            referral.UserID(id),
		Name:          name,
		Email:         email,
		ReferralCode:  code,
		ReferredBy:    referral.UserID(referredBy),
		Ancestors:     ancestors,
		ReferralCount: count,
		Plan:          plan,
		CreatedAt:     created.UTC(),
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO users (id, name, email, referral_code, referred_by, ancestors, plan, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8)`,
		string(u.ID), u.Name, u.Email, u.ReferralCode, string(u.ReferredBy), ancestorsJSON, u.Plan, u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return referral.ErrUserExists
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	if u.ReferredBy != "" {
		tag, err := tx.Exec(ctx, `UPDATE users SET referral_count = referral_count + 1 WHERE id = $1`, string(u.ReferredBy))
		if err != nil {
			return fmt.Errorf("failed to update referral count: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return referral.ErrUserNotFound
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) GetUser(ctx context.Context, id referral.UserID) (*referral.User, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, string(id))
}

func (s *Store) GetUserByReferralCode(ctx context.Context, code string) (*referral.User, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE referral_code = $1`, code)
}

func (s *Store) getUser(ctx context.Context, query string, arg string) (*referral.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, referral.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return u, nil
}

func (s *Store) ExistingUsers(ctx context.Context, ids []referral.UserID) (map[referral.UserID]bool, error) {
	out := make(map[referral.UserID]bool, len(ids))
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = string(id)
		out[id] = false
	}
	rows, err := s.pool.Query(ctx, `SELECT id FROM users WHERE id = ANY($1)`, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to check users: %w", err)
	}
	found, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to check users: %w", err)
	}
	for _, id := range found {
		out[referral.UserID(id)] = true
	}
	return out, nil
}

func (s *Store) DirectReferrals(ctx context.Context, id referral.UserID) ([]referral.User, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+userColumns+` FROM users WHERE referred_by = $1 ORDER BY created_at, id`, string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to load referrals: %w", err)
	}
	defer rows.Close()

	var out []referral.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

func (s *Store) DeleteUser(ctx context.Context, id referral.UserID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, string(id))
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return referral.ErrUserNotFound
	}
	return nil
}

// =============================================================================
// CLAIMS
// =============================================================================

const claimColumns = `event_id, ancestor_id, level, status, token, claimed_at, applied_at`

func scanClaim(row pgx.Row) (commission.Claim, error) {
	var (
		eventID, ancestorID, status, token string
		level                              int
		claimedAt                          time.Time
		appliedAt                          *time.Time
	)
	if err := row.Scan(&eventID, &ancestorID, &level, &status, &token, &claimedAt, &appliedAt); err != nil {
		return commission.Claim{}, err
	}
	c := commission.Claim{
		EventID:    commission.EventID(eventID),
		AncestorID: referral.UserID(ancestorID),
		Level:      level,
		Status:     commission.ClaimStatus(status),
		Token:      token,
		ClaimedAt:  claimedAt.UTC(),
	}
	if appliedAt != nil {
		t := appliedAt.UTC()
		c.AppliedAt = &t
	}
	return c, nil
}

func (s *Store) AcquireClaim(ctx context.Context, c commission.Claim, staleBefore time.Time) (commission.Claim, bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO claims (event_id, ancestor_id, level, status, token, claimed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id, ancestor_id) DO UPDATE SET
			level = EXCLUDED.level,
			status = EXCLUDED.status,
			token = EXCLUDED.token,
			claimed_at = EXCLUDED.claimed_at
		WHERE claims.status = 'claimed' AND claims.claimed_at < $7`,
		string(c.EventID), string(c.AncestorID), c.Level, string(c.Status), c.Token, c.ClaimedAt, staleBefore)
	if err != nil {
		return commission.Claim{}, false, fmt.Errorf("failed to acquire claim: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return c, true, nil
	}
	existing, err := scanClaim(s.pool.QueryRow(ctx, `SELECT `+claimColumns+` FROM claims WHERE event_id = $1 AND ancestor_id = $2`,
		string(c.EventID), string(c.AncestorID)))
	if err != nil {
		return commission.Claim{}, false, fmt.Errorf("failed to load claim: %w", err)
	}
	return existing, false, nil
}

func (s *Store) MarkClaimApplied(ctx context.Context, eventID commission.EventID, ancestorID referral.UserID, token string, at time.Time) error {
	return s.execClaim(ctx, `
		UPDATE claims SET status = 'applied', applied_at = $4
		WHERE event_id = $1 AND ancestor_id = $2 AND token = $3`,
		string(eventID), string(ancestorID), token, at)
}

func (s *Store) ReleaseClaim(ctx context.Context, eventID commission.EventID, ancestorID referral.UserID, token string) error {
	return s.execClaim(ctx, `
		DELETE FROM claims WHERE event_id = $1 AND ancestor_id = $2 AND token = $3 AND status = 'claimed'`,
		string(eventID), string(ancestorID), token)
}

func (s *Store) execClaim(ctx context.Context, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return commission.ErrClaimNotHeld
	}
	return nil
}

func (s *Store) ListClaims(ctx context.Context, eventID commission.EventID) ([]commission.Claim, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+claimColumns+` FROM claims WHERE event_id = $1 ORDER BY level`, string(eventID))
	if err != nil {
		return nil, fmt.Errorf("failed to list claims: %w", err)
	}
	defer rows.Close()

	var out []commission.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// =============================================================================
// EVENTS
// =============================================================================

const eventColumns = `id, payer_id, plan_id, amount::text, currency, status, attempts, version,
	credited, skipped, missing, failed, last_error, next_retry_at, confirmed_at, created_at, updated_at`

func scanEvent(row pgx.Row) (commission.Event, error) {
	var (
		id, payer, plan, amount, currency, status, lastError string
		attempts, credited, skipped, missing, failed         int
		version                                              int64
		nextRetry                                            *time.Time
		confirmed, created, updated                          time.Time
	)
	err := row.Scan(&id, &payer, &plan, &amount, &currency, &status, &attempts, &version,
		&credited, &skipped, &missing, &failed, &lastError, &nextRetry, &confirmed, &created, &updated)
	if err != nil {
		return commission.Event{}, err
	}
	a, err := decimal.NewFromString(amount)
	if err != nil {
		return commission.Event{}, err
	}
	e := commission.Event{
		ID:          commission.EventID(id),
		PayerID:     referral.UserID(payer),
		PlanID:      commission.PlanID(plan),
		Amount:      ledger.NewAmountFromDecimal(a, ledger.Currency(currency)),
		Status:      commission.Status(status),
		Attempts:    attempts,
		Version:     version,
		Credited:    credited,
		Skipped:     skipped,
		Missing:     missing,
		Failed:      failed,
		LastError:   lastError,
		ConfirmedAt: confirmed.UTC(),
		CreatedAt:   created.UTC(),
		UpdatedAt:   updated.UTC(),
	}
	if nextRetry != nil {
		t := nextRetry.UTC()
		e.NextRetryAt = &t
	}
	return e, nil
}

func (s *Store) CreateEvent(ctx context.Context, e commission.Event) (commission.Event, bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO commission_events
		(id, payer_id, plan_id, amount, currency, status, attempts, version, credited, skipped,
		 missing, failed, last_error, next_retry_at, confirmed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, 0, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO NOTHING`,
		string(e.ID), string(e.PayerID), string(e.PlanID), e.Amount.Value.String(), string(e.Amount.Currency),
		string(e.Status), e.Attempts, e.Credited, e.Skipped, e.Missing, e.Failed, e.LastError,
		e.NextRetryAt, e.ConfirmedAt, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return commission.Event{}, false, fmt.Errorf("failed to create event: %w", err)
	}
	stored, err := s.GetEvent(ctx, e.ID)
	if err != nil {
		return commission.Event{}, false, err
	}
	return *stored, tag.RowsAffected() > 0, nil
}

func (s *Store) GetEvent(ctx context.Context, id commission.EventID) (*commission.Event, error) {
	e, err := scanEvent(s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM commission_events WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, commission.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load event: %w", err)
	}
	return &e, nil
}

func (s *Store) UpdateEvent(ctx context.Context, e commission.Event, expectedVersion int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE commission_events SET
			status = $2, attempts = $3, version = version + 1, credited = $4, skipped = $5,
			missing = $6, failed = $7, last_error = $8, next_retry_at = $9, updated_at = $10
		WHERE id = $1 AND version = $11`,
		string(e.ID), string(e.Status), e.Attempts, e.Credited, e.Skipped, e.Missing, e.Failed,
		e.LastError, e.NextRetryAt, e.UpdatedAt, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update event: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.GetEvent(ctx, e.ID); err != nil {
		return err
	}
	return commission.ErrConcurrentModification
}

func (s *Store) ListEvents(ctx context.Context, filter commission.EventFilter) ([]commission.Event, error) {
	var limit *int
	if filter.Limit > 0 {
		limit = &filter.Limit
	}
	rows, err := s.pool.Query(ctx, `SELECT `+eventColumns+` FROM commission_events
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, string(filter.Status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return collectEvents(rows)
}

func (s *Store) DueEvents(ctx context.Context, now time.Time, limit int) ([]commission.Event, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx, `SELECT `+eventColumns+` FROM commission_events
		WHERE status <> $1 AND next_retry_at IS NOT NULL AND next_retry_at <= $2
		ORDER BY next_retry_at
		LIMIT $3`, string(commission.StatusDistributed), now, lim)
	if err != nil {
		return nil, fmt.Errorf("failed to list due events: %w", err)
	}
	return collectEvents(rows)
}

func collectEvents(rows pgx.Rows) ([]commission.Event, error) {
	defer rows.Close()
	var out []commission.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
