package commission_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/referral"
	"github.com/warp/commission-engine/store/memory"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var errTransient = errors.New("connection reset by peer")

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakyLedger fails every credit at or beyond failFrom until healed.
type flakyLedger struct {
	inner commission.WalletLedger

	mu       sync.Mutex
	failFrom int
}

func (f *flakyLedger) Credit(ctx context.Context, req ledger.CreditRequest) (ledger.Transaction, error) {
	f.mu.Lock()
	failFrom := f.failFrom
	f.mu.Unlock()
	if failFrom > 0 && req.SourceAncestorLevel >= failFrom {
		return ledger.Transaction{}, errTransient
	}
	return f.inner.Credit(ctx, req)
}

func (f *flakyLedger) heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failFrom = 0
}

type fixture struct {
	store    *memory.Store
	registry *referral.Registry
	ledger   *ledger.Ledger
	wallets  *flakyLedger
	guard    *commission.Guard
	engine   *commission.Engine
	clock    *clock
}

func fastConfig() commission.Config {
	cfg := commission.DefaultConfig()
	cfg.Retry = commission.RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	return cfg
}

func newFixture(t *testing.T, cfg commission.Config) *fixture {
	t.Helper()
	logger, _ := test.NewNullLogger()
	c := &clock{now: time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)}

	s := memory.New()
	reg := referral.NewRegistry(s, logger)
	reg.Now = c.Now
	l := ledger.NewLedger(s, ledger.CurrencyINR)
	l.Now = c.Now
	wallets := &flakyLedger{inner: l}
	guard := commission.NewGuard(s, time.Minute)
	guard.Now = c.Now

	engine := commission.NewEngine(commission.DefaultCatalog(), reg, wallets, guard, s, nil, logger, cfg)
	engine.Now = c.Now

	return &fixture{store: s, registry: reg, ledger: l, wallets: wallets, guard: guard, engine: engine, clock: c}
}

// buildChain registers u1 <- u2 <- ... <- u10 <- payer, so the payer's
// ancestor at level k is u(11-k).
func (f *fixture) buildChain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	var parent referral.UserID
	for i := 1; i <= 10; i++ {
		id := referral.UserID(fmt.Sprintf("u%d", i))
		_, err := f.registry.Register(ctx, referral.NewUser{ID: id, Name: string(id), ReferredBy: parent})
		require.NoError(t, err)
		parent = id
	}
	_, err := f.registry.Register(ctx, referral.NewUser{ID: "payer", Name: "payer", ReferredBy: parent})
	require.NoError(t, err)
}

func ancestorAt(level int) referral.UserID {
	return referral.UserID(fmt.Sprintf("u%d", 11-level))
}

func basicPurchase(paymentID string) commission.PurchaseConfirmed {
	return commission.PurchaseConfirmed{
		PaymentID: paymentID,
		PayerID:   "payer",
		PlanID:    commission.PlanBasic,
		Amount:    ledger.NewAmount(800, ledger.CurrencyINR),
	}
}

func (f *fixture) balance(t *testing.T, id referral.UserID) int64 {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), ledger.OwnerID(id))
	require.NoError(t, err)
	return b.MinorUnits()
}

func (f *fixture) txCount(t *testing.T, id referral.UserID) int {
	t.Helper()
	txs, err := f.ledger.Transactions(context.Background(), ledger.OwnerID(id))
	require.NoError(t, err)
	return len(txs)
}

func (f *fixture) totalCredited(t *testing.T) int64 {
	var total int64
	for level := 1; level <= 10; level++ {
		total += f.balance(t, ancestorAt(level))
	}
	return total
}

var basicLevels = []int64{120, 16, 24, 32, 40, 48, 56, 64, 72, 80}

// =============================================================================
// HAPPY PATH
// =============================================================================

func TestDistribute_FullChainBasic(t *testing.T) {
	// GIVEN: a payer with ten ancestors
	// WHEN: a basic purchase of 800 is confirmed
	// THEN: every level is credited once, 552 in total, event DISTRIBUTED
	ctx := context.Background()
	f := newFixture(t, fastConfig())
	f.buildChain(t)

	out, err := f.engine.Distribute(ctx, basicPurchase("pay-1"))
	require.NoError(t, err)

	assert.Equal(t, commission.StatusDistributed, out.Event.Status)
	assert.Len(t, out.Credits, 10)
	assert.Equal(t, 10, out.Event.Credited)
	assert.Equal(t, 1, out.Event.Attempts)
	assert.Nil(t, out.Event.NextRetryAt)
	for level, want := range basicLevels {
		assert.Equal(t, want, f.balance(t, ancestorAt(level+1)), "level %d", level+1)
	}
	assert.Equal(t, int64(552), f.totalCredited(t))
	assert.Equal(t, int64(0), f.balance(t, "payer"))
}

func TestDistribute_CreditsArePinned(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fastConfig())
	f.buildChain(t)

	_, err := f.engine.Distribute(ctx, basicPurchase("pay-1"))
	require.NoError(t, err)

	txs, err := f.ledger.Transactions(ctx, ledger.OwnerID(ancestorAt(1)))
	require.NoError(t, err)
	require.Len(t, txs, 1)
	tx := txs[0]
	assert.Equal(t, ledger.TxCredit, tx.Type)
	assert.Equal(t, "pay-1", tx.SourceEventID)
	assert.Equal(t, 1, tx.SourceAncestorLevel)
	assert.True(t, tx.AppliedRate.Equal(decimal.NewFromInt(15)))
	assert.Equal(t, commission.DefaultCatalogVersion, tx.RateVersion)
	assert.Equal(t, commission.CreditKey("pay-1", ancestorAt(1)), tx.IdempotencyKey)
}

func TestDistribute_RateChangeDoesNotRewriteHistory(t *testing.T) {
	// GIVEN: a distributed event under the default table
	// WHEN: the catalog is replaced with new rates and a second purchase arrives
	// THEN: old credits keep rate 15 and version default-v1
	ctx := context.Background()
	f := newFixture(t, fastConfig())
	f.buildChain(t)

	_, err := f.engine.Distribute(ctx, basicPurchase("pay-1"))
	require.NoError(t, err)

	rates := commission.DefaultRates()
	lr := rates[commission.PlanBasic]
	lr[0] = decimal.NewFromInt(20)
	rates[commission.PlanBasic] = lr
	f.engine.Catalog = commission.NewCatalog(ledger.CurrencyINR,
		commission.DefaultPlans(ledger.CurrencyINR), commission.NewRateTable("v2", rates))

	_, err = f.engine.Distribute(ctx, basicPurchase("pay-2"))
	require.NoError(t, err)

	txs, err := f.ledger.Transactions(ctx, ledger.OwnerID(ancestorAt(1)))
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, commission.DefaultCatalogVersion, txs[0].RateVersion)
	assert.Equal(t, int64(120), txs[0].Amount.MinorUnits())
	assert.Equal(t, "v2", txs[1].RateVersion)
	assert.Equal(t, int64(160), txs[1].Amount.MinorUnits())
}

func TestDistribute_UsesPlanPriceWhenAmountOmitted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fastConfig())
	f.buildChain(t)

	p := basicPurchase("pay-1")
	p.PlanID = commission.PlanPremium
	p.Amount = ledger.Amount{}

	out, err := f.engine.Distribute(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), out.Event.Amount.MinorUnits())
	assert.Equal(t, int64(300), f.balance(t, ancestorAt(1)))
}

func TestDistribute_PayerWithoutAncestors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fastConfig())
	_, err := f.registry.Register(ctx, referral.NewUser{ID: "root"})
	require.NoError(t, err)

	p := basicPurchase("pay-1")
	p.PayerID = "root"
	out, err := f.engine.Distribute(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, commission.StatusDistributed, out.Event.Status)
	assert.Empty(t, out.Credits)
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestDistribute_DuplicateDeliveryIsNoOp(t *testing.T) {
	// GIVEN: a distributed event
	// WHEN: the same PurchaseConfirmed is delivered again
	// THEN: nothing changes
	ctx := context.Background()
	f := newFixture(t, fastConfig())
	f.buildChain(t)

	_, err := f.engine.Distribute(ctx, basicPurchase("pay-1"))
	require.NoError(t, err)

	out, err := f.engine.Distribute(ctx, basicPurchase("pay-1"))
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
	assert.Empty(t, out.Credits)
	assert.Equal(t, int64(552), f.totalCredited(t))
	for level := 1; level <= 10; level++ {
		assert.Equal(t, 1, f.txCount(t, ancestorAt(level)))
	}
}

func TestReplay_FullRerunIsIdempotent(t *testing.T) {
	// GIVEN: a distributed event forced back to PARTIALLY_DISTRIBUTED
	// WHEN: it is replayed
	// THEN: every level is found applied, nothing new is credited
	ctx := context.Background()
	f := newFixture(t, fastConfig())
	f.buildChain(t)

	out, err := f.engine.Distribute(ctx, basicPurchase("pay-1"))
	require.NoError(t, err)

	ev := out.Event
	ev.Status = commission.StatusPartiallyDistributed
	require.NoError(t, f.store.UpdateEvent(ctx, ev, ev.Version))

	replayed, err := f.engine.Replay(ctx, "pay-1")
	require.NoError(t, err)
	assert.Empty(t, replayed.Credits)
	assert.Len(t, replayed.Applied, 10)
	assert.Equal(t, commission.StatusDistributed, replayed.Event.Status)
	assert.Equal(t, int64(552), f.totalCredited(t))
	for level := 1; level <= 10; level++ {
		assert.Equal(t, 1, f.txCount(t, ancestorAt(level)))
	}
}

func TestReplay_DistributedEventIsDuplicate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fastConfig())
	f.buildChain(t)

	_, err := f.engine.Distribute(ctx, basicPurchase("pay-1"))
	require.NoError(t, err)

	out, err := f.engine.Replay(ctx, "pay-1")
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
}

func TestReplay_UnknownEvent(t *testing.T) {
	f := newFixture(t, fastConfig())
	_, err := f.engine.Replay(context.Background(), "nope")
	assert.ErrorIs(t, err, commission.ErrEventNotFound)
}

func TestDistribute_ConcurrentDeliveriesCreditOnce(t *testing.T) {
	// GIVEN: eight workers receiving the same event at once
	// WHEN: they all distribute concurrently
	// THEN: each ancestor holds exactly one credit
	ctx := context.Background()
	f := newFixture(t, fastConfig())
	f.buildChain(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Distribute(ctx, basicPurchase("pay-1"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for level := 1; level <= 10; level++ {
		assert.Equal(t, 1, f.txCount(t, ancestorAt(level)), "level %d", level)
	}
	assert.Equal(t, int64(552), f.totalCredited(t))

	ev, err := f.engine.Event(ctx, "pay-1")
	require.NoError(t, err)
	if ev.Status != commission.StatusDistributed {
		out, err := f.engine.Replay(ctx, "pay-1")
		require.NoError(t, err)
		assert.Equal(t, commission.StatusDistributed, out.Event.Status)
	}
	assert.Equal(t, int64(552), f.totalCredited(t))
}

// =============================================================================
// PARTIAL FAILURE & RESUME
// =============================================================================

func TestDistribute_ResumeAfterFailureAtLevel6(t *testing.T) {
	// GIVEN: the ledger becomes unavailable from level 6 on
	// WHEN: the event is distributed, the ledger recovers, the event is replayed
	// THEN: the replay credits only levels 6..10 and the final state equals
	//       an uninterrupted run
	ctx := context.Background()
	f := newFixture(t, fastConfig())
	f.buildChain(t)
	f.wallets.failFrom = 6

	first, err := f.engine.Distribute(ctx, basicPurchase("pay-1"))
	require.NoError(t, err)
	assert.Equal(t, commission.StatusPartiallyDistributed, first.Event.Status)
	assert.Len(t, first.Credits, 5)
	assert.Len(t, first.Failed, 5)
	assert.Equal(t, 5, first.Event.Failed)
	require.NotNil(t, first.Event.NextRetryAt)
	assert.Contains(t, first.Event.LastError, errTransient.Error())

	claims, err := f.engine.Claims(ctx, "pay-1")
	require.NoError(t, err)
	assert.Len(t, claims, 5, "failed levels release their claims")

	f.wallets.heal()
	second, err := f.engine.Replay(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, commission.StatusDistributed, second.Event.Status)
	require.Len(t, second.Credits, 5)
	for i, tx := range second.Credits {
		assert.Equal(t, 6+i, tx.SourceAncestorLevel)
	}
	assert.Equal(t, 2, second.Event.Attempts)

	reference := newFixture(t, fastConfig())
	reference.buildChain(t)
	_, err = reference.engine.Distribute(ctx, basicPurchase("pay-1"))
	require.NoError(t, err)

	for level := 1; level <= 10; level++ {
		id := ancestorAt(level)
		assert.Equal(t, reference.balance(t, id), f.balance(t, id), "level %d", level)
		assert.Equal(t, reference.txCount(t, id), f.txCount(t, id), "level %d", level)
	}
}

func TestDistribute_CrashAfterCreditIsRepairedByTakeover(t *testing.T) {
	// GIVEN: a worker claimed level 6, credited it, and died before marking
	//        the claim applied
	// WHEN: the event is distributed, then replayed after the lease expires
	// THEN: level 6 is not credited twice and the event ends DISTRIBUTED
	ctx := context.Background()
	f := newFixture(t, fastConfig())
	f.buildChain(t)

	lvl6 := ancestorAt(6)
	res, err := f.guard.TryClaim(ctx, "pay-1", lvl6, 6)
	require.NoError(t, err)
	require.True(t, res.Claimed)
	_, err = f.ledger.Credit(ctx, ledger.CreditRequest{
		OwnerID:             ledger.OwnerID(lvl6),
		Amount:              ledger.NewAmount(48, ledger.CurrencyINR),
		SourceEventID:       "pay-1",
		SourceAncestorLevel: 6,
		AppliedRate:         decimal.NewFromInt(6),
		RateVersion:         commission.DefaultCatalogVersion,
		IdempotencyKey:      commission.CreditKey("pay-1", lvl6),
	})
	require.NoError(t, err)

	first, err := f.engine.Distribute(ctx, basicPurchase("pay-1"))
	require.NoError(t, err)
	assert.Equal(t, commission.StatusPartiallyDistributed, first.Event.Status)
	require.Len(t, first.Failed, 1)
	assert.Equal(t, 6, first.Failed[0].Level)

	f.clock.Advance(2 * time.Minute)
	second, err := f.engine.Replay(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, commission.StatusDistributed, second.Event.Status)
	assert.Empty(t, second.Credits)
	assert.Equal(t, 1, f.txCount(t, lvl6))
	assert.Equal(t, int64(552), f.totalCredited(t))

	claims, err := f.engine.Claims(ctx, "pay-1")
	require.NoError(t, err)
	require.Len(t, claims, 10)
	for _, c := range claims {
		assert.Equal(t, commission.ClaimApplied, c.Status, "level %d", c.Level)
	}
}

// crashingLedger kills the calling goroutine when it reaches crashAt.
type crashingLedger struct {
	inner   commission.WalletLedger
	crashAt int
}

func (c *crashingLedger) Credit(ctx context.Context, req ledger.CreditRequest) (ledger.Transaction, error) {
	if req.SourceAncestorLevel == c.crashAt {
		panic("worker killed")
	}
	return c.inner.Credit(ctx, req)
}

func TestDistribute_AttemptThatNeverFinishesIsDueForRetry(t *testing.T) {
	// GIVEN: a worker that dies while crediting level 6
	ctx := context.Background()
	f := newFixture(t, fastConfig())
	f.buildChain(t)
	f.engine.Ledger = &crashingLedger{inner: f.wallets, crashAt: 6}
	start := f.clock.Now()

	func() {
		defer func() { require.NotNil(t, recover()) }()
		_, _ = f.engine.Distribute(ctx, basicPurchase("pay-1"))
	}()

	// THEN: the event is left PENDING with a retry time of its own
	ev, err := f.engine.Event(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, commission.StatusPending, ev.Status)
	assert.Equal(t, 1, ev.Attempts)
	require.NotNil(t, ev.NextRetryAt)
	assert.True(t, start.Add(time.Minute).Equal(*ev.NextRetryAt))

	due, err := f.engine.DueForRetry(ctx, start, 10)
	require.NoError(t, err)
	assert.Empty(t, due, "not due while the attempt may still be running")

	f.clock.Advance(2 * time.Minute)
	due, err = f.engine.DueForRetry(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, commission.EventID("pay-1"), due[0].ID)

	// WHEN: the scheduler replays it with a healthy worker
	f.engine.Ledger = f.wallets
	out, err := f.engine.Replay(ctx, "pay-1")

	// THEN: levels 6 to 10 are credited once and the event is DISTRIBUTED
	require.NoError(t, err)
	assert.Equal(t, commission.StatusDistributed, out.Event.Status)
	assert.Nil(t, out.Event.NextRetryAt)
	assert.Equal(t, 2, out.Event.Attempts)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, out.Applied)
	assert.Len(t, out.Credits, 5)
	assert.Equal(t, int64(552), f.totalCredited(t))
	for level := 1; level <= commission.MaxDepth; level++ {
		assert.Equal(t, 1, f.txCount(t, ancestorAt(level)), "level %d", level)
	}
}

func TestDistribute_WatchdogNeverShorterThanClaimLease(t *testing.T) {
	ctx := context.Background()
	cfg := fastConfig()
	cfg.RetryDelay = time.Second
	f := newFixture(t, cfg)
	f.buildChain(t)
	f.engine.Ledger = &crashingLedger{inner: f.wallets, crashAt: 1}
	start := f.clock.Now()

	func() {
		defer func() { require.NotNil(t, recover()) }()
		_, _ = f.engine.Distribute(ctx, basicPurchase("pay-1"))
	}()

	ev, err := f.engine.Event(ctx, "pay-1")
	require.NoError(t, err)
	require.NotNil(t, ev.NextRetryAt)
	assert.True(t, start.Add(f.guard.Lease).Equal(*ev.NextRetryAt))
}

// =============================================================================
// ACCEPT
// =============================================================================

func TestAccept_StoresPendingEventDueAfterRetryDelay(t *testing.T) {
	// GIVEN: a chain and an accepted purchase
	ctx := context.Background()
	f := newFixture(t, fastConfig())
	f.buildChain(t)
	start := f.clock.Now()

	// WHEN: the purchase is accepted
	ev, err := f.engine.Accept(ctx, basicPurchase("pay-1"))

	// THEN: it is stored PENDING, untouched, and nothing is credited
	require.NoError(t, err)
	assert.Equal(t, commission.StatusPending, ev.Status)
	assert.Equal(t, 0, ev.Attempts)
	require.NotNil(t, ev.NextRetryAt)
	assert.True(t, start.Add(time.Minute).Equal(*ev.NextRetryAt))
	assert.Zero(t, f.totalCredited(t))

	// AND: the scheduler finds it once the delay has passed
	f.clock.Advance(time.Minute)
	due, err := f.engine.DueForRetry(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	out, err := f.engine.Replay(ctx, due[0].ID)
	require.NoError(t, err)
	assert.Equal(t, commission.StatusDistributed, out.Event.Status)
	assert.Equal(t, int64(552), f.totalCredited(t))
}

func TestAccept_RedeliveryReturnsStoredEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fastConfig())
	f.buildChain(t)

	_, err := f.engine.Distribute(ctx, basicPurchase("pay-1"))
	require.NoError(t, err)

	ev, err := f.engine.Accept(ctx, basicPurchase("pay-1"))
	require.NoError(t, err)
	assert.Equal(t, commission.StatusDistributed, ev.Status)
	assert.Equal(t, 1, ev.Attempts)
	assert.Equal(t, int64(552), f.totalCredited(t))
}

func TestAccept_InvalidEventIsNotStored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fastConfig())

	_, err := f.engine.Accept(ctx, commission.PurchaseConfirmed{PaymentID: "pay-1", PayerID: "payer", PlanID: "gold"})
	assert.ErrorIs(t, err, commission.ErrInvalidEvent)

	_, err = f.engine.Event(ctx, "pay-1")
	assert.ErrorIs(t, err, commission.ErrEventNotFound)
}

// brokenEvents fails every event insert.
type brokenEvents struct {
	commission.EventStore
}

func (brokenEvents) CreateEvent(context.Context, commission.Event) (commission.Event, bool, error) {
	return commission.Event{}, false, errTransient
}

func TestAccept_StoreFailureIsReturned(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fastConfig())
	f.buildChain(t)
	f.engine.Store = brokenEvents{EventStore: f.store}

	_, err := f.engine.Accept(ctx, basicPurchase("pay-1"))

	assert.ErrorIs(t, err, errTransient)
	assert.NotErrorIs(t, err, commission.ErrInvalidEvent)
}

func TestDistribute_MissingAncestorAtLevel3(t *testing.T) {
	// GIVEN: the level-3 ancestor's record was deleted
	// WHEN: a basic purchase is distributed
	// THEN: levels 1, 2 and 4..10 are credited, level 3 is reported missing,
	//       the event is PARTIALLY_DISTRIBUTED without automatic retry
	ctx := context.Background()
	f := newFixture(t, fastConfig())
	f.buildChain(t)
	require.NoError(t, f.registry.Delete(ctx, ancestorAt(3)))

	out, err := f.engine.Distribute(ctx, basicPurchase("pay-1"))
	require.NoError(t, err)

	assert.Equal(t, commission.StatusPartiallyDistributed, out.Event.Status)
	assert.Nil(t, out.Event.NextRetryAt)
	assert.Len(t, out.Credits, 9)
	require.Len(t, out.Missing, 1)
	assert.Equal(t, 3, out.Missing[0].Level)
	assert.Equal(t, int64(0), f.balance(t, ancestorAt(3)))
	assert.Equal(t, int64(552-24), f.totalCredited(t))

	again, err := f.engine.Replay(ctx, "pay-1")
	require.NoError(t, err)
	assert.Empty(t, again.Credits)
	assert.Equal(t, commission.StatusPartiallyDistributed, again.Event.Status)
}

func TestDistribute_RetryBudget(t *testing.T) {
	// GIVEN: a ledger that keeps failing and MaxAttempts = 2
	// WHEN: the event is attempted twice
	// THEN: the first attempt schedules a retry, the second does not
	ctx := context.Background()
	cfg := fastConfig()
	cfg.MaxAttempts = 2
	cfg.RetryDelay = time.Minute
	f := newFixture(t, cfg)
	f.buildChain(t)
	f.wallets.failFrom = 1

	first, err := f.engine.Distribute(ctx, basicPurchase("pay-1"))
	require.NoError(t, err)
	require.NotNil(t, first.Event.NextRetryAt)
	assert.Equal(t, f.clock.Now().Add(time.Minute), *first.Event.NextRetryAt)

	due, err := f.engine.DueForRetry(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	f.clock.Advance(time.Minute)
	due, err = f.engine.DueForRetry(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, commission.EventID("pay-1"), due[0].ID)

	second, err := f.engine.Replay(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, commission.StatusPartiallyDistributed, second.Event.Status)
	assert.Nil(t, second.Event.NextRetryAt)
	assert.Equal(t, 2, second.Event.Attempts)
}

func TestDistribute_UnknownPayerFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fastConfig())

	p := basicPurchase("pay-1")
	p.PayerID = "ghost"
	out, err := f.engine.Distribute(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, commission.StatusFailed, out.Event.Status)
	assert.Nil(t, out.Event.NextRetryAt, "permanent failures are not retried")
	assert.Contains(t, out.Event.LastError, "user not found")
}

// =============================================================================
// ZERO RATES
// =============================================================================

func zeroLevel2Catalog() *commission.Catalog {
	rates := commission.DefaultRates()
	lr := rates[commission.PlanBasic]
	lr[1] = decimal.Zero
	rates[commission.PlanBasic] = lr
	return commission.NewCatalog(ledger.CurrencyINR, commission.DefaultPlans(ledger.CurrencyINR),
		commission.NewRateTable("zero-2", rates))
}

func TestDistribute_ZeroRateSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fastConfig())
	f.engine.Catalog = zeroLevel2Catalog()
	f.buildChain(t)

	out, err := f.engine.Distribute(ctx, basicPurchase("pay-1"))
	require.NoError(t, err)
	assert.Equal(t, commission.StatusDistributed, out.Event.Status)
	assert.Equal(t, []int{2}, out.Skipped)
	assert.Len(t, out.Credits, 9)
	assert.Equal(t, 0, f.txCount(t, ancestorAt(2)))
}

func TestDistribute_ZeroRateRecorded(t *testing.T) {
	ctx := context.Background()
	cfg := fastConfig()
	cfg.ZeroRate = commission.ZeroRateRecord
	f := newFixture(t, cfg)
	f.engine.Catalog = zeroLevel2Catalog()
	f.buildChain(t)

	out, err := f.engine.Distribute(ctx, basicPurchase("pay-1"))
	require.NoError(t, err)
	assert.Empty(t, out.Skipped)
	assert.Len(t, out.Credits, 10)

	txs, err := f.ledger.Transactions(ctx, ledger.OwnerID(ancestorAt(2)))
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.True(t, txs[0].Amount.IsZero())
	assert.True(t, txs[0].AppliedRate.IsZero())
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestDistribute_InvalidEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fastConfig())
	f.buildChain(t)

	tests := []struct {
		name   string
		modify func(*commission.PurchaseConfirmed)
	}{
		{"missing payment id", func(p *commission.PurchaseConfirmed) { p.PaymentID = " " }},
		{"missing payer", func(p *commission.PurchaseConfirmed) { p.PayerID = "" }},
		{"missing plan", func(p *commission.PurchaseConfirmed) { p.PlanID = "" }},
		{"negative amount", func(p *commission.PurchaseConfirmed) { p.Amount = ledger.NewAmount(-1, ledger.CurrencyINR) }},
		{"wrong currency", func(p *commission.PurchaseConfirmed) { p.Amount = ledger.NewAmount(800, ledger.CurrencyUSD) }},
		{"unknown plan without amount", func(p *commission.PurchaseConfirmed) { p.PlanID = "gold"; p.Amount = ledger.Amount{} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := basicPurchase("pay-1")
			tt.modify(&p)
			_, err := f.engine.Distribute(ctx, p)
			assert.ErrorIs(t, err, commission.ErrInvalidEvent)
		})
	}

	events, err := f.engine.Events(ctx, commission.EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, events)
}
