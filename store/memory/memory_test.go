package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/referral"
)

var t0 = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

func TestClaims_TakeoverOnlyWhenStale(t *testing.T) {
	ctx := context.Background()
	m := New()

	c := commission.Claim{EventID: "e1", AncestorID: "u1", Level: 1, Status: commission.ClaimClaimed, Token: "t1", ClaimedAt: t0}
	_, ok, err := m.AcquireClaim(ctx, c, t0.Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	c2 := c
	c2.Token = "t2"
	_, ok, err = m.AcquireClaim(ctx, c2, t0.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = m.AcquireClaim(ctx, c2, t0.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, ok)

	assert.ErrorIs(t, m.ReleaseClaim(ctx, "e1", "u1", "t1"), commission.ErrClaimNotHeld)
	require.NoError(t, m.MarkClaimApplied(ctx, "e1", "u1", "t2", t0))

	stored, ok, err := m.AcquireClaim(ctx, c, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, commission.ClaimApplied, stored.Status)
}

func TestEvents_CompareAndSet(t *testing.T) {
	ctx := context.Background()
	m := New()

	e := commission.Event{ID: "e1", Status: commission.StatusPending, CreatedAt: t0}
	_, created, err := m.CreateEvent(ctx, e)
	require.NoError(t, err)
	require.True(t, created)

	e.Attempts = 1
	require.NoError(t, m.UpdateEvent(ctx, e, 0))
	assert.ErrorIs(t, m.UpdateEvent(ctx, e, 0), commission.ErrConcurrentModification)

	stored, err := m.GetEvent(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
	assert.Equal(t, 1, stored.Attempts)
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	m := New()

	require.NoError(t, m.CreateUser(ctx, referral.User{ID: "a", ReferralCode: "A"}))
	_, err := m.Append(ctx, ledger.Transaction{ID: "t", OwnerID: "a", Amount: ledger.NewAmount(5, ledger.CurrencyINR), Type: ledger.TxCredit, IdempotencyKey: "k"})
	require.NoError(t, err)

	require.NoError(t, m.Reset(ctx))

	_, err = m.GetUser(ctx, "a")
	assert.ErrorIs(t, err, referral.ErrUserNotFound)
	w, err := m.Wallet(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, w)
	exists, err := m.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestWallets_ReadsDoNotCreateEntries(t *testing.T) {
	// GIVEN: an empty store
	ctx := context.Background()
	m := New()

	// WHEN: wallets that were never written are read
	for _, owner := range []ledger.OwnerID{"ghost-1", "ghost-2", "ghost-3"} {
		txs, err := m.Load(ctx, owner)
		require.NoError(t, err)
		assert.Empty(t, txs)

		w, err := m.Wallet(ctx, owner)
		require.NoError(t, err)
		assert.Nil(t, w)
	}

	// THEN: nothing was allocated for them
	assert.Empty(t, m.wallets)

	// AND: the first append still creates the wallet
	_, err := m.Append(ctx, ledger.Transaction{ID: "t", OwnerID: "ghost-1", Amount: ledger.NewAmount(5, ledger.CurrencyINR), Type: ledger.TxCredit, IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.Len(t, m.wallets, 1)

	w, err := m.Wallet(ctx, "ghost-1")
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, int64(5), w.Balance.MinorUnits())
}
