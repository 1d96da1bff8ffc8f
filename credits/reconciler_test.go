package credits_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice/taskcore/core"
	"github.com/lattice/taskcore/core/store"
	"github.com/lattice/taskcore/credits"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(at time.Time) *testClock { return &testClock{now: at} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var t0 = time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

func newCreditsFixture() (*credits.Granter, *credits.Reconciler, *core.Ledger, *testClock) {
	clock := newTestClock(t0)
	ledger := core.NewLedger(store.NewMemory(), clock, nil)
	policy := credits.Policy{
		RecurringWindow:    30 * 24 * time.Hour,
		SubscriptionWindow: 30 * 24 * time.Hour,
		CarryoverCap:       core.MustParseAmount("10"),
	}
	granter := credits.NewGranter(ledger, policy, clock)
	reconciler := credits.NewReconciler(ledger, policy, clock, zerolog.Nop())
	return granter, reconciler, ledger, clock
}

// =============================================================================
// GRANT POLICY
// =============================================================================

func TestGranter_TimeLimitedBucketsGetWindowExpiry(t *testing.T) {
	granter, _, _, _ := newCreditsFixture()
	ctx := context.Background()

	entry, err := granter.Grant(ctx, "user-1", core.BucketRecurringFree, core.MustParseAmount("5"), "monthly")
	require.NoError(t, err)
	require.NotNil(t, entry.ExpiresAt)
	assert.True(t, entry.ExpiresAt.Equal(t0.Add(30*24*time.Hour)))

	entry, err = granter.Grant(ctx, "user-1", core.BucketSubscription, core.MustParseAmount("5"), "plan")
	require.NoError(t, err)
	assert.NotNil(t, entry.ExpiresAt)
}

func TestGranter_PurchasedAndBonusNeverExpire(t *testing.T) {
	granter, _, _, _ := newCreditsFixture()
	ctx := context.Background()

	for _, bucket := range []core.Bucket{core.BucketPurchased, core.BucketBonus} {
		entry, err := granter.Grant(ctx, "user-1", bucket, core.MustParseAmount("5"), "pack")
		require.NoError(t, err)
		assert.Nil(t, entry.ExpiresAt, "bucket %s must not expire", bucket)
	}
}

// =============================================================================
// EXPIRY SWEEP
// =============================================================================

func TestReconciler_SweepExpired_WritesOffClosedWindow(t *testing.T) {
	// GIVEN: 5 recurring credits of which 2 were spent, window now closed
	// WHEN: The sweep runs
	// THEN: One expiry entry brings the bucket aggregate to exactly zero

	granter, reconciler, ledger, clock := newCreditsFixture()
	ctx := context.Background()
	owner := core.OwnerID("user-1")

	_, err := granter.Grant(ctx, owner, core.BucketRecurringFree, core.MustParseAmount("5"), "monthly")
	require.NoError(t, err)
	_, err = ledger.Consume(ctx, owner, core.MustParseAmount("2"), "spend")
	require.NoError(t, err)

	clock.Advance(31 * 24 * time.Hour)

	entries, err := reconciler.SweepExpired(ctx, owner)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, core.ReasonExpiry, entries[0].Reason)

	balances, err := ledger.Balance(ctx, owner)
	require.NoError(t, err)
	assert.True(t, balances[core.BucketRecurringFree].IsZero(),
		"bucket should be exactly zero, got %s", balances[core.BucketRecurringFree])

	// Idempotent: a second sweep appends nothing.
	entries, err = reconciler.SweepExpired(ctx, owner)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReconciler_SweepExpired_LiveGrantKeepsBucket(t *testing.T) {
	// GIVEN: An old expired grant plus a fresh one in the same bucket
	// WHEN: The sweep runs before the fresh window closes
	// THEN: Nothing is written off

	granter, reconciler, ledger, clock := newCreditsFixture()
	ctx := context.Background()
	owner := core.OwnerID("user-1")

	_, err := granter.Grant(ctx, owner, core.BucketRecurringFree, core.MustParseAmount("5"), "march")
	require.NoError(t, err)

	clock.Advance(29 * 24 * time.Hour)
	_, err = granter.Grant(ctx, owner, core.BucketRecurringFree, core.MustParseAmount("5"), "april")
	require.NoError(t, err)

	clock.Advance(2 * 24 * time.Hour) // march grant expired, april grant live

	entries, err := reconciler.SweepExpired(ctx, owner)
	require.NoError(t, err)
	assert.Empty(t, entries)

	balances, err := ledger.Balance(ctx, owner)
	require.NoError(t, err)
	assert.True(t, balances[core.BucketRecurringFree].Equal(core.MustParseAmount("5")),
		"only the live grant should count, got %s", balances[core.BucketRecurringFree])
}

func TestReconciler_SweepExpired_IgnoresNonExpiringBuckets(t *testing.T) {
	granter, reconciler, ledger, clock := newCreditsFixture()
	ctx := context.Background()
	owner := core.OwnerID("user-1")

	_, err := granter.Grant(ctx, owner, core.BucketPurchased, core.MustParseAmount("7"), "pack")
	require.NoError(t, err)

	clock.Advance(365 * 24 * time.Hour)

	entries, err := reconciler.SweepExpired(ctx, owner)
	require.NoError(t, err)
	assert.Empty(t, entries)

	total, err := ledger.TotalBalance(ctx, owner)
	require.NoError(t, err)
	assert.True(t, total.Equal(core.MustParseAmount("7")))
}

// =============================================================================
// ROLLOVER
// =============================================================================

func TestReconciler_Rollover_CapsCarriedBalance(t *testing.T) {
	// GIVEN: subscription=25 and a carryover cap of 10
	// WHEN: The period rolls over
	// THEN: 10 carries into the new window, 15 is discarded via the
	//       explicit zeroing entry

	granter, reconciler, ledger, _ := newCreditsFixture()
	ctx := context.Background()
	owner := core.OwnerID("user-1")

	_, err := granter.Grant(ctx, owner, core.BucketSubscription, core.MustParseAmount("25"), "plan")
	require.NoError(t, err)

	entries, err := reconciler.Rollover(ctx, owner)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, core.ReasonCarryoverOut, entries[0].Reason)
	assert.Equal(t, core.ReasonCarryoverIn, entries[1].Reason)
	assert.True(t, entries[1].Amount.Equal(core.MustParseAmount("10")))

	balances, err := ledger.Balance(ctx, owner)
	require.NoError(t, err)
	assert.True(t, balances[core.BucketSubscription].Equal(core.MustParseAmount("10")))
}

func TestReconciler_Rollover_CarriedCreditExpiresWithNewPeriod(t *testing.T) {
	// GIVEN: 4 subscription credits carried into a new 30-day window
	// WHEN: The new window closes and the sweep runs
	// THEN: The carried credit is written off; nothing outlives its period

	granter, reconciler, ledger, clock := newCreditsFixture()
	ctx := context.Background()
	owner := core.OwnerID("user-1")

	_, err := granter.Grant(ctx, owner, core.BucketSubscription, core.MustParseAmount("4"), "plan")
	require.NoError(t, err)

	_, err = reconciler.Rollover(ctx, owner)
	require.NoError(t, err)

	clock.Advance(31 * 24 * time.Hour)

	_, err = reconciler.SweepExpired(ctx, owner)
	require.NoError(t, err)

	balances, err := ledger.Balance(ctx, owner)
	require.NoError(t, err)
	assert.True(t, balances[core.BucketSubscription].IsZero(),
		"carried credit must not outlive the new period, got %s", balances[core.BucketSubscription])
}
