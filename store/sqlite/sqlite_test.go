package sqlite_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice/taskcore/core"
	"github.com/lattice/taskcore/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

var now = time.Date(2026, time.March, 1, 12, 0, 0, 123456789, time.UTC)

func testRecord(id core.RecordID, owner core.OwnerID) core.Record {
	return core.Record{
		ID:        id,
		OwnerID:   owner,
		Kind:      core.KindTask,
		Fields:    map[string]any{"title": "t"},
		Revision:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func testEntry(id core.EntryID, owner core.OwnerID, bucket core.Bucket, amount string, expiresAt *time.Time) core.Entry {
	return core.Entry{
		ID:        id,
		OwnerID:   owner,
		Bucket:    bucket,
		Amount:    core.MustParseAmount(amount),
		Reason:    core.ReasonGrant,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}
}

// =============================================================================
// RECORD STORE
// =============================================================================

func TestSQLite_Record_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.CreateRecord(ctx, testRecord("r1", "user-1"))
	require.NoError(t, err)

	got, err := store.GetRecord(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, core.RecordID("r1"), got.ID)
	assert.Equal(t, core.OwnerID("user-1"), got.OwnerID)
	assert.Equal(t, "t", got.Fields["title"])
	assert.Equal(t, int64(1), got.Revision)
	assert.True(t, got.CreatedAt.Equal(now), "timestamps must survive storage with full precision")
}

func TestSQLite_Record_DuplicateID_Rejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.CreateRecord(ctx, testRecord("r1", "user-1"))
	require.NoError(t, err)

	_, err = store.CreateRecord(ctx, testRecord("r1", "user-1"))
	assert.ErrorIs(t, err, core.ErrIntegrityViolation)
}

func TestSQLite_UpdateRecord_CompareAndSwap(t *testing.T) {
	// GIVEN: A record at revision 1
	// WHEN: Two updates race with expectedRevision=1 (sequentially here,
	//       the SQL guard is what's under test)
	// THEN: The first lands at revision 2, the second conflicts and reports
	//       the current revision

	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.CreateRecord(ctx, testRecord("r1", "user-1"))
	require.NoError(t, err)

	updated, err := store.UpdateRecord(ctx, "r1", 1, func(rec *core.Record) error {
		rec.Fields["title"] = "first"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Revision)

	_, err = store.UpdateRecord(ctx, "r1", 1, func(rec *core.Record) error {
		rec.Fields["title"] = "second"
		return nil
	})
	require.Error(t, err)

	var conflict *core.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(2), conflict.CurrentRevision)

	got, err := store.GetRecord(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Fields["title"])
}

func TestSQLite_ListChildren(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.CreateRecord(ctx, testRecord("parent", "user-1"))
	require.NoError(t, err)

	child := testRecord("child", "user-1")
	child.Kind = core.KindSubtask
	child.ParentID = "parent"
	_, err = store.CreateRecord(ctx, child)
	require.NoError(t, err)

	children, err := store.ListChildren(ctx, "parent")
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, core.RecordID("child"), children[0].ID)
}

func TestSQLite_DeleteRecord(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.CreateRecord(ctx, testRecord("r1", "user-1"))
	require.NoError(t, err)
	require.NoError(t, store.DeleteRecord(ctx, "r1"))

	_, err = store.GetRecord(ctx, "r1")
	assert.ErrorIs(t, err, core.ErrRecordNotFound)
}

// =============================================================================
// LEDGER STORE
// =============================================================================

func TestSQLite_Ledger_AppendAndReplay(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.AppendEntries(ctx, []core.Entry{
		testEntry("e1", "user-1", core.BucketPurchased, "10", nil),
		testEntry("e2", "user-1", core.BucketPurchased, "-3", nil),
	})
	require.NoError(t, err)

	entries, err := store.EntriesByOwner(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	balances, err := store.BucketBalances(ctx, "user-1", now)
	require.NoError(t, err)
	assert.True(t, balances[core.BucketPurchased].Equal(core.MustParseAmount("7")))
}

func TestSQLite_Ledger_BucketBalances_ExcludesExpired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	expiry := now.Add(time.Hour)
	err := store.AppendEntries(ctx, []core.Entry{
		testEntry("e1", "user-1", core.BucketRecurringFree, "5", &expiry),
		testEntry("e2", "user-1", core.BucketPurchased, "3", nil),
	})
	require.NoError(t, err)

	balances, err := store.BucketBalances(ctx, "user-1", now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.True(t, balances[core.BucketRecurringFree].IsZero())
	assert.True(t, balances[core.BucketPurchased].Equal(core.MustParseAmount("3")))
}

func TestSQLite_Ledger_Owners(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.AppendEntries(ctx, []core.Entry{
		testEntry("e1", "user-1", core.BucketPurchased, "1", nil),
		testEntry("e2", "user-2", core.BucketPurchased, "1", nil),
		testEntry("e3", "user-1", core.BucketPurchased, "1", nil),
	})
	require.NoError(t, err)

	owners, err := store.LedgerOwners(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []core.OwnerID{"user-1", "user-2"}, owners)
}

func TestSQLite_Ledger_CorruptAmount_SurfacesError(t *testing.T) {
	// GIVEN: A ledger row whose amount column no longer parses
	// WHEN: Entries are read back
	// THEN: The scan fails loudly instead of treating the amount as zero

	path := filepath.Join(t.TempDir(), "taskcore.db")
	store, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	require.NoError(t, store.AppendEntries(ctx, []core.Entry{
		testEntry("e1", "user-1", core.BucketPurchased, "5", nil),
	}))

	// Corrupt the row through a second connection.
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.ExecContext(ctx, "UPDATE ledger_entries SET amount = 'garbage' WHERE id = 'e1'")
	require.NoError(t, err)

	_, err = store.EntriesByOwner(ctx, "user-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrInvalidAmount)
}

// =============================================================================
// IDEMPOTENCY STORE
// =============================================================================

func TestSQLite_Idempotency_UniqueTupleDecidesWinner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := core.OperationRecord{
		Key:       "k1",
		OwnerID:   "user-1",
		Target:    "task.create",
		State:     core.StateInProgress,
		ExpiresAt: now.Add(time.Hour),
		CreatedAt: now,
	}

	existing, inserted, err := store.InsertInProgress(ctx, rec)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Nil(t, existing)

	existing, inserted, err = store.InsertInProgress(ctx, rec)
	require.NoError(t, err)
	assert.False(t, inserted)
	require.NotNil(t, existing)
	assert.Equal(t, core.StateInProgress, existing.State)
}

func TestSQLite_Idempotency_CompleteThenReplay(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := core.OperationRecord{
		Key: "k1", OwnerID: "user-1", Target: "task.create",
		State: core.StateInProgress, ExpiresAt: now.Add(time.Hour), CreatedAt: now,
	}
	_, _, err := store.InsertInProgress(ctx, rec)
	require.NoError(t, err)

	payload := []byte(`{"id":"r1"}`)
	require.NoError(t, store.CompleteOperation(ctx, "k1", "user-1", "task.create", 201, payload))

	existing, inserted, err := store.InsertInProgress(ctx, rec)
	require.NoError(t, err)
	assert.False(t, inserted)
	require.NotNil(t, existing)
	assert.Equal(t, core.StateCompleted, existing.State)
	assert.Equal(t, 201, existing.Status)
	assert.Equal(t, payload, existing.Payload)
}

func TestSQLite_Idempotency_ExpiredSlotIsReplaced(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	stale := core.OperationRecord{
		Key: "k1", OwnerID: "user-1", Target: "task.create",
		State: core.StateCompleted, ExpiresAt: now.Add(-time.Minute), CreatedAt: now.Add(-2 * time.Hour),
	}
	_, _, err := store.InsertInProgress(ctx, stale)
	require.NoError(t, err)

	fresh := stale
	fresh.State = core.StateInProgress
	fresh.ExpiresAt = now.Add(time.Hour)
	fresh.CreatedAt = now

	existing, inserted, err := store.InsertInProgress(ctx, fresh)
	require.NoError(t, err)
	assert.True(t, inserted, "an expired slot must be reclaimable")
	assert.Nil(t, existing)
}

func TestSQLite_Idempotency_PurgeExpired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := core.OperationRecord{
		Key: "old", OwnerID: "user-1", Target: "t",
		State: core.StateCompleted, ExpiresAt: now.Add(-time.Minute), CreatedAt: now.Add(-2 * time.Hour),
	}
	fresh := core.OperationRecord{
		Key: "fresh", OwnerID: "user-1", Target: "t",
		State: core.StateCompleted, ExpiresAt: now.Add(time.Hour), CreatedAt: now,
	}
	_, _, err := store.InsertInProgress(ctx, old)
	require.NoError(t, err)
	_, _, err = store.InsertInProgress(ctx, fresh)
	require.NoError(t, err)

	purged, err := store.PurgeExpiredOperations(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}

// =============================================================================
// TOMBSTONE STORE
// =============================================================================

func TestSQLite_Tombstone_RoundTripAndPurge(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ts := core.Tombstone{
		ID:               "ts1",
		OwnerID:          "user-1",
		Kind:             core.KindTask,
		OriginalID:       "r1",
		Snapshot:         []byte(`{"parent":{}}`),
		RecoverableUntil: now.Add(time.Hour),
		CreatedAt:        now,
	}
	require.NoError(t, store.InsertTombstone(ctx, ts))

	got, err := store.GetTombstone(ctx, "ts1")
	require.NoError(t, err)
	assert.Equal(t, ts.OriginalID, got.OriginalID)
	assert.Equal(t, ts.Snapshot, got.Snapshot)
	assert.True(t, got.RecoverableUntil.Equal(ts.RecoverableUntil))

	purged, err := store.PurgeExpiredTombstones(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, err = store.GetTombstone(ctx, "ts1")
	assert.ErrorIs(t, err, core.ErrTombstoneNotFound)
}

func TestSQLite_Tombstone_ListOldestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, id := range []core.TombstoneID{"ts-b", "ts-a", "ts-c"} {
		ts := core.Tombstone{
			ID:               id,
			OwnerID:          "user-1",
			Kind:             core.KindTask,
			OriginalID:       core.RecordID(id),
			Snapshot:         []byte(`{}`),
			RecoverableUntil: now.Add(24 * time.Hour),
			CreatedAt:        now.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, store.InsertTombstone(ctx, ts))
	}

	list, err := store.ListTombstones(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, core.TombstoneID("ts-b"), list[0].ID)
	assert.Equal(t, core.TombstoneID("ts-c"), list[2].ID)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestSQLite_WithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: A transaction that creates a record then fails
	// WHEN: WithTx returns the error
	// THEN: The record does not exist

	store := newTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(s core.Store) error {
		if _, err := s.CreateRecord(ctx, testRecord("r1", "user-1")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = store.GetRecord(ctx, "r1")
	assert.ErrorIs(t, err, core.ErrRecordNotFound)
}

func TestSQLite_WithTx_CommitsOnSuccess(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(s core.Store) error {
		if _, err := s.CreateRecord(ctx, testRecord("r1", "user-1")); err != nil {
			return err
		}
		return s.AppendEntries(ctx, []core.Entry{
			testEntry("e1", "user-1", core.BucketPurchased, "5", nil),
		})
	})
	require.NoError(t, err)

	_, err = store.GetRecord(ctx, "r1")
	assert.NoError(t, err)
	entries, err := store.EntriesByOwner(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// =============================================================================
// FULL STACK OVER SQLITE
// =============================================================================

func TestSQLite_LedgerComponent_EndToEnd(t *testing.T) {
	// The core ledger running on the real store: grant, priority consume,
	// balance replay.

	store := newTestStore(t)
	ctx := context.Background()

	ledger := core.NewLedger(store, core.FixedClock{At: now}, nil)
	owner := core.OwnerID("user-1")

	_, err := ledger.Grant(ctx, owner, core.BucketRecurringFree, core.MustParseAmount("3"), "monthly", nil)
	require.NoError(t, err)
	_, err = ledger.Grant(ctx, owner, core.BucketPurchased, core.MustParseAmount("10"), "pack", nil)
	require.NoError(t, err)

	debits, err := ledger.Consume(ctx, owner, core.MustParseAmount("5"), "spend")
	require.NoError(t, err)
	require.Len(t, debits, 2)
	assert.Equal(t, core.BucketRecurringFree, debits[0].Bucket)
	assert.Equal(t, core.BucketPurchased, debits[1].Bucket)

	total, err := ledger.TotalBalance(ctx, owner)
	require.NoError(t, err)
	assert.True(t, total.Equal(core.MustParseAmount("8")))
}
