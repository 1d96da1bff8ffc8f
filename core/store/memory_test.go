package store_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice/taskcore/core"
	"github.com/lattice/taskcore/core/store"
)

func TestMemory_ListTombstones_EqualTimestampsOrderByID(t *testing.T) {
	// GIVEN: Three tombstones sharing one creation timestamp
	// WHEN: Listing them
	// THEN: Order is deterministic (id tiebreak), matching the sqlite store

	m := store.NewMemory()
	ctx := context.Background()
	at := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	for _, id := range []core.TombstoneID{"ts-c", "ts-a", "ts-b"} {
		require.NoError(t, m.InsertTombstone(ctx, core.Tombstone{
			ID:               id,
			OwnerID:          "user-1",
			Kind:             core.KindTask,
			OriginalID:       core.RecordID(id),
			RecoverableUntil: at.Add(time.Hour),
			CreatedAt:        at,
		}))
	}

	list, err := m.ListTombstones(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, list, 3)

	ids := make([]core.TombstoneID, len(list))
	for i, ts := range list {
		ids[i] = ts.ID
	}
	assert.Equal(t, []core.TombstoneID{"ts-a", "ts-b", "ts-c"}, ids)
}

func TestMemory_WithTx_RollsBackOnError(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	at := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	err := m.WithTx(ctx, func(s core.Store) error {
		for i := 0; i < 3; i++ {
			_, err := s.CreateRecord(ctx, core.Record{
				ID:        core.RecordID("rec-" + strconv.Itoa(i)),
				OwnerID:   "user-1",
				Kind:      core.KindTask,
				Revision:  1,
				CreatedAt: at,
				UpdatedAt: at,
			})
			require.NoError(t, err)
		}
		return assert.AnError
	})
	require.Error(t, err)

	_, err = m.GetRecord(ctx, "rec-0")
	assert.ErrorIs(t, err, core.ErrRecordNotFound, "rolled-back writes must not leak")
}
