package core_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice/taskcore/core"
	"github.com/lattice/taskcore/core/store"
)

func newRecords() *core.Records {
	return core.NewRecords(store.NewMemory(), newTestClock(t0))
}

func setField(key string, value any) core.Mutation {
	return func(rec *core.Record) error {
		if rec.Fields == nil {
			rec.Fields = make(map[string]any)
		}
		rec.Fields[key] = value
		return nil
	}
}

func TestRecords_Create_StartsAtRevisionOne(t *testing.T) {
	records := newRecords()

	rec, err := records.Create(context.Background(), "user-1", core.KindTask, "", map[string]any{"title": "a"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Revision)
	assert.NotEmpty(t, rec.ID)
}

func TestRecords_Update_MatchingRevision_IncrementsByOne(t *testing.T) {
	// GIVEN: A record at revision 1
	// WHEN: Updating with expectedRevision=1
	// THEN: The mutation lands and the revision becomes 2

	records := newRecords()
	ctx := context.Background()

	rec, err := records.Create(ctx, "user-1", core.KindTask, "", map[string]any{"title": "a"})
	require.NoError(t, err)

	updated, err := records.Update(ctx, rec.ID, 1, setField("title", "b"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Revision)
	assert.Equal(t, "b", updated.Fields["title"])
}

func TestRecords_Update_StaleRevision_ConflictCarriesCurrent(t *testing.T) {
	// GIVEN: Two clients both read revision 1
	// WHEN: The first updates to revision 2 and the second submits against 1
	// THEN: The second gets ConflictError reporting current revision 2,
	//       and its change is not applied

	records := newRecords()
	ctx := context.Background()

	rec, err := records.Create(ctx, "user-1", core.KindTask, "", map[string]any{"title": "a"})
	require.NoError(t, err)

	_, err = records.Update(ctx, rec.ID, 1, setField("title", "first"))
	require.NoError(t, err)

	_, err = records.Update(ctx, rec.ID, 1, setField("title", "second"))
	require.Error(t, err)

	var conflict *core.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, rec.ID, conflict.RecordID)
	assert.Equal(t, int64(1), conflict.ExpectedRevision)
	assert.Equal(t, int64(2), conflict.CurrentRevision)
	assert.ErrorIs(t, err, core.ErrConflict)

	current, err := records.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", current.Fields["title"], "losing write must not land")
}

func TestRecords_Update_ConcurrentSameRevision_ExactlyOneWins(t *testing.T) {
	// GIVEN: N goroutines all holding revision 1
	// WHEN: They race to update
	// THEN: Exactly one succeeds; the rest get conflicts

	records := newRecords()
	ctx := context.Background()

	rec, err := records.Create(ctx, "user-1", core.KindTask, "", nil)
	require.NoError(t, err)

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := records.Update(ctx, rec.ID, 1, setField("winner", i))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, core.ErrConflict)
		}
	}
	assert.Equal(t, 1, wins)

	current, err := records.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), current.Revision)
}

func TestRecords_Update_UnknownID_NotFound(t *testing.T) {
	records := newRecords()

	_, err := records.Update(context.Background(), "missing", 1, setField("x", 1))
	assert.ErrorIs(t, err, core.ErrRecordNotFound)
}

func TestRecords_Hide_IsRevisionGuarded(t *testing.T) {
	records := newRecords()
	ctx := context.Background()

	rec, err := records.Create(ctx, "user-1", core.KindTask, "", nil)
	require.NoError(t, err)

	hidden, err := records.Hide(ctx, rec.ID, 1)
	require.NoError(t, err)
	assert.True(t, hidden.Hidden)
	assert.Equal(t, int64(2), hidden.Revision)

	_, err = records.Hide(ctx, rec.ID, 1)
	assert.ErrorIs(t, err, core.ErrConflict)
}

func TestRecords_Children_ListsOnlyDirectChildren(t *testing.T) {
	records := newRecords()
	ctx := context.Background()

	parent, err := records.Create(ctx, "user-1", core.KindTask, "", nil)
	require.NoError(t, err)
	_, err = records.Create(ctx, "user-1", core.KindSubtask, parent.ID, nil)
	require.NoError(t, err)
	_, err = records.Create(ctx, "user-1", core.KindNote, parent.ID, nil)
	require.NoError(t, err)
	_, err = records.Create(ctx, "user-1", core.KindTask, "", nil) // unrelated
	require.NoError(t, err)

	children, err := records.Children(ctx, parent.ID)
	require.NoError(t, err)
	assert.Len(t, children, 2)
}
