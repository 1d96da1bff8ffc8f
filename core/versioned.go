/*
versioned.go - Versioned record access with compare-and-swap updates

PURPOSE:
  The entry point domain services build on for record mutation. Creation
  assigns an identifier and revision 1; reads take no locks; updates are a
  single atomic compare-and-swap on the revision the caller last observed.

CONFLICT MODEL:
  Optimistic and lock-free. Most updates don't conflict in practice
  (single-owner editing), so there is no lock acquisition on the write
  path. When the stored revision has moved on, the update fails with
  *ConflictError carrying the current revision; the caller refetches and
  retries explicitly. Conflicts are never resolved by merge or
  last-writer-wins.

CASCADES:
  Records does not cascade to children. Callers orchestrate cascades (e.g.
  auto-completing a parent when all children complete) as separate steps,
  each guarded by its own revision check. See tasks.Service.

SEE ALSO:
  - store.go: RecordStore, where the CAS executes
  - tombstone.go: capture/restore for hard deletes
*/
package core

import (
	"context"

	"github.com/google/uuid"
)

// =============================================================================
// RECORDS - Versioned record store facade
// =============================================================================

type Records struct {
	store TxStore
	clock Clock
}

func NewRecords(store TxStore, clock Clock) *Records {
	if clock == nil {
		clock = SystemClock()
	}
	return &Records{store: store, clock: clock}
}

// Create inserts a new record at revision 1 with a fresh identifier.
func (r *Records) Create(ctx context.Context, owner OwnerID, kind RecordKind, parentID RecordID, fields map[string]any) (Record, error) {
	return r.CreateIn(ctx, r.store, owner, kind, parentID, fields)
}

// CreateIn inserts like Create but through the given store, so callers can
// create records inside an already-open transaction.
func (r *Records) CreateIn(ctx context.Context, s Store, owner OwnerID, kind RecordKind, parentID RecordID, fields map[string]any) (Record, error) {
	now := r.clock.Now()
	return s.CreateRecord(ctx, Record{
		ID:        RecordID(uuid.NewString()),
		OwnerID:   owner,
		Kind:      kind,
		ParentID:  parentID,
		Fields:    fields,
		Revision:  1,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// Get returns the current record and revision with no locking. The
// revision it reports is what the caller later presents to Update.
func (r *Records) Get(ctx context.Context, id RecordID) (Record, error) {
	return r.store.GetRecord(ctx, id)
}

// Update applies mutate if and only if the stored revision equals
// expectedRevision, incrementing the revision by exactly 1. A stale
// revision fails with *ConflictError; the caller refetches and retries.
func (r *Records) Update(ctx context.Context, id RecordID, expectedRevision int64, mutate Mutation) (Record, error) {
	return r.store.UpdateRecord(ctx, id, expectedRevision, mutate)
}

// Hide soft-marks a record hidden without removing it, guarded by the same
// revision check as any other update.
func (r *Records) Hide(ctx context.Context, id RecordID, expectedRevision int64) (Record, error) {
	return r.store.UpdateRecord(ctx, id, expectedRevision, func(rec *Record) error {
		rec.Hidden = true
		return nil
	})
}

// Children returns the live child records of id.
func (r *Records) Children(ctx context.Context, id RecordID) ([]Record, error) {
	return r.store.ListChildren(ctx, id)
}
