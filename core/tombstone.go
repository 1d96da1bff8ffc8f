/*
tombstone.go - Capture and time-boxed restore of deleted records

PURPOSE:
  A hard delete first serializes the record and its dependent children into
  one tombstone row, in the same transaction that removes the live rows.
  Within the recovery window the tombstone can be restored; past it, the
  snapshot is purged by a background sweep.

RESTORE SEMANTICS:
  - Fresh identifiers for the record and every child; originals are never
    reused, so nothing created in the interim can collide.
  - Revision resets to 1: a restored record is a new record.
  - The tombstone is consumed by a successful restore.
  - No creation/completion side effects fire on the restore path; callers
    that drive streaks, achievements, or reminders from record events must
    not observe restores (see tasks.Service).

EVICTION:
  Capture enforces a per-owner cap: when a new capture would exceed it, the
  oldest surviving tombstone is dropped in the same transaction.

SEE ALSO:
  - store.go: TombstoneStore interface
  - tasks/snapshot.go: the task-domain serializer pair
*/
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// SERIALIZER - Domain-supplied snapshot codec
// =============================================================================

// Serializer converts a record and its children to and from a tombstone
// snapshot. Domain services supply one per deletable entity type.
type Serializer interface {
	Serialize(parent Record, children []Record) ([]byte, error)
	Deserialize(snapshot []byte) (parent Record, children []Record, err error)
}

// =============================================================================
// RECOVERY - Tombstone capture and restore
// =============================================================================

// Recovery captures deleted records and restores them within the window.
type Recovery struct {
	store       TxStore
	clock       Clock
	serializer  Serializer
	window      time.Duration // recoverable-until horizon
	maxPerOwner int           // live tombstone cap, oldest evicted beyond it
}

// NewRecovery creates a recovery store. window bounds how long a tombstone
// stays restorable; maxPerOwner caps live tombstones per owner.
func NewRecovery(store TxStore, clock Clock, serializer Serializer, window time.Duration, maxPerOwner int) *Recovery {
	if clock == nil {
		clock = SystemClock()
	}
	return &Recovery{
		store:       store,
		clock:       clock,
		serializer:  serializer,
		window:      window,
		maxPerOwner: maxPerOwner,
	}
}

// Capture snapshots the record and its children into a tombstone, then
// hard-deletes the live rows. Snapshot, eviction, and deletion commit in
// one transaction: a crash leaves either everything or nothing.
func (r *Recovery) Capture(ctx context.Context, id RecordID) (TombstoneID, error) {
	now := r.clock.Now()
	tsID := TombstoneID(uuid.NewString())

	err := r.store.WithTx(ctx, func(s Store) error {
		rec, err := s.GetRecord(ctx, id)
		if err != nil {
			return err
		}
		children, err := s.ListChildren(ctx, id)
		if err != nil {
			return err
		}

		snapshot, err := r.serializer.Serialize(rec, children)
		if err != nil {
			return fmt.Errorf("serialize snapshot: %w", err)
		}

		if err := s.InsertTombstone(ctx, Tombstone{
			ID:               tsID,
			OwnerID:          rec.OwnerID,
			Kind:             rec.Kind,
			OriginalID:       rec.ID,
			Snapshot:         snapshot,
			RecoverableUntil: now.Add(r.window),
			CreatedAt:        now,
		}); err != nil {
			return err
		}

		if err := r.evictOverCap(ctx, s, rec.OwnerID, now); err != nil {
			return err
		}

		for _, child := range children {
			if err := s.DeleteRecord(ctx, child.ID); err != nil {
				return err
			}
		}
		return s.DeleteRecord(ctx, rec.ID)
	})
	if err != nil {
		return "", err
	}
	return tsID, nil
}

// evictOverCap deletes the oldest live tombstones beyond the per-owner cap.
// Called after the new insert, so at most one eviction per capture once the
// owner is at steady state.
func (r *Recovery) evictOverCap(ctx context.Context, s Store, owner OwnerID, now time.Time) error {
	all, err := s.ListTombstones(ctx, owner)
	if err != nil {
		return err
	}
	var live []Tombstone
	for _, ts := range all {
		if ts.Recoverable(now) {
			live = append(live, ts)
		}
	}
	for idx := 0; len(live)-idx > r.maxPerOwner; idx++ {
		if err := s.DeleteTombstone(ctx, live[idx].ID); err != nil {
			return err
		}
	}
	return nil
}

// Restore deserializes the snapshot under fresh identifiers at revision 1
// and consumes the tombstone. Fails with ErrTombstoneNotFound for unknown,
// already-consumed, or foreign-owner tombstones and ErrTombstoneExpired past
// the window. The ownership check runs before any row is touched.
func (r *Recovery) Restore(ctx context.Context, owner OwnerID, id TombstoneID) (Record, error) {
	now := r.clock.Now()

	var restored Record
	err := r.store.WithTx(ctx, func(s Store) error {
		ts, err := s.GetTombstone(ctx, id)
		if err != nil {
			return err
		}
		if ts.OwnerID != owner {
			return ErrTombstoneNotFound
		}
		if !ts.Recoverable(now) {
			return ErrTombstoneExpired
		}

		parent, children, err := r.serializer.Deserialize(ts.Snapshot)
		if err != nil {
			return fmt.Errorf("deserialize snapshot: %w", err)
		}

		parent.ID = RecordID(uuid.NewString())
		restored, err = s.CreateRecord(ctx, parent)
		if err != nil {
			return err
		}
		for _, child := range children {
			child.ID = RecordID(uuid.NewString())
			child.ParentID = restored.ID
			if _, err := s.CreateRecord(ctx, child); err != nil {
				return err
			}
		}

		return s.DeleteTombstone(ctx, ts.ID)
	})
	if err != nil {
		return Record{}, err
	}
	return restored, nil
}

// List returns the owner's tombstones that are still restorable.
func (r *Recovery) List(ctx context.Context, owner OwnerID) ([]Tombstone, error) {
	all, err := r.store.ListTombstones(ctx, owner)
	if err != nil {
		return nil, err
	}
	now := r.clock.Now()
	live := make([]Tombstone, 0, len(all))
	for _, ts := range all {
		if ts.Recoverable(now) {
			live = append(live, ts)
		}
	}
	return live, nil
}

// Sweep purges tombstones past their recovery window.
func (r *Recovery) Sweep(ctx context.Context) (int64, error) {
	return r.store.PurgeExpiredTombstones(ctx, r.clock.Now())
}
