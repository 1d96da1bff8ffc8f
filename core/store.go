/*
store.go - Persistence interfaces for the transactional core

PURPOSE:
  Defines the interface between the core algorithms and the database.
  Four logical tables back the four components: versioned records,
  ledger entries (append-only), idempotency records (keyed, TTL-bearing),
  and tombstones (keyed, TTL-bearing). No other storage medium is required.

APPEND-ONLY CONTRACT:
  LedgerStore has no update or delete methods. Expiry and carryover are
  recorded as explicit reconciliation entries, never silent balance edits.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: production SQLite
  - core/store/memory.go:  in-memory for tests

SEE ALSO:
  - versioned.go, ledger.go, idempotency.go, tombstone.go: the components
    layered on these interfaces
*/
package core

import (
	"context"
	"time"
)

// =============================================================================
// RECORD STORE - Versioned rows with compare-and-swap updates
// =============================================================================

// RecordStore persists versioned records. Update is a single atomic
// compare-and-swap on the revision column; conflicts surface immediately as
// *ConflictError, never silently merged or last-writer-wins.
type RecordStore interface {
	// CreateRecord inserts a record at revision 1.
	CreateRecord(ctx context.Context, rec Record) (Record, error)

	// GetRecord returns the current record and revision with no locking.
	GetRecord(ctx context.Context, id RecordID) (Record, error)

	// UpdateRecord applies mutate if the stored revision equals
	// expectedRevision, incrementing the revision by exactly 1. Otherwise it
	// fails with *ConflictError carrying the current revision.
	UpdateRecord(ctx context.Context, id RecordID, expectedRevision int64, mutate Mutation) (Record, error)

	// DeleteRecord hard-removes a record row. Callers are expected to have
	// captured a tombstone first, in the same transaction.
	DeleteRecord(ctx context.Context, id RecordID) error

	// ListChildren returns live records whose ParentID equals id.
	ListChildren(ctx context.Context, id RecordID) ([]Record, error)
}

// =============================================================================
// LEDGER STORE - Append-only entry log
// =============================================================================

// LedgerStore persists ledger entries. Append-only: no update, no delete.
type LedgerStore interface {
	// AppendEntries persists entries atomically; all or none.
	AppendEntries(ctx context.Context, entries []Entry) error

	// EntriesByOwner returns all entries for an owner, ordered by creation.
	EntriesByOwner(ctx context.Context, owner OwnerID) ([]Entry, error)

	// BucketBalances aggregates non-expired entries per bucket as of now.
	BucketBalances(ctx context.Context, owner OwnerID, now time.Time) (map[Bucket]Amount, error)

	// LedgerOwners returns every owner with at least one entry. Drives the
	// background expiry sweep.
	LedgerOwners(ctx context.Context) ([]OwnerID, error)
}

// =============================================================================
// IDEMPOTENCY STORE - Keyed operation results with TTL
// =============================================================================

// IdempotencyStore persists operation records. InsertInProgress relies on a
// uniqueness constraint over (key, owner, target) to serialize concurrent
// begins without an explicit lock.
type IdempotencyStore interface {
	// InsertInProgress inserts a new in-progress record. If a live record
	// already exists for the tuple it returns that record and inserted=false.
	// Expired records are replaced.
	InsertInProgress(ctx context.Context, rec OperationRecord) (existing *OperationRecord, inserted bool, err error)

	// CompleteOperation marks the record completed with its response. This is
	// the record's single permitted update; it is read-only thereafter.
	CompleteOperation(ctx context.Context, key string, owner OwnerID, target string, status int, payload []byte) error

	// DeleteOperation removes a record, used to release a slot when the
	// underlying operation failed and should be retryable.
	DeleteOperation(ctx context.Context, key string, owner OwnerID, target string) error

	// PurgeExpiredOperations removes records past expiry. Background sweep.
	PurgeExpiredOperations(ctx context.Context, now time.Time) (int64, error)
}

// =============================================================================
// TOMBSTONE STORE - Deleted-record snapshots with TTL and per-owner cap
// =============================================================================

// TombstoneStore persists tombstones.
type TombstoneStore interface {
	InsertTombstone(ctx context.Context, ts Tombstone) error
	GetTombstone(ctx context.Context, id TombstoneID) (Tombstone, error)
	DeleteTombstone(ctx context.Context, id TombstoneID) error

	// ListTombstones returns an owner's live tombstones, oldest first.
	ListTombstones(ctx context.Context, owner OwnerID) ([]Tombstone, error)

	// PurgeExpiredTombstones removes tombstones past recoverable_until.
	PurgeExpiredTombstones(ctx context.Context, now time.Time) (int64, error)
}

// =============================================================================
// COMBINED / TRANSACTIONAL STORE
// =============================================================================

// Store is the full persistence surface the core needs.
type Store interface {
	RecordStore
	LedgerStore
	IdempotencyStore
	TombstoneStore
}

// TxStore wraps Store with local-transaction support. Capture-and-delete,
// restore, and the consume walk each run inside one WithTx call so the
// underlying rows either all commit or all roll back.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction. If fn returns an error the
	// transaction is rolled back, otherwise committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
