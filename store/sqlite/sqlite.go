/*
Package sqlite provides the SQLite-backed implementation of core.TxStore.

PURPOSE:
  Implements the four logical tables behind the transactional core:
  versioned records, ledger entries, idempotency records, and tombstones.
  In production the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

APPEND-ONLY ENFORCEMENT:
  No UPDATE or DELETE statements exist for the ledger_entries table.
  Expiry and carryover are explicit reconciliation entries.

COMPARE-AND-SWAP:
  Record updates execute as a single
    UPDATE records ... WHERE id = ? AND revision = ?
  and report a conflict (with the current revision) when no row matched.

UNIQUENESS AS MUTUAL EXCLUSION:
  The primary key on idempotency_records(op_key, owner_id, target) decides
  races between concurrent begins without an explicit lock; the loser reads
  the winner's row.

WAL MODE:
  SQLite is opened with WAL so readers don't block and crash recovery is
  clean. A sync.RWMutex serializes writers in-process; with PostgreSQL the
  database's own concurrency control takes over.

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper migration
  tool with versioned migrations.

SEE ALSO:
  - core/store.go: interface definitions
  - core/store/memory.go: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lattice/taskcore/core"
	_ "github.com/mattn/go-sqlite3"
)

// Store implements core.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Compile-time check that Store implements the full store surface.
var _ core.TxStore = (*Store)(nil)

// New creates a SQLite store at the given path. Use ":memory:" for an
// in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Versioned records (tasks, subtasks, notes share the revision convention)
	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		parent_id TEXT NOT NULL DEFAULT '',
		fields_json TEXT NOT NULL,
		hidden BOOLEAN NOT NULL DEFAULT FALSE,
		revision INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_owner
		ON records(owner_id, kind);
	CREATE INDEX IF NOT EXISTS idx_records_parent
		ON records(parent_id) WHERE parent_id != '';

	-- Ledger entries (append-only; no UPDATE or DELETE, ever)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		bucket TEXT NOT NULL,
		amount TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		reason TEXT NOT NULL,
		detail TEXT,
		expires_at TEXT,
		created_at TEXT NOT NULL
	);

	-- Owner-scoped aggregation is the hot path
	CREATE INDEX IF NOT EXISTS idx_entries_owner
		ON ledger_entries(owner_id);
	CREATE INDEX IF NOT EXISTS idx_entries_owner_bucket
		ON ledger_entries(owner_id, bucket);

	-- Idempotency records; the primary key decides begin races
	CREATE TABLE IF NOT EXISTS idempotency_records (
		op_key TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		target TEXT NOT NULL,
		state TEXT NOT NULL,
		status INTEGER NOT NULL DEFAULT 0,
		payload BLOB,
		expires_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (op_key, owner_id, target)
	);

	CREATE INDEX IF NOT EXISTS idx_idempotency_expiry
		ON idempotency_records(expires_at);

	-- Tombstones (deleted-record snapshots, time-boxed recovery)
	CREATE TABLE IF NOT EXISTS tombstones (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		original_id TEXT NOT NULL,
		snapshot BLOB NOT NULL,
		recoverable_until TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tombstones_owner
		ON tombstones(owner_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_tombstones_expiry
		ON tombstones(recoverable_until);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier abstracts *sql.DB and *sql.Tx so the same statement helpers serve
// both direct calls and WithTx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

// =============================================================================
// TRANSACTIONAL STORE (core.TxStore)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(core.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{q: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txStore routes the Store interface through an open transaction. It takes
// no locks: WithTx already holds the store's write lock.
type txStore struct {
	q *sql.Tx
}

func (ts *txStore) CreateRecord(ctx context.Context, rec core.Record) (core.Record, error) {
	return createRecord(ctx, ts.q, rec)
}
func (ts *txStore) GetRecord(ctx context.Context, id core.RecordID) (core.Record, error) {
	return getRecord(ctx, ts.q, id)
}
func (ts *txStore) UpdateRecord(ctx context.Context, id core.RecordID, expectedRevision int64, mutate core.Mutation) (core.Record, error) {
	return updateRecord(ctx, ts.q, id, expectedRevision, mutate)
}
func (ts *txStore) DeleteRecord(ctx context.Context, id core.RecordID) error {
	return deleteRecord(ctx, ts.q, id)
}
func (ts *txStore) ListChildren(ctx context.Context, id core.RecordID) ([]core.Record, error) {
	return listChildren(ctx, ts.q, id)
}
func (ts *txStore) AppendEntries(ctx context.Context, entries []core.Entry) error {
	return appendEntries(ctx, ts.q, entries)
}
func (ts *txStore) EntriesByOwner(ctx context.Context, owner core.OwnerID) ([]core.Entry, error) {
	return entriesByOwner(ctx, ts.q, owner)
}
func (ts *txStore) BucketBalances(ctx context.Context, owner core.OwnerID, now time.Time) (map[core.Bucket]core.Amount, error) {
	return bucketBalances(ctx, ts.q, owner, now)
}
func (ts *txStore) LedgerOwners(ctx context.Context) ([]core.OwnerID, error) {
	return ledgerOwners(ctx, ts.q)
}
func (ts *txStore) InsertInProgress(ctx context.Context, rec core.OperationRecord) (*core.OperationRecord, bool, error) {
	return insertInProgress(ctx, ts.q, rec)
}
func (ts *txStore) CompleteOperation(ctx context.Context, key string, owner core.OwnerID, target string, status int, payload []byte) error {
	return completeOperation(ctx, ts.q, key, owner, target, status, payload)
}
func (ts *txStore) DeleteOperation(ctx context.Context, key string, owner core.OwnerID, target string) error {
	return deleteOperation(ctx, ts.q, key, owner, target)
}
func (ts *txStore) PurgeExpiredOperations(ctx context.Context, now time.Time) (int64, error) {
	return purgeExpiredOperations(ctx, ts.q, now)
}
func (ts *txStore) InsertTombstone(ctx context.Context, tomb core.Tombstone) error {
	return insertTombstone(ctx, ts.q, tomb)
}
func (ts *txStore) GetTombstone(ctx context.Context, id core.TombstoneID) (core.Tombstone, error) {
	return getTombstone(ctx, ts.q, id)
}
func (ts *txStore) DeleteTombstone(ctx context.Context, id core.TombstoneID) error {
	return deleteTombstone(ctx, ts.q, id)
}
func (ts *txStore) ListTombstones(ctx context.Context, owner core.OwnerID) ([]core.Tombstone, error) {
	return listTombstones(ctx, ts.q, owner)
}
func (ts *txStore) PurgeExpiredTombstones(ctx context.Context, now time.Time) (int64, error) {
	return purgeExpiredTombstones(ctx, ts.q, now)
}

// =============================================================================
// RECORD STORE (core.RecordStore)
// =============================================================================

func (s *Store) CreateRecord(ctx context.Context, rec core.Record) (core.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createRecord(ctx, s.db, rec)
}

func createRecord(ctx context.Context, q querier, rec core.Record) (core.Record, error) {
	if rec.Revision == 0 {
		rec.Revision = 1
	}
	fieldsJSON, err := json.Marshal(rec.Fields)
	if err != nil {
		return core.Record{}, fmt.Errorf("marshal fields: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO records (id, owner_id, kind, parent_id, fields_json, hidden, revision, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.OwnerID, rec.Kind, rec.ParentID, string(fieldsJSON),
		rec.Hidden, rec.Revision, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return core.Record{}, fmt.Errorf("%w: record %s already exists", core.ErrIntegrityViolation, rec.ID)
		}
		return core.Record{}, fmt.Errorf("failed to create record: %w", err)
	}
	return rec, nil
}

func (s *Store) GetRecord(ctx context.Context, id core.RecordID) (core.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getRecord(ctx, s.db, id)
}

func getRecord(ctx context.Context, q querier, id core.RecordID) (core.Record, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, owner_id, kind, parent_id, fields_json, hidden, revision, created_at, updated_at
		FROM records WHERE id = ?`, id)
	return scanRecord(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (core.Record, error) {
	var (
		rec        core.Record
		fieldsJSON string
		createdAt  string
		updatedAt  string
	)
	err := row.Scan(&rec.ID, &rec.OwnerID, &rec.Kind, &rec.ParentID,
		&fieldsJSON, &rec.Hidden, &rec.Revision, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return core.Record{}, core.ErrRecordNotFound
	}
	if err != nil {
		return core.Record{}, fmt.Errorf("failed to scan record: %w", err)
	}

	if fieldsJSON != "" && fieldsJSON != "null" {
		if err := json.Unmarshal([]byte(fieldsJSON), &rec.Fields); err != nil {
			return core.Record{}, fmt.Errorf("unmarshal fields: %w", err)
		}
	}
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return rec, nil
}

func (s *Store) UpdateRecord(ctx context.Context, id core.RecordID, expectedRevision int64, mutate core.Mutation) (core.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateRecord(ctx, s.db, id, expectedRevision, mutate)
}

func updateRecord(ctx context.Context, q querier, id core.RecordID, expectedRevision int64, mutate core.Mutation) (core.Record, error) {
	rec, err := getRecord(ctx, q, id)
	if err != nil {
		return core.Record{}, err
	}
	if rec.Revision != expectedRevision {
		return core.Record{}, &core.ConflictError{
			RecordID:         id,
			ExpectedRevision: expectedRevision,
			CurrentRevision:  rec.Revision,
		}
	}

	next := rec
	if err := mutate(&next); err != nil {
		return core.Record{}, err
	}
	next.ID = rec.ID
	next.OwnerID = rec.OwnerID
	next.Kind = rec.Kind
	next.Revision = rec.Revision + 1
	next.UpdatedAt = time.Now().UTC()

	fieldsJSON, err := json.Marshal(next.Fields)
	if err != nil {
		return core.Record{}, fmt.Errorf("marshal fields: %w", err)
	}

	// The WHERE clause is the compare-and-swap: no row matches when another
	// writer committed between our read and this statement.
	res, err := q.ExecContext(ctx, `
		UPDATE records
		SET parent_id = ?, fields_json = ?, hidden = ?, revision = revision + 1, updated_at = ?
		WHERE id = ? AND revision = ?`,
		next.ParentID, string(fieldsJSON), next.Hidden, formatTime(next.UpdatedAt),
		id, expectedRevision,
	)
	if err != nil {
		return core.Record{}, fmt.Errorf("failed to update record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return core.Record{}, err
	}
	if affected == 0 {
		current, err := getRecord(ctx, q, id)
		if err != nil {
			return core.Record{}, err
		}
		return core.Record{}, &core.ConflictError{
			RecordID:         id,
			ExpectedRevision: expectedRevision,
			CurrentRevision:  current.Revision,
		}
	}
	return next, nil
}

func (s *Store) DeleteRecord(ctx context.Context, id core.RecordID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteRecord(ctx, s.db, id)
}

func deleteRecord(ctx context.Context, q querier, id core.RecordID) error {
	res, err := q.ExecContext(ctx, "DELETE FROM records WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return core.ErrRecordNotFound
	}
	return nil
}

func (s *Store) ListChildren(ctx context.Context, id core.RecordID) ([]core.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listChildren(ctx, s.db, id)
}

func listChildren(ctx context.Context, q querier, id core.RecordID) ([]core.Record, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, owner_id, kind, parent_id, fields_json, hidden, revision, created_at, updated_at
		FROM records WHERE parent_id = ?
		ORDER BY created_at ASC, id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query children: %w", err)
	}
	defer rows.Close()

	var children []core.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		children = append(children, rec)
	}
	return children, rows.Err()
}

// =============================================================================
// LEDGER STORE (core.LedgerStore) - append-only
// =============================================================================

func (s *Store) AppendEntries(ctx context.Context, entries []core.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendEntries(ctx, s.db, entries)
}

func appendEntries(ctx context.Context, q querier, entries []core.Entry) error {
	for _, e := range entries {
		var expiresAt sql.NullString
		if e.ExpiresAt != nil {
			expiresAt = sql.NullString{String: formatTime(*e.ExpiresAt), Valid: true}
		}
		_, err := q.ExecContext(ctx, `
			INSERT INTO ledger_entries (id, owner_id, bucket, amount, balance_after, reason, detail, expires_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.OwnerID, e.Bucket, e.Amount.Value.String(), e.BalanceAfter.Value.String(),
			e.Reason, e.Detail, expiresAt, formatTime(e.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to append entry: %w", err)
		}
	}
	return nil
}

func (s *Store) EntriesByOwner(ctx context.Context, owner core.OwnerID) ([]core.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return entriesByOwner(ctx, s.db, owner)
}

func entriesByOwner(ctx context.Context, q querier, owner core.OwnerID) ([]core.Entry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, owner_id, bucket, amount, balance_after, reason, detail, expires_at, created_at
		FROM ledger_entries
		WHERE owner_id = ?
		ORDER BY rowid ASC`, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []core.Entry
	for rows.Next() {
		var (
			e         core.Entry
			amount    string
			balAfter  string
			detail    sql.NullString
			expiresAt sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.Bucket, &amount, &balAfter,
			&e.Reason, &detail, &expiresAt, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		if e.Amount, err = core.ParseAmount(amount); err != nil {
			return nil, fmt.Errorf("entry %s: bad amount %q: %w", e.ID, amount, err)
		}
		if e.BalanceAfter, err = core.ParseAmount(balAfter); err != nil {
			return nil, fmt.Errorf("entry %s: bad balance_after %q: %w", e.ID, balAfter, err)
		}
		e.Detail = detail.String
		if expiresAt.Valid {
			t := parseTime(expiresAt.String)
			e.ExpiresAt = &t
		}
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) BucketBalances(ctx context.Context, owner core.OwnerID, now time.Time) (map[core.Bucket]core.Amount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return bucketBalances(ctx, s.db, owner, now)
}

// bucketBalances replays the owner's entries and sums the non-expired ones
// per bucket. Decimal arithmetic stays in Go; amounts are stored as exact
// strings, not floats.
func bucketBalances(ctx context.Context, q querier, owner core.OwnerID, now time.Time) (map[core.Bucket]core.Amount, error) {
	entries, err := entriesByOwner(ctx, q, owner)
	if err != nil {
		return nil, err
	}
	balances := make(map[core.Bucket]core.Amount)
	for _, e := range entries {
		if e.Expired(now) {
			continue
		}
		balances[e.Bucket] = balances[e.Bucket].Add(e.Amount)
	}
	return balances, nil
}

func (s *Store) LedgerOwners(ctx context.Context) ([]core.OwnerID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ledgerOwners(ctx, s.db)
}

func ledgerOwners(ctx context.Context, q querier) ([]core.OwnerID, error) {
	rows, err := q.QueryContext(ctx, `SELECT DISTINCT owner_id FROM ledger_entries ORDER BY owner_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger owners: %w", err)
	}
	defer rows.Close()

	var owners []core.OwnerID
	for rows.Next() {
		var owner core.OwnerID
		if err := rows.Scan(&owner); err != nil {
			return nil, err
		}
		owners = append(owners, owner)
	}
	return owners, rows.Err()
}

// =============================================================================
// IDEMPOTENCY STORE (core.IdempotencyStore)
// =============================================================================

func (s *Store) InsertInProgress(ctx context.Context, rec core.OperationRecord) (*core.OperationRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertInProgress(ctx, s.db, rec)
}

func insertInProgress(ctx context.Context, q querier, rec core.OperationRecord) (*core.OperationRecord, bool, error) {
	_, err := q.ExecContext(ctx, `
		INSERT INTO idempotency_records (op_key, owner_id, target, state, status, payload, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Key, rec.OwnerID, rec.Target, rec.State, rec.Status, rec.Payload,
		formatTime(rec.ExpiresAt), formatTime(rec.CreatedAt),
	)
	if err == nil {
		return nil, true, nil
	}
	if !isUniqueConstraintError(err) {
		return nil, false, fmt.Errorf("failed to insert idempotency record: %w", err)
	}

	// Lost the insert race or a record already exists: read it back.
	existing, err := getOperation(ctx, q, rec.Key, rec.OwnerID, rec.Target)
	if err != nil {
		return nil, false, err
	}

	// An expired record no longer guards the slot: replace it.
	if !existing.ExpiresAt.After(rec.CreatedAt) {
		if err := deleteOperation(ctx, q, rec.Key, rec.OwnerID, rec.Target); err != nil {
			return nil, false, err
		}
		return insertInProgress(ctx, q, rec)
	}
	return existing, false, nil
}

func getOperation(ctx context.Context, q querier, key string, owner core.OwnerID, target string) (*core.OperationRecord, error) {
	var (
		rec       core.OperationRecord
		expiresAt string
		createdAt string
	)
	err := q.QueryRowContext(ctx, `
		SELECT op_key, owner_id, target, state, status, payload, expires_at, created_at
		FROM idempotency_records
		WHERE op_key = ? AND owner_id = ? AND target = ?`,
		key, owner, target,
	).Scan(&rec.Key, &rec.OwnerID, &rec.Target, &rec.State, &rec.Status,
		&rec.Payload, &expiresAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, core.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read idempotency record: %w", err)
	}
	rec.ExpiresAt = parseTime(expiresAt)
	rec.CreatedAt = parseTime(createdAt)
	return &rec, nil
}

func (s *Store) CompleteOperation(ctx context.Context, key string, owner core.OwnerID, target string, status int, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return completeOperation(ctx, s.db, key, owner, target, status, payload)
}

func completeOperation(ctx context.Context, q querier, key string, owner core.OwnerID, target string, status int, payload []byte) error {
	res, err := q.ExecContext(ctx, `
		UPDATE idempotency_records
		SET state = ?, status = ?, payload = ?
		WHERE op_key = ? AND owner_id = ? AND target = ?`,
		core.StateCompleted, status, payload, key, owner, target,
	)
	if err != nil {
		return fmt.Errorf("failed to complete idempotency record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return core.ErrRecordNotFound
	}
	return nil
}

func (s *Store) DeleteOperation(ctx context.Context, key string, owner core.OwnerID, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteOperation(ctx, s.db, key, owner, target)
}

func deleteOperation(ctx context.Context, q querier, key string, owner core.OwnerID, target string) error {
	_, err := q.ExecContext(ctx,
		"DELETE FROM idempotency_records WHERE op_key = ? AND owner_id = ? AND target = ?",
		key, owner, target)
	return err
}

func (s *Store) PurgeExpiredOperations(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return purgeExpiredOperations(ctx, s.db, now)
}

func purgeExpiredOperations(ctx context.Context, q querier, now time.Time) (int64, error) {
	// Timestamps are stored as RFC3339Nano text with variable fractional
	// digits, so expiry is compared in Go rather than lexicographically.
	rows, err := q.QueryContext(ctx,
		"SELECT op_key, owner_id, target, expires_at FROM idempotency_records")
	if err != nil {
		return 0, err
	}
	type tuple struct {
		key    string
		owner  core.OwnerID
		target string
	}
	var stale []tuple
	for rows.Next() {
		var t tuple
		var expiresAt string
		if err := rows.Scan(&t.key, &t.owner, &t.target, &expiresAt); err != nil {
			rows.Close()
			return 0, err
		}
		if !parseTime(expiresAt).After(now) {
			stale = append(stale, t)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, t := range stale {
		if err := deleteOperation(ctx, q, t.key, t.owner, t.target); err != nil {
			return 0, err
		}
	}
	return int64(len(stale)), nil
}

// =============================================================================
// TOMBSTONE STORE (core.TombstoneStore)
// =============================================================================

func (s *Store) InsertTombstone(ctx context.Context, ts core.Tombstone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertTombstone(ctx, s.db, ts)
}

func insertTombstone(ctx context.Context, q querier, ts core.Tombstone) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO tombstones (id, owner_id, kind, original_id, snapshot, recoverable_until, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ts.ID, ts.OwnerID, ts.Kind, ts.OriginalID, ts.Snapshot,
		formatTime(ts.RecoverableUntil), formatTime(ts.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert tombstone: %w", err)
	}
	return nil
}

func (s *Store) GetTombstone(ctx context.Context, id core.TombstoneID) (core.Tombstone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getTombstone(ctx, s.db, id)
}

func getTombstone(ctx context.Context, q querier, id core.TombstoneID) (core.Tombstone, error) {
	var (
		ts               core.Tombstone
		recoverableUntil string
		createdAt        string
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, owner_id, kind, original_id, snapshot, recoverable_until, created_at
		FROM tombstones WHERE id = ?`, id,
	).Scan(&ts.ID, &ts.OwnerID, &ts.Kind, &ts.OriginalID, &ts.Snapshot,
		&recoverableUntil, &createdAt)
	if err == sql.ErrNoRows {
		return core.Tombstone{}, core.ErrTombstoneNotFound
	}
	if err != nil {
		return core.Tombstone{}, fmt.Errorf("failed to read tombstone: %w", err)
	}
	ts.RecoverableUntil = parseTime(recoverableUntil)
	ts.CreatedAt = parseTime(createdAt)
	return ts, nil
}

func (s *Store) DeleteTombstone(ctx context.Context, id core.TombstoneID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteTombstone(ctx, s.db, id)
}

func deleteTombstone(ctx context.Context, q querier, id core.TombstoneID) error {
	res, err := q.ExecContext(ctx, "DELETE FROM tombstones WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete tombstone: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return core.ErrTombstoneNotFound
	}
	return nil
}

func (s *Store) ListTombstones(ctx context.Context, owner core.OwnerID) ([]core.Tombstone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listTombstones(ctx, s.db, owner)
}

func listTombstones(ctx context.Context, q querier, owner core.OwnerID) ([]core.Tombstone, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, owner_id, kind, original_id, snapshot, recoverable_until, created_at
		FROM tombstones
		WHERE owner_id = ?
		ORDER BY created_at ASC, id ASC`, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to query tombstones: %w", err)
	}
	defer rows.Close()

	var tombstones []core.Tombstone
	for rows.Next() {
		var (
			ts               core.Tombstone
			recoverableUntil string
			createdAt        string
		)
		if err := rows.Scan(&ts.ID, &ts.OwnerID, &ts.Kind, &ts.OriginalID,
			&ts.Snapshot, &recoverableUntil, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan tombstone: %w", err)
		}
		ts.RecoverableUntil = parseTime(recoverableUntil)
		ts.CreatedAt = parseTime(createdAt)
		tombstones = append(tombstones, ts)
	}
	return tombstones, rows.Err()
}

func (s *Store) PurgeExpiredTombstones(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return purgeExpiredTombstones(ctx, s.db, now)
}

func purgeExpiredTombstones(ctx context.Context, q querier, now time.Time) (int64, error) {
	rows, err := q.QueryContext(ctx, "SELECT id, recoverable_until FROM tombstones")
	if err != nil {
		return 0, err
	}
	var stale []core.TombstoneID
	for rows.Next() {
		var id core.TombstoneID
		var until string
		if err := rows.Scan(&id, &until); err != nil {
			rows.Close()
			return 0, err
		}
		if !parseTime(until).After(now) {
			stale = append(stale, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range stale {
		if err := deleteTombstone(ctx, q, id); err != nil {
			return 0, err
		}
	}
	return int64(len(stale)), nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"records", "ledger_entries", "idempotency_records", "tombstones"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
