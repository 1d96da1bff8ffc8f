// Package store provides an in-memory core.TxStore for tests and dev.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lattice/taskcore/core"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu         sync.RWMutex
	records    map[core.RecordID]core.Record
	entries    []core.Entry
	operations map[opKey]core.OperationRecord
	tombstones map[core.TombstoneID]core.Tombstone
	inTx       bool
}

type opKey struct {
	Key    string
	Owner  core.OwnerID
	Target string
}

// Compile-time check that Memory implements the full store surface.
var _ core.TxStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		records:    make(map[core.RecordID]core.Record),
		operations: make(map[opKey]core.OperationRecord),
		tombstones: make(map[core.TombstoneID]core.Tombstone),
	}
}

// WithTx runs fn against a shadow copy of the store and swaps the state in
// on success, giving real rollback semantics for multi-write operations.
func (m *Memory) WithTx(_ context.Context, fn func(core.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	shadow := &Memory{
		records:    cloneRecords(m.records),
		entries:    append([]core.Entry(nil), m.entries...),
		operations: cloneOperations(m.operations),
		tombstones: cloneTombstones(m.tombstones),
		inTx:       true,
	}
	if err := fn(shadow); err != nil {
		return err
	}

	m.records = shadow.records
	m.entries = shadow.entries
	m.operations = shadow.operations
	m.tombstones = shadow.tombstones
	return nil
}

// lock is a no-op inside a transaction shadow, which is single-goroutine by
// construction and already guarded by the parent's mutex.
func (m *Memory) lock() func() {
	if m.inTx {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func (m *Memory) rlock() func() {
	if m.inTx {
		return func() {}
	}
	m.mu.RLock()
	return m.mu.RUnlock
}

// =============================================================================
// RECORD STORE
// =============================================================================

func (m *Memory) CreateRecord(_ context.Context, rec core.Record) (core.Record, error) {
	defer m.lock()()

	if _, exists := m.records[rec.ID]; exists {
		return core.Record{}, core.ErrIntegrityViolation
	}
	if rec.Revision == 0 {
		rec.Revision = 1
	}
	m.records[rec.ID] = cloneRecord(rec)
	return rec, nil
}

func (m *Memory) GetRecord(_ context.Context, id core.RecordID) (core.Record, error) {
	defer m.rlock()()

	rec, ok := m.records[id]
	if !ok {
		return core.Record{}, core.ErrRecordNotFound
	}
	return cloneRecord(rec), nil
}

func (m *Memory) UpdateRecord(_ context.Context, id core.RecordID, expectedRevision int64, mutate core.Mutation) (core.Record, error) {
	defer m.lock()()

	rec, ok := m.records[id]
	if !ok {
		return core.Record{}, core.ErrRecordNotFound
	}
	if rec.Revision != expectedRevision {
		return core.Record{}, &core.ConflictError{
			RecordID:         id,
			ExpectedRevision: expectedRevision,
			CurrentRevision:  rec.Revision,
		}
	}

	next := cloneRecord(rec)
	if err := mutate(&next); err != nil {
		return core.Record{}, err
	}
	next.ID = rec.ID
	next.OwnerID = rec.OwnerID
	next.Kind = rec.Kind
	next.Revision = rec.Revision + 1
	next.UpdatedAt = time.Now().UTC()

	m.records[id] = cloneRecord(next)
	return next, nil
}

func (m *Memory) DeleteRecord(_ context.Context, id core.RecordID) error {
	defer m.lock()()

	if _, ok := m.records[id]; !ok {
		return core.ErrRecordNotFound
	}
	delete(m.records, id)
	return nil
}

func (m *Memory) ListChildren(_ context.Context, id core.RecordID) ([]core.Record, error) {
	defer m.rlock()()

	var children []core.Record
	for _, rec := range m.records {
		if rec.ParentID == id {
			children = append(children, cloneRecord(rec))
		}
	}
	sort.Slice(children, func(i, j int) bool {
		return children[i].CreatedAt.Before(children[j].CreatedAt)
	})
	return children, nil
}

// =============================================================================
// LEDGER STORE
// =============================================================================

func (m *Memory) AppendEntries(_ context.Context, entries []core.Entry) error {
	defer m.lock()()

	m.entries = append(m.entries, entries...)
	return nil
}

func (m *Memory) EntriesByOwner(_ context.Context, owner core.OwnerID) ([]core.Entry, error) {
	defer m.rlock()()

	var out []core.Entry
	for _, e := range m.entries {
		if e.OwnerID == owner {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) BucketBalances(_ context.Context, owner core.OwnerID, now time.Time) (map[core.Bucket]core.Amount, error) {
	defer m.rlock()()

	balances := make(map[core.Bucket]core.Amount)
	for _, e := range m.entries {
		if e.OwnerID != owner || e.Expired(now) {
			continue
		}
		balances[e.Bucket] = balances[e.Bucket].Add(e.Amount)
	}
	return balances, nil
}

func (m *Memory) LedgerOwners(_ context.Context) ([]core.OwnerID, error) {
	defer m.rlock()()

	seen := make(map[core.OwnerID]bool)
	var owners []core.OwnerID
	for _, e := range m.entries {
		if !seen[e.OwnerID] {
			seen[e.OwnerID] = true
			owners = append(owners, e.OwnerID)
		}
	}
	return owners, nil
}

// =============================================================================
// IDEMPOTENCY STORE
// =============================================================================

func (m *Memory) InsertInProgress(_ context.Context, rec core.OperationRecord) (*core.OperationRecord, bool, error) {
	defer m.lock()()

	k := opKey{Key: rec.Key, Owner: rec.OwnerID, Target: rec.Target}
	if existing, ok := m.operations[k]; ok {
		if existing.ExpiresAt.After(rec.CreatedAt) {
			out := existing
			return &out, false, nil
		}
		// expired record: the slot is free again
	}
	m.operations[k] = rec
	return nil, true, nil
}

func (m *Memory) CompleteOperation(_ context.Context, key string, owner core.OwnerID, target string, status int, payload []byte) error {
	defer m.lock()()

	k := opKey{Key: key, Owner: owner, Target: target}
	rec, ok := m.operations[k]
	if !ok {
		return core.ErrRecordNotFound
	}
	rec.State = core.StateCompleted
	rec.Status = status
	rec.Payload = append([]byte(nil), payload...)
	m.operations[k] = rec
	return nil
}

func (m *Memory) DeleteOperation(_ context.Context, key string, owner core.OwnerID, target string) error {
	defer m.lock()()

	delete(m.operations, opKey{Key: key, Owner: owner, Target: target})
	return nil
}

func (m *Memory) PurgeExpiredOperations(_ context.Context, now time.Time) (int64, error) {
	defer m.lock()()

	var n int64
	for k, rec := range m.operations {
		if !rec.ExpiresAt.After(now) {
			delete(m.operations, k)
			n++
		}
	}
	return n, nil
}

// =============================================================================
// TOMBSTONE STORE
// =============================================================================

func (m *Memory) InsertTombstone(_ context.Context, ts core.Tombstone) error {
	defer m.lock()()

	m.tombstones[ts.ID] = ts
	return nil
}

func (m *Memory) GetTombstone(_ context.Context, id core.TombstoneID) (core.Tombstone, error) {
	defer m.rlock()()

	ts, ok := m.tombstones[id]
	if !ok {
		return core.Tombstone{}, core.ErrTombstoneNotFound
	}
	return ts, nil
}

func (m *Memory) DeleteTombstone(_ context.Context, id core.TombstoneID) error {
	defer m.lock()()

	if _, ok := m.tombstones[id]; !ok {
		return core.ErrTombstoneNotFound
	}
	delete(m.tombstones, id)
	return nil
}

func (m *Memory) ListTombstones(_ context.Context, owner core.OwnerID) ([]core.Tombstone, error) {
	defer m.rlock()()

	var out []core.Tombstone
	for _, ts := range m.tombstones {
		if ts.OwnerID == owner {
			out = append(out, ts)
		}
	}
	// Same order as the sqlite store: created_at with id as tiebreak, so
	// equal-timestamp tombstones evict deterministically.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) PurgeExpiredTombstones(_ context.Context, now time.Time) (int64, error) {
	defer m.lock()()

	var n int64
	for id, ts := range m.tombstones {
		if !ts.Recoverable(now) {
			delete(m.tombstones, id)
			n++
		}
	}
	return n, nil
}

// =============================================================================
// CLONING HELPERS
// =============================================================================

func cloneRecord(rec core.Record) core.Record {
	out := rec
	if rec.Fields != nil {
		out.Fields = make(map[string]any, len(rec.Fields))
		for k, v := range rec.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

func cloneRecords(in map[core.RecordID]core.Record) map[core.RecordID]core.Record {
	out := make(map[core.RecordID]core.Record, len(in))
	for k, v := range in {
		out[k] = cloneRecord(v)
	}
	return out
}

func cloneOperations(in map[opKey]core.OperationRecord) map[opKey]core.OperationRecord {
	out := make(map[opKey]core.OperationRecord, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneTombstones(in map[core.TombstoneID]core.Tombstone) map[core.TombstoneID]core.Tombstone {
	out := make(map[core.TombstoneID]core.Tombstone, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
