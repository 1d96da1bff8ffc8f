/*
Package core provides the transactional-integrity engine for the task backend.

PURPOSE:
  This package contains the domain-agnostic types and algorithms that make
  concurrent mutation safe: versioned records with compare-and-swap updates,
  an append-only credit ledger with priority-order consumption, an
  idempotency cache for retry-safe mutations, and a tombstone store for
  time-boxed recovery of deleted records.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A credit quantity backed by decimal.Decimal
  - Bucket: One named category of credit with its own expiry/carryover rules
  - Entry: An immutable ledger row recording a single grant or debit
  - Record: A versioned domain row (task, subtask, note) with a revision counter
  - Tombstone: A serialized snapshot of a deleted record and its children
  - Clock: Injectable time source so sweeps and expiry are testable

DESIGN PRINCIPLES:
  1. Immutability: Ledger entries are never modified, only appended
  2. Precision: decimal.Decimal avoids floating-point drift in balances
  3. Type Safety: Strong typing for owner/record/entry identifiers
  4. Auditability: Every balance change carries a reason and balance-after

SEE ALSO:
  - ledger.go: Balance aggregation and priority-order consumption
  - versioned.go: Compare-and-swap record updates
  - idempotency.go: Replay-or-proceed request deduplication
  - tombstone.go: Capture and time-boxed restore
*/
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Credit quantity
// =============================================================================

type Amount struct {
	Value decimal.Decimal
}

func NewAmount(value int64) Amount {
	return Amount{Value: decimal.NewFromInt(value)}
}

func NewAmountFromFloat(value float64) Amount {
	return Amount{Value: decimal.NewFromFloat(value)}
}

func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, ErrInvalidAmount
	}
	return Amount{Value: d}, nil
}

func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		return Amount{Value: decimal.Zero}
	}
	return a
}

func (a Amount) Add(b Amount) Amount      { return Amount{Value: a.Value.Add(b.Value)} }
func (a Amount) Sub(b Amount) Amount      { return Amount{Value: a.Value.Sub(b.Value)} }
func (a Amount) Neg() Amount              { return Amount{Value: a.Value.Neg()} }
func (a Amount) IsZero() bool             { return a.Value.IsZero() }
func (a Amount) IsNegative() bool         { return a.Value.IsNegative() }
func (a Amount) IsPositive() bool         { return a.Value.IsPositive() }
func (a Amount) GreaterThan(b Amount) bool { return a.Value.GreaterThan(b.Value) }
func (a Amount) LessThan(b Amount) bool    { return a.Value.LessThan(b.Value) }
func (a Amount) Equal(b Amount) bool       { return a.Value.Equal(b.Value) }
func (a Amount) Min(b Amount) Amount {
	if a.LessThan(b) {
		return a
	}
	return b
}
func (a Amount) String() string { return a.Value.String() }

func ZeroAmount() Amount { return Amount{Value: decimal.Zero} }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type OwnerID string
type RecordID string
type EntryID string
type TombstoneID string

// =============================================================================
// BUCKET - Credit category with its own expiry/carryover rules
// =============================================================================

type Bucket string

const (
	BucketRecurringFree Bucket = "recurring_free" // time-limited recurring grants
	BucketSubscription  Bucket = "subscription"   // subscription-period credits
	BucketPurchased     Bucket = "purchased"      // permanently-purchased credits
	BucketBonus         Bucket = "one_time_bonus" // one-time bonus credits
)

// DefaultBucketPriority is the spend order: soonest-to-expire first, so
// owners lose the least value to expiry.
var DefaultBucketPriority = []Bucket{
	BucketRecurringFree,
	BucketSubscription,
	BucketPurchased,
	BucketBonus,
}

// =============================================================================
// LEDGER ENTRY - Immutable record of a single grant or debit
// =============================================================================

type EntryReason string

const (
	ReasonGrant        EntryReason = "grant"
	ReasonConsume      EntryReason = "consume"
	ReasonExpiry       EntryReason = "expiry"
	ReasonCarryoverOut EntryReason = "carryover_out"
	ReasonCarryoverIn  EntryReason = "carryover_in"
	ReasonAdjustment   EntryReason = "adjustment"
)

// Entry is a single row in the append-only credit ledger.
// Once written it is never updated or deleted; corrections are new entries.
type Entry struct {
	ID           EntryID
	OwnerID      OwnerID
	Bucket       Bucket
	Amount       Amount // signed: positive grant, negative debit
	BalanceAfter Amount // resulting balance for this bucket
	Reason       EntryReason
	Detail       string     // free-form context ("task ai-breakdown", "plan rollover")
	ExpiresAt    *time.Time // nil = never expires
	CreatedAt    time.Time
}

// Expired reports whether the entry no longer counts toward balance.
func (e Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}

// =============================================================================
// VERSIONED RECORD - Mutable domain row guarded by a revision counter
// =============================================================================

type RecordKind string

const (
	KindTask    RecordKind = "task"
	KindSubtask RecordKind = "subtask"
	KindNote    RecordKind = "note"
)

// Record is any mutable domain row. Domain fields live in Fields so the
// store stays agnostic of task/subtask/note shapes. Revision starts at 1
// and every successful update increments it by exactly 1.
type Record struct {
	ID        RecordID
	OwnerID   OwnerID
	Kind      RecordKind
	ParentID  RecordID // empty for top-level records
	Fields    map[string]any
	Hidden    bool // soft-marked hidden, still live
	Revision  int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Mutation transforms a record in place during a compare-and-swap update.
// It must not touch ID, OwnerID, Kind, or Revision; the store owns those.
type Mutation func(*Record) error

// =============================================================================
// IDEMPOTENCY RECORD - Maps an operation attempt to its first response
// =============================================================================

type OperationState string

const (
	StateInProgress OperationState = "in_progress"
	StateCompleted  OperationState = "completed"
)

// OperationRecord caches the response of a mutating operation so retries
// with the same (key, owner, target) replay it instead of re-executing.
type OperationRecord struct {
	Key       string
	OwnerID   OwnerID
	Target    string // logical operation target, e.g. "create-task", "consume-credits"
	State     OperationState
	Status    int // response status code
	Payload   []byte
	ExpiresAt time.Time
	CreatedAt time.Time
}

// =============================================================================
// TOMBSTONE - Serialized snapshot of a deleted record
// =============================================================================

type Tombstone struct {
	ID               TombstoneID
	OwnerID          OwnerID
	Kind             RecordKind
	OriginalID       RecordID
	Snapshot         []byte
	RecoverableUntil time.Time
	CreatedAt        time.Time
}

// Recoverable reports whether a restore is still allowed.
func (t Tombstone) Recoverable(now time.Time) bool {
	return t.RecoverableUntil.After(now)
}

// =============================================================================
// CLOCK - Injectable time source
// =============================================================================

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns the wall clock in UTC.
func SystemClock() Clock { return systemClock{} }

// FixedClock always returns the same instant. For tests and sweeps that
// must evaluate expiry at a known point.
type FixedClock struct {
	At time.Time
}

func (f FixedClock) Now() time.Time { return f.At }
