/*
ledger.go - Append-only credit ledger with priority-order consumption

PURPOSE:
  The Ledger is the source of truth for every credit an owner holds.
  Balance is always computed by aggregating entries - there is no mutable
  total that can drift or lose updates under concurrency.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: entries are never updated or deleted
  2. NO DOUBLE-SPEND: concurrent consumes for one owner serialize, so the
     balance check and the entries it produces never see a stale snapshot
  3. ALL-OR-NOTHING: a consume either debits the full amount across buckets
     in priority order, or creates no entries at all
  4. EXPLICIT RECONCILIATION: expiry and carryover are recorded as entries,
     never silent balance edits

SPEND ORDER:
  Buckets are walked in fixed priority order - recurring free credits first,
  then subscription-period credits, then purchased, then one-time bonus.
  Credits that expire soonest are spent first so owners lose the least
  value to expiry.

EXAMPLE:
  Owner holds {recurring: 3, subscription: 5, purchased: 10}.
  Consume(9) appends recurring:-3, subscription:-5, purchased:-1,
  leaving {0, 0, 9}.

SEE ALSO:
  - store.go: LedgerStore persistence interface
  - ownermu.go: per-owner serialization
  - credits/: bucket policy (windows, carryover caps, reason details)
*/
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// LEDGER
// =============================================================================

// Ledger tracks a multi-source credit balance with strict spend ordering.
type Ledger struct {
	store    TxStore
	clock    Clock
	priority []Bucket
	owners   *ownerMutex
}

// NewLedger creates a ledger over the given store. A nil priority falls
// back to DefaultBucketPriority, a nil clock to the system clock.
func NewLedger(store TxStore, clock Clock, priority []Bucket) *Ledger {
	if clock == nil {
		clock = SystemClock()
	}
	if len(priority) == 0 {
		priority = DefaultBucketPriority
	}
	return &Ledger{
		store:    store,
		clock:    clock,
		priority: priority,
		owners:   newOwnerMutex(),
	}
}

// Balance aggregates non-expired entries per bucket.
func (l *Ledger) Balance(ctx context.Context, owner OwnerID) (map[Bucket]Amount, error) {
	return l.store.BucketBalances(ctx, owner, l.clock.Now())
}

// TotalBalance sums all bucket balances.
func (l *Ledger) TotalBalance(ctx context.Context, owner OwnerID) (Amount, error) {
	balances, err := l.Balance(ctx, owner)
	if err != nil {
		return Amount{}, err
	}
	total := ZeroAmount()
	for _, amt := range balances {
		total = total.Add(amt)
	}
	return total, nil
}

// Entries returns the owner's full entry history, ordered by creation.
func (l *Ledger) Entries(ctx context.Context, owner OwnerID) ([]Entry, error) {
	return l.store.EntriesByOwner(ctx, owner)
}

// Grant appends a positive entry to one bucket. expiresAt bounds the
// grant's lifetime; nil means it never expires.
func (l *Ledger) Grant(ctx context.Context, owner OwnerID, bucket Bucket, amount Amount, detail string, expiresAt *time.Time) (Entry, error) {
	if !amount.IsPositive() {
		return Entry{}, ErrInvalidAmount
	}

	unlock := l.owners.Lock(owner)
	defer unlock()

	var entry Entry
	err := l.store.WithTx(ctx, func(s Store) error {
		balances, err := s.BucketBalances(ctx, owner, l.clock.Now())
		if err != nil {
			return err
		}
		entry = l.newEntry(owner, bucket, amount, balances[bucket].Add(amount), ReasonGrant, detail, expiresAt)
		return s.AppendEntries(ctx, []Entry{entry})
	})
	if err != nil {
		return Entry{}, fmt.Errorf("grant failed: %w", err)
	}
	return entry, nil
}

// Consume debits amount across buckets in priority order. It fails with
// *InsufficientBalanceError and appends nothing when the owner's total
// balance is short. The balance check and the appended entries execute
// under one transaction inside the owner's serialized section.
func (l *Ledger) Consume(ctx context.Context, owner OwnerID, amount Amount, detail string) ([]Entry, error) {
	return l.ConsumeAndApply(ctx, owner, amount, detail, nil)
}

// ConsumeAndApply debits amount like Consume and then runs apply against
// the same open transaction, so the debit and the writes it pays for
// commit or roll back together. apply receives the transaction store and
// the debit entries; a nil apply is a plain consume.
func (l *Ledger) ConsumeAndApply(ctx context.Context, owner OwnerID, amount Amount, detail string, apply func(s Store, debits []Entry) error) ([]Entry, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	unlock := l.owners.Lock(owner)
	defer unlock()

	var entries []Entry
	err := l.store.WithTx(ctx, func(s Store) error {
		var err error
		entries, err = l.consumeLocked(ctx, s, owner, amount, detail)
		if err != nil {
			return err
		}
		if apply != nil {
			return apply(s, entries)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// consumeLocked runs the balance check and priority walk. Callers hold the
// owner's mutex and an open transaction.
func (l *Ledger) consumeLocked(ctx context.Context, s Store, owner OwnerID, amount Amount, detail string) ([]Entry, error) {
	balances, err := s.BucketBalances(ctx, owner, l.clock.Now())
	if err != nil {
		return nil, err
	}

	total := ZeroAmount()
	for _, amt := range balances {
		total = total.Add(amt)
	}
	if total.LessThan(amount) {
		return nil, &InsufficientBalanceError{OwnerID: owner, Available: total, Requested: amount}
	}

	remaining := amount
	var entries []Entry
	for _, bucket := range l.priority {
		if remaining.IsZero() {
			break
		}
		avail := balances[bucket]
		if !avail.IsPositive() {
			continue
		}
		take := remaining.Min(avail)
		entries = append(entries,
			l.newEntry(owner, bucket, take.Neg(), avail.Sub(take), ReasonConsume, detail, nil))
		remaining = remaining.Sub(take)
	}
	if !remaining.IsZero() {
		// Total covered the request but the priority walk could not,
		// which means a bucket held a negative balance.
		return nil, fmt.Errorf("%w: consume walk left %s undebited for %s",
			ErrIntegrityViolation, remaining, owner)
	}

	if err := s.AppendEntries(ctx, entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// ReconcileBucket zeroes the bucket only when eligible approves the
// owner's entries. Entries are re-read inside the owner's serialized
// section, so a grant racing the caller's earlier snapshot is seen before
// anything is written off. Returns the reconciliation entry, or nil when
// the bucket was ineligible or already at zero.
func (l *Ledger) ReconcileBucket(ctx context.Context, owner OwnerID, bucket Bucket, reason EntryReason, detail string, eligible func(entries []Entry) bool) (*Entry, error) {
	unlock := l.owners.Lock(owner)
	defer unlock()

	var entry *Entry
	err := l.store.WithTx(ctx, func(s Store) error {
		entries, err := s.EntriesByOwner(ctx, owner)
		if err != nil {
			return err
		}
		if !eligible(entries) {
			return nil
		}
		entry, err = l.zeroBucketLocked(ctx, s, owner, bucket, reason, detail)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ZeroBucket brings one bucket's aggregated balance to exactly zero by
// appending a single reconciliation entry, and returns it. Used by the
// expiry sweep when a time-limited bucket's window closes, and by period
// rollover. Returns nil when the bucket is already at zero.
func (l *Ledger) ZeroBucket(ctx context.Context, owner OwnerID, bucket Bucket, reason EntryReason, detail string) (*Entry, error) {
	unlock := l.owners.Lock(owner)
	defer unlock()

	return l.zeroBucketLocked(ctx, l.store, owner, bucket, reason, detail)
}

func (l *Ledger) zeroBucketLocked(ctx context.Context, s Store, owner OwnerID, bucket Bucket, reason EntryReason, detail string) (*Entry, error) {
	balances, err := s.BucketBalances(ctx, owner, l.clock.Now())
	if err != nil {
		return nil, err
	}
	bal := balances[bucket]
	if bal.IsZero() {
		return nil, nil
	}
	entry := l.newEntry(owner, bucket, bal.Neg(), ZeroAmount(), reason, detail, nil)
	if err := s.AppendEntries(ctx, []Entry{entry}); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Rollover closes the subscription bucket at period end: remaining balance
// is zeroed with an explicit carryover-out entry and up to carryCap of it is
// re-granted into the new period with newExpiry. Excess is discarded. Both
// sides are ledger entries, never a silent balance edit.
func (l *Ledger) Rollover(ctx context.Context, owner OwnerID, carryCap Amount, newExpiry time.Time) ([]Entry, error) {
	unlock := l.owners.Lock(owner)
	defer unlock()

	var entries []Entry
	err := l.store.WithTx(ctx, func(s Store) error {
		entries = entries[:0]

		out, err := l.zeroBucketLocked(ctx, s, owner, BucketSubscription, ReasonCarryoverOut, "period rollover")
		if err != nil {
			return err
		}
		if out == nil {
			return nil // nothing to carry
		}
		entries = append(entries, *out)

		remaining := out.Amount.Neg() // what the period held
		if !remaining.IsPositive() {
			return nil
		}
		carried := remaining.Min(carryCap)
		if !carried.IsPositive() {
			return nil
		}
		in := l.newEntry(owner, BucketSubscription, carried, carried, ReasonCarryoverIn, "period rollover", &newExpiry)
		entries = append(entries, in)
		return s.AppendEntries(ctx, []Entry{in})
	})
	if err != nil {
		return nil, fmt.Errorf("rollover failed: %w", err)
	}
	return entries, nil
}

func (l *Ledger) newEntry(owner OwnerID, bucket Bucket, amount, balanceAfter Amount, reason EntryReason, detail string, expiresAt *time.Time) Entry {
	return Entry{
		ID:           EntryID(uuid.NewString()),
		OwnerID:      owner,
		Bucket:       bucket,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		Reason:       reason,
		Detail:       detail,
		ExpiresAt:    expiresAt,
		CreatedAt:    l.clock.Now(),
	}
}
