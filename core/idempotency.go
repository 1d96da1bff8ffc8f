/*
idempotency.go - Replay-or-proceed deduplication of mutating operations

PURPOSE:
  Maps a client-supplied operation key to the response the operation first
  produced, so retries return byte-identical output with exactly one
  underlying side effect. Keys are scoped per owner and per logical
  operation target, which prevents cross-tenant replay.

RACE HANDLING:
  Concurrent requests with the same key race to insert the record. The
  uniqueness constraint on (key, owner, target) picks one winner; the loser
  receives either the winner's cached response (if committed) or
  ErrOperationInProgress it can retry against shortly.

LIFECYCLE:
  Begin -> execute operation -> Commit(status, payload)
                             -> Abort on failure, releasing the slot
  Records expire after the configured TTL and are removed by a background
  sweep; lookups past expiry are cache misses.

SEE ALSO:
  - store.go: IdempotencyStore interface
  - api/handlers.go: operation-class rules for missing keys
*/
package core

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// IDEMPOTENCY CACHE
// =============================================================================

// Idempotency is the replay-or-proceed gate consulted by the request
// boundary before any mutating operation executes.
type Idempotency struct {
	store Store
	clock Clock
	ttl   time.Duration
}

// NewIdempotency creates the cache with the given record time-to-live.
func NewIdempotency(store Store, clock Clock, ttl time.Duration) *Idempotency {
	if clock == nil {
		clock = SystemClock()
	}
	return &Idempotency{store: store, clock: clock, ttl: ttl}
}

// BeginResult is the replay-or-proceed decision.
type BeginResult struct {
	// Proceed is true when the caller won the slot and must execute the
	// operation, then Commit (or Abort).
	Proceed bool

	// Replay holds the cached response when Proceed is false.
	Replay *OperationRecord
}

// Begin claims the (key, owner, target) slot. Exactly one concurrent caller
// gets Proceed; the rest see the cached response once committed, or
// ErrOperationInProgress until then.
func (i *Idempotency) Begin(ctx context.Context, key string, owner OwnerID, target string) (BeginResult, error) {
	if key == "" {
		return BeginResult{}, ErrIdempotencyKeyRequired
	}

	now := i.clock.Now()
	rec := OperationRecord{
		Key:       key,
		OwnerID:   owner,
		Target:    target,
		State:     StateInProgress,
		ExpiresAt: now.Add(i.ttl),
		CreatedAt: now,
	}

	existing, inserted, err := i.store.InsertInProgress(ctx, rec)
	if err != nil {
		return BeginResult{}, fmt.Errorf("idempotency begin: %w", err)
	}
	if inserted {
		return BeginResult{Proceed: true}, nil
	}

	if existing.State == StateCompleted {
		return BeginResult{Replay: existing}, nil
	}
	return BeginResult{}, ErrOperationInProgress
}

// Commit persists the operation's result for future replay. Must be called
// exactly once after a successful Begin/Proceed.
func (i *Idempotency) Commit(ctx context.Context, key string, owner OwnerID, target string, status int, payload []byte) error {
	if err := i.store.CompleteOperation(ctx, key, owner, target, status, payload); err != nil {
		return fmt.Errorf("idempotency commit: %w", err)
	}
	return nil
}

// Abort releases the slot after a failed operation so the client's retry
// can execute instead of replaying a failure forever.
func (i *Idempotency) Abort(ctx context.Context, key string, owner OwnerID, target string) error {
	return i.store.DeleteOperation(ctx, key, owner, target)
}

// Sweep removes expired records. Run periodically, outside the real-time
// request path.
func (i *Idempotency) Sweep(ctx context.Context) (int64, error) {
	return i.store.PurgeExpiredOperations(ctx, i.clock.Now())
}
