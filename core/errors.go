/*
errors.go - Centralized error types for the transactional core

PURPOSE:
  All error types in one place. The taxonomy is the caller's contract:
  every failure mode a handler can act on is a distinct sentinel or
  structured error, never a stringly-typed message.

ERROR CATEGORIES:
  1. Conflict errors - stale revision, recoverable by refetch-and-retry
  2. Balance errors - insufficient credit, recoverable by acquiring more
  3. Idempotency errors - duplicate/in-progress operations
  4. Recovery errors - tombstone missing or past its window
  5. Integrity errors - invariant breaches, programming/logic errors

PROPAGATION POLICY:
  Typed results are returned to the immediate caller and never swallowed.
  The core never blindly retries a mutating operation; retry is always the
  caller's explicit decision.

SEE ALSO:
  - versioned.go: produces ConflictError
  - ledger.go: produces InsufficientBalanceError
  - idempotency.go: produces ErrOperationInProgress
  - tombstone.go: produces ErrTombstoneExpired / ErrTombstoneNotFound
*/
package core

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrConflict is returned when a compare-and-swap update observes a
	// revision other than the one the caller presented.
	ErrConflict = errors.New("revision conflict")

	// ErrInsufficientBalance is returned when a consume exceeds the owner's
	// total balance across all buckets. Never partially fulfilled.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrOperationInProgress is returned to the loser of a concurrent
	// idempotency race while the winner has not yet committed its result.
	ErrOperationInProgress = errors.New("operation in progress")

	// ErrIdempotencyKeyRequired is returned when a credit-consuming
	// operation is attempted without an idempotency key.
	ErrIdempotencyKeyRequired = errors.New("idempotency key required")

	// ErrRecordNotFound is returned when a referenced record doesn't exist.
	ErrRecordNotFound = errors.New("record not found")

	// ErrTombstoneNotFound is returned when a restore references an unknown
	// or already-consumed tombstone.
	ErrTombstoneNotFound = errors.New("tombstone not found")

	// ErrTombstoneExpired is returned for restores past the recoverable
	// window. Terminal: there is no retry path.
	ErrTombstoneExpired = errors.New("tombstone expired")

	// ErrIntegrityViolation marks an invariant breach, e.g. a cascade
	// attempted on a hidden record. A logic error, surfaced never ignored.
	ErrIntegrityViolation = errors.New("integrity violation")

	// ErrInvalidAmount is returned for non-positive grant/consume amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// =============================================================================
// STRUCTURED ERRORS - Carry enough state to resolve without a refetch
// =============================================================================

// ConflictError reports the revision currently stored so the caller can
// refetch and retry without another round trip to discover it.
type ConflictError struct {
	RecordID         RecordID
	ExpectedRevision int64
	CurrentRevision  int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("revision conflict on %s: expected %d, current %d",
		e.RecordID, e.ExpectedRevision, e.CurrentRevision)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// InsufficientBalanceError reports the balance available at check time.
type InsufficientBalanceError struct {
	OwnerID   OwnerID
	Available Amount
	Requested Amount
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: available %s, requested %s",
		e.OwnerID, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on caller retry
// (after a refetch for conflicts, after a short wait for in-progress).
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrOperationInProgress)
}

// IsClientError returns true if the error is due to the client's input or
// state rather than an infrastructure failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrIdempotencyKeyRequired) ||
		errors.Is(err, ErrTombstoneExpired) ||
		errors.Is(err, ErrInvalidAmount)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound) || errors.Is(err, ErrTombstoneNotFound)
}
