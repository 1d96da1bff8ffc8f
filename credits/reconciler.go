/*
reconciler.go - Expiry sweep and period rollover

PURPOSE:
  Keeps bucket aggregates honest over time. When every grant feeding a
  time-limited bucket has passed its window, the bucket's remaining balance
  is written off with an explicit expiry entry. At period boundaries the
  subscription bucket rolls over: a carryover-out zeroing entry followed by
  a capped carryover-in grant into the new window.

  The reconciler only ever appends entries. History is never edited.
*/
package credits

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/lattice/taskcore/core"
)

// timeLimitedBuckets are the buckets the expiry sweep inspects.
var timeLimitedBuckets = []core.Bucket{core.BucketRecurringFree, core.BucketSubscription}

// Reconciler sweeps expired credit and drives period rollovers.
type Reconciler struct {
	ledger *core.Ledger
	policy Policy
	clock  core.Clock
	log    zerolog.Logger
}

// NewReconciler builds a reconciler over the ledger.
func NewReconciler(ledger *core.Ledger, policy Policy, clock core.Clock, log zerolog.Logger) *Reconciler {
	if clock == nil {
		clock = core.SystemClock()
	}
	return &Reconciler{ledger: ledger, policy: policy, clock: clock, log: log}
}

// SweepExpired writes off the balance of every time-limited bucket whose
// grants have all expired. Returns the reconciliation entries appended.
// Classification and write-off run inside the owner's serialized section,
// re-reading entries there, so a grant racing the sweep is never written
// off as expired.
func (r *Reconciler) SweepExpired(ctx context.Context, owner core.OwnerID) ([]core.Entry, error) {
	var appended []core.Entry
	for _, bucket := range timeLimitedBuckets {
		e, err := r.ledger.ReconcileBucket(ctx, owner, bucket, core.ReasonExpiry, "expiry sweep",
			func(entries []core.Entry) bool {
				return bucketFullyExpired(entries, bucket, r.clock.Now())
			})
		if err != nil {
			return appended, err
		}
		if e != nil {
			r.log.Info().
				Str("owner", string(owner)).
				Str("bucket", string(bucket)).
				Str("amount", e.Amount.String()).
				Msg("expired credit written off")
			appended = append(appended, *e)
		}
	}
	return appended, nil
}

// Rollover closes the owner's subscription period: leftover balance is
// zeroed and up to the policy's carryover cap is re-granted into the new
// window.
func (r *Reconciler) Rollover(ctx context.Context, owner core.OwnerID) ([]core.Entry, error) {
	newExpiry := r.clock.Now().Add(r.policy.SubscriptionWindow)
	entries, err := r.ledger.Rollover(ctx, owner, r.policy.CarryoverCap, newExpiry)
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		r.log.Info().
			Str("owner", string(owner)).
			Int("entries", len(entries)).
			Time("new_expiry", newExpiry).
			Msg("subscription period rolled over")
	}
	return entries, nil
}

// bucketFullyExpired reports whether the bucket has seen at least one grant
// and the latest grant window has closed. A bucket with a live grant keeps
// its balance; a bucket that never received credit has nothing to sweep.
func bucketFullyExpired(entries []core.Entry, bucket core.Bucket, now time.Time) bool {
	var latest *time.Time
	for _, e := range entries {
		if e.Bucket != bucket || !e.Amount.IsPositive() {
			continue
		}
		if e.ExpiresAt == nil {
			return false // a non-expiring grant keeps the bucket alive
		}
		if latest == nil || e.ExpiresAt.After(*latest) {
			t := *e.ExpiresAt
			latest = &t
		}
	}
	return latest != nil && !latest.After(now)
}
