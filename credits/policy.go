/*
policy.go - Bucket grant policy

PURPOSE:
  Encodes which buckets expire and how grants are shaped per bucket.
  Recurring-free and subscription credits live for one grant window;
  purchased and bonus credits never expire.
*/
package credits

import (
	"context"
	"time"

	"github.com/lattice/taskcore/core"
)

// Policy shapes grants per bucket.
type Policy struct {
	// RecurringWindow bounds the life of a recurring_free grant.
	RecurringWindow time.Duration
	// SubscriptionWindow bounds the life of a subscription grant.
	SubscriptionWindow time.Duration
	// CarryoverCap limits how much unused subscription balance survives a
	// period rollover.
	CarryoverCap core.Amount
}

// DefaultPolicy matches a monthly billing cycle.
func DefaultPolicy() Policy {
	return Policy{
		RecurringWindow:    30 * 24 * time.Hour,
		SubscriptionWindow: 30 * 24 * time.Hour,
		CarryoverCap:       core.MustParseAmount("100"),
	}
}

// ExpiryFor returns the expiry for a grant into the given bucket, or nil
// when the bucket never expires.
func (p Policy) ExpiryFor(bucket core.Bucket, now time.Time) *time.Time {
	switch bucket {
	case core.BucketRecurringFree:
		t := now.Add(p.RecurringWindow)
		return &t
	case core.BucketSubscription:
		t := now.Add(p.SubscriptionWindow)
		return &t
	default:
		return nil
	}
}

// Granter issues credits under the policy.
type Granter struct {
	ledger *core.Ledger
	policy Policy
	clock  core.Clock
}

// NewGranter builds a policy-aware grant front for the ledger.
func NewGranter(ledger *core.Ledger, policy Policy, clock core.Clock) *Granter {
	if clock == nil {
		clock = core.SystemClock()
	}
	return &Granter{ledger: ledger, policy: policy, clock: clock}
}

// Grant credits a bucket with the policy's expiry for that bucket.
func (g *Granter) Grant(ctx context.Context, owner core.OwnerID, bucket core.Bucket, amount core.Amount, detail string) (core.Entry, error) {
	expiry := g.policy.ExpiryFor(bucket, g.clock.Now())
	return g.ledger.Grant(ctx, owner, bucket, amount, detail, expiry)
}
