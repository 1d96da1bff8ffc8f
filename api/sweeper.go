/*
sweeper.go - Background garbage collection and credit reconciliation

PURPOSE:
  Periodically purges expired idempotency records and tombstones, and writes
  off expired credit bucket balances per owner.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Each pass is best-effort: a failing step is logged and the pass
    continues, the next tick retries
  - Expiry write-offs go through the ledger so they are ordinary entries

USAGE:
  sweeper := NewSweeper(store, idem, recovery, reconciler, interval, log)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - handlers.go: TriggerExpirySweep endpoint (manual, per owner)
  - credits/reconciler.go: the write-off rules
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lattice/taskcore/core"
	"github.com/lattice/taskcore/credits"
)

// Sweeper drives periodic GC and expiry reconciliation.
type Sweeper struct {
	store       core.TxStore
	idempotency *core.Idempotency
	recovery    *core.Recovery
	reconciler  *credits.Reconciler
	interval    time.Duration
	log         zerolog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSweeper creates a sweeper. A nil recovery or reconciler skips that
// concern.
func NewSweeper(store core.TxStore, idem *core.Idempotency, recovery *core.Recovery, reconciler *credits.Reconciler, interval time.Duration, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		store:       store,
		idempotency: idem,
		recovery:    recovery,
		reconciler:  reconciler,
		interval:    interval,
		stop:        make(chan struct{}),
		log:         log,
	}
}

// Start begins the background loop.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ticker = time.NewTicker(s.interval)
	s.wg.Add(1)
	go s.run()

	s.log.Info().Dur("interval", s.interval).Msg("sweeper started")
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.log.Info().Msg("sweeper stopped")
	}
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.RunNow()

	for {
		select {
		case <-s.ticker.C:
			s.RunNow()
		case <-s.stop:
			return
		}
	}
}

// RunNow executes one full pass. Exposed for tests and admin triggers.
func (s *Sweeper) RunNow() {
	ctx := context.Background()

	if s.idempotency != nil {
		purged, err := s.idempotency.Sweep(ctx)
		if err != nil {
			s.log.Error().Err(err).Msg("idempotency sweep failed")
		} else if purged > 0 {
			s.log.Info().Int64("purged", purged).Msg("expired idempotency records removed")
		}
	}

	if s.recovery != nil {
		purged, err := s.recovery.Sweep(ctx)
		if err != nil {
			s.log.Error().Err(err).Msg("tombstone sweep failed")
		} else if purged > 0 {
			s.log.Info().Int64("purged", purged).Msg("expired tombstones removed")
		}
	}

	if s.reconciler != nil {
		s.sweepCredit(ctx)
	}
}

func (s *Sweeper) sweepCredit(ctx context.Context) {
	owners, err := s.store.LedgerOwners(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to enumerate ledger owners")
		return
	}

	for _, owner := range owners {
		entries, err := s.reconciler.SweepExpired(ctx, owner)
		if err != nil {
			s.log.Error().Err(err).Str("owner", string(owner)).Msg("credit expiry sweep failed")
			continue
		}
		if len(entries) > 0 {
			s.log.Info().Str("owner", string(owner)).Int("entries", len(entries)).Msg("credit expiry reconciled")
		}
	}
}
