/*
main.go - Server entry point

STARTUP SEQUENCE:
  1. Load configuration from TASKCORE_* environment variables
  2. Build the logger
  3. Open the SQLite store (migrations run inline)
  4. Wire the core components and domain services
  5. Start the background sweeper
  6. Serve HTTP until SIGINT/SIGTERM, then drain gracefully
*/
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/lattice/taskcore/api"
	"github.com/lattice/taskcore/config"
	"github.com/lattice/taskcore/core"
	"github.com/lattice/taskcore/credits"
	"github.com/lattice/taskcore/logger"
	"github.com/lattice/taskcore/store/sqlite"
	"github.com/lattice/taskcore/tasks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Logger not built yet; this is the one bare print in the program.
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel, cfg.PrettyLogs)

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("failed to open database")
	}
	defer store.Close()
	log.Info().Str("path", cfg.DBPath).Msg("database ready")

	breakdownCost, err := core.ParseAmount(cfg.BreakdownCost)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid BREAKDOWN_COST")
	}
	carryoverCap, err := core.ParseAmount(cfg.CarryoverCap)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid CARRYOVER_CAP")
	}

	clock := core.SystemClock()

	// Core components
	ledger := core.NewLedger(store, clock, cfg.Buckets())
	records := core.NewRecords(store, clock)
	idem := core.NewIdempotency(store, clock, cfg.IdempotencyTTL)
	recovery := core.NewRecovery(store, clock, tasks.Snapshotter{}, cfg.RecoveryWindow, cfg.RecoveryCap)

	// Credit policy
	policy := credits.Policy{
		RecurringWindow:    cfg.RecurringWindow,
		SubscriptionWindow: cfg.SubscriptionWindow,
		CarryoverCap:       carryoverCap,
	}
	granter := credits.NewGranter(ledger, policy, clock)
	reconciler := credits.NewReconciler(ledger, policy, clock, log)

	// Domain service
	taskSvc := tasks.NewService(records, ledger, recovery, nil, breakdownCost)

	handler := api.NewHandler(taskSvc, ledger, granter, reconciler, idem, log)
	router := api.NewRouter(handler)

	sweeper := api.NewSweeper(store, idem, recovery, reconciler, cfg.SweepInterval, log)
	sweeper.Start()
	defer sweeper.Stop()

	srv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	log.Info().Msg("server stopped")
}
