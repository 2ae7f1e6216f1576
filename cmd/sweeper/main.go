package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/verdantpay/reconciliation-service/internal/adapters/cloudpos"
	"github.com/verdantpay/reconciliation-service/internal/adapters/database"
	"github.com/verdantpay/reconciliation-service/internal/adapters/lanepoint"
	"github.com/verdantpay/reconciliation-service/internal/adapters/logging"
	"github.com/verdantpay/reconciliation-service/internal/adapters/postgres"
	"github.com/verdantpay/reconciliation-service/internal/config"
	"github.com/verdantpay/reconciliation-service/internal/domain/ports"
	"github.com/verdantpay/reconciliation-service/internal/lifecycle"
	"github.com/verdantpay/reconciliation-service/internal/reconcile"
)

// One-shot sweep for schedulers that run commands instead of calling HTTP
// endpoints. Exits non-zero when any session could not be examined.
func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	db, err := database.NewPostgreSQLAdapter(ctx, database.DefaultPostgreSQLConfig(cfg.Database.ConnectionString()), logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	serviceLogger := logging.NewZapLogger(logger)

	txns := postgres.NewTransactionRepository(db)
	sessions := postgres.NewSessionRepository(db)
	payouts := postgres.NewPayoutRepository(db)

	var terminalClient ports.TerminalClient
	if cfg.Terminal.Vendor == "lanepoint" {
		terminalClient = lanepoint.NewAdapter(lanepoint.DefaultConfig(cfg.Terminal.BaseURL, cfg.Terminal.APIKey), logger)
	} else {
		terminalClient = cloudpos.NewAdapter(cloudpos.DefaultConfig(cfg.Terminal.BaseURL, cfg.Terminal.APIKey), logger)
	}

	machine := lifecycle.NewMachine(db, txns, serviceLogger)
	dispatcher := reconcile.NewDispatcher(txns, sessions, payouts, machine, serviceLogger)
	sweeper := reconcile.NewSweeper(sessions, terminalClient, dispatcher, serviceLogger, reconcile.SweepConfig{
		OlderThan: cfg.Reconciler.SessionGrace,
		Expiry:    24 * time.Hour,
		BatchSize: cfg.Reconciler.BatchSize,
	})

	report, err := sweeper.Sweep(ctx)
	if err != nil {
		logger.Fatal("Session sweep failed", zap.Error(err))
	}

	logger.Info("Session sweep completed",
		zap.Int("examined", report.Examined),
		zap.Int("corrected", report.Corrected),
		zap.Int("expired", report.Expired),
		zap.Int("still_open", report.StillOpen),
		zap.Int("errors", report.Errors),
	)

	if report.Errors > 0 {
		os.Exit(1)
	}
}
