package main

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/verdantpay/reconciliation-service/internal/adapters/cloudpos"
	"github.com/verdantpay/reconciliation-service/internal/adapters/database"
	"github.com/verdantpay/reconciliation-service/internal/adapters/gateway"
	"github.com/verdantpay/reconciliation-service/internal/adapters/lanepoint"
	"github.com/verdantpay/reconciliation-service/internal/adapters/logging"
	"github.com/verdantpay/reconciliation-service/internal/adapters/postgres"
	"github.com/verdantpay/reconciliation-service/internal/config"
	"github.com/verdantpay/reconciliation-service/internal/dedup"
	"github.com/verdantpay/reconciliation-service/internal/domain/ports"
	apiHandler "github.com/verdantpay/reconciliation-service/internal/handlers/api"
	cronHandler "github.com/verdantpay/reconciliation-service/internal/handlers/cron"
	webhookHandler "github.com/verdantpay/reconciliation-service/internal/handlers/webhook"
	"github.com/verdantpay/reconciliation-service/internal/idempotency"
	"github.com/verdantpay/reconciliation-service/internal/lifecycle"
	"github.com/verdantpay/reconciliation-service/internal/reconcile"
	"github.com/verdantpay/reconciliation-service/internal/services/checkout"
	"github.com/verdantpay/reconciliation-service/internal/tasks"
	"github.com/verdantpay/reconciliation-service/internal/terminal"
	"github.com/verdantpay/reconciliation-service/pkg/middleware"
	"github.com/verdantpay/reconciliation-service/pkg/observability"
	"github.com/verdantpay/reconciliation-service/pkg/resilience"
	"github.com/verdantpay/reconciliation-service/pkg/shutdown"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}

	logger := initLogger(cfg.Logger)
	defer logger.Sync()

	logger.Info("Starting reconciliation service",
		zap.String("version", "0.1.0"),
	)

	ctx := context.Background()

	db, err := database.NewPostgreSQLAdapter(ctx, &database.PostgreSQLConfig{
		DatabaseURL:         cfg.Database.ConnectionString(),
		MaxConns:            cfg.Database.MaxConns,
		MinConns:            cfg.Database.MinConns,
		SimpleQueryTimeout:  2 * time.Second,
		ComplexQueryTimeout: 5 * time.Second,
		SweepQueryTimeout:   30 * time.Second,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	logger.Info("Database connection established",
		zap.String("database", cfg.Database.Database),
	)

	serviceLogger := logging.NewZapLogger(logger)
	timeouts := resilience.DefaultTimeoutConfig()
	timeouts.TerminalCall = cfg.Terminal.PollInterval + 3*time.Second
	timeouts.PollDeadline = cfg.Terminal.PollDeadline

	// Repositories
	txns := postgres.NewTransactionRepository(db)
	events := postgres.NewEventRepository(db)
	sessions := postgres.NewSessionRepository(db)
	idemKeys := postgres.NewIdempotencyRepository(db)
	payouts := postgres.NewPayoutRepository(db)

	// Outbound adapters
	gatewayClient := gateway.NewClient(&gateway.Config{
		BaseURL:        cfg.Gateway.BaseURL,
		APIKey:         cfg.Gateway.APIKey,
		Timeout:        time.Duration(cfg.Gateway.Timeout) * time.Second,
		CircuitBreaker: gateway.DefaultCircuitBreakerConfig(),
	}, logger)

	terminalClient := buildTerminalClient(cfg.Terminal, logger)

	// Core components
	ledger := idempotency.NewLedger(idemKeys, serviceLogger, idempotency.DefaultGraceWindow)
	machine := lifecycle.NewMachine(db, txns, serviceLogger)
	driver := terminal.NewDriver(terminalClient, serviceLogger, terminal.Config{
		Interval:    cfg.Terminal.PollInterval,
		CallTimeout: timeouts.TerminalCall,
		Deadline:    cfg.Terminal.PollDeadline,
		MaxAttempts: cfg.Terminal.MaxAttempts,
	})
	dispatcher := reconcile.NewDispatcher(txns, sessions, payouts, machine, serviceLogger)
	deduplicator := dedup.NewDeduplicator(events, serviceLogger)
	sweeper := reconcile.NewSweeper(sessions, terminalClient, dispatcher, serviceLogger, reconcile.SweepConfig{
		OlderThan: cfg.Reconciler.SessionGrace,
		Expiry:    24 * time.Hour,
		BatchSize: cfg.Reconciler.BatchSize,
	})

	queueCfg := tasks.DefaultConfig()
	queueCfg.Workers = cfg.Webhook.Workers
	queueCfg.MaxRetries = int32(cfg.Webhook.MaxRetries)
	queue := tasks.NewQueue(deduplicator, events, dispatcher, serviceLogger, queueCfg)

	queueCtx, queueCancel := context.WithCancel(ctx)
	defer queueCancel()
	queue.Start(queueCtx)

	checkoutService := checkout.NewService(db, txns, sessions, gatewayClient, terminalClient, ledger, machine, driver, dispatcher, serviceLogger)

	// HTTP surface
	webhookLimiter := middleware.NewRateLimiter(cfg.Webhook.RatePerSecond, cfg.Webhook.RateBurst)
	apiLimiter := middleware.NewRateLimiter(50, 100)

	receiver := webhookHandler.NewReceiver(deduplicator, queue, logger, cfg.Webhook.SigningSecret)
	api := apiHandler.NewHandler(checkoutService, txns, payouts, logger)
	sweepHandler := cronHandler.NewSweepHandler(sweeper, timeouts, logger, cfg.Reconciler.CronSecret)

	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)
	router.Mount("/webhooks", receiver.Routes(webhookLimiter))
	router.Mount("/api/v1", api.Routes(apiLimiter))
	router.Post("/cron/sweep-sessions", sweepHandler.SweepSessions)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	healthChecker := observability.NewHealthChecker(db.Pool())
	healthChecker.RegisterCheck("payment_gateway", func(ctx context.Context) error {
		return gatewayClient.Healthy()
	})
	metricsServer := observability.StartMetricsServer(strconv.Itoa(cfg.Server.MetricsPort), healthChecker, logger)

	// Shutdown order is LIFO: stop accepting HTTP first, then drain the event
	// queue, then release everything else.
	manager := shutdown.NewManager(logger, 30*time.Second)
	manager.Register("rate-limiters", func(ctx context.Context) error {
		webhookLimiter.Shutdown()
		apiLimiter.Shutdown()
		return nil
	})
	manager.Register("metrics-server", func(ctx context.Context) error {
		return observability.ShutdownMetricsServer(metricsServer)
	})
	manager.Register("event-queue", func(ctx context.Context) error {
		queueCancel()
		return queue.Shutdown(ctx)
	})
	manager.RegisterHTTPServer("http-server", httpServer)

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	manager.WaitForShutdown()
}

func buildTerminalClient(cfg config.TerminalConfig, logger *zap.Logger) ports.TerminalClient {
	switch cfg.Vendor {
	case "lanepoint":
		return lanepoint.NewAdapter(lanepoint.DefaultConfig(cfg.BaseURL, cfg.APIKey), logger)
	default:
		return cloudpos.NewAdapter(cloudpos.DefaultConfig(cfg.BaseURL, cfg.APIKey), logger)
	}
}

func initLogger(cfg config.LoggerConfig) *zap.Logger {
	var zapCfg zap.Config
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	if level, err := zapcore.ParseLevel(cfg.Level); err == nil {
		zapCfg.Level = zap.NewAtomicLevelAt(level)
	}

	logger, err := zapCfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	return logger
}
