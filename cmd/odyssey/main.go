package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-ledger/cmd/odyssey/cli"
	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/app"
	"github.com/odyssey-erp/odyssey-ledger/internal/inventory"
	"github.com/odyssey-erp/odyssey-ledger/internal/observability"
	"github.com/odyssey-erp/odyssey-ledger/internal/outbox"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
	"github.com/odyssey-erp/odyssey-ledger/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	args := os.Args[1:]
	if len(args) > 0 && args[0] == "jobs" {
		jobsCLI := cli.NewJobsCLI(cfg.AsynqRedis(), cfg.OutboxRetention)
		code := jobsCLI.Command(ctx, args[1:], os.Stdout, os.Stderr)
		if err := jobsCLI.Close(); err != nil {
			logger.Warn("jobs cli close", slog.Any("error", err))
		}
		os.Exit(code)
	}

	dbpool, err := db.New(ctx, cfg.PGDSN, cfg.PoolConfig())
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	if len(args) > 0 && args[0] == "migrate" {
		if err := db.ApplySchema(ctx, dbpool); err != nil {
			logger.Error("apply schema", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("schema applied")
		return
	}

	if err := serve(ctx, stop, cfg, logger, dbpool); err != nil {
		logger.Error("serve", slog.Any("error", err))
		os.Exit(1)
	}
}

func serve(ctx context.Context, stop context.CancelFunc, cfg *app.Config, logger *slog.Logger, dbpool *pgxpool.Pool) error {
	metrics := observability.NewMetrics()
	auditLogger := shared.NewAuditLogger(dbpool)

	publisher := jobs.NewClient(cfg.AsynqRedis())
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("queue client close", slog.Any("error", err))
		}
	}()
	relay := outbox.NewRelay(outbox.NewPGStore(dbpool, cfg.OutboxMaxAttempts), publisher, outbox.RelayConfig{
		Interval:  cfg.OutboxPollInterval,
		BatchSize: cfg.OutboxBatchSize,
		Logger:    logger,
		Metrics:   metrics,
	})

	inventoryService := inventory.NewService(inventory.NewRepository(dbpool), auditLogger, relay, inventory.ServiceConfig{
		Retry:   cfg.RetryPolicy(),
		Logger:  logger,
		Metrics: metrics,
	})
	accountingService := accounting.NewService(accounting.NewRepository(dbpool), auditLogger, relay, accounting.ServiceConfig{
		Retry:            cfg.RetryPolicy(),
		Logger:           logger,
		Metrics:          metrics,
		RecomputeWorkers: cfg.LedgerRecomputeWorkers,
	})

	inspector := asynq.NewInspector(cfg.AsynqRedis())
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		InventoryHandler:  inventory.NewHandler(logger, inventoryService),
		AccountingHandler: accounting.NewHandler(logger, accountingService),
		JobHandler:        jobs.NewHandler(inspector, logger),
		Metrics:           metrics,
		Ready: func(r *http.Request) error {
			pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			return dbpool.Ping(pingCtx)
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("outbox relay", slog.Any("error", err))
		}
	}()

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := server.Shutdown(shutdownCtx)
	<-relayDone
	return err
}
