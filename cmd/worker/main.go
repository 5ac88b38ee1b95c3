package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/app"
	"github.com/odyssey-erp/odyssey-ledger/internal/inventory"
	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
	"github.com/odyssey-erp/odyssey-ledger/internal/outbox"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
	"github.com/odyssey-erp/odyssey-ledger/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PoolConfig())
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisOptions())
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := jobmetrics.NewMetrics(nil)
	auditLogger := shared.NewAuditLogger(pool)

	publisher := jobs.NewClient(cfg.AsynqRedis())
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("queue client close", slog.Any("error", err))
		}
	}()
	outboxStore := outbox.NewPGStore(pool, cfg.OutboxMaxAttempts)
	relay := outbox.NewRelay(outboxStore, publisher, outbox.RelayConfig{
		BatchSize: cfg.OutboxBatchSize,
		Logger:    logger,
	})

	// The worker only reads stock and recomputes caches; neither appends outbox rows.
	inventoryService := inventory.NewService(inventory.NewRepository(pool), auditLogger, nil, inventory.ServiceConfig{
		Retry:  cfg.RetryPolicy(),
		Logger: logger,
	})
	accountingService := accounting.NewService(accounting.NewRepository(pool), auditLogger, nil, accounting.ServiceConfig{
		Retry:            cfg.RetryPolicy(),
		Logger:           logger,
		RecomputeWorkers: cfg.LedgerRecomputeWorkers,
	})

	recomputeJob := jobs.NewBalanceRecomputeJob(accountingService, logger, metrics)
	reorderJob := jobs.NewReorderCheckJob(inventoryService, redisClient, cfg.ReorderAlertTTL, logger, metrics)
	glJob := jobs.NewGLIntegrityJob(accountingService, logger, metrics)
	stockJob := jobs.NewStockIntegrityJob(inventoryService, logger, metrics)
	outboxJob := jobs.NewOutboxJob(relay, outboxStore, logger, metrics)

	glTask, err := jobs.NewGLIntegrityTask(cfg.GLIntegrityRepair)
	if err != nil {
		logger.Error("build gl integrity task", slog.Any("error", err))
		os.Exit(1)
	}
	stockTask, err := jobs.NewStockIntegrityTask(time.Now().UTC())
	if err != nil {
		logger.Error("build stock integrity task", slog.Any("error", err))
		os.Exit(1)
	}
	purgeTask, err := jobs.NewOutboxPurgeTask(cfg.OutboxRetention)
	if err != nil {
		logger.Error("build outbox purge task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   cfg.AsynqRedis(),
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskJournalEntryPosted, Handler: recomputeJob.Handle},
			{Type: jobs.TaskJournalEntryVoided, Handler: recomputeJob.Handle},
			{Type: jobs.TaskStockMovementRecorded, Handler: reorderJob.Handle},
			{Type: jobs.TaskGLIntegrity, Handler: glJob.Handle},
			{Type: jobs.TaskStockIntegrity, Handler: stockJob.Handle},
			{Type: jobs.TaskOutboxFlush, Handler: outboxJob.HandleFlush},
			{Type: jobs.TaskOutboxPurge, Handler: outboxJob.HandlePurge},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.CronGLIntegrity, Task: glTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.CronStockIntegrity, Task: stockTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.CronOutboxFlush, Task: jobs.NewOutboxFlushTask(), Options: []asynq.Option{asynq.MaxRetry(0), asynq.Unique(time.Minute)}},
			{Spec: cfg.CronOutboxPurge, Task: purgeTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
