package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/inventory"
	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
	"github.com/odyssey-erp/odyssey-ledger/internal/outbox"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// decodeEvent unpacks the delivered envelope into dst. Malformed payloads are
// never retried.
func decodeEvent(t *asynq.Task, dst any) (outbox.Envelope, error) {
	env, err := outbox.DecodeEnvelope(t.Payload())
	if err != nil {
		return outbox.Envelope{}, fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	if env.Topic != t.Type() {
		return outbox.Envelope{}, fmt.Errorf("jobs: envelope topic %s on %s task: %w", env.Topic, t.Type(), asynq.SkipRetry)
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return outbox.Envelope{}, fmt.Errorf("jobs: decode %s: %v: %w", env.Topic, err, asynq.SkipRetry)
	}
	return env, nil
}

// Recomputer rebuilds cached account balances.
type Recomputer interface {
	RecomputeMany(ctx context.Context, tenantID shared.TenantID, accountIDs []int64) ([]accounting.Account, error)
}

// BalanceRecomputeJob keeps account caches in step with posted and voided entries.
// Recomputation is idempotent, so redelivered events are harmless.
type BalanceRecomputeJob struct {
	Ledger  Recomputer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewBalanceRecomputeJob constructs the journal event consumer.
func NewBalanceRecomputeJob(ledger Recomputer, logger *slog.Logger, metrics *jobmetrics.Metrics) *BalanceRecomputeJob {
	return &BalanceRecomputeJob{Ledger: ledger, Logger: logger, Metrics: metrics}
}

// Handle processes TaskJournalEntryPosted and TaskJournalEntryVoided.
func (j *BalanceRecomputeJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Ledger == nil {
		return errors.New("balance recompute: handler not configured")
	}
	tracker := metricsOrDefault(j.Metrics).Track(t.Type())
	defer func() { err = tracker.End(err) }()

	var evt accounting.JournalEvent
	env, err := decodeEvent(t, &evt)
	if err != nil {
		return err
	}
	if len(evt.AccountIDs) == 0 {
		return nil
	}
	accounts, err := j.Ledger.RecomputeMany(ctx, env.TenantID, evt.AccountIDs)
	if err != nil {
		return fmt.Errorf("recompute entry %d: %w", evt.EntryID, err)
	}
	loggerOrDefault(j.Logger, t.Type()).Info("account balances recomputed",
		slog.String("event_id", env.EventID.String()),
		slog.Int64("tenant_id", int64(env.TenantID)),
		slog.Int64("entry_id", evt.EntryID),
		slog.String("status", string(evt.Status)),
		slog.Int("accounts", len(accounts)))
	return nil
}

// StockReader reads balances and reorder levels.
type StockReader interface {
	CurrentBalance(ctx context.Context, tenantID shared.TenantID, productID, warehouseID int64) (decimal.Decimal, error)
	ReorderLevel(ctx context.Context, tenantID shared.TenantID, productID, warehouseID int64) (decimal.Decimal, bool, error)
}

// ReorderCheckJob raises an alert when a scope falls to its reorder level.
// One alert is raised per dip: the redis marker is cleared once stock recovers.
type ReorderCheckJob struct {
	Stock   StockReader
	Redis   redis.Cmdable
	TTL     time.Duration
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewReorderCheckJob constructs the stock movement consumer.
func NewReorderCheckJob(stock StockReader, rdb redis.Cmdable, ttl time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReorderCheckJob {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ReorderCheckJob{Stock: stock, Redis: rdb, TTL: ttl, Logger: logger, Metrics: metrics}
}

// Handle processes TaskStockMovementRecorded.
func (j *ReorderCheckJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Stock == nil || j.Redis == nil {
		return errors.New("reorder check: handler not configured")
	}
	tracker := metricsOrDefault(j.Metrics).Track(t.Type())
	defer func() { err = tracker.End(err) }()

	var evt inventory.MovementRecordedEvent
	env, err := decodeEvent(t, &evt)
	if err != nil {
		return err
	}
	_, err = j.Check(ctx, env.TenantID, evt.Movement.ProductID, evt.Movement.WarehouseID)
	return err
}

// Check compares the current balance of a scope with its reorder level and
// reports whether a new alert was raised. The current balance is read rather
// than the event's running balance since events arrive unordered.
func (j *ReorderCheckJob) Check(ctx context.Context, tenantID shared.TenantID, productID, warehouseID int64) (bool, error) {
	level, ok, err := j.Stock.ReorderLevel(ctx, tenantID, productID, warehouseID)
	if err != nil || !ok {
		return false, err
	}
	balance, err := j.Stock.CurrentBalance(ctx, tenantID, productID, warehouseID)
	if err != nil {
		return false, err
	}
	key := shared.ReorderAlertKey(tenantID, productID, warehouseID)
	if balance.GreaterThan(level) {
		return false, j.Redis.Del(ctx, key).Err()
	}
	raised, err := j.Redis.SetNX(ctx, key, balance.String(), j.TTL).Result()
	if err != nil || !raised {
		return false, err
	}
	if err := j.Redis.XAdd(ctx, &redis.XAddArgs{
		Stream: shared.ReorderAlertStream,
		Values: map[string]any{
			"tenant_id":     tenantID.String(),
			"product_id":    productID,
			"warehouse_id":  warehouseID,
			"balance":       balance.String(),
			"reorder_level": level.String(),
		},
	}).Err(); err != nil {
		// allow the next delivery to raise it again
		_ = j.Redis.Del(ctx, key).Err()
		return false, err
	}
	metricsOrDefault(j.Metrics).AddFindings("reorder_alert", tenantID, 1)
	loggerOrDefault(j.Logger, TaskStockMovementRecorded).Warn("reorder level reached",
		slog.Int64("tenant_id", int64(tenantID)),
		slog.Int64("product_id", productID),
		slog.Int64("warehouse_id", warehouseID),
		slog.String("balance", balance.String()),
		slog.String("reorder_level", level.String()))
	return true, nil
}

func metricsOrDefault(m *jobmetrics.Metrics) *jobmetrics.Metrics {
	if m != nil {
		return m
	}
	return defaultJobMetrics
}

func loggerOrDefault(logger *slog.Logger, job string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("job", job))
}
