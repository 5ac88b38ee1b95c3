package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
	"github.com/odyssey-erp/odyssey-ledger/internal/outbox"
)

// Flusher drains pending outbox events.
type Flusher interface {
	Flush(ctx context.Context) (outbox.Result, error)
}

// Purger deletes dispatched outbox events.
type Purger interface {
	Purge(ctx context.Context, olderThan time.Duration) (int64, error)
}

// OutboxJob flushes events left behind by a crashed API process and trims the table.
type OutboxJob struct {
	Relay   Flusher
	Store   Purger
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewOutboxJob constructs the outbox maintenance handlers.
func NewOutboxJob(relay Flusher, store Purger, logger *slog.Logger, metrics *jobmetrics.Metrics) *OutboxJob {
	return &OutboxJob{Relay: relay, Store: store, Logger: logger, Metrics: metrics}
}

// HandleFlush executes TaskOutboxFlush.
func (j *OutboxJob) HandleFlush(ctx context.Context, _ *asynq.Task) (err error) {
	if j == nil || j.Relay == nil {
		return errors.New("outbox flush: handler not configured")
	}
	tracker := metricsOrDefault(j.Metrics).Track(TaskOutboxFlush)
	defer func() { err = tracker.End(err) }()
	res, err := j.Relay.Flush(ctx)
	if err != nil {
		return err
	}
	if res.Dispatched > 0 || res.Failed > 0 {
		loggerOrDefault(j.Logger, TaskOutboxFlush).Info("outbox flushed",
			slog.Int("dispatched", res.Dispatched),
			slog.Int("failed", res.Failed),
			slog.Int("parked", res.Parked))
	}
	return nil
}

// HandlePurge executes TaskOutboxPurge.
func (j *OutboxJob) HandlePurge(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Store == nil {
		return errors.New("outbox purge: handler not configured")
	}
	var payload OutboxPurgePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.Retention <= 0 {
		return asynq.SkipRetry
	}
	tracker := metricsOrDefault(j.Metrics).Track(TaskOutboxPurge)
	defer func() { err = tracker.End(err) }()
	removed, err := j.Store.Purge(ctx, payload.Retention)
	if err != nil {
		return err
	}
	loggerOrDefault(j.Logger, TaskOutboxPurge).Info("outbox purged",
		slog.Int64("removed", removed),
		slog.Duration("retention", payload.Retention))
	return nil
}
