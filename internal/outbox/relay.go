package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Publisher hands an event to the delivery queue. Implementations must tolerate
// the same event being published more than once.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// RelayMetrics observes flush outcomes.
type RelayMetrics interface {
	OutboxFlushed(dispatched, failed, parked int)
}

// RelayConfig tunes the relay loop.
type RelayConfig struct {
	Interval  time.Duration
	BatchSize int
	Logger    *slog.Logger
	Metrics   RelayMetrics
}

// Relay moves committed outbox rows to the publisher.
type Relay struct {
	store     Store
	publisher Publisher
	interval  time.Duration
	batch     int
	logger    *slog.Logger
	metrics   RelayMetrics
	kick      chan struct{}
}

// NewRelay constructs a Relay.
func NewRelay(store Store, publisher Publisher, cfg RelayConfig) *Relay {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		store:     store,
		publisher: publisher,
		interval:  interval,
		batch:     batch,
		logger:    logger.With(slog.String("component", "outbox_relay")),
		metrics:   cfg.Metrics,
		kick:      make(chan struct{}, 1),
	}
}

// Notify asks the relay to flush soon. It never blocks.
func (r *Relay) Notify() {
	if r == nil {
		return
	}
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Flush publishes pending events until a pass dispatches less than a full batch.
func (r *Relay) Flush(ctx context.Context) (Result, error) {
	if r == nil || r.store == nil || r.publisher == nil {
		return Result{}, errors.New("outbox relay not configured")
	}
	var total Result
	for {
		res, err := r.store.Process(ctx, r.batch, r.publisher.Publish)
		total.Dispatched += res.Dispatched
		total.Failed += res.Failed
		total.Parked += res.Parked
		if err != nil {
			return total, err
		}
		if res.Dispatched+res.Failed < r.batch || res.Failed > 0 {
			return total, nil
		}
	}
}

// Run flushes on every tick or notification until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-r.kick:
		}
		res, err := r.Flush(ctx)
		if r.metrics != nil {
			r.metrics.OutboxFlushed(res.Dispatched, res.Failed, res.Parked)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("outbox flush", slog.Any("error", err))
			continue
		}
		if res.Parked > 0 {
			r.logger.Error("outbox events parked after repeated publish failures", slog.Int("parked", res.Parked))
		}
		if res.Failed > 0 {
			r.logger.Warn("outbox events failed to publish", slog.Int("failed", res.Failed), slog.Int("dispatched", res.Dispatched))
		} else if res.Dispatched > 0 {
			r.logger.Debug("outbox events dispatched", slog.Int("dispatched", res.Dispatched))
		}
	}
}
