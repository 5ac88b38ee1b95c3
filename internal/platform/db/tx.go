package db

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrRetriesExhausted is returned when a transaction kept failing with a transient conflict.
var ErrRetriesExhausted = errors.New("platform/db: transaction retries exhausted")

// RetryPolicy bounds how often a conflicting transaction is re-run.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy is used when callers pass a zero policy.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: 250 * time.Millisecond}

func (p RetryPolicy) normalised() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay * 16
	}
	return p
}

// Backoff returns the delay before the given attempt (1-based): an exponential
// ceiling capped at MaxDelay, of which the upper half is randomised so that
// transactions aborted together do not wake together.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	ceiling := p.ceiling(attempt)
	half := ceiling / 2
	return half + rand.N(ceiling-half+1)
}

func (p RetryPolicy) ceiling(attempt int) time.Duration {
	p = p.normalised()
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return delay
}

// WithTx executes a function within a transaction using the ReadCommitted isolation level.
// Callers serialize conflicting writes with row locks.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	return WithTxOptions(ctx, pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, fn)
}

// WithTxOptions executes fn in a transaction started with opts.
func WithTxOptions(ctx context.Context, pool *pgxpool.Pool, opts pgx.TxOptions, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}

	return nil
}

// Retry re-runs fn while it fails with a serialization failure or deadlock.
// The error of the last attempt is wrapped with ErrRetriesExhausted.
func Retry(ctx context.Context, policy RetryPolicy, fn func(context.Context) error) error {
	policy = policy.normalised()
	var err error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil || !IsRetryable(err) {
			return err
		}
		if attempt == policy.MaxAttempts {
			break
		}
		timer := time.NewTimer(policy.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
}
