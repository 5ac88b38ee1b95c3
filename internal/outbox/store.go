package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Execer is the subset of pgx.Tx used to append events.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Insert appends evt using the caller's transaction.
func Insert(ctx context.Context, tx Execer, evt Event) error {
	_, err := tx.Exec(ctx, `INSERT INTO outbox_events (id, tenant_id, topic, payload, created_at) VALUES ($1,$2,$3,$4,$5)`,
		evt.ID, int64(evt.TenantID), evt.Topic, []byte(evt.Payload), evt.CreatedAt)
	if err != nil {
		return fmt.Errorf("outbox: insert %s: %w", evt.Topic, err)
	}
	return nil
}

// Store claims pending events for dispatch.
type Store interface {
	Process(ctx context.Context, limit int, fn func(context.Context, Event) error) (Result, error)
}

// Result summarises one processing pass.
type Result struct {
	Dispatched int
	Failed     int
	// Parked counts failures that used the last attempt; those rows are no longer claimed.
	Parked int
}

// DefaultMaxAttempts bounds publish attempts when the store is built with zero.
const DefaultMaxAttempts = 10

// PGStore implements Store over PostgreSQL.
type PGStore struct {
	pool        *pgxpool.Pool
	maxAttempts int
}

// NewPGStore constructs PGStore. Events failing maxAttempts times stay in the table
// for inspection but are skipped by Process.
func NewPGStore(pool *pgxpool.Pool, maxAttempts int) *PGStore {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &PGStore{pool: pool, maxAttempts: maxAttempts}
}

// Process locks up to limit pending events (skipping rows claimed by other relays),
// hands each to fn and records the outcome in the same transaction. Fresh events
// are claimed before retried ones so a failing batch cannot starve newer rows.
func (s *PGStore) Process(ctx context.Context, limit int, fn func(context.Context, Event) error) (Result, error) {
	if s == nil || s.pool == nil {
		return Result{}, errors.New("outbox store not initialised")
	}
	if limit <= 0 {
		limit = 100
	}
	var res Result
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return Result{}, fmt.Errorf("outbox: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `SELECT id, tenant_id, topic, payload, attempts, created_at
FROM outbox_events WHERE dispatched_at IS NULL AND attempts < $2
ORDER BY attempts ASC, created_at ASC LIMIT $1 FOR UPDATE SKIP LOCKED`, limit, s.maxAttempts)
	if err != nil {
		return Result{}, fmt.Errorf("outbox: claim: %w", err)
	}
	var events []Event
	for rows.Next() {
		var evt Event
		var tenantID int64
		var payload []byte
		if err := rows.Scan(&evt.ID, &tenantID, &evt.Topic, &payload, &evt.Attempts, &evt.CreatedAt); err != nil {
			rows.Close()
			return Result{}, err
		}
		evt.TenantID = shared.TenantID(tenantID)
		evt.Payload = payload
		events = append(events, evt)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Result{}, err
	}

	now := time.Now().UTC()
	for _, evt := range events {
		if dispatchErr := fn(ctx, evt); dispatchErr != nil {
			res.Failed++
			if evt.Attempts+1 >= s.maxAttempts {
				res.Parked++
			}
			if _, err := tx.Exec(ctx, `UPDATE outbox_events SET attempts=attempts+1, last_error=$2 WHERE id=$1`, evt.ID, dispatchErr.Error()); err != nil {
				return Result{}, err
			}
			continue
		}
		res.Dispatched++
		if _, err := tx.Exec(ctx, `UPDATE outbox_events SET attempts=attempts+1, last_error='', dispatched_at=$2 WHERE id=$1`, evt.ID, now); err != nil {
			return Result{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("outbox: commit: %w", err)
	}
	return res, nil
}

// Purge deletes dispatched events older than the retention window.
func (s *PGStore) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, nil
	}
	cutoff := time.Now().Add(-olderThan)
	tag, err := s.pool.Exec(ctx, `DELETE FROM outbox_events WHERE dispatched_at IS NOT NULL AND dispatched_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
