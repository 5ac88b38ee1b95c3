//go:build integration

package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db/dbtest"
)

func TestPGStoreClaimsFreshEventsAndParksFailures(t *testing.T) {
	pool := dbtest.StartPostgres(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	stuck := newTestEvent(t, "journal:entry_posted")
	stuck.CreatedAt = base
	fresh := newTestEvent(t, "stock:movement_recorded")
	fresh.CreatedAt = base.Add(time.Minute)
	require.NoError(t, Insert(ctx, pool, stuck))
	require.NoError(t, Insert(ctx, pool, fresh))

	store := NewPGStore(pool, 2)
	fail := func(_ context.Context, evt Event) error {
		if evt.ID == stuck.ID {
			return errors.New("queue unavailable")
		}
		return nil
	}

	res, err := store.Process(ctx, 1, fail)
	require.NoError(t, err)
	require.Equal(t, Result{Failed: 1}, res)

	res, err = store.Process(ctx, 1, fail)
	require.NoError(t, err)
	require.Equal(t, Result{Dispatched: 1}, res)

	res, err = store.Process(ctx, 1, fail)
	require.NoError(t, err)
	require.Equal(t, Result{Failed: 1, Parked: 1}, res)

	res, err = store.Process(ctx, 10, fail)
	require.NoError(t, err)
	require.Equal(t, Result{}, res)

	var attempts int
	var lastError string
	require.NoError(t, pool.QueryRow(ctx, `SELECT attempts, last_error FROM outbox_events WHERE id=$1`, stuck.ID).Scan(&attempts, &lastError))
	require.Equal(t, 2, attempts)
	require.Equal(t, "queue unavailable", lastError)
}
