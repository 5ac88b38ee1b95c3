//go:build integration

package inventory

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db/dbtest"
)

func TestPostgresLedgerUnderConcurrency(t *testing.T) {
	pool := dbtest.StartPostgres(t)
	svc := NewService(NewRepository(pool), nil, nil, ServiceConfig{Retry: db.DefaultRetryPolicy})
	ctx := context.Background()

	const workers, perWorker = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			typ := MovementPurchase
			if w%2 == 1 {
				typ = MovementSale
			}
			for i := 0; i < perWorker; i++ {
				_, err := svc.Record(ctx, tenant, RecordInput{ProductID: 1, WarehouseID: 1, Type: typ, Quantity: decimal.NewFromInt(int64(w + 1))})
				if err != nil {
					t.Errorf("record: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	// workers 0,2,4,6 add 1,3,5,7; workers 1,3,5,7 remove 2,4,6,8
	want := decimal.NewFromInt(int64(perWorker * (1 + 3 + 5 + 7 - 2 - 4 - 6 - 8)))
	balance, err := svc.CurrentBalance(ctx, tenant, 1, 1)
	require.NoError(t, err)
	require.True(t, want.Equal(balance), "want %s got %s", want, balance)

	report, err := svc.VerifyScope(ctx, tenant, 1, 1)
	require.NoError(t, err)
	require.True(t, report.Consistent)
	require.Equal(t, workers*perWorker, report.Entries)

	var pending int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_events WHERE topic=$1`, TopicMovementRecorded).Scan(&pending))
	require.Equal(t, workers*perWorker, pending)
}

func TestPostgresIdempotencyAndHistory(t *testing.T) {
	pool := dbtest.StartPostgres(t)
	svc := NewService(NewRepository(pool), nil, nil, ServiceConfig{})
	ctx := context.Background()

	cost := decimal.RequireFromString("12.5")
	input := RecordInput{ProductID: 2, Type: MovementPurchase, Quantity: decimal.NewFromInt(100), UnitCost: &cost, IdempotencyKey: "grn-9", Metadata: map[string]any{"supplier": "acme"}}
	first, err := svc.Record(ctx, tenant, input)
	require.NoError(t, err)
	again, err := svc.Record(ctx, tenant, input)
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)

	_, err = svc.Record(ctx, tenant, RecordInput{ProductID: 2, Type: MovementSale, Quantity: decimal.NewFromInt(30)})
	require.NoError(t, err)
	_, err = svc.Record(ctx, tenant, RecordInput{ProductID: 2, Type: MovementAdjustmentOut, Quantity: decimal.NewFromInt(5)})
	require.NoError(t, err)

	history, err := svc.History(ctx, tenant, HistoryFilter{ProductID: 2})
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, want := range []int64{100, 70, 65} {
		require.True(t, decimal.NewFromInt(want).Equal(history[i].RunningBalance))
	}
	require.True(t, history[0].UnitCost.Valid)
	require.True(t, cost.Equal(history[0].UnitCost.Decimal))
	require.Equal(t, "acme", history[0].Metadata["supplier"])
}
