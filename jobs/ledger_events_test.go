package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/inventory"
	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
	"github.com/odyssey-erp/odyssey-ledger/internal/outbox"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

func testMetrics() *jobmetrics.Metrics {
	return jobmetrics.NewMetrics(prometheus.NewRegistry())
}

func eventTask(t *testing.T, tenantID shared.TenantID, topic string, data any) *asynq.Task {
	t.Helper()
	evt, err := outbox.NewEvent(tenantID, topic, data, time.Now())
	require.NoError(t, err)
	task, err := NewEventTask(evt)
	require.NoError(t, err)
	return task
}

type stubRecomputer struct {
	mu       sync.Mutex
	tenantID shared.TenantID
	ids      []int64
	err      error
}

func (s *stubRecomputer) RecomputeMany(_ context.Context, tenantID shared.TenantID, ids []int64) ([]accounting.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenantID = tenantID
	s.ids = append([]int64(nil), ids...)
	if s.err != nil {
		return nil, s.err
	}
	out := make([]accounting.Account, 0, len(ids))
	for _, id := range ids {
		out = append(out, accounting.Account{ID: id, TenantID: tenantID})
	}
	return out, nil
}

func TestBalanceRecomputeJobRecomputesTouchedAccounts(t *testing.T) {
	stub := &stubRecomputer{}
	job := NewBalanceRecomputeJob(stub, nil, testMetrics())

	task := eventTask(t, 7, TaskJournalEntryPosted, accounting.JournalEvent{
		TenantID:   7,
		EntryID:    11,
		Number:     "JE-11",
		Status:     accounting.StatusPosted,
		AccountIDs: []int64{3, 5},
	})
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, shared.TenantID(7), stub.tenantID)
	require.Equal(t, []int64{3, 5}, stub.ids)
}

func TestBalanceRecomputeJobPropagatesFailures(t *testing.T) {
	stub := &stubRecomputer{err: errors.New("database down")}
	job := NewBalanceRecomputeJob(stub, nil, testMetrics())

	task := eventTask(t, 7, TaskJournalEntryVoided, accounting.JournalEvent{
		TenantID:   7,
		EntryID:    11,
		Status:     accounting.StatusVoid,
		AccountIDs: []int64{3},
	})
	err := job.Handle(context.Background(), task)
	require.Error(t, err)
	require.False(t, errors.Is(err, asynq.SkipRetry))
}

func TestBalanceRecomputeJobSkipsMalformedPayloads(t *testing.T) {
	job := NewBalanceRecomputeJob(&stubRecomputer{}, nil, testMetrics())

	err := job.Handle(context.Background(), asynq.NewTask(TaskJournalEntryPosted, []byte("{not json")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	// envelope for a different topic delivered on this task type
	wrong := eventTask(t, 7, TaskStockMovementRecorded, map[string]int{"x": 1})
	err = job.Handle(context.Background(), asynq.NewTask(TaskJournalEntryPosted, wrong.Payload()))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

type stubStock struct {
	mu      sync.Mutex
	balance decimal.Decimal
	level   decimal.Decimal
	hasLvl  bool
}

func (s *stubStock) set(balance string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance = decimal.RequireFromString(balance)
}

func (s *stubStock) CurrentBalance(context.Context, shared.TenantID, int64, int64) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance, nil
}

func (s *stubStock) ReorderLevel(context.Context, shared.TenantID, int64, int64) (decimal.Decimal, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level, s.hasLvl, nil
}

func newReorderFixture(t *testing.T, level string) (*ReorderCheckJob, *stubStock, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	stock := &stubStock{balance: decimal.NewFromInt(100)}
	if level != "" {
		stock.level = decimal.RequireFromString(level)
		stock.hasLvl = true
	}
	return NewReorderCheckJob(stock, rdb, time.Hour, nil, testMetrics()), stock, rdb
}

func TestReorderCheckRaisesOneAlertPerDip(t *testing.T) {
	ctx := context.Background()
	job, stock, rdb := newReorderFixture(t, "10")

	raised, err := job.Check(ctx, 1, 5, 9)
	require.NoError(t, err)
	require.False(t, raised)

	stock.set("10")
	raised, err = job.Check(ctx, 1, 5, 9)
	require.NoError(t, err)
	require.True(t, raised)

	stock.set("4")
	raised, err = job.Check(ctx, 1, 5, 9)
	require.NoError(t, err)
	require.False(t, raised, "still below the level: no second alert")

	n, err := rdb.XLen(ctx, shared.ReorderAlertStream).Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	stock.set("25")
	raised, err = job.Check(ctx, 1, 5, 9)
	require.NoError(t, err)
	require.False(t, raised)
	exists, err := rdb.Exists(ctx, shared.ReorderAlertKey(1, 5, 9)).Result()
	require.NoError(t, err)
	require.Zero(t, exists)

	stock.set("3")
	raised, err = job.Check(ctx, 1, 5, 9)
	require.NoError(t, err)
	require.True(t, raised)

	entries, err := rdb.XRange(ctx, shared.ReorderAlertStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "3", entries[1].Values["balance"])
	require.Equal(t, "10", entries[1].Values["reorder_level"])
}

func TestReorderCheckIgnoresScopesWithoutLevel(t *testing.T) {
	ctx := context.Background()
	job, stock, rdb := newReorderFixture(t, "")
	stock.set("0")

	raised, err := job.Check(ctx, 1, 5, 9)
	require.NoError(t, err)
	require.False(t, raised)
	n, err := rdb.XLen(ctx, shared.ReorderAlertStream).Result()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestReorderCheckJobHandlesMovementEvents(t *testing.T) {
	ctx := context.Background()
	job, stock, rdb := newReorderFixture(t, "10")
	stock.set("2")

	task := eventTask(t, 1, TaskStockMovementRecorded, inventory.MovementRecordedEvent{
		TenantID: 1,
		Movement: inventory.MovementPayload{ID: 1, ProductID: 5, WarehouseID: 9, Seq: 3},
	})
	require.NoError(t, job.Handle(ctx, task))
	// redelivery of the same event does not duplicate the alert
	require.NoError(t, job.Handle(ctx, task))

	n, err := rdb.XLen(ctx, shared.ReorderAlertStream).Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
	opts  [][]asynq.Option
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	f.opts = append(f.opts, opts)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

func (f *fakeEnqueuer) Close() error { return nil }

func TestClientPublishEnqueuesEnvelope(t *testing.T) {
	fake := &fakeEnqueuer{}
	client := &Client{client: fake}
	evt, err := outbox.NewEvent(3, TaskJournalEntryPosted, accounting.JournalEvent{TenantID: 3, EntryID: 1}, time.Now())
	require.NoError(t, err)

	require.NoError(t, client.Publish(context.Background(), evt))
	require.Len(t, fake.tasks, 1)
	require.Equal(t, TaskJournalEntryPosted, fake.tasks[0].Type())

	env, err := outbox.DecodeEnvelope(fake.tasks[0].Payload())
	require.NoError(t, err)
	require.Equal(t, evt.ID, env.EventID)
	require.Equal(t, shared.TenantID(3), env.TenantID)

	var data accounting.JournalEvent
	require.NoError(t, json.Unmarshal(env.Data, &data))
	require.EqualValues(t, 1, data.EntryID)
}

func TestClientPublishTreatsTaskIDConflictAsDelivered(t *testing.T) {
	client := &Client{client: &fakeEnqueuer{err: asynq.ErrTaskIDConflict}}
	evt, err := outbox.NewEvent(3, TaskStockMovementRecorded, map[string]int{"id": 1}, time.Now())
	require.NoError(t, err)
	require.NoError(t, client.Publish(context.Background(), evt))

	client = &Client{client: &fakeEnqueuer{err: errors.New("redis unavailable")}}
	require.Error(t, client.Publish(context.Background(), evt))
}
