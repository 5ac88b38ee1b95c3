package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/inventory"
	"github.com/odyssey-erp/odyssey-ledger/internal/outbox"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

type stubLedger struct {
	results    map[shared.TenantID]accounting.TrialCheckResult
	recomputed map[shared.TenantID][]int64
}

func (s *stubLedger) Tenants(context.Context) ([]shared.TenantID, error) {
	return []shared.TenantID{1, 2}, nil
}

func (s *stubLedger) TrialCheck(_ context.Context, tenantID shared.TenantID) (accounting.TrialCheckResult, error) {
	return s.results[tenantID], nil
}

func (s *stubLedger) RecomputeMany(_ context.Context, tenantID shared.TenantID, ids []int64) ([]accounting.Account, error) {
	if s.recomputed == nil {
		s.recomputed = map[shared.TenantID][]int64{}
	}
	s.recomputed[tenantID] = append(s.recomputed[tenantID], ids...)
	out := make([]accounting.Account, len(ids))
	return out, nil
}

func TestGLIntegrityRepairsDrift(t *testing.T) {
	ledger := &stubLedger{results: map[shared.TenantID]accounting.TrialCheckResult{
		1: {TenantID: 1, Balanced: true},
		2: {TenantID: 2, Balanced: true, Drift: []accounting.AccountDrift{
			{AccountID: 8, Code: "1100", Cached: decimal.NewFromInt(5), Expected: decimal.NewFromInt(7)},
		}},
	}}
	job := NewGLIntegrityJob(ledger, nil, testMetrics())

	report, err := job.Run(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 2, report.Tenants)
	require.Equal(t, 1, report.Drifted)
	require.Zero(t, report.Repaired)
	require.Empty(t, ledger.recomputed)

	task, err := NewGLIntegrityTask(true)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, []int64{8}, ledger.recomputed[2])
}

func TestGLIntegrityFailsOnUnbalancedTenant(t *testing.T) {
	ledger := &stubLedger{results: map[shared.TenantID]accounting.TrialCheckResult{
		1: {TenantID: 1, Debit: decimal.NewFromInt(10), Credit: decimal.NewFromInt(9)},
		2: {TenantID: 2, Balanced: true},
	}}
	job := NewGLIntegrityJob(ledger, nil, testMetrics())

	report, err := job.Run(context.Background(), false)
	require.Error(t, err)
	require.Equal(t, []shared.TenantID{1}, report.Unbalanced)
}

type stubVerifier struct {
	checked int
	broken  []inventory.ScopeReport
}

func (s stubVerifier) VerifyAll(context.Context) (int, []inventory.ScopeReport, error) {
	return s.checked, s.broken, nil
}

func TestStockIntegrityJob(t *testing.T) {
	task, err := NewStockIntegrityTask(time.Date(2025, 3, 14, 2, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	job := NewStockIntegrityJob(stubVerifier{checked: 4}, nil, testMetrics())
	require.NoError(t, job.Handle(context.Background(), task))

	job = NewStockIntegrityJob(stubVerifier{checked: 4, broken: []inventory.ScopeReport{{
		Scope:          inventory.Scope{TenantID: 1, ProductID: 2, WarehouseID: 3},
		FirstBrokenSeq: 2,
	}}}, nil, testMetrics())
	require.Error(t, job.Handle(context.Background(), task))
}

type stubRelay struct{ calls int }

func (s *stubRelay) Flush(context.Context) (outbox.Result, error) {
	s.calls++
	return outbox.Result{Dispatched: 2}, nil
}

type stubPurger struct{ retention time.Duration }

func (s *stubPurger) Purge(_ context.Context, olderThan time.Duration) (int64, error) {
	s.retention = olderThan
	return 3, nil
}

func TestOutboxJobs(t *testing.T) {
	relay := &stubRelay{}
	purger := &stubPurger{}
	job := NewOutboxJob(relay, purger, nil, testMetrics())

	require.NoError(t, job.HandleFlush(context.Background(), NewOutboxFlushTask()))
	require.Equal(t, 1, relay.calls)

	task, err := NewOutboxPurgeTask(72 * time.Hour)
	require.NoError(t, err)
	require.NoError(t, job.HandlePurge(context.Background(), task))
	require.Equal(t, 72*time.Hour, purger.retention)

	err = job.HandlePurge(context.Background(), asynq.NewTask(TaskOutboxPurge, []byte(`{"retention":0}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)

	_, err = NewOutboxPurgeTask(0)
	require.Error(t, err)
}

func TestNewTaskByName(t *testing.T) {
	for _, name := range []string{TaskGLIntegrity, TaskStockIntegrity, TaskOutboxFlush, TaskOutboxPurge} {
		task, err := NewTaskByName(name, time.Hour)
		require.NoError(t, err, name)
		require.Equal(t, name, task.Type())
	}
	_, err := NewTaskByName("ledger:unknown", time.Hour)
	require.Error(t, err)
}

type stubInspector struct {
	info map[string]*asynq.QueueInfo
	err  error
}

func (s stubInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	if s.err != nil {
		return nil, s.err
	}
	if info, ok := s.info[queue]; ok {
		return info, nil
	}
	return nil, asynq.ErrQueueNotFound
}

func TestHealthHandler(t *testing.T) {
	h := NewHandler(nil, nil)
	h.inspector = stubInspector{info: map[string]*asynq.QueueInfo{
		QueueLedger: {Queue: QueueLedger, Pending: 4, Retry: 1, Archived: 2},
	}}
	r := chi.NewRouter()
	h.MountRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Queues []queueHealth `json:"queues"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, []queueHealth{
		{Queue: QueueLedger, Pending: 4, Retry: 1, Failed: 2},
		{Queue: QueueDefault},
	}, body.Queues)

	h.inspector = stubInspector{err: errors.New("connection refused")}
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
