package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	return rr.Body.String()
}

func TestLedgerCountersAreExported(t *testing.T) {
	m := NewMetrics()
	m.MovementRecorded("purchase")
	m.MovementRecorded("purchase")
	m.MovementRecorded("sale")
	m.JournalTransition("posted")
	m.BalanceRecomputed()
	m.OutboxFlushed(3, 1, 1)
	m.OutboxFlushed(0, 0, 0)

	body := scrape(t, m)
	require.Contains(t, body, `odyssey_stock_movements_total{type="purchase"} 2`)
	require.Contains(t, body, `odyssey_stock_movements_total{type="sale"} 1`)
	require.Contains(t, body, `odyssey_journal_transitions_total{status="posted"} 1`)
	require.Contains(t, body, "odyssey_account_recomputes_total 1")
	require.Contains(t, body, `odyssey_outbox_events_total{result="dispatched"} 3`)
	require.Contains(t, body, `odyssey_outbox_events_total{result="failed"} 1`)
	require.Contains(t, body, `odyssey_outbox_events_total{result="parked"} 1`)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.MovementRecorded("purchase")
	m.JournalTransition("void")
	m.BalanceRecomputed()
	m.OutboxFlushed(1, 1, 0)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	m := NewMetrics()
	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/test")
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusTeapot, rr.Code)

	body := scrape(t, m)
	require.Contains(t, body, `odyssey_http_requests_total{code="418",route="/test"} 1`)
	require.Contains(t, body, `odyssey_http_request_duration_seconds_bucket{route="/test"`)
}
