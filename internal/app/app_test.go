package app

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/observability"
	_ "github.com/odyssey-erp/odyssey-ledger/internal/testing/guard"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://erp.example.com,https://admin.example.com")
	t.Setenv("LEDGER_MAX_RETRIES", "7")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.AppAddr)
	require.Equal(t, 7, cfg.LedgerMaxRetries)
	require.Equal(t, 20*time.Millisecond, cfg.LedgerRetryBackoff)
	require.Equal(t, 2*time.Second, cfg.OutboxPollInterval)
	require.Equal(t, 168*time.Hour, cfg.OutboxRetention)
	require.Equal(t, 10, cfg.OutboxMaxAttempts)
	require.Equal(t, 24*time.Hour, cfg.ReorderAlertTTL)
	require.Equal(t, []string{"https://erp.example.com", "https://admin.example.com"}, cfg.CORSAllowedOrigins)
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigRejectsInvalidSettings(t *testing.T) {
	t.Setenv("LEDGER_MAX_RETRIES", "0")
	_, err := LoadConfig()
	require.Error(t, err)

	t.Setenv("LEDGER_MAX_RETRIES", "3")
	t.Setenv("OUTBOX_BATCH_SIZE", "0")
	_, err = LoadConfig()
	require.Error(t, err)

	t.Setenv("OUTBOX_BATCH_SIZE", "10")
	t.Setenv("REORDER_ALERT_TTL", "soon")
	_, err = LoadConfig()
	require.Error(t, err)
}

func TestInTestMode(t *testing.T) {
	require.True(t, InTestMode())
	t.Setenv(testModeEnv, "0")
	RefreshTestMode()
	require.False(t, InTestMode())
	t.Setenv(testModeEnv, "1")
	RefreshTestMode()
	require.True(t, InTestMode())
}

func testConfig() *Config {
	return &Config{AppEnv: "development", AppRequestTimeout: time.Second, RateLimitPerMin: 100}
}

func TestRouterHealthAndMetrics(t *testing.T) {
	metrics := observability.NewMetrics()
	router := NewRouter(RouterParams{Config: testConfig(), Metrics: metrics})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	require.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	require.NotEmpty(t, rec.Header().Get("X-Ratelimit-Limit"))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "odyssey_http_requests_total"))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/stock/balance", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouterReadiness(t *testing.T) {
	router := NewRouter(RouterParams{
		Config: testConfig(),
		Ready:  func(*http.Request) error { return errors.New("postgres unreachable") },
	})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRouterCORS(t *testing.T) {
	cfg := testConfig()
	cfg.CORSAllowedOrigins = []string{"https://erp.example.com"}
	router := NewRouter(RouterParams{Config: cfg})

	req := httptest.NewRequest(http.MethodOptions, "/healthz", nil)
	req.Header.Set("Origin", "https://erp.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, "https://erp.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouterRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitPerMin = 2
	router := NewRouter(RouterParams{Config: cfg})

	var last int
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "10.0.0.9:5000"
		router.ServeHTTP(rec, req)
		last = rec.Code
	}
	require.Equal(t, http.StatusTooManyRequests, last)
}

func TestNewLoggerHonoursFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&Config{AppEnv: "staging", LogFormat: "json", LogLevel: "warn"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "tenant_id", 3)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	require.Equal(t, "shown", entry["msg"])
	require.Equal(t, "staging", entry["env"])
	require.EqualValues(t, 3, entry["tenant_id"])

	buf.Reset()
	newLogger(&Config{LogLevel: "bogus"}, &buf).Debug("dropped")
	require.Zero(t, buf.Len())
}
