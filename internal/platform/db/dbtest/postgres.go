//go:build integration

// Package dbtest starts a disposable PostgreSQL for integration tests.
// Run with: go test -tags integration ./...
package dbtest

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
)

// StartPostgres runs postgres in a container, applies the schema and returns a pool.
func StartPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgC, err := tcPostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		tcPostgres.WithDatabase("ledger_test"),
		tcPostgres.WithUsername("ledger"),
		tcPostgres.WithPassword("ledger"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := db.New(ctx, dsn, db.PoolConfig{MaxConns: 16})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, db.ApplySchema(ctx, pool))
	return pool
}
