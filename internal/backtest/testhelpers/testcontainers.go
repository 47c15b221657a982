// Package testhelpers spins up a real Postgres instance per test via
// testcontainers-go, for the repository's integration tests.
package testhelpers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PostgresContainer holds the testcontainer instance and a live pool against it.
type PostgresContainer struct {
	Container     *postgres.PostgresContainer
	ConnectionStr string
	Pool          *pgxpool.Pool
	t             *testing.T
}

// SetupTestDatabase starts a disposable Postgres container and returns a
// connected pool, registering cleanup via t.Cleanup.
func SetupTestDatabase(t *testing.T) *PostgresContainer {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("futurescast_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("testpassword"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("failed to get connection string: %v", err)
	}

	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("failed to parse connection string: %v", err)
	}
	config.MaxConns = 5
	config.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("failed to create connection pool: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		container.Terminate(ctx)
		t.Fatalf("failed to ping database: %v", err)
	}

	tc := &PostgresContainer{Container: container, ConnectionStr: connStr, Pool: pool, t: t}
	t.Cleanup(tc.cleanup)
	return tc
}

// ApplyMigrations runs every *.sql file under migrationsPath in filename order.
func (tc *PostgresContainer) ApplyMigrations(migrationsPath string) error {
	tc.t.Helper()
	ctx := context.Background()

	files, err := filepath.Glob(filepath.Join(migrationsPath, "*.sql"))
	if err != nil {
		return fmt.Errorf("list migration files: %w", err)
	}
	sort.Strings(files)

	for _, f := range files {
		tc.t.Logf("applying migration: %s", filepath.Base(f))
		sqlBytes, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := tc.Pool.Exec(ctx, string(sqlBytes)); err != nil {
			return fmt.Errorf("apply migration %s: %w", filepath.Base(f), err)
		}
	}
	return nil
}

// TruncateAllTables clears run/results/trades/events/candle data for test isolation.
func (tc *PostgresContainer) TruncateAllTables() error {
	ctx := context.Background()
	tables := []string{
		"backtest_events",
		"backtest_trades",
		"backtest_results",
		"backtest_runs",
		"candles",
		"candle_availability",
	}
	for _, table := range tables {
		if _, err := tc.Pool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)); err != nil {
			return fmt.Errorf("truncate %s: %w", table, err)
		}
	}
	return nil
}

func (tc *PostgresContainer) cleanup() {
	ctx := context.Background()
	if tc.Pool != nil {
		tc.Pool.Close()
	}
	if tc.Container != nil {
		if err := tc.Container.Terminate(ctx); err != nil {
			tc.t.Logf("failed to terminate container: %v", err)
		}
	}
}
