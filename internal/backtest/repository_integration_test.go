package backtest_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	backtestdb "github.com/ajitpratap0/futurescast/internal/backtest"
	"github.com/ajitpratap0/futurescast/internal/backtest/testhelpers"
	core "github.com/ajitpratap0/futurescast/pkg/backtest"
)

func TestRunLifecycleAgainstRealPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping testcontainers integration test in -short mode")
	}

	tc := testhelpers.SetupTestDatabase(t)
	require.NoError(t, tc.ApplyMigrations("../../migrations"))

	repo := backtestdb.NewPgRepositoryWithPool(tc.Pool)
	ctx := context.Background()

	run := &core.BacktestRun{
		ID:         "it-run-1",
		UserID:     "it-user",
		StrategyID: "ema-cross",
		Symbol:     "BTCUSDT",
		Timeframe:  "1h",
		StartDate:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:    time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		Config:     core.BacktestConfig{Symbol: "BTCUSDT", Timeframe: "1h", InitialCapital: decimal.NewFromInt(10000), Leverage: 1},
		Status:     core.RunPending,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, repo.CreateRun(ctx, run))

	fetched, err := repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.Symbol, fetched.Symbol)
	assert.Equal(t, core.RunPending, fetched.Status)

	require.NoError(t, run.Transition(core.RunRunning, time.Now()))
	require.NoError(t, repo.UpdateStatus(ctx, run))

	running, err := repo.ListRunning(ctx)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, run.ID, running[0].ID)

	require.NoError(t, run.Transition(core.RunCompleted, time.Now()))
	require.NoError(t, repo.UpdateStatus(ctx, run))

	results := core.BuildResults(
		[]core.Trade{{ID: "t1", Symbol: "BTCUSDT", Direction: core.DirectionLong, ExitTime: time.Now(), PnLPercent: decimal.NewFromInt(3)}},
		[]core.EquityCurvePoint{{Timestamp: time.Now(), Equity: decimal.NewFromInt(10300)}},
		&core.PerformanceMetrics{TotalTrades: 1, WinningTrades: 1},
	)
	require.NoError(t, repo.SaveResults(ctx, run, results))

	saved, err := repo.GetResults(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, saved.Trades, 1)
	assert.Equal(t, "t1", saved.Trades[0].ID)

	count, err := repo.CountByUser(ctx, run.UserID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, tc.TruncateAllTables())
}

func TestCandleStoreRoundTripAgainstRealPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping testcontainers integration test in -short mode")
	}

	tc := testhelpers.SetupTestDatabase(t)
	require.NoError(t, tc.ApplyMigrations("../../migrations"))

	store := backtestdb.NewPgCandleStore(tc.Pool)
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	candle := core.Candle{
		OpenTime: base, CloseTime: base.Add(time.Minute),
		Open: decimal.NewFromInt(100), High: decimal.NewFromInt(101),
		Low: decimal.NewFromInt(99), Close: decimal.NewFromInt(100),
		Volume: decimal.NewFromInt(5),
	}
	require.NoError(t, store.UpsertCandles(ctx, "BTCUSDT", "1m", []core.Candle{candle}))

	got, err := store.GetCandles(ctx, "BTCUSDT", "1m", base.Add(-time.Minute), base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Open.Equal(candle.Open))

	_, known, err := store.GetEarliestAvailable(ctx, "BTCUSDT", "1m")
	require.NoError(t, err)
	assert.False(t, known)

	require.NoError(t, store.SetEarliestAvailable(ctx, "BTCUSDT", "1m", base))
	earliest, known, err := store.GetEarliestAvailable(ctx, "BTCUSDT", "1m")
	require.NoError(t, err)
	require.True(t, known)
	assert.True(t, earliest.Equal(base))

	require.NoError(t, tc.TruncateAllTables())
}
