package backtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// delayedBuyStrategy opens a long on bar index delay and never touches it
// again, letting end-of-data close it. Earlier entries score better on a
// steadily uptrending series, giving optimizers a clear signal to chase.
type delayedBuyStrategy struct {
	delay int
	fired bool
}

func (s *delayedBuyStrategy) OnBar(candle Candle, idx int, position *Position, ctx *MultiTimeframeContext) (*Signal, error) {
	if s.fired || idx < s.delay {
		return nil, nil
	}
	s.fired = true
	return &Signal{Type: SignalOpenLong, Reason: "delayed entry"}, nil
}

func delayedBuyFactory(params ParameterSet) (Strategy, error) {
	delay, _ := params["delay"].(int)
	return &delayedBuyStrategy{delay: delay}, nil
}

func uptrendCandles(n int, start time.Time) []Candle {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = 100 + float64(i)*2
	}
	return makeCandles(closes, start)
}

func TestGridSearchOptimizerFindsBestParameter(t *testing.T) {
	cfg := testConfig()
	candles := uptrendCandles(10, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	params := []*Parameter{{Name: "delay", Type: ParamTypeInt, Min: 0, Max: 3, Step: 1}}
	opt := NewGridSearchOptimizer(delayedBuyFactory, params, MaximizeTotalReturn, cfg)
	opt.SetParallelism(2)

	summary, err := opt.Optimize(context.Background(), candles)
	require.NoError(t, err)
	require.NotNil(t, summary.BestResult)

	assert.Equal(t, "grid_search", summary.Method)
	assert.Equal(t, 4, summary.TotalRuns)
	assert.Equal(t, 0, summary.BestResult.Parameters["delay"])
	assert.LessOrEqual(t, len(summary.TopResults), 10)
}

func TestGridSearchOptimizerNoParametersRunsOnce(t *testing.T) {
	cfg := testConfig()
	candles := uptrendCandles(5, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	opt := NewGridSearchOptimizer(func(ParameterSet) (Strategy, error) { return flatStrategy{}, nil }, nil, MaximizeTotalReturn, cfg)
	summary, err := opt.Optimize(context.Background(), candles)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TotalRuns)
}

func TestWalkForwardOptimizerEmptyWindowsIsSafe(t *testing.T) {
	cfg := testConfig()
	candles := uptrendCandles(5, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	params := []*Parameter{{Name: "delay", Type: ParamTypeInt, Min: 0, Max: 1, Step: 1}}
	opt := NewWalkForwardOptimizer(delayedBuyFactory, params, MaximizeTotalReturn, cfg)
	opt.SetPeriods(180*24*time.Hour, 30*24*time.Hour)

	summary, err := opt.Optimize(context.Background(), candles)
	require.NoError(t, err)
	assert.Nil(t, summary.BestResult)
	assert.Equal(t, "walk_forward", summary.Method)
}

func TestGeneticOptimizerConverges(t *testing.T) {
	cfg := testConfig()
	candles := uptrendCandles(10, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	params := []*Parameter{{Name: "delay", Type: ParamTypeInt, Min: 0, Max: 5, Step: 1}}
	opt := NewGeneticOptimizer(delayedBuyFactory, params, MaximizeTotalReturn, cfg)
	opt.SetSeed(42)
	opt.SetParameters(8, 3, 0.2, 0.25)

	summary, err := opt.Optimize(context.Background(), candles)
	require.NoError(t, err)
	require.NotNil(t, summary.BestResult)
	assert.Equal(t, "genetic_algorithm", summary.Method)
	assert.NotEmpty(t, summary.TopResults)
}

func TestParameterSetClone(t *testing.T) {
	ps := ParameterSet{"a": 1, "b": "x"}
	clone := ps.Clone()
	clone["a"] = 2
	assert.Equal(t, 1, ps["a"])
	assert.Equal(t, 2, clone["a"])
}

func TestObjectiveFunctionsOperateOnMetrics(t *testing.T) {
	m := CalculateMetrics(
		[]Trade{tradeWithPnL(100, time.Now()), tradeWithPnL(-20, time.Now())},
		nil,
		testConfig().InitialCapital,
		1,
	)
	assert.NotPanics(t, func() {
		MaximizeSharpeRatio(m)
		MaximizeSortinoRatio(m)
		MaximizeCalmarRatio(m)
		MaximizeTotalReturn(m)
		MaximizeProfitFactor(m)
		MinimizeDrawdown(m)
		BalancedObjective(m)
	})
}
