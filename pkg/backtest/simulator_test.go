package backtest

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func simCandle(open, high, low, close float64) Candle {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return Candle{
		OpenTime:  now,
		CloseTime: now.Add(time.Minute),
		Open:      decimal.NewFromFloat(open),
		High:      decimal.NewFromFloat(high),
		Low:       decimal.NewFromFloat(low),
		Close:     decimal.NewFromFloat(close),
		Volume:    decimal.NewFromInt(100),
	}
}

func baseSimConfig() BacktestConfig {
	return BacktestConfig{
		Symbol:              "BTCUSDT",
		Timeframe:           "1m",
		InitialCapital:      decimal.NewFromInt(10000),
		Leverage:            1,
		SlippageModel:       SlippageNone,
		CommissionModel:     CommissionNone,
		MarketFillPolicy:    MarketFillClose,
		LimitFillPolicy:     LimitFillTouch,
		PricePathAssumption: PricePathNeutral,
	}
}

func TestSimulateMarketFillUsesConfiguredBase(t *testing.T) {
	c := simCandle(100, 105, 95, 102)

	cfg := baseSimConfig()
	cfg.MarketFillPolicy = MarketFillClose
	sim := NewSimulator(cfg)
	fill := sim.SimulateLongEntry(decimal.NewFromInt(1), c.Close, c, c.CloseTime, nil)
	assert.True(t, fill.FilledPrice.Equal(decimal.NewFromInt(102)))

	cfg.MarketFillPolicy = MarketFillLow
	sim = NewSimulator(cfg)
	fill = sim.SimulateLongEntry(decimal.NewFromInt(1), c.Close, c, c.CloseTime, nil)
	assert.True(t, fill.FilledPrice.Equal(decimal.NewFromInt(95)))

	cfg.MarketFillPolicy = MarketFillHigh
	sim = NewSimulator(cfg)
	fill = sim.SimulateLongEntry(decimal.NewFromInt(1), c.Close, c, c.CloseTime, nil)
	assert.True(t, fill.FilledPrice.Equal(decimal.NewFromInt(105)))
}

func TestSimulateLimitFillTouchPolicy(t *testing.T) {
	cfg := baseSimConfig()
	cfg.LimitFillPolicy = LimitFillTouch
	sim := NewSimulator(cfg)

	limit := decimal.NewFromInt(98)

	// Candle low touches the limit: fills at the limit price.
	c := simCandle(100, 101, 97, 99)
	fill := sim.SimulateLongEntry(decimal.NewFromInt(1), c.Close, c, c.CloseTime, &limit)
	assert.False(t, fill.FilledQuantity.IsZero())
	assert.True(t, fill.FilledPrice.Equal(limit))
	assert.Equal(t, "touch", fill.FillConditionsMet)

	// Candle never reaches the limit: rejected.
	c = simCandle(100, 101, 99, 100)
	fill = sim.SimulateLongEntry(decimal.NewFromInt(1), c.Close, c, c.CloseTime, &limit)
	assert.True(t, fill.FilledQuantity.IsZero())
}

func TestSimulateLimitFillGapOpensBeyondLimit(t *testing.T) {
	cfg := baseSimConfig()
	cfg.LimitFillPolicy = LimitFillCross
	sim := NewSimulator(cfg)

	limit := decimal.NewFromInt(98)
	// Opens favorably below the limit (gap down through it).
	c := simCandle(95, 99, 94, 97)
	fill := sim.SimulateLongEntry(decimal.NewFromInt(1), c.Close, c, c.CloseTime, &limit)
	assert.False(t, fill.FilledQuantity.IsZero())
	assert.Equal(t, "gap", fill.FillConditionsMet)
	assert.True(t, fill.FilledPrice.Equal(c.Open))
}

func TestSimulateLimitFillCrossPolicy(t *testing.T) {
	cfg := baseSimConfig()
	cfg.LimitFillPolicy = LimitFillCross
	sim := NewSimulator(cfg)

	limit := decimal.NewFromInt(98)
	// Opens above limit but crosses through it intra-bar.
	c := simCandle(100, 101, 97, 99)
	fill := sim.SimulateLongEntry(decimal.NewFromInt(1), c.Close, c, c.CloseTime, &limit)
	assert.False(t, fill.FilledQuantity.IsZero())
	assert.Equal(t, "cross", fill.FillConditionsMet)
	assert.True(t, fill.FilledPrice.Equal(limit))
}

func TestSimulateLimitFillCrossRejectsWithoutCross(t *testing.T) {
	cfg := baseSimConfig()
	cfg.LimitFillPolicy = LimitFillCross
	sim := NewSimulator(cfg)

	limit := decimal.NewFromInt(98)
	c := simCandle(100, 101, 99, 100) // never reaches 98
	fill := sim.SimulateLongEntry(decimal.NewFromInt(1), c.Close, c, c.CloseTime, &limit)
	assert.True(t, fill.FilledQuantity.IsZero())
}

func TestSlippageModels(t *testing.T) {
	c := simCandle(100, 101, 99, 100)

	cfg := baseSimConfig()
	cfg.SlippageModel = SlippageNone
	sim := NewSimulator(cfg)
	fill := sim.SimulateLongEntry(decimal.NewFromInt(1), c.Close, c, c.CloseTime, nil)
	assert.True(t, fill.Slippage.IsZero())
	assert.True(t, fill.FilledPrice.Equal(c.Close))

	cfg.SlippageModel = SlippageFixed
	cfg.SlippageParameter = decimal.NewFromFloat(0.5)
	sim = NewSimulator(cfg)
	fill = sim.SimulateLongEntry(decimal.NewFromInt(1), c.Close, c, c.CloseTime, nil)
	assert.True(t, fill.Slippage.Equal(decimal.NewFromFloat(0.5)))
	assert.True(t, fill.FilledPrice.Equal(decimal.NewFromFloat(100.5)))

	cfg.SlippageModel = SlippagePercentage
	cfg.SlippageParameter = decimal.NewFromFloat(1) // 1%
	sim = NewSimulator(cfg)
	fill = sim.SimulateLongEntry(decimal.NewFromInt(1), c.Close, c, c.CloseTime, nil)
	assert.True(t, fill.Slippage.Equal(decimal.NewFromFloat(1))) // 1% of 100

	cfg.SlippageModel = SlippageVolumeBased
	sim = NewSimulator(cfg)
	fill = sim.SimulateLongEntry(decimal.NewFromInt(1), c.Close, c, c.CloseTime, nil)
	assert.True(t, fill.Slippage.GreaterThanOrEqual(decimal.Zero))

	cfg.SlippageModel = SlippageRandom
	sim = NewSimulator(cfg)
	fill = sim.SimulateLongEntry(decimal.NewFromInt(1), c.Close, c, c.CloseTime, nil)
	assert.True(t, fill.Slippage.GreaterThanOrEqual(decimal.Zero))
}

// TestSlippageSignByDirection confirms slippage always works against the
// trader: LONG fills worse (higher), SHORT fills worse (lower).
func TestSlippageSignByDirection(t *testing.T) {
	c := simCandle(100, 101, 99, 100)
	cfg := baseSimConfig()
	cfg.SlippageModel = SlippageFixed
	cfg.SlippageParameter = decimal.NewFromFloat(0.5)
	sim := NewSimulator(cfg)

	long := sim.SimulateLongEntry(decimal.NewFromInt(1), c.Close, c, c.CloseTime, nil)
	short := sim.SimulateShortEntry(decimal.NewFromInt(1), c.Close, c, c.CloseTime, nil)

	assert.True(t, long.FilledPrice.GreaterThan(c.Close))
	assert.True(t, short.FilledPrice.LessThan(c.Close))
}

func TestCommissionModels(t *testing.T) {
	c := simCandle(100, 101, 99, 100)

	cfg := baseSimConfig()
	cfg.CommissionModel = CommissionNone
	sim := NewSimulator(cfg)
	fill := sim.SimulateLongEntry(decimal.NewFromInt(10), c.Close, c, c.CloseTime, nil)
	assert.True(t, fill.Commission.IsZero())

	cfg.CommissionModel = CommissionFixed
	cfg.CommissionParameter = decimal.NewFromFloat(2.5)
	sim = NewSimulator(cfg)
	fill = sim.SimulateLongEntry(decimal.NewFromInt(10), c.Close, c, c.CloseTime, nil)
	assert.True(t, fill.Commission.Equal(decimal.NewFromFloat(2.5)))

	cfg.CommissionModel = CommissionFixedRate
	cfg.CommissionParameter = decimal.NewFromFloat(0.04) // 0.04%
	sim = NewSimulator(cfg)
	fill = sim.SimulateLongEntry(decimal.NewFromInt(10), c.Close, c, c.CloseTime, nil)
	// notional = 10 * 100 = 1000, commission = 1000 * 0.04 / 100 = 0.4
	assert.True(t, fill.Commission.Equal(decimal.NewFromFloat(0.4)))

	cfg.CommissionModel = CommissionTiered
	cfg.CommissionParameter = decimal.NewFromFloat(0.04)
	sim = NewSimulator(cfg)

	small := sim.SimulateLongEntry(decimal.NewFromFloat(5), c.Close, c, c.CloseTime, nil) // notional 500 < 1000
	assert.True(t, small.Commission.Equal(decimal.NewFromFloat(500).Mul(decimal.NewFromFloat(0.06)).Div(hundred)))

	mid := sim.SimulateLongEntry(decimal.NewFromInt(50), c.Close, c, c.CloseTime, nil) // notional 5000
	assert.True(t, mid.Commission.Equal(decimal.NewFromFloat(5000).Mul(decimal.NewFromFloat(0.04)).Div(hundred)))

	large := sim.SimulateLongEntry(decimal.NewFromInt(200), c.Close, c, c.CloseTime, nil) // notional 20000
	assert.True(t, large.Commission.Equal(decimal.NewFromFloat(20000).Mul(decimal.NewFromFloat(0.03)).Div(hundred)))
}

func TestSimulateExitFlipsSideConventions(t *testing.T) {
	c := simCandle(100, 101, 99, 100)
	cfg := baseSimConfig()
	cfg.SlippageModel = SlippageFixed
	cfg.SlippageParameter = decimal.NewFromFloat(0.5)
	sim := NewSimulator(cfg)

	// Closing a LONG sells into the bid: filled price should move down, same
	// as a SHORT entry would.
	exitLong := sim.SimulateExit(DirectionLong, decimal.NewFromInt(1), c.Close, c, c.CloseTime, nil)
	assert.True(t, exitLong.FilledPrice.LessThan(c.Close))

	exitShort := sim.SimulateExit(DirectionShort, decimal.NewFromInt(1), c.Close, c, c.CloseTime, nil)
	assert.True(t, exitShort.FilledPrice.GreaterThan(c.Close))
}
