package backtest

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openedLong(t *testing.T, qty, price float64, leverage int) *Position {
	t.Helper()
	pos := &Position{Symbol: "BTCUSDT"}
	err := pos.Open(DirectionLong, decimal.NewFromFloat(qty), decimal.NewFromFloat(price),
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), leverage, decimal.Zero, decimal.Zero)
	require.NoError(t, err)
	return pos
}

func TestOpenRejectsWhenAlreadyOpen(t *testing.T) {
	pos := openedLong(t, 1, 100, 10)
	err := pos.Open(DirectionLong, decimal.NewFromInt(1), decimal.NewFromInt(100), time.Now(), 10, decimal.Zero, decimal.Zero)
	assert.ErrorIs(t, err, ErrPrecondition)
}

func TestScaleInRecomputesVolumeWeightedAvgEntry(t *testing.T) {
	pos := openedLong(t, 1, 100, 10)
	err := pos.ScaleIn(decimal.NewFromInt(1), decimal.NewFromInt(120), decimal.Zero)
	require.NoError(t, err)

	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(2)))
	assert.True(t, pos.AvgEntryPrice.Equal(decimal.NewFromInt(110)))
	// Margin rescales with the new notional at the same leverage.
	assert.True(t, pos.IsolatedMargin.Equal(decimal.NewFromInt(22)))
}

func TestScaleInRejectsWhenFlat(t *testing.T) {
	pos := &Position{Symbol: "BTCUSDT"}
	err := pos.ScaleIn(decimal.NewFromInt(1), decimal.NewFromInt(100), decimal.Zero)
	assert.ErrorIs(t, err, ErrPrecondition)
}

func TestLiquidationPriceLong(t *testing.T) {
	pos := openedLong(t, 1, 100, 100)
	// IsolatedMargin = notional/leverage = 100/100 = 1; marginPerUnit = 1.
	// price = 100 * 1.005 - 1 = 99.5
	got := pos.LiquidationPrice()
	assert.True(t, got.Equal(decimal.NewFromFloat(99.5)), "got %s", got)
}

func TestLiquidationPriceShort(t *testing.T) {
	pos := &Position{Symbol: "BTCUSDT"}
	err := pos.Open(DirectionShort, decimal.NewFromInt(1), decimal.NewFromInt(100), time.Now(), 100, decimal.Zero, decimal.Zero)
	require.NoError(t, err)
	got := pos.LiquidationPrice()
	// price = 100 * 0.995 + 1 = 100.5
	assert.True(t, got.Equal(decimal.NewFromFloat(100.5)), "got %s", got)
}

func TestLiquidationPriceFlatIsZero(t *testing.T) {
	pos := &Position{Symbol: "BTCUSDT"}
	assert.True(t, pos.LiquidationPrice().IsZero())
}

func TestUpdateTrailingRatchetsInPositionFavor(t *testing.T) {
	pos := openedLong(t, 1, 100, 10)
	pct := decimal.NewFromInt(5)
	pos.TrailingStopPercent = &pct

	pos.UpdateTrailing(decimal.NewFromInt(110), decimal.NewFromInt(105))
	require.NotNil(t, pos.TrailingStopPrice)
	first := *pos.TrailingStopPrice
	assert.True(t, first.Equal(decimal.NewFromFloat(104.5))) // 110 * 0.95

	// A lower high must never pull the stop back down.
	pos.UpdateTrailing(decimal.NewFromInt(108), decimal.NewFromInt(106))
	assert.True(t, pos.TrailingStopPrice.Equal(first))

	// A new high ratchets the stop up again.
	pos.UpdateTrailing(decimal.NewFromInt(120), decimal.NewFromInt(115))
	assert.True(t, pos.TrailingStopPrice.Equal(decimal.NewFromInt(114))) // 120 * 0.95
}

func TestUpdateTrailingShortRatchetsDown(t *testing.T) {
	pos := &Position{Symbol: "BTCUSDT"}
	require.NoError(t, pos.Open(DirectionShort, decimal.NewFromInt(1), decimal.NewFromInt(100), time.Now(), 10, decimal.Zero, decimal.Zero))
	pct := decimal.NewFromInt(5)
	pos.TrailingStopPercent = &pct

	pos.UpdateTrailing(decimal.NewFromInt(92), decimal.NewFromInt(90))
	require.NotNil(t, pos.TrailingStopPrice)
	first := *pos.TrailingStopPrice
	assert.True(t, first.Equal(decimal.NewFromFloat(94.5))) // 90 * 1.05

	// A higher low must never push the stop back up.
	pos.UpdateTrailing(decimal.NewFromInt(95), decimal.NewFromInt(93))
	assert.True(t, pos.TrailingStopPrice.Equal(first))
}

func TestUpdateIntraTradeExtremesTracksMAEMFE(t *testing.T) {
	pos := openedLong(t, 1, 100, 10)
	pos.UpdateIntraTradeExtremes(decimal.NewFromInt(110), decimal.NewFromInt(95))

	assert.True(t, pos.MaxRunupROE.GreaterThan(decimal.Zero))
	assert.True(t, pos.MaxDrawdownROE.LessThan(decimal.Zero))
}

func TestPartialCloseSplitsCostsByProportion(t *testing.T) {
	pos := openedLong(t, 2, 100, 10)
	pos.EntryCommission = decimal.NewFromInt(10)
	pos.EntrySlippage = decimal.NewFromInt(2)

	cfg := testConfig()
	trade, err := pos.PartialClose(decimal.NewFromInt(1), decimal.NewFromInt(110), time.Now(), ExitSignal, cfg, "market", "")
	require.NoError(t, err)

	assert.True(t, trade.EntryCommission.Equal(decimal.NewFromInt(5)))
	assert.True(t, trade.EntrySlippage.Equal(decimal.NewFromInt(1)))
	assert.True(t, trade.GrossPnL.Equal(decimal.NewFromInt(10)))
	assert.False(t, pos.IsFlat())
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(1)))
}

func TestCloseExhaustsPositionToFlat(t *testing.T) {
	pos := openedLong(t, 1, 100, 10)
	cfg := testConfig()
	trade, err := pos.Close(decimal.NewFromInt(105), time.Now(), ExitTakeProfit, cfg, "market", "tp touched")
	require.NoError(t, err)

	assert.True(t, pos.IsFlat())
	assert.Equal(t, ExitTakeProfit, trade.ExitReason)
	// TP exits book the maker rate, not taker.
	assert.True(t, trade.MakerFee.GreaterThan(decimal.Zero))
	assert.True(t, trade.TakerFee.IsZero())
}

func TestCloseRejectsWhenFlat(t *testing.T) {
	pos := &Position{Symbol: "BTCUSDT"}
	_, err := pos.Close(decimal.NewFromInt(100), time.Now(), ExitSignal, testConfig(), "market", "")
	assert.ErrorIs(t, err, ErrPrecondition)
}

func TestApplyFundingChargesLongCreditsShort(t *testing.T) {
	long := openedLong(t, 1, 100, 1)
	long.Quantity = decimal.NewFromInt(100)
	long.AvgEntryPrice = decimal.NewFromInt(100) // notional 10,000

	delta := long.ApplyFunding(decimal.NewFromFloat(0.03))
	// 10,000 * 0.0003 / 3 = 1.0, equity decreases for a LONG.
	assert.True(t, delta.Equal(decimal.NewFromFloat(-1)), "got %s", delta)
	assert.True(t, long.AccumulatedFunding.Equal(decimal.NewFromFloat(1)))

	short := &Position{Symbol: "BTCUSDT"}
	require.NoError(t, short.Open(DirectionShort, decimal.NewFromInt(100), decimal.NewFromInt(100), time.Now(), 1, decimal.Zero, decimal.Zero))
	delta = short.ApplyFunding(decimal.NewFromFloat(0.03))
	assert.True(t, delta.Equal(decimal.NewFromFloat(1)), "got %s", delta)
}

func TestRecomputeLevelsDerivesFromROEPercent(t *testing.T) {
	slPct := decimal.NewFromInt(10)
	tpPct := decimal.NewFromInt(20)
	sl, tp := RecomputeLevels(DirectionLong, decimal.NewFromInt(100), 10, &slPct, &tpPct)

	require.NotNil(t, sl)
	require.NotNil(t, tp)
	// adj = pct/100/leverage = 10/100/10 = 0.01 -> sl = 100*(1-0.01) = 99
	assert.True(t, sl.Equal(decimal.NewFromInt(99)))
	// adj = 20/100/10 = 0.02 -> tp = 100*(1+0.02) = 102
	assert.True(t, tp.Equal(decimal.NewFromInt(102)))
}
