package backtest

import (
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// TradingStats holds statistical data for Kelly Criterion sizing.
type TradingStats struct {
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	AvgWin        decimal.Decimal // average profit per winning trade
	AvgLoss       decimal.Decimal // average loss per losing trade, positive
	WinRate       decimal.Decimal // 0..1
	TotalProfit   decimal.Decimal
	TotalLoss     decimal.Decimal // positive
	LargestWin    decimal.Decimal
	LargestLoss   decimal.Decimal // positive
	WinLossRatio  decimal.Decimal
}

// CalculateStatsFromTrades derives Kelly inputs from a run's closed trades so
// far, for in-memory backtests with no database-backed trade history.
func CalculateStatsFromTrades(trades []Trade) *TradingStats {
	stats := &TradingStats{}
	if len(trades) == 0 {
		return stats
	}

	stats.TotalTrades = len(trades)

	for _, t := range trades {
		pl := t.NetPnL
		if pl.IsPositive() {
			stats.WinningTrades++
			stats.TotalProfit = stats.TotalProfit.Add(pl)
			if pl.GreaterThan(stats.LargestWin) {
				stats.LargestWin = pl
			}
		} else {
			stats.LosingTrades++
			absLoss := pl.Neg()
			stats.TotalLoss = stats.TotalLoss.Add(absLoss)
			if absLoss.GreaterThan(stats.LargestLoss) {
				stats.LargestLoss = absLoss
			}
		}
	}

	if stats.WinningTrades > 0 {
		stats.AvgWin = stats.TotalProfit.Div(decimal.NewFromInt(int64(stats.WinningTrades)))
	}
	if stats.LosingTrades > 0 {
		stats.AvgLoss = stats.TotalLoss.Div(decimal.NewFromInt(int64(stats.LosingTrades)))
	}
	if stats.TotalTrades > 0 {
		stats.WinRate = decimal.NewFromInt(int64(stats.WinningTrades)).Div(decimal.NewFromInt(int64(stats.TotalTrades)))
	}
	if stats.AvgLoss.IsPositive() {
		stats.WinLossRatio = stats.AvgWin.Div(stats.AvgLoss)
	}

	return stats
}

// CalculatePositionSize sizes a position using the Kelly Criterion:
// f* = (p*b - q) / b, where p is win rate, q = 1-p, b is the win/loss ratio.
// kellyFraction scales the raw Kelly percentage down (0.25-0.5 is typical);
// the result is capped to [1%, 25%] of capital for safety and floored to a
// conservative 10% when fewer than 30 trades are available to estimate from.
func CalculatePositionSize(stats *TradingStats, capital, kellyFraction decimal.Decimal) decimal.Decimal {
	conservative := capital.Mul(decimal.NewFromFloat(0.10))

	if stats.TotalTrades < 30 {
		log.Debug().Int("total_trades", stats.TotalTrades).Msg("not enough trades for kelly sizing, using conservative 10%")
		return conservative
	}
	if stats.WinRate.LessThanOrEqual(decimal.Zero) || stats.WinRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		log.Warn().Str("win_rate", stats.WinRate.String()).Msg("invalid win rate for kelly sizing, using conservative 10%")
		return conservative
	}
	if stats.AvgWin.LessThanOrEqual(decimal.Zero) || stats.AvgLoss.LessThanOrEqual(decimal.Zero) {
		log.Warn().Msg("invalid average win/loss for kelly sizing, using conservative 10%")
		return conservative
	}

	p := stats.WinRate
	q := decimal.NewFromInt(1).Sub(p)
	b := stats.WinLossRatio

	kellyPercent := p.Mul(b).Sub(q).Div(b)

	if kellyPercent.LessThanOrEqual(decimal.Zero) {
		log.Warn().Str("kelly_percent", kellyPercent.String()).Msg("negative kelly percentage, no positive edge, using minimal 1%")
		return capital.Mul(decimal.NewFromFloat(0.01))
	}

	adjusted := kellyPercent.Mul(kellyFraction)
	cap25 := decimal.NewFromFloat(0.25)
	floor1 := decimal.NewFromFloat(0.01)
	if adjusted.GreaterThan(cap25) {
		adjusted = cap25
	}
	if adjusted.LessThan(floor1) {
		adjusted = floor1
	}

	return capital.Mul(adjusted)
}

// GetRecommendation interprets a raw Kelly percentage for display purposes.
func GetRecommendation(kellyPercent decimal.Decimal) string {
	percent, _ := kellyPercent.Mul(hundred).Float64()

	switch {
	case percent <= 0:
		return "No position recommended - negative edge (expected value < 0)"
	case percent <= 2:
		return "Very small position - minimal edge"
	case percent <= 5:
		return "Conservative position - moderate edge"
	case percent <= 10:
		return "Standard position - good edge"
	case percent <= 20:
		return "Large position - strong edge (monitor risk carefully)"
	case percent <= 30:
		return "Very large position - exceptional edge (high risk/reward)"
	default:
		return "Warning: extremely large position suggested - verify calculations and consider reducing the kelly fraction"
	}
}
