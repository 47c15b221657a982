package backtest

import "github.com/shopspring/decimal"

// SizingInputs bundles the live values a sizing method needs beyond the
// frozen config: current equity, the candle's reference price, available
// cash, and (for the volatility method) a normalized volatility measure such
// as ATR/price. KellyStats is only consulted for SizingKelly.
type SizingInputs struct {
	Equity           decimal.Decimal
	Price            decimal.Decimal
	AvailableCapital decimal.Decimal
	Volatility       decimal.Decimal // e.g. ATR / price; zero disables the adjustment
	KellyStats       *TradingStats
}

// CalculateQuantity derives an order quantity from the config's sizing
// method, then applies the capital and leverage caps common to all methods:
// first cap notional at available capital (pre-leverage), then scale by
// leverage, then cap the leveraged margin requirement at available capital.
func CalculateQuantity(cfg BacktestConfig, in SizingInputs) decimal.Decimal {
	raw := rawQuantity(cfg, in)
	if raw.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}

	if !cfg.MaxPositionSize.IsZero() && raw.GreaterThan(cfg.MaxPositionSize) {
		raw = cfg.MaxPositionSize
	}

	notional := raw.Mul(in.Price)
	if notional.GreaterThan(in.AvailableCapital) && !in.Price.IsZero() {
		raw = in.AvailableCapital.Div(in.Price)
	}

	leverage := decimal.NewFromInt(int64(maxInt(cfg.Leverage, 1)))
	leveraged := raw.Mul(leverage)

	leveragedNotional := leveraged.Mul(in.Price)
	leveragedMarginRequired := leveragedNotional.Div(leverage)
	if leveragedMarginRequired.GreaterThan(in.AvailableCapital) && !in.Price.IsZero() {
		leveraged = in.AvailableCapital.Mul(leverage).Div(in.Price)
	}

	return leveraged
}

func rawQuantity(cfg BacktestConfig, in SizingInputs) decimal.Decimal {
	switch cfg.PositionSizingMethod {
	case SizingFixedSize:
		return cfg.PositionSizingValue

	case SizingFixedValue, SizingRiskAmount:
		if in.Price.IsZero() {
			return decimal.Zero
		}
		return cfg.PositionSizingValue.Div(in.Price)

	case SizingPercentEquity:
		if in.Price.IsZero() {
			return decimal.Zero
		}
		dollarAmount := in.Equity.Mul(cfg.PositionSizingValue).Div(hundred)
		return dollarAmount.Div(in.Price)

	case SizingVolatility:
		if in.Price.IsZero() {
			return decimal.Zero
		}
		dollarAmount := in.Equity.Mul(cfg.PositionSizingValue).Div(hundred)
		if in.Volatility.IsPositive() {
			dollarAmount = dollarAmount.Div(in.Volatility)
		}
		return dollarAmount.Div(in.Price)

	case SizingKelly:
		if in.Price.IsZero() || in.KellyStats == nil {
			return decimal.Zero
		}
		kellyFraction := cfg.PositionSizingValue
		if kellyFraction.IsZero() {
			kellyFraction = decimal.NewFromFloat(0.5)
		}
		dollarAmount := CalculatePositionSize(in.KellyStats, in.Equity, kellyFraction)
		return dollarAmount.Div(in.Price)

	default:
		return decimal.Zero
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
