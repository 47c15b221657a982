package backtest

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// MoneyColumnMax bounds the DECIMAL(10,4) monetary/ratio columns a run's
	// summary and its trades are persisted into.
	MoneyColumnMax = decimal.RequireFromString("999999.9999")
	// WinRateColumnMax bounds the DECIMAL(5,2) win_rate column.
	WinRateColumnMax = decimal.RequireFromString("99.99")
)

// ClampMoney bounds a decimal to MoneyColumnMax in either direction.
func ClampMoney(d decimal.Decimal) decimal.Decimal {
	switch {
	case d.GreaterThan(MoneyColumnMax):
		return MoneyColumnMax
	case d.LessThan(MoneyColumnMax.Neg()):
		return MoneyColumnMax.Neg()
	default:
		return d
	}
}

// ClampWinRate bounds a decimal to [0, WinRateColumnMax].
func ClampWinRate(d decimal.Decimal) decimal.Decimal {
	switch {
	case d.GreaterThan(WinRateColumnMax):
		return WinRateColumnMax
	case d.LessThan(decimal.Zero):
		return decimal.Zero
	default:
		return d
	}
}

// ClampFloat bounds a float64 destined for a JSON-embedded equity/drawdown
// point, mapping non-finite values to 0 per the persisted-results contract.
func ClampFloat(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	const max = 999999.9999
	if f > max {
		return max
	}
	if f < -max {
		return -max
	}
	return f
}

// EquityPoint is the float64-downsampled equity curve entry stored in the
// results JSON blob. Decimal precision is only needed inside the engine; the
// persistence boundary trades it for compact JSON per the run-results schema.
type EquityPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Equity    float64   `json:"equity"`
}

// DrawdownPoint is a single entry of the downsampled drawdown series.
type DrawdownPoint struct {
	Timestamp       time.Time `json:"timestamp"`
	DrawdownPercent float64   `json:"drawdown_percent"`
}

// TradeRow is the persisted projection of a Trade, stored both inline in the
// results JSON blob and as individual backtest_trades rows for query.
type TradeRow struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Direction  string          `json:"direction"`
	EntryTime  time.Time       `json:"entry_time"`
	ExitTime   time.Time       `json:"exit_time"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	Quantity   decimal.Decimal `json:"quantity"`
	NetPnL     decimal.Decimal `json:"net_pnl"`
	PnLPercent decimal.Decimal `json:"pnl_percent"`
	ExitReason string          `json:"exit_reason"`
}

// BacktestResults is the durable, JSON-serializable projection of a finished
// run: the metrics summary plus the series needed to redraw its charts and
// reconstruct its trade log without replaying the engine.
type BacktestResults struct {
	Metrics        *PerformanceMetrics `json:"metrics"`
	EquityCurve    []EquityPoint       `json:"equity_curve"`
	Drawdowns      []DrawdownPoint     `json:"drawdowns"`
	MonthlyReturns map[string]float64  `json:"monthly_returns"`
	Trades         []TradeRow          `json:"trades"`
	// OverflowWarnings records which fields got column-clamped on the way to
	// persistence, so a run that hit a DECIMAL(10,4) bound is still visible
	// to callers without failing the run outright.
	OverflowWarnings []string `json:"overflow_warnings,omitempty"`
}

func clampedMoney(res *BacktestResults, field string, d decimal.Decimal) decimal.Decimal {
	out := ClampMoney(d)
	if !out.Equal(d) {
		res.OverflowWarnings = append(res.OverflowWarnings, field)
	}
	return out
}

// BuildResults reduces a run's engine output into its persisted projection.
func BuildResults(trades []Trade, equity []EquityCurvePoint, metrics *PerformanceMetrics) *BacktestResults {
	res := &BacktestResults{
		Metrics:        metrics,
		EquityCurve:    make([]EquityPoint, len(equity)),
		Drawdowns:      make([]DrawdownPoint, len(equity)),
		MonthlyReturns: map[string]float64{},
		Trades:         make([]TradeRow, len(trades)),
	}
	for i, p := range equity {
		eq, _ := p.Equity.Float64()
		dd, _ := p.DrawdownPercent.Float64()
		res.EquityCurve[i] = EquityPoint{Timestamp: p.Timestamp, Equity: ClampFloat(eq)}
		res.Drawdowns[i] = DrawdownPoint{Timestamp: p.Timestamp, DrawdownPercent: ClampFloat(dd)}
	}
	for i, t := range trades {
		row := TradeRow{
			ID:         t.ID,
			Symbol:     t.Symbol,
			Direction:  string(t.Direction),
			EntryTime:  t.EntryTime,
			ExitTime:   t.ExitTime,
			EntryPrice: clampedMoney(res, "trade."+t.ID+".entry_price", t.EntryPrice),
			ExitPrice:  clampedMoney(res, "trade."+t.ID+".exit_price", t.ExitPrice),
			Quantity:   t.ExitQuantity,
			NetPnL:     clampedMoney(res, "trade."+t.ID+".net_pnl", t.NetPnL),
			PnLPercent: clampedMoney(res, "trade."+t.ID+".pnl_percent", t.PnLPercent),
			ExitReason: string(t.ExitReason),
		}
		res.Trades[i] = row
		month := t.ExitTime.Format("2006-01")
		pct, _ := t.PnLPercent.Float64()
		res.MonthlyReturns[month] = ClampFloat(res.MonthlyReturns[month] + pct)
	}
	return res
}
