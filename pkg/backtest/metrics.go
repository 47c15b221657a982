package backtest

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

const (
	riskFreeRatePct = 2.0
	tradingDays     = 252.0
)

// EquityCurvePoint is one sample of the equity curve. The engine records one
// every 60th candle and on the last candle, plus a second point for the last
// candle when an end-of-data close settles a still-open position.
type EquityCurvePoint struct {
	Timestamp       time.Time
	Equity          decimal.Decimal
	Cash            decimal.Decimal
	PositionsValue  decimal.Decimal
	Drawdown        decimal.Decimal
	DrawdownPercent decimal.Decimal
	ReturnPercent   decimal.Decimal
}

// PerformanceMetrics is the frozen output of the metrics calculator.
type PerformanceMetrics struct {
	TotalReturn     decimal.Decimal
	AnnualReturn    decimal.Decimal
	CAGR            decimal.Decimal
	Sharpe          decimal.Decimal
	Sortino         decimal.Decimal
	Calmar          decimal.Decimal
	MaxDrawdown     decimal.Decimal
	MaxDDDurationDays int
	Volatility        decimal.Decimal
	DownsideDeviation decimal.Decimal

	WinRate       decimal.Decimal
	ProfitFactor  decimal.Decimal
	PayoffRatio   decimal.Decimal
	ExpectedValue decimal.Decimal

	TotalTrades    int
	WinningTrades  int
	LosingTrades   int
	BreakEvenTrades int

	AverageWin  decimal.Decimal
	AverageLoss decimal.Decimal
	LargestWin  decimal.Decimal
	LargestLoss decimal.Decimal

	MaxConsecutiveWins   int
	MaxConsecutiveLosses int

	AverageExposurePercent decimal.Decimal
	MaxSimultaneousPositions int

	RiskOfRuin decimal.Decimal
}

// CalculateMetrics reduces a run's closed trades and equity curve into a
// PerformanceMetrics. Trades must be ordered by exit time. Empty input
// returns zeros in every field except RiskOfRuin, which is 100 because the
// win rate is zero; it is never an error.
func CalculateMetrics(trades []Trade, equityCurve []EquityCurvePoint, initialCapital decimal.Decimal, durationDays float64) *PerformanceMetrics {
	m := &PerformanceMetrics{}
	if initialCapital.IsZero() {
		return m
	}

	var finalEquity decimal.Decimal
	if len(equityCurve) > 0 {
		finalEquity = equityCurve[len(equityCurve)-1].Equity
	} else {
		finalEquity = initialCapital
	}

	totalReturnPct := finalEquity.Sub(initialCapital).Div(initialCapital).Mul(hundred)
	m.TotalReturn = totalReturnPct

	years := durationDays / 365.25
	if years > 0 {
		m.AnnualReturn = totalReturnPct.Div(decimal.NewFromFloat(durationDays / 365.25))

		finalF, _ := finalEquity.Float64()
		initF, _ := initialCapital.Float64()
		if initF > 0 && finalF/initF > 0 {
			cagr := (math.Pow(finalF/initF, 1.0/years) - 1.0) * 100.0
			m.CAGR = decimal.NewFromFloat(cagr)
		}
	}

	calculateTradeStatistics(m, trades)
	calculateRiskMetrics(m, equityCurve)

	annualReturnF, _ := m.AnnualReturn.Float64()
	volF, _ := m.Volatility.Float64()
	if volF != 0 {
		m.Sharpe = decimal.NewFromFloat((annualReturnF - riskFreeRatePct) / volF)
	}
	downsideF, _ := m.DownsideDeviation.Float64()
	if downsideF != 0 {
		m.Sortino = decimal.NewFromFloat((annualReturnF - riskFreeRatePct) / downsideF)
	}
	maxDDF, _ := m.MaxDrawdown.Float64()
	if maxDDF != 0 {
		m.Calmar = decimal.NewFromFloat(annualReturnF / math.Abs(maxDDF))
	}

	if durationDays > 0 {
		var exposureSeconds decimal.Decimal
		for _, t := range trades {
			exposureSeconds = exposureSeconds.Add(decimal.NewFromFloat(t.ExitTime.Sub(t.EntryTime).Seconds()))
		}
		totalSeconds := decimal.NewFromFloat(durationDays * 86400)
		if !totalSeconds.IsZero() {
			m.AverageExposurePercent = exposureSeconds.Div(totalSeconds).Mul(hundred)
		}
	}

	m.RiskOfRuin = calculateRiskOfRuin(m)

	return m
}

func calculateTradeStatistics(m *PerformanceMetrics, trades []Trade) {
	m.TotalTrades = len(trades)
	if m.TotalTrades == 0 {
		return
	}

	var totalWin, totalLoss decimal.Decimal
	var consecWins, consecLosses int

	for _, t := range trades {
		switch {
		case t.NetPnL.IsPositive():
			m.WinningTrades++
			totalWin = totalWin.Add(t.NetPnL)
			if t.NetPnL.GreaterThan(m.LargestWin) {
				m.LargestWin = t.NetPnL
			}
			consecWins++
			consecLosses = 0
		case t.NetPnL.IsNegative():
			m.LosingTrades++
			totalLoss = totalLoss.Add(t.NetPnL.Neg())
			if t.NetPnL.LessThan(m.LargestLoss) {
				m.LargestLoss = t.NetPnL
			}
			consecLosses++
			consecWins = 0
		default:
			m.BreakEvenTrades++
			consecWins = 0
			consecLosses = 0
		}
		if consecWins > m.MaxConsecutiveWins {
			m.MaxConsecutiveWins = consecWins
		}
		if consecLosses > m.MaxConsecutiveLosses {
			m.MaxConsecutiveLosses = consecLosses
		}
	}

	total := decimal.NewFromInt(int64(m.TotalTrades))
	m.WinRate = decimal.NewFromInt(int64(m.WinningTrades)).Div(total).Mul(hundred)

	if m.WinningTrades > 0 {
		m.AverageWin = totalWin.Div(decimal.NewFromInt(int64(m.WinningTrades)))
	}
	if m.LosingTrades > 0 {
		m.AverageLoss = totalLoss.Div(decimal.NewFromInt(int64(m.LosingTrades)))
	}
	if !totalLoss.IsZero() {
		m.ProfitFactor = totalWin.Div(totalLoss)
	}
	if !m.AverageLoss.IsZero() {
		m.PayoffRatio = m.AverageWin.Div(m.AverageLoss)
	}

	winProb := decimal.NewFromInt(int64(m.WinningTrades)).Div(total)
	lossProb := decimal.NewFromInt(int64(m.LosingTrades)).Div(total)
	m.ExpectedValue = winProb.Mul(m.AverageWin).Sub(lossProb.Mul(m.AverageLoss))
}

func calculateRiskMetrics(m *PerformanceMetrics, equityCurve []EquityCurvePoint) {
	if len(equityCurve) < 2 {
		return
	}

	var returns, negativeReturns []float64
	for i := 1; i < len(equityCurve); i++ {
		prev, _ := equityCurve[i-1].Equity.Float64()
		cur, _ := equityCurve[i].Equity.Float64()
		if prev == 0 {
			continue
		}
		r := (cur - prev) / prev
		returns = append(returns, r)
		if r < 0 {
			negativeReturns = append(negativeReturns, r)
		}
	}

	m.Volatility = decimal.NewFromFloat(stdev(returns) * math.Sqrt(tradingDays) * 100.0)
	m.DownsideDeviation = decimal.NewFromFloat(stdev(negativeReturns) * math.Sqrt(tradingDays) * 100.0)

	maxDD := 0.0
	ddDuration := 0
	for _, p := range equityCurve {
		ddPct, _ := p.DrawdownPercent.Float64()
		if math.Abs(ddPct) > maxDD {
			maxDD = math.Abs(ddPct)
		}
		if ddPct < 0 {
			ddDuration++
		}
	}
	m.MaxDrawdown = decimal.NewFromFloat(maxDD)
	m.MaxDDDurationDays = ddDuration
}

func stdev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sumSq float64
	for _, v := range values {
		diff := v - mean
		sumSq += diff * diff
	}
	return math.Sqrt(sumSq / float64(len(values)))
}

// calculateRiskOfRuin is the simplified estimate spec'd: 100 when the edge
// is degenerate (no win rate or no payoff), 50 at the payoff==1 boundary,
// otherwise min((p_loss/p_win)^payoff * 100, 100).
func calculateRiskOfRuin(m *PerformanceMetrics) decimal.Decimal {
	winRateF, _ := m.WinRate.Float64()
	payoffF, _ := m.PayoffRatio.Float64()

	if winRateF == 0 || payoffF == 0 {
		return decimal.NewFromInt(100)
	}
	if math.Abs(payoffF-1) < 1e-9 {
		return decimal.NewFromInt(50)
	}

	pWin := winRateF / 100.0
	pLoss := 1 - pWin
	if pWin == 0 {
		return decimal.NewFromInt(100)
	}

	ruin := math.Pow(pLoss/pWin, payoffF) * 100.0
	if ruin > 100 {
		ruin = 100
	}
	return decimal.NewFromFloat(ruin)
}
