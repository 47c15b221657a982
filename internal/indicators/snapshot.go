package indicators

import (
	"fmt"

	core "github.com/ajitpratap0/futurescast/pkg/backtest"
)

// Snapshot bundles the current reading of every indicator this package
// wraps, computed over a single candle series. cmd/backtest prints one of
// these alongside a run's performance report so a trader can sanity-check
// what the underlying indicators were doing at the end of the window,
// without re-running the engine.
type Snapshot struct {
	EMAFast   *EMAResult
	EMASlow   *EMAResult
	RSI       *RSIResult
	MACD      *MACDResult
	Bollinger *BollingerBandsResult
	ADX       *ADXResult
}

// BuildSnapshot runs every indicator in the package against a closed candle
// series and returns their most recent readings. Candles shorter than an
// indicator's warmup period leave that field nil rather than failing the
// whole snapshot.
func (s *Service) BuildSnapshot(candles []core.Candle, emaFast, emaSlow, rsiPeriod int) (*Snapshot, error) {
	if len(candles) == 0 {
		return nil, fmt.Errorf("cannot build indicator snapshot from zero candles")
	}

	closes := make([]interface{}, len(candles))
	highs := make([]interface{}, len(candles))
	lows := make([]interface{}, len(candles))
	for i, c := range candles {
		f, _ := c.Close.Float64()
		closes[i] = f
		h, _ := c.High.Float64()
		highs[i] = h
		l, _ := c.Low.Float64()
		lows[i] = l
	}

	snap := &Snapshot{}

	if res, err := s.CalculateEMA(map[string]interface{}{"prices": closes, "period": emaFast}); err == nil {
		snap.EMAFast = res.(*EMAResult)
	}
	if res, err := s.CalculateEMA(map[string]interface{}{"prices": closes, "period": emaSlow}); err == nil {
		snap.EMASlow = res.(*EMAResult)
	}
	if res, err := s.CalculateRSI(map[string]interface{}{"prices": closes, "period": rsiPeriod}); err == nil {
		snap.RSI = res.(*RSIResult)
	}
	if res, err := s.CalculateMACD(map[string]interface{}{"prices": closes}); err == nil {
		snap.MACD = res.(*MACDResult)
	}
	if res, err := s.CalculateBollingerBands(map[string]interface{}{"prices": closes}); err == nil {
		snap.Bollinger = res.(*BollingerBandsResult)
	}
	if res, err := s.CalculateADX(map[string]interface{}{"high": highs, "low": lows, "close": closes}); err == nil {
		snap.ADX = res.(*ADXResult)
	}

	return snap, nil
}
