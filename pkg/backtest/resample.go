package backtest

import (
	"fmt"
	"time"
)

// timeframeMinutes are the supported fixed-minute intervals. There is no
// monthly entry; a monthly label is rejected as unknown.
var timeframeMinutes = map[string]int64{
	"1m":   1,
	"3m":   3,
	"5m":   5,
	"15m":  15,
	"30m":  30,
	"1h":   60,
	"2h":   120,
	"4h":   240,
	"6h":   360,
	"8h":   480,
	"12h":  720,
	"1d":   1440,
	"3d":   4320,
	"1w":   10080,
}

// TimeframeMinutes returns the period, in minutes, of a supported timeframe
// label, or an error if the label is unknown.
func TimeframeMinutes(timeframe string) (int64, error) {
	m, ok := timeframeMinutes[timeframe]
	if !ok {
		return 0, fmt.Errorf("%w: unknown timeframe %q", ErrValidation, timeframe)
	}
	return m, nil
}

// WindowStart returns the higher-timeframe window start for a unix-minute
// timestamp and a period in minutes: floor(unix_minutes / P) * P.
func WindowStart(t time.Time, periodMinutes int64) time.Time {
	unixMinutes := t.Unix() / 60
	windowStartMinutes := (unixMinutes / periodMinutes) * periodMinutes
	return time.Unix(windowStartMinutes*60, 0).UTC()
}

// Resample aggregates a chronologically ordered series of 1-minute candles
// into higher-timeframe candles of period P minutes. Resampling to 1m must
// return the input unchanged (idempotence).
func Resample(candles []Candle, timeframe string) ([]Candle, error) {
	period, err := TimeframeMinutes(timeframe)
	if err != nil {
		return nil, err
	}
	if period == 1 {
		out := make([]Candle, len(candles))
		copy(out, candles)
		return out, nil
	}
	if len(candles) == 0 {
		return nil, nil
	}

	var out []Candle
	var cur *Candle
	var windowStart time.Time

	flush := func() {
		if cur != nil {
			out = append(out, *cur)
		}
	}

	for _, c := range candles {
		ws := WindowStart(c.OpenTime, period)
		if cur == nil || !ws.Equal(windowStart) {
			flush()
			windowStart = ws
			next := Candle{
				OpenTime:         ws,
				CloseTime:        ws.Add(time.Duration(period) * time.Minute),
				Open:             c.Open,
				High:             c.High,
				Low:              c.Low,
				Close:            c.Close,
				Volume:           c.Volume,
				QuoteVolume:      c.QuoteVolume,
				TradeCount:       c.TradeCount,
				TakerBuyVolume:   c.TakerBuyVolume,
				TakerBuyQuoteVol: c.TakerBuyQuoteVol,
			}
			cur = &next
			continue
		}

		cur.Close = c.Close
		cur.CloseTime = c.CloseTime
		if c.High.GreaterThan(cur.High) {
			cur.High = c.High
		}
		if c.Low.LessThan(cur.Low) {
			cur.Low = c.Low
		}
		cur.Volume = cur.Volume.Add(c.Volume)
		cur.QuoteVolume = cur.QuoteVolume.Add(c.QuoteVolume)
		cur.TradeCount += c.TradeCount
		cur.TakerBuyVolume = cur.TakerBuyVolume.Add(c.TakerBuyVolume)
		cur.TakerBuyQuoteVol = cur.TakerBuyQuoteVol.Add(c.TakerBuyQuoteVol)
	}
	flush()

	return out, nil
}

// ResampleAll precomputes every required higher timeframe up front, keyed by
// timeframe label, for the multi-timeframe engine loop.
func ResampleAll(candles []Candle, timeframes []string) (map[string][]Candle, error) {
	out := make(map[string][]Candle, len(timeframes))
	for _, tf := range timeframes {
		htf, err := Resample(candles, tf)
		if err != nil {
			return nil, err
		}
		out[tf] = htf
	}
	return out, nil
}

// CandlesInWindow returns the 1-minute candles belonging to the HTF window
// starting at htfStart: candles with htfStart <= t < htfStart + P.
func CandlesInWindow(oneMinute []Candle, htfStart time.Time, periodMinutes int64) []Candle {
	end := htfStart.Add(time.Duration(periodMinutes) * time.Minute)
	var out []Candle
	for _, c := range oneMinute {
		if !c.OpenTime.Before(htfStart) && c.OpenTime.Before(end) {
			out = append(out, c)
		}
	}
	return out
}

// NextWindowCandles returns the 1-minute candles of the window immediately
// following htfStart. Used to avoid look-ahead when executing on a signal
// produced by the bar that just closed.
func NextWindowCandles(oneMinute []Candle, htfStart time.Time, periodMinutes int64) []Candle {
	nextStart := htfStart.Add(time.Duration(periodMinutes) * time.Minute)
	return CandlesInWindow(oneMinute, nextStart, periodMinutes)
}
