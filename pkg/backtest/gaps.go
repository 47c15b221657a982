package backtest

import "time"

// Gap is a missing, ordered time range [Start, End) in a candle series.
type Gap struct {
	Start time.Time
	End   time.Time
}

// DetectGaps walks an ordered candle list once against the expected interval
// D (one candle per D starting at start), emitting every missing range. If
// candles is empty, the whole [start, end) range is a single gap. A naive
// start is lifted to end's zone before comparison.
func DetectGaps(candles []Candle, start, end time.Time, interval time.Duration) []Gap {
	start = normalizeToZone(start, end)

	if len(candles) == 0 {
		if start.Before(end) {
			return []Gap{{Start: start, End: end}}
		}
		return nil
	}

	var gaps []Gap
	expected := start
	for _, c := range candles {
		if c.OpenTime.After(expected) {
			gaps = append(gaps, Gap{Start: expected, End: c.OpenTime})
		}
		expected = c.OpenTime.Add(interval)
	}
	if expected.Before(end) {
		gaps = append(gaps, Gap{Start: expected, End: end})
	}
	return gaps
}

// normalizeToZone lifts a naive start time to end's timezone when start
// carries no explicit zone offset and end does.
func normalizeToZone(start, end time.Time) time.Time {
	if start.Location() == time.Local && end.Location() != time.Local {
		return time.Date(start.Year(), start.Month(), start.Day(),
			start.Hour(), start.Minute(), start.Second(), start.Nanosecond(), end.Location())
	}
	return start
}
