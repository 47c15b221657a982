package backtest

import (
	"context"
	"fmt"
	"strings"
	"time"

	core "github.com/ajitpratap0/futurescast/pkg/backtest"
)

// earliestGlobalCandle clamps any historical request to this floor, mirroring
// the exchange's own listing history.
var earliestGlobalCandle = time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC)

// CandleStore is the read/write candle persistence the service fetches from
// and repairs into. A thin seam so tests can swap in an in-memory store
// without standing up Postgres.
type CandleStore interface {
	GetCandles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]core.Candle, error)
	UpsertCandles(ctx context.Context, symbol, timeframe string, candles []core.Candle) error
	GetEarliestAvailable(ctx context.Context, symbol, timeframe string) (time.Time, bool, error)
	SetEarliestAvailable(ctx context.Context, symbol, timeframe string, t time.Time) error
}

// ProgressFunc reports percent-complete [0,100] and a human message while
// waiting for gap repair to land. Must be non-blocking.
type ProgressFunc func(percent int, message string)

// HistoricalDataOptions tunes a single GetHistoricalCandles call.
type HistoricalDataOptions struct {
	Limit               int
	Repair              bool
	WaitForData         bool
	MaxWaitSeconds       int
	PollIntervalSeconds  int
	Progress            ProgressFunc
}

// HistoricalDataService resolves a requested candle range into a gap-free
// series, repairing the store from the exchange when asked and optionally
// blocking until the repair lands.
type HistoricalDataService struct {
	store   CandleStore
	fetcher *FetchJob
	cache   *CandleCache
}

// NewHistoricalDataService wires a store, fetch job and optional cache
// together. cache may be nil (always-miss).
func NewHistoricalDataService(store CandleStore, fetcher *FetchJob, cache *CandleCache) *HistoricalDataService {
	return &HistoricalDataService{store: store, fetcher: fetcher, cache: cache}
}

// GetHistoricalCandles implements the §4.H algorithm: normalize, clamp,
// probe earliest-available once, load from the store, detect gaps, optionally
// repair and optionally wait for the repair to land.
func (s *HistoricalDataService) GetHistoricalCandles(ctx context.Context, symbol, timeframe string, start, end time.Time, opts HistoricalDataOptions) ([]core.Candle, error) {
	symbol = strings.ReplaceAll(symbol, "/", "")
	start, end = start.UTC(), end.UTC()
	if start.Before(earliestGlobalCandle) {
		start = earliestGlobalCandle
	}
	if !start.Before(end) {
		return nil, nil
	}

	if _, known, err := s.store.GetEarliestAvailable(ctx, symbol, timeframe); err != nil {
		return nil, fmt.Errorf("probe earliest available: %w", err)
	} else if !known && s.fetcher != nil {
		if earliestMS, err := s.fetcher.adapter.GetEarliestValidTimestamp(ctx, symbol, timeframe); err == nil && earliestMS > 0 {
			if err := s.store.SetEarliestAvailable(ctx, symbol, timeframe, time.UnixMilli(earliestMS)); err != nil {
				return nil, fmt.Errorf("persist earliest available: %w", err)
			}
		}
	}

	if cached, hit := s.cache.Get(ctx, symbol, timeframe, start.UnixMilli(), end.UnixMilli()); hit {
		return cached, nil
	}

	candles, err := s.store.GetCandles(ctx, symbol, timeframe, start, end)
	if err != nil {
		return nil, fmt.Errorf("load candles from store: %w", err)
	}

	periodMinutes, err := core.TimeframeMinutes(timeframe)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrValidation, err)
	}
	interval := time.Duration(periodMinutes) * time.Minute
	gaps := core.DetectGaps(candles, start, end, interval)
	if len(gaps) == 0 {
		s.cache.Set(ctx, symbol, timeframe, start.UnixMilli(), end.UnixMilli(), candles)
		return candles, nil
	}
	if !opts.Repair {
		return candles, nil
	}
	if s.fetcher == nil {
		return nil, fmt.Errorf("%w: repair requested but no fetch job configured", core.ErrValidation)
	}

	if err := s.repair(ctx, symbol, timeframe, gaps, interval, opts); err != nil {
		return nil, err
	}

	final, err := s.store.GetCandles(ctx, symbol, timeframe, start, end)
	if err != nil {
		return nil, fmt.Errorf("reload candles after repair: %w", err)
	}
	s.cache.Invalidate(ctx, symbol, timeframe, start.UnixMilli(), end.UnixMilli())
	return final, nil
}

func (s *HistoricalDataService) repair(ctx context.Context, symbol, timeframe string, gaps []core.Gap, interval time.Duration, opts HistoricalDataOptions) error {
	intervalMS := interval.Milliseconds()
	var chunks []Chunk
	for _, g := range gaps {
		chunks = append(chunks, SplitIntoChunks(symbol, timeframe, g.Start.UnixMilli(), g.End.UnixMilli(), intervalMS, 1500)...)
	}
	if len(chunks) == 0 {
		return nil
	}

	initialGapSeconds := 0.0
	for _, g := range gaps {
		initialGapSeconds += g.End.Sub(g.Start).Seconds()
	}

	results := s.fetcher.Run(ctx, chunks)
	for res := range results {
		if res.Err != nil {
			continue
		}
		if err := s.store.UpsertCandles(ctx, symbol, timeframe, res.Candles); err != nil {
			return fmt.Errorf("upsert repaired candles: %w", err)
		}
	}

	if !opts.WaitForData {
		return nil
	}
	return s.waitForRepair(ctx, symbol, timeframe, gaps, interval, initialGapSeconds, opts)
}

func (s *HistoricalDataService) waitForRepair(ctx context.Context, symbol, timeframe string, gaps []core.Gap, interval time.Duration, initialGapSeconds float64, opts HistoricalDataOptions) error {
	maxWait := opts.MaxWaitSeconds
	if maxWait <= 0 {
		maxWait = 600
	}
	pollEvery := opts.PollIntervalSeconds
	if pollEvery <= 0 {
		pollEvery = 5
	}

	deadline := time.Now().Add(time.Duration(maxWait) * time.Second)
	ticker := time.NewTicker(time.Duration(pollEvery) * time.Second)
	defer ticker.Stop()

	for {
		remaining := 0.0
		var anyData bool
		for _, g := range gaps {
			candles, err := s.store.GetCandles(ctx, symbol, timeframe, g.Start, g.End)
			if err != nil {
				return fmt.Errorf("poll candles for repair wait: %w", err)
			}
			if len(candles) > 0 {
				anyData = true
			}
			currentGaps := core.DetectGaps(candles, g.Start, g.End, interval)
			for _, cg := range currentGaps {
				remaining += cg.End.Sub(cg.Start).Seconds()
			}
		}

		if opts.Progress != nil && initialGapSeconds > 0 {
			percent := int((initialGapSeconds - remaining) / initialGapSeconds * 100)
			opts.Progress(percent, "waiting for historical data repair")
		}

		if remaining == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			if !anyData {
				return fmt.Errorf("%w: no historical data available for %s %s after %ds", core.ErrData, symbol, timeframe, maxWait)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
