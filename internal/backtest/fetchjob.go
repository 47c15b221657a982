package backtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	core "github.com/ajitpratap0/futurescast/pkg/backtest"
)

// Chunk is one bounded time range of candles to fetch and persist.
type Chunk struct {
	Symbol    string
	Interval  string
	StartMS   int64
	EndMS     int64
	Attempt   int
}

// ChunkResult is the outcome of fetching and storing one Chunk.
type ChunkResult struct {
	Chunk   Chunk
	Candles []core.Candle
	Err     error
}

// FetchJobConfig tunes the chunk-fetch job's concurrency and resilience.
type FetchJobConfig struct {
	Concurrency     int           // bounded worker pool size, default 48 per spec
	RequestsPerSec  float64       // outbound kline request rate limit
	Burst           int           // rate limiter burst allowance
	BreakerMinReqs  uint32        // circuit breaker min requests before tripping
	BreakerFailRate float64       // circuit breaker failure ratio threshold
	BreakerOpenFor  time.Duration // how long the breaker stays open once tripped
}

// DefaultFetchJobConfig mirrors the exchange circuit breaker defaults the
// teacher uses for live trading, applied here to historical kline fetches.
func DefaultFetchJobConfig() FetchJobConfig {
	return FetchJobConfig{
		Concurrency:     48,
		RequestsPerSec:  10,
		Burst:           20,
		BreakerMinReqs:  5,
		BreakerFailRate: 0.6,
		BreakerOpenFor:  30 * time.Second,
	}
}

// FetchJob is a bounded-concurrency, multi-producer multi-consumer queue that
// backfills gaps in historical candle data from an ExchangeAdapter. Enqueue is
// non-blocking; each worker fetches its chunk once through a circuit breaker
// and reports the result on a channel the caller drains to persist candles as
// they arrive. A failed chunk is reported with its error and is not retried.
type FetchJob struct {
	adapter ExchangeAdapter
	cfg     FetchJobConfig
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewFetchJob builds a fetch job against the given adapter.
func NewFetchJob(adapter ExchangeAdapter, cfg FetchJobConfig) *FetchJob {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "historical_kline_fetch",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     cfg.BreakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= cfg.BreakerMinReqs &&
				float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.BreakerFailRate
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("historical kline fetch circuit breaker changed state")
		},
	})

	return &FetchJob{
		adapter: adapter,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.Burst),
		breaker: breaker,
	}
}

// SplitIntoChunks breaks [startMS, endMS) into consecutive chunks no larger
// than maxCandles*intervalMS each, so no single request exceeds the exchange's
// per-call candle limit.
func SplitIntoChunks(symbol, interval string, startMS, endMS, intervalMS int64, maxCandles int) []Chunk {
	if maxCandles <= 0 {
		maxCandles = 1000
	}
	span := int64(maxCandles) * intervalMS
	chunks := make([]Chunk, 0)
	for cursor := startMS; cursor < endMS; cursor += span {
		end := cursor + span
		if end > endMS {
			end = endMS
		}
		chunks = append(chunks, Chunk{Symbol: symbol, Interval: interval, StartMS: cursor, EndMS: end})
	}
	return chunks
}

// Run fetches every chunk through a bounded worker pool and streams results
// back on the returned channel, which is closed once all chunks complete.
// Each worker owns its own DB-session-equivalent call context; upserts at the
// persistence layer are expected to survive concurrent writes to overlapping
// (symbol, interval, timestamp) ranges via row-level constraints.
func (j *FetchJob) Run(ctx context.Context, chunks []Chunk) <-chan ChunkResult {
	results := make(chan ChunkResult, len(chunks))
	if len(chunks) == 0 {
		close(results)
		return results
	}

	concurrency := j.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 48
	}
	semaphore := make(chan struct{}, concurrency)

	var wg sync.WaitGroup
	for _, chunk := range chunks {
		wg.Add(1)
		go func(c Chunk) {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()
			results <- j.fetchOne(ctx, c)
		}(chunk)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	return results
}

func (j *FetchJob) fetchOne(ctx context.Context, c Chunk) ChunkResult {
	if err := j.limiter.Wait(ctx); err != nil {
		return ChunkResult{Chunk: c, Err: fmt.Errorf("rate limiter wait: %w", err)}
	}

	out, err := j.breaker.Execute(func() (interface{}, error) {
		return j.adapter.GetKlines(ctx, c.Symbol, c.Interval, c.StartMS, c.EndMS, 1500)
	})
	if err != nil {
		log.Error().Err(err).Str("symbol", c.Symbol).Str("interval", c.Interval).
			Int64("start_ms", c.StartMS).Int64("end_ms", c.EndMS).
			Msg("kline chunk fetch failed")
		return ChunkResult{Chunk: c, Err: fmt.Errorf("%w: fetch chunk: %v", core.ErrTransient, err)}
	}

	candles, _ := out.([]core.Candle)
	sort.Slice(candles, func(i, k int) bool { return candles[i].OpenTime.Before(candles[k].OpenTime) })
	return ChunkResult{Chunk: c, Candles: candles}
}
