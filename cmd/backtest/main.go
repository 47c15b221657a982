// Backtest Runner CLI
// Replays historical candles against a strategy and prints a performance report.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	backtestdb "github.com/ajitpratap0/futurescast/internal/backtest"
	"github.com/ajitpratap0/futurescast/internal/config"
	"github.com/ajitpratap0/futurescast/internal/indicators"
	core "github.com/ajitpratap0/futurescast/pkg/backtest"
)

// ============================================================================
// CLI FLAGS
// ============================================================================

var (
	strategyName = flag.String("strategy", "", "Strategy name (ema-cross, rsi-reversion)")
	symbol       = flag.String("symbol", "BTCUSDT", "Symbol to trade, exchange notation (e.g. BTCUSDT)")
	timeframe    = flag.String("timeframe", "1h", "Base candle timeframe")

	startDate = flag.String("start", "", "Start date (YYYY-MM-DD), required")
	endDate   = flag.String("end", "", "End date (YYYY-MM-DD), required")

	initialCapital = flag.Float64("capital", 10000.0, "Initial capital, quote currency")
	leverage       = flag.Int("leverage", 1, "Leverage, 1-125")

	takerFee = flag.Float64("taker-fee", 0.04, "Taker fee rate, percent (0.04 = 0.04%)")
	makerFee = flag.Float64("maker-fee", 0.02, "Maker fee rate, percent (0.02 = 0.02%)")

	marketFillPolicy = flag.String("market-fill-policy", "close", "Market order fill price: close, low, high")
	limitFillPolicy  = flag.String("limit-fill-policy", "touch", "Limit order fill gate: touch, cross, cross_volume")
	pricePath        = flag.String("price-path", "neutral", "Same-candle SL/TP resolution: neutral, optimistic, realistic")

	sizingMethod = flag.String("sizing", "PERCENT_EQUITY", "Position sizing method (FIXED_SIZE, FIXED_VALUE, PERCENT_EQUITY, KELLY, VOLATILITY, RISK_AMOUNT)")
	sizingValue  = flag.Float64("sizing-value", 0.1, "Sizing parameter, interpreted per sizing method")

	stopLossPct   = flag.Float64("stop-loss-pct", 0, "Stop loss percent, 0 disables")
	takeProfitPct = flag.Float64("take-profit-pct", 0, "Take profit percent, 0 disables")

	collectFundingFee = flag.Bool("collect-funding-fee", false, "Apply perpetual funding fees at each funding interval")
	fundingRateDaily  = flag.Float64("funding-rate-daily", 0.03, "Daily funding rate, percent (0.03 = 0.03%), charged/credited in three installments")

	// EMA cross strategy parameters
	emaFast = flag.Int("ema-fast", 12, "ema-cross: fast EMA period")
	emaSlow = flag.Int("ema-slow", 26, "ema-cross: slow EMA period")

	// RSI reversion strategy parameters
	rsiPeriod     = flag.Int("rsi-period", 14, "rsi-reversion: lookback period")
	rsiOversold   = flag.Float64("rsi-oversold", 30, "rsi-reversion: oversold threshold")
	rsiOverbought = flag.Float64("rsi-overbought", 70, "rsi-reversion: overbought threshold")

	repair      = flag.Bool("repair", false, "Fetch missing candles from the exchange to fill gaps before replay")
	waitForData = flag.Bool("wait-for-data", false, "Block until repaired gaps land, polling the store")
	maxWaitSecs = flag.Int("max-wait-seconds", 600, "Upper bound on -wait-for-data polling")

	persist = flag.Bool("persist", false, "Persist the run and its results to Postgres via DATABASE_URL")
	userID  = flag.String("user-id", "cli", "User ID recorded on a persisted run")

	verbose = flag.Bool("verbose", false, "Enable debug logging")

	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("backtest " + config.GetVersion())
		return
	}

	logLevel := "info"
	if *verbose {
		logLevel = "debug"
	}
	config.InitLogger(logLevel, "console")

	if *strategyName == "" || *startDate == "" || *endDate == "" {
		fmt.Fprintln(os.Stderr, "Error: -strategy, -start and -end are required")
		fmt.Fprintln(os.Stderr, "\nExample:")
		fmt.Fprintln(os.Stderr, "  backtest -strategy=ema-cross -symbol=BTCUSDT -timeframe=1h -start=2024-01-01 -end=2024-12-31")
		flag.Usage()
		os.Exit(1)
	}

	start, err := time.Parse("2006-01-02", *startDate)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid -start date, expected YYYY-MM-DD")
	}
	end, err := time.Parse("2006-01-02", *endDate)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid -end date, expected YYYY-MM-DD")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, start, end); err != nil {
		log.Fatal().Err(err).Msg("backtest failed")
	}
}

func run(ctx context.Context, start, end time.Time) error {
	cfg, err := buildConfig()
	if err != nil {
		return fmt.Errorf("build config: %w", err)
	}

	strategy, err := buildStrategy(*strategyName)
	if err != nil {
		return fmt.Errorf("build strategy: %w", err)
	}

	candles, pool, err := loadCandles(ctx, cfg.Symbol, cfg.Timeframe, start, end)
	if err != nil {
		return fmt.Errorf("load candles: %w", err)
	}
	if pool != nil {
		defer pool.Close()
	}
	if len(candles) == 0 {
		return fmt.Errorf("no candles available for %s %s in [%s, %s]", cfg.Symbol, cfg.Timeframe, start, end)
	}

	metrics := core.NewEngineMetrics(prometheus.NewRegistry())
	engine, err := core.NewEngine(cfg, metrics)
	if err != nil {
		return fmt.Errorf("new engine: %w", err)
	}

	var runRecord *core.BacktestRun
	var repo *backtestdb.PgRepository
	if *persist {
		if pool == nil {
			return fmt.Errorf("-persist requires DATABASE_URL to be set")
		}
		repo = backtestdb.NewPgRepositoryWithPool(pool)
		runRecord = &core.BacktestRun{
			ID:         fmt.Sprintf("cli-%d", time.Now().UnixNano()),
			UserID:     *userID,
			StrategyID: *strategyName,
			Symbol:     cfg.Symbol,
			Timeframe:  cfg.Timeframe,
			StartDate:  start,
			EndDate:    end,
			Config:     cfg,
			Status:     core.RunPending,
			CreatedAt:  time.Now(),
		}
		if err := repo.CreateRun(ctx, runRecord); err != nil {
			return fmt.Errorf("create run record: %w", err)
		}
		if err := runRecord.Transition(core.RunRunning, time.Now()); err != nil {
			return err
		}
		if err := repo.UpdateStatus(ctx, runRecord); err != nil {
			return fmt.Errorf("mark run running: %w", err)
		}
	}

	progress := func(percent int, message string) {
		log.Info().Int("percent", percent).Str("message", message).Msg("progress")
		if repo != nil && runRecord != nil {
			runRecord.ProgressPercent = percent
			runRecord.StatusMessage = message
			if err := repo.UpdateStatus(ctx, runRecord); err != nil {
				log.Warn().Err(err).Msg("failed to persist progress")
			}
		}
	}

	status, runErr := engine.Run(ctx, candles, strategy, progress)

	durationDays := end.Sub(start).Hours() / 24
	perfMetrics := core.CalculateMetrics(engine.Trades, engine.EquityCurve, cfg.InitialCapital, durationDays)
	printReport(cfg, status, perfMetrics, len(engine.Trades))
	printIndicatorSnapshot(candles)

	if repo != nil && runRecord != nil {
		if transErr := runRecord.Transition(statusFor(status), time.Now()); transErr != nil {
			log.Warn().Err(transErr).Msg("unexpected run status transition")
		}
		if runErr != nil {
			runRecord.ErrorMessage = runErr.Error()
		}
		if updErr := repo.UpdateStatus(ctx, runRecord); updErr != nil {
			log.Warn().Err(updErr).Msg("failed to persist final status")
		}
		results := core.BuildResults(engine.Trades, engine.EquityCurve, perfMetrics)
		if saveErr := repo.SaveResults(ctx, runRecord, results); saveErr != nil {
			log.Warn().Err(saveErr).Msg("failed to persist results")
		} else {
			log.Info().Str("run_id", runRecord.ID).Msg("run persisted")
		}
	}

	return runErr
}

func statusFor(status core.RunStatus) core.RunStatus {
	switch status {
	case core.RunCompleted, core.RunFailed, core.RunCancelled:
		return status
	default:
		return core.RunFailed
	}
}

// ============================================================================
// CONFIG / STRATEGY CONSTRUCTION
// ============================================================================

func buildConfig() (core.BacktestConfig, error) {
	var slPct, tpPct *decimal.Decimal
	if *stopLossPct > 0 {
		v := decimal.NewFromFloat(*stopLossPct)
		slPct = &v
	}
	if *takeProfitPct > 0 {
		v := decimal.NewFromFloat(*takeProfitPct)
		tpPct = &v
	}

	cfg := core.BacktestConfig{
		Symbol:               strings.ToUpper(*symbol),
		Timeframe:            *timeframe,
		InitialCapital:       decimal.NewFromFloat(*initialCapital),
		Leverage:             *leverage,
		TakerFeeRate:         decimal.NewFromFloat(*takerFee),
		MakerFeeRate:         decimal.NewFromFloat(*makerFee),
		CommissionModel:      core.CommissionFixedRate,
		CommissionParameter:  decimal.NewFromFloat(*takerFee),
		SlippageModel:        core.SlippageNone,
		PositionSizingMethod: core.PositionSizingMethod(strings.ToUpper(*sizingMethod)),
		PositionSizingValue:  decimal.NewFromFloat(*sizingValue),
		StopLossPercent:      slPct,
		TakeProfitPercent:    tpPct,
		PricePathAssumption:  core.PricePathAssumption(*pricePath),
		MarketFillPolicy:     core.MarketFillPolicy(*marketFillPolicy),
		LimitFillPolicy:      core.LimitFillPolicy(*limitFillPolicy),
		CollectFundingFee:    *collectFundingFee,
		FundingRateDaily:     decimal.NewFromFloat(*fundingRateDaily),
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func buildStrategy(name string) (core.Strategy, error) {
	switch strings.ToLower(name) {
	case "ema-cross":
		return core.NewEmaCrossStrategy(*emaFast, *emaSlow)
	case "rsi-reversion":
		return core.NewRsiReversionStrategy(*rsiPeriod, decimal.NewFromFloat(*rsiOversold), decimal.NewFromFloat(*rsiOverbought))
	default:
		return nil, fmt.Errorf("unknown strategy %q (available: ema-cross, rsi-reversion)", name)
	}
}

// ============================================================================
// DATA LOADING
// ============================================================================

// loadCandles wires the repository/cache/fetch-job stack together when
// DATABASE_URL is set, falling back to fetching directly from the exchange
// (no persistence, no gap repair) otherwise. Returns the pool so the caller
// can reuse it for -persist and close it on exit.
func loadCandles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]core.Candle, *pgxpool.Pool, error) {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Warn().Msg("DATABASE_URL not set; fetching directly from the exchange with no persistence or gap repair")
		adapter := backtestdb.NewBinanceKlineAdapter(os.Getenv("BINANCE_API_KEY"), os.Getenv("BINANCE_SECRET_KEY"), false)
		fetcher := backtestdb.NewFetchJob(adapter, backtestdb.DefaultFetchJobConfig())
		intervalMinutes, err := core.TimeframeMinutes(timeframe)
		if err != nil {
			return nil, nil, err
		}
		intervalMS := intervalMinutes * int64(time.Minute/time.Millisecond)
		chunks := backtestdb.SplitIntoChunks(symbol, timeframe, start.UnixMilli(), end.UnixMilli(), intervalMS, 1500)
		var candles []core.Candle
		for res := range fetcher.Run(ctx, chunks) {
			if res.Err != nil {
				return nil, nil, fmt.Errorf("fetch chunk starting %d: %w", res.Chunk.StartMS, res.Err)
			}
			candles = append(candles, res.Candles...)
		}
		return candles, nil, nil
	}

	pool, err := connectPool(ctx, databaseURL)
	if err != nil {
		return nil, nil, err
	}

	store := backtestdb.NewPgCandleStore(pool)
	adapter := backtestdb.NewBinanceKlineAdapter(os.Getenv("BINANCE_API_KEY"), os.Getenv("BINANCE_SECRET_KEY"), false)
	fetcher := backtestdb.NewFetchJob(adapter, backtestdb.DefaultFetchJobConfig())

	var cache *backtestdb.CandleCache
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		cache = newRedisCache(redisAddr)
	}

	service := backtestdb.NewHistoricalDataService(store, fetcher, cache)
	candles, err := service.GetHistoricalCandles(ctx, symbol, timeframe, start, end, backtestdb.HistoricalDataOptions{
		Repair:              *repair,
		WaitForData:         *waitForData,
		MaxWaitSeconds:      *maxWaitSecs,
		PollIntervalSeconds: 5,
		Progress:            func(percent int, message string) { log.Info().Int("percent", percent).Msg(message) },
	})
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return candles, pool, nil
}

func connectPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// ============================================================================
// REPORTING
// ============================================================================

func printReport(cfg core.BacktestConfig, status core.RunStatus, m *core.PerformanceMetrics, tradeCount int) {
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("Backtest Report: %s %s\n", cfg.Symbol, cfg.Timeframe)
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("Status:          %s\n", status)
	fmt.Printf("Initial Capital: %s\n", cfg.InitialCapital.StringFixed(2))
	fmt.Printf("Total Trades:    %d\n", tradeCount)
	if m == nil {
		return
	}
	fmt.Printf("Win Rate:        %s%%\n", m.WinRate.StringFixed(2))
	fmt.Printf("Total Return:    %s%%\n", m.TotalReturn.StringFixed(2))
	fmt.Printf("Profit Factor:   %s\n", m.ProfitFactor.StringFixed(2))
	fmt.Printf("Max Drawdown:    %s%%\n", m.MaxDrawdown.StringFixed(2))
	fmt.Printf("Sharpe Ratio:    %s\n", m.Sharpe.StringFixed(2))
	fmt.Println(strings.Repeat("=", 60))
}

// printIndicatorSnapshot prints the final reading of each wrapped indicator
// over the replayed series, a quick sanity check independent of the
// strategy's own signal logic.
func printIndicatorSnapshot(candles []core.Candle) {
	snap, err := indicators.NewService().BuildSnapshot(candles, *emaFast, *emaSlow, *rsiPeriod)
	if err != nil {
		log.Warn().Err(err).Msg("indicator snapshot unavailable")
		return
	}
	fmt.Println("Indicator Snapshot (final bar):")
	if snap.EMAFast != nil {
		fmt.Printf("  EMA(%d):        %.4f (%s)\n", *emaFast, snap.EMAFast.Value, snap.EMAFast.Trend)
	}
	if snap.EMASlow != nil {
		fmt.Printf("  EMA(%d):        %.4f (%s)\n", *emaSlow, snap.EMASlow.Value, snap.EMASlow.Trend)
	}
	if snap.RSI != nil {
		fmt.Printf("  RSI(%d):        %.2f (%s)\n", *rsiPeriod, snap.RSI.Value, snap.RSI.Signal)
	}
	if snap.MACD != nil {
		fmt.Printf("  MACD:           %.4f / signal %.4f (%s)\n", snap.MACD.MACD, snap.MACD.Signal, snap.MACD.Crossover)
	}
	if snap.Bollinger != nil {
		fmt.Printf("  Bollinger:      upper %.4f / mid %.4f / lower %.4f\n", snap.Bollinger.Upper, snap.Bollinger.Middle, snap.Bollinger.Lower)
	}
	if snap.ADX != nil {
		fmt.Printf("  ADX(%d):        %.2f\n", 14, snap.ADX.Value)
	}
	fmt.Println(strings.Repeat("=", 60))
}

func newRedisCache(addr string) *backtestdb.CandleCache {
	ttlSeconds := 300
	if v := os.Getenv("REDIS_CANDLE_TTL_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			ttlSeconds = parsed
		}
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: os.Getenv("REDIS_PASSWORD")})
	return backtestdb.NewCandleCache(client, time.Duration(ttlSeconds)*time.Second)
}
