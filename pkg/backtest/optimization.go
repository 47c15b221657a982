// Parameter optimization for backtesting strategies.
package backtest

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ============================================================================
// PARAMETER DEFINITION
// ============================================================================

// Parameter represents a tunable parameter for strategy optimization.
type Parameter struct {
	Name   string    `json:"name"`
	Type   ParamType `json:"type"`
	Min    float64   `json:"min"`
	Max    float64   `json:"max"`
	Step   float64   `json:"step"`
	Values []string  `json:"values"`
}

// ParamType defines the type of parameter.
type ParamType string

const (
	ParamTypeInt    ParamType = "int"
	ParamTypeFloat  ParamType = "float"
	ParamTypeBool   ParamType = "bool"
	ParamTypeString ParamType = "string"
)

// ParameterSet represents a set of parameter values bound to a strategy factory.
type ParameterSet map[string]interface{}

// Clone creates a deep copy of the parameter set.
func (ps ParameterSet) Clone() ParameterSet {
	clone := make(ParameterSet, len(ps))
	for k, v := range ps {
		clone[k] = v
	}
	return clone
}

// ============================================================================
// OPTIMIZATION RESULT
// ============================================================================

// OptimizationResult is the outcome of one backtest run under one parameter set.
type OptimizationResult struct {
	Parameters    ParameterSet        `json:"parameters"`
	Metrics       *PerformanceMetrics `json:"metrics"`
	Score         float64             `json:"score"`
	Rank          int                 `json:"rank"`
	IsOutOfSample bool                `json:"is_out_sample"`
}

// OptimizationSummary summarizes an optimization run.
type OptimizationSummary struct {
	Method          string                `json:"method"`
	TotalRuns       int                   `json:"total_runs"`
	Duration        time.Duration         `json:"duration"`
	BestResult      *OptimizationResult   `json:"best_result"`
	TopResults      []*OptimizationResult `json:"top_results"`
	ParameterRanges []*Parameter          `json:"parameter_ranges"`
	ObjectiveMetric string                `json:"objective_metric"`
	StartDate       time.Time             `json:"start_date"`
	EndDate         time.Time             `json:"end_date"`
}

// ============================================================================
// OBJECTIVE FUNCTIONS
// ============================================================================

// ObjectiveFunction calculates a fitness score from a completed run's metrics.
type ObjectiveFunction func(*PerformanceMetrics) float64

func f64(d interface{ Float64() (float64, bool) }) float64 {
	v, _ := d.Float64()
	return v
}

var (
	// MaximizeSharpeRatio optimizes for risk-adjusted returns.
	MaximizeSharpeRatio ObjectiveFunction = func(m *PerformanceMetrics) float64 {
		return f64(m.Sharpe)
	}

	// MaximizeSortinoRatio optimizes for downside risk-adjusted returns.
	MaximizeSortinoRatio ObjectiveFunction = func(m *PerformanceMetrics) float64 {
		return f64(m.Sortino)
	}

	// MaximizeCalmarRatio optimizes for return over max drawdown.
	MaximizeCalmarRatio ObjectiveFunction = func(m *PerformanceMetrics) float64 {
		return f64(m.Calmar)
	}

	// MaximizeTotalReturn optimizes for absolute returns.
	MaximizeTotalReturn ObjectiveFunction = func(m *PerformanceMetrics) float64 {
		return f64(m.TotalReturn)
	}

	// MaximizeProfitFactor optimizes for gross profit over gross loss.
	MaximizeProfitFactor ObjectiveFunction = func(m *PerformanceMetrics) float64 {
		return f64(m.ProfitFactor)
	}

	// MinimizeDrawdown optimizes for low drawdown.
	MinimizeDrawdown ObjectiveFunction = func(m *PerformanceMetrics) float64 {
		return -f64(m.MaxDrawdown)
	}

	// BalancedObjective combines multiple metrics: 40% Sharpe, 30% win rate, 30% Calmar.
	BalancedObjective ObjectiveFunction = func(m *PerformanceMetrics) float64 {
		sharpe := math.Max(0, f64(m.Sharpe))
		winRate := f64(m.WinRate) / 100.0
		calmar := math.Max(0, f64(m.Calmar))
		return 0.4*sharpe + 0.3*winRate + 0.3*calmar
	}
)

// ============================================================================
// STRATEGY FACTORY
// ============================================================================

// StrategyFactory builds a Strategy bound to one parameter set.
type StrategyFactory func(params ParameterSet) (Strategy, error)

// runSingleBacktest runs one Engine over candles under params and reduces it
// to an OptimizationResult. A nil return means the run could not be scored.
func runSingleBacktest(ctx context.Context, factory StrategyFactory, cfg BacktestConfig, objective ObjectiveFunction, params ParameterSet, candles []Candle) *OptimizationResult {
	strategy, err := factory(params)
	if err != nil {
		log.Warn().Err(err).Msg("failed to build strategy from parameter set")
		return nil
	}

	engine, err := NewEngine(cfg, nil)
	if err != nil {
		log.Warn().Err(err).Msg("failed to build engine for optimization run")
		return nil
	}

	if _, err := engine.Run(ctx, candles, strategy, nil); err != nil {
		log.Warn().Err(err).Msg("optimization backtest failed")
		return nil
	}

	durationDays := 0.0
	if len(candles) > 1 {
		durationDays = candles[len(candles)-1].OpenTime.Sub(candles[0].OpenTime).Hours() / 24.0
	}
	metrics := CalculateMetrics(engine.Trades, engine.EquityCurve, cfg.InitialCapital, durationDays)

	return &OptimizationResult{
		Parameters: params,
		Metrics:    metrics,
		Score:      objective(metrics),
	}
}

// ============================================================================
// GRID SEARCH OPTIMIZER
// ============================================================================

// GridSearchOptimizer performs exhaustive grid search over parameter space.
type GridSearchOptimizer struct {
	factory   StrategyFactory
	params    []*Parameter
	objective ObjectiveFunction
	config    BacktestConfig
	parallel  int
}

// NewGridSearchOptimizer creates a new grid search optimizer.
func NewGridSearchOptimizer(factory StrategyFactory, params []*Parameter, objective ObjectiveFunction, config BacktestConfig) *GridSearchOptimizer {
	return &GridSearchOptimizer{
		factory:   factory,
		params:    params,
		objective: objective,
		config:    config,
		parallel:  4,
	}
}

// SetParallelism sets the number of parallel workers.
func (opt *GridSearchOptimizer) SetParallelism(n int) {
	opt.parallel = n
}

// Optimize performs grid search optimization over candles.
func (opt *GridSearchOptimizer) Optimize(ctx context.Context, candles []Candle) (*OptimizationSummary, error) {
	startTime := time.Now()

	log.Info().
		Int("parameters", len(opt.params)).
		Int("parallel", opt.parallel).
		Msg("starting grid search optimization")

	combinations := opt.generateCombinations()
	totalRuns := len(combinations)

	log.Info().Int("combinations", totalRuns).Msg("generated parameter combinations")

	results := make([]*OptimizationResult, 0, totalRuns)
	resultsChan := make(chan *OptimizationResult, totalRuns)
	semaphore := make(chan struct{}, opt.parallel)

	var wg sync.WaitGroup
	for i, paramSet := range combinations {
		wg.Add(1)
		go func(idx int, ps ParameterSet) {
			defer wg.Done()

			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			result := runSingleBacktest(ctx, opt.factory, opt.config, opt.objective, ps, candles)
			if result != nil {
				resultsChan <- result
			}

			if (idx+1)%10 == 0 || idx == totalRuns-1 {
				log.Info().
					Int("completed", idx+1).
					Int("total", totalRuns).
					Msgf("grid search progress: %.1f%%", float64(idx+1)/float64(totalRuns)*100)
			}
		}(i, paramSet)
	}

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	for result := range resultsChan {
		results = append(results, result)
	}

	if len(results) == 0 {
		return &OptimizationSummary{Method: "grid_search", TotalRuns: totalRuns, Duration: time.Since(startTime), ParameterRanges: opt.params}, nil
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	for i, result := range results {
		result.Rank = i + 1
	}

	summary := &OptimizationSummary{
		Method:          "grid_search",
		TotalRuns:       totalRuns,
		Duration:        time.Since(startTime),
		ParameterRanges: opt.params,
		ObjectiveMetric: "custom",
		BestResult:      results[0],
	}

	topN := 10
	if len(results) < topN {
		topN = len(results)
	}
	summary.TopResults = results[:topN]

	log.Info().
		Int("total_runs", totalRuns).
		Float64("best_score", summary.BestResult.Score).
		Dur("duration", summary.Duration).
		Msg("grid search optimization complete")

	return summary, nil
}

// generateCombinations generates all parameter combinations.
func (opt *GridSearchOptimizer) generateCombinations() []ParameterSet {
	if len(opt.params) == 0 {
		return []ParameterSet{{}}
	}
	return opt.generateCombinationsRecursive(0, ParameterSet{})
}

func (opt *GridSearchOptimizer) generateCombinationsRecursive(paramIdx int, current ParameterSet) []ParameterSet {
	if paramIdx >= len(opt.params) {
		return []ParameterSet{current.Clone()}
	}

	param := opt.params[paramIdx]
	var combinations []ParameterSet

	switch param.Type {
	case ParamTypeInt:
		for v := param.Min; v <= param.Max; v += param.Step {
			newSet := current.Clone()
			newSet[param.Name] = int(v)
			combinations = append(combinations, opt.generateCombinationsRecursive(paramIdx+1, newSet)...)
		}
	case ParamTypeFloat:
		for v := param.Min; v <= param.Max; v += param.Step {
			newSet := current.Clone()
			newSet[param.Name] = v
			combinations = append(combinations, opt.generateCombinationsRecursive(paramIdx+1, newSet)...)
		}
	case ParamTypeBool:
		for _, v := range []bool{false, true} {
			newSet := current.Clone()
			newSet[param.Name] = v
			combinations = append(combinations, opt.generateCombinationsRecursive(paramIdx+1, newSet)...)
		}
	case ParamTypeString:
		for _, v := range param.Values {
			newSet := current.Clone()
			newSet[param.Name] = v
			combinations = append(combinations, opt.generateCombinationsRecursive(paramIdx+1, newSet)...)
		}
	}

	return combinations
}

// ============================================================================
// WALK-FORWARD OPTIMIZER
// ============================================================================

// WalkForwardOptimizer performs walk-forward analysis: optimize on an
// in-sample window, score on the following out-of-sample window, then slide.
type WalkForwardOptimizer struct {
	factory         StrategyFactory
	params          []*Parameter
	objective       ObjectiveFunction
	config          BacktestConfig
	inSamplePeriod  time.Duration
	outSamplePeriod time.Duration
	parallel        int
}

// NewWalkForwardOptimizer creates a new walk-forward optimizer.
func NewWalkForwardOptimizer(factory StrategyFactory, params []*Parameter, objective ObjectiveFunction, config BacktestConfig) *WalkForwardOptimizer {
	return &WalkForwardOptimizer{
		factory:         factory,
		params:          params,
		objective:       objective,
		config:          config,
		inSamplePeriod:  180 * 24 * time.Hour,
		outSamplePeriod: 30 * 24 * time.Hour,
		parallel:        4,
	}
}

// SetPeriods sets the in-sample and out-of-sample window lengths.
func (opt *WalkForwardOptimizer) SetPeriods(inSample, outSample time.Duration) {
	opt.inSamplePeriod = inSample
	opt.outSamplePeriod = outSample
}

// WalkForwardWindow is one training/testing pair.
type WalkForwardWindow struct {
	InSampleStart  time.Time
	InSampleEnd    time.Time
	OutSampleStart time.Time
	OutSampleEnd   time.Time
}

// Optimize performs walk-forward optimization over candles.
func (opt *WalkForwardOptimizer) Optimize(ctx context.Context, candles []Candle) (*OptimizationSummary, error) {
	startTime := time.Now()

	log.Info().
		Dur("in_sample", opt.inSamplePeriod).
		Dur("out_sample", opt.outSamplePeriod).
		Msg("starting walk-forward optimization")

	startDate, endDate := dataTimeRange(candles)
	windows := opt.generateWindows(startDate, endDate)

	log.Info().Int("windows", len(windows)).Msg("generated walk-forward windows")

	var allResults []*OptimizationResult

	for i, window := range windows {
		log.Info().
			Int("window", i+1).
			Int("total", len(windows)).
			Time("train_start", window.InSampleStart).
			Time("train_end", window.InSampleEnd).
			Time("test_start", window.OutSampleStart).
			Time("test_end", window.OutSampleEnd).
			Msg("processing walk-forward window")

		inSample := filterCandlesByTime(candles, window.InSampleStart, window.InSampleEnd)
		outSample := filterCandlesByTime(candles, window.OutSampleStart, window.OutSampleEnd)

		gridOpt := NewGridSearchOptimizer(opt.factory, opt.params, opt.objective, opt.config)
		gridOpt.SetParallelism(opt.parallel)

		summary, err := gridOpt.Optimize(ctx, inSample)
		if err != nil || summary.BestResult == nil {
			log.Warn().Err(err).Int("window", i+1).Msg("in-sample optimization produced no result")
			continue
		}

		outResult := runSingleBacktest(ctx, opt.factory, opt.config, opt.objective, summary.BestResult.Parameters, outSample)
		if outResult != nil {
			outResult.IsOutOfSample = true
			allResults = append(allResults, outResult)

			log.Info().
				Int("window", i+1).
				Float64("in_sample_score", summary.BestResult.Score).
				Float64("out_sample_score", outResult.Score).
				Msg("walk-forward window complete")
		}
	}

	if len(allResults) == 0 {
		return &OptimizationSummary{Method: "walk_forward", Duration: time.Since(startTime), ParameterRanges: opt.params, StartDate: startDate, EndDate: endDate}, nil
	}

	sort.Slice(allResults, func(i, j int) bool { return allResults[i].Score > allResults[j].Score })
	for i, result := range allResults {
		result.Rank = i + 1
	}

	summary := &OptimizationSummary{
		Method:          "walk_forward",
		TotalRuns:       len(allResults),
		Duration:        time.Since(startTime),
		ParameterRanges: opt.params,
		BestResult:      allResults[0],
		StartDate:       startDate,
		EndDate:         endDate,
	}

	topN := 10
	if len(allResults) < topN {
		topN = len(allResults)
	}
	summary.TopResults = allResults[:topN]

	log.Info().
		Int("windows", len(windows)).
		Float64("best_score", summary.BestResult.Score).
		Dur("duration", summary.Duration).
		Msg("walk-forward optimization complete")

	return summary, nil
}

// generateWindows creates rolling walk-forward windows: the in-sample start and
// its out-of-sample window both advance by the out-of-sample period.
func (opt *WalkForwardOptimizer) generateWindows(start, end time.Time) []WalkForwardWindow {
	var windows []WalkForwardWindow

	currentStart := start
	for {
		inSampleEnd := currentStart.Add(opt.inSamplePeriod)
		outSampleStart := inSampleEnd
		outSampleEnd := outSampleStart.Add(opt.outSamplePeriod)

		if outSampleEnd.After(end) {
			break
		}

		windows = append(windows, WalkForwardWindow{
			InSampleStart:  currentStart,
			InSampleEnd:    inSampleEnd,
			OutSampleStart: outSampleStart,
			OutSampleEnd:   outSampleEnd,
		})

		currentStart = currentStart.Add(opt.outSamplePeriod)
	}

	return windows
}

func dataTimeRange(candles []Candle) (time.Time, time.Time) {
	if len(candles) == 0 {
		return time.Time{}, time.Time{}
	}
	return candles[0].OpenTime, candles[len(candles)-1].OpenTime
}

func filterCandlesByTime(candles []Candle, start, end time.Time) []Candle {
	var filtered []Candle
	for _, c := range candles {
		if !c.OpenTime.Before(start) && !c.OpenTime.After(end) {
			filtered = append(filtered, c)
		}
	}
	return filtered
}

// ============================================================================
// GENETIC ALGORITHM OPTIMIZER
// ============================================================================

// GeneticOptimizer performs genetic algorithm optimization.
type GeneticOptimizer struct {
	factory        StrategyFactory
	params         []*Parameter
	objective      ObjectiveFunction
	config         BacktestConfig
	populationSize int
	generations    int
	mutationRate   float64
	eliteRatio     float64
	parallel       int
	rng            *rand.Rand
	seed           int64
}

// NewGeneticOptimizer creates a new genetic algorithm optimizer.
// The random seed is time-based until SetSeed is called for reproducible runs.
func NewGeneticOptimizer(factory StrategyFactory, params []*Parameter, objective ObjectiveFunction, config BacktestConfig) *GeneticOptimizer {
	seed := time.Now().UnixNano()
	return &GeneticOptimizer{
		factory:        factory,
		params:         params,
		objective:      objective,
		config:         config,
		populationSize: 50,
		generations:    20,
		mutationRate:   0.1,
		eliteRatio:     0.2,
		parallel:       4,
		rng:            rand.New(rand.NewSource(seed)), // #nosec G404 -- non-cryptographic, reproducible-by-seed search
		seed:           seed,
	}
}

// SetParameters configures genetic algorithm parameters.
func (opt *GeneticOptimizer) SetParameters(popSize, gens int, mutRate, eliteRatio float64) {
	opt.populationSize = popSize
	opt.generations = gens
	opt.mutationRate = mutRate
	opt.eliteRatio = eliteRatio
}

// SetSeed sets a specific random seed for reproducible results.
func (opt *GeneticOptimizer) SetSeed(seed int64) {
	opt.seed = seed
	opt.rng = rand.New(rand.NewSource(seed)) // #nosec G404 -- non-cryptographic, reproducible-by-seed search
}

// Optimize performs genetic algorithm optimization over candles.
func (opt *GeneticOptimizer) Optimize(ctx context.Context, candles []Candle) (*OptimizationSummary, error) {
	startTime := time.Now()

	log.Info().
		Int("population", opt.populationSize).
		Int("generations", opt.generations).
		Float64("mutation_rate", opt.mutationRate).
		Msg("starting genetic algorithm optimization")

	population := opt.initializePopulation()

	var allResults []*OptimizationResult
	var bestResult *OptimizationResult

	for gen := 0; gen < opt.generations; gen++ {
		log.Info().Int("generation", gen+1).Int("total", opt.generations).Msg("evolving generation")

		evaluated := opt.evaluatePopulation(ctx, population, candles)
		allResults = append(allResults, evaluated...)
		if len(evaluated) == 0 {
			break
		}

		sort.Slice(evaluated, func(i, j int) bool {
			return scoreOf(evaluated[i]) > scoreOf(evaluated[j])
		})

		if evaluated[0] != nil && (bestResult == nil || evaluated[0].Score > bestResult.Score) {
			bestResult = evaluated[0]
		}

		log.Info().
			Int("generation", gen+1).
			Float64("best_score", scoreOf(evaluated[0])).
			Float64("avg_score", opt.averageScore(evaluated)).
			Msg("generation complete")

		if gen == opt.generations-1 {
			break
		}

		eliteCount := int(float64(opt.populationSize) * opt.eliteRatio)
		if eliteCount > len(evaluated) {
			eliteCount = len(evaluated)
		}
		elite := evaluated[:eliteCount]

		nextGen := make([]ParameterSet, 0, opt.populationSize)
		for _, result := range elite {
			if result != nil {
				nextGen = append(nextGen, result.Parameters.Clone())
			}
		}

		for len(nextGen) < opt.populationSize {
			parent1 := opt.selectParent(evaluated)
			parent2 := opt.selectParent(evaluated)
			child := opt.crossover(parent1.Parameters, parent2.Parameters)
			child = opt.mutate(child)
			nextGen = append(nextGen, child)
		}

		population = nextGen
	}

	if bestResult == nil {
		return &OptimizationSummary{Method: "genetic_algorithm", Duration: time.Since(startTime), ParameterRanges: opt.params}, nil
	}

	sort.Slice(allResults, func(i, j int) bool { return allResults[i].Score > allResults[j].Score })
	for i, result := range allResults {
		result.Rank = i + 1
	}

	summary := &OptimizationSummary{
		Method:          "genetic_algorithm",
		TotalRuns:       len(allResults),
		Duration:        time.Since(startTime),
		ParameterRanges: opt.params,
		BestResult:      bestResult,
	}

	topN := 10
	if len(allResults) < topN {
		topN = len(allResults)
	}
	summary.TopResults = allResults[:topN]

	log.Info().
		Int("total_evaluations", len(allResults)).
		Float64("best_score", bestResult.Score).
		Dur("duration", summary.Duration).
		Msg("genetic algorithm optimization complete")

	return summary, nil
}

func scoreOf(r *OptimizationResult) float64 {
	if r == nil {
		return math.Inf(-1)
	}
	return r.Score
}

// initializePopulation creates a random initial population.
func (opt *GeneticOptimizer) initializePopulation() []ParameterSet {
	population := make([]ParameterSet, opt.populationSize)

	for i := 0; i < opt.populationSize; i++ {
		individual := make(ParameterSet)
		for _, param := range opt.params {
			switch param.Type {
			case ParamTypeInt:
				min, max := int(param.Min), int(param.Max)
				individual[param.Name] = min + opt.rng.Intn(max-min+1)
			case ParamTypeFloat:
				individual[param.Name] = param.Min + opt.rng.Float64()*(param.Max-param.Min)
			case ParamTypeBool:
				individual[param.Name] = opt.rng.Float64() < 0.5
			case ParamTypeString:
				individual[param.Name] = param.Values[opt.rng.Intn(len(param.Values))]
			}
		}
		population[i] = individual
	}

	return population
}

// evaluatePopulation evaluates fitness of all individuals in parallel.
func (opt *GeneticOptimizer) evaluatePopulation(ctx context.Context, population []ParameterSet, candles []Candle) []*OptimizationResult {
	results := make([]*OptimizationResult, len(population))
	type indexed struct {
		idx    int
		result *OptimizationResult
	}
	resultsChan := make(chan indexed, len(population))
	semaphore := make(chan struct{}, opt.parallel)

	var wg sync.WaitGroup
	for i, params := range population {
		wg.Add(1)
		go func(idx int, ps ParameterSet) {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			result := runSingleBacktest(ctx, opt.factory, opt.config, opt.objective, ps, candles)
			resultsChan <- indexed{idx, result}
		}(i, params)
	}

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	for res := range resultsChan {
		results[res.idx] = res.result
	}

	compact := make([]*OptimizationResult, 0, len(results))
	for _, r := range results {
		if r != nil {
			compact = append(compact, r)
		}
	}
	return compact
}

// selectParent selects a parent using tournament selection.
func (opt *GeneticOptimizer) selectParent(population []*OptimizationResult) *OptimizationResult {
	tournamentSize := 3
	best := population[opt.rng.Intn(len(population))]

	for i := 1; i < tournamentSize; i++ {
		contestant := population[opt.rng.Intn(len(population))]
		if scoreOf(contestant) > scoreOf(best) {
			best = contestant
		}
	}

	return best
}

// crossover performs uniform crossover.
func (opt *GeneticOptimizer) crossover(parent1, parent2 ParameterSet) ParameterSet {
	child := make(ParameterSet)
	for _, param := range opt.params {
		if opt.rng.Float64() < 0.5 {
			child[param.Name] = parent1[param.Name]
		} else {
			child[param.Name] = parent2[param.Name]
		}
	}
	return child
}

// mutate performs mutation on an individual.
func (opt *GeneticOptimizer) mutate(individual ParameterSet) ParameterSet {
	mutated := individual.Clone()

	for _, param := range opt.params {
		if opt.rng.Float64() < opt.mutationRate {
			switch param.Type {
			case ParamTypeInt:
				min, max := int(param.Min), int(param.Max)
				mutated[param.Name] = min + opt.rng.Intn(max-min+1)
			case ParamTypeFloat:
				mutated[param.Name] = param.Min + opt.rng.Float64()*(param.Max-param.Min)
			case ParamTypeBool:
				mutated[param.Name] = opt.rng.Float64() < 0.5
			case ParamTypeString:
				mutated[param.Name] = param.Values[opt.rng.Intn(len(param.Values))]
			}
		}
	}

	return mutated
}

// averageScore calculates the average fitness score across non-nil results.
func (opt *GeneticOptimizer) averageScore(results []*OptimizationResult) float64 {
	if len(results) == 0 {
		return 0
	}
	sum := 0.0
	n := 0
	for _, r := range results {
		if r == nil {
			continue
		}
		sum += r.Score
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
