package backtest

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics is optional Prometheus instrumentation for a run. A nil
// *EngineMetrics (or one built with a nil registry) is a safe no-op, so the
// engine never forces global metrics state on a caller that doesn't want it.
type EngineMetrics struct {
	barsProcessed     prometheus.Counter
	signalsDispatched prometheus.Counter
	fillRejections    prometheus.Counter
	runDuration       prometheus.Histogram
}

// NewEngineMetrics registers the engine's counters/histograms against reg. A
// nil reg yields a fully inert EngineMetrics.
func NewEngineMetrics(reg *prometheus.Registry) *EngineMetrics {
	if reg == nil {
		return nil
	}

	em := &EngineMetrics{
		barsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backtest_bars_processed_total",
			Help: "Candles processed by the backtest engine.",
		}),
		signalsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backtest_signals_dispatched_total",
			Help: "Strategy signals routed through the market simulator.",
		}),
		fillRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backtest_fill_rejections_total",
			Help: "Simulated orders rejected by the market simulator (gap/touch/cross gate failed).",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "backtest_run_duration_seconds",
			Help:    "Wall-clock duration of a complete backtest run.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(em.barsProcessed, em.signalsDispatched, em.fillRejections, em.runDuration)
	return em
}

func (em *EngineMetrics) barProcessed() {
	if em != nil {
		em.barsProcessed.Inc()
	}
}

func (em *EngineMetrics) signalDispatched() {
	if em != nil {
		em.signalsDispatched.Inc()
	}
}

func (em *EngineMetrics) fillRejected() {
	if em != nil {
		em.fillRejections.Inc()
	}
}

func (em *EngineMetrics) observeRunDuration(d time.Duration) {
	if em != nil {
		em.runDuration.Observe(d.Seconds())
	}
}
