package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exitguard_sweeps_total",
		Help: "Completed reconcile sweeps.",
	})
	sweepErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exitguard_sweep_errors_total",
		Help: "Sweeps abandoned on a top-level error.",
	})
	symbolErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exitguard_symbol_errors_total",
		Help: "Per-symbol reconcile failures (sweep continued).",
	})
	actionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exitguard_actions_total",
		Help: "Converge actions issued, by kind.",
	}, []string{"kind"})
	blocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exitguard_guard_blocks_total",
		Help: "Ladder creations blocked by the risk guard.",
	}, []string{"reason"})
	openPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exitguard_open_positions",
		Help: "Managed open positions seen in the last sweep.",
	})
	breakerActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exitguard_breaker_active",
		Help: "1 while the breaker halts new ladders.",
	})
	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "exitguard_sweep_duration_seconds",
		Help:    "Wall time of one full sweep.",
		Buckets: prometheus.DefBuckets,
	})
)
