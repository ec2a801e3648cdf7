package reconciliation

import "github.com/prometheus/client_golang/prometheus"

const subsystem = "reconciliation"

var (
	reconcileRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fundroom",
		Subsystem: subsystem,
		Name:      "runs_total",
		Help:      "Reconciliation runs by outcome (clean, mismatch, error, panic).",
	}, []string{"outcome"})

	reconcileAggregateMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fundroom",
		Subsystem: subsystem,
		Name:      "aggregate_mismatches",
		Help:      "Fund aggregates that disagreed with their investments in the last run.",
	})

	reconcileFundsChecked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fundroom",
		Subsystem: subsystem,
		Name:      "funds_checked",
		Help:      "Funds checked in the last run.",
	})

	reconcileLastSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fundroom",
		Subsystem: subsystem,
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix time of the last run that completed.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fundroom",
		Subsystem: subsystem,
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.05, 0.25, 1, 5, 15, 60},
	})
)

func init() {
	prometheus.MustRegister(
		reconcileRuns,
		reconcileAggregateMismatches,
		reconcileFundsChecked,
		reconcileLastSuccess,
		reconcileDuration,
	)
}
