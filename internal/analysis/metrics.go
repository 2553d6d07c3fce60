package analysis

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kily_analysis_runs_total",
		Help: "Analysis runs by terminal outcome.",
	}, []string{"outcome"})

	attemptFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kily_analysis_attempt_failures_total",
		Help: "Failed analysis attempts by category.",
	}, []string{"category"})

	attemptsPerRun = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kily_analysis_attempts_per_run",
		Help:    "Number of generate/execute rounds per analysis run.",
		Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
	})

	runSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kily_analysis_run_seconds",
		Help:    "Wall time of analysis runs.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 9),
	})
)
