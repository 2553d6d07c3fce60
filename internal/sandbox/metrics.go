package sandbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kily_sandbox_runs_total",
		Help: "Sandbox runs by backend and outcome category",
	}, []string{"backend", "category"})

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kily_sandbox_run_seconds",
		Help:    "Sandbox run wall-clock time",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"backend"})
)

func observe(backend string, res Result) {
	category := string(res.Category)
	if res.Success {
		category = "ok"
	}
	runsTotal.WithLabelValues(backend, category).Inc()
	runDuration.WithLabelValues(backend).Observe(res.Duration.Seconds())
}
