package llm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var completionSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "kily_llm_completion_seconds",
	Help:    "Latency of LLM completion calls.",
	Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
}, []string{"outcome"})
