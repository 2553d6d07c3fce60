package contextcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sourceOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kily_context_cache_sources_total",
		Help: "Data sources resolved by the context cache, by outcome",
	}, []string{"outcome"})

	downloadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kily_context_cache_download_bytes_total",
		Help: "Bytes downloaded into the context cache",
	})

	ensureLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kily_context_cache_ensure_seconds",
		Help:    "Latency of context cache Ensure calls",
		Buckets: prometheus.DefBuckets,
	})

	cleanupRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kily_context_cache_cleanup_removed_total",
		Help: "Download records removed by cleanup",
	})
)
