package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kily_sessions_active",
		Help: "Sessions currently held in memory.",
	})

	expiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kily_sessions_expired_total",
		Help: "Sessions evicted from memory by reason.",
	}, []string{"reason"})

	restoredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kily_sessions_restored_total",
		Help: "Sessions rebuilt from durable storage.",
	})

	durableFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kily_session_durable_write_failures_total",
		Help: "Appends rejected because the durable write failed.",
	})
)
