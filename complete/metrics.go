package complete

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codelet_completion_requests_total",
		Help: "Completion requests by final state.",
	}, []string{"outcome"})

	latencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "codelet_completion_latency_seconds",
		Help:    "Latency of delivered completions.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	acceptanceEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codelet_acceptance_events_total",
		Help: "Finished acceptance sessions by result.",
	}, []string{"result"})
)
