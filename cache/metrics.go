package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codelet_cache_hits_total",
		Help: "Completion cache hits",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codelet_cache_misses_total",
		Help: "Completion cache misses",
	})

	cacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codelet_cache_evictions_total",
		Help: "Completion cache LRU evictions",
	})

	cacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "codelet_cache_size_bytes",
		Help: "Estimated aggregate size of the completion cache",
	})
)
