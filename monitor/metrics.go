package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	memoryUsage = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "codelet_memory_usage_percent",
		Help: "Heap usage as a percentage of the memory limit",
	})

	pressureLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "codelet_memory_pressure_level",
		Help: "Memory pressure level (0=none .. 4=critical)",
	})

	cleanupRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codelet_cleanup_callbacks_total",
		Help: "Cleanup callbacks invoked by the resource monitor",
	})
)

func recordPressure(usage float64, level Level) {
	memoryUsage.Set(usage)
	pressureLevel.Set(float64(level))
}
