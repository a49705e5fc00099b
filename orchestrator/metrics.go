package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Batch telemetry gauges/counters, registered against the
// default registry so a process embedding this package gets them on its
// existing /metrics endpoint for free; a package importer that never
// scrapes metrics pays only the negligible cost of the counters existing.
var (
	batchAgentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fortline",
		Subsystem: "orchestrator",
		Name:      "batch_agents_total",
		Help:      "Agents processed by verify_batch, labeled by outcome.",
	}, []string{"outcome"})

	batchAverageFortScore = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fortline",
		Subsystem: "orchestrator",
		Name:      "batch_average_fort_score",
		Help:      "Average Fort Score across the most recently completed batch.",
	})

	batchProcessingSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fortline",
		Subsystem: "orchestrator",
		Name:      "batch_processing_seconds",
		Help:      "Wall-clock duration of a verify_batch call.",
		Buckets:   prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(batchAgentsTotal, batchAverageFortScore, batchProcessingSeconds)
}

// recordBatch updates the batch telemetry gauges/counters from a completed
// BatchResult. Called once per RunBatch; never on the per-agent hot path,
// so it adds no contention to the per-stage semaphores.
func recordBatch(b BatchResult) {
	batchAgentsTotal.WithLabelValues("successful").Add(float64(b.Successful))
	batchAgentsTotal.WithLabelValues("failed").Add(float64(b.Failed))
	batchAverageFortScore.Set(b.AverageFortScore)
	batchProcessingSeconds.Observe(b.ProcessingTime.Seconds())
}
