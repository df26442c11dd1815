// Package metrics exposes the coordinator's Prometheus
// counters/histograms/gauges, the concrete instrumentation for the
// "observability sinks abstracted as counters/histograms/spans"
// ambient requirement.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/videointel/coordinator/internal/model"
)

// Metrics bundles the coordinator's instruments. Only the HTTP API
// updates any of them (JobsEnqueued and the HTTP request instruments);
// the orchestrator and dispatcher hold no Metrics reference.
type Metrics struct {
	JobsEnqueued  *prometheus.CounterVec
	JobsCompleted *prometheus.CounterVec
	JobsFailed    *prometheus.CounterVec

	DispatchLatency prometheus.Histogram
	InferenceLatency prometheus.Histogram

	GPUUtilization *prometheus.GaugeVec
	GPUFreeMemory  *prometheus.GaugeVec

	QueueDepth prometheus.Gauge

	EventsEmitted *prometheus.CounterVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers every instrument against reg. Pass
// prometheus.NewRegistry() for test isolation, or
// prometheus.DefaultRegisterer for a running service.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		JobsEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coordinator",
			Name:      "jobs_enqueued_total",
			Help:      "Jobs enqueued, by source type.",
		}, []string{"source_type"}),
		JobsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coordinator",
			Name:      "jobs_completed_total",
			Help:      "Jobs that reached the completed state.",
		}, []string{"source_type"}),
		JobsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coordinator",
			Name:      "jobs_failed_total",
			Help:      "Jobs that reached the failed state.",
		}, []string{"source_type"}),
		DispatchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "coordinator",
			Name:      "dispatch_latency_seconds",
			Help:      "Time from enqueue to GPU assignment.",
			Buckets:   prometheus.DefBuckets,
		}),
		InferenceLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "coordinator",
			Name:      "inference_latency_seconds",
			Help:      "Per-frame inference engine latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		GPUUtilization: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "coordinator",
			Name:      "gpu_utilization_percent",
			Help:      "Last-sampled utilization percentage per GPU.",
		}, []string{"gpu_id"}),
		GPUFreeMemory: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "coordinator",
			Name:      "gpu_free_memory_bytes",
			Help:      "Last-sampled free memory per GPU.",
		}, []string{"gpu_id"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "coordinator",
			Name:      "queue_depth",
			Help:      "Current priority queue length.",
		}),
		EventsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coordinator",
			Name:      "events_emitted_total",
			Help:      "Events emitted, by rule id.",
		}, []string{"rule_id"}),
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coordinator",
			Name:      "http_requests_total",
			Help:      "HTTP requests, by route and status code.",
		}, []string{"route", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "coordinator",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP handler latency, by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// ReportGPUSlots updates the per-GPU gauges from a registry snapshot.
func (m *Metrics) ReportGPUSlots(slots []model.GPUSlot) {
	for _, s := range slots {
		id := strconv.Itoa(s.ID)
		m.GPUUtilization.WithLabelValues(id).Set(float64(s.UtilizationPct))
		m.GPUFreeMemory.WithLabelValues(id).Set(float64(s.MemoryFree))
	}
}
