package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "maplearner"

var (
	registerOnce       sync.Once
	evaluationsTotal   *prometheus.CounterVec
	evaluationDuration prometheus.Histogram
	busyWorkers        prometheus.Gauge
	queuedJobs         prometheus.Gauge
	uploadRejections   *prometheus.CounterVec
	httpRequestsTotal  *prometheus.CounterVec
	httpLatencySeconds *prometheus.HistogramVec
)

// RegisterMetrics initialises the Prometheus collectors used by the service.
func RegisterMetrics() {
	registerOnce.Do(func() {
		evaluationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Evaluations by outcome (ok, timeout, failed, cancelled, closed).",
		}, []string{"outcome"})

		evaluationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Time a worker spent running one evaluation.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 45, 60},
		})

		busyWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "busy_workers",
			Help:      "Workers currently running an evaluation.",
		})

		queuedJobs = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "queued_jobs",
			Help:      "Evaluations waiting for a free worker.",
		})

		uploadRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_rejections_total",
			Help:      "Uploads refused during validation, by reason.",
		}, []string{"reason"})

		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP requests.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"method", "route"})

		prometheus.MustRegister(
			evaluationsTotal,
			evaluationDuration,
			busyWorkers,
			queuedJobs,
			uploadRejections,
			httpRequestsTotal,
			httpLatencySeconds,
		)
	})
}

// Evaluations exposes the evaluation outcome counter.
func Evaluations() *prometheus.CounterVec {
	RegisterMetrics()
	return evaluationsTotal
}

// EvaluationDuration exposes the per-evaluation run time histogram.
func EvaluationDuration() prometheus.Histogram {
	RegisterMetrics()
	return evaluationDuration
}

// BusyWorkers exposes the busy worker gauge.
func BusyWorkers() prometheus.Gauge {
	RegisterMetrics()
	return busyWorkers
}

// QueuedJobs exposes the queued job gauge.
func QueuedJobs() prometheus.Gauge {
	RegisterMetrics()
	return queuedJobs
}

// UploadRejections exposes the validation rejection counter.
func UploadRejections() *prometheus.CounterVec {
	RegisterMetrics()
	return uploadRejections
}

// HTTPRequests exposes the request counter.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the request latency histogram.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}
