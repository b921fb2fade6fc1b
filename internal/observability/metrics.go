package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	framesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gpu_node",
			Subsystem: "pipeline",
			Name:      "frames_received_total",
			Help:      "Frames received from the transport.",
		},
	)
	framesEmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gpu_node",
			Subsystem: "pipeline",
			Name:      "frames_emitted_total",
			Help:      "Transformed frames emitted to the transport.",
		},
	)
	framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gpu_node",
			Subsystem: "pipeline",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped by the pipeline, by reason.",
		},
		[]string{"reason"},
	)
	computeLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gpu_node_compute_latency_seconds",
			Help:    "Compute backend transform latency in seconds.",
			Buckets: []float64{.01, .025, .05, .075, .1, .15, .25, .5, 1},
		},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gpu_node_active_sessions",
			Help: "Number of sessions currently registered.",
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gpu_node",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gpu_node",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			framesReceived, framesEmitted, framesDropped,
			computeLatency, activeSessions,
			httpRequests, httpDuration,
		)
	})
}

// MetricsHandler returns the HTTP handler serving the prometheus registry.
func MetricsHandler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordFrameReceived() {
	RegisterMetrics()
	framesReceived.Inc()
}

func RecordFrameEmitted() {
	RegisterMetrics()
	framesEmitted.Inc()
}

func RecordFrameDropped(reason string) {
	RegisterMetrics()
	framesDropped.WithLabelValues(reason).Inc()
}

func RecordComputeLatency(d time.Duration) {
	RegisterMetrics()
	computeLatency.Observe(d.Seconds())
}

func SetActiveSessions(n int) {
	RegisterMetrics()
	activeSessions.Set(float64(n))
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
