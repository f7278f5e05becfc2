package server

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics mirrors the shape of the teacher's pmtiles/server_metrics.go,
// scaled down to vtstore's single local-store render path (no
// bucket/directory cache layer to instrument, since tiledb/packheap are
// local files, not a remote object store).
type metrics struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	responseSize    *prometheus.HistogramVec
	renderErrors    prometheus.Counter
}

func register[K prometheus.Collector](logger *log.Logger, metric K) K {
	if err := prometheus.Register(metric); err != nil && logger != nil {
		logger.Println(err)
	}
	return metric
}

func createMetrics(logger *log.Logger) *metrics {
	namespace := "vtstore"
	kib := 1024.0
	sizeBuckets := []float64{1 * kib, 5 * kib, 10 * kib, 25 * kib, 50 * kib, 100 * kib, 250 * kib, 500 * kib}

	return &metrics{
		requests: register(logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Number of tile requests by status code",
		}, []string{"status"})),
		requestDuration: register(logger, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Tile request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"})),
		responseSize: register(logger, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "response_size_bytes",
			Help:      "Rendered tile response size in bytes",
			Buckets:   sizeBuckets,
		}, []string{"status"})),
		renderErrors: register(logger, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "render_errors_total",
			Help:      "Number of render pipeline errors",
		})),
	}
}

type requestTracker struct {
	start   time.Time
	metrics *metrics
}

func (m *metrics) startRequest() *requestTracker {
	return &requestTracker{start: time.Now(), metrics: m}
}

func (r *requestTracker) finish(status int, responseSize int) {
	statusLabel := httpStatusLabel(status)
	r.metrics.requests.WithLabelValues(statusLabel).Inc()
	r.metrics.requestDuration.WithLabelValues(statusLabel).Observe(time.Since(r.start).Seconds())
	if status == 200 {
		r.metrics.responseSize.WithLabelValues(statusLabel).Observe(float64(responseSize))
	}
}

func httpStatusLabel(status int) string {
	switch status {
	case 200:
		return "200"
	case 204:
		return "204"
	case 404:
		return "404"
	case 500:
		return "500"
	default:
		return "other"
	}
}
