package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics exposes the same per-run numbers as Event, as counters
// and a histogram, behind the optional `/metrics` endpoint gated by
// global.metrics_addr in the expanded config.
type PrometheusMetrics struct {
	registry        *prometheus.Registry
	bytesTotal      *prometheus.CounterVec
	durationSeconds *prometheus.HistogramVec
	runsTotal       *prometheus.CounterVec
}

// NewPrometheusMetrics builds and registers the collector set on a fresh
// registry (never the global default, so tests and multiple instances
// don't collide).
func NewPrometheusMetrics() *PrometheusMetrics {
	reg := prometheus.NewRegistry()

	bytesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "btrfs_to_s3_bytes_total",
		Help: "Total bytes transferred per subvolume, kind, and direction.",
	}, []string{"subvolume", "kind", "direction"})

	durationSeconds := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "btrfs_to_s3_run_duration_seconds",
		Help:    "Pipeline run duration per subvolume, kind, and direction.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 16),
	}, []string{"subvolume", "kind", "direction"})

	runsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "btrfs_to_s3_runs_total",
		Help: "Total pipeline runs per subvolume, kind, direction, and outcome.",
	}, []string{"subvolume", "kind", "direction", "outcome"})

	reg.MustRegister(bytesTotal, durationSeconds, runsTotal)

	return &PrometheusMetrics{
		registry:        reg,
		bytesTotal:      bytesTotal,
		durationSeconds: durationSeconds,
		runsTotal:       runsTotal,
	}
}

// Observe records one completed run's numbers.
func (p *PrometheusMetrics) Observe(direction Direction, subvolume, kind string, totalBytes int64, elapsed time.Duration, success bool) {
	p.bytesTotal.WithLabelValues(subvolume, kind, string(direction)).Add(float64(totalBytes))
	p.durationSeconds.WithLabelValues(subvolume, kind, string(direction)).Observe(elapsed.Seconds())

	outcome := "success"
	if !success {
		outcome = "failure"
	}
	p.runsTotal.WithLabelValues(subvolume, kind, string(direction), outcome).Inc()
}

// Handler returns the HTTP handler to mount at /metrics.
func (p *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
