package metrics

import (
	"net/http"
	"time"

	"sissync/internal/progress"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects and exposes metrics
type Collector struct {
	registry        *prometheus.Registry
	recordsTotal    *prometheus.CounterVec
	batchesTotal    *prometheus.CounterVec
	apiRequests     *prometheus.CounterVec
	batchDuration   prometheus.Histogram
	progressTracker *progress.Tracker
}

// New creates a new metrics collector
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		recordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_records_total",
				Help: "Total number of attendance records processed",
			},
			[]string{"status"},
		),
		batchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_batches_total",
				Help: "Total number of batches processed",
			},
			[]string{"status"},
		),
		apiRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_api_requests_total",
				Help: "Total number of SIS API requests",
			},
			[]string{"outcome"},
		),
		batchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sync_batch_duration_seconds",
				Help:    "Time taken to transform and write one batch",
				Buckets: prometheus.DefBuckets,
			},
		),
		progressTracker: progress.NewTracker(),
	}

	c.registry.MustRegister(c.recordsTotal)
	c.registry.MustRegister(c.batchesTotal)
	c.registry.MustRegister(c.apiRequests)
	c.registry.MustRegister(c.batchDuration)

	return c
}

// ObserveBatch records a completed batch and its per-record outcome
func (c *Collector) ObserveBatch(seen, succeeded, failed int, duration time.Duration) {
	c.recordsTotal.WithLabelValues("success").Add(float64(succeeded))
	c.recordsTotal.WithLabelValues("failed").Add(float64(failed))
	c.batchesTotal.WithLabelValues("completed").Inc()
	c.batchDuration.Observe(duration.Seconds())
	c.progressTracker.AddBatch(seen, succeeded, failed)
}

// ObserveSkippedBatch records a batch skipped during resume
func (c *Collector) ObserveSkippedBatch() {
	c.batchesTotal.WithLabelValues("skipped").Inc()
	c.progressTracker.AddSkippedBatch()
}

// IncAPIRequest records one SIS API call outcome
func (c *Collector) IncAPIRequest(outcome string) {
	c.apiRequests.WithLabelValues(outcome).Inc()
}

// SchoolDone records one fully processed school
func (c *Collector) SchoolDone() {
	c.progressTracker.AddSchoolDone()
}

// GetProgressTracker returns the progress tracker
func (c *Collector) GetProgressTracker() *progress.Tracker {
	return c.progressTracker
}

// StartServer starts the metrics HTTP server
func (c *Collector) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	return http.ListenAndServe(addr, mux)
}
