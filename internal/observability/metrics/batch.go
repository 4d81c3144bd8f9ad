// Package metrics provides custom Prometheus metrics for batch upload processing.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// BatchMetrics contains all Prometheus metrics related to batch upload jobs.
type BatchMetrics struct {
	BatchesCreated   prometheus.Counter
	BatchesCompleted *prometheus.CounterVec
	ItemsProcessed   *prometheus.CounterVec
	BatchDuration    prometheus.Histogram
	BatchSize        prometheus.Histogram
	ActiveBatches    prometheus.Gauge

	registry *prometheus.Registry
}

// NewBatchMetrics creates a new instance of BatchMetrics.
// It requires a Prometheus registry to register the metrics.
// It returns an error if metric registration fails.
func NewBatchMetrics(registry *prometheus.Registry) (*BatchMetrics, error) {
	m := &BatchMetrics{registry: registry}
	if err := m.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize batch metrics: %w", err)
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register batch metrics: %w", err)
	}
	return m, nil
}

// initMetrics initializes all metrics for BatchMetrics.
func (m *BatchMetrics) initMetrics() error {
	m.BatchesCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "batch_jobs_created_total",
		Help: "Total number of batch upload jobs created",
	})

	m.BatchesCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_jobs_completed_total",
		Help: "Total number of batch upload jobs that reached a terminal status",
	}, []string{"status"}) // status: completed, completed_with_errors, failed, cancelled

	m.ItemsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_items_processed_total",
		Help: "Total number of batch items that finished processing",
	}, []string{"status"}) // status: diagnosed, failed, skipped

	m.BatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "batch_job_duration_seconds",
		Help:    "Wall clock time from batch creation to its terminal status",
		Buckets: prometheus.ExponentialBuckets(BucketStart1s, BucketFactor2, BucketCount15),
	})

	m.BatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "batch_job_size_images",
		Help:    "Number of images per batch upload job",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
	})

	m.ActiveBatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "batch_jobs_active",
		Help: "Number of batch jobs currently pending or processing",
	})

	return nil
}

// RecordBatchCreated records a new batch job and its size.
func (m *BatchMetrics) RecordBatchCreated(totalImages int) {
	m.BatchesCreated.Inc()
	m.BatchSize.Observe(float64(totalImages))
}

// RecordBatchCompleted records a batch reaching a terminal status.
func (m *BatchMetrics) RecordBatchCompleted(status string, durationSeconds float64) {
	m.BatchesCompleted.WithLabelValues(status).Inc()
	m.BatchDuration.Observe(durationSeconds)
}

// RecordItemProcessed records one batch item finishing.
func (m *BatchMetrics) RecordItemProcessed(status string) {
	m.ItemsProcessed.WithLabelValues(status).Inc()
}

// SetActiveBatches updates the active batch gauge.
func (m *BatchMetrics) SetActiveBatches(count int) {
	m.ActiveBatches.Set(float64(count))
}

// Describe implements the prometheus.Collector interface.
func (m *BatchMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.BatchesCreated.Desc()
	m.BatchesCompleted.Describe(ch)
	m.ItemsProcessed.Describe(ch)
	ch <- m.BatchDuration.Desc()
	ch <- m.BatchSize.Desc()
	ch <- m.ActiveBatches.Desc()
}

// Collect implements the prometheus.Collector interface.
func (m *BatchMetrics) Collect(ch chan<- prometheus.Metric) {
	ch <- m.BatchesCreated
	m.BatchesCompleted.Collect(ch)
	m.ItemsProcessed.Collect(ch)
	ch <- m.BatchDuration
	ch <- m.BatchSize
	ch <- m.ActiveBatches
}
