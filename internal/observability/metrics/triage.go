// Package metrics provides custom Prometheus metrics for the triage pipeline.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// TriageMetrics contains all Prometheus metrics related to the triage
// workflow: preprocessing, diagnosis and post-detection actions.
type TriageMetrics struct {
	// Pipeline counters
	ImagesProcessed *prometheus.CounterVec
	RiskLevels      *prometheus.CounterVec
	ReviewsRecorded *prometheus.CounterVec

	// Performance metrics
	PreprocessDuration prometheus.Histogram
	PipelineDuration   *prometheus.HistogramVec

	// Post-detection action metrics
	ActionsExecuted *prometheus.CounterVec
	ActionDuration  *prometheus.HistogramVec

	// Queue state
	QueueDepthGauge prometheus.Gauge

	registry *prometheus.Registry
}

// NewTriageMetrics creates a new instance of TriageMetrics.
// It requires a Prometheus registry to register the metrics.
// It returns an error if metric registration fails.
func NewTriageMetrics(registry *prometheus.Registry) (*TriageMetrics, error) {
	m := &TriageMetrics{registry: registry}
	if err := m.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize triage metrics: %w", err)
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register triage metrics: %w", err)
	}
	return m, nil
}

// initMetrics initializes all metrics for TriageMetrics.
func (m *TriageMetrics) initMetrics() error {
	m.ImagesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_images_processed_total",
			Help: "Total number of radiographs run through the triage pipeline",
		},
		[]string{"source", "status"}, // source: upload, batch, cli; status: diagnosed, failed
	)

	m.RiskLevels = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_risk_levels_total",
			Help: "Total number of diagnoses partitioned by computed risk level",
		},
		[]string{"risk_level"},
	)

	m.ReviewsRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_reviews_total",
			Help: "Total number of radiologist reviews recorded",
		},
		[]string{"verdict"}, // verdict: confirmed, overridden
	)

	m.PreprocessDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "triage_preprocess_duration_seconds",
			Help:    "Time taken to decode, equalize and validate one radiograph",
			Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount12),
		},
	)

	m.PipelineDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "triage_pipeline_duration_seconds",
			Help:    "End to end time for one image from load to persisted diagnosis",
			Buckets: prometheus.ExponentialBuckets(BucketStart100ms, BucketFactor2, BucketCount12),
		},
		[]string{"source"},
	)

	m.ActionsExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_actions_total",
			Help: "Total number of post-detection actions executed",
		},
		[]string{"action", "status"}, // action: audit, mqtt, notify, report
	)

	m.ActionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "triage_action_duration_seconds",
			Help:    "Time taken for post-detection actions",
			Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount12),
		},
		[]string{"action"},
	)

	m.QueueDepthGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "triage_queue_depth",
			Help: "Number of triage jobs waiting in the processing queue",
		},
	)

	return nil
}

// RecordImageProcessed increments the pipeline counter for an image.
func (m *TriageMetrics) RecordImageProcessed(source, status string) {
	m.ImagesProcessed.WithLabelValues(source, status).Inc()
}

// RecordRiskLevel increments the risk level counter for a diagnosis.
func (m *TriageMetrics) RecordRiskLevel(riskLevel string) {
	m.RiskLevels.WithLabelValues(riskLevel).Inc()
}

// RecordReview increments the review counter for a verdict.
func (m *TriageMetrics) RecordReview(verdict string) {
	m.ReviewsRecorded.WithLabelValues(verdict).Inc()
}

// RecordPreprocess records the duration of image preprocessing.
func (m *TriageMetrics) RecordPreprocess(durationSeconds float64) {
	m.PreprocessDuration.Observe(durationSeconds)
}

// RecordPipeline records the end to end duration of one triage run.
func (m *TriageMetrics) RecordPipeline(source string, durationSeconds float64) {
	m.PipelineDuration.WithLabelValues(source).Observe(durationSeconds)
}

// RecordAction records one post-detection action execution.
func (m *TriageMetrics) RecordAction(action, status string, durationSeconds float64) {
	m.ActionsExecuted.WithLabelValues(action, status).Inc()
	m.ActionDuration.WithLabelValues(action).Observe(durationSeconds)
}

// SetQueueDepth updates the triage queue depth gauge.
func (m *TriageMetrics) SetQueueDepth(depth int) {
	m.QueueDepthGauge.Set(float64(depth))
}

// Describe implements the prometheus.Collector interface.
func (m *TriageMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.ImagesProcessed.Describe(ch)
	m.RiskLevels.Describe(ch)
	m.ReviewsRecorded.Describe(ch)
	ch <- m.PreprocessDuration.Desc()
	m.PipelineDuration.Describe(ch)
	m.ActionsExecuted.Describe(ch)
	m.ActionDuration.Describe(ch)
	ch <- m.QueueDepthGauge.Desc()
}

// Collect implements the prometheus.Collector interface.
func (m *TriageMetrics) Collect(ch chan<- prometheus.Metric) {
	m.ImagesProcessed.Collect(ch)
	m.RiskLevels.Collect(ch)
	m.ReviewsRecorded.Collect(ch)
	ch <- m.PreprocessDuration
	m.PipelineDuration.Collect(ch)
	m.ActionsExecuted.Collect(ch)
	m.ActionDuration.Collect(ch)
	ch <- m.QueueDepthGauge
}
