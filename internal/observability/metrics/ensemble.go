// Package metrics provides custom Prometheus metrics for the chestnet application.
package metrics

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// EnsembleMetrics contains all Prometheus metrics related to classifier
// ensemble operations.
type EnsembleMetrics struct {
	ConsensusCounter *prometheus.CounterVec

	// Performance metrics
	InferenceDuration *prometheus.HistogramVec
	EnsemblePassTime  prometheus.Histogram
	ModelLoadDuration *prometheus.HistogramVec

	// Operation counters
	InferenceTotal  *prometheus.CounterVec
	InferenceErrors *prometheus.CounterVec
	ModelLoadTotal  *prometheus.CounterVec
	ModelLoadErrors *prometheus.CounterVec
	ModelEvictTotal *prometheus.CounterVec

	// Current state gauges
	ResidentModelsGauge prometheus.Gauge
	ResidentMemoryGauge prometheus.Gauge

	registry *prometheus.Registry
}

// NewEnsembleMetrics creates a new instance of EnsembleMetrics.
// It requires a Prometheus registry to register the metrics.
// It returns an error if metric registration fails.
func NewEnsembleMetrics(registry *prometheus.Registry) (*EnsembleMetrics, error) {
	m := &EnsembleMetrics{registry: registry}
	if err := m.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize ensemble metrics: %w", err)
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register ensemble metrics: %w", err)
	}
	return m, nil
}

// initMetrics initializes all metrics for EnsembleMetrics.
func (m *EnsembleMetrics) initMetrics() error {
	m.ConsensusCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chestnet_consensus_total",
			Help: "Total number of consensus diagnoses partitioned by label and review flag.",
		},
		[]string{"label", "needs_review"},
	)

	// Performance histograms
	m.InferenceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chestnet_inference_duration_seconds",
			Help:    "Time taken for one member forward pass",
			Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount10),
		},
		[]string{"model"},
	)

	m.EnsemblePassTime = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chestnet_ensemble_pass_duration_seconds",
			Help:    "Time taken to run every enabled member over one image",
			Buckets: prometheus.ExponentialBuckets(BucketStart10ms, BucketFactor2, BucketCount12),
		},
	)

	m.ModelLoadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chestnet_model_load_duration_seconds",
			Help:    "Time taken to load a classifier and allocate its tensors",
			Buckets: prometheus.ExponentialBuckets(BucketStart10ms, BucketFactor2, BucketCount10),
		},
		[]string{"model"},
	)

	// Operation counters
	m.InferenceTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chestnet_inferences_total",
			Help: "Total number of member forward passes",
		},
		[]string{"model", "status"},
	)

	m.InferenceErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chestnet_inference_errors_total",
			Help: "Total number of member inference errors",
		},
		[]string{"model", "error_type"},
	)

	m.ModelLoadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chestnet_model_load_total",
			Help: "Total number of classifier load attempts",
		},
		[]string{"model", "status"},
	)

	m.ModelLoadErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chestnet_model_load_errors_total",
			Help: "Total number of classifier load errors",
		},
		[]string{"model", "error_type"},
	)

	m.ModelEvictTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chestnet_model_evict_total",
			Help: "Total number of classifier evictions under the memory budget",
		},
		[]string{"model"},
	)

	// State gauges
	m.ResidentModelsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chestnet_resident_models",
			Help: "Number of classifiers currently resident in memory",
		},
	)

	m.ResidentMemoryGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chestnet_resident_model_memory_mb",
			Help: "Estimated memory held by resident classifiers in megabytes",
		},
	)

	return nil
}

// RecordConsensus increments the consensus counter for a diagnosis label.
func (m *EnsembleMetrics) RecordConsensus(label string, needsReview bool) {
	m.ConsensusCounter.WithLabelValues(label, fmt.Sprintf("%t", needsReview)).Inc()
}

// RecordInference records metrics for one member forward pass.
func (m *EnsembleMetrics) RecordInference(model string, durationSeconds float64, err error) {
	if err != nil {
		m.InferenceTotal.WithLabelValues(model, "error").Inc()
		m.InferenceErrors.WithLabelValues(model, categorizeModelError(err)).Inc()
	} else {
		m.InferenceTotal.WithLabelValues(model, "success").Inc()
		m.InferenceDuration.WithLabelValues(model).Observe(durationSeconds)
	}
}

// RecordEnsemblePass records the total duration of one full ensemble run.
func (m *EnsembleMetrics) RecordEnsemblePass(durationSeconds float64) {
	m.EnsemblePassTime.Observe(durationSeconds)
}

// RecordModelLoad records metrics for classifier loading operations.
func (m *EnsembleMetrics) RecordModelLoad(model string, durationSeconds float64, err error) {
	if err != nil {
		m.ModelLoadTotal.WithLabelValues(model, "error").Inc()
		m.ModelLoadErrors.WithLabelValues(model, categorizeModelError(err)).Inc()
	} else {
		m.ModelLoadTotal.WithLabelValues(model, "success").Inc()
		m.ModelLoadDuration.WithLabelValues(model).Observe(durationSeconds)
	}
}

// RecordModelEvict increments the eviction counter for a classifier.
func (m *EnsembleMetrics) RecordModelEvict(model string) {
	m.ModelEvictTotal.WithLabelValues(model).Inc()
}

// SetResidentState updates the resident classifier gauges.
func (m *EnsembleMetrics) SetResidentState(models, memoryMB int) {
	m.ResidentModelsGauge.Set(float64(models))
	m.ResidentMemoryGauge.Set(float64(memoryMB))
}

// categorizeModelError returns a category string for the error type.
func categorizeModelError(err error) string {
	if err == nil {
		return "none"
	}
	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "tensor"):
		return "tensor_error"
	case strings.Contains(errStr, "invoke"):
		return "invoke_error"
	case strings.Contains(errStr, "budget"), strings.Contains(errStr, "memory"):
		return "memory_error"
	case strings.Contains(errStr, "file"), strings.Contains(errStr, "no such"):
		return "file_error"
	case strings.Contains(errStr, "label"):
		return "label_error"
	case strings.Contains(errStr, "model"):
		return "model_error"
	default:
		return "unknown"
	}
}

// Describe implements the prometheus.Collector interface.
func (m *EnsembleMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.ConsensusCounter.Describe(ch)

	// Performance metrics
	m.InferenceDuration.Describe(ch)
	m.EnsemblePassTime.Describe(ch)
	m.ModelLoadDuration.Describe(ch)

	// Operation counters
	m.InferenceTotal.Describe(ch)
	m.InferenceErrors.Describe(ch)
	m.ModelLoadTotal.Describe(ch)
	m.ModelLoadErrors.Describe(ch)
	m.ModelEvictTotal.Describe(ch)

	// State gauges
	ch <- m.ResidentModelsGauge.Desc()
	ch <- m.ResidentMemoryGauge.Desc()
}

// Collect implements the prometheus.Collector interface.
func (m *EnsembleMetrics) Collect(ch chan<- prometheus.Metric) {
	m.ConsensusCounter.Collect(ch)

	// Performance metrics
	m.InferenceDuration.Collect(ch)
	m.EnsemblePassTime.Collect(ch)
	m.ModelLoadDuration.Collect(ch)

	// Operation counters
	m.InferenceTotal.Collect(ch)
	m.InferenceErrors.Collect(ch)
	m.ModelLoadTotal.Collect(ch)
	m.ModelLoadErrors.Collect(ch)
	m.ModelEvictTotal.Collect(ch)

	// State gauges
	ch <- m.ResidentModelsGauge
	ch <- m.ResidentMemoryGauge
}
