// Package datastore provides type aliases and integration with the observability metrics package
package datastore

import (
	"sync"

	"github.com/chestnet/chestnet-go/internal/observability/metrics"
)

// Metrics is a type alias for the metrics.DatastoreMetrics so the
// datastore package can record database metrics without importing the
// observability package everywhere.
type Metrics = metrics.DatastoreMetrics

var (
	metricsInstance *Metrics
	metricsMu       sync.RWMutex
)

// SetMetrics wires Prometheus metrics into the GORM logger once the
// observability stack is up. Queries before that point simply go
// unrecorded.
func SetMetrics(m *Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	metricsInstance = m
}

func getMetrics() *Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return metricsInstance
}
