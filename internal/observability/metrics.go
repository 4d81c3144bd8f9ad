// Package observability provides metrics and monitoring capabilities for the chestnet application.
package observability

import (
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chestnet/chestnet-go/internal/datastore"
	"github.com/chestnet/chestnet-go/internal/diskmanager"
	"github.com/chestnet/chestnet-go/internal/observability/metrics"
)

// Metrics holds all the metric collectors for the application.
type Metrics struct {
	registry     *prometheus.Registry
	Ensemble     *metrics.EnsembleMetrics
	Triage       *metrics.TriageMetrics
	Batch        *metrics.BatchMetrics
	Datastore    *metrics.DatastoreMetrics
	Notification *metrics.NotificationMetrics
	MQTT         *metrics.MQTTMetrics
	HTTP         *metrics.HTTPMetrics
	DiskManager  *metrics.DiskManagerMetrics
}

// NewMetrics creates a new instance of Metrics, initializing all metric collectors.
// It returns an error if any metric collector fails to initialize.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()

	ensembleMetrics, err := metrics.NewEnsembleMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create Ensemble metrics: %w", err)
	}

	triageMetrics, err := metrics.NewTriageMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create Triage metrics: %w", err)
	}

	batchMetrics, err := metrics.NewBatchMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create Batch metrics: %w", err)
	}

	datastoreMetrics, err := metrics.NewDatastoreMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create Datastore metrics: %w", err)
	}

	notificationMetrics, err := metrics.NewNotificationMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create Notification metrics: %w", err)
	}

	mqttMetrics, err := metrics.NewMQTTMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create MQTT metrics: %w", err)
	}

	httpMetrics, err := metrics.NewHTTPMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP metrics: %w", err)
	}

	diskManagerMetrics, err := metrics.NewDiskManagerMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create DiskManager metrics: %w", err)
	}

	m := &Metrics{
		registry:     registry,
		Ensemble:     ensembleMetrics,
		Triage:       triageMetrics,
		Batch:        batchMetrics,
		Datastore:    datastoreMetrics,
		Notification: notificationMetrics,
		MQTT:         mqttMetrics,
		HTTP:         httpMetrics,
		DiskManager:  diskManagerMetrics,
	}

	// Wire metrics into packages that record through package-level hooks
	datastore.SetMetrics(datastoreMetrics)
	diskmanager.SetMetrics(diskManagerMetrics)

	return m, nil
}

// RegisterHandlers registers the metrics endpoint with the provided http.ServeMux.
func (m *Metrics) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/metrics", m.metricsHandler)
}

// metricsHandler is the HTTP handler for the /metrics endpoint.
func (m *Metrics) metricsHandler(w http.ResponseWriter, r *http.Request) {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog:      log.New(os.Stderr, "metrics handler: ", log.LstdFlags),
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
	h.ServeHTTP(w, r)
}
