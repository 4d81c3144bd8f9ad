// Package observability provides Prometheus metrics functionality for monitoring the chestnet application.
// Sentry-related monitoring and error telemetry are handled in the telemetry package.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/chestnet/chestnet-go/internal/conf"
	metricspkg "github.com/chestnet/chestnet-go/internal/observability/metrics"
)

// Endpoint handles all operations related to Prometheus-compatible telemetry.
type Endpoint struct {
	server        *http.Server
	listenAddress string
	metrics       *Metrics
}

// NewEndpoint creates a new instance of telemetry Endpoint.
//
// It initializes the Endpoint with the provided settings and metrics.
// If the metrics endpoint is not enabled in the settings, it returns an
// error. The function does not create new metrics but uses the provided
// Metrics instance; ensure it is properly initialized first.
func NewEndpoint(settings *conf.Settings, metrics *Metrics) (*Endpoint, error) {
	if !settings.Telemetry.Enabled {
		return nil, fmt.Errorf("telemetry not enabled in settings")
	}

	return &Endpoint{
		listenAddress: settings.Telemetry.Listen,
		metrics:       metrics,
	}, nil
}

// Start initializes and runs the HTTP server for the telemetry endpoint.
//
// It sets up the necessary routes, starts the server in a separate goroutine,
// and listens for a quit signal to shut down gracefully.
func (e *Endpoint) Start(wg *sync.WaitGroup, quitChan <-chan struct{}) {
	mux := http.NewServeMux()
	e.metrics.RegisterHandlers(mux)

	e.server = &http.Server{
		Addr:    e.listenAddress,
		Handler: mux,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("metrics endpoint starting", "address", e.listenAddress)
		if err := e.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics HTTP server error", "error", err)
		}
	}()

	go e.gracefulShutdown(quitChan)
}

// gracefulShutdown waits for the quit signal and shuts down the server gracefully.
func (e *Endpoint) gracefulShutdown(quitChan <-chan struct{}) {
	<-quitChan
	logger.Info("stopping metrics server")
	ctx, cancel := context.WithTimeout(context.Background(), metricspkg.ShutdownTimeout)
	defer cancel()
	if err := e.server.Shutdown(ctx); err != nil {
		logger.Error("metrics server shutdown error", "error", err)
	}
}

// GetMetrics returns the Metrics instance associated with this Endpoint.
func (e *Endpoint) GetMetrics() *Metrics {
	return e.metrics
}
