// Package clinic wires the ChestNet subsystems together for the server
// and CLI entry points.
package clinic

import (
	"fmt"
	"log/slog"

	"github.com/chestnet/chestnet-go/internal/conf"
	"github.com/chestnet/chestnet-go/internal/datastore"
	"github.com/chestnet/chestnet-go/internal/ensemble"
	"github.com/chestnet/chestnet-go/internal/logging"
	"github.com/chestnet/chestnet-go/internal/monitor"
	"github.com/chestnet/chestnet-go/internal/observability"
	"github.com/chestnet/chestnet-go/internal/securefs"
	"github.com/chestnet/chestnet-go/internal/triage"
)

func getLogger() *slog.Logger {
	logger := logging.ForService("clinic")
	if logger == nil {
		logger = slog.Default().With("service", "clinic")
	}
	return logger
}

// core holds the subsystems every triage path needs: database, media
// sandbox, metrics, the model ensemble and the processor on top.
type core struct {
	settings  *conf.Settings
	ds        datastore.Interface
	media     *securefs.SecureFS
	metrics   *observability.Metrics
	sysMon    *monitor.SystemMonitor
	ensemble  *ensemble.Ensemble
	processor *triage.Processor
	log       *slog.Logger
}

// newCore opens the datastore and builds the triage pipeline. The
// monitor doubles as the memory gate for lazy model loading; it is
// created here but only started by the server path.
func newCore(settings *conf.Settings) (*core, error) {
	ds := datastore.New(settings)
	if err := ds.Open(); err != nil {
		return nil, fmt.Errorf("opening datastore: %w", err)
	}

	media, err := securefs.New(settings.Media.BasePath)
	if err != nil {
		_ = ds.Close()
		return nil, fmt.Errorf("opening media store: %w", err)
	}

	obs, err := observability.NewMetrics()
	if err != nil {
		_ = media.Close()
		_ = ds.Close()
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}

	sysMon := monitor.NewSystemMonitor(settings)

	ens, err := ensemble.New(settings, obs.Ensemble, sysMon)
	if err != nil {
		_ = media.Close()
		_ = ds.Close()
		return nil, fmt.Errorf("initializing ensemble: %w", err)
	}

	proc, err := triage.New(settings, ds, ens, media, obs)
	if err != nil {
		_ = media.Close()
		_ = ds.Close()
		return nil, fmt.Errorf("initializing triage processor: %w", err)
	}

	return &core{
		settings:  settings,
		ds:        ds,
		media:     media,
		metrics:   obs,
		sysMon:    sysMon,
		ensemble:  ens,
		processor: proc,
		log:       getLogger(),
	}, nil
}

func (c *core) close() {
	if err := c.media.Close(); err != nil {
		c.log.Warn("closing media store", "error", err)
	}
	if err := c.ds.Close(); err != nil {
		c.log.Warn("closing datastore", "error", err)
	}
}
