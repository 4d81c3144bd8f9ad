package clinic

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chestnet/chestnet-go/internal/api"
	v2 "github.com/chestnet/chestnet-go/internal/api/v2"
	"github.com/chestnet/chestnet-go/internal/appointment"
	"github.com/chestnet/chestnet-go/internal/backup"
	"github.com/chestnet/chestnet-go/internal/backup/sources"
	"github.com/chestnet/chestnet-go/internal/backup/targets"
	"github.com/chestnet/chestnet-go/internal/batch"
	"github.com/chestnet/chestnet-go/internal/conf"
	"github.com/chestnet/chestnet-go/internal/diskmanager"
	"github.com/chestnet/chestnet-go/internal/events"
	"github.com/chestnet/chestnet-go/internal/mqtt"
	"github.com/chestnet/chestnet-go/internal/notification"
	"github.com/chestnet/chestnet-go/internal/observability"
	"github.com/chestnet/chestnet-go/internal/report"
	"github.com/chestnet/chestnet-go/internal/security"
	"github.com/chestnet/chestnet-go/internal/telemetry"
)

const (
	processorStopTimeout = 30 * time.Second
	eventBusStopTimeout  = 5 * time.Second
)

// Serve runs the full triage service: HTTP API, triage workers, batch
// manager, appointment reminders, retention and backup schedulers. It
// blocks until the context is cancelled or the server stops.
func Serve(ctx context.Context, settings *conf.Settings) error {
	log := getLogger()

	// The event bus must come up before telemetry, notifications and the
	// monitor: they all register consumers or publish through it, and
	// each silently degrades to a no-op when it is absent.
	if err := initEventBus(); err != nil {
		return fmt.Errorf("initializing event bus: %w", err)
	}
	defer func() {
		if bus := events.GetEventBus(); bus != nil {
			if err := bus.Shutdown(eventBusStopTimeout); err != nil {
				log.Warn("event bus did not drain in time", "error", err)
			}
		}
	}()

	if err := initTelemetry(settings); err != nil {
		log.Warn("telemetry initialization failed", "error", err)
	}

	c, err := newCore(settings)
	if err != nil {
		return err
	}
	defer c.close()

	// Dynamic config sections (thresholds, providers, retention) apply
	// without a restart.
	conf.EnableWatch(func(s *conf.Settings) {
		log.Info("configuration reloaded from disk", "debug", s.Debug)
	})

	notifier := initNotifications(settings, c)
	defer func() {
		if notifier != nil {
			notifier.Stop()
		}
	}()

	if settings.Monitoring.Enabled {
		c.sysMon.Start()
		defer c.sysMon.Stop()
	}

	// Report generation feeds the processor so diagnoses above the
	// reporting threshold get their PDF without a second API call.
	reports, err := report.New(settings, c.ds, c.media)
	if err != nil {
		return fmt.Errorf("initializing report generator: %w", err)
	}
	c.processor.SetReportGenerator(reports)
	c.processor.SetNotificationService(notifier)

	var mqttClient mqtt.Client
	if settings.MQTT.Enabled {
		mqttClient, err = mqtt.NewClient(settings, c.metrics)
		if err != nil {
			return fmt.Errorf("initializing mqtt client: %w", err)
		}
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := mqttClient.Connect(connectCtx); err != nil {
			log.Warn("mqtt broker unreachable, diagnoses will not be published", "error", err)
		}
		cancel()
		c.processor.SetMqttClient(mqttClient)
	}

	c.processor.Start(ctx)
	defer func() {
		if err := c.processor.Stop(processorStopTimeout); err != nil {
			log.Warn("triage processor did not drain in time", "error", err)
		}
	}()

	batches, err := batch.New(settings, c.ds, c.processor, c.metrics)
	if err != nil {
		return fmt.Errorf("initializing batch manager: %w", err)
	}
	batches.SetNotificationService(notifier)
	// Jobs interrupted by a previous shutdown pick up where they left off.
	if err := batches.Resume(ctx); err != nil {
		log.Warn("resuming interrupted batch jobs failed", "error", err)
	}
	defer batches.Wait()

	appointments, err := appointment.NewService(settings, c.ds)
	if err != nil {
		return fmt.Errorf("initializing appointment service: %w", err)
	}
	appointments.SetNotificationService(notifier)
	if settings.Appointment.Reminder.Enabled {
		go appointments.RunReminderLoop(ctx)
	}

	if settings.Media.Retention.Policy != "none" && settings.Media.Retention.Policy != "" {
		cleaner, err := diskmanager.NewManager(settings, c.ds, c.media)
		if err != nil {
			return fmt.Errorf("initializing disk manager: %w", err)
		}
		go cleaner.Run(ctx, 1*time.Hour)
	}

	backups, backupScheduler, err := initBackups(ctx, settings)
	if err != nil {
		return fmt.Errorf("initializing backups: %w", err)
	}
	if backupScheduler != nil {
		defer backupScheduler.Stop()
	}

	var wg sync.WaitGroup
	quit := make(chan struct{})
	defer close(quit)
	if settings.Telemetry.Enabled {
		endpoint, err := observability.NewEndpoint(settings, c.metrics)
		if err != nil {
			return fmt.Errorf("initializing metrics endpoint: %w", err)
		}
		endpoint.Start(&wg, quit)
	}

	tokens, err := security.NewTokenService(
		settings.Security.JWT.Secret,
		settings.Security.JWT.Issuer,
		settings.Security.JWT.AccessTokenExp,
		settings.Security.JWT.RefreshTokenExp,
	)
	if err != nil {
		return fmt.Errorf("initializing token service: %w", err)
	}
	auth := security.NewAuthService(c.ds, tokens)

	server, err := api.NewServer(settings, c.ds, c.media, c.metrics, nil,
		v2.WithAuthService(auth),
		v2.WithProcessor(c.processor),
		v2.WithBatchManager(batches),
		v2.WithAppointmentService(appointments),
		v2.WithReportGenerator(reports),
		v2.WithNotificationService(notifier),
		v2.WithSystemMonitor(c.sysMon),
		v2.WithBackupManager(backups),
	)
	if err != nil {
		return fmt.Errorf("initializing http server: %w", err)
	}

	log.Info("chestnet service started",
		"node", settings.Main.Name,
		"version", settings.Version,
		"port", settings.WebServer.Port)

	err = server.StartWithGracefulShutdown(ctx)

	wg.Wait()
	return err
}

// initEventBus starts the shared asynchronous event bus. Idempotent,
// repeated calls return the existing instance.
func initEventBus() error {
	_, err := events.Initialize(events.DefaultConfig())
	return err
}

// initTelemetry brings up Sentry and the error hook. Failures here are
// never fatal, the service runs fine without telemetry.
func initTelemetry(settings *conf.Settings) error {
	if err := telemetry.InitializeSystemID(settings); err != nil {
		return err
	}
	if !settings.Sentry.Enabled {
		return nil
	}
	if err := telemetry.InitSentry(settings); err != nil {
		return err
	}
	telemetry.InitializeErrorIntegration()
	return telemetry.InitializeEventBusIntegration()
}

// initNotifications sets up the in-process notification service plus
// any configured push providers.
func initNotifications(settings *conf.Settings, c *core) *notification.Service {
	log := getLogger()

	notification.Initialize(notification.DefaultServiceConfig())
	notifier := notification.GetService()
	notifier.SetHistoryStore(c.ds)

	if err := notification.InitializeEventBusIntegration(); err != nil {
		log.Warn("notification event bus integration failed", "error", err)
	}
	if err := notification.InitializePushFromConfig(settings, c.metrics.Notification); err != nil {
		log.Warn("push provider initialization failed", "error", err)
	}
	return notifier
}

// initBackups builds the backup manager and its cron scheduler when
// backups are enabled. Both return values are nil when disabled.
func initBackups(ctx context.Context, settings *conf.Settings) (*backup.Manager, *backup.Scheduler, error) {
	if !settings.Backup.Enabled {
		return nil, nil, nil
	}

	manager, err := newBackupManager(ctx, settings)
	if err != nil {
		return nil, nil, err
	}

	scheduler, err := backup.NewScheduler(manager)
	if err != nil {
		return nil, nil, err
	}
	scheduler.Start(ctx)

	return manager, scheduler, nil
}

// newBackupManager assembles a started manager with the database and
// report sources plus every enabled target from the configuration.
func newBackupManager(ctx context.Context, settings *conf.Settings) (*backup.Manager, error) {
	manager, err := backup.NewManager(settings)
	if err != nil {
		return nil, err
	}

	if err := manager.RegisterSource(sources.NewSQLiteSource(settings)); err != nil {
		return nil, err
	}
	if err := manager.RegisterSource(sources.NewReportsSource(settings)); err != nil {
		return nil, err
	}

	for i := range settings.Backup.Targets {
		targetCfg := &settings.Backup.Targets[i]
		if !targetCfg.Enabled {
			continue
		}
		target, err := targets.NewTarget(targetCfg)
		if err != nil {
			return nil, fmt.Errorf("backup target %q: %w", targetCfg.Type, err)
		}
		if err := manager.RegisterTarget(ctx, target); err != nil {
			return nil, err
		}
	}

	if err := manager.Start(); err != nil {
		return nil, err
	}
	return manager, nil
}

// RunBackup performs a single manual backup run and returns once every
// source has been written to every target.
func RunBackup(ctx context.Context, settings *conf.Settings) error {
	if !settings.Backup.Enabled {
		return fmt.Errorf("backups are disabled in the configuration")
	}
	manager, err := newBackupManager(ctx, settings)
	if err != nil {
		return err
	}
	return manager.RunBackup(ctx, false)
}
