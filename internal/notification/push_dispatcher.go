package notification

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chestnet/chestnet-go/internal/conf"
	"github.com/chestnet/chestnet-go/internal/errors"
	"github.com/chestnet/chestnet-go/internal/observability/metrics"
)

const (
	// defaultPushMaxRetries is how many times a failed send is retried.
	defaultPushMaxRetries = 3
	// defaultPushRetryDelay is the pause between retry attempts.
	defaultPushRetryDelay = 5 * time.Second
	// defaultPushTimeout bounds a single send attempt.
	defaultPushTimeout = 30 * time.Second
)

// pushDispatcher subscribes to the notification service and forwards
// notifications to providers whose event filter matches. Each provider
// gets its own circuit breaker and shares a token bucket rate limiter.
type pushDispatcher struct {
	providers   []registeredProvider
	log         *slog.Logger
	metrics     *metrics.NotificationMetrics
	rateLimiter *PushRateLimiter
	maxRetries  int
	retryDelay  time.Duration
	sendTimeout time.Duration
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

type registeredProvider struct {
	prov    Provider
	breaker *PushCircuitBreaker
}

var (
	globalPushDispatcher *pushDispatcher
	dispatcherOnce       sync.Once
)

// InitializePushFromConfig builds and starts the push dispatcher from
// the configured notification providers.
func InitializePushFromConfig(settings *conf.Settings, notificationMetrics *metrics.NotificationMetrics) error {
	var initErr error
	dispatcherOnce.Do(func() {
		if settings == nil || len(settings.Notification.Providers) == 0 {
			return
		}

		pd := &pushDispatcher{
			log:         getFileLogger(settings.Notification.Debug),
			metrics:     notificationMetrics,
			rateLimiter: NewPushRateLimiter(DefaultPushRateLimiterConfig()),
			maxRetries:  defaultPushMaxRetries,
			retryDelay:  defaultPushRetryDelay,
			sendTimeout: defaultPushTimeout,
		}

		for i := range settings.Notification.Providers {
			pc := &settings.Notification.Providers[i]
			prov := buildProvider(pc)
			if prov == nil {
				pd.log.Warn("unknown push provider type", "name", pc.Name, "type", pc.Type)
				continue
			}
			if err := prov.ValidateConfig(); err != nil {
				pd.log.Error("push provider config invalid",
					"name", pc.Name, "type", pc.Type, "error", err)
				continue
			}
			if prov.IsEnabled() {
				pd.providers = append(pd.providers, registeredProvider{
					prov:    prov,
					breaker: NewPushCircuitBreaker(DefaultCircuitBreakerConfig(), notificationMetrics, prov.GetName()),
				})
			}
		}

		globalPushDispatcher = pd
		initErr = pd.start()
	})
	return initErr
}

// GetPushDispatcher returns the dispatcher if initialized.
func GetPushDispatcher() *pushDispatcher { return globalPushDispatcher }

// buildProvider constructs a provider from one config entry.
func buildProvider(pc *conf.NotificationProvider) Provider {
	switch strings.ToLower(pc.Type) {
	case "shoutrrr":
		return NewShoutrrrProvider(pc.Name, pc.Enabled, pc.URL, pc.Events, defaultPushTimeout)
	case "webhook":
		return NewWebhookProvider(pc.Name, pc.Enabled, pc.URL, pc.Token, pc.Headers, pc.Events)
	default:
		return nil
	}
}

func (d *pushDispatcher) start() error {
	if len(d.providers) == 0 {
		d.log.Info("no enabled push providers configured")
		return nil
	}

	service := GetService()
	if service == nil {
		return fmt.Errorf("notification service not initialized")
	}

	ch, subCtx := service.Subscribe()
	ctx, cancel := context.WithCancel(subCtx)
	d.cancel = cancel

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case notif, ok := <-ch:
				if !ok || notif == nil {
					return
				}
				d.wg.Add(1)
				go func() {
					defer d.wg.Done()
					d.dispatch(ctx, notif)
				}()
			case <-ctx.Done():
				return
			}
		}
	}()

	d.log.Info("push dispatcher started", "providers", len(d.providers))
	return nil
}

// Stop terminates the dispatcher and waits for in-flight sends.
func (d *pushDispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// dispatch fans a notification out to every matching provider.
func (d *pushDispatcher) dispatch(ctx context.Context, notif *Notification) {
	event := eventForNotification(notif)

	for i := range d.providers {
		rp := &d.providers[i]
		if !rp.prov.IsEnabled() || !rp.prov.SupportsEvent(event) {
			if d.metrics != nil {
				d.metrics.RecordFilterRejection(rp.prov.GetName(), "event")
			}
			continue
		}
		if d.metrics != nil {
			d.metrics.RecordFilterMatch(rp.prov.GetName(), event)
		}

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.sendWithRetry(ctx, rp, notif, event)
		}()
	}
}

// sendWithRetry delivers through the provider's circuit breaker,
// retrying failed attempts up to maxRetries.
func (d *pushDispatcher) sendWithRetry(ctx context.Context, rp *registeredProvider, notif *Notification, event string) {
	name := rp.prov.GetName()

	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return
		}

		if !d.rateLimiter.Allow() {
			d.log.Warn("push rate limit exceeded, dropping notification",
				"provider", name, "event", event, "notification_id", notif.ID)
			if d.metrics != nil {
				d.metrics.RecordDeliveryError(name, string(notif.Type), "rate-limit")
			}
			return
		}

		start := time.Now()
		err := rp.breaker.Call(ctx, func(callCtx context.Context) error {
			sendCtx, cancel := context.WithTimeout(callCtx, d.sendTimeout)
			defer cancel()
			return rp.prov.Send(sendCtx, notif)
		})

		if err == nil {
			if d.metrics != nil {
				d.metrics.RecordDelivery(name, string(notif.Type), "success", time.Since(start))
				if attempt > 0 {
					d.metrics.RecordRetrySuccess(name)
				}
			}
			return
		}

		if d.metrics != nil {
			d.metrics.RecordDeliveryError(name, string(notif.Type), "send")
		}

		// Circuit open means the provider is down, retrying now is pointless
		if errors.Is(err, ErrCircuitBreakerOpen) || errors.Is(err, ErrTooManyRequests) {
			d.log.Debug("circuit breaker rejected push",
				"provider", name, "event", event)
			return
		}

		if attempt < d.maxRetries {
			if d.metrics != nil {
				d.metrics.RecordRetryAttempt(name)
			}
			select {
			case <-time.After(d.retryDelay):
			case <-ctx.Done():
				return
			}
			continue
		}

		d.log.Error("push send failed",
			"provider", name,
			"event", event,
			"attempts", attempt+1,
			"error", err)
	}
}
