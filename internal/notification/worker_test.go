package notification

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cherrors "github.com/chestnet/chestnet-go/internal/errors"
	"github.com/chestnet/chestnet-go/internal/events"
)

// fakeErrorEvent implements events.ErrorEvent for tests.
type fakeErrorEvent struct {
	component string
	category  string
	message   string
	reported  bool
}

func (e *fakeErrorEvent) GetComponent() string          { return e.component }
func (e *fakeErrorEvent) GetCategory() string           { return e.category }
func (e *fakeErrorEvent) GetContext() map[string]any    { return nil }
func (e *fakeErrorEvent) GetTimestamp() time.Time       { return time.Now() }
func (e *fakeErrorEvent) GetError() error               { return errors.New(e.message) }
func (e *fakeErrorEvent) GetMessage() string            { return e.message }
func (e *fakeErrorEvent) IsReported() bool              { return e.reported }
func (e *fakeErrorEvent) MarkReported()                 { e.reported = true }

func TestWorkerCreatesNotificationForCriticalCategory(t *testing.T) {
	svc := newTestService(t, nil)
	worker, err := NewNotificationWorker(svc, nil)
	require.NoError(t, err)

	err = worker.ProcessEvent(&fakeErrorEvent{
		component: "datastore",
		category:  string(cherrors.CategoryDatabase),
		message:   "database connection lost",
	})
	require.NoError(t, err)

	list, err := svc.List(&FilterOptions{Component: "datastore"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, PriorityCritical, list[0].Priority)
	assert.Equal(t, TypeError, list[0].Type)
	assert.Equal(t, EventSystemError, list[0].Metadata[MetadataKeyEvent])
	assert.Contains(t, list[0].Message, "database connection lost")

	stats := worker.GetStats()
	assert.Equal(t, uint64(1), stats.EventsProcessed)
}

func TestWorkerIgnoresLowPriorityCategories(t *testing.T) {
	svc := newTestService(t, nil)
	worker, err := NewNotificationWorker(svc, nil)
	require.NoError(t, err)

	for _, category := range []string{
		string(cherrors.CategoryValidation),
		string(cherrors.CategoryNotFound),
		string(cherrors.CategoryGeneric),
	} {
		err := worker.ProcessEvent(&fakeErrorEvent{
			component: "api",
			category:  category,
			message:   "noise",
		})
		require.NoError(t, err)
	}

	list, err := svc.List(nil)
	require.NoError(t, err)
	assert.Empty(t, list, "low and medium priority errors must not surface")
}

func TestWorkerDropsRateLimitedSilently(t *testing.T) {
	svc := newTestService(t, &ServiceConfig{
		MaxNotifications:  10,
		CleanupInterval:   time.Hour,
		RateLimitWindow:   time.Minute,
		RateLimitMaxEvents: 1,
	})
	worker, err := NewNotificationWorker(svc, nil)
	require.NoError(t, err)

	event := &fakeErrorEvent{
		component: "mqtt",
		category:  string(cherrors.CategoryMQTTConn),
		message:   "broker unreachable",
	}

	require.NoError(t, worker.ProcessEvent(event))
	// Second event trips the service rate limit, worker must swallow it
	require.NoError(t, worker.ProcessEvent(event))

	stats := worker.GetStats()
	assert.Equal(t, uint64(1), stats.EventsProcessed)
	assert.Equal(t, uint64(1), stats.EventsDropped)
	assert.Equal(t, uint64(0), stats.EventsFailed)
}

func TestWorkerCircuitBreakerOpensAndDrops(t *testing.T) {
	svc := newTestService(t, &ServiceConfig{
		MaxNotifications:  10,
		CleanupInterval:   time.Hour,
		RateLimitWindow:   time.Hour,
		RateLimitMaxEvents: 1,
	})
	worker, err := NewNotificationWorker(svc, &WorkerConfig{
		FailureThreshold:  2,
		RecoveryTimeout:   time.Hour,
		HalfOpenMaxEvents: 1,
	})
	require.NoError(t, err)

	event := &fakeErrorEvent{
		component: "triage",
		category:  string(cherrors.CategoryTriage),
		message:   "inference failed",
	}

	// First publish succeeds, next two are rate limited and count as failures
	require.NoError(t, worker.ProcessEvent(event))
	require.NoError(t, worker.ProcessEvent(event))
	require.NoError(t, worker.ProcessEvent(event))

	assert.Equal(t, circuitStateOpen, worker.GetStats().CircuitState)

	// With the breaker open, events are dropped without touching the service
	before := worker.GetStats().EventsDropped
	require.NoError(t, worker.ProcessEvent(event))
	assert.Equal(t, before+1, worker.GetStats().EventsDropped)
}

func TestWorkerProcessBatch(t *testing.T) {
	svc := newTestService(t, nil)
	worker, err := NewNotificationWorker(svc, nil)
	require.NoError(t, err)

	batch := []events.ErrorEvent{
		&fakeErrorEvent{component: "backup", category: string(cherrors.CategoryBackup), message: "upload failed"},
		&fakeErrorEvent{component: "report", category: string(cherrors.CategoryReport), message: "pdf render failed"},
	}
	require.NoError(t, worker.ProcessBatch(batch))

	list, err := svc.List(nil)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}
