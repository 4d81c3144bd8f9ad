package events

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockErrorEvent implements ErrorEvent for testing
type mockErrorEvent struct {
	component string
	category  string
	message   string
	context   map[string]any
	timestamp time.Time
	reported  atomic.Bool
}

func (m *mockErrorEvent) GetComponent() string       { return m.component }
func (m *mockErrorEvent) GetCategory() string        { return m.category }
func (m *mockErrorEvent) GetContext() map[string]any { return m.context }
func (m *mockErrorEvent) GetTimestamp() time.Time    { return m.timestamp }
func (m *mockErrorEvent) GetError() error            { return nil }
func (m *mockErrorEvent) GetMessage() string         { return m.message }
func (m *mockErrorEvent) IsReported() bool           { return m.reported.Load() }
func (m *mockErrorEvent) MarkReported()              { m.reported.Store(true) }

// mockConsumer implements EventConsumer for testing
type mockConsumer struct {
	name           string
	processedCount atomic.Int32
	resourceCount  atomic.Int32
	triageCount    atomic.Int32
	errorOnProcess bool
	supportsBatch  bool
	mu             sync.Mutex
	events         []ErrorEvent
}

func (m *mockConsumer) Name() string { return m.name }

func (m *mockConsumer) ProcessEvent(event ErrorEvent) error {
	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()

	m.processedCount.Add(1)

	if m.errorOnProcess {
		return fmt.Errorf("mock error")
	}
	return nil
}

func (m *mockConsumer) ProcessBatch(events []ErrorEvent) error {
	for _, event := range events {
		if err := m.ProcessEvent(event); err != nil {
			return err
		}
	}
	return nil
}

func (m *mockConsumer) SupportsBatching() bool { return m.supportsBatch }

func (m *mockConsumer) ProcessResourceEvent(event ResourceEvent) error {
	m.resourceCount.Add(1)
	return nil
}

func (m *mockConsumer) ProcessTriageEvent(event TriageEvent) error {
	m.triageCount.Add(1)
	return nil
}

// waitFor polls until check passes or the timeout elapses
func waitFor(t *testing.T, timeout time.Duration, check func() bool, msg string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			require.Fail(t, "timeout", msg)
		case <-ticker.C:
			if check() {
				return
			}
		}
	}
}

func newTestBus(t *testing.T) *EventBus {
	t.Helper()
	ResetForTesting()

	eb, err := Initialize(&Config{
		BufferSize: 100,
		Workers:    2,
		Enabled:    true,
		Deduplication: &DeduplicationConfig{
			Enabled:         true,
			TTL:             time.Minute,
			MaxEntries:      100,
			CleanupInterval: 0,
		},
	})
	require.NoError(t, err)
	require.NotNil(t, eb)

	t.Cleanup(func() {
		_ = eb.Shutdown(time.Second)
		ResetForTesting()
	})

	return eb
}

func TestEventBusDeliversErrorEvents(t *testing.T) {
	eb := newTestBus(t)

	consumer := &mockConsumer{name: "test-consumer"}
	require.NoError(t, eb.RegisterConsumer(consumer))

	event := &mockErrorEvent{
		component: "ensemble",
		category:  "model-loading",
		message:   "failed to load model",
		timestamp: time.Now(),
	}

	require.True(t, eb.TryPublish(event))

	waitFor(t, time.Second, func() bool {
		return consumer.processedCount.Load() == 1
	}, "consumer never saw the event")

	stats := eb.GetStats()
	assert.Equal(t, uint64(1), stats.EventsReceived)
}

func TestEventBusSuppressesDuplicates(t *testing.T) {
	eb := newTestBus(t)

	consumer := &mockConsumer{name: "dedup-consumer"}
	require.NoError(t, eb.RegisterConsumer(consumer))

	for i := 0; i < 5; i++ {
		eb.TryPublish(&mockErrorEvent{
			component: "datastore",
			category:  "database",
			message:   "database is locked",
			timestamp: time.Now(),
		})
	}

	waitFor(t, time.Second, func() bool {
		return consumer.processedCount.Load() == 1
	}, "expected exactly one delivery")

	stats := eb.GetStats()
	assert.Equal(t, uint64(4), stats.EventsSuppressed)
	assert.Equal(t, uint64(1), stats.EventsReceived)
}

func TestEventBusRejectsDuplicateConsumerNames(t *testing.T) {
	eb := newTestBus(t)

	require.NoError(t, eb.RegisterConsumer(&mockConsumer{name: "same"}))
	err := eb.RegisterConsumer(&mockConsumer{name: "same"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestEventBusResourceEventsReachResourceConsumers(t *testing.T) {
	eb := newTestBus(t)

	consumer := &mockConsumer{name: "resource-consumer"}
	require.NoError(t, eb.RegisterConsumer(consumer))

	event := NewResourceEventWithPath(ResourceDisk, 92.3, 90.0, SeverityCritical, "/media")
	require.True(t, eb.TryPublishResource(event))

	waitFor(t, time.Second, func() bool {
		return consumer.resourceCount.Load() == 1
	}, "resource event never delivered")
}

func TestEventBusTriageEventsReachTriageConsumers(t *testing.T) {
	eb := newTestBus(t)

	consumer := &mockConsumer{name: "triage-consumer"}
	require.NoError(t, eb.RegisterConsumer(consumer))

	event, err := NewTriageEvent(42, "COVID-19", 0.91, "critical", false, 0.83)
	require.NoError(t, err)
	require.True(t, eb.TryPublishTriage(event))

	waitFor(t, time.Second, func() bool {
		return consumer.triageCount.Load() == 1
	}, "triage event never delivered")
}

func TestEventBusConsumerErrorsAreCounted(t *testing.T) {
	eb := newTestBus(t)

	consumer := &mockConsumer{name: "failing", errorOnProcess: true}
	require.NoError(t, eb.RegisterConsumer(consumer))

	eb.TryPublish(&mockErrorEvent{
		component: "api",
		category:  "http-request",
		message:   "boom",
		timestamp: time.Now(),
	})

	waitFor(t, time.Second, func() bool {
		return eb.GetStats().ConsumerErrors == 1
	}, "consumer error never counted")
}

func TestTryPublishWithoutConsumersIsFastPath(t *testing.T) {
	eb := newTestBus(t)

	// No consumer registered, bus not running
	ok := eb.TryPublish(&mockErrorEvent{
		component: "imaging",
		category:  "image-decode",
		message:   "bad header",
		timestamp: time.Now(),
	})
	assert.False(t, ok)
}

func TestNewTriageEventValidation(t *testing.T) {
	tests := []struct {
		name       string
		xrayID     uint
		label      string
		confidence float64
		agreement  float64
		wantErr    bool
	}{
		{"valid", 1, "Normal", 0.8, 1.0, false},
		{"zero xray id", 0, "Normal", 0.8, 1.0, true},
		{"empty label", 1, "", 0.8, 1.0, true},
		{"confidence above one", 1, "Normal", 1.2, 1.0, true},
		{"negative agreement", 1, "Normal", 0.8, -0.1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTriageEvent(tt.xrayID, tt.label, tt.confidence, "low", false, tt.agreement)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestDeduplicatorTTLExpiry(t *testing.T) {
	ed := NewErrorDeduplicator(&DeduplicationConfig{
		Enabled:         true,
		TTL:             50 * time.Millisecond,
		MaxEntries:      10,
		CleanupInterval: 0,
	}, discardLogger())

	event := &mockErrorEvent{component: "mqtt", category: "mqtt-publish", message: "broker unreachable"}

	assert.True(t, ed.ShouldProcess(event))
	assert.False(t, ed.ShouldProcess(event))

	time.Sleep(80 * time.Millisecond)

	assert.True(t, ed.ShouldProcess(event), "expired entry should process again")
}

func TestDeduplicatorEvictsOldestWhenFull(t *testing.T) {
	ed := NewErrorDeduplicator(&DeduplicationConfig{
		Enabled:         true,
		TTL:             time.Minute,
		MaxEntries:      2,
		CleanupInterval: 0,
	}, discardLogger())

	first := &mockErrorEvent{component: "a", category: "generic", message: "one"}
	second := &mockErrorEvent{component: "b", category: "generic", message: "two"}
	third := &mockErrorEvent{component: "c", category: "generic", message: "three"}

	assert.True(t, ed.ShouldProcess(first))
	assert.True(t, ed.ShouldProcess(second))
	assert.True(t, ed.ShouldProcess(third))

	stats := ed.GetStats()
	assert.Equal(t, 2, stats.CacheSize)

	// first was evicted, so it processes again
	assert.True(t, ed.ShouldProcess(first))
}
