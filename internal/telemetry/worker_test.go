package telemetry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chestnet/chestnet-go/internal/errors"
	"github.com/chestnet/chestnet-go/internal/events"
)

// mockErrorEvent implements events.ErrorEvent for worker tests
type mockErrorEvent struct {
	component string
	category  string
	message   string
	err       error
	ctx       map[string]any
	timestamp time.Time
	reported  atomic.Bool
}

type mockEventOption func(*mockErrorEvent)

// WithReported marks the event as already reported
func WithReported() mockEventOption {
	return func(m *mockErrorEvent) {
		m.reported.Store(true)
	}
}

// WithEventContext attaches context data to the event
func WithEventContext(ctx map[string]any) mockEventOption {
	return func(m *mockErrorEvent) {
		m.ctx = ctx
	}
}

// NewMockErrorEvent creates a mock error event for testing
func NewMockErrorEvent(component, message string, opts ...mockEventOption) *mockErrorEvent {
	m := &mockErrorEvent{
		component: component,
		category:  "generic-error",
		message:   message,
		err:       fmt.Errorf("%s", message),
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *mockErrorEvent) GetComponent() string       { return m.component }
func (m *mockErrorEvent) GetCategory() string        { return m.category }
func (m *mockErrorEvent) GetContext() map[string]any { return m.ctx }
func (m *mockErrorEvent) GetTimestamp() time.Time    { return m.timestamp }
func (m *mockErrorEvent) GetError() error            { return m.err }
func (m *mockErrorEvent) GetMessage() string         { return m.message }
func (m *mockErrorEvent) IsReported() bool           { return m.reported.Load() }
func (m *mockErrorEvent) MarkReported()              { m.reported.Store(true) }

// mockReporter implements errors.TelemetryReporter and records calls
type mockReporter struct {
	mu       sync.Mutex
	reported []*errors.EnhancedError
}

func (r *mockReporter) ReportError(ee *errors.EnhancedError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reported = append(r.reported, ee)
}

func (r *mockReporter) IsEnabled() bool { return true }

func (r *mockReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reported)
}

func (r *mockReporter) last() *errors.EnhancedError {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.reported) == 0 {
		return nil
	}
	return r.reported[len(r.reported)-1]
}

// FakeTimeSource allows rate limiter tests to control time
type FakeTimeSource struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeTimeSource(start time.Time) *FakeTimeSource {
	return &FakeTimeSource{now: start}
}

func (f *FakeTimeSource) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *FakeTimeSource) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestWorker(t *testing.T, enabled bool, config *WorkerConfig) (*TelemetryWorker, *mockReporter) {
	t.Helper()

	worker, err := NewTelemetryWorker(enabled, config)
	require.NoError(t, err, "Failed to create worker")

	reporter := &mockReporter{}
	worker.sentryReporter = reporter
	return worker, reporter
}

func TestTelemetryWorker_ProcessEvent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		enabled      bool
		event        *mockErrorEvent
		expectReport bool
	}{
		{
			name:         "enabled_worker_processes_event",
			enabled:      true,
			event:        NewMockErrorEvent("ensemble", "model load failed"),
			expectReport: true,
		},
		{
			name:         "disabled_worker_skips_event",
			enabled:      false,
			event:        NewMockErrorEvent("ensemble", "model load failed"),
			expectReport: false,
		},
		{
			name:         "already_reported_event_skipped",
			enabled:      true,
			event:        NewMockErrorEvent("ensemble", "model load failed", WithReported()),
			expectReport: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			worker, reporter := newTestWorker(t, tt.enabled, nil)

			err := worker.ProcessEvent(tt.event)
			require.NoError(t, err, "ProcessEvent should not fail")

			stats := worker.GetStats()
			if tt.expectReport {
				assert.NotZero(t, stats.EventsProcessed, "Expected event to be processed")
				assert.Equal(t, 1, reporter.count(), "Expected one report to reach Sentry")
				assert.True(t, tt.event.IsReported(), "Expected event to be marked reported")
			} else {
				assert.Zero(t, stats.EventsProcessed, "Expected event to be skipped")
				assert.Zero(t, reporter.count(), "Expected no reports")
			}
		})
	}
}

func TestTelemetryWorker_RateLimiting(t *testing.T) {
	t.Parallel()

	fakeTime := NewFakeTimeSource(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	config := &WorkerConfig{
		FailureThreshold:   10,
		RecoveryTimeout:    60 * time.Second,
		HalfOpenMaxEvents:  5,
		RateLimitWindow:    100 * time.Millisecond,
		RateLimitMaxEvents: 2, // Very low to test rate limiting
		SamplingRate:       1.0,
	}

	worker, reporter := newTestWorker(t, true, config)
	worker.rateLimiter.timeSource = fakeTime

	// First two events pass
	for i := 0; i < 2; i++ {
		event := NewMockErrorEvent("batch", fmt.Sprintf("upload failed %d", i))
		require.NoError(t, worker.ProcessEvent(event))
	}
	assert.Equal(t, 2, reporter.count(), "Expected first two events to be reported")

	// Third event within the window is dropped
	event := NewMockErrorEvent("batch", "upload failed 2")
	require.NoError(t, worker.ProcessEvent(event))
	assert.Equal(t, 2, reporter.count(), "Expected third event to be rate limited")
	assert.Equal(t, uint64(1), worker.GetStats().EventsDropped)

	// After the window passes, events flow again
	fakeTime.Advance(200 * time.Millisecond)
	event = NewMockErrorEvent("batch", "upload failed 3")
	require.NoError(t, worker.ProcessEvent(event))
	assert.Equal(t, 3, reporter.count(), "Expected event after window to be reported")
}

func TestTelemetryWorker_CircuitBreaker(t *testing.T) {
	t.Parallel()

	config := &WorkerConfig{
		FailureThreshold:  3,
		RecoveryTimeout:   60 * time.Second,
		HalfOpenMaxEvents: 2,
	}
	cb := &CircuitBreaker{state: "closed", config: config}

	// Closed circuit allows operations
	assert.True(t, cb.Allow(), "Closed circuit should allow")

	// Failures up to the threshold open the circuit
	for i := 0; i < config.FailureThreshold; i++ {
		cb.RecordFailure()
	}
	assert.Equal(t, "open", cb.State())
	assert.False(t, cb.Allow(), "Open circuit should block")

	// After the recovery timeout the circuit transitions to half-open
	cb.mu.Lock()
	cb.lastFailureTime = time.Now().Add(-2 * config.RecoveryTimeout)
	cb.mu.Unlock()
	assert.True(t, cb.Allow(), "Recovered circuit should allow in half-open state")
	assert.Equal(t, "half-open", cb.State())

	// Enough successes close the circuit again
	for i := 0; i < config.HalfOpenMaxEvents; i++ {
		cb.RecordSuccess()
	}
	assert.Equal(t, "closed", cb.State())

	// A failure in half-open reopens immediately
	cb.mu.Lock()
	cb.state = "half-open"
	cb.mu.Unlock()
	cb.RecordFailure()
	assert.Equal(t, "open", cb.State())
}

func TestTelemetryWorker_Sampling(t *testing.T) {
	t.Parallel()

	config := DefaultWorkerConfig()
	config.SamplingRate = 0.0 // Drop everything

	worker, reporter := newTestWorker(t, true, config)

	event := NewMockErrorEvent("triage", "consensus below threshold")
	require.NoError(t, worker.ProcessEvent(event))

	assert.Zero(t, reporter.count(), "Expected sampled-out event to be dropped")
	assert.Equal(t, uint64(1), worker.GetStats().EventsDropped)
}

func TestTelemetryWorker_BatchProcessing(t *testing.T) {
	t.Parallel()

	worker, reporter := newTestWorker(t, true, nil)

	batch := []events.ErrorEvent{
		NewMockErrorEvent("datastore", "write failed"),
		NewMockErrorEvent("datastore", "read failed"),
		NewMockErrorEvent("datastore", "migration failed"),
	}

	require.NoError(t, worker.ProcessBatch(batch))
	assert.Equal(t, 3, reporter.count(), "Expected all batch events reported")
	assert.Equal(t, uint64(3), worker.GetStats().EventsProcessed)
}

func TestTelemetryWorker_ReportToSentry_WithContext(t *testing.T) {
	t.Parallel()

	worker, reporter := newTestWorker(t, true, nil)

	event := NewMockErrorEvent("jobqueue", "job retry exhausted",
		WithEventContext(map[string]any{"job_type": "diagnosis", "retry_attempt": 3}))

	require.NoError(t, worker.ProcessEvent(event))
	require.Equal(t, 1, reporter.count())

	ee := reporter.last()
	require.NotNil(t, ee)
	assert.Equal(t, "jobqueue", ee.GetComponent())
	assert.Equal(t, "diagnosis", ee.GetContext()["job_type"])
}

func TestTelemetryWorker_ReportToSentry_NilContextSafe(t *testing.T) {
	t.Parallel()

	worker, reporter := newTestWorker(t, true, nil)

	event := NewMockErrorEvent("report", "render failed")

	require.NoError(t, worker.ProcessEvent(event))
	assert.Equal(t, 1, reporter.count(), "Event without context should still be reported")
}

func TestUpdateSamplingRateBounds(t *testing.T) {
	worker, _ := newTestWorker(t, true, nil)
	telemetryWorker = worker
	t.Cleanup(func() { telemetryWorker = nil })

	require.NoError(t, UpdateSamplingRate(0.5))

	worker.configMu.RLock()
	rate := worker.config.SamplingRate
	worker.configMu.RUnlock()
	assert.InDelta(t, 0.5, rate, 0.001)

	assert.Error(t, UpdateSamplingRate(1.5), "Expected out-of-range rate to be rejected")
	assert.Error(t, UpdateSamplingRate(-0.1), "Expected negative rate to be rejected")
}
