package api

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chestnet/chestnet-go/internal/events"
)

func TestTriageConsumerBroadcastsAndFlushesCache(t *testing.T) {
	sse := NewSSEManager(slog.New(slog.NewTextHandler(io.Discard, nil)))
	client := &SSEClient{ID: "client-1", Events: make(chan *SSEEvent, 4), Done: make(chan struct{})}
	sse.AddClient(client)
	t.Cleanup(func() { sse.RemoveClient(client.ID) })

	analytics := cache.New(time.Minute, time.Minute)
	analytics.Set("dashboard", "stale aggregate", time.Minute)

	consumer := &triageEventConsumer{sse: sse, analyticsCache: analytics}

	event, err := events.NewTriageEvent(7, "COVID-19", 0.91, "high", true, 0.83)
	require.NoError(t, err)
	require.NoError(t, consumer.ProcessTriageEvent(event))

	_, found := analytics.Get("dashboard")
	assert.False(t, found, "a new diagnosis invalidates cached aggregates")

	select {
	case got := <-client.Events:
		assert.Equal(t, "diagnosis", got.Event)
		data, ok := got.Data.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, uint(7), data["imageId"])
		assert.Equal(t, "COVID-19", data["label"])
		assert.Equal(t, "high", data["riskLevel"])
		assert.Equal(t, true, data["needsReview"])
	default:
		t.Fatal("diagnosis was not broadcast to the event stream")
	}
}

func TestTriageConsumerIgnoresErrorEvents(t *testing.T) {
	consumer := &triageEventConsumer{
		sse:            NewSSEManager(slog.New(slog.NewTextHandler(io.Discard, nil))),
		analyticsCache: cache.New(time.Minute, time.Minute),
	}

	assert.False(t, consumer.SupportsBatching())
	assert.NoError(t, consumer.ProcessEvent(nil))
	assert.NoError(t, consumer.ProcessBatch(nil))
}

func TestControllerRegistersTriageConsumer(t *testing.T) {
	events.ResetForTesting()
	t.Cleanup(func() {
		if bus := events.GetEventBus(); bus != nil {
			_ = bus.Shutdown(time.Second)
		}
		events.ResetForTesting()
	})
	_, err := events.Initialize(events.DefaultConfig())
	require.NoError(t, err)

	newTestAPI(t, newAPIStore())

	// Registering again under the same name must fail: the controller
	// already holds the slot.
	bus := events.GetEventBus()
	dup := &triageEventConsumer{
		sse:            NewSSEManager(slog.New(slog.NewTextHandler(io.Discard, nil))),
		analyticsCache: cache.New(time.Minute, time.Minute),
	}
	require.Error(t, bus.RegisterConsumer(dup))
	assert.True(t, events.HasActiveConsumers())
}
