package clinic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chestnet/chestnet-go/internal/events"
)

func TestInitEventBusStartsGlobalBus(t *testing.T) {
	events.ResetForTesting()
	t.Cleanup(func() {
		if bus := events.GetEventBus(); bus != nil {
			_ = bus.Shutdown(time.Second)
		}
		events.ResetForTesting()
	})

	require.NoError(t, initEventBus())
	assert.True(t, events.IsInitialized(),
		"downstream integrations check IsInitialized before registering")

	// Startup code paths may race to initialize; the second call must
	// reuse the instance.
	first := events.GetEventBus()
	require.NoError(t, initEventBus())
	assert.Same(t, first, events.GetEventBus())
}
