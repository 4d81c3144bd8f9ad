package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// SSE tuning.
const (
	sseClientBuffer      = 32
	sseHeartbeatInterval = 30 * time.Second
)

// SSEEvent is one server-sent message.
type SSEEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// SSEClient is one connected event stream consumer.
type SSEClient struct {
	ID     string
	Events chan *SSEEvent
	Done   chan struct{}
}

// SSEManager fans events out to connected clients. Slow clients drop
// events rather than block the broadcaster.
type SSEManager struct {
	clients map[string]*SSEClient
	mu      sync.RWMutex
	logger  *slog.Logger
}

// NewSSEManager creates an empty manager.
func NewSSEManager(logger *slog.Logger) *SSEManager {
	return &SSEManager{
		clients: make(map[string]*SSEClient),
		logger:  logger,
	}
}

// AddClient registers a new stream consumer.
func (m *SSEManager) AddClient(client *SSEClient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[client.ID] = client
	m.logger.Debug("sse client connected", "client_id", client.ID, "total", len(m.clients))
}

// RemoveClient unregisters a consumer and closes its channel.
func (m *SSEManager) RemoveClient(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if client, ok := m.clients[clientID]; ok {
		close(client.Done)
		delete(m.clients, clientID)
		m.logger.Debug("sse client disconnected", "client_id", clientID, "total", len(m.clients))
	}
}

// Broadcast delivers an event to every connected client.
func (m *SSEManager) Broadcast(event *SSEEvent) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, client := range m.clients {
		select {
		case client.Events <- event:
		default:
			// Client is not keeping up, skip this event for it.
		}
	}
}

// ClientCount returns the number of connected clients.
func (m *SSEManager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// relayNotifications forwards in-app notifications to SSE subscribers
// until controller shutdown.
func (c *Controller) relayNotifications() {
	defer c.wg.Done()

	ch, notifCtx := c.Notifier.Subscribe()
	defer c.Notifier.Unsubscribe(ch)

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-notifCtx.Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			c.sseManager.Broadcast(&SSEEvent{Event: "notification", Data: n})
		}
	}
}

// EventStream is the shared SSE endpoint carrying prediction and
// notification events.
func (c *Controller) EventStream(ctx echo.Context) error {
	client := &SSEClient{
		ID:     uuid.New().String(),
		Events: make(chan *SSEEvent, sseClientBuffer),
		Done:   make(chan struct{}),
	}
	c.sseManager.AddClient(client)
	defer c.sseManager.RemoveClient(client.ID)

	c.sseConnectionStarted("events")
	start := time.Now()
	defer c.sseConnectionClosed("events", start)

	c.prepareSSE(ctx)
	if err := c.sendSSEMessage(ctx, "connected", map[string]string{"clientId": client.ID}); err != nil {
		return err
	}

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return nil
		case <-ctx.Request().Context().Done():
			return nil
		case <-client.Done:
			return nil
		case <-heartbeat.C:
			if err := c.sendSSEMessage(ctx, "heartbeat", time.Now().Unix()); err != nil {
				return nil
			}
		case event := <-client.Events:
			if err := c.sendSSEMessage(ctx, event.Event, event.Data); err != nil {
				return nil
			}
		}
	}
}

func (c *Controller) prepareSSE(ctx echo.Context) {
	h := ctx.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	ctx.Response().WriteHeader(http.StatusOK)
}

// sendSSEMessage writes one event frame and flushes it to the client.
func (c *Controller) sendSSEMessage(ctx echo.Context, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(ctx.Response(), "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	ctx.Response().Flush()
	c.recordSSEMessage("events", event)
	return nil
}

func (c *Controller) sseConnectionStarted(endpoint string) {
	if c.metrics != nil && c.metrics.HTTP != nil {
		c.metrics.HTTP.SSEConnectionStarted(endpoint)
	}
}

func (c *Controller) sseConnectionClosed(endpoint string, start time.Time) {
	if c.metrics != nil && c.metrics.HTTP != nil {
		c.metrics.HTTP.SSEConnectionClosed(endpoint, time.Since(start).Seconds(), "disconnect")
	}
}

func (c *Controller) recordSSEMessage(endpoint, messageType string) {
	if c.metrics != nil && c.metrics.HTTP != nil {
		c.metrics.HTTP.RecordSSEMessageSent(endpoint, messageType)
	}
}
