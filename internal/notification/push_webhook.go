package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chestnet/chestnet-go/internal/errors"
	"github.com/chestnet/chestnet-go/internal/httpclient"
)

const (
	// defaultWebhookTimeout is the default timeout for webhook HTTP requests
	defaultWebhookTimeout = 30 * time.Second

	// maxErrorBodySize limits error response body reading
	maxErrorBodySize = 1024
)

// WebhookProvider POSTs notification JSON to an HTTP endpoint,
// optionally with a bearer token and custom headers.
//
// Thread-safe for concurrent use.
type WebhookProvider struct {
	name    string
	enabled bool
	url     string
	token   string
	headers map[string]string
	events  eventSet
	client  *httpclient.Client
}

// WebhookPayload is the JSON structure sent to webhooks. Patient
// identity appears as initials only, inside Message or Metadata.
type WebhookPayload struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Priority  string         `json:"priority,omitempty"`
	Event     string         `json:"event"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Component string         `json:"component,omitempty"`
	Timestamp string         `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewWebhookProvider creates a webhook provider for a single endpoint.
func NewWebhookProvider(name string, enabled bool, endpoint, token string, headers map[string]string, events []string) *WebhookProvider {
	wp := &WebhookProvider{
		name:    strings.TrimSpace(name),
		enabled: enabled,
		url:     endpoint,
		token:   token,
		headers: maps.Clone(headers),
		events:  newEventSet(events),
	}
	if wp.name == "" {
		wp.name = "webhook"
	}

	cfg := httpclient.DefaultConfig()
	cfg.UserAgent = "ChestNet-Webhook/1.0"
	cfg.DefaultTimeout = defaultWebhookTimeout
	wp.client = httpclient.New(&cfg)

	return wp
}

func (w *WebhookProvider) GetName() string                { return w.name }
func (w *WebhookProvider) IsEnabled() bool                { return w.enabled }
func (w *WebhookProvider) SupportsEvent(event string) bool { return w.events.supports(event) }

// ValidateConfig validates the webhook endpoint and headers.
func (w *WebhookProvider) ValidateConfig() error {
	if !w.enabled {
		return nil
	}

	if w.url == "" {
		return fmt.Errorf("webhook URL is required")
	}
	u, err := url.Parse(w.url)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook URL scheme must be http or https, got %s", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("webhook URL host is required")
	}

	for name, value := range w.headers {
		if strings.ContainsAny(name, "\r\n:") || strings.ContainsAny(value, "\r\n") {
			return fmt.Errorf("webhook header %q contains invalid characters", name)
		}
	}

	return nil
}

// Send posts the notification to the configured endpoint.
func (w *WebhookProvider) Send(ctx context.Context, n *Notification) error {
	payload := WebhookPayload{
		ID:        n.ID,
		Type:      string(n.Type),
		Priority:  string(n.Priority),
		Event:     eventForNotification(n),
		Title:     n.Title,
		Message:   n.Message,
		Component: n.Component,
		Timestamp: n.Timestamp.Format(time.RFC3339),
		Metadata:  n.Metadata,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("json marshal failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}
	for key, value := range w.headers {
		req.Header.Set(key, value)
	}

	resp, err := w.client.Do(ctx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("request cancelled: %w", err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("request timed out: %w", err)
		}
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

// Close releases resources used by the webhook provider.
func (w *WebhookProvider) Close() {
	if w.client != nil {
		w.client.Close()
	}
}
