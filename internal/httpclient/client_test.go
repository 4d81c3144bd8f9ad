package httpclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// alertPayload mirrors the shape the webhook providers deliver.
type alertPayload struct {
	Event     string `json:"event"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	RiskLevel string `json:"riskLevel"`
}

func newTestClient(t *testing.T, cfg *Config) *Client {
	t.Helper()
	client := New(cfg)
	t.Cleanup(client.Close)
	return client
}

// newReceiver stands in for a downstream webhook endpoint.
func newReceiver(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func closeBody(t *testing.T, resp *http.Response) {
	t.Helper()
	if resp == nil || resp.Body == nil {
		return
	}
	if err := resp.Body.Close(); err != nil {
		t.Logf("failed to close response body: %v", err)
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	tests := []struct {
		name      string
		cfg       *Config
		timeout   time.Duration
		userAgent string
	}{
		{"nil config", nil, DefaultTimeout, defaultUserAgent},
		{"zero values", &Config{}, DefaultTimeout, defaultUserAgent},
		{
			"custom webhook settings",
			&Config{DefaultTimeout: 10 * time.Second, UserAgent: "ChestNet-Webhook/1.0"},
			10 * time.Second,
			"ChestNet-Webhook/1.0",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, tt.cfg)
			assert.Equal(t, tt.timeout, client.defaultTimeout)
			assert.Equal(t, tt.userAgent, client.userAgent)
		})
	}
}

func TestDoDeliversRequest(t *testing.T) {
	receiver := newReceiver(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	client := newTestClient(t, nil)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, receiver.URL, http.NoBody)
	require.NoError(t, err)

	resp, err := client.Do(t.Context(), req)
	require.NoError(t, err)
	defer closeBody(t, resp)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"healthy"}`, string(body))
}

func TestDoInjectsUserAgentWhenUnset(t *testing.T) {
	var receivedUA string
	receiver := newReceiver(t, func(w http.ResponseWriter, r *http.Request) {
		receivedUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	})
	client := newTestClient(t, &Config{UserAgent: "ChestNet-Webhook/1.0"})

	resp, err := client.Get(t.Context(), receiver.URL)
	require.NoError(t, err)
	closeBody(t, resp)
	assert.Equal(t, "ChestNet-Webhook/1.0", receivedUA)

	// A request that sets its own agent keeps it.
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, receiver.URL, http.NoBody)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "HIS-Gateway/3.2")

	resp, err = client.Do(t.Context(), req)
	require.NoError(t, err)
	closeBody(t, resp)
	assert.Equal(t, "HIS-Gateway/3.2", receivedUA)
}

func TestDoContextCancellation(t *testing.T) {
	receiver := newReceiver(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
		w.WriteHeader(http.StatusOK)
	})
	client := newTestClient(t, nil)

	ctx, cancel := context.WithCancel(t.Context())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, receiver.URL, http.NoBody)
	require.NoError(t, err)
	cancel()

	resp, err := client.Do(ctx, req)
	defer closeBody(t, resp)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoDefaultTimeoutAppliesWithoutDeadline(t *testing.T) {
	// An unreachable receiver must not hang an alert dispatch.
	receiver := newReceiver(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	})
	client := newTestClient(t, &Config{DefaultTimeout: 50 * time.Millisecond})

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, receiver.URL, http.NoBody)
	require.NoError(t, err)

	resp, err := client.Do(t.Context(), req)
	defer closeBody(t, resp)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDoContextDeadlineOverridesDefault(t *testing.T) {
	receiver := newReceiver(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	})
	// The client default alone would cut the request short.
	client := newTestClient(t, &Config{DefaultTimeout: 10 * time.Millisecond})

	ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, receiver.URL, http.NoBody)
	require.NoError(t, err)

	resp, err := client.Do(ctx, req)
	require.NoError(t, err)
	defer closeBody(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDoHooksObserveDispatch(t *testing.T) {
	receiver := newReceiver(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	client := newTestClient(t, nil)

	var beforeCalled, afterCalled bool
	var capturedStatus int
	client.SetBeforeRequestHook(func(r *http.Request) {
		beforeCalled = true
		assert.Equal(t, receiver.URL, r.URL.String())
	})
	client.SetAfterResponseHook(func(r *http.Request, resp *http.Response, err error) {
		afterCalled = true
		require.NoError(t, err)
		capturedStatus = resp.StatusCode
	})

	resp, err := client.Get(t.Context(), receiver.URL)
	require.NoError(t, err)
	closeBody(t, resp)

	assert.True(t, beforeCalled)
	assert.True(t, afterCalled)
	assert.Equal(t, http.StatusOK, capturedStatus)
}

func TestPostMarshalsAlertPayload(t *testing.T) {
	var received alertPayload
	receiver := newReceiver(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusAccepted)
	})
	client := newTestClient(t, nil)

	payload := alertPayload{
		Event:     "diagnosis.highrisk",
		Title:     "High risk diagnosis",
		Message:   "Patient J.D.: COVID-19, risk level critical",
		RiskLevel: "critical",
	}

	// No explicit content type: the JSON marshal path sets it.
	resp, err := client.Post(t.Context(), receiver.URL, "", payload)
	require.NoError(t, err)
	defer closeBody(t, resp)

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, payload, received)
}

func TestPostPassesRawBodyThrough(t *testing.T) {
	var receivedBody string
	var receivedType string
	receiver := newReceiver(t, func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		receivedBody = string(data)
		receivedType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	})
	client := newTestClient(t, nil)

	resp, err := client.Post(t.Context(), receiver.URL, "text/plain", "batch 7f3a complete: 24 processed, 1 failed")
	require.NoError(t, err)
	defer closeBody(t, resp)

	assert.Equal(t, "text/plain", receivedType)
	assert.Equal(t, "batch 7f3a complete: 24 processed, 1 failed", receivedBody)
}

func TestDoConcurrentDispatch(t *testing.T) {
	var requestCount atomic.Int32
	receiver := newReceiver(t, func(w http.ResponseWriter, r *http.Request) {
		requestCount.Add(1)
		w.WriteHeader(http.StatusOK)
	})
	client := newTestClient(t, nil)

	// A burst of alerts from one batch completing must all go out.
	const concurrency = 20
	var wg sync.WaitGroup
	errChan := make(chan error, concurrency)
	for range concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := client.Get(t.Context(), receiver.URL)
			if err != nil {
				errChan <- err
				return
			}
			_ = resp.Body.Close()
		}()
	}
	wg.Wait()
	close(errChan)

	for err := range errChan {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(concurrency), requestCount.Load())
}

func TestDoRejectsNilRequest(t *testing.T) {
	client := newTestClient(t, nil)
	_, err := client.Do(t.Context(), nil) //nolint:bodyclose // error path returns no body
	require.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	client := New(nil)
	client.Close()
	client.Close()
}
