package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookProviderSend(t *testing.T) {
	t.Parallel()

	var received WebhookPayload
	var gotAuth, gotCustom string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCustom = r.Header.Get("X-Clinic-ID")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	provider := NewWebhookProvider("his-webhook", true, server.URL, "secret-token",
		map[string]string{"X-Clinic-ID": "clinic-7"}, nil)
	defer provider.Close()
	require.NoError(t, provider.ValidateConfig())

	notif := NewNotification(TypeDiagnosis, PriorityHigh, "High risk finding", "Patient M.S.: COVID-19").
		WithComponent("triage").
		WithMetadata(MetadataKeyEvent, EventDiagnosisHighRisk)

	require.NoError(t, provider.Send(context.Background(), notif))

	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Equal(t, "clinic-7", gotCustom)
	assert.Equal(t, notif.ID, received.ID)
	assert.Equal(t, EventDiagnosisHighRisk, received.Event)
	assert.Equal(t, "diagnosis", received.Type)
}

func TestWebhookProviderServerError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broken", http.StatusBadGateway)
	}))
	defer server.Close()

	provider := NewWebhookProvider("flaky", true, server.URL, "", nil, nil)
	defer provider.Close()
	require.NoError(t, provider.ValidateConfig())

	err := provider.Send(context.Background(), NewNotification(TypeInfo, PriorityLow, "t", "m"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestWebhookProviderValidateConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		url     string
		headers map[string]string
		wantErr bool
	}{
		{"valid https", "https://example.com/hook", nil, false},
		{"missing url", "", nil, true},
		{"bad scheme", "ftp://example.com/hook", nil, true},
		{"no host", "https://", nil, true},
		{"header injection", "https://example.com/hook", map[string]string{"X-Bad\r\n": "v"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			provider := NewWebhookProvider("p", true, tt.url, "", tt.headers, nil)
			defer provider.Close()
			err := provider.ValidateConfig()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWebhookProviderEventFilter(t *testing.T) {
	t.Parallel()

	all := NewWebhookProvider("all", true, "https://example.com", "", nil, nil)
	defer all.Close()
	assert.True(t, all.SupportsEvent(EventDiagnosisHighRisk))
	assert.True(t, all.SupportsEvent(EventSystemError))

	filtered := NewWebhookProvider("filtered", true, "https://example.com", "", nil,
		[]string{EventDiagnosisHighRisk})
	defer filtered.Close()
	assert.True(t, filtered.SupportsEvent(EventDiagnosisHighRisk))
	assert.False(t, filtered.SupportsEvent(EventBatchComplete))
}
