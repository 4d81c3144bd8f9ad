package httpclient

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockTransport swaps the client transport for httpmock and restores
// it when the test ends.
func mockTransport(t *testing.T, c *Client) {
	t.Helper()
	httpmock.ActivateNonDefault(c.client)
	t.Cleanup(httpmock.DeactivateAndReset)
}

func TestGetAgainstMockedEndpoint(t *testing.T) {
	client := New(nil)
	mockTransport(t, client)

	httpmock.RegisterResponder(http.MethodGet, "https://hooks.example.com/status",
		httpmock.NewStringResponder(http.StatusOK, `{"status":"ok"}`))

	resp, err := client.Get(context.Background(), "https://hooks.example.com/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
	assert.Equal(t, 1, httpmock.GetTotalCallCount(), "expected exactly one upstream call")
}

func TestUserAgentInjectedOnMockedRequests(t *testing.T) {
	cfg := Config{UserAgent: "ChestNet-Test/1.0"}
	client := New(&cfg)
	mockTransport(t, client)

	var seenAgent string
	httpmock.RegisterResponder(http.MethodGet, "https://hooks.example.com/ua",
		func(req *http.Request) (*http.Response, error) {
			seenAgent = req.Header.Get("User-Agent")
			return httpmock.NewStringResponse(http.StatusNoContent, ""), nil
		})

	resp, err := client.Get(context.Background(), "https://hooks.example.com/ua")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "ChestNet-Test/1.0", seenAgent)
}

func TestPostDeliversJSONBody(t *testing.T) {
	client := New(nil)
	mockTransport(t, client)

	var received string
	httpmock.RegisterResponder(http.MethodPost, "https://hooks.example.com/notify",
		func(req *http.Request) (*http.Response, error) {
			data, err := io.ReadAll(req.Body)
			if err != nil {
				return nil, err
			}
			received = string(data)
			return httpmock.NewStringResponse(http.StatusAccepted, ""), nil
		})

	payload := map[string]string{"event": "diagnosis.critical", "patient": "MRN-1001"}
	resp, err := client.Post(context.Background(), "https://hooks.example.com/notify", "application/json", payload)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.JSONEq(t, `{"event":"diagnosis.critical","patient":"MRN-1001"}`, received)
}

func TestAfterResponseHookSeesMockedError(t *testing.T) {
	client := New(nil)
	mockTransport(t, client)

	httpmock.RegisterResponder(http.MethodGet, "https://hooks.example.com/down",
		httpmock.NewErrorResponder(assert.AnError))

	var hookErr error
	client.SetAfterResponseHook(func(_ *http.Request, _ *http.Response, err error) {
		hookErr = err
	})

	_, err := client.Get(context.Background(), "https://hooks.example.com/down") //nolint:bodyclose // no response on error
	require.Error(t, err)
	assert.Error(t, hookErr, "after hook should observe the transport error")
}
