package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProtectedRouteRejectsMissingToken(t *testing.T) {
	t.Parallel()

	_, e := newTestAPI(t, newAPIStore())

	rec := doJSON(e, http.MethodGet, "/api/v2/patients", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProtectedRouteRejectsGarbageToken(t *testing.T) {
	t.Parallel()

	_, e := newTestAPI(t, newAPIStore())

	rec := doJSON(e, http.MethodGet, "/api/v2/patients", "Bearer not-a-token", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRoleHierarchy(t *testing.T) {
	t.Parallel()

	c, e := newTestAPI(t, newAPIStore())

	cases := []struct {
		name     string
		username string
		path     string
		want     int
	}{
		{"technician reads patients", "tech", "/api/v2/patients", http.StatusOK},
		{"technician blocked from audit", "tech", "/api/v2/audit", http.StatusForbidden},
		{"radiologist blocked from audit", "drchen", "/api/v2/audit", http.StatusForbidden},
		{"admin reads audit", "admin", "/api/v2/audit", http.StatusOK},
		{"admin reads patients", "admin", "/api/v2/patients", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(e, http.MethodGet, tc.path, bearerFor(t, c, tc.username), "")
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestDisabledAccountIsRejected(t *testing.T) {
	t.Parallel()

	store := newAPIStore()
	c, e := newTestAPI(t, store)

	bearer := bearerFor(t, c, "tech")

	// Deactivate after the token was minted; the middleware re-checks
	// the account on every request.
	user := store.users["tech"]
	user.Active = false
	store.users["tech"] = user

	rec := doJSON(e, http.MethodGet, "/api/v2/patients", bearer, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSubnetBypassGrantsAdmin(t *testing.T) {
	t.Parallel()

	store := newAPIStore()
	c, e := newTestAPI(t, store)
	c.Settings.Security.AllowSubnetBypass.Enabled = true
	c.Settings.Security.AllowSubnetBypass.Subnet = "192.168.1.0/24"

	req := httptest.NewRequest(http.MethodGet, "/api/v2/audit", nil)
	req.RemoteAddr = "192.168.1.11:54321"
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubnetBypassIgnoresOutsideAddresses(t *testing.T) {
	t.Parallel()

	store := newAPIStore()
	c, e := newTestAPI(t, store)
	c.Settings.Security.AllowSubnetBypass.Enabled = true
	c.Settings.Security.AllowSubnetBypass.Subnet = "192.168.1.0/24"

	req := httptest.NewRequest(http.MethodGet, "/api/v2/audit", nil)
	req.RemoteAddr = "10.0.0.9:54321"
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIPRateLimiter(t *testing.T) {
	t.Parallel()

	limiter := newIPRateLimiter(60, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow("10.0.0.1"), "attempt %d within burst", i)
	}
	assert.False(t, limiter.Allow("10.0.0.1"), "burst exhausted")

	// Another client has its own bucket.
	assert.True(t, limiter.Allow("10.0.0.2"))
}

func TestAuditActionRecordsActorAndSource(t *testing.T) {
	t.Parallel()

	store := newAPIStore()
	c, e := newTestAPI(t, store)

	body := `{"mrn":"MRN-900","firstName":"Ada","lastName":"Osei","dateOfBirth":"1971-03-02","sex":"F"}`
	rec := doJSON(e, http.MethodPost, "/api/v2/patients", bearerFor(t, c, "tech"), body)
	require.Equal(t, http.StatusCreated, rec.Code)

	entry := store.lastAudit()
	require.NotNil(t, entry)
	assert.Equal(t, "patient.create", entry.Action)
	assert.Equal(t, "patient", entry.EntityType)
	require.NotNil(t, entry.UserID)
	assert.Equal(t, uint(3), *entry.UserID)
	assert.NotEmpty(t, entry.SourceIP)
}

func TestIPExtractorPrefersForwardHeaders(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"cloudflare header wins", map[string]string{"CF-Connecting-IP": "203.0.113.5", echo.HeaderXForwardedFor: "198.51.100.1"}, "10.0.0.1:1234", "203.0.113.5"},
		{"first forwarded entry", map[string]string{echo.HeaderXForwardedFor: "198.51.100.1, 10.0.0.2"}, "10.0.0.1:1234", "198.51.100.1"},
		{"real ip fallback", map[string]string{echo.HeaderXRealIP: "198.51.100.7"}, "10.0.0.1:1234", "198.51.100.7"},
		{"socket address", nil, "10.0.0.1:1234", "10.0.0.1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tc.want, ipExtractorFromProxyHeaders(req))
		})
	}
}
