package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDashboardUsesCache(t *testing.T) {
	t.Parallel()

	store := newAPIStore()
	c, e := newTestAPI(t, store)
	bearer := bearerFor(t, c, "tech")

	for i := 0; i < 3; i++ {
		rec := doJSON(e, http.MethodGet, "/api/v2/analytics/dashboard", bearer, "")
		require.Equal(t, http.StatusOK, rec.Code)
	}

	// The aggregate query runs once, later hits come from the cache.
	assert.Equal(t, 1, store.dashboardCalls)
}

func TestModelAgreementNeedsRadiologist(t *testing.T) {
	t.Parallel()

	c, e := newTestAPI(t, newAPIStore())

	rec := doJSON(e, http.MethodGet, "/api/v2/analytics/models", bearerFor(t, c, "tech"), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
