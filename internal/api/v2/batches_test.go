package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chestnet/chestnet-go/internal/datastore"
)

func TestCreateBatchWithoutManagerIsUnavailable(t *testing.T) {
	t.Parallel()

	store := newAPIStore()
	c, e := newTestAPI(t, store)
	seedPatient(t, store, "MRN-100", "Mensah")

	contentType, body := uploadForm(t, map[string]string{"patientId": "1"}, "", nil)
	rec := doForm(e, http.MethodPost, "/api/v2/batches", bearerFor(t, c, "tech"), contentType, body)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListBatches(t *testing.T) {
	t.Parallel()

	store := newAPIStore()
	store.batchJobs = []datastore.BatchUploadJob{
		{ID: 2, UUID: "b2", Status: datastore.BatchStatusProcessing, Total: 10, Processed: 4},
		{ID: 1, UUID: "b1", Status: datastore.BatchStatusCompleted, Total: 3, Processed: 3},
	}
	c, e := newTestAPI(t, store)

	rec := doJSON(e, http.MethodGet, "/api/v2/batches", bearerFor(t, c, "tech"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"uuid":"b2"`)
	assert.Contains(t, rec.Body.String(), `"uuid":"b1"`)
}

func TestGetBatchFallsBackToStoredJob(t *testing.T) {
	t.Parallel()

	store := newAPIStore()
	store.batchJobs = []datastore.BatchUploadJob{
		{ID: 1, UUID: "b1", Status: datastore.BatchStatusCompleted, Total: 3, Processed: 3},
	}
	c, e := newTestAPI(t, store)

	rec := doJSON(e, http.MethodGet, "/api/v2/batches/b1", bearerFor(t, c, "tech"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"completed"`)
}

func TestIsTerminalBatchStatus(t *testing.T) {
	t.Parallel()

	assert.True(t, isTerminalBatchStatus(datastore.BatchStatusCompleted))
	assert.True(t, isTerminalBatchStatus(datastore.BatchStatusFailed))
	assert.True(t, isTerminalBatchStatus(datastore.BatchStatusCancelled))
	assert.False(t, isTerminalBatchStatus(datastore.BatchStatusProcessing))
	assert.False(t, isTerminalBatchStatus(datastore.BatchStatusPending))
}
