package datastore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chestnet/chestnet-go/internal/conf"
)

func createTestBatchJob(t *testing.T, ds Interface, uuid string, total int) BatchUploadJob {
	t.Helper()
	job := BatchUploadJob{UUID: uuid, SubmittedBy: 1, Total: total}
	require.NoError(t, ds.CreateBatchJob(&job))
	return job
}

func TestCreateBatchJob(t *testing.T) {
	ds := createDatabase(t, &conf.Settings{})

	job := createTestBatchJob(t, ds, "b0000000-0000-0000-0000-000000000001", 5)
	assert.Equal(t, BatchStatusPending, job.Status)
	assert.Nil(t, job.StartedAt)
	assert.Nil(t, job.CompletedAt)

	fetched, err := ds.GetBatchJobByUUID(job.UUID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, fetched.ID)

	byID, err := ds.GetBatchJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.UUID, byID.UUID)

	// Duplicate public identifiers are a conflict.
	dup := BatchUploadJob{UUID: job.UUID, Total: 2}
	require.Error(t, ds.CreateBatchJob(&dup))

	require.Error(t, ds.CreateBatchJob(&BatchUploadJob{UUID: "", Total: 1}))
	require.Error(t, ds.CreateBatchJob(&BatchUploadJob{UUID: "b-empty", Total: 0}))
	require.Error(t, ds.CreateBatchJob(nil))
}

func TestBatchJobStatusLifecycle(t *testing.T) {
	ds := createDatabase(t, &conf.Settings{})

	job := createTestBatchJob(t, ds, "b0000000-0000-0000-0000-000000000002", 3)

	require.NoError(t, ds.UpdateBatchJobStatus(job.UUID, BatchStatusProcessing))
	running, err := ds.GetBatchJobByUUID(job.UUID)
	require.NoError(t, err)
	require.NotNil(t, running.StartedAt)
	startedAt := *running.StartedAt

	// A repeated processing update must not move the start timestamp.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, ds.UpdateBatchJobStatus(job.UUID, BatchStatusProcessing))
	running, err = ds.GetBatchJobByUUID(job.UUID)
	require.NoError(t, err)
	require.NotNil(t, running.StartedAt)
	assert.WithinDuration(t, startedAt, *running.StartedAt, time.Millisecond)

	require.NoError(t, ds.UpdateBatchJobStatus(job.UUID, BatchStatusCompleted))
	done, err := ds.GetBatchJobByUUID(job.UUID)
	require.NoError(t, err)
	assert.Equal(t, BatchStatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	// Terminal jobs never change status again.
	err = ds.UpdateBatchJobStatus(job.UUID, BatchStatusFailed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot move")

	after, err := ds.GetBatchJobByUUID(job.UUID)
	require.NoError(t, err)
	assert.Equal(t, BatchStatusCompleted, after.Status)

	require.Error(t, ds.UpdateBatchJobStatus(job.UUID, "sideways"), "Unknown status is rejected")
	require.Error(t, ds.UpdateBatchJobStatus("missing-uuid", BatchStatusFailed))
}

func TestAddBatchJobProgressGuard(t *testing.T) {
	ds := createDatabase(t, &conf.Settings{})

	job := createTestBatchJob(t, ds, "b0000000-0000-0000-0000-000000000003", 3)

	require.NoError(t, ds.AddBatchJobProgress(job.UUID, 2, 0))

	// 2+0 done of 3, another 2 would overflow the total.
	err := ds.AddBatchJobProgress(job.UUID, 2, 0)
	require.Error(t, err, "Counters may never exceed the total")

	unchanged, getErr := ds.GetBatchJobByUUID(job.UUID)
	require.NoError(t, getErr)
	assert.Equal(t, 2, unchanged.Processed, "Rejected progress must not move counters")
	assert.Equal(t, 0, unchanged.Failed)

	// The exact remainder still fits.
	require.NoError(t, ds.AddBatchJobProgress(job.UUID, 0, 1))
	full, err := ds.GetBatchJobByUUID(job.UUID)
	require.NoError(t, err)
	assert.Equal(t, 2, full.Processed)
	assert.Equal(t, 1, full.Failed)

	// Saturated counters accept nothing further.
	require.Error(t, ds.AddBatchJobProgress(job.UUID, 1, 0))

	require.Error(t, ds.AddBatchJobProgress(job.UUID, -1, 0), "Negative deltas are invalid")
	assert.NoError(t, ds.AddBatchJobProgress(job.UUID, 0, 0), "Zero progress is a no-op")
	require.Error(t, ds.AddBatchJobProgress("missing-uuid", 1, 0))
}

func TestGetActiveBatchJobs(t *testing.T) {
	ds := createDatabase(t, &conf.Settings{})

	first := createTestBatchJob(t, ds, "b0000000-0000-0000-0000-000000000004", 1)
	second := createTestBatchJob(t, ds, "b0000000-0000-0000-0000-000000000005", 1)
	third := createTestBatchJob(t, ds, "b0000000-0000-0000-0000-000000000006", 1)

	require.NoError(t, ds.UpdateBatchJobStatus(second.UUID, BatchStatusProcessing))
	require.NoError(t, ds.UpdateBatchJobStatus(third.UUID, BatchStatusCancelled))

	active, err := ds.GetActiveBatchJobs()
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, first.UUID, active[0].UUID, "Oldest submission comes first")
	assert.Equal(t, second.UUID, active[1].UUID)

	all, err := ds.ListBatchJobs(10, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestIsTerminalBatchStatus(t *testing.T) {
	t.Parallel()

	assert.True(t, IsTerminalBatchStatus(BatchStatusCompleted))
	assert.True(t, IsTerminalBatchStatus(BatchStatusCompletedWithErrors))
	assert.True(t, IsTerminalBatchStatus(BatchStatusFailed))
	assert.True(t, IsTerminalBatchStatus(BatchStatusCancelled))
	assert.False(t, IsTerminalBatchStatus(BatchStatusPending))
	assert.False(t, IsTerminalBatchStatus(BatchStatusProcessing))
	assert.False(t, IsTerminalBatchStatus("anything-else"))
}
