package batch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chestnet/chestnet-go/internal/conf"
	"github.com/chestnet/chestnet-go/internal/datastore"
)

// stubProcessor counts attempts per image and fails on demand.
type stubProcessor struct {
	mu       sync.Mutex
	attempts map[uint]int
	failN    map[uint]int  // fail the first N attempts for this image
	failAll  map[uint]bool // never succeed for this image
	gate     chan struct{} // when set, every call waits for the gate
	started  chan uint     // when set, receives the image id as a call begins
}

func newStubProcessor() *stubProcessor {
	return &stubProcessor{
		attempts: make(map[uint]int),
		failN:    make(map[uint]int),
		failAll:  make(map[uint]bool),
	}
}

func (s *stubProcessor) ProcessImage(_ context.Context, imageID uint) (*datastore.Prediction, error) {
	if s.started != nil {
		s.started <- imageID
	}
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[imageID]++
	if s.failAll[imageID] {
		return nil, assert.AnError
	}
	if s.attempts[imageID] <= s.failN[imageID] {
		return nil, assert.AnError
	}
	return &datastore.Prediction{XRayImageID: imageID}, nil
}

func (s *stubProcessor) attemptsFor(imageID uint) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[imageID]
}

// batchStore keeps one job in memory with the same counter and
// terminal-status guarantees the real datastore provides.
type batchStore struct {
	datastore.Interface

	mu          sync.Mutex
	job         datastore.BatchUploadJob
	audits      []datastore.AuditLog
	activeJobs  []datastore.BatchUploadJob
	batchImages []datastore.XRayImage
}

func (s *batchStore) CreateBatchJob(job *datastore.BatchUploadJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.ID = 1
	s.job = *job
	return nil
}

func (s *batchStore) AssignImagesToBatch(batchJobID uint, imageIDs []uint) error {
	return nil
}

func (s *batchStore) GetBatchJobByUUID(uuid string) (datastore.BatchUploadJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job, nil
}

func (s *batchStore) UpdateBatchJobStatus(uuid, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if datastore.IsTerminalBatchStatus(s.job.Status) {
		return assert.AnError
	}
	s.job.Status = status
	return nil
}

func (s *batchStore) AddBatchJobProgress(uuid string, processedDelta, failedDelta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.job.Processed += processedDelta
	s.job.Failed += failedDelta
	return nil
}

func (s *batchStore) GetActiveBatchJobs() ([]datastore.BatchUploadJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeJobs, nil
}

func (s *batchStore) GetXRayImagesForBatch(batchJobID uint) ([]datastore.XRayImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batchImages, nil
}

func (s *batchStore) InsertAuditLog(entry *datastore.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, *entry)
	return nil
}

func (s *batchStore) snapshot() datastore.BatchUploadJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job
}

func newTestManager(t *testing.T, ds *batchStore, proc imageProcessor) *Manager {
	t.Helper()
	settings := &conf.Settings{}
	settings.Batch.MaxConcurrent = 2
	settings.Batch.MaxRetries = 0
	settings.Batch.InitialDelay = 1

	m, err := New(settings, ds, proc, nil)
	require.NoError(t, err)
	m.initialDelay = time.Millisecond
	return m
}

func TestSubmitProcessesAllImages(t *testing.T) {
	ds := &batchStore{}
	proc := newStubProcessor()
	m := newTestManager(t, ds, proc)

	job, err := m.Submit(t.Context(), 7, []uint{1, 2, 3, 4})
	require.NoError(t, err)
	require.NotEmpty(t, job.UUID)
	m.Wait()

	final := ds.snapshot()
	assert.Equal(t, datastore.BatchStatusCompleted, final.Status)
	assert.Equal(t, 4, final.Processed)
	assert.Equal(t, 0, final.Failed)

	progress, err := m.Progress(job.UUID)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, progress.Percent, 0.01)
	assert.Empty(t, progress.Failures)

	require.Len(t, ds.audits, 1)
	assert.Equal(t, "batch.finished", ds.audits[0].Action)
	require.NotNil(t, ds.audits[0].UserID)
	assert.Equal(t, uint(7), *ds.audits[0].UserID)
}

func TestSubmitRecordsItemFailures(t *testing.T) {
	ds := &batchStore{}
	proc := newStubProcessor()
	proc.failAll[2] = true
	m := newTestManager(t, ds, proc)

	job, err := m.Submit(t.Context(), 0, []uint{1, 2, 3})
	require.NoError(t, err)
	m.Wait()

	final := ds.snapshot()
	assert.Equal(t, datastore.BatchStatusCompletedWithErrors, final.Status)
	assert.Equal(t, 2, final.Processed)
	assert.Equal(t, 1, final.Failed)

	progress, err := m.Progress(job.UUID)
	require.NoError(t, err)
	require.Len(t, progress.Failures, 1)
	assert.Equal(t, uint(2), progress.Failures[0].ImageID)
	assert.Equal(t, 1, progress.Failures[0].Attempts)
}

func TestSubmitAllFailuresMarksFailed(t *testing.T) {
	ds := &batchStore{}
	proc := newStubProcessor()
	proc.failAll[1] = true
	proc.failAll[2] = true
	m := newTestManager(t, ds, proc)

	_, err := m.Submit(t.Context(), 0, []uint{1, 2})
	require.NoError(t, err)
	m.Wait()

	assert.Equal(t, datastore.BatchStatusFailed, ds.snapshot().Status)
}

func TestRetrySucceedsOnSecondAttempt(t *testing.T) {
	ds := &batchStore{}
	proc := newStubProcessor()
	proc.failN[5] = 1
	m := newTestManager(t, ds, proc)
	m.maxRetries = 2

	_, err := m.Submit(t.Context(), 0, []uint{5})
	require.NoError(t, err)
	m.Wait()

	final := ds.snapshot()
	assert.Equal(t, datastore.BatchStatusCompleted, final.Status)
	assert.Equal(t, 1, final.Processed)
	assert.Equal(t, 2, proc.attemptsFor(5))
}

func TestCancelSkipsPendingItems(t *testing.T) {
	ds := &batchStore{}
	proc := newStubProcessor()
	proc.gate = make(chan struct{})
	proc.started = make(chan uint, 8)
	m := newTestManager(t, ds, proc)
	m.maxConcurrent = 1

	job, err := m.Submit(t.Context(), 0, []uint{1, 2, 3})
	require.NoError(t, err)

	// Wait until the first item is running, then cancel the batch and
	// release the worker.
	<-proc.started
	require.NoError(t, m.Cancel(job.UUID))
	close(proc.gate)
	m.Wait()

	final := ds.snapshot()
	assert.Equal(t, datastore.BatchStatusCancelled, final.Status)
	// The running item finished; the rest were skipped as failures.
	assert.Equal(t, 1, final.Processed)
	assert.Equal(t, 2, final.Failed)

	progress, err := m.Progress(job.UUID)
	require.NoError(t, err)
	require.Len(t, progress.Failures, 2)
	assert.Contains(t, progress.Failures[0].Error, "cancelled")
}

func TestCancelUnknownBatch(t *testing.T) {
	m := newTestManager(t, &batchStore{}, newStubProcessor())
	require.Error(t, m.Cancel("no-such-uuid"))
}

func TestSubmitRequiresImages(t *testing.T) {
	m := newTestManager(t, &batchStore{}, newStubProcessor())
	_, err := m.Submit(t.Context(), 0, nil)
	require.Error(t, err)
}

func TestResumeProcessesPendingImages(t *testing.T) {
	pending := datastore.BatchUploadJob{
		ID: 1, UUID: "resume-1", Status: datastore.BatchStatusProcessing,
		Total: 3, Processed: 1,
	}
	ds := &batchStore{
		job:        pending,
		activeJobs: []datastore.BatchUploadJob{pending},
		batchImages: []datastore.XRayImage{
			{ID: 11, Status: datastore.ImageStatusDiagnosed},
			{ID: 12, Status: datastore.ImageStatusPending},
			{ID: 13, Status: datastore.ImageStatusProcessing},
		},
	}
	proc := newStubProcessor()
	m := newTestManager(t, ds, proc)

	require.NoError(t, m.Resume(t.Context()))
	m.Wait()

	final := ds.snapshot()
	assert.Equal(t, datastore.BatchStatusCompleted, final.Status)
	assert.Equal(t, 3, final.Processed)
	assert.Equal(t, 1, proc.attemptsFor(12))
	assert.Equal(t, 1, proc.attemptsFor(13))
	assert.Zero(t, proc.attemptsFor(11))
}

func TestTerminalStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		job       datastore.BatchUploadJob
		cancelled bool
		want      string
	}{
		{"clean", datastore.BatchUploadJob{Processed: 3}, false, datastore.BatchStatusCompleted},
		{"partial", datastore.BatchUploadJob{Processed: 2, Failed: 1}, false, datastore.BatchStatusCompletedWithErrors},
		{"total loss", datastore.BatchUploadJob{Failed: 3}, false, datastore.BatchStatusFailed},
		{"cancelled wins", datastore.BatchUploadJob{Processed: 2, Failed: 1}, true, datastore.BatchStatusCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, terminalStatus(&tt.job, tt.cancelled))
		})
	}
}
