// Package batch runs multi-image uploads through the triage pipeline.
// Each batch job fans its images out to a bounded worker pool, advances
// the persisted counters as items finish and settles on a terminal
// status derived from the outcome.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"github.com/chestnet/chestnet-go/internal/conf"
	"github.com/chestnet/chestnet-go/internal/datastore"
	"github.com/chestnet/chestnet-go/internal/errors"
	"github.com/chestnet/chestnet-go/internal/logging"
	"github.com/chestnet/chestnet-go/internal/notification"
	"github.com/chestnet/chestnet-go/internal/observability"
	"github.com/chestnet/chestnet-go/internal/observability/metrics"
)

const (
	// Item failure details stay queryable for a day after the batch
	// finishes; the persisted counters live forever.
	failureRetention = 24 * time.Hour

	defaultMaxConcurrent = 2
	defaultMaxRetries    = 3
	defaultInitialDelay  = 5 * time.Second
)

// imageProcessor is the slice of the triage processor a batch needs.
type imageProcessor interface {
	ProcessImage(ctx context.Context, imageID uint) (*datastore.Prediction, error)
}

// ItemFailure records why one image in a batch could not be diagnosed.
type ItemFailure struct {
	ImageID  uint   `json:"imageId"`
	Error    string `json:"error"`
	Attempts int    `json:"attempts"`
}

// Progress is a point-in-time view of a batch job.
type Progress struct {
	UUID      string        `json:"uuid"`
	Status    string        `json:"status"`
	Total     int           `json:"total"`
	Processed int           `json:"processed"`
	Failed    int           `json:"failed"`
	Percent   float64       `json:"percent"`
	Failures  []ItemFailure `json:"failures,omitempty"`
}

// Manager owns batch job lifecycle: submission, worker fan-out, retry,
// cancellation, terminal status and completion notification.
type Manager struct {
	settings *conf.Settings
	ds       datastore.Interface
	proc     imageProcessor
	metrics  *observability.Metrics
	notifier *notification.Service
	log      *slog.Logger

	maxConcurrent int
	maxRetries    int
	initialDelay  time.Duration

	failures *gocache.Cache

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	active  int
	wg      sync.WaitGroup
}

// New builds a manager around the triage processor. The notification
// service is optional.
func New(settings *conf.Settings, ds datastore.Interface, proc imageProcessor, obs *observability.Metrics) (*Manager, error) {
	if settings == nil || ds == nil || proc == nil {
		return nil, errors.Newf("batch manager requires settings, datastore and processor").
			Component("batch").
			Category(errors.CategoryConfiguration).
			Build()
	}

	log := logging.ForService("batch")
	if log == nil {
		log = slog.Default().With("service", "batch")
	}

	m := &Manager{
		settings:      settings,
		ds:            ds,
		proc:          proc,
		metrics:       obs,
		log:           log,
		maxConcurrent: settings.Batch.MaxConcurrent,
		maxRetries:    settings.Batch.MaxRetries,
		initialDelay:  time.Duration(settings.Batch.InitialDelay) * time.Second,
		failures:      gocache.New(failureRetention, time.Hour),
		cancels:       make(map[string]context.CancelFunc),
	}
	if m.maxConcurrent <= 0 {
		m.maxConcurrent = defaultMaxConcurrent
	}
	if m.maxRetries < 0 {
		m.maxRetries = defaultMaxRetries
	}
	if m.initialDelay <= 0 {
		m.initialDelay = defaultInitialDelay
	}
	return m, nil
}

// SetNotificationService enables batch completion notices.
func (m *Manager) SetNotificationService(svc *notification.Service) { m.notifier = svc }

// Submit creates a batch job for already-stored images and starts
// processing in the background. The returned job carries the public
// UUID used for progress polling and cancellation.
func (m *Manager) Submit(ctx context.Context, submittedBy uint, imageIDs []uint) (*datastore.BatchUploadJob, error) {
	if len(imageIDs) == 0 {
		return nil, errors.Newf("batch requires at least one image").
			Component("batch").
			Category(errors.CategoryValidation).
			Build()
	}

	job := &datastore.BatchUploadJob{
		UUID:        uuid.New().String(),
		SubmittedBy: submittedBy,
		Status:      datastore.BatchStatusPending,
		Total:       len(imageIDs),
	}
	if err := m.ds.CreateBatchJob(job); err != nil {
		return nil, err
	}
	if err := m.ds.AssignImagesToBatch(job.ID, imageIDs); err != nil {
		// Processing still works from the ID list, only the batch
		// listing loses the linkage.
		m.log.Warn("failed to link images to batch", "job_uuid", job.UUID, "error", err)
	}

	if bm := m.batchMetrics(); bm != nil {
		bm.RecordBatchCreated(job.Total)
	}
	m.start(ctx, job, imageIDs)
	return job, nil
}

// Resume re-attaches processing to jobs that were active when the
// service last stopped. Images already diagnosed or failed keep their
// state; only pending and stuck-processing items run again.
func (m *Manager) Resume(ctx context.Context) error {
	jobs, err := m.ds.GetActiveBatchJobs()
	if err != nil {
		return err
	}
	for i := range jobs {
		job := jobs[i]
		images, err := m.ds.GetXRayImagesForBatch(job.ID)
		if err != nil {
			m.log.Error("cannot list images for resumed batch", "uuid", job.UUID, "error", err)
			continue
		}
		var remaining []uint
		for _, img := range images {
			if img.Status == datastore.ImageStatusPending || img.Status == datastore.ImageStatusProcessing {
				remaining = append(remaining, img.ID)
			}
		}
		if len(remaining) == 0 {
			m.finalize(&job, time.Now(), false)
			continue
		}
		m.log.Info("resuming batch", "uuid", job.UUID, "remaining", len(remaining))
		m.start(ctx, &job, remaining)
	}
	return nil
}

// Cancel stops a batch: the running items finish, pending items are
// skipped and counted as failed.
func (m *Manager) Cancel(jobUUID string) error {
	m.mu.Lock()
	cancel, ok := m.cancels[jobUUID]
	m.mu.Unlock()
	if !ok {
		return errors.Newf("batch %s is not running", jobUUID).
			Component("batch").
			Category(errors.CategoryNotFound).
			Build()
	}
	cancel()
	return nil
}

// Progress reports the current counters plus any per-item failures.
func (m *Manager) Progress(jobUUID string) (*Progress, error) {
	job, err := m.ds.GetBatchJobByUUID(jobUUID)
	if err != nil {
		return nil, err
	}

	p := &Progress{
		UUID:      job.UUID,
		Status:    job.Status,
		Total:     job.Total,
		Processed: job.Processed,
		Failed:    job.Failed,
	}
	if job.Total > 0 {
		p.Percent = float64(job.Processed+job.Failed) / float64(job.Total) * 100
	}
	if cached, ok := m.failures.Get(jobUUID); ok {
		p.Failures = cached.([]ItemFailure)
	}
	return p, nil
}

// Wait blocks until every running batch has finished. Intended for
// shutdown and tests.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) start(ctx context.Context, job *datastore.BatchUploadJob, imageIDs []uint) {
	// Detach from the caller: an upload request ending must not cancel
	// the batch it submitted.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Lock()
	m.cancels[job.UUID] = cancel
	m.active++
	m.setActiveGauge()
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			cancel()
			m.mu.Lock()
			delete(m.cancels, job.UUID)
			m.active--
			m.setActiveGauge()
			m.mu.Unlock()
		}()
		m.run(runCtx, job, imageIDs)
	}()
}

func (m *Manager) run(ctx context.Context, job *datastore.BatchUploadJob, imageIDs []uint) {
	started := time.Now()
	if err := m.ds.UpdateBatchJobStatus(job.UUID, datastore.BatchStatusProcessing); err != nil {
		m.log.Error("cannot mark batch processing", "uuid", job.UUID, "error", err)
		return
	}

	var failMu sync.Mutex
	var failures []ItemFailure

	var g errgroup.Group
	g.SetLimit(m.maxConcurrent)

	for _, imageID := range imageIDs {
		g.Go(func() error {
			// Cancellation skips everything not yet started; the items
			// already running finish their current attempt.
			if ctx.Err() != nil {
				m.skipItem(job.UUID, imageID, &failMu, &failures)
				return nil
			}
			if attempts, err := m.processWithRetry(ctx, imageID); err != nil {
				failMu.Lock()
				failures = append(failures, ItemFailure{
					ImageID:  imageID,
					Error:    err.Error(),
					Attempts: attempts,
				})
				failMu.Unlock()
				m.recordItem("failed")
				if perr := m.ds.AddBatchJobProgress(job.UUID, 0, 1); perr != nil {
					m.log.Error("cannot record batch failure", "uuid", job.UUID, "error", perr)
				}
			} else {
				m.recordItem("processed")
				if perr := m.ds.AddBatchJobProgress(job.UUID, 1, 0); perr != nil {
					m.log.Error("cannot record batch progress", "uuid", job.UUID, "error", perr)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failures) > 0 {
		m.failures.Set(job.UUID, failures, gocache.DefaultExpiration)
	}
	m.finalize(job, started, ctx.Err() != nil)
}

// processWithRetry runs one image with exponential backoff. The
// processing context never carries the cancellation so a cancelled
// batch lets the in-flight attempt finish; only further retries stop.
func (m *Manager) processWithRetry(ctx context.Context, imageID uint) (int, error) {
	procCtx := context.WithoutCancel(ctx)
	delay := m.initialDelay
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		attempts++
		if _, err := m.proc.ProcessImage(procCtx, imageID); err == nil {
			return attempts, nil
		} else {
			lastErr = err
		}
		if attempt == m.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return attempts, lastErr
		case <-time.After(delay):
		}
		delay *= 2
	}
	return attempts, lastErr
}

func (m *Manager) skipItem(jobUUID string, imageID uint, failMu *sync.Mutex, failures *[]ItemFailure) {
	failMu.Lock()
	*failures = append(*failures, ItemFailure{ImageID: imageID, Error: "skipped: batch cancelled"})
	failMu.Unlock()
	m.recordItem("skipped")
	if err := m.ds.AddBatchJobProgress(jobUUID, 0, 1); err != nil {
		m.log.Error("cannot record skipped item", "uuid", jobUUID, "error", err)
	}
}

// finalize computes and writes the terminal status, then notifies.
func (m *Manager) finalize(job *datastore.BatchUploadJob, started time.Time, cancelled bool) {
	current, err := m.ds.GetBatchJobByUUID(job.UUID)
	if err != nil {
		m.log.Error("cannot load batch for finalization", "uuid", job.UUID, "error", err)
		return
	}

	status := terminalStatus(&current, cancelled)
	if err := m.ds.UpdateBatchJobStatus(job.UUID, status); err != nil {
		m.log.Error("cannot finalize batch", "uuid", job.UUID, "status", status, "error", err)
		return
	}

	duration := time.Since(started)
	if bm := m.batchMetrics(); bm != nil {
		bm.RecordBatchCompleted(status, duration.Seconds())
	}

	m.audit(&current, status)
	if m.notifier != nil {
		if _, nerr := m.notifier.NotifyBatchComplete(&notification.BatchCompleteData{
			JobID:     current.UUID,
			Total:     current.Total,
			Processed: current.Processed,
			Failed:    current.Failed,
			Duration:  duration,
		}); nerr != nil {
			m.log.Warn("batch completion notice failed", "uuid", job.UUID, "error", nerr)
		}
	}

	m.log.Info("batch finished",
		"uuid", current.UUID,
		"status", status,
		"total", current.Total,
		"processed", current.Processed,
		"failed", current.Failed,
		"duration", duration)
}

func (m *Manager) audit(job *datastore.BatchUploadJob, status string) {
	var userID *uint
	if job.SubmittedBy != 0 {
		submitter := job.SubmittedBy
		userID = &submitter
	}
	entry := &datastore.AuditLog{
		UserID:     userID,
		Action:     "batch.finished",
		EntityType: "batch_job",
		EntityID:   job.ID,
		Details: fmt.Sprintf(`{"uuid":%q,"status":%q,"total":%d,"processed":%d,"failed":%d}`,
			job.UUID, status, job.Total, job.Processed, job.Failed),
	}
	if err := m.ds.InsertAuditLog(entry); err != nil {
		m.log.Warn("batch audit entry failed", "uuid", job.UUID, "error", err)
	}
}

// terminalStatus derives the final state from the counters.
func terminalStatus(job *datastore.BatchUploadJob, cancelled bool) string {
	switch {
	case cancelled:
		return datastore.BatchStatusCancelled
	case job.Failed == 0:
		return datastore.BatchStatusCompleted
	case job.Processed == 0:
		return datastore.BatchStatusFailed
	default:
		return datastore.BatchStatusCompletedWithErrors
	}
}

func (m *Manager) recordItem(status string) {
	if bm := m.batchMetrics(); bm != nil {
		bm.RecordItemProcessed(status)
	}
}

func (m *Manager) setActiveGauge() {
	if bm := m.batchMetrics(); bm != nil {
		bm.SetActiveBatches(m.active)
	}
}

func (m *Manager) batchMetrics() *metrics.BatchMetrics {
	if m.metrics == nil {
		return nil
	}
	return m.metrics.Batch
}
