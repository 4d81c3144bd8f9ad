package datastore

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/chestnet/chestnet-go/internal/errors"
)

var validBatchStatuses = map[string]bool{
	BatchStatusPending:             true,
	BatchStatusProcessing:          true,
	BatchStatusCompleted:           true,
	BatchStatusCompletedWithErrors: true,
	BatchStatusFailed:              true,
	BatchStatusCancelled:           true,
}

// IsTerminalBatchStatus reports whether a batch status is final.
func IsTerminalBatchStatus(status string) bool {
	switch status {
	case BatchStatusCompleted, BatchStatusCompletedWithErrors, BatchStatusFailed, BatchStatusCancelled:
		return true
	default:
		return false
	}
}

// CreateBatchJob inserts a new batch upload job.
func (ds *DataStore) CreateBatchJob(job *BatchUploadJob) error {
	if job == nil {
		return validationError("batch job cannot be nil", "job", nil)
	}
	if job.UUID == "" {
		return validationError("batch job requires a uuid", "uuid", "")
	}
	if job.Total <= 0 {
		return validationError("batch job requires at least one image", "total", job.Total)
	}

	if job.Status == "" {
		job.Status = BatchStatusPending
	}
	if err := ds.DB.Create(job).Error; err != nil {
		if isUniqueConstraintViolation(err) {
			return conflictError(err, "create_batch_job", "duplicate_uuid", "uuid", job.UUID)
		}
		return dbError(err, "create_batch_job", "", "uuid", job.UUID)
	}
	return nil
}

// GetBatchJob retrieves a batch job by numeric id.
func (ds *DataStore) GetBatchJob(id uint) (BatchUploadJob, error) {
	var job BatchUploadJob
	if err := ds.DB.First(&job, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return BatchUploadJob{}, notFoundError("batch job", fmt.Sprintf("%d", id))
		}
		return BatchUploadJob{}, dbError(err, "get_batch_job", "", "id", id)
	}
	return job, nil
}

// GetBatchJobByUUID retrieves a batch job by public identifier.
func (ds *DataStore) GetBatchJobByUUID(uuid string) (BatchUploadJob, error) {
	var job BatchUploadJob
	if err := ds.DB.Where("uuid = ?", uuid).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return BatchUploadJob{}, notFoundError("batch job", uuid)
		}
		return BatchUploadJob{}, dbError(err, "get_batch_job_by_uuid", "", "uuid", uuid)
	}
	return job, nil
}

// UpdateBatchJobStatus sets the job status and maintains the start and
// completion timestamps. A terminal job never changes status again.
func (ds *DataStore) UpdateBatchJobStatus(uuid, status string) error {
	if !validBatchStatuses[status] {
		return validationError("unknown batch status", "status", status)
	}

	now := time.Now()
	updates := map[string]any{"status": status}
	switch {
	case status == BatchStatusProcessing:
		updates["started_at"] = gorm.Expr("COALESCE(started_at, ?)", now)
	case IsTerminalBatchStatus(status):
		updates["completed_at"] = now
	}

	terminal := []string{
		BatchStatusCompleted, BatchStatusCompletedWithErrors,
		BatchStatusFailed, BatchStatusCancelled,
	}
	result := ds.DB.Model(&BatchUploadJob{}).
		Where("uuid = ? AND status NOT IN ?", uuid, terminal).
		Updates(updates)
	if result.Error != nil {
		return dbError(result.Error, "update_batch_status", "", "uuid", uuid)
	}
	if result.RowsAffected == 0 {
		return ds.batchTransitionError(uuid, status)
	}
	return nil
}

func (ds *DataStore) batchTransitionError(uuid, wanted string) error {
	job, err := ds.GetBatchJobByUUID(uuid)
	if err != nil {
		return err
	}
	return stateError(
		errors.Newf("batch %s cannot move from %s to %s", uuid, job.Status, wanted).Build(),
		"update_batch_status", "status_transition",
		"uuid", uuid,
		"current_status", job.Status,
		"wanted_status", wanted)
}

// AddBatchJobProgress atomically advances the processed and failed
// counters. The guard keeps processed+failed from ever exceeding total,
// regardless of how many workers report at once.
func (ds *DataStore) AddBatchJobProgress(uuid string, processedDelta, failedDelta int) error {
	if processedDelta < 0 || failedDelta < 0 {
		return validationError("progress deltas cannot be negative", "delta",
			fmt.Sprintf("%d/%d", processedDelta, failedDelta))
	}
	if processedDelta == 0 && failedDelta == 0 {
		return nil
	}

	result := ds.DB.Model(&BatchUploadJob{}).
		Where("uuid = ? AND processed + failed + ? <= total", uuid, processedDelta+failedDelta).
		Updates(map[string]any{
			"processed": gorm.Expr("processed + ?", processedDelta),
			"failed":    gorm.Expr("failed + ?", failedDelta),
		})
	if result.Error != nil {
		return dbError(result.Error, "add_batch_progress", "", "uuid", uuid)
	}
	if result.RowsAffected == 0 {
		job, err := ds.GetBatchJobByUUID(uuid)
		if err != nil {
			return err
		}
		return stateError(
			errors.Newf("batch %s counters would exceed total (%d+%d of %d)",
				uuid, job.Processed, job.Failed, job.Total).Build(),
			"add_batch_progress", "counter_overflow",
			"uuid", uuid,
			"processed", job.Processed,
			"failed", job.Failed,
			"total", job.Total)
	}
	return nil
}

// ListBatchJobs lists jobs newest first.
func (ds *DataStore) ListBatchJobs(limit, offset int) ([]BatchUploadJob, error) {
	var jobs []BatchUploadJob
	err := ds.DB.Order("created_at DESC").
		Limit(normalizeLimit(limit)).
		Offset(offset).
		Find(&jobs).Error
	if err != nil {
		return nil, dbError(err, "list_batch_jobs", "")
	}
	return jobs, nil
}

// GetActiveBatchJobs lists jobs that have not reached a terminal state,
// oldest first so resumed processing keeps submission order.
func (ds *DataStore) GetActiveBatchJobs() ([]BatchUploadJob, error) {
	var jobs []BatchUploadJob
	err := ds.DB.Where("status IN ?", []string{BatchStatusPending, BatchStatusProcessing}).
		Order("created_at ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, dbError(err, "get_active_batch_jobs", "")
	}
	return jobs, nil
}
