package api

import (
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/chestnet/chestnet-go/internal/batch"
	"github.com/chestnet/chestnet-go/internal/datastore"
	"github.com/chestnet/chestnet-go/internal/ingest"
	"github.com/chestnet/chestnet-go/internal/security"
)

// initBatchRoutes registers multi-image upload jobs.
func (c *Controller) initBatchRoutes() {
	tech := c.requireRole(security.RoleTechnician)

	c.Group.POST("/batches", c.CreateBatch, tech)
	c.Group.GET("/batches", c.ListBatches, tech)
	c.Group.GET("/batches/:uuid", c.GetBatch, tech)
	c.Group.POST("/batches/:uuid/cancel", c.CancelBatch, tech)
	c.Group.GET("/batches/:uuid/stream", c.StreamBatchProgress, tech)
}

// BatchResponse is the JSON view of a batch upload job.
type BatchResponse struct {
	UUID        string     `json:"uuid"`
	Status      string     `json:"status"`
	Total       int        `json:"total"`
	Processed   int        `json:"processed"`
	Failed      int        `json:"failed"`
	SubmittedBy uint       `json:"submittedBy"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`

	Rejected []RejectedFile `json:"rejected,omitempty"`
}

// RejectedFile names an upload that failed validation during batch
// submission.
type RejectedFile struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

func batchResponse(job *datastore.BatchUploadJob) BatchResponse {
	return BatchResponse{
		UUID:        job.UUID,
		Status:      job.Status,
		Total:       job.Total,
		Processed:   job.Processed,
		Failed:      job.Failed,
		SubmittedBy: job.SubmittedBy,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		CreatedAt:   job.CreatedAt,
	}
}

// CreateBatch accepts a multipart form with a files field holding
// several radiographs for one patient. Files failing validation are
// reported back without sinking the rest of the batch; the job starts
// when at least one file is accepted.
func (c *Controller) CreateBatch(ctx echo.Context) error {
	if c.Batches == nil {
		return c.HandleError(ctx, nil, "Batch processing unavailable", http.StatusServiceUnavailable)
	}

	patientID, err := strconv.ParseUint(ctx.FormValue("patientId"), 10, 32)
	if err != nil || patientID == 0 {
		return c.HandleError(ctx, err, "A valid patientId form field is required", http.StatusBadRequest)
	}

	form, err := ctx.MultipartForm()
	if err != nil {
		return c.HandleError(ctx, err, "Invalid multipart form", http.StatusBadRequest)
	}
	files := form.File["files"]
	if len(files) == 0 {
		return c.HandleError(ctx, nil, "At least one file is required", http.StatusBadRequest)
	}

	force, _ := strconv.ParseBool(ctx.FormValue("force"))
	userID := currentUserID(ctx)

	var (
		imageIDs []uint
		rejected []RejectedFile
	)
	for _, fh := range files {
		data, readErr := readMultipartFile(fh)
		if readErr != nil {
			rejected = append(rejected, RejectedFile{Name: fh.Filename, Reason: "unreadable"})
			continue
		}
		img, ingestErr := c.Ingest.Ingest(data, &ingest.Options{
			PatientID:    uint(patientID),
			OriginalName: fh.Filename,
			Source:       datastore.ImageSourceBatch,
			UploadedBy:   userID,
			Force:        force,
		})
		if ingestErr != nil {
			rejected = append(rejected, RejectedFile{Name: fh.Filename, Reason: ingestErr.Error()})
			continue
		}
		imageIDs = append(imageIDs, img.ID)
	}

	if len(imageIDs) == 0 {
		return c.HandleError(ctx, nil, "Every file in the batch was rejected", http.StatusBadRequest)
	}

	job, err := c.Batches.Submit(c.ctx, userID, imageIDs)
	if err != nil {
		return c.Error(ctx, err, "Failed to submit batch")
	}

	c.auditAction(ctx, "batch.create", "batch_job", job.ID,
		"images="+strconv.Itoa(len(imageIDs))+" rejected="+strconv.Itoa(len(rejected)))

	resp := batchResponse(job)
	resp.Rejected = rejected
	return ctx.JSON(http.StatusAccepted, resp)
}

func readMultipartFile(fh *multipart.FileHeader) ([]byte, error) {
	src, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = src.Close() }()
	return io.ReadAll(src)
}

// ListBatches lists batch jobs, newest first.
func (c *Controller) ListBatches(ctx echo.Context) error {
	limit, offset := parsePagination(ctx)
	jobs, err := c.DS.ListBatchJobs(limit, offset)
	if err != nil {
		return c.Error(ctx, err, "Failed to list batches")
	}

	out := make([]BatchResponse, 0, len(jobs))
	for i := range jobs {
		out = append(out, batchResponse(&jobs[i]))
	}
	return ctx.JSON(http.StatusOK, map[string]any{
		"batches": out,
		"limit":   limit,
		"offset":  offset,
	})
}

// GetBatch returns live progress for one job, including per-item
// failures while the manager still tracks them.
func (c *Controller) GetBatch(ctx echo.Context) error {
	uuid := ctx.Param("uuid")

	if c.Batches != nil {
		if progress, err := c.Batches.Progress(uuid); err == nil {
			return ctx.JSON(http.StatusOK, progress)
		}
	}

	job, err := c.DS.GetBatchJobByUUID(uuid)
	if err != nil {
		return c.Error(ctx, err, "Batch not found")
	}
	return ctx.JSON(http.StatusOK, batchResponse(&job))
}

// CancelBatch stops a running job. Items already processed keep their
// results.
func (c *Controller) CancelBatch(ctx echo.Context) error {
	if c.Batches == nil {
		return c.HandleError(ctx, nil, "Batch processing unavailable", http.StatusServiceUnavailable)
	}

	uuid := ctx.Param("uuid")
	if err := c.Batches.Cancel(uuid); err != nil {
		return c.Error(ctx, err, "Failed to cancel batch")
	}

	job, err := c.DS.GetBatchJobByUUID(uuid)
	if err == nil {
		c.auditAction(ctx, "batch.cancel", "batch_job", job.ID, "")
	}
	return ctx.NoContent(http.StatusNoContent)
}

// StreamBatchProgress pushes job progress over SSE until the job
// reaches a terminal status or the client disconnects.
func (c *Controller) StreamBatchProgress(ctx echo.Context) error {
	if c.Batches == nil {
		return c.HandleError(ctx, nil, "Batch processing unavailable", http.StatusServiceUnavailable)
	}

	uuid := ctx.Param("uuid")
	if _, err := c.DS.GetBatchJobByUUID(uuid); err != nil {
		return c.Error(ctx, err, "Batch not found")
	}

	c.sseConnectionStarted("batch_progress")
	start := time.Now()
	defer c.sseConnectionClosed("batch_progress", start)

	c.prepareSSE(ctx)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var last *batch.Progress
	for {
		select {
		case <-c.ctx.Done():
			return nil
		case <-ctx.Request().Context().Done():
			return nil
		case <-ticker.C:
			progress, err := c.batchProgress(uuid)
			if err != nil {
				return nil
			}
			if last == nil || *progressKey(progress) != *progressKey(last) {
				if err := c.sendSSEMessage(ctx, "progress", progress); err != nil {
					return nil
				}
				last = progress
			}
			if isTerminalBatchStatus(progress.Status) {
				_ = c.sendSSEMessage(ctx, "done", progress)
				return nil
			}
		}
	}
}

// batchProgress reads live manager progress, falling back to the
// persisted counters once the manager forgets the job.
func (c *Controller) batchProgress(uuid string) (*batch.Progress, error) {
	if progress, err := c.Batches.Progress(uuid); err == nil {
		return progress, nil
	}
	job, err := c.DS.GetBatchJobByUUID(uuid)
	if err != nil {
		return nil, err
	}
	percent := 0.0
	if job.Total > 0 {
		percent = float64(job.Processed+job.Failed) / float64(job.Total) * 100
	}
	return &batch.Progress{
		UUID:      job.UUID,
		Status:    job.Status,
		Total:     job.Total,
		Processed: job.Processed,
		Failed:    job.Failed,
		Percent:   percent,
	}, nil
}

type progressSnapshot struct {
	status    string
	processed int
	failed    int
}

func progressKey(p *batch.Progress) *progressSnapshot {
	return &progressSnapshot{status: p.Status, processed: p.Processed, failed: p.Failed}
}

func isTerminalBatchStatus(status string) bool {
	switch status {
	case datastore.BatchStatusCompleted,
		datastore.BatchStatusCompletedWithErrors,
		datastore.BatchStatusFailed,
		datastore.BatchStatusCancelled:
		return true
	}
	return false
}
