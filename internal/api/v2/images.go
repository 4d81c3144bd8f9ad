package api

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/chestnet/chestnet-go/internal/datastore"
	"github.com/chestnet/chestnet-go/internal/ingest"
	"github.com/chestnet/chestnet-go/internal/security"
)

// initImageRoutes registers radiograph upload and retrieval endpoints.
func (c *Controller) initImageRoutes() {
	tech := c.requireRole(security.RoleTechnician)
	radio := c.requireRole(security.RoleRadiologist)

	c.Group.POST("/images", c.UploadImage, tech)
	c.Group.GET("/images/:id", c.GetImage, tech)
	c.Group.GET("/images/:id/file", c.ServeImageFile, tech)
	c.Group.DELETE("/images/:id", c.DeleteImage, radio)
	c.Group.GET("/patients/:id/images", c.ListPatientImages, tech)
}

// ImageResponse is the JSON view of a stored radiograph.
type ImageResponse struct {
	ID           uint      `json:"id"`
	PatientID    uint      `json:"patientId"`
	BatchJobID   *uint     `json:"batchJobId,omitempty"`
	OriginalName string    `json:"originalName"`
	ContentHash  string    `json:"contentHash"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	BodyPart     string    `json:"bodyPart"`
	ViewPosition string    `json:"viewPosition,omitempty"`
	Source       string    `json:"source"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`

	Prediction *PredictionResponse `json:"prediction,omitempty"`
}

func imageResponse(img *datastore.XRayImage) ImageResponse {
	resp := ImageResponse{
		ID:           img.ID,
		PatientID:    img.PatientID,
		BatchJobID:   img.BatchJobID,
		OriginalName: img.OriginalName,
		ContentHash:  img.ContentHash,
		Width:        img.Width,
		Height:       img.Height,
		BodyPart:     img.BodyPart,
		ViewPosition: img.ViewPosition,
		Source:       img.Source,
		Status:       img.Status,
		CreatedAt:    img.CreatedAt,
	}
	if img.Prediction != nil {
		pred := predictionResponse(img.Prediction)
		resp.Prediction = &pred
	}
	return resp
}

// UploadImage accepts one multipart radiograph and enqueues triage.
// Form fields: file, patientId, viewPosition (optional), force
// (optional, accepts a duplicate re-upload).
func (c *Controller) UploadImage(ctx echo.Context) error {
	patientID, err := strconv.ParseUint(ctx.FormValue("patientId"), 10, 32)
	if err != nil || patientID == 0 {
		return c.HandleError(ctx, err, "A valid patientId form field is required", http.StatusBadRequest)
	}

	fileHeader, err := ctx.FormFile("file")
	if err != nil {
		return c.HandleError(ctx, err, "A file form field is required", http.StatusBadRequest)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return c.HandleError(ctx, err, "Failed to read upload", http.StatusBadRequest)
	}
	defer func() { _ = src.Close() }()

	data, err := io.ReadAll(src)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to read upload", http.StatusBadRequest)
	}

	force, _ := strconv.ParseBool(ctx.FormValue("force"))
	img, err := c.Ingest.Ingest(data, &ingest.Options{
		PatientID:    uint(patientID),
		OriginalName: fileHeader.Filename,
		Source:       datastore.ImageSourceUpload,
		UploadedBy:   currentUserID(ctx),
		ViewPosition: ctx.FormValue("viewPosition"),
		Force:        force,
	})
	if err != nil {
		c.recordUpload("upload", "rejected", int64(len(data)))
		return c.Error(ctx, err, "Upload rejected")
	}

	c.recordUpload("upload", "accepted", int64(len(data)))
	c.auditAction(ctx, "image.upload", "xray_image", img.ID, "patient="+strconv.FormatUint(patientID, 10))
	c.enqueueTriage(img.ID)

	return ctx.JSON(http.StatusAccepted, imageResponse(img))
}

// enqueueTriage runs the diagnosis pipeline for an image in the
// background. Without a processor the image stays pending for a later
// worker pass.
func (c *Controller) enqueueTriage(imageID uint) {
	if c.Processor == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		prediction, err := c.Processor.ProcessImage(c.ctx, imageID)
		if err != nil {
			c.logger.Error("triage failed", "image_id", imageID, "error", err)
			return
		}
		c.sseManager.Broadcast(&SSEEvent{
			Event: "prediction",
			Data: map[string]any{
				"imageId":      imageID,
				"predictionId": prediction.ID,
				"label":        prediction.Label,
				"riskLevel":    prediction.RiskLevel,
				"needsReview":  prediction.NeedsReview,
			},
		})
	}()
}

// GetImage returns one radiograph with its prediction when available.
func (c *Controller) GetImage(ctx echo.Context) error {
	id, err := parseIDParam(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid image id", http.StatusBadRequest)
	}

	img, err := c.DS.GetXRayImage(id)
	if err != nil {
		return c.Error(ctx, err, "Image not found")
	}

	if img.Prediction == nil {
		if prediction, err := c.DS.GetPredictionForImage(img.ID); err == nil {
			img.Prediction = &prediction
		}
	}
	return ctx.JSON(http.StatusOK, imageResponse(&img))
}

// ServeImageFile streams the stored radiograph bytes. Path containment
// is enforced by the media sandbox.
func (c *Controller) ServeImageFile(ctx echo.Context) error {
	id, err := parseIDParam(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid image id", http.StatusBadRequest)
	}

	img, err := c.DS.GetXRayImage(id)
	if err != nil {
		return c.Error(ctx, err, "Image not found")
	}
	return c.SFS.ServeRelativeFile(ctx, img.Path)
}

// DeleteImage soft-deletes a radiograph. The stored file stays on disk
// until retention cleanup claims it.
func (c *Controller) DeleteImage(ctx echo.Context) error {
	id, err := parseIDParam(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid image id", http.StatusBadRequest)
	}

	if err := c.DS.DeleteXRayImage(id); err != nil {
		return c.Error(ctx, err, "Failed to delete image")
	}

	c.auditAction(ctx, "image.delete", "xray_image", id, "")
	return ctx.NoContent(http.StatusNoContent)
}

// ListPatientImages lists a patient's radiographs, newest first.
func (c *Controller) ListPatientImages(ctx echo.Context) error {
	id, err := parseIDParam(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid patient id", http.StatusBadRequest)
	}

	limit, offset := parsePagination(ctx)
	images, err := c.DS.GetXRayImagesForPatient(id, limit, offset)
	if err != nil {
		return c.Error(ctx, err, "Failed to list images")
	}

	out := make([]ImageResponse, 0, len(images))
	for i := range images {
		out = append(out, imageResponse(&images[i]))
	}
	return ctx.JSON(http.StatusOK, map[string]any{
		"images": out,
		"limit":  limit,
		"offset": offset,
	})
}

func (c *Controller) recordUpload(source, status string, size int64) {
	if c.metrics != nil && c.metrics.HTTP != nil {
		if status == "accepted" {
			c.metrics.HTTP.RecordUpload(source, status, size)
		} else {
			c.metrics.HTTP.RecordUploadRejection(source, "validation")
		}
	}
}
