package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/chestnet/chestnet-go/internal/datastore"
	"github.com/chestnet/chestnet-go/internal/security"
)

// initPredictionRoutes registers consensus result access and review.
// Reading results is technician work, verdicts need a radiologist.
func (c *Controller) initPredictionRoutes() {
	tech := c.requireRole(security.RoleTechnician)
	radio := c.requireRole(security.RoleRadiologist)

	c.Group.GET("/predictions/recent", c.RecentPredictions, tech)
	c.Group.GET("/predictions/review-queue", c.ReviewQueue, radio)
	c.Group.GET("/predictions/:id", c.GetPrediction, tech)
	c.Group.GET("/images/:id/prediction", c.GetImagePrediction, tech)
	c.Group.POST("/predictions/:id/review", c.ReviewPrediction, radio)
}

// PredictionResponse is the JSON view of a consensus diagnosis.
type PredictionResponse struct {
	ID             uint      `json:"id"`
	XRayImageID    uint      `json:"imageId"`
	Label          string    `json:"label"`
	Confidence     float64   `json:"confidence"`
	AgreementRatio float64   `json:"agreementRatio"`
	VotesFor       int       `json:"votesFor"`
	VotesTotal     int       `json:"votesTotal"`
	BestModel      string    `json:"bestModel,omitempty"`
	BestConfidence float64   `json:"bestConfidence,omitempty"`
	RiskScore      float64   `json:"riskScore"`
	RiskLevel      string    `json:"riskLevel"`
	DurationMs     int64     `json:"durationMs"`
	NeedsReview    bool      `json:"needsReview"`
	CreatedAt      time.Time `json:"createdAt"`

	Results []ModelResultResponse `json:"results,omitempty"`
	Review  *ReviewResponse       `json:"review,omitempty"`
}

// ModelResultResponse is one ensemble member's vote.
type ModelResultResponse struct {
	ModelName    string  `json:"modelName"`
	Architecture string  `json:"architecture,omitempty"`
	Label        string  `json:"label"`
	Confidence   float64 `json:"confidence"`
	DurationMs   int64   `json:"durationMs"`
}

// ReviewResponse is the radiologist verdict on a prediction.
type ReviewResponse struct {
	ID             uint      `json:"id"`
	Verdict        string    `json:"verdict"`
	CorrectedLabel string    `json:"correctedLabel,omitempty"`
	ReviewedBy     uint      `json:"reviewedBy"`
	Notes          string    `json:"notes,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

func predictionResponse(p *datastore.Prediction) PredictionResponse {
	resp := PredictionResponse{
		ID:             p.ID,
		XRayImageID:    p.XRayImageID,
		Label:          p.Label,
		Confidence:     p.Confidence,
		AgreementRatio: p.AgreementRatio,
		VotesFor:       p.VotesFor,
		VotesTotal:     p.VotesTotal,
		BestModel:      p.BestModel,
		BestConfidence: p.BestConfidence,
		RiskScore:      p.RiskScore,
		RiskLevel:      p.RiskLevel,
		DurationMs:     p.DurationMs,
		NeedsReview:    p.NeedsReview,
		CreatedAt:      p.CreatedAt,
	}
	for i := range p.Results {
		r := &p.Results[i]
		resp.Results = append(resp.Results, ModelResultResponse{
			ModelName:    r.ModelName,
			Architecture: r.Architecture,
			Label:        r.Label,
			Confidence:   r.Confidence,
			DurationMs:   r.DurationMs,
		})
	}
	if p.Review != nil {
		resp.Review = &ReviewResponse{
			ID:             p.Review.ID,
			Verdict:        p.Review.Verdict,
			CorrectedLabel: p.Review.CorrectedLabel,
			ReviewedBy:     p.Review.ReviewedBy,
			Notes:          p.Review.Notes,
			CreatedAt:      p.Review.CreatedAt,
		}
	}
	return resp
}

// GetPrediction returns one consensus result with votes and review.
func (c *Controller) GetPrediction(ctx echo.Context) error {
	id, err := parseIDParam(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid prediction id", http.StatusBadRequest)
	}

	prediction, err := c.DS.GetPrediction(id)
	if err != nil {
		return c.Error(ctx, err, "Prediction not found")
	}
	return ctx.JSON(http.StatusOK, predictionResponse(&prediction))
}

// GetImagePrediction returns the consensus result for an image.
func (c *Controller) GetImagePrediction(ctx echo.Context) error {
	id, err := parseIDParam(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid image id", http.StatusBadRequest)
	}

	prediction, err := c.DS.GetPredictionForImage(id)
	if err != nil {
		return c.Error(ctx, err, "No prediction for this image")
	}
	return ctx.JSON(http.StatusOK, predictionResponse(&prediction))
}

// RecentPredictions lists the newest consensus results.
func (c *Controller) RecentPredictions(ctx echo.Context) error {
	limit, _ := parsePagination(ctx)
	predictions, err := c.DS.GetRecentPredictions(limit)
	if err != nil {
		return c.Error(ctx, err, "Failed to list predictions")
	}

	out := make([]PredictionResponse, 0, len(predictions))
	for i := range predictions {
		out = append(out, predictionResponse(&predictions[i]))
	}
	return ctx.JSON(http.StatusOK, out)
}

// ReviewQueue lists predictions flagged for radiologist review,
// oldest first so the queue drains in arrival order.
func (c *Controller) ReviewQueue(ctx echo.Context) error {
	limit, offset := parsePagination(ctx)
	predictions, err := c.DS.GetPredictionsNeedingReview(limit, offset)
	if err != nil {
		return c.Error(ctx, err, "Failed to list review queue")
	}

	out := make([]PredictionResponse, 0, len(predictions))
	for i := range predictions {
		out = append(out, predictionResponse(&predictions[i]))
	}
	return ctx.JSON(http.StatusOK, map[string]any{
		"predictions": out,
		"limit":       limit,
		"offset":      offset,
	})
}

// ReviewRequest is a radiologist verdict submission.
type ReviewRequest struct {
	Verdict        string `json:"verdict"` // confirmed or overridden
	CorrectedLabel string `json:"correctedLabel,omitempty"`
	Notes          string `json:"notes,omitempty"`
}

// ReviewPrediction records a verdict and clears the review flag. A
// second review for the same prediction is rejected.
func (c *Controller) ReviewPrediction(ctx echo.Context) error {
	id, err := parseIDParam(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid prediction id", http.StatusBadRequest)
	}

	var req ReviewRequest
	if err := ctx.Bind(&req); err != nil {
		return c.HandleError(ctx, err, "Invalid request body", http.StatusBadRequest)
	}

	if _, err := c.DS.GetPrediction(id); err != nil {
		return c.Error(ctx, err, "Prediction not found")
	}

	review := &datastore.PredictionReview{
		PredictionID:   id,
		Verdict:        req.Verdict,
		CorrectedLabel: req.CorrectedLabel,
		ReviewedBy:     currentUserID(ctx),
		Notes:          req.Notes,
	}
	if err := c.DS.SavePredictionReview(review); err != nil {
		return c.Error(ctx, err, "Failed to save review")
	}

	c.auditAction(ctx, "prediction.review", "prediction", id, "verdict="+req.Verdict)
	return ctx.JSON(http.StatusCreated, ReviewResponse{
		ID:             review.ID,
		Verdict:        review.Verdict,
		CorrectedLabel: review.CorrectedLabel,
		ReviewedBy:     review.ReviewedBy,
		Notes:          review.Notes,
		CreatedAt:      review.CreatedAt,
	})
}
