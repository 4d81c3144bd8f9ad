package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/chestnet/chestnet-go/internal/datastore"
	"github.com/chestnet/chestnet-go/internal/security"
)

// initReportRoutes registers PDF report endpoints. Generation is a
// radiologist action; reading finished reports is open to technicians.
func (c *Controller) initReportRoutes() {
	tech := c.requireRole(security.RoleTechnician)
	radio := c.requireRole(security.RoleRadiologist)

	c.Group.GET("/reports", c.ListReports, tech)
	c.Group.GET("/reports/:id", c.GetReport, tech)
	c.Group.GET("/reports/:id/file", c.ServeReportFile, tech)
	c.Group.POST("/predictions/:id/report", c.GenerateReport, radio)
	c.Group.GET("/predictions/:id/report", c.GetPredictionReport, tech)
}

// ReportResponse is the JSON view of a generated PDF report.
type ReportResponse struct {
	ID           uint      `json:"id"`
	PredictionID uint      `json:"predictionId"`
	Path         string    `json:"path"`
	SizeBytes    int64     `json:"sizeBytes"`
	Checksum     string    `json:"checksum"`
	GeneratedBy  uint      `json:"generatedBy"`
	CreatedAt    time.Time `json:"createdAt"`
}

func reportResponse(r *datastore.Report) ReportResponse {
	return ReportResponse{
		ID:           r.ID,
		PredictionID: r.PredictionID,
		Path:         r.Path,
		SizeBytes:    r.SizeBytes,
		Checksum:     r.Checksum,
		GeneratedBy:  r.GeneratedBy,
		CreatedAt:    r.CreatedAt,
	}
}

// GenerateReport renders the PDF for a prediction. Regenerating an
// existing report returns the stored copy instead of writing a new one.
func (c *Controller) GenerateReport(ctx echo.Context) error {
	if c.Reports == nil {
		return c.HandleError(ctx, nil, "Report generation unavailable", http.StatusServiceUnavailable)
	}

	predictionID, err := parseIDParam(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid prediction ID", http.StatusBadRequest)
	}

	if existing, err := c.DS.GetReportForPrediction(predictionID); err == nil {
		return ctx.JSON(http.StatusOK, reportResponse(&existing))
	}

	report, err := c.Reports.Generate(ctx.Request().Context(), predictionID, currentUserID(ctx))
	if err != nil {
		return c.Error(ctx, err, "Failed to generate report")
	}

	c.auditAction(ctx, "report.generate", "report", report.ID, "")
	return ctx.JSON(http.StatusCreated, reportResponse(report))
}

// GetReport returns report metadata.
func (c *Controller) GetReport(ctx echo.Context) error {
	id, err := parseIDParam(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid report ID", http.StatusBadRequest)
	}

	report, err := c.DS.GetReport(id)
	if err != nil {
		return c.Error(ctx, err, "Report not found")
	}
	return ctx.JSON(http.StatusOK, reportResponse(&report))
}

// GetPredictionReport returns the report for one prediction, if any.
func (c *Controller) GetPredictionReport(ctx echo.Context) error {
	predictionID, err := parseIDParam(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid prediction ID", http.StatusBadRequest)
	}

	report, err := c.DS.GetReportForPrediction(predictionID)
	if err != nil {
		return c.Error(ctx, err, "Report not found")
	}
	return ctx.JSON(http.StatusOK, reportResponse(&report))
}

// ServeReportFile streams the stored PDF.
func (c *Controller) ServeReportFile(ctx echo.Context) error {
	id, err := parseIDParam(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid report ID", http.StatusBadRequest)
	}

	report, err := c.DS.GetReport(id)
	if err != nil {
		return c.Error(ctx, err, "Report not found")
	}
	return c.SFS.ServeRelativeFile(ctx, report.Path)
}

// ListReports lists generated reports, newest first.
func (c *Controller) ListReports(ctx echo.Context) error {
	limit, offset := parsePagination(ctx)
	reports, err := c.DS.ListReports(limit, offset)
	if err != nil {
		return c.Error(ctx, err, "Failed to list reports")
	}

	out := make([]ReportResponse, 0, len(reports))
	for i := range reports {
		out = append(out, reportResponse(&reports[i]))
	}
	return ctx.JSON(http.StatusOK, map[string]any{
		"reports": out,
		"limit":   limit,
		"offset":  offset,
	})
}
