package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/chestnet/chestnet-go/internal/datastore"
	"github.com/chestnet/chestnet-go/internal/security"
)

// initPatientRoutes registers patient registry endpoints. Reads and
// registration are technician work, soft delete needs a radiologist and
// restore an admin.
func (c *Controller) initPatientRoutes() {
	tech := c.requireRole(security.RoleTechnician)
	radio := c.requireRole(security.RoleRadiologist)
	admin := c.requireRole(security.RoleAdmin)

	c.Group.GET("/patients", c.ListPatients, tech)
	c.Group.POST("/patients", c.CreatePatient, tech)
	c.Group.GET("/patients/:id", c.GetPatient, tech)
	c.Group.PUT("/patients/:id", c.UpdatePatient, tech)
	c.Group.DELETE("/patients/:id", c.DeletePatient, radio)
	c.Group.POST("/patients/:id/restore", c.RestorePatient, admin)

	c.Group.GET("/patients/:id/comorbidities", c.ListComorbidities, tech)
	c.Group.POST("/patients/:id/comorbidities", c.AddComorbidity, tech)
	c.Group.DELETE("/comorbidities/:id", c.RemoveComorbidity, tech)
}

// PatientRequest carries incoming patient fields.
type PatientRequest struct {
	MRN         string `json:"mrn"`
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	DateOfBirth string `json:"dateOfBirth"` // YYYY-MM-DD
	Sex         string `json:"sex"`
	Phone       string `json:"phone"`
	Email       string `json:"email"`
}

// PatientResponse is the JSON view of a patient record.
type PatientResponse struct {
	ID            uint                  `json:"id"`
	MRN           string                `json:"mrn"`
	FirstName     string                `json:"firstName"`
	LastName      string                `json:"lastName"`
	DateOfBirth   string                `json:"dateOfBirth"`
	Sex           string                `json:"sex"`
	Phone         string                `json:"phone,omitempty"`
	Email         string                `json:"email,omitempty"`
	Comorbidities []ComorbidityResponse `json:"comorbidities,omitempty"`
	CreatedAt     time.Time             `json:"createdAt"`
	UpdatedAt     time.Time             `json:"updatedAt"`
}

// ComorbidityResponse is the JSON view of a recorded condition.
type ComorbidityResponse struct {
	ID      uint   `json:"id"`
	Code    string `json:"code"`
	Label   string `json:"label"`
	NotedAt string `json:"notedAt,omitempty"`
}

func patientResponse(p *datastore.Patient) PatientResponse {
	resp := PatientResponse{
		ID:        p.ID,
		MRN:       p.MRN,
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Sex:       p.Sex,
		Phone:     p.Phone,
		Email:     p.Email,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
	if !p.DateOfBirth.IsZero() {
		resp.DateOfBirth = p.DateOfBirth.Format("2006-01-02")
	}
	for i := range p.Comorbidities {
		resp.Comorbidities = append(resp.Comorbidities, comorbidityResponse(&p.Comorbidities[i]))
	}
	return resp
}

func comorbidityResponse(entry *datastore.Comorbidity) ComorbidityResponse {
	resp := ComorbidityResponse{
		ID:    entry.ID,
		Code:  entry.Code,
		Label: entry.Label,
	}
	if !entry.NotedAt.IsZero() {
		resp.NotedAt = entry.NotedAt.Format("2006-01-02")
	}
	return resp
}

// ListPatients lists active patients, optionally filtered by a search
// query matching name or MRN.
func (c *Controller) ListPatients(ctx echo.Context) error {
	limit, offset := parsePagination(ctx)

	var (
		patients []datastore.Patient
		err      error
	)
	if query := ctx.QueryParam("query"); query != "" {
		patients, err = c.DS.SearchPatients(query, limit, offset)
	} else {
		patients, err = c.DS.GetAllPatients(false, limit, offset)
	}
	if err != nil {
		return c.Error(ctx, err, "Failed to list patients")
	}

	out := make([]PatientResponse, 0, len(patients))
	for i := range patients {
		out = append(out, patientResponse(&patients[i]))
	}
	return ctx.JSON(http.StatusOK, map[string]any{
		"patients": out,
		"limit":    limit,
		"offset":   offset,
	})
}

func (c *Controller) bindPatient(ctx echo.Context, patient *datastore.Patient) error {
	var req PatientRequest
	if err := ctx.Bind(&req); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}

	if req.DateOfBirth != "" {
		dob, err := time.Parse("2006-01-02", req.DateOfBirth)
		if err != nil {
			return fmt.Errorf("invalid dateOfBirth %q, want YYYY-MM-DD", req.DateOfBirth)
		}
		patient.DateOfBirth = dob
	}

	patient.MRN = req.MRN
	patient.FirstName = req.FirstName
	patient.LastName = req.LastName
	patient.Sex = req.Sex
	patient.Phone = req.Phone
	patient.Email = req.Email
	return nil
}

// CreatePatient registers a patient. The MRN must be unique among
// active and deleted patients alike.
func (c *Controller) CreatePatient(ctx echo.Context) error {
	var patient datastore.Patient
	if err := c.bindPatient(ctx, &patient); err != nil {
		return c.HandleError(ctx, err, "Invalid patient payload", http.StatusBadRequest)
	}

	if err := c.DS.CreatePatient(&patient); err != nil {
		return c.Error(ctx, err, "Failed to create patient")
	}

	c.auditAction(ctx, "patient.create", "patient", patient.ID, "mrn="+patient.MRN)
	return ctx.JSON(http.StatusCreated, patientResponse(&patient))
}

// GetPatient returns one active patient with comorbidities.
func (c *Controller) GetPatient(ctx echo.Context) error {
	id, err := parseIDParam(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid patient id", http.StatusBadRequest)
	}

	patient, err := c.DS.GetPatient(id)
	if err != nil {
		return c.Error(ctx, err, "Patient not found")
	}
	return ctx.JSON(http.StatusOK, patientResponse(&patient))
}

// UpdatePatient replaces the mutable fields of a patient. The MRN is
// immutable once issued.
func (c *Controller) UpdatePatient(ctx echo.Context) error {
	id, err := parseIDParam(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid patient id", http.StatusBadRequest)
	}

	patient, err := c.DS.GetPatient(id)
	if err != nil {
		return c.Error(ctx, err, "Patient not found")
	}

	mrn := patient.MRN
	if err := c.bindPatient(ctx, &patient); err != nil {
		return c.HandleError(ctx, err, "Invalid patient payload", http.StatusBadRequest)
	}
	if patient.MRN != "" && patient.MRN != mrn {
		return c.HandleError(ctx, nil, "MRN cannot be changed", http.StatusConflict)
	}
	patient.MRN = mrn

	if err := c.DS.UpdatePatient(&patient); err != nil {
		return c.Error(ctx, err, "Failed to update patient")
	}

	c.auditAction(ctx, "patient.update", "patient", patient.ID, "")
	return ctx.JSON(http.StatusOK, patientResponse(&patient))
}

// DeletePatient soft-deletes a patient. Images and appointments stay
// in place, scoped queries stop returning them.
func (c *Controller) DeletePatient(ctx echo.Context) error {
	id, err := parseIDParam(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid patient id", http.StatusBadRequest)
	}

	if err := c.DS.DeletePatient(id); err != nil {
		return c.Error(ctx, err, "Failed to delete patient")
	}

	c.auditAction(ctx, "patient.delete", "patient", id, "")
	return ctx.NoContent(http.StatusNoContent)
}

// RestorePatient brings a soft-deleted patient back.
func (c *Controller) RestorePatient(ctx echo.Context) error {
	id, err := parseIDParam(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid patient id", http.StatusBadRequest)
	}

	if err := c.DS.RestorePatient(id); err != nil {
		return c.Error(ctx, err, "Failed to restore patient")
	}

	c.auditAction(ctx, "patient.restore", "patient", id, "")
	patient, err := c.DS.GetPatient(id)
	if err != nil {
		return c.Error(ctx, err, "Patient restored but reload failed")
	}
	return ctx.JSON(http.StatusOK, patientResponse(&patient))
}

// ListComorbidities lists a patient's recorded conditions.
func (c *Controller) ListComorbidities(ctx echo.Context) error {
	id, err := parseIDParam(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid patient id", http.StatusBadRequest)
	}

	entries, err := c.DS.GetComorbidities(id)
	if err != nil {
		return c.Error(ctx, err, "Failed to list comorbidities")
	}

	out := make([]ComorbidityResponse, 0, len(entries))
	for i := range entries {
		out = append(out, comorbidityResponse(&entries[i]))
	}
	return ctx.JSON(http.StatusOK, out)
}

// ComorbidityRequest records one pre-existing condition.
type ComorbidityRequest struct {
	Code    string `json:"code"`
	Label   string `json:"label"`
	NotedAt string `json:"notedAt"` // YYYY-MM-DD, defaults to today
}

// AddComorbidity records a condition for a patient. The entry feeds
// into risk scoring for future diagnoses.
func (c *Controller) AddComorbidity(ctx echo.Context) error {
	id, err := parseIDParam(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid patient id", http.StatusBadRequest)
	}

	var req ComorbidityRequest
	if err := ctx.Bind(&req); err != nil {
		return c.HandleError(ctx, err, "Invalid request body", http.StatusBadRequest)
	}
	if req.Code == "" || req.Label == "" {
		return c.HandleError(ctx, nil, "Code and label are required", http.StatusBadRequest)
	}

	notedAt := time.Now()
	if req.NotedAt != "" {
		notedAt, err = time.Parse("2006-01-02", req.NotedAt)
		if err != nil {
			return c.HandleError(ctx, err, "Invalid notedAt date", http.StatusBadRequest)
		}
	}

	if _, err := c.DS.GetPatient(id); err != nil {
		return c.Error(ctx, err, "Patient not found")
	}

	entry := &datastore.Comorbidity{
		PatientID: id,
		Code:      req.Code,
		Label:     req.Label,
		NotedAt:   notedAt,
	}
	if err := c.DS.AddComorbidity(entry); err != nil {
		return c.Error(ctx, err, "Failed to add comorbidity")
	}

	c.auditAction(ctx, "patient.comorbidity_add", "patient", id, "code="+req.Code)
	return ctx.JSON(http.StatusCreated, comorbidityResponse(entry))
}

// RemoveComorbidity deletes a recorded condition.
func (c *Controller) RemoveComorbidity(ctx echo.Context) error {
	id, err := parseIDParam(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid comorbidity id", http.StatusBadRequest)
	}

	if err := c.DS.RemoveComorbidity(id); err != nil {
		return c.Error(ctx, err, "Failed to remove comorbidity")
	}

	c.auditAction(ctx, "patient.comorbidity_remove", "comorbidity", id, "")
	return ctx.NoContent(http.StatusNoContent)
}
