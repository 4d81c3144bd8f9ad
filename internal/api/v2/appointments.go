package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/chestnet/chestnet-go/internal/datastore"
	"github.com/chestnet/chestnet-go/internal/security"
)

// initAppointmentRoutes registers scheduling endpoints.
func (c *Controller) initAppointmentRoutes() {
	tech := c.requireRole(security.RoleTechnician)
	admin := c.requireRole(security.RoleAdmin)

	c.Group.GET("/appointments", c.Calendar, tech)
	c.Group.GET("/appointments/calendar", c.Calendar, tech)
	c.Group.POST("/appointments", c.CreateAppointment, tech)
	c.Group.GET("/appointments/:id", c.GetAppointment, tech)
	c.Group.PUT("/appointments/:id", c.RescheduleAppointment, tech)
	c.Group.POST("/appointments/:id/status", c.TransitionAppointment, tech)
	c.Group.DELETE("/appointments/:id", c.DeleteAppointment, tech)
	c.Group.POST("/appointments/:id/restore", c.RestoreAppointment, admin)
	c.Group.GET("/patients/:id/appointments", c.ListPatientAppointments, tech)
}

// AppointmentRequest creates or reschedules a visit.
type AppointmentRequest struct {
	PatientID   uint      `json:"patientId"`
	ClinicianID uint      `json:"clinicianId"`
	ScheduledAt time.Time `json:"scheduledAt"`
	EndsAt      time.Time `json:"endsAt,omitempty"`
	Reason      string    `json:"reason"`
}

// AppointmentResponse is the JSON view of a scheduled visit.
type AppointmentResponse struct {
	ID           uint      `json:"id"`
	PatientID    uint      `json:"patientId"`
	ClinicianID  uint      `json:"clinicianId"`
	ScheduledAt  time.Time `json:"scheduledAt"`
	EndsAt       time.Time `json:"endsAt"`
	Reason       string    `json:"reason,omitempty"`
	Status       string    `json:"status"`
	ReminderSent bool      `json:"reminderSent"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func appointmentResponse(appt *datastore.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:           appt.ID,
		PatientID:    appt.PatientID,
		ClinicianID:  appt.ClinicianID,
		ScheduledAt:  appt.ScheduledAt,
		EndsAt:       appt.EndsAt,
		Reason:       appt.Reason,
		Status:       appt.Status,
		ReminderSent: appt.ReminderSent,
		CreatedAt:    appt.CreatedAt,
		UpdatedAt:    appt.UpdatedAt,
	}
}

// Calendar returns appointments in a date range, defaulting to the
// next seven days. An optional clinician query narrows the view to
// one clinician's schedule.
func (c *Controller) Calendar(ctx echo.Context) error {
	if c.Appointments == nil {
		return c.HandleError(ctx, nil, "Scheduling unavailable", http.StatusServiceUnavailable)
	}

	from, err := parseTimeParam(ctx, "from")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid from parameter", http.StatusBadRequest)
	}
	to, err := parseTimeParam(ctx, "to")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid to parameter", http.StatusBadRequest)
	}
	if from.IsZero() {
		from = time.Now().Truncate(24 * time.Hour)
	}
	if to.IsZero() {
		to = from.Add(7 * 24 * time.Hour)
	}

	appts, err := c.Appointments.Calendar(from, to)
	if err != nil {
		return c.Error(ctx, err, "Failed to load calendar")
	}

	clinicianID, err := parseOptionalIDQuery(ctx, "clinician")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid clinician parameter", http.StatusBadRequest)
	}

	out := make([]AppointmentResponse, 0, len(appts))
	for i := range appts {
		if clinicianID != 0 && appts[i].ClinicianID != clinicianID {
			continue
		}
		out = append(out, appointmentResponse(&appts[i]))
	}
	return ctx.JSON(http.StatusOK, map[string]any{
		"appointments": out,
		"from":         from,
		"to":           to,
	})
}

// CreateAppointment books a visit, rejecting slots that collide with
// an existing booking for the patient or clinician.
func (c *Controller) CreateAppointment(ctx echo.Context) error {
	if c.Appointments == nil {
		return c.HandleError(ctx, nil, "Scheduling unavailable", http.StatusServiceUnavailable)
	}

	var req AppointmentRequest
	if err := ctx.Bind(&req); err != nil {
		return c.HandleError(ctx, err, "Invalid request body", http.StatusBadRequest)
	}

	appt := &datastore.Appointment{
		PatientID:   req.PatientID,
		ClinicianID: req.ClinicianID,
		ScheduledAt: req.ScheduledAt,
		EndsAt:      req.EndsAt,
		Reason:      req.Reason,
	}
	if err := c.Appointments.Schedule(appt); err != nil {
		return c.Error(ctx, err, "Failed to schedule appointment")
	}

	c.auditAction(ctx, "appointment.create", "appointment", appt.ID, "")
	return ctx.JSON(http.StatusCreated, appointmentResponse(appt))
}

// GetAppointment returns one appointment.
func (c *Controller) GetAppointment(ctx echo.Context) error {
	id, err := parseIDParam(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid appointment ID", http.StatusBadRequest)
	}

	appt, err := c.DS.GetAppointment(id)
	if err != nil {
		return c.Error(ctx, err, "Appointment not found")
	}
	return ctx.JSON(http.StatusOK, appointmentResponse(&appt))
}

// RescheduleAppointment moves a booked visit to a new slot.
func (c *Controller) RescheduleAppointment(ctx echo.Context) error {
	if c.Appointments == nil {
		return c.HandleError(ctx, nil, "Scheduling unavailable", http.StatusServiceUnavailable)
	}

	id, err := parseIDParam(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid appointment ID", http.StatusBadRequest)
	}

	var req AppointmentRequest
	if err := ctx.Bind(&req); err != nil {
		return c.HandleError(ctx, err, "Invalid request body", http.StatusBadRequest)
	}

	appt, err := c.Appointments.Reschedule(id, req.ScheduledAt, req.EndsAt)
	if err != nil {
		return c.Error(ctx, err, "Failed to reschedule appointment")
	}

	c.auditAction(ctx, "appointment.reschedule", "appointment", appt.ID, "")
	return ctx.JSON(http.StatusOK, appointmentResponse(appt))
}

// TransitionRequest moves an appointment through its lifecycle.
type TransitionRequest struct {
	Status string `json:"status"`
}

// TransitionAppointment applies a status change such as check-in or
// cancellation.
func (c *Controller) TransitionAppointment(ctx echo.Context) error {
	if c.Appointments == nil {
		return c.HandleError(ctx, nil, "Scheduling unavailable", http.StatusServiceUnavailable)
	}

	id, err := parseIDParam(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid appointment ID", http.StatusBadRequest)
	}

	var req TransitionRequest
	if err := ctx.Bind(&req); err != nil {
		return c.HandleError(ctx, err, "Invalid request body", http.StatusBadRequest)
	}
	if req.Status == "" {
		return c.HandleError(ctx, nil, "Status is required", http.StatusBadRequest)
	}

	appt, err := c.Appointments.Transition(id, req.Status)
	if err != nil {
		return c.Error(ctx, err, "Failed to update appointment status")
	}

	c.auditAction(ctx, "appointment.transition", "appointment", appt.ID, "status="+req.Status)
	return ctx.JSON(http.StatusOK, appointmentResponse(appt))
}

// DeleteAppointment soft-deletes a booking.
func (c *Controller) DeleteAppointment(ctx echo.Context) error {
	id, err := parseIDParam(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid appointment ID", http.StatusBadRequest)
	}

	if err := c.DS.DeleteAppointment(id); err != nil {
		return c.Error(ctx, err, "Failed to delete appointment")
	}

	c.auditAction(ctx, "appointment.delete", "appointment", id, "")
	return ctx.NoContent(http.StatusNoContent)
}

// RestoreAppointment undoes a soft delete.
func (c *Controller) RestoreAppointment(ctx echo.Context) error {
	id, err := parseIDParam(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid appointment ID", http.StatusBadRequest)
	}

	if err := c.DS.RestoreAppointment(id); err != nil {
		return c.Error(ctx, err, "Failed to restore appointment")
	}

	appt, err := c.DS.GetAppointment(id)
	if err != nil {
		return c.Error(ctx, err, "Failed to load appointment")
	}

	c.auditAction(ctx, "appointment.restore", "appointment", id, "")
	return ctx.JSON(http.StatusOK, appointmentResponse(&appt))
}

// ListPatientAppointments lists every appointment for one patient.
func (c *Controller) ListPatientAppointments(ctx echo.Context) error {
	patientID, err := parseIDParam(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid patient ID", http.StatusBadRequest)
	}

	limit, offset := parsePagination(ctx)
	appts, err := c.DS.GetAppointmentsForPatient(patientID, limit, offset)
	if err != nil {
		return c.Error(ctx, err, "Failed to list appointments")
	}

	out := make([]AppointmentResponse, 0, len(appts))
	for i := range appts {
		out = append(out, appointmentResponse(&appts[i]))
	}
	return ctx.JSON(http.StatusOK, map[string]any{
		"appointments": out,
		"limit":        limit,
		"offset":       offset,
	})
}
