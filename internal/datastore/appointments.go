package datastore

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/chestnet/chestnet-go/internal/errors"
)

var validAppointmentStatuses = map[string]bool{
	AppointmentStatusScheduled: true,
	AppointmentStatusCheckedIn: true,
	AppointmentStatusCompleted: true,
	AppointmentStatusCancelled: true,
	AppointmentStatusNoShow:    true,
}

// CreateAppointment inserts a new appointment after basic shape checks.
// Clinician double-booking is detected by the scheduling layer through
// FindConflictingAppointments before this is called.
func (ds *DataStore) CreateAppointment(appt *Appointment) error {
	if appt == nil {
		return validationError("appointment cannot be nil", "appointment", nil)
	}
	if appt.PatientID == 0 {
		return validationError("appointment requires a patient", "patient_id", 0)
	}
	if appt.ClinicianID == 0 {
		return validationError("appointment requires a clinician", "clinician_id", 0)
	}
	if !appt.EndsAt.After(appt.ScheduledAt) {
		return validationError("appointment must end after it starts", "ends_at", appt.EndsAt)
	}

	if appt.Status == "" {
		appt.Status = AppointmentStatusScheduled
	}
	if err := ds.DB.Create(appt).Error; err != nil {
		return dbError(err, "create_appointment", "", "patient_id", appt.PatientID)
	}
	return nil
}

// UpdateAppointment persists schedule changes to an appointment.
func (ds *DataStore) UpdateAppointment(appt *Appointment) error {
	if appt == nil || appt.ID == 0 {
		return validationError("appointment id is required for update", "id", 0)
	}
	if !appt.EndsAt.After(appt.ScheduledAt) {
		return validationError("appointment must end after it starts", "ends_at", appt.EndsAt)
	}

	result := ds.DB.Model(&Appointment{}).Where("id = ?", appt.ID).
		Select("ClinicianID", "ScheduledAt", "EndsAt", "Reason").
		Updates(appt)
	if result.Error != nil {
		return dbError(result.Error, "update_appointment", "", "appointment_id", appt.ID)
	}
	if result.RowsAffected == 0 {
		return notFoundError("appointment", fmt.Sprintf("%d", appt.ID))
	}
	return nil
}

// GetAppointment retrieves an active appointment by id.
func (ds *DataStore) GetAppointment(id uint) (Appointment, error) {
	var appt Appointment
	if err := ds.DB.First(&appt, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Appointment{}, notFoundError("appointment", fmt.Sprintf("%d", id))
		}
		return Appointment{}, dbError(err, "get_appointment", "", "appointment_id", id)
	}
	return appt, nil
}

// GetAppointmentsForPatient lists a patient's appointments, soonest
// first.
func (ds *DataStore) GetAppointmentsForPatient(patientID uint, limit, offset int) ([]Appointment, error) {
	var appts []Appointment
	err := ds.DB.Where("patient_id = ?", patientID).
		Order("scheduled_at ASC").
		Limit(normalizeLimit(limit)).
		Offset(offset).
		Find(&appts).Error
	if err != nil {
		return nil, dbError(err, "get_appointments_for_patient", "", "patient_id", patientID)
	}
	return appts, nil
}

// GetAppointmentsInRange lists appointments starting inside [from, to).
func (ds *DataStore) GetAppointmentsInRange(from, to time.Time) ([]Appointment, error) {
	var appts []Appointment
	err := ds.DB.Where("scheduled_at >= ? AND scheduled_at < ?", from, to).
		Order("scheduled_at ASC").
		Find(&appts).Error
	if err != nil {
		return nil, dbError(err, "get_appointments_in_range", "")
	}
	return appts, nil
}

// FindConflictingAppointments returns live bookings for a clinician
// that overlap [start, end). The end bound is exclusive so back-to-back
// appointments are not conflicts. Cancelled and completed visits do not
// block a slot. excludeID skips one appointment, used when
// rescheduling.
func (ds *DataStore) FindConflictingAppointments(clinicianID uint, start, end time.Time, excludeID uint) ([]Appointment, error) {
	if !end.After(start) {
		return nil, validationError("range must end after it starts", "end", end)
	}

	var conflicts []Appointment
	query := ds.DB.
		Where("clinician_id = ? AND scheduled_at < ? AND ends_at > ?", clinicianID, end, start).
		Where("status IN ?", []string{AppointmentStatusScheduled, AppointmentStatusCheckedIn})
	if excludeID != 0 {
		query = query.Where("id <> ?", excludeID)
	}

	if err := query.Order("scheduled_at ASC").Find(&conflicts).Error; err != nil {
		return nil, dbError(err, "find_conflicting_appointments", "", "clinician_id", clinicianID)
	}
	return conflicts, nil
}

// UpdateAppointmentStatus sets the appointment status.
func (ds *DataStore) UpdateAppointmentStatus(id uint, status string) error {
	if !validAppointmentStatuses[status] {
		return validationError("unknown appointment status", "status", status)
	}

	result := ds.DB.Model(&Appointment{}).Where("id = ?", id).Update("status", status)
	if result.Error != nil {
		return dbError(result.Error, "update_appointment_status", "", "appointment_id", id)
	}
	if result.RowsAffected == 0 {
		return notFoundError("appointment", fmt.Sprintf("%d", id))
	}
	return nil
}

// GetAppointmentsDueForReminder lists scheduled appointments starting
// inside [from, to) whose reminder has not been sent yet.
func (ds *DataStore) GetAppointmentsDueForReminder(from, to time.Time) ([]Appointment, error) {
	var appts []Appointment
	err := ds.DB.
		Where("status = ? AND reminder_sent = ?", AppointmentStatusScheduled, false).
		Where("scheduled_at >= ? AND scheduled_at < ?", from, to).
		Order("scheduled_at ASC").
		Find(&appts).Error
	if err != nil {
		return nil, dbError(err, "get_appointments_due_for_reminder", "")
	}
	return appts, nil
}

// MarkAppointmentReminderSent flags an appointment so the reminder scan
// does not pick it up again. Marking twice is a no-op.
func (ds *DataStore) MarkAppointmentReminderSent(id uint) error {
	result := ds.DB.Model(&Appointment{}).
		Where("id = ? AND reminder_sent = ?", id, false).
		Update("reminder_sent", true)
	if result.Error != nil {
		return dbError(result.Error, "mark_reminder_sent", "", "appointment_id", id)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := ds.DB.Model(&Appointment{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return dbError(err, "mark_reminder_sent", "", "appointment_id", id)
		}
		if count == 0 {
			return notFoundError("appointment", fmt.Sprintf("%d", id))
		}
	}
	return nil
}

// DeleteAppointment soft-deletes an appointment.
func (ds *DataStore) DeleteAppointment(id uint) error {
	return ds.softDeleteRow(&Appointment{}, id, "appointment")
}

// RestoreAppointment clears the deletion marker from an appointment.
func (ds *DataStore) RestoreAppointment(id uint) error {
	return ds.restoreRow(&Appointment{}, id, "appointment")
}

// GetAllAppointments lists appointments, optionally including
// soft-deleted rows.
func (ds *DataStore) GetAllAppointments(includeDeleted bool, limit, offset int) ([]Appointment, error) {
	var appts []Appointment
	err := ds.scopeDeleted("appointments", includeDeleted).
		Order("scheduled_at DESC").
		Limit(normalizeLimit(limit)).
		Offset(offset).
		Find(&appts).Error
	if err != nil {
		return nil, dbError(err, "get_all_appointments", "")
	}
	return appts, nil
}

// GetAppointmentAnyState retrieves an appointment regardless of
// deletion state.
func (ds *DataStore) GetAppointmentAnyState(id uint) (Appointment, error) {
	var appt Appointment
	if err := ds.DB.Unscoped().First(&appt, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Appointment{}, notFoundError("appointment", fmt.Sprintf("%d", id))
		}
		return Appointment{}, dbError(err, "get_appointment_any_state", "", "appointment_id", id)
	}
	return appt, nil
}
