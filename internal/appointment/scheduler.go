// Package appointment manages clinic scheduling: booking with clinician
// conflict detection, visit status transitions and the reminder loop.
package appointment

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/chestnet/chestnet-go/internal/conf"
	"github.com/chestnet/chestnet-go/internal/datastore"
	"github.com/chestnet/chestnet-go/internal/errors"
	"github.com/chestnet/chestnet-go/internal/logging"
	"github.com/chestnet/chestnet-go/internal/notification"
)

const defaultSlotMinutes = 30

// allowedTransitions spells out the visit lifecycle. Completed,
// cancelled and no_show are terminal.
var allowedTransitions = map[string][]string{
	datastore.AppointmentStatusScheduled: {
		datastore.AppointmentStatusCheckedIn,
		datastore.AppointmentStatusCancelled,
		datastore.AppointmentStatusNoShow,
	},
	datastore.AppointmentStatusCheckedIn: {
		datastore.AppointmentStatusCompleted,
		datastore.AppointmentStatusCancelled,
	},
}

// Service books and maintains appointments.
type Service struct {
	settings *conf.Settings
	ds       datastore.Interface
	notifier *notification.Service
	log      *slog.Logger
}

// NewService builds the scheduling service.
func NewService(settings *conf.Settings, ds datastore.Interface) (*Service, error) {
	if settings == nil || ds == nil {
		return nil, errors.Newf("appointment service requires settings and datastore").
			Component("appointment").
			Category(errors.CategoryConfiguration).
			Build()
	}
	log := logging.ForService("appointment")
	if log == nil {
		log = slog.Default().With("service", "appointment")
	}
	return &Service{settings: settings, ds: ds, log: log}, nil
}

// SetNotificationService enables reminder notifications.
func (s *Service) SetNotificationService(svc *notification.Service) { s.notifier = svc }

// Schedule validates and books a new appointment. A zero EndsAt gets
// the configured default slot length.
func (s *Service) Schedule(appt *datastore.Appointment) error {
	if err := s.normalize(appt); err != nil {
		return err
	}
	if err := s.checkConflicts(appt, 0); err != nil {
		return err
	}
	appt.Status = datastore.AppointmentStatusScheduled
	return s.ds.CreateAppointment(appt)
}

// Reschedule moves an existing appointment to a new time, re-running
// the same validation with the appointment excluded from the overlap
// check. Rescheduling resets the reminder so the new time gets one.
func (s *Service) Reschedule(id uint, scheduledAt, endsAt time.Time) (*datastore.Appointment, error) {
	appt, err := s.ds.GetAppointment(id)
	if err != nil {
		return nil, err
	}
	if appt.Status != datastore.AppointmentStatusScheduled {
		return nil, s.transitionError(&appt, "rescheduled")
	}

	appt.ScheduledAt = scheduledAt
	appt.EndsAt = endsAt
	appt.ReminderSent = false
	if err := s.normalize(&appt); err != nil {
		return nil, err
	}
	if err := s.checkConflicts(&appt, appt.ID); err != nil {
		return nil, err
	}
	if err := s.ds.UpdateAppointment(&appt); err != nil {
		return nil, err
	}
	return &appt, nil
}

// Transition moves an appointment through its lifecycle, rejecting
// anything outside the allowed graph.
func (s *Service) Transition(id uint, newStatus string) (*datastore.Appointment, error) {
	appt, err := s.ds.GetAppointment(id)
	if err != nil {
		return nil, err
	}

	allowed := false
	for _, next := range allowedTransitions[appt.Status] {
		if next == newStatus {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, s.transitionError(&appt, newStatus)
	}

	if err := s.ds.UpdateAppointmentStatus(id, newStatus); err != nil {
		return nil, err
	}
	appt.Status = newStatus
	return &appt, nil
}

// Calendar lists appointments in a time range for calendar views.
func (s *Service) Calendar(from, to time.Time) ([]datastore.Appointment, error) {
	if !to.After(from) {
		return nil, errors.Newf("calendar range end must be after start").
			Component("appointment").
			Category(errors.CategoryValidation).
			Build()
	}
	return s.ds.GetAppointmentsInRange(from, to)
}

// normalize fills defaults and validates the slot itself.
func (s *Service) normalize(appt *datastore.Appointment) error {
	if appt == nil {
		return errors.Newf("appointment cannot be nil").
			Component("appointment").
			Category(errors.CategoryValidation).
			Build()
	}
	if appt.PatientID == 0 || appt.ClinicianID == 0 {
		return errors.Newf("appointment requires a patient and a clinician").
			Component("appointment").
			Category(errors.CategoryValidation).
			Context("patient_id", appt.PatientID).
			Context("clinician_id", appt.ClinicianID).
			Build()
	}
	if appt.ScheduledAt.IsZero() {
		return errors.Newf("appointment requires a start time").
			Component("appointment").
			Category(errors.CategoryValidation).
			Build()
	}

	if appt.EndsAt.IsZero() {
		slot := s.settings.Appointment.SlotMinutes
		if slot <= 0 {
			slot = defaultSlotMinutes
		}
		appt.EndsAt = appt.ScheduledAt.Add(time.Duration(slot) * time.Minute)
	}
	if !appt.EndsAt.After(appt.ScheduledAt) {
		return errors.Newf("appointment end must be after start").
			Component("appointment").
			Category(errors.CategoryValidation).
			Build()
	}

	return s.checkClinicHours(appt)
}

// checkClinicHours rejects slots outside the configured working day.
// Unset bounds disable the check.
func (s *Service) checkClinicHours(appt *datastore.Appointment) error {
	dayStart, err1 := parseClock(s.settings.Appointment.DayStart)
	dayEnd, err2 := parseClock(s.settings.Appointment.DayEnd)
	if err1 != nil || err2 != nil {
		return nil
	}

	startMin := appt.ScheduledAt.Hour()*60 + appt.ScheduledAt.Minute()
	endMin := appt.EndsAt.Hour()*60 + appt.EndsAt.Minute()
	sameDay := appt.ScheduledAt.YearDay() == appt.EndsAt.YearDay() &&
		appt.ScheduledAt.Year() == appt.EndsAt.Year()

	if startMin < dayStart || endMin > dayEnd || !sameDay {
		return errors.Newf("appointment outside clinic hours %s-%s",
			s.settings.Appointment.DayStart, s.settings.Appointment.DayEnd).
			Component("appointment").
			Category(errors.CategoryValidation).
			Context("scheduled_at", appt.ScheduledAt).
			Build()
	}
	return nil
}

// checkConflicts widens the slot by the configured buffer and rejects
// any overlap with the clinician's other appointments.
func (s *Service) checkConflicts(appt *datastore.Appointment, excludeID uint) error {
	buffer := time.Duration(s.settings.Appointment.BufferMinutes) * time.Minute
	start := appt.ScheduledAt.Add(-buffer)
	end := appt.EndsAt.Add(buffer)

	conflicts, err := s.ds.FindConflictingAppointments(appt.ClinicianID, start, end, excludeID)
	if err != nil {
		return err
	}
	if len(conflicts) > 0 {
		return errors.Newf("clinician already booked from %s to %s",
			conflicts[0].ScheduledAt.Format("15:04"), conflicts[0].EndsAt.Format("15:04")).
			Component("appointment").
			Category(errors.CategoryConflict).
			Context("clinician_id", appt.ClinicianID).
			Context("conflicting_id", conflicts[0].ID).
			Build()
	}
	return nil
}

func (s *Service) transitionError(appt *datastore.Appointment, wanted string) error {
	return errors.Newf("appointment %d cannot move from %s to %s", appt.ID, appt.Status, wanted).
		Component("appointment").
		Category(errors.CategoryState).
		Context("appointment_id", appt.ID).
		Context("current_status", appt.Status).
		Build()
}

// parseClock parses an "HH:MM" clinic-hours bound into minutes since
// midnight.
func parseClock(v string) (int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, fmt.Errorf("invalid clock value %q: %w", v, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// RunReminderLoop scans for due reminders until the context ends.
func (s *Service) RunReminderLoop(ctx context.Context) {
	cfg := s.settings.Appointment.Reminder
	if !cfg.Enabled {
		return
	}
	poll := time.Duration(cfg.PollMinutes) * time.Minute
	if poll <= 0 {
		poll = 15 * time.Minute
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	s.dispatchDueReminders(time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.dispatchDueReminders(now)
		}
	}
}

// dispatchDueReminders sends one reminder per appointment starting
// inside the lead window. The flag is set before the notification goes
// out, so delivery is at most once even if the process dies mid-send.
func (s *Service) dispatchDueReminders(now time.Time) int {
	cfg := s.settings.Appointment.Reminder
	lead := time.Duration(cfg.LeadHours) * time.Hour
	if lead <= 0 {
		lead = 24 * time.Hour
	}

	due, err := s.ds.GetAppointmentsDueForReminder(now, now.Add(lead))
	if err != nil {
		s.log.Error("reminder scan failed", "error", err)
		return 0
	}

	sent := 0
	for i := range due {
		appt := &due[i]
		if cfg.DispatchOnce {
			if err := s.ds.MarkAppointmentReminderSent(appt.ID); err != nil {
				s.log.Error("cannot mark reminder sent", "appointment_id", appt.ID, "error", err)
				continue
			}
		}
		if s.notifier == nil {
			continue
		}
		if _, err := s.notifier.NotifyAppointmentReminder(&notification.AppointmentReminderData{
			PatientInitials: s.initialsFor(appt.PatientID),
			ScheduledAt:     appt.ScheduledAt,
			Location:        s.settings.Report.ClinicName,
			AppointmentID:   appt.ID,
		}); err != nil {
			s.log.Warn("reminder notification failed", "appointment_id", appt.ID, "error", err)
			continue
		}
		sent++
	}
	return sent
}

func (s *Service) initialsFor(patientID uint) string {
	patient, err := s.ds.GetPatient(patientID)
	if err != nil {
		return "?"
	}
	initials := ""
	for _, part := range []string{patient.FirstName, patient.LastName} {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		// First rune, not first byte: names like Øyvind start with a
		// multi-byte character.
		first, _ := utf8.DecodeRuneInString(part)
		initials += strings.ToUpper(string(first)) + "."
	}
	if initials == "" {
		return "?"
	}
	return initials
}
