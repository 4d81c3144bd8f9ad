package notification

import (
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/chestnet/chestnet-go/internal/errors"
)

// Event names carried in notification metadata. Push providers can
// restrict delivery to a subset of these.
const (
	EventDiagnosisHighRisk   = "diagnosis.highrisk"
	EventBatchComplete       = "batch.complete"
	EventAppointmentReminder = "appointment.reminder"
	EventSystemResource      = "system.resource"
	EventSystemError         = "system.error"

	// MetadataKeyEvent holds the event name on templated notifications.
	MetadataKeyEvent = "event"
)

// eventTemplate pairs a title and message template for one event.
type eventTemplate struct {
	title   *template.Template
	message *template.Template
}

// Push payloads identify patients by initials only. Full names,
// MRNs, and dates of birth never leave the system through providers.
var eventTemplates = map[string]eventTemplate{
	EventDiagnosisHighRisk: {
		title:   mustTemplate("diagnosis.highrisk.title", "{{.RiskLevel | title}} risk finding: {{.Label}}"),
		message: mustTemplate("diagnosis.highrisk.message", "Patient {{.PatientInitials}}: {{.Label}} ({{printf \"%.1f\" .ConfidencePct}}% confidence, risk score {{.RiskScore}}). Radiologist review required."),
	},
	EventBatchComplete: {
		title:   mustTemplate("batch.complete.title", "Batch upload {{.JobID}} finished"),
		message: mustTemplate("batch.complete.message", "{{.Processed}} of {{.Total}} images processed{{if .Failed}}, {{.Failed}} failed{{end}} in {{.Duration}}."),
	},
	EventAppointmentReminder: {
		title:   mustTemplate("appointment.reminder.title", "Upcoming appointment"),
		message: mustTemplate("appointment.reminder.message", "Patient {{.PatientInitials}} is scheduled at {{.ScheduledAt.Format \"15:04 on Jan 2\"}}{{if .Location}} ({{.Location}}){{end}}."),
	},
	EventSystemResource: {
		title:   mustTemplate("system.resource.title", "{{.Severity | title}}: {{.ResourceName}} usage"),
		message: mustTemplate("system.resource.message", "{{.Message}}"),
	},
	EventSystemError: {
		title:   mustTemplate("system.error.title", "{{.Category}} error in {{.Component}}"),
		message: mustTemplate("system.error.message", "{{.Message}}"),
	},
}

func mustTemplate(name, text string) *template.Template {
	return template.Must(template.New(name).Funcs(template.FuncMap{
		"title": titleCase,
	}).Parse(text))
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// renderEvent executes the title and message templates for an event.
func renderEvent(event string, data any) (title, message string, err error) {
	tmpl, ok := eventTemplates[event]
	if !ok {
		return "", "", errors.Newf("unknown notification event: %s", event).
			Component("notification").
			Category(errors.CategoryValidation).
			Build()
	}

	var titleBuf, msgBuf strings.Builder
	if err := tmpl.title.Execute(&titleBuf, data); err != nil {
		return "", "", errors.New(err).
			Component("notification").
			Category(errors.CategoryNotify).
			Context("event", event).
			Context("template", "title").
			Build()
	}
	if err := tmpl.message.Execute(&msgBuf, data); err != nil {
		return "", "", errors.New(err).
			Component("notification").
			Category(errors.CategoryNotify).
			Context("event", event).
			Context("template", "message").
			Build()
	}
	return titleBuf.String(), msgBuf.String(), nil
}

// PatientInitials reduces a full name to initials for push payloads.
// "Maria Santos Cruz" becomes "M.S.C.".
func PatientInitials(fullName string) string {
	fields := strings.Fields(fullName)
	if len(fields) == 0 {
		return "?"
	}
	var b strings.Builder
	for _, f := range fields {
		b.WriteString(strings.ToUpper(f[:1]))
		b.WriteString(".")
	}
	return b.String()
}

// HighRiskDiagnosisData feeds the diagnosis.highrisk templates.
type HighRiskDiagnosisData struct {
	PatientInitials string
	Label           string
	ConfidencePct   float64
	RiskLevel       string
	RiskScore       int
	XRayID          uint
}

// BatchCompleteData feeds the batch.complete templates.
type BatchCompleteData struct {
	JobID     string
	Total     int
	Processed int
	Failed    int
	Duration  time.Duration
}

// AppointmentReminderData feeds the appointment.reminder templates.
type AppointmentReminderData struct {
	PatientInitials string
	ScheduledAt     time.Time
	Location        string
	AppointmentID   uint
}

// NotifyHighRiskDiagnosis creates a templated high-risk diagnosis alert.
func (s *Service) NotifyHighRiskDiagnosis(data *HighRiskDiagnosisData) (*Notification, error) {
	title, message, err := renderEvent(EventDiagnosisHighRisk, data)
	if err != nil {
		return nil, err
	}

	priority := PriorityHigh
	if data.RiskLevel == "critical" {
		priority = PriorityCritical
	}

	notif := NewNotification(TypeDiagnosis, priority, title, message).
		WithComponent("triage").
		WithMetadata(MetadataKeyEvent, EventDiagnosisHighRisk).
		WithMetadata("xray_id", data.XRayID).
		WithMetadata("label", data.Label).
		WithMetadata("risk_level", data.RiskLevel).
		WithMetadata("risk_score", data.RiskScore)
	if err := s.Publish(notif); err != nil {
		return nil, err
	}
	return notif, nil
}

// NotifyBatchComplete creates a templated batch completion notice.
func (s *Service) NotifyBatchComplete(data *BatchCompleteData) (*Notification, error) {
	title, message, err := renderEvent(EventBatchComplete, data)
	if err != nil {
		return nil, err
	}

	priority := PriorityLow
	if data.Failed > 0 {
		priority = PriorityMedium
	}

	notif := NewNotification(TypeInfo, priority, title, message).
		WithComponent("batch").
		WithMetadata(MetadataKeyEvent, EventBatchComplete).
		WithMetadata("job_id", data.JobID).
		WithMetadata("total", data.Total).
		WithMetadata("processed", data.Processed).
		WithMetadata("failed", data.Failed).
		WithExpiry(24 * time.Hour)
	if err := s.Publish(notif); err != nil {
		return nil, err
	}
	return notif, nil
}

// NotifyAppointmentReminder creates a templated appointment reminder.
func (s *Service) NotifyAppointmentReminder(data *AppointmentReminderData) (*Notification, error) {
	title, message, err := renderEvent(EventAppointmentReminder, data)
	if err != nil {
		return nil, err
	}

	notif := NewNotification(TypeInfo, PriorityMedium, title, message).
		WithComponent("appointment").
		WithMetadata(MetadataKeyEvent, EventAppointmentReminder).
		WithMetadata("appointment_id", data.AppointmentID).
		WithExpiry(time.Until(data.ScheduledAt) + time.Hour)
	if err := s.Publish(notif); err != nil {
		return nil, err
	}
	return notif, nil
}

// eventForNotification returns the event name stored in metadata, or a
// fallback derived from the notification type.
func eventForNotification(n *Notification) string {
	if n.Metadata != nil {
		if event, ok := n.Metadata[MetadataKeyEvent].(string); ok && event != "" {
			return event
		}
	}
	switch n.Type {
	case TypeError:
		return EventSystemError
	case TypeDiagnosis:
		return EventDiagnosisHighRisk
	default:
		return fmt.Sprintf("system.%s", n.Type)
	}
}
