package notification

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatientInitials(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		full string
		want string
	}{
		{"two names", "Maria Santos", "M.S."},
		{"three names", "Maria Santos Cruz", "M.S.C."},
		{"single name", "Cher", "C."},
		{"lowercase", "juan dela cruz", "J.D.C."},
		{"empty", "", "?"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, PatientInitials(tt.full))
		})
	}
}

func TestNotifyHighRiskDiagnosis(t *testing.T) {
	svc := newTestService(t, nil)

	notif, err := svc.NotifyHighRiskDiagnosis(&HighRiskDiagnosisData{
		PatientInitials: "M.S.C.",
		Label:           "COVID-19",
		ConfidencePct:   94.2,
		RiskLevel:       "critical",
		RiskScore:       82,
		XRayID:          17,
	})
	require.NoError(t, err)

	assert.Equal(t, TypeDiagnosis, notif.Type)
	assert.Equal(t, PriorityCritical, notif.Priority, "critical risk level escalates priority")
	assert.Contains(t, notif.Title, "Critical risk finding")
	assert.Contains(t, notif.Message, "M.S.C.")
	assert.Contains(t, notif.Message, "94.2")
	assert.Equal(t, EventDiagnosisHighRisk, notif.Metadata[MetadataKeyEvent])
	assert.Equal(t, uint(17), notif.Metadata["xray_id"])
}

func TestNotifyHighRiskDiagnosisOmitsFullName(t *testing.T) {
	svc := newTestService(t, nil)

	fullName := "Maria Santos Cruz"
	notif, err := svc.NotifyHighRiskDiagnosis(&HighRiskDiagnosisData{
		PatientInitials: PatientInitials(fullName),
		Label:           "Lung Opacity",
		ConfidencePct:   71.0,
		RiskLevel:       "high",
		RiskScore:       55,
		XRayID:          3,
	})
	require.NoError(t, err)

	assert.NotContains(t, notif.Title, fullName)
	assert.NotContains(t, notif.Message, fullName)
	assert.Equal(t, PriorityHigh, notif.Priority)
}

func TestNotifyBatchComplete(t *testing.T) {
	svc := newTestService(t, nil)

	clean, err := svc.NotifyBatchComplete(&BatchCompleteData{
		JobID:     "batch-7",
		Total:     20,
		Processed: 20,
		Failed:    0,
		Duration:  90 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, PriorityLow, clean.Priority)
	assert.Contains(t, clean.Message, "20 of 20")
	assert.NotContains(t, clean.Message, "failed")

	withFailures, err := svc.NotifyBatchComplete(&BatchCompleteData{
		JobID:     "batch-8",
		Total:     10,
		Processed: 8,
		Failed:    2,
		Duration:  time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, PriorityMedium, withFailures.Priority)
	assert.Contains(t, withFailures.Message, "2 failed")
}

func TestNotifyAppointmentReminder(t *testing.T) {
	svc := newTestService(t, nil)

	scheduled := time.Now().Add(24 * time.Hour)
	notif, err := svc.NotifyAppointmentReminder(&AppointmentReminderData{
		PatientInitials: "J.D.",
		ScheduledAt:     scheduled,
		Location:        "Radiology Wing B",
		AppointmentID:   42,
	})
	require.NoError(t, err)

	assert.Contains(t, notif.Message, "J.D.")
	assert.Contains(t, notif.Message, "Radiology Wing B")
	assert.Equal(t, EventAppointmentReminder, notif.Metadata[MetadataKeyEvent])
	require.NotNil(t, notif.ExpiresAt)
	assert.True(t, notif.ExpiresAt.After(scheduled))
}

func TestRenderEventUnknown(t *testing.T) {
	t.Parallel()

	_, _, err := renderEvent("nonexistent.event", nil)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unknown notification event"))
}

func TestEventForNotification(t *testing.T) {
	t.Parallel()

	tagged := NewNotification(TypeInfo, PriorityLow, "t", "m").
		WithMetadata(MetadataKeyEvent, EventBatchComplete)
	assert.Equal(t, EventBatchComplete, eventForNotification(tagged))

	plainErr := NewNotification(TypeError, PriorityHigh, "t", "m")
	assert.Equal(t, EventSystemError, eventForNotification(plainErr))

	plainInfo := NewNotification(TypeInfo, PriorityLow, "t", "m")
	assert.Equal(t, "system.info", eventForNotification(plainInfo))
}
