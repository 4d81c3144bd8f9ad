// actions.go holds the post-diagnosis actions dispatched through the
// job queue after a prediction is persisted. A failing action never
// unwinds the diagnosis itself.
package triage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chestnet/chestnet-go/internal/conf"
	"github.com/chestnet/chestnet-go/internal/datastore"
	"github.com/chestnet/chestnet-go/internal/errors"
	"github.com/chestnet/chestnet-go/internal/mqtt"
	"github.com/chestnet/chestnet-go/internal/notification"
	"github.com/chestnet/chestnet-go/internal/observability/metrics"
	"github.com/chestnet/chestnet-go/internal/report"
)

var errNotConnected = errors.NewStd("mqtt client not connected")

// AuditAction writes the diagnosis audit trail entry.
type AuditAction struct {
	Ds            datastore.Interface
	Prediction    *datastore.Prediction
	Image         *datastore.XRayImage
	CorrelationID string
	Metrics       *metrics.TriageMetrics
	mu            sync.Mutex
}

// MqttAction publishes the diagnosis event to the configured broker.
type MqttAction struct {
	Settings      *conf.Settings
	Client        mqtt.Client
	Prediction    *datastore.Prediction
	Image         *datastore.XRayImage
	CorrelationID string
	Metrics       *metrics.TriageMetrics
	mu            sync.Mutex
}

// NotifyAction raises an in-app alert for findings that need clinical
// attention: high or critical risk, or any COVID-19 consensus.
type NotifyAction struct {
	Service       *notification.Service
	Prediction    *datastore.Prediction
	Patient       *datastore.Patient
	CorrelationID string
	Metrics       *metrics.TriageMetrics
	mu            sync.Mutex
}

// ReportAction generates the PDF report for a finished diagnosis.
type ReportAction struct {
	Generator     *report.Generator
	Prediction    *datastore.Prediction
	Image         *datastore.XRayImage
	CorrelationID string
	Metrics       *metrics.TriageMetrics
	mu            sync.Mutex
}

func (a *AuditAction) Description() string {
	return fmt.Sprintf("Record audit entry for prediction %d", a.Prediction.ID)
}

func (a *AuditAction) Execute(ctx context.Context, _ any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	start := time.Now()

	details, err := json.Marshal(map[string]any{
		"label":      a.Prediction.Label,
		"confidence": a.Prediction.Confidence,
		"risk_level": a.Prediction.RiskLevel,
		"risk_score": a.Prediction.RiskScore,
		"xray_id":    a.Prediction.XRayImageID,
	})
	if err != nil {
		details = []byte("{}")
	}

	entry := &datastore.AuditLog{
		Action:     "diagnosis.created",
		EntityType: "prediction",
		EntityID:   a.Prediction.ID,
		Details:    string(details),
	}
	if a.Image != nil && a.Image.UploadedBy != 0 {
		uploader := a.Image.UploadedBy
		entry.UserID = &uploader
	}

	if err := a.Ds.InsertAuditLog(entry); err != nil {
		observeAction(a.Metrics, "audit", start, err)
		return errors.New(err).
			Component("triage").
			Category(errors.CategoryAudit).
			Context("operation", "audit_diagnosis").
			Context("prediction_id", a.Prediction.ID).
			Context("correlation_id", a.CorrelationID).
			Build()
	}
	observeAction(a.Metrics, "audit", start, nil)
	return nil
}

func (a *MqttAction) Description() string {
	return fmt.Sprintf("Publish diagnosis for image %d to MQTT", a.Prediction.XRayImageID)
}

func (a *MqttAction) Execute(ctx context.Context, _ any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	start := time.Now()

	// Rely on the client's background reconnect; fail the action so the
	// job queue retries once the connection returns.
	if !a.Client.IsConnected() {
		getLogger().Warn("MQTT client not connected, deferring publish",
			"prediction_id", a.Prediction.ID,
			"correlation_id", a.CorrelationID)
		observeAction(a.Metrics, "mqtt", start, errNotConnected)
		return errors.Newf("MQTT client not connected").
			Component("triage").
			Category(errors.CategoryMQTTConn).
			Context("operation", "mqtt_publish").
			Context("retryable", true).
			Context("correlation_id", a.CorrelationID).
			Build()
	}

	event := mqtt.NewDiagnosisEventDTO(a.Prediction, a.Image, a.Settings.Main.Name)
	if err := a.Client.PublishDiagnosis(ctx, event); err != nil {
		observeAction(a.Metrics, "mqtt", start, err)
		return errors.New(err).
			Component("triage").
			Category(errors.CategoryMQTTPublish).
			Context("operation", "mqtt_publish").
			Context("prediction_id", a.Prediction.ID).
			Context("correlation_id", a.CorrelationID).
			Build()
	}
	observeAction(a.Metrics, "mqtt", start, nil)
	return nil
}

func (a *NotifyAction) Description() string {
	return fmt.Sprintf("Alert clinicians about prediction %d", a.Prediction.ID)
}

func (a *NotifyAction) Execute(ctx context.Context, _ any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	start := time.Now()

	if !needsAlert(a.Prediction) {
		return nil
	}

	_, err := a.Service.NotifyHighRiskDiagnosis(&notification.HighRiskDiagnosisData{
		PatientInitials: patientInitials(a.Patient),
		Label:           a.Prediction.Label,
		ConfidencePct:   a.Prediction.Confidence * 100,
		RiskLevel:       a.Prediction.RiskLevel,
		RiskScore:       int(a.Prediction.RiskScore),
		XRayID:          a.Prediction.XRayImageID,
	})
	if err != nil {
		observeAction(a.Metrics, "notify", start, err)
		return errors.New(err).
			Component("triage").
			Category(errors.CategoryNotify).
			Context("operation", "high_risk_alert").
			Context("prediction_id", a.Prediction.ID).
			Context("correlation_id", a.CorrelationID).
			Build()
	}
	observeAction(a.Metrics, "notify", start, nil)
	return nil
}

func (a *ReportAction) Description() string {
	return fmt.Sprintf("Generate report for prediction %d", a.Prediction.ID)
}

func (a *ReportAction) Execute(ctx context.Context, _ any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	start := time.Now()

	var generatedBy uint
	if a.Image != nil {
		generatedBy = a.Image.UploadedBy
	}
	if _, err := a.Generator.Generate(ctx, a.Prediction.ID, generatedBy); err != nil {
		observeAction(a.Metrics, "report", start, err)
		return err
	}
	observeAction(a.Metrics, "report", start, nil)
	return nil
}

// needsAlert reports whether a diagnosis warrants an immediate clinician
// notification.
func needsAlert(p *datastore.Prediction) bool {
	if p.RiskLevel == RiskLevelHigh || p.RiskLevel == RiskLevelCritical {
		return true
	}
	return strings.EqualFold(p.Label, "COVID-19")
}

// patientInitials reduces a patient name to initials; full names never
// leave the service through notification channels.
func patientInitials(p *datastore.Patient) string {
	if p == nil {
		return "?"
	}
	var b strings.Builder
	for _, part := range []string{p.FirstName, p.LastName} {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(".")
	}
	if b.Len() == 0 {
		return "?"
	}
	return b.String()
}

func observeAction(m *metrics.TriageMetrics, action string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.RecordAction(action, status, time.Since(start).Seconds())
}
