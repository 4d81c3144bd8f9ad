// Package mqtt provides MQTT client functionality and data transfer objects.
package mqtt

import (
	"strings"
	"time"

	"github.com/chestnet/chestnet-go/internal/datastore"
)

// DefaultTopicPrefix is the topic namespace for published diagnosis events.
const DefaultTopicPrefix = "chestnet/triage"

// DiagnosisEventDTO is the wire format for published diagnosis events.
// Field names are part of the MQTT API contract with downstream HIS/LIS
// consumers, do not rename existing fields.
//
// No patient identifiers beyond the numeric IDs leave the system: the
// consumer side resolves IDs against its own record feed.
type DiagnosisEventDTO struct {
	Date string `json:"date"` // "2026-08-29"
	Time string `json:"time"` // "14:30:00"

	XRayID       uint `json:"xrayId"`
	PredictionID uint `json:"predictionId"`
	PatientID    uint `json:"patientId"`

	Label          string  `json:"label"`
	Confidence     float64 `json:"confidence"`
	AgreementRatio float64 `json:"agreementRatio"`
	VotesFor       int     `json:"votesFor"`
	VotesTotal     int     `json:"votesTotal"`

	RiskScore   float64 `json:"riskScore"`
	RiskLevel   string  `json:"riskLevel"`
	NeedsReview bool    `json:"needsReview"`

	BestModel    string `json:"bestModel,omitempty"`
	ModelSetHash string `json:"modelSetHash,omitempty"`
	DurationMs   int64  `json:"durationMs,omitempty"`

	SourceNode string `json:"sourceNode,omitempty"` // configured node name
	Timezone   string `json:"timezone,omitempty"`
}

// NewDiagnosisEventDTO builds the wire payload from a persisted prediction.
func NewDiagnosisEventDTO(prediction *datastore.Prediction, image *datastore.XRayImage, sourceNode string) *DiagnosisEventDTO {
	now := prediction.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}

	dto := &DiagnosisEventDTO{
		Date:           now.Format("2006-01-02"),
		Time:           now.Format("15:04:05"),
		XRayID:         prediction.XRayImageID,
		PredictionID:   prediction.ID,
		Label:          prediction.Label,
		Confidence:     prediction.Confidence,
		AgreementRatio: prediction.AgreementRatio,
		VotesFor:       prediction.VotesFor,
		VotesTotal:     prediction.VotesTotal,
		RiskScore:      prediction.RiskScore,
		RiskLevel:      prediction.RiskLevel,
		NeedsReview:    prediction.NeedsReview,
		BestModel:      prediction.BestModel,
		ModelSetHash:   prediction.ModelSetHash,
		DurationMs:     prediction.DurationMs,
		SourceNode:     sourceNode,
	}

	if image != nil {
		dto.PatientID = image.PatientID
	}

	if loc := now.Location(); loc != nil {
		dto.Timezone = loc.String()
	}

	return dto
}

// DiagnosisTopic returns the publish topic for a risk level, e.g.
// "chestnet/triage/high". Risk levels are lowercased and unknown or
// empty levels publish under "unclassified".
func DiagnosisTopic(prefix, riskLevel string) string {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}

	level := strings.ToLower(strings.TrimSpace(riskLevel))
	if level == "" {
		level = "unclassified"
	}

	return prefix + "/" + level
}
