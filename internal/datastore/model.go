package datastore

import (
	"time"

	"gorm.io/gorm"
)

// Patient sex codes stored on the patient record.
const (
	SexMale    = "M"
	SexFemale  = "F"
	SexOther   = "O"
	SexUnknown = "U"
)

// Patient represents a registered patient. The MRN is issued by the
// clinic's upstream registration system and treated as immutable.
type Patient struct {
	ID            uint           `gorm:"primaryKey"`
	MRN           string         `gorm:"uniqueIndex:idx_patients_mrn;size:64;not null"`
	FirstName     string         `gorm:"size:100;not null"`
	LastName      string         `gorm:"size:100;not null;index:idx_patients_last_name"`
	DateOfBirth   time.Time      `gorm:"index:idx_patients_dob"`
	Sex           string         `gorm:"size:1;default:U"`
	Phone         string         `gorm:"size:32"`
	Email         string         `gorm:"size:255"`
	Comorbidities []Comorbidity  `gorm:"foreignKey:PatientID;constraint:OnDelete:CASCADE"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeletedAt     gorm.DeletedAt `gorm:"index"`
}

// Comorbidity is a recorded pre-existing condition for a patient.
// Risk scoring counts a patient's conditions toward the final score.
type Comorbidity struct {
	ID        uint      `gorm:"primaryKey"`
	PatientID uint      `gorm:"index:idx_comorbidities_patient;not null"`
	Code      string    `gorm:"size:16;not null"`
	Label     string    `gorm:"size:255;not null"`
	NotedAt   time.Time
	CreatedAt time.Time
}

// XRayImage status values. Once an image reaches diagnosed or failed it
// never transitions again.
const (
	ImageStatusPending    = "pending"
	ImageStatusProcessing = "processing"
	ImageStatusDiagnosed  = "diagnosed"
	ImageStatusFailed     = "failed"
)

// XRayImage source values.
const (
	ImageSourceUpload = "upload"
	ImageSourceBatch  = "batch"
	ImageSourceCLI    = "cli"
)

// XRayImage is one uploaded chest radiograph and its processing state.
// Path is relative to the configured media root.
type XRayImage struct {
	ID           uint           `gorm:"primaryKey"`
	PatientID    uint           `gorm:"not null;index:idx_xray_images_patient_hash,priority:1;index:idx_xray_images_patient_status,priority:1"`
	BatchJobID   *uint          `gorm:"index:idx_xray_images_batch"`
	Path         string         `gorm:"size:512;not null"`
	OriginalName string         `gorm:"size:255"`
	ContentHash  string         `gorm:"size:64;not null;index:idx_xray_images_patient_hash,priority:2"`
	Width        int
	Height       int
	BodyPart     string         `gorm:"size:32;default:CHEST"`
	ViewPosition string         `gorm:"size:8"`
	Source       string         `gorm:"size:16;default:upload"`
	UploadedBy   uint           `gorm:"index:idx_xray_images_uploader"`
	Status       string         `gorm:"size:16;default:pending;index:idx_xray_images_status;index:idx_xray_images_patient_status,priority:2"`
	CreatedAt    time.Time      `gorm:"index:idx_xray_images_created"`
	UpdatedAt    time.Time
	DeletedAt    gorm.DeletedAt `gorm:"index"`

	Prediction *Prediction `gorm:"foreignKey:XRayImageID"`
}

// TableName pins the table to xray_images, the default naming would
// split the acronym into x_ray_images.
func (XRayImage) TableName() string {
	return "xray_images"
}

// Prediction is the consensus diagnosis for one image, produced by the
// classifier ensemble. Per-model votes live in ModelResult rows and are
// written in the same transaction as the prediction.
type Prediction struct {
	ID             uint      `gorm:"primaryKey"`
	XRayImageID    uint      `gorm:"uniqueIndex:idx_predictions_image;not null"`
	Label          string    `gorm:"size:32;not null;index:idx_predictions_label"`
	Confidence     float64   `gorm:"not null"`
	AgreementRatio float64
	VotesFor       int
	VotesTotal     int
	BestModel      string    `gorm:"size:64"`
	BestConfidence float64
	RiskScore      float64
	RiskLevel      string    `gorm:"size:16;index:idx_predictions_risk_level"`
	ModelSetHash   string    `gorm:"size:64"`
	DurationMs     int64
	NeedsReview    bool      `gorm:"index:idx_predictions_needs_review"`
	CreatedAt      time.Time `gorm:"index:idx_predictions_created"`

	Results []ModelResult     `gorm:"foreignKey:PredictionID;constraint:OnDelete:CASCADE"`
	Review  *PredictionReview `gorm:"foreignKey:PredictionID"`
}

// ModelResult is a single ensemble member's vote for a prediction.
type ModelResult struct {
	ID           uint    `gorm:"primaryKey"`
	PredictionID uint    `gorm:"index:idx_model_results_prediction;not null"`
	ModelName    string  `gorm:"size:64;not null"`
	Architecture string  `gorm:"size:32"`
	Label        string  `gorm:"size:32;not null"`
	Confidence   float64 `gorm:"not null"`
	DurationMs   int64
	InputSize    int
}

// PredictionReview verdicts.
const (
	ReviewVerdictConfirmed  = "confirmed"
	ReviewVerdictOverridden = "overridden"
)

// PredictionReview records a radiologist's verdict on a consensus result.
// At most one review exists per prediction.
type PredictionReview struct {
	ID             uint   `gorm:"primaryKey"`
	PredictionID   uint   `gorm:"uniqueIndex:idx_reviews_prediction;not null"`
	Verdict        string `gorm:"size:16;not null"`
	CorrectedLabel string `gorm:"size:32"`
	ReviewedBy     uint   `gorm:"index:idx_reviews_reviewer;not null"`
	Notes          string `gorm:"type:text"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// BatchUploadJob status values.
const (
	BatchStatusPending             = "pending"
	BatchStatusProcessing          = "processing"
	BatchStatusCompleted           = "completed"
	BatchStatusCompletedWithErrors = "completed_with_errors"
	BatchStatusFailed              = "failed"
	BatchStatusCancelled           = "cancelled"
)

// BatchUploadJob tracks a multi-image upload through processing.
// Progress is always derived from the counters, never stored.
type BatchUploadJob struct {
	ID          uint       `gorm:"primaryKey"`
	UUID        string     `gorm:"uniqueIndex:idx_batch_jobs_uuid;size:36;not null"`
	SubmittedBy uint       `gorm:"index:idx_batch_jobs_user"`
	Status      string     `gorm:"size:24;default:pending;index:idx_batch_jobs_status"`
	Total       int        `gorm:"not null"`
	Processed   int        `gorm:"default:0"`
	Failed      int        `gorm:"default:0"`
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Appointment status values.
const (
	AppointmentStatusScheduled = "scheduled"
	AppointmentStatusCheckedIn = "checked_in"
	AppointmentStatusCompleted = "completed"
	AppointmentStatusCancelled = "cancelled"
	AppointmentStatusNoShow    = "no_show"
)

// Appointment schedules a patient with a clinician. ScheduledAt and
// EndsAt bound the visit; overlap checks treat the end as exclusive.
type Appointment struct {
	ID           uint           `gorm:"primaryKey"`
	PatientID    uint           `gorm:"index:idx_appointments_patient;not null"`
	ClinicianID  uint           `gorm:"not null;index:idx_appointments_clinician_start,priority:1"`
	ScheduledAt  time.Time      `gorm:"not null;index:idx_appointments_clinician_start,priority:2"`
	EndsAt       time.Time      `gorm:"not null"`
	Reason       string         `gorm:"size:255"`
	Status       string         `gorm:"size:16;default:scheduled;index:idx_appointments_status"`
	ReminderSent bool           `gorm:"default:false"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeletedAt    gorm.DeletedAt `gorm:"index"`
}

// Report is a generated PDF diagnosis report stored under the media root.
// Regeneration replaces the row for the same prediction.
type Report struct {
	ID           uint   `gorm:"primaryKey"`
	PredictionID uint   `gorm:"uniqueIndex:idx_reports_prediction;not null"`
	Path         string `gorm:"size:512;not null"`
	SizeBytes    int64
	Checksum     string `gorm:"size:64"`
	GeneratedBy  uint
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// User roles.
const (
	RoleAdmin       = "admin"
	RoleRadiologist = "radiologist"
	RoleTechnician  = "technician"
)

// User is a staff account. Passwords are stored as bcrypt hashes only.
type User struct {
	ID           uint       `gorm:"primaryKey"`
	Username     string     `gorm:"uniqueIndex:idx_users_username;size:64;not null"`
	PasswordHash string     `gorm:"size:100;not null"`
	DisplayName  string     `gorm:"size:100"`
	Role         string     `gorm:"size:16;default:technician"`
	Active       bool       `gorm:"default:true"`
	LastLoginAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AuditLog is an append-only trail of privileged actions. Rows are never
// updated or deleted by the application. UserID is nil for system actions.
type AuditLog struct {
	ID         uint      `gorm:"primaryKey"`
	UserID     *uint     `gorm:"index:idx_audit_logs_user"`
	Action     string    `gorm:"size:64;not null;index:idx_audit_logs_action"`
	EntityType string    `gorm:"size:32;index:idx_audit_logs_entity,priority:1"`
	EntityID   uint      `gorm:"index:idx_audit_logs_entity,priority:2"`
	Details    string    `gorm:"type:text"`
	SourceIP   string    `gorm:"size:45"`
	CreatedAt  time.Time `gorm:"index:idx_audit_logs_created"`
}

// NotificationRecord keeps a history of dispatched notifications so
// acknowledgements survive restarts.
type NotificationRecord struct {
	ID           uint      `gorm:"primaryKey"`
	Type         string    `gorm:"size:24;not null;index:idx_notification_records_type"`
	Priority     string    `gorm:"size:16;not null"`
	Title        string    `gorm:"size:255"`
	Message      string    `gorm:"type:text"`
	Acknowledged bool      `gorm:"default:false"`
	CreatedAt    time.Time `gorm:"index:idx_notification_records_created"`
	UpdatedAt    time.Time
}
