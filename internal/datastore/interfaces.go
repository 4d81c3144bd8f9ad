// Package datastore manages persistence for clinical records, imaging
// studies, triage results and the supporting workflow state. It provides
// SQLite and MySQL implementations behind a common interface.
package datastore

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/chestnet/chestnet-go/internal/conf"
)

// Interface defines the datastore operations available to the rest of
// the application. Soft-deletable entities (Patient, XRayImage,
// Appointment) expose both active-scoped accessors and all-rows
// accessors; the pairing is validated at Open() time.
type Interface interface {
	Open() error
	Close() error

	// Patients
	CreatePatient(patient *Patient) error
	UpdatePatient(patient *Patient) error
	GetPatient(id uint) (Patient, error)
	GetPatientByMRN(mrn string) (Patient, error)
	SearchPatients(query string, limit, offset int) ([]Patient, error)
	DeletePatient(id uint) error
	RestorePatient(id uint) error
	GetAllPatients(includeDeleted bool, limit, offset int) ([]Patient, error)
	GetPatientAnyState(id uint) (Patient, error)
	AddComorbidity(entry *Comorbidity) error
	GetComorbidities(patientID uint) ([]Comorbidity, error)
	RemoveComorbidity(id uint) error

	// X-ray images
	CreateXRayImage(img *XRayImage, force bool) error
	UpdateXRayImage(img *XRayImage) error
	GetXRayImage(id uint) (XRayImage, error)
	GetXRayImageByHash(patientID uint, contentHash string) (XRayImage, error)
	GetXRayImagesForPatient(patientID uint, limit, offset int) ([]XRayImage, error)
	GetXRayImagesForBatch(batchJobID uint) ([]XRayImage, error)
	AssignImagesToBatch(batchJobID uint, imageIDs []uint) error
	SetXRayImageProcessing(id uint) error
	FinalizeXRayImageStatus(id uint, status string) error
	DeleteXRayImage(id uint) error
	RestoreXRayImage(id uint) error
	GetAllXRayImages(includeDeleted bool, limit, offset int) ([]XRayImage, error)
	GetXRayImageAnyState(id uint) (XRayImage, error)
	CountXRayImagesByStatus(status string) (int64, error)

	// Predictions and reviews
	SavePrediction(prediction *Prediction, results []ModelResult) error
	GetPrediction(id uint) (Prediction, error)
	GetPredictionForImage(xrayImageID uint) (Prediction, error)
	GetRecentPredictions(limit int) ([]Prediction, error)
	GetPredictionsNeedingReview(limit, offset int) ([]Prediction, error)
	SavePredictionReview(review *PredictionReview) error
	GetPredictionReview(predictionID uint) (PredictionReview, error)

	// Batch upload jobs
	CreateBatchJob(job *BatchUploadJob) error
	GetBatchJob(id uint) (BatchUploadJob, error)
	GetBatchJobByUUID(uuid string) (BatchUploadJob, error)
	UpdateBatchJobStatus(uuid, status string) error
	AddBatchJobProgress(uuid string, processedDelta, failedDelta int) error
	ListBatchJobs(limit, offset int) ([]BatchUploadJob, error)
	GetActiveBatchJobs() ([]BatchUploadJob, error)

	// Appointments
	CreateAppointment(appt *Appointment) error
	UpdateAppointment(appt *Appointment) error
	GetAppointment(id uint) (Appointment, error)
	GetAppointmentsForPatient(patientID uint, limit, offset int) ([]Appointment, error)
	GetAppointmentsInRange(from, to time.Time) ([]Appointment, error)
	FindConflictingAppointments(clinicianID uint, start, end time.Time, excludeID uint) ([]Appointment, error)
	UpdateAppointmentStatus(id uint, status string) error
	GetAppointmentsDueForReminder(from, to time.Time) ([]Appointment, error)
	MarkAppointmentReminderSent(id uint) error
	DeleteAppointment(id uint) error
	RestoreAppointment(id uint) error
	GetAllAppointments(includeDeleted bool, limit, offset int) ([]Appointment, error)
	GetAppointmentAnyState(id uint) (Appointment, error)

	// Reports
	SaveReport(report *Report) error
	GetReport(id uint) (Report, error)
	GetReportForPrediction(predictionID uint) (Report, error)
	ListReports(limit, offset int) ([]Report, error)

	// Users
	CreateUser(user *User) error
	UpdateUser(user *User) error
	UpdateUserPassword(id uint, passwordHash string) error
	GetUser(id uint) (User, error)
	GetUserByUsername(username string) (User, error)
	ListUsers() ([]User, error)
	UpdateUserLastLogin(id uint, when time.Time) error

	// Audit log, append-only
	InsertAuditLog(entry *AuditLog) error
	SearchAuditLogs(filters *AuditLogFilters, limit, offset int) ([]AuditLog, int64, error)

	// Notification history
	SaveNotificationRecord(record *NotificationRecord) error
	GetRecentNotificationRecords(limit int) ([]NotificationRecord, error)
	AcknowledgeNotification(id uint) error
	DeleteExpiredNotificationRecords(before time.Time) (int64, error)

	// Analytics
	GetLabelSummaryData(ctx context.Context) ([]LabelSummaryData, error)
	GetDailyPredictionCounts(ctx context.Context, startDate, endDate string) ([]DailyAnalyticsData, error)
	GetHourlyTriageActivity(ctx context.Context, date string) ([]HourlyAnalyticsData, error)
	GetModelAgreement(ctx context.Context) ([]ModelAgreementData, error)
	GetRiskLevelDistribution(ctx context.Context) (map[string]int64, error)
	GetDashboardSummary(ctx context.Context) (DashboardSummary, error)
	GetPredictionTrends(ctx context.Context, period string, limit int) ([]TrendDataPoint, error)
}

// DataStore implements the shared database operations. The dialect
// specific stores embed it and provide Open and Close.
type DataStore struct {
	DB *gorm.DB
}

// New creates the appropriate store for the configured database output.
// SQLite wins when both outputs are enabled, matching single-node
// deployments where MySQL settings may linger in the config file.
func New(settings *conf.Settings) Interface {
	switch {
	case settings.Output.SQLite.Enabled:
		return &SQLiteStore{Settings: settings}
	case settings.Output.MySQL.Enabled:
		return &MySQLStore{Settings: settings}
	default:
		return nil
	}
}

// performAutoMigration runs the soft-delete accessor checks and brings
// the schema up to date for every managed model.
func performAutoMigration(db *gorm.DB, debug bool, dbType, connectionInfo string) error {
	if err := validateSoftDeleteChecks(); err != nil {
		return err
	}

	if err := db.AutoMigrate(
		&Patient{},
		&Comorbidity{},
		&XRayImage{},
		&Prediction{},
		&ModelResult{},
		&PredictionReview{},
		&BatchUploadJob{},
		&Appointment{},
		&Report{},
		&User{},
		&AuditLog{},
		&NotificationRecord{},
	); err != nil {
		return fmt.Errorf("failed to auto-migrate %s database: %w", dbType, err)
	}

	if debug {
		getLogger().Debug("Database connection established",
			"db_type", dbType,
			"connection", connectionInfo)
	}

	return nil
}

// GetHourFormat returns the SQL expression extracting the hour of day
// from created_at for the connected dialect.
func (ds *DataStore) GetHourFormat() string {
	switch ds.DB.Dialector.Name() {
	case "sqlite", "sqlite3":
		return "strftime('%H', created_at)"
	case "mysql":
		return "DATE_FORMAT(created_at, '%H')"
	default:
		return ""
	}
}

// GetDateFormat returns the SQL expression extracting the calendar date
// from created_at for the connected dialect.
func (ds *DataStore) GetDateFormat() string {
	switch ds.DB.Dialector.Name() {
	case "sqlite", "sqlite3":
		return "strftime('%Y-%m-%d', created_at)"
	case "mysql":
		return "DATE_FORMAT(created_at, '%Y-%m-%d')"
	default:
		return ""
	}
}

// sortAscendingString converts a boolean sort order to SQL keywords.
func sortAscendingString(asc bool) string {
	if asc {
		return "ASC"
	}
	return "DESC"
}

// normalizeLimit clamps page sizes to a sane window so a caller cannot
// request an unbounded result set.
func normalizeLimit(limit int) int {
	const defaultLimit, maxLimit = 50, 1000
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}
