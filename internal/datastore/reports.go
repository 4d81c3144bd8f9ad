package datastore

import (
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chestnet/chestnet-go/internal/errors"
)

// SaveReport stores a generated PDF record. Regenerating a report for
// the same prediction replaces the previous row through an upsert on
// the prediction id.
func (ds *DataStore) SaveReport(report *Report) error {
	if report == nil {
		return validationError("report cannot be nil", "report", nil)
	}
	if report.PredictionID == 0 {
		return validationError("report requires a prediction", "prediction_id", 0)
	}
	if report.Path == "" {
		return validationError("report path cannot be empty", "path", "")
	}

	result := ds.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "prediction_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"path", "size_bytes", "checksum", "generated_by", "updated_at",
		}),
	}).Create(report)
	if result.Error != nil {
		return dbError(result.Error, "save_report", "", "prediction_id", report.PredictionID)
	}
	return nil
}

// GetReport retrieves a report record by id.
func (ds *DataStore) GetReport(id uint) (Report, error) {
	var report Report
	if err := ds.DB.First(&report, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Report{}, notFoundError("report", fmt.Sprintf("%d", id))
		}
		return Report{}, dbError(err, "get_report", "", "report_id", id)
	}
	return report, nil
}

// GetReportForPrediction retrieves the report generated for a
// prediction.
func (ds *DataStore) GetReportForPrediction(predictionID uint) (Report, error) {
	var report Report
	err := ds.DB.Where("prediction_id = ?", predictionID).First(&report).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Report{}, notFoundError("report", fmt.Sprintf("prediction %d", predictionID))
		}
		return Report{}, dbError(err, "get_report_for_prediction", "", "prediction_id", predictionID)
	}
	return report, nil
}

// ListReports lists report records newest first.
func (ds *DataStore) ListReports(limit, offset int) ([]Report, error) {
	var reports []Report
	err := ds.DB.Order("created_at DESC").
		Limit(normalizeLimit(limit)).
		Offset(offset).
		Find(&reports).Error
	if err != nil {
		return nil, dbError(err, "list_reports", "")
	}
	return reports, nil
}
