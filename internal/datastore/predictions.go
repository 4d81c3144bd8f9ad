package datastore

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/chestnet/chestnet-go/internal/errors"
)

// SavePrediction stores a consensus result, its per-model votes and the
// terminal image status in a single transaction. The conditional status
// update enforces that an image is diagnosed exactly once: a second
// save for the same image rolls back with a state error.
func (ds *DataStore) SavePrediction(prediction *Prediction, results []ModelResult) error {
	if prediction == nil {
		return validationError("prediction cannot be nil", "prediction", nil)
	}
	if prediction.XRayImageID == 0 {
		return validationError("prediction requires an image", "xray_image_id", 0)
	}
	if len(results) == 0 {
		return validationError("prediction requires at least one model result", "results", 0)
	}

	// Begin a transaction
	tx := ds.DB.Begin()
	if tx.Error != nil {
		return dbError(tx.Error, "save_prediction", "", "image_id", prediction.XRayImageID)
	}

	// Roll back the transaction if a panic occurs
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	// Save the prediction without letting GORM auto-save associations,
	// the votes are created explicitly below
	if err := tx.Omit("Results", "Review").Create(prediction).Error; err != nil {
		tx.Rollback()
		if isUniqueConstraintViolation(err) {
			return conflictError(err, "save_prediction", "duplicate_prediction",
				"image_id", prediction.XRayImageID)
		}
		return dbError(err, "save_prediction", "", "image_id", prediction.XRayImageID)
	}

	// Assign the prediction ID to each vote and save them
	for _, result := range results {
		result.PredictionID = prediction.ID
		if err := tx.Create(&result).Error; err != nil {
			tx.Rollback()
			return dbError(err, "save_model_result", "",
				"prediction_id", prediction.ID,
				"model_name", result.ModelName)
		}
	}

	// Move the image to its terminal state inside the same transaction
	res := tx.Model(&XRayImage{}).
		Where("id = ? AND status NOT IN ?", prediction.XRayImageID,
			[]string{ImageStatusDiagnosed, ImageStatusFailed}).
		Update("status", ImageStatusDiagnosed)
	if res.Error != nil {
		tx.Rollback()
		return dbError(res.Error, "save_prediction", "", "image_id", prediction.XRayImageID)
	}
	if res.RowsAffected == 0 {
		tx.Rollback()
		return stateError(
			errors.Newf("image %d is already finalized", prediction.XRayImageID).Build(),
			"save_prediction", "status_transition",
			"image_id", prediction.XRayImageID)
	}

	// Commit the transaction
	if err := tx.Commit().Error; err != nil {
		return dbError(err, "save_prediction", "", "image_id", prediction.XRayImageID)
	}
	return nil
}

// GetPrediction retrieves a prediction with votes and review preloaded.
func (ds *DataStore) GetPrediction(id uint) (Prediction, error) {
	var prediction Prediction
	err := ds.DB.Preload("Results").Preload("Review").First(&prediction, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Prediction{}, notFoundError("prediction", fmt.Sprintf("%d", id))
		}
		return Prediction{}, dbError(err, "get_prediction", "", "prediction_id", id)
	}
	return prediction, nil
}

// GetPredictionForImage retrieves the prediction attached to an image.
func (ds *DataStore) GetPredictionForImage(xrayImageID uint) (Prediction, error) {
	var prediction Prediction
	err := ds.DB.Preload("Results").Preload("Review").
		Where("x_ray_image_id = ?", xrayImageID).
		First(&prediction).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Prediction{}, notFoundError("prediction", fmt.Sprintf("image %d", xrayImageID))
		}
		return Prediction{}, dbError(err, "get_prediction_for_image", "", "image_id", xrayImageID)
	}
	return prediction, nil
}

// GetRecentPredictions lists the newest predictions with their votes.
func (ds *DataStore) GetRecentPredictions(limit int) ([]Prediction, error) {
	var predictions []Prediction
	err := ds.DB.Preload("Results").Preload("Review").
		Order("created_at DESC").
		Limit(normalizeLimit(limit)).
		Find(&predictions).Error
	if err != nil {
		return nil, dbError(err, "get_recent_predictions", "")
	}
	return predictions, nil
}

// GetPredictionsNeedingReview lists unreviewed low-agreement
// predictions oldest first, forming the radiologist work queue.
func (ds *DataStore) GetPredictionsNeedingReview(limit, offset int) ([]Prediction, error) {
	var predictions []Prediction
	err := ds.DB.Preload("Results").
		Where("needs_review = ?", true).
		Order("created_at ASC").
		Limit(normalizeLimit(limit)).
		Offset(offset).
		Find(&predictions).Error
	if err != nil {
		return nil, dbError(err, "get_predictions_needing_review", "")
	}
	return predictions, nil
}

// SavePredictionReview stores a radiologist verdict and clears the
// review flag on the prediction in one transaction. A second review for
// the same prediction is a conflict.
func (ds *DataStore) SavePredictionReview(review *PredictionReview) error {
	if review == nil {
		return validationError("review cannot be nil", "review", nil)
	}
	if review.PredictionID == 0 {
		return validationError("review requires a prediction", "prediction_id", 0)
	}
	if review.Verdict != ReviewVerdictConfirmed && review.Verdict != ReviewVerdictOverridden {
		return validationError("verdict must be confirmed or overridden", "verdict", review.Verdict)
	}
	if review.Verdict == ReviewVerdictOverridden && review.CorrectedLabel == "" {
		return validationError("overridden verdict requires a corrected label", "corrected_label", "")
	}

	err := ds.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(review).Error; err != nil {
			return err
		}
		return tx.Model(&Prediction{}).
			Where("id = ?", review.PredictionID).
			Update("needs_review", false).Error
	})
	if err != nil {
		if isUniqueConstraintViolation(err) {
			return conflictError(err, "save_review", "duplicate_review",
				"prediction_id", review.PredictionID)
		}
		return dbError(err, "save_review", "", "prediction_id", review.PredictionID)
	}
	return nil
}

// GetPredictionReview retrieves the review for a prediction.
func (ds *DataStore) GetPredictionReview(predictionID uint) (PredictionReview, error) {
	var review PredictionReview
	err := ds.DB.Where("prediction_id = ?", predictionID).First(&review).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return PredictionReview{}, notFoundError("review", fmt.Sprintf("prediction %d", predictionID))
		}
		return PredictionReview{}, dbError(err, "get_review", "", "prediction_id", predictionID)
	}
	return review, nil
}
