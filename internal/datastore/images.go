package datastore

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/chestnet/chestnet-go/internal/errors"
)

// CreateXRayImage inserts a new radiograph record. An image whose
// content hash already exists for the same patient is rejected as a
// conflict unless force is set, which permits intentional re-uploads.
func (ds *DataStore) CreateXRayImage(img *XRayImage, force bool) error {
	if img == nil {
		return validationError("image cannot be nil", "image", nil)
	}
	if img.PatientID == 0 {
		return validationError("image requires a patient", "patient_id", 0)
	}
	if img.Path == "" {
		return validationError("image path cannot be empty", "path", "")
	}
	if img.ContentHash == "" {
		return validationError("image content hash cannot be empty", "content_hash", "")
	}

	if !force {
		var existing XRayImage
		err := ds.DB.Where("patient_id = ? AND content_hash = ?", img.PatientID, img.ContentHash).
			First(&existing).Error
		switch {
		case err == nil:
			return conflictError(gorm.ErrDuplicatedKey, "create_xray_image", "duplicate_content_hash",
				"patient_id", img.PatientID,
				"content_hash", img.ContentHash,
				"existing_image_id", existing.ID)
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return dbError(err, "create_xray_image", "", "patient_id", img.PatientID)
		}
	}

	if img.Status == "" {
		img.Status = ImageStatusPending
	}
	if err := ds.DB.Create(img).Error; err != nil {
		return dbError(err, "create_xray_image", "", "patient_id", img.PatientID)
	}
	return nil
}

// UpdateXRayImage persists metadata changes to an image. Status moves
// through SetXRayImageProcessing and FinalizeXRayImageStatus instead.
func (ds *DataStore) UpdateXRayImage(img *XRayImage) error {
	if img == nil || img.ID == 0 {
		return validationError("image id is required for update", "id", 0)
	}

	result := ds.DB.Model(&XRayImage{}).Where("id = ?", img.ID).
		Select("OriginalName", "BodyPart", "ViewPosition", "Width", "Height").
		Updates(img)
	if result.Error != nil {
		return dbError(result.Error, "update_xray_image", "", "image_id", img.ID)
	}
	if result.RowsAffected == 0 {
		return notFoundError("xray image", fmt.Sprintf("%d", img.ID))
	}
	return nil
}

// GetXRayImage retrieves an active image by id.
func (ds *DataStore) GetXRayImage(id uint) (XRayImage, error) {
	var img XRayImage
	if err := ds.DB.First(&img, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return XRayImage{}, notFoundError("xray image", fmt.Sprintf("%d", id))
		}
		return XRayImage{}, dbError(err, "get_xray_image", "", "image_id", id)
	}
	return img, nil
}

// GetXRayImageByHash finds an active image for a patient by content
// hash. Used for duplicate detection before accepting an upload.
func (ds *DataStore) GetXRayImageByHash(patientID uint, contentHash string) (XRayImage, error) {
	var img XRayImage
	err := ds.DB.Where("patient_id = ? AND content_hash = ?", patientID, contentHash).
		First(&img).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return XRayImage{}, notFoundError("xray image", contentHash)
		}
		return XRayImage{}, dbError(err, "get_xray_image_by_hash", "", "patient_id", patientID)
	}
	return img, nil
}

// GetXRayImagesForPatient lists a patient's active images, newest first.
func (ds *DataStore) GetXRayImagesForPatient(patientID uint, limit, offset int) ([]XRayImage, error) {
	var images []XRayImage
	err := ds.DB.Where("patient_id = ?", patientID).
		Order("created_at DESC").
		Limit(normalizeLimit(limit)).
		Offset(offset).
		Find(&images).Error
	if err != nil {
		return nil, dbError(err, "get_xray_images_for_patient", "", "patient_id", patientID)
	}
	return images, nil
}

// AssignImagesToBatch links already-stored images to a batch job with
// a targeted column update, leaving concurrent status transitions
// untouched.
func (ds *DataStore) AssignImagesToBatch(batchJobID uint, imageIDs []uint) error {
	if batchJobID == 0 {
		return validationError("batch job id is required", "batch_job_id", 0)
	}
	if len(imageIDs) == 0 {
		return nil
	}
	err := ds.DB.Model(&XRayImage{}).
		Where("id IN ?", imageIDs).
		Update("batch_job_id", batchJobID).Error
	if err != nil {
		return dbError(err, "assign_images_to_batch", "", "batch_job_id", batchJobID)
	}
	return nil
}

// GetXRayImagesForBatch lists every image attached to a batch job.
func (ds *DataStore) GetXRayImagesForBatch(batchJobID uint) ([]XRayImage, error) {
	var images []XRayImage
	err := ds.DB.Where("batch_job_id = ?", batchJobID).Order("id ASC").Find(&images).Error
	if err != nil {
		return nil, dbError(err, "get_xray_images_for_batch", "", "batch_job_id", batchJobID)
	}
	return images, nil
}

// SetXRayImageProcessing transitions an image from pending to
// processing. Any other starting state is reported as a state error so
// two workers cannot claim the same image.
func (ds *DataStore) SetXRayImageProcessing(id uint) error {
	result := ds.DB.Model(&XRayImage{}).
		Where("id = ? AND status = ?", id, ImageStatusPending).
		Update("status", ImageStatusProcessing)
	if result.Error != nil {
		return dbError(result.Error, "set_image_processing", "", "image_id", id)
	}
	if result.RowsAffected == 0 {
		return ds.imageTransitionError(id, "set_image_processing", ImageStatusProcessing)
	}
	return nil
}

// FinalizeXRayImageStatus moves an image into a terminal state. The
// conditional update guarantees an image is finalized exactly once.
func (ds *DataStore) FinalizeXRayImageStatus(id uint, status string) error {
	if status != ImageStatusDiagnosed && status != ImageStatusFailed {
		return validationError("status is not terminal", "status", status)
	}

	result := ds.DB.Model(&XRayImage{}).
		Where("id = ? AND status NOT IN ?", id, []string{ImageStatusDiagnosed, ImageStatusFailed}).
		Update("status", status)
	if result.Error != nil {
		return dbError(result.Error, "finalize_image_status", "", "image_id", id)
	}
	if result.RowsAffected == 0 {
		return ds.imageTransitionError(id, "finalize_image_status", status)
	}
	return nil
}

// imageTransitionError distinguishes a missing image from an illegal
// status transition after a conditional update matched no rows.
func (ds *DataStore) imageTransitionError(id uint, operation, wanted string) error {
	var img XRayImage
	if err := ds.DB.First(&img, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFoundError("xray image", fmt.Sprintf("%d", id))
		}
		return dbError(err, operation, "", "image_id", id)
	}
	return stateError(
		errors.Newf("image %d cannot move from %s to %s", id, img.Status, wanted).Build(),
		operation, "status_transition",
		"image_id", id,
		"current_status", img.Status,
		"wanted_status", wanted)
}

// DeleteXRayImage soft-deletes an image record. The file on disk is
// handled by the media layer, not here.
func (ds *DataStore) DeleteXRayImage(id uint) error {
	return ds.softDeleteRow(&XRayImage{}, id, "xray image")
}

// RestoreXRayImage clears the deletion marker from an image.
func (ds *DataStore) RestoreXRayImage(id uint) error {
	return ds.restoreRow(&XRayImage{}, id, "xray image")
}

// GetAllXRayImages lists images ordered by upload time, optionally
// including soft-deleted rows.
func (ds *DataStore) GetAllXRayImages(includeDeleted bool, limit, offset int) ([]XRayImage, error) {
	var images []XRayImage
	err := ds.scopeDeleted("xray_images", includeDeleted).
		Order("created_at DESC").
		Limit(normalizeLimit(limit)).
		Offset(offset).
		Find(&images).Error
	if err != nil {
		return nil, dbError(err, "get_all_xray_images", "")
	}
	return images, nil
}

// GetXRayImageAnyState retrieves an image regardless of deletion state.
func (ds *DataStore) GetXRayImageAnyState(id uint) (XRayImage, error) {
	var img XRayImage
	if err := ds.DB.Unscoped().First(&img, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return XRayImage{}, notFoundError("xray image", fmt.Sprintf("%d", id))
		}
		return XRayImage{}, dbError(err, "get_xray_image_any_state", "", "image_id", id)
	}
	return img, nil
}

// CountXRayImagesByStatus counts active images in the given status.
func (ds *DataStore) CountXRayImagesByStatus(status string) (int64, error) {
	var count int64
	err := ds.DB.Model(&XRayImage{}).Where("status = ?", status).Count(&count).Error
	if err != nil {
		return 0, dbError(err, "count_images_by_status", "", "status", status)
	}
	return count, nil
}
