package datastore

import (
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/chestnet/chestnet-go/internal/errors"
)

// CreatePatient inserts a new patient record. The MRN must be unique
// across all rows, including soft-deleted ones.
func (ds *DataStore) CreatePatient(patient *Patient) error {
	if patient == nil {
		return validationError("patient cannot be nil", "patient", nil)
	}
	if strings.TrimSpace(patient.MRN) == "" {
		return validationError("MRN cannot be empty", "mrn", patient.MRN)
	}
	if patient.FirstName == "" || patient.LastName == "" {
		return validationError("patient name cannot be empty", "name", patient.FirstName+" "+patient.LastName)
	}

	if err := ds.DB.Create(patient).Error; err != nil {
		if isUniqueConstraintViolation(err) {
			return conflictError(err, "create_patient", "duplicate_mrn", "mrn", patient.MRN)
		}
		return dbError(err, "create_patient", "", "mrn", patient.MRN)
	}
	return nil
}

// UpdatePatient persists changes to an existing patient. The MRN on the
// stored row is never overwritten.
func (ds *DataStore) UpdatePatient(patient *Patient) error {
	if patient == nil || patient.ID == 0 {
		return validationError("patient id is required for update", "id", 0)
	}

	result := ds.DB.Model(&Patient{}).Where("id = ?", patient.ID).
		Select("FirstName", "LastName", "DateOfBirth", "Sex", "Phone", "Email").
		Updates(patient)
	if result.Error != nil {
		return dbError(result.Error, "update_patient", "", "patient_id", patient.ID)
	}
	if result.RowsAffected == 0 {
		return notFoundError("patient", fmt.Sprintf("%d", patient.ID))
	}
	return nil
}

// GetPatient retrieves an active patient with comorbidities preloaded.
func (ds *DataStore) GetPatient(id uint) (Patient, error) {
	var patient Patient
	if err := ds.DB.Preload("Comorbidities").First(&patient, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Patient{}, notFoundError("patient", fmt.Sprintf("%d", id))
		}
		return Patient{}, dbError(err, "get_patient", "", "patient_id", id)
	}
	return patient, nil
}

// GetPatientByMRN retrieves an active patient by medical record number.
func (ds *DataStore) GetPatientByMRN(mrn string) (Patient, error) {
	var patient Patient
	if err := ds.DB.Preload("Comorbidities").Where("mrn = ?", mrn).First(&patient).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Patient{}, notFoundError("patient", mrn)
		}
		return Patient{}, dbError(err, "get_patient_by_mrn", "")
	}
	return patient, nil
}

// SearchPatients performs a case-insensitive substring search over name
// and MRN, newest first. Only active patients are returned.
func (ds *DataStore) SearchPatients(query string, limit, offset int) ([]Patient, error) {
	var patients []Patient
	pattern := "%" + strings.ToLower(query) + "%"

	err := ds.DB.
		Where("LOWER(first_name) LIKE ? OR LOWER(last_name) LIKE ? OR LOWER(mrn) LIKE ?",
			pattern, pattern, pattern).
		Order("created_at DESC").
		Limit(normalizeLimit(limit)).
		Offset(offset).
		Find(&patients).Error
	if err != nil {
		return nil, dbError(err, "search_patients", "")
	}
	return patients, nil
}

// DeletePatient soft-deletes a patient. Imaging history and
// appointments keep their own deletion state.
func (ds *DataStore) DeletePatient(id uint) error {
	return ds.softDeleteRow(&Patient{}, id, "patient")
}

// RestorePatient clears the deletion marker from a patient.
func (ds *DataStore) RestorePatient(id uint) error {
	return ds.restoreRow(&Patient{}, id, "patient")
}

// GetAllPatients lists patients ordered by registration time. With
// includeDeleted it uses the all-rows accessor from the soft-delete
// registry so archived patients appear as well.
func (ds *DataStore) GetAllPatients(includeDeleted bool, limit, offset int) ([]Patient, error) {
	var patients []Patient
	err := ds.scopeDeleted("patients", includeDeleted).
		Order("created_at DESC").
		Limit(normalizeLimit(limit)).
		Offset(offset).
		Find(&patients).Error
	if err != nil {
		return nil, dbError(err, "get_all_patients", "")
	}
	return patients, nil
}

// GetPatientAnyState retrieves a patient regardless of deletion state.
func (ds *DataStore) GetPatientAnyState(id uint) (Patient, error) {
	var patient Patient
	if err := ds.DB.Unscoped().Preload("Comorbidities").First(&patient, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Patient{}, notFoundError("patient", fmt.Sprintf("%d", id))
		}
		return Patient{}, dbError(err, "get_patient_any_state", "", "patient_id", id)
	}
	return patient, nil
}

// AddComorbidity records a condition for a patient.
func (ds *DataStore) AddComorbidity(entry *Comorbidity) error {
	if entry == nil {
		return validationError("comorbidity cannot be nil", "comorbidity", nil)
	}
	if entry.PatientID == 0 {
		return validationError("comorbidity requires a patient", "patient_id", 0)
	}
	if entry.Code == "" {
		return validationError("comorbidity code cannot be empty", "code", "")
	}

	if err := ds.DB.Create(entry).Error; err != nil {
		return dbError(err, "add_comorbidity", "", "patient_id", entry.PatientID)
	}
	return nil
}

// GetComorbidities lists conditions recorded for a patient.
func (ds *DataStore) GetComorbidities(patientID uint) ([]Comorbidity, error) {
	var entries []Comorbidity
	err := ds.DB.Where("patient_id = ?", patientID).Order("noted_at ASC").Find(&entries).Error
	if err != nil {
		return nil, dbError(err, "get_comorbidities", "", "patient_id", patientID)
	}
	return entries, nil
}

// RemoveComorbidity deletes a single condition entry.
func (ds *DataStore) RemoveComorbidity(id uint) error {
	result := ds.DB.Delete(&Comorbidity{}, id)
	if result.Error != nil {
		return dbError(result.Error, "remove_comorbidity", "", "id", id)
	}
	if result.RowsAffected == 0 {
		return notFoundError("comorbidity", fmt.Sprintf("%d", id))
	}
	return nil
}
