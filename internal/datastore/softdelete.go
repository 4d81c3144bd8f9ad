package datastore

import (
	"fmt"
	"reflect"

	"gorm.io/gorm"

	"github.com/chestnet/chestnet-go/internal/errors"
)

// softDeleteEntry pairs a soft-deletable model with its scoped query
// constructors. The active accessor sees only live rows, the allRows
// accessor sees everything including soft-deleted rows.
type softDeleteEntry struct {
	model   any
	active  func(db *gorm.DB) *gorm.DB
	allRows func(db *gorm.DB) *gorm.DB
}

// softDeleteChecks registers every soft-deletable model. Open() refuses
// to start when a registered model lacks either accessor or carries no
// DeletedAt column, so a schema change cannot silently leak deleted
// clinical records into active queries.
var softDeleteChecks = map[string]softDeleteEntry{
	"patients": {
		model:   &Patient{},
		active:  func(db *gorm.DB) *gorm.DB { return db.Model(&Patient{}) },
		allRows: func(db *gorm.DB) *gorm.DB { return db.Unscoped().Model(&Patient{}) },
	},
	"xray_images": {
		model:   &XRayImage{},
		active:  func(db *gorm.DB) *gorm.DB { return db.Model(&XRayImage{}) },
		allRows: func(db *gorm.DB) *gorm.DB { return db.Unscoped().Model(&XRayImage{}) },
	},
	"appointments": {
		model:   &Appointment{},
		active:  func(db *gorm.DB) *gorm.DB { return db.Model(&Appointment{}) },
		allRows: func(db *gorm.DB) *gorm.DB { return db.Unscoped().Model(&Appointment{}) },
	},
}

// validateSoftDeleteChecks verifies the soft-delete registry before the
// schema is migrated.
func validateSoftDeleteChecks() error {
	deletedAtType := reflect.TypeOf(gorm.DeletedAt{})

	for table, entry := range softDeleteChecks {
		if entry.model == nil {
			return softDeleteCheckError(table, "model is not registered")
		}
		if entry.active == nil {
			return softDeleteCheckError(table, "active-scoped accessor is missing")
		}
		if entry.allRows == nil {
			return softDeleteCheckError(table, "all-rows accessor is missing")
		}

		t := reflect.TypeOf(entry.model)
		if t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		field, ok := t.FieldByName("DeletedAt")
		if !ok || field.Type != deletedAtType {
			return softDeleteCheckError(table, "model has no gorm.DeletedAt field")
		}
	}

	return nil
}

func softDeleteCheckError(table, reason string) error {
	return errors.Newf("soft-delete check failed for %s: %s", table, reason).
		Component("datastore").
		Category(errors.CategoryState).
		Priority(errors.PriorityCritical).
		Context("operation", "soft_delete_check").
		Context("table", table).
		Build()
}

// softDeleteRow marks one row of the given model as deleted. Missing or
// already deleted rows report not found.
func (ds *DataStore) softDeleteRow(model any, id uint, entity string) error {
	result := ds.DB.Delete(model, id)
	if result.Error != nil {
		return dbError(result.Error, "soft_delete", "", "entity", entity, "id", id)
	}
	if result.RowsAffected == 0 {
		return notFoundError(entity, fmt.Sprintf("%d", id))
	}
	return nil
}

// restoreRow clears the deletion marker for one row of the given model.
// Restoring a live row is a no-op.
func (ds *DataStore) restoreRow(model any, id uint, entity string) error {
	result := ds.DB.Unscoped().Model(model).Where("id = ?", id).Update("deleted_at", nil)
	if result.Error != nil {
		return dbError(result.Error, "restore", "", "entity", entity, "id", id)
	}
	if result.RowsAffected == 0 {
		return notFoundError(entity, fmt.Sprintf("%d", id))
	}
	return nil
}

// scopeDeleted selects between the registered active and all-rows
// accessors for a soft-deletable table.
func (ds *DataStore) scopeDeleted(table string, includeDeleted bool) *gorm.DB {
	entry, ok := softDeleteChecks[table]
	if !ok {
		return ds.DB
	}
	if includeDeleted {
		return entry.allRows(ds.DB)
	}
	return entry.active(ds.DB)
}
