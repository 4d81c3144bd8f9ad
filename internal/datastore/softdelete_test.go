package datastore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/chestnet/chestnet-go/internal/conf"
)

func TestPatientSoftDeleteScoping(t *testing.T) {
	ds := createDatabase(t, &conf.Settings{})

	kept := createTestPatient(t, ds, "MRN-SD-1")
	removed := createTestPatient(t, ds, "MRN-SD-2")

	require.NoError(t, ds.DeletePatient(removed.ID))

	// Active accessors must not see the deleted row.
	_, err := ds.GetPatient(removed.ID)
	require.Error(t, err, "Deleted patient must be invisible to the active accessor")

	_, err = ds.GetPatientByMRN("MRN-SD-2")
	require.Error(t, err)

	active, err := ds.GetAllPatients(false, 10, 0)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, kept.ID, active[0].ID)

	// The all-rows accessor sees both.
	everything, err := ds.GetAllPatients(true, 10, 0)
	require.NoError(t, err)
	assert.Len(t, everything, 2)

	anyState, err := ds.GetPatientAnyState(removed.ID)
	require.NoError(t, err)
	assert.True(t, anyState.DeletedAt.Valid, "Deleted row must carry its deletion marker")

	// Searching only covers live rows.
	results, err := ds.SearchPatients("MRN-SD", 10, 0)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestPatientRestore(t *testing.T) {
	ds := createDatabase(t, &conf.Settings{})

	patient := createTestPatient(t, ds, "MRN-SD-3")
	require.NoError(t, ds.DeletePatient(patient.ID))
	require.NoError(t, ds.RestorePatient(patient.ID))

	restored, err := ds.GetPatient(patient.ID)
	require.NoError(t, err)
	assert.False(t, restored.DeletedAt.Valid)

	// Restoring a live row is a no-op, restoring a missing one is not.
	assert.NoError(t, ds.RestorePatient(patient.ID))
	assert.Error(t, ds.RestorePatient(99999))
	assert.Error(t, ds.DeletePatient(99999))
}

func TestXRayImageSoftDeleteScoping(t *testing.T) {
	ds := createDatabase(t, &conf.Settings{})

	patient := createTestPatient(t, ds, "MRN-SD-4")
	img := createTestImage(t, ds, patient.ID, "a1b2c3")

	require.NoError(t, ds.DeleteXRayImage(img.ID))

	_, err := ds.GetXRayImage(img.ID)
	require.Error(t, err)

	active, err := ds.GetAllXRayImages(false, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, active)

	everything, err := ds.GetAllXRayImages(true, 10, 0)
	require.NoError(t, err)
	assert.Len(t, everything, 1)

	anyState, err := ds.GetXRayImageAnyState(img.ID)
	require.NoError(t, err)
	assert.True(t, anyState.DeletedAt.Valid)

	require.NoError(t, ds.RestoreXRayImage(img.ID))
	_, err = ds.GetXRayImage(img.ID)
	assert.NoError(t, err)
}

func TestAppointmentSoftDeleteScoping(t *testing.T) {
	ds := createDatabase(t, &conf.Settings{})

	patient := createTestPatient(t, ds, "MRN-SD-5")
	start := time.Now().Add(24 * time.Hour).Truncate(time.Minute)
	appt := Appointment{
		PatientID:   patient.ID,
		ClinicianID: 1,
		ScheduledAt: start,
		EndsAt:      start.Add(30 * time.Minute),
		Reason:      "Follow-up",
	}
	require.NoError(t, ds.CreateAppointment(&appt))

	require.NoError(t, ds.DeleteAppointment(appt.ID))

	_, err := ds.GetAppointment(appt.ID)
	require.Error(t, err)

	active, err := ds.GetAllAppointments(false, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, active)

	everything, err := ds.GetAllAppointments(true, 10, 0)
	require.NoError(t, err)
	assert.Len(t, everything, 1)

	anyState, err := ds.GetAppointmentAnyState(appt.ID)
	require.NoError(t, err)
	assert.True(t, anyState.DeletedAt.Valid)
}

func TestValidateSoftDeleteChecks(t *testing.T) {
	require.NoError(t, validateSoftDeleteChecks(), "Registered models must all pass")

	// A model without a DeletedAt column must be rejected.
	softDeleteChecks["users"] = softDeleteEntry{
		model:   &User{},
		active:  func(db *gorm.DB) *gorm.DB { return db.Model(&User{}) },
		allRows: func(db *gorm.DB) *gorm.DB { return db.Unscoped().Model(&User{}) },
	}
	defer delete(softDeleteChecks, "users")

	err := validateSoftDeleteChecks()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no gorm.DeletedAt field")
}

func TestValidateSoftDeleteChecksMissingAccessor(t *testing.T) {
	softDeleteChecks["broken"] = softDeleteEntry{
		model:  &Patient{},
		active: func(db *gorm.DB) *gorm.DB { return db.Model(&Patient{}) },
	}
	defer delete(softDeleteChecks, "broken")

	err := validateSoftDeleteChecks()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all-rows accessor is missing")
}
