package datastore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chestnet/chestnet-go/internal/conf"
	"github.com/chestnet/chestnet-go/internal/errors"
)

func TestCreateXRayImageDuplicateHash(t *testing.T) {
	ds := createDatabase(t, &conf.Settings{})

	patient := createTestPatient(t, ds, "MRN-IMG-1")
	createTestImage(t, ds, patient.ID, "deadbeef")

	dup := XRayImage{
		PatientID:   patient.ID,
		Path:        "xrays/other-name.png",
		ContentHash: "deadbeef",
	}
	err := ds.CreateXRayImage(&dup, false)
	require.Error(t, err, "Same content for the same patient is a duplicate")

	var enhanced *errors.EnhancedError
	require.True(t, errors.As(err, &enhanced))
	assert.Equal(t, string(errors.CategoryConflict), enhanced.GetCategory())

	// force bypasses the duplicate check for intentional re-uploads.
	require.NoError(t, ds.CreateXRayImage(&dup, true))

	// The same content for a different patient is not a duplicate.
	other := createTestPatient(t, ds, "MRN-IMG-2")
	across := XRayImage{PatientID: other.ID, Path: "xrays/across.png", ContentHash: "deadbeef"}
	assert.NoError(t, ds.CreateXRayImage(&across, false))
}

func TestGetXRayImageByHash(t *testing.T) {
	ds := createDatabase(t, &conf.Settings{})

	patient := createTestPatient(t, ds, "MRN-IMG-3")
	img := createTestImage(t, ds, patient.ID, "cafe01")

	found, err := ds.GetXRayImageByHash(patient.ID, "cafe01")
	require.NoError(t, err)
	assert.Equal(t, img.ID, found.ID)

	_, err = ds.GetXRayImageByHash(patient.ID, "unknown")
	assert.Error(t, err)
}

func TestImageStatusTransitions(t *testing.T) {
	ds := createDatabase(t, &conf.Settings{})

	patient := createTestPatient(t, ds, "MRN-IMG-4")
	img := createTestImage(t, ds, patient.ID, "beef01")
	assert.Equal(t, ImageStatusPending, img.Status)

	// pending -> processing claims the image.
	require.NoError(t, ds.SetXRayImageProcessing(img.ID))

	// A second claim must fail, the image is no longer pending.
	err := ds.SetXRayImageProcessing(img.ID)
	require.Error(t, err, "Two workers cannot claim the same image")

	// processing -> diagnosed finalizes it.
	require.NoError(t, ds.FinalizeXRayImageStatus(img.ID, ImageStatusDiagnosed))

	// Terminal means terminal.
	require.Error(t, ds.FinalizeXRayImageStatus(img.ID, ImageStatusFailed))
	require.Error(t, ds.SetXRayImageProcessing(img.ID))

	final, err := ds.GetXRayImage(img.ID)
	require.NoError(t, err)
	assert.Equal(t, ImageStatusDiagnosed, final.Status)
}

func TestFinalizeXRayImageStatusValidation(t *testing.T) {
	ds := createDatabase(t, &conf.Settings{})

	patient := createTestPatient(t, ds, "MRN-IMG-5")
	img := createTestImage(t, ds, patient.ID, "beef02")

	require.Error(t, ds.FinalizeXRayImageStatus(img.ID, ImageStatusProcessing),
		"Only terminal statuses are accepted")
	require.Error(t, ds.FinalizeXRayImageStatus(99999, ImageStatusFailed),
		"Missing image is reported")

	// pending -> failed is legal, decode errors happen before processing.
	assert.NoError(t, ds.FinalizeXRayImageStatus(img.ID, ImageStatusFailed))
}

func TestUpdateXRayImageMetadataOnly(t *testing.T) {
	ds := createDatabase(t, &conf.Settings{})

	patient := createTestPatient(t, ds, "MRN-IMG-6")
	img := createTestImage(t, ds, patient.ID, "beef03")
	require.NoError(t, ds.SetXRayImageProcessing(img.ID))

	img.ViewPosition = "AP"
	img.Width = 2048
	img.Height = 2048
	img.Status = ImageStatusPending // must be ignored
	require.NoError(t, ds.UpdateXRayImage(&img))

	updated, err := ds.GetXRayImage(img.ID)
	require.NoError(t, err)
	assert.Equal(t, "AP", updated.ViewPosition)
	assert.Equal(t, 2048, updated.Width)
	assert.Equal(t, ImageStatusProcessing, updated.Status,
		"Metadata updates must not touch processing state")

	require.Error(t, ds.UpdateXRayImage(&XRayImage{ID: 99999, Width: 1}))
	require.Error(t, ds.UpdateXRayImage(nil))
}

func TestImageListingAndCounts(t *testing.T) {
	ds := createDatabase(t, &conf.Settings{})

	patient := createTestPatient(t, ds, "MRN-IMG-7")
	first := createTestImage(t, ds, patient.ID, "list01")
	second := createTestImage(t, ds, patient.ID, "list02")
	require.NoError(t, ds.SetXRayImageProcessing(second.ID))

	images, err := ds.GetXRayImagesForPatient(patient.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, images, 2)

	pending, err := ds.CountXRayImagesByStatus(ImageStatusPending)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending)

	processing, err := ds.CountXRayImagesByStatus(ImageStatusProcessing)
	require.NoError(t, err)
	assert.EqualValues(t, 1, processing)

	// Batch attachment drives the batch listing.
	job := BatchUploadJob{UUID: "11111111-2222-3333-4444-555555555555", Total: 1}
	require.NoError(t, ds.CreateBatchJob(&job))

	third := XRayImage{
		PatientID:   patient.ID,
		BatchJobID:  &job.ID,
		Path:        "xrays/batch01.png",
		ContentHash: "batch01",
		Source:      ImageSourceBatch,
	}
	require.NoError(t, ds.CreateXRayImage(&third, false))

	batchImages, err := ds.GetXRayImagesForBatch(job.ID)
	require.NoError(t, err)
	require.Len(t, batchImages, 1)
	assert.Equal(t, third.ID, batchImages[0].ID)
	assert.NotContains(t, []uint{first.ID, second.ID}, batchImages[0].ID)
}
