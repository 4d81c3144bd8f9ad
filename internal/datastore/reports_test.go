package datastore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chestnet/chestnet-go/internal/conf"
)

func TestSaveReportUpsert(t *testing.T) {
	ds := createDatabase(t, &conf.Settings{})

	patient := createTestPatient(t, ds, "MRN-RP-1")
	img := createTestImage(t, ds, patient.ID, "hash-rp-1")
	prediction, results := buildTestPrediction(img.ID)
	require.NoError(t, ds.SavePrediction(&prediction, results))

	report := Report{
		PredictionID: prediction.ID,
		Path:         "reports/2026/03/report-1.pdf",
		SizeBytes:    48123,
		Checksum:     "c0ffee",
		GeneratedBy:  2,
	}
	require.NoError(t, ds.SaveReport(&report))

	stored, err := ds.GetReportForPrediction(prediction.ID)
	require.NoError(t, err)
	assert.Equal(t, "c0ffee", stored.Checksum)

	// Regeneration replaces the row instead of stacking a second one.
	regenerated := Report{
		PredictionID: prediction.ID,
		Path:         "reports/2026/03/report-1.pdf",
		SizeBytes:    51007,
		Checksum:     "beefed",
		GeneratedBy:  3,
	}
	require.NoError(t, ds.SaveReport(&regenerated))

	stored, err = ds.GetReportForPrediction(prediction.ID)
	require.NoError(t, err)
	assert.Equal(t, "beefed", stored.Checksum)
	assert.EqualValues(t, 51007, stored.SizeBytes)

	reports, err := ds.ListReports(10, 0)
	require.NoError(t, err)
	assert.Len(t, reports, 1, "One report per prediction")

	byID, err := ds.GetReport(stored.ID)
	require.NoError(t, err)
	assert.Equal(t, stored.Path, byID.Path)

	_, err = ds.GetReportForPrediction(99999)
	assert.Error(t, err)
}
