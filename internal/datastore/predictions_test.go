package datastore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chestnet/chestnet-go/internal/conf"
)

// buildTestPrediction assembles a three-model consensus for an image.
func buildTestPrediction(imageID uint) (Prediction, []ModelResult) {
	prediction := Prediction{
		XRayImageID:    imageID,
		Label:          "COVID-19",
		Confidence:     0.91,
		AgreementRatio: 1.0,
		VotesFor:       3,
		VotesTotal:     3,
		BestModel:      "densenet121_v2",
		BestConfidence: 0.97,
		RiskScore:      0.72,
		RiskLevel:      "high",
		ModelSetHash:   "3f7a1c",
		DurationMs:     412,
	}
	results := []ModelResult{
		{ModelName: "densenet121_v2", Architecture: "densenet", Label: "COVID-19", Confidence: 0.97, DurationMs: 150, InputSize: 224},
		{ModelName: "resnet50_v1", Architecture: "resnet", Label: "COVID-19", Confidence: 0.90, DurationMs: 130, InputSize: 224},
		{ModelName: "vgg16_v1", Architecture: "vgg", Label: "COVID-19", Confidence: 0.86, DurationMs: 132, InputSize: 224},
	}
	return prediction, results
}

func TestSavePredictionTransactional(t *testing.T) {
	ds := createDatabase(t, &conf.Settings{})

	patient := createTestPatient(t, ds, "MRN-PR-1")
	img := createTestImage(t, ds, patient.ID, "hash-pr-1")
	require.NoError(t, ds.SetXRayImageProcessing(img.ID))

	prediction, results := buildTestPrediction(img.ID)
	require.NoError(t, ds.SavePrediction(&prediction, results))
	require.NotZero(t, prediction.ID)

	// The votes landed with the prediction.
	stored, err := ds.GetPredictionForImage(img.ID)
	require.NoError(t, err)
	assert.Equal(t, "COVID-19", stored.Label)
	assert.Len(t, stored.Results, 3)
	for _, result := range stored.Results {
		assert.Equal(t, prediction.ID, result.PredictionID)
	}

	// The image moved to its terminal state in the same transaction.
	diagnosed, err := ds.GetXRayImage(img.ID)
	require.NoError(t, err)
	assert.Equal(t, ImageStatusDiagnosed, diagnosed.Status)
}

func TestSavePredictionSecondSaveRollsBack(t *testing.T) {
	ds := createDatabase(t, &conf.Settings{})

	patient := createTestPatient(t, ds, "MRN-PR-2")
	img := createTestImage(t, ds, patient.ID, "hash-pr-2")

	first, firstResults := buildTestPrediction(img.ID)
	require.NoError(t, ds.SavePrediction(&first, firstResults))

	second, secondResults := buildTestPrediction(img.ID)
	err := ds.SavePrediction(&second, secondResults)
	require.Error(t, err, "An image carries at most one prediction")

	// Nothing from the failed save may remain.
	store, ok := ds.(*SQLiteStore)
	require.True(t, ok)

	var predictionCount int64
	require.NoError(t, store.DB.Model(&Prediction{}).Where("x_ray_image_id = ?", img.ID).Count(&predictionCount).Error)
	assert.EqualValues(t, 1, predictionCount)

	var voteCount int64
	require.NoError(t, store.DB.Model(&ModelResult{}).Count(&voteCount).Error)
	assert.EqualValues(t, 3, voteCount)
}

func TestSavePredictionRollsBackOnFinalizedImage(t *testing.T) {
	ds := createDatabase(t, &conf.Settings{})

	patient := createTestPatient(t, ds, "MRN-PR-3")
	img := createTestImage(t, ds, patient.ID, "hash-pr-3")
	require.NoError(t, ds.FinalizeXRayImageStatus(img.ID, ImageStatusFailed))

	prediction, results := buildTestPrediction(img.ID)
	err := ds.SavePrediction(&prediction, results)
	require.Error(t, err, "A failed image cannot be diagnosed")

	store, ok := ds.(*SQLiteStore)
	require.True(t, ok)

	var predictionCount int64
	require.NoError(t, store.DB.Model(&Prediction{}).Count(&predictionCount).Error)
	assert.Zero(t, predictionCount, "Rollback must discard the prediction row")

	var voteCount int64
	require.NoError(t, store.DB.Model(&ModelResult{}).Count(&voteCount).Error)
	assert.Zero(t, voteCount, "Rollback must discard the vote rows")

	failed, err := ds.GetXRayImage(img.ID)
	require.NoError(t, err)
	assert.Equal(t, ImageStatusFailed, failed.Status)
}

func TestSavePredictionValidation(t *testing.T) {
	ds := createDatabase(t, &conf.Settings{})

	require.Error(t, ds.SavePrediction(nil, nil))

	prediction, results := buildTestPrediction(0)
	require.Error(t, ds.SavePrediction(&prediction, results))

	prediction.XRayImageID = 1
	require.Error(t, ds.SavePrediction(&prediction, nil), "At least one vote is required")
}

func TestReviewWorkflow(t *testing.T) {
	ds := createDatabase(t, &conf.Settings{})

	patient := createTestPatient(t, ds, "MRN-PR-4")
	img := createTestImage(t, ds, patient.ID, "hash-pr-4")

	prediction, results := buildTestPrediction(img.ID)
	prediction.AgreementRatio = 0.5
	prediction.NeedsReview = true
	require.NoError(t, ds.SavePrediction(&prediction, results))

	queue, err := ds.GetPredictionsNeedingReview(10, 0)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, prediction.ID, queue[0].ID)

	review := PredictionReview{
		PredictionID:   prediction.ID,
		Verdict:        ReviewVerdictOverridden,
		CorrectedLabel: "Viral Pneumonia",
		ReviewedBy:     3,
		Notes:          "Opacity pattern is more consistent with viral pneumonia.",
	}
	require.NoError(t, ds.SavePredictionReview(&review))

	// The review clears the flag and drains the queue.
	queue, err = ds.GetPredictionsNeedingReview(10, 0)
	require.NoError(t, err)
	assert.Empty(t, queue)

	stored, err := ds.GetPredictionReview(prediction.ID)
	require.NoError(t, err)
	assert.Equal(t, "Viral Pneumonia", stored.CorrectedLabel)

	// One review per prediction.
	dup := PredictionReview{PredictionID: prediction.ID, Verdict: ReviewVerdictConfirmed, ReviewedBy: 4}
	require.Error(t, ds.SavePredictionReview(&dup))

	loaded, err := ds.GetPrediction(prediction.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.Review)
	assert.Equal(t, ReviewVerdictOverridden, loaded.Review.Verdict)
}

func TestSavePredictionReviewValidation(t *testing.T) {
	ds := createDatabase(t, &conf.Settings{})

	require.Error(t, ds.SavePredictionReview(nil))
	require.Error(t, ds.SavePredictionReview(&PredictionReview{Verdict: ReviewVerdictConfirmed}))
	require.Error(t, ds.SavePredictionReview(&PredictionReview{PredictionID: 1, Verdict: "maybe"}))

	// Overriding without a corrected label is meaningless.
	err := ds.SavePredictionReview(&PredictionReview{PredictionID: 1, Verdict: ReviewVerdictOverridden})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrected label")
}

func TestGetRecentPredictionsOrder(t *testing.T) {
	ds := createDatabase(t, &conf.Settings{})

	patient := createTestPatient(t, ds, "MRN-PR-5")
	var lastImageID uint
	for i := 0; i < 3; i++ {
		img := createTestImage(t, ds, patient.ID, "hash-pr-5-"+string(rune('a'+i)))
		prediction, results := buildTestPrediction(img.ID)
		require.NoError(t, ds.SavePrediction(&prediction, results))
		lastImageID = img.ID
	}

	recent, err := ds.GetRecentPredictions(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, lastImageID, recent[0].XRayImageID, "Newest prediction comes first")
	assert.NotEmpty(t, recent[0].Results)
}
