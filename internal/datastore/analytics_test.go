package datastore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chestnet/chestnet-go/internal/conf"
)

// seedConsensus saves a prediction with explicit per-model votes.
func seedConsensus(t *testing.T, ds Interface, patientID uint, hash, label string, needsReview bool, votes []ModelResult) Prediction {
	t.Helper()
	img := createTestImage(t, ds, patientID, hash)

	agreed := 0
	for _, vote := range votes {
		if vote.Label == label {
			agreed++
		}
	}
	prediction := Prediction{
		XRayImageID:    img.ID,
		Label:          label,
		Confidence:     0.9,
		AgreementRatio: float64(agreed) / float64(len(votes)),
		VotesFor:       agreed,
		VotesTotal:     len(votes),
		RiskScore:      0.4,
		RiskLevel:      "medium",
		NeedsReview:    needsReview,
	}
	require.NoError(t, ds.SavePrediction(&prediction, votes))
	return prediction
}

func TestGetLabelSummaryData(t *testing.T) {
	ds := createDatabase(t, &conf.Settings{})
	ctx := context.Background()

	patient := createTestPatient(t, ds, "MRN-AN-1")
	votes := []ModelResult{
		{ModelName: "densenet121_v2", Architecture: "densenet", Label: "COVID-19", Confidence: 0.95},
	}
	seedConsensus(t, ds, patient.ID, "an-1a", "COVID-19", true, votes)
	seedConsensus(t, ds, patient.ID, "an-1b", "COVID-19", false,
		[]ModelResult{{ModelName: "resnet50_v1", Architecture: "resnet", Label: "COVID-19", Confidence: 0.80}})
	seedConsensus(t, ds, patient.ID, "an-1c", "Normal", false,
		[]ModelResult{{ModelName: "resnet50_v1", Architecture: "resnet", Label: "Normal", Confidence: 0.99}})

	summaries, err := ds.GetLabelSummaryData(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	// Highest volume first.
	covid := summaries[0]
	assert.Equal(t, "COVID-19", covid.Label)
	assert.Equal(t, 2, covid.Count)
	assert.Equal(t, 1, covid.NeedsReview)
	assert.InDelta(t, 0.9, covid.AvgConfidence, 0.001)
	assert.WithinDuration(t, time.Now(), covid.FirstSeen, time.Minute)
	assert.False(t, covid.LastSeen.Before(covid.FirstSeen))

	normal := summaries[1]
	assert.Equal(t, "Normal", normal.Label)
	assert.Equal(t, 1, normal.Count)
	assert.Zero(t, normal.NeedsReview)
}

func TestGetModelAgreement(t *testing.T) {
	ds := createDatabase(t, &conf.Settings{})
	ctx := context.Background()

	patient := createTestPatient(t, ds, "MRN-AN-2")

	// First consensus COVID-19: two models agree, one dissents.
	seedConsensus(t, ds, patient.ID, "an-2a", "COVID-19", false, []ModelResult{
		{ModelName: "densenet121_v2", Architecture: "densenet", Label: "COVID-19", Confidence: 0.95},
		{ModelName: "resnet50_v1", Architecture: "resnet", Label: "COVID-19", Confidence: 0.90},
		{ModelName: "vgg16_v1", Architecture: "vgg", Label: "Normal", Confidence: 0.55},
	})

	// Second consensus Normal: the previous dissenter agrees this time.
	seedConsensus(t, ds, patient.ID, "an-2b", "Normal", false, []ModelResult{
		{ModelName: "densenet121_v2", Architecture: "densenet", Label: "Normal", Confidence: 0.85},
		{ModelName: "resnet50_v1", Architecture: "resnet", Label: "Lung Opacity", Confidence: 0.60},
		{ModelName: "vgg16_v1", Architecture: "vgg", Label: "Normal", Confidence: 0.75},
	})

	agreement, err := ds.GetModelAgreement(ctx)
	require.NoError(t, err)
	require.Len(t, agreement, 3)

	byModel := make(map[string]ModelAgreementData, len(agreement))
	for _, entry := range agreement {
		byModel[entry.ModelName] = entry
	}

	dense := byModel["densenet121_v2"]
	assert.Equal(t, 2, dense.Votes)
	assert.Equal(t, 2, dense.Agreed)
	assert.InDelta(t, 0.90, dense.AvgConfidence, 0.001)

	resnet := byModel["resnet50_v1"]
	assert.Equal(t, 2, resnet.Votes)
	assert.Equal(t, 1, resnet.Agreed)

	vgg := byModel["vgg16_v1"]
	assert.Equal(t, 2, vgg.Votes)
	assert.Equal(t, 1, vgg.Agreed)
}

func TestGetRiskLevelDistribution(t *testing.T) {
	ds := createDatabase(t, &conf.Settings{})
	ctx := context.Background()

	patient := createTestPatient(t, ds, "MRN-AN-3")
	vote := func(label string) []ModelResult {
		return []ModelResult{{ModelName: "densenet121_v2", Architecture: "densenet", Label: label, Confidence: 0.9}}
	}

	first := seedConsensus(t, ds, patient.ID, "an-3a", "COVID-19", false, vote("COVID-19"))
	second := seedConsensus(t, ds, patient.ID, "an-3b", "COVID-19", false, vote("COVID-19"))
	third := seedConsensus(t, ds, patient.ID, "an-3c", "Normal", false, vote("Normal"))

	store, ok := ds.(*SQLiteStore)
	require.True(t, ok)
	require.NoError(t, store.DB.Model(&Prediction{}).Where("id IN ?", []uint{first.ID, second.ID}).
		Update("risk_level", "high").Error)
	require.NoError(t, store.DB.Model(&Prediction{}).Where("id = ?", third.ID).
		Update("risk_level", "low").Error)

	distribution, err := ds.GetRiskLevelDistribution(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, distribution["high"])
	assert.EqualValues(t, 1, distribution["low"])
	assert.NotContains(t, distribution, "medium")
}

func TestDailyAndHourlyActivity(t *testing.T) {
	ds := createDatabase(t, &conf.Settings{})
	ctx := context.Background()

	patient := createTestPatient(t, ds, "MRN-AN-4")
	vote := func(label string) []ModelResult {
		return []ModelResult{{ModelName: "densenet121_v2", Architecture: "densenet", Label: label, Confidence: 0.9}}
	}
	seedConsensus(t, ds, patient.ID, "an-4a", "COVID-19", false, vote("COVID-19"))
	seedConsensus(t, ds, patient.ID, "an-4b", "Normal", false, vote("Normal"))

	_, err := ds.GetDailyPredictionCounts(ctx, "21-08-2026", "")
	require.Error(t, err, "Malformed dates are rejected")

	daily, err := ds.GetDailyPredictionCounts(ctx, "", "")
	require.NoError(t, err)
	require.Len(t, daily, 2, "One row per label on the seeded day")
	assert.Equal(t, daily[0].Date, daily[1].Date)

	total := 0
	for _, entry := range daily {
		total += entry.Count
	}
	assert.Equal(t, 2, total)

	// Bounding the range to the seeded day keeps the rows, a disjoint
	// range removes them.
	day := daily[0].Date
	bounded, err := ds.GetDailyPredictionCounts(ctx, day, day)
	require.NoError(t, err)
	assert.Len(t, bounded, 2)

	empty, err := ds.GetDailyPredictionCounts(ctx, "2000-01-01", "2000-01-02")
	require.NoError(t, err)
	assert.Empty(t, empty)

	// Hourly activity on the seeded day sums to the prediction count.
	hourly, err := ds.GetHourlyTriageActivity(ctx, day)
	require.NoError(t, err)
	require.NotEmpty(t, hourly)
	sum := 0
	for _, entry := range hourly {
		assert.GreaterOrEqual(t, entry.Hour, 0)
		assert.Less(t, entry.Hour, 24)
		sum += entry.Count
	}
	assert.Equal(t, 2, sum)

	_, err = ds.GetHourlyTriageActivity(ctx, "")
	require.Error(t, err, "The hourly query needs a date")
}

func TestGetPredictionTrends(t *testing.T) {
	ds := createDatabase(t, &conf.Settings{})
	ctx := context.Background()

	patient := createTestPatient(t, ds, "MRN-AN-5")
	vote := []ModelResult{{ModelName: "densenet121_v2", Architecture: "densenet", Label: "COVID-19", Confidence: 0.9}}
	seedConsensus(t, ds, patient.ID, "an-5a", "COVID-19", false, vote)
	seedConsensus(t, ds, patient.ID, "an-5b", "COVID-19", false, vote)

	for _, period := range []string{"week", "month", "quarter", ""} {
		trends, err := ds.GetPredictionTrends(ctx, period, 0)
		require.NoError(t, err, "period %q", period)
		require.NotEmpty(t, trends)

		total := 0
		for _, point := range trends {
			total += point.Count
		}
		assert.Equal(t, 2, total, "period %q", period)
	}

	limited, err := ds.GetPredictionTrends(ctx, "week", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	_, err = ds.GetPredictionTrends(ctx, "fortnight", 0)
	require.Error(t, err)
}

func TestGetDashboardSummary(t *testing.T) {
	ds := createDatabase(t, &conf.Settings{})
	ctx := context.Background()

	patient := createTestPatient(t, ds, "MRN-AN-6")
	ghost := createTestPatient(t, ds, "MRN-AN-7")
	require.NoError(t, ds.DeletePatient(ghost.ID))

	// One image per state: pending, processing, failed, diagnosed.
	createTestImage(t, ds, patient.ID, "an-6-pending")
	inFlight := createTestImage(t, ds, patient.ID, "an-6-processing")
	require.NoError(t, ds.SetXRayImageProcessing(inFlight.ID))
	broken := createTestImage(t, ds, patient.ID, "an-6-failed")
	require.NoError(t, ds.FinalizeXRayImageStatus(broken.ID, ImageStatusFailed))

	vote := []ModelResult{{ModelName: "densenet121_v2", Architecture: "densenet", Label: "COVID-19", Confidence: 0.9}}
	seedConsensus(t, ds, patient.ID, "an-6-diagnosed", "COVID-19", true, vote)

	appt := Appointment{
		PatientID:   patient.ID,
		ClinicianID: 1,
		ScheduledAt: time.Now(),
		EndsAt:      time.Now().Add(30 * time.Minute),
	}
	require.NoError(t, ds.CreateAppointment(&appt))

	createTestBatchJob(t, ds, "b0000000-0000-0000-0000-00000000an06", 2)

	summary, err := ds.GetDashboardSummary(ctx)
	require.NoError(t, err)

	assert.EqualValues(t, 1, summary.ActivePatients, "Soft-deleted patients are not active")
	assert.EqualValues(t, 4, summary.TotalImages)
	assert.EqualValues(t, 1, summary.PendingImages)
	assert.EqualValues(t, 1, summary.ProcessingImages)
	assert.EqualValues(t, 1, summary.DiagnosedImages)
	assert.EqualValues(t, 1, summary.FailedImages)
	assert.EqualValues(t, 1, summary.PredictionsToday)
	assert.EqualValues(t, 1, summary.TodayByLabel["COVID-19"])
	assert.EqualValues(t, 1, summary.NeedingReview)
	assert.EqualValues(t, 1, summary.AppointmentsToday)
	assert.EqualValues(t, 1, summary.ActiveBatchJobs)
}
