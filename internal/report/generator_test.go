package report

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chestnet/chestnet-go/internal/conf"
	"github.com/chestnet/chestnet-go/internal/datastore"
	"github.com/chestnet/chestnet-go/internal/securefs"
)

// stubStore provides just the rows the generator reads and records the
// reports it writes.
type stubStore struct {
	datastore.Interface

	prediction datastore.Prediction
	image      datastore.XRayImage
	patient    datastore.Patient
	user       datastore.User

	saved []datastore.Report
}

func (s *stubStore) GetPrediction(id uint) (datastore.Prediction, error) {
	return s.prediction, nil
}

func (s *stubStore) GetXRayImageAnyState(id uint) (datastore.XRayImage, error) {
	return s.image, nil
}

func (s *stubStore) GetPatientAnyState(id uint) (datastore.Patient, error) {
	return s.patient, nil
}

func (s *stubStore) GetUser(id uint) (datastore.User, error) {
	return s.user, nil
}

func (s *stubStore) SaveReport(report *datastore.Report) error {
	s.saved = append(s.saved, *report)
	return nil
}

func writeTestXRay(t *testing.T, mediaDir, relPath string) {
	t.Helper()

	img := image.NewGray(image.Rect(0, 0, 128, 128))
	for y := 0; y < 128; y++ {
		for x := 0; x < 128; x++ {
			img.Pix[y*img.Stride+x] = uint8((x + y) % 256)
		}
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	fullPath := filepath.Join(mediaDir, relPath)
	require.NoError(t, os.MkdirAll(filepath.Dir(fullPath), 0o755))
	require.NoError(t, os.WriteFile(fullPath, buf.Bytes(), 0o644))
}

func newTestGenerator(t *testing.T) (*Generator, *stubStore, *securefs.SecureFS) {
	t.Helper()

	mediaDir := t.TempDir()
	media, err := securefs.New(mediaDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = media.Close() })

	writeTestXRay(t, mediaDir, "xrays/2026/03/img-17.png")

	created := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	store := &stubStore{
		prediction: datastore.Prediction{
			ID:             42,
			XRayImageID:    17,
			Label:          "COVID-19",
			Confidence:     0.91,
			AgreementRatio: 0.83,
			VotesFor:       5,
			VotesTotal:     6,
			BestModel:      "densenet121",
			BestConfidence: 0.96,
			RiskScore:      78.5,
			RiskLevel:      "critical",
			NeedsReview:    true,
			DurationMs:     2150,
			CreatedAt:      created,
			Results: []datastore.ModelResult{
				{ModelName: "densenet121", Architecture: "DenseNet", Label: "COVID-19", Confidence: 0.96},
				{ModelName: "resnet50", Architecture: "ResNet", Label: "COVID-19", Confidence: 0.88},
				{ModelName: "mobilenetv2", Architecture: "MobileNet", Label: "Lung Opacity", Confidence: 0.61},
			},
		},
		image: datastore.XRayImage{
			ID:        17,
			PatientID: 9,
			Path:      "xrays/2026/03/img-17.png",
		},
		patient: datastore.Patient{
			ID:          9,
			MRN:         "MRN-0009",
			FirstName:   "Maria",
			LastName:    "Santos",
			DateOfBirth: time.Date(1954, 6, 1, 0, 0, 0, 0, time.UTC),
			Sex:         "F",
			Comorbidities: []datastore.Comorbidity{
				{Code: "E11", Label: "Type 2 diabetes"},
			},
		},
		user: datastore.User{ID: 3, DisplayName: "Dr. Reyes"},
	}

	settings := &conf.Settings{}
	settings.Media.ReportDir = "reports"
	settings.Report.ClinicName = "San Lazaro Chest Clinic"
	settings.Report.ClinicAddress = "Quezon Blvd, Manila"

	gen, err := New(settings, store, media)
	require.NoError(t, err)

	return gen, store, media
}

func TestGenerateWritesReport(t *testing.T) {
	gen, store, media := newTestGenerator(t)

	report, err := gen.Generate(t.Context(), 42, 3)
	require.NoError(t, err)

	assert.Equal(t, uint(42), report.PredictionID)
	assert.Equal(t, "reports/2026/03/prediction-42.pdf", report.Path)
	assert.Equal(t, uint(3), report.GeneratedBy)
	assert.Positive(t, report.SizeBytes)

	data, err := media.ReadFile(filepath.Join(media.BaseDir(), report.Path))
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), report.SizeBytes)
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF")), "output must be a PDF document")

	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), report.Checksum)

	require.Len(t, store.saved, 1)

	// No staging file left behind
	assert.False(t, media.ExistsNoErr(filepath.Join(media.BaseDir(), report.Path+".tmp")))
}

func TestGenerateRegenerationReplacesFile(t *testing.T) {
	gen, store, media := newTestGenerator(t)

	first, err := gen.Generate(t.Context(), 42, 3)
	require.NoError(t, err)

	store.prediction.RiskLevel = "high"
	second, err := gen.Generate(t.Context(), 42, 4)
	require.NoError(t, err)

	assert.Equal(t, first.Path, second.Path)
	assert.Len(t, store.saved, 2)

	info, err := media.Stat(filepath.Join(media.BaseDir(), second.Path))
	require.NoError(t, err)
	assert.Equal(t, second.SizeBytes, info.Size())
}

func TestGenerateWithoutSourceImage(t *testing.T) {
	gen, store, media := newTestGenerator(t)
	store.image.Path = "xrays/missing.png"

	// Thumbnail failure degrades to a text-only report
	report, err := gen.Generate(t.Context(), 42, 3)
	require.NoError(t, err)

	data, err := media.ReadFile(filepath.Join(media.BaseDir(), report.Path))
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF")))
}

func TestReportPathPartitionsByMonth(t *testing.T) {
	gen, _, _ := newTestGenerator(t)

	p := &datastore.Prediction{
		ID:        7,
		CreatedAt: time.Date(2025, 11, 2, 8, 0, 0, 0, time.UTC),
	}
	assert.Equal(t, "reports/2025/11/prediction-7.pdf", gen.reportPath(p))
}

func TestAgeAt(t *testing.T) {
	birth := time.Date(1954, 6, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, 71, ageAt(birth, time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 72, ageAt(birth, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 0, ageAt(time.Time{}, time.Now()))
}
