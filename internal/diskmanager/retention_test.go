package diskmanager

import (
	"fmt"
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

// retentionStore backs the manager with an in-memory image table.
type retentionStore struct {
	datastore.Interface

	images      []datastore.XRayImage
	deleted     []uint
	predictions map[uint]datastore.Prediction       // keyed by image ID
	reviews     map[uint]datastore.PredictionReview // keyed by prediction ID
}

func (s *retentionStore) GetAllXRayImages(includeDeleted bool, limit, offset int) ([]datastore.XRayImage, error) {
	var live []datastore.XRayImage
	for i := range s.images {
		if s.isDeleted(s.images[i].ID) {
			continue
		}
		live = append(live, s.images[i])
	}
	if offset >= len(live) {
		return nil, nil
	}
	end := offset + limit
	if end > len(live) {
		end = len(live)
	}
	return live[offset:end], nil
}

func (s *retentionStore) DeleteXRayImage(id uint) error {
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *retentionStore) GetPredictionForImage(imageID uint) (datastore.Prediction, error) {
	if p, ok := s.predictions[imageID]; ok {
		return p, nil
	}
	return datastore.Prediction{}, fmt.Errorf("no prediction for image %d", imageID)
}

func (s *retentionStore) GetPredictionReview(predictionID uint) (datastore.PredictionReview, error) {
	if r, ok := s.reviews[predictionID]; ok {
		return r, nil
	}
	return datastore.PredictionReview{}, fmt.Errorf("no review for prediction %d", predictionID)
}

// confirmCOVID records a confirmed COVID-19 diagnosis for the image.
func (s *retentionStore) confirmCOVID(imageID, predictionID uint) {
	if s.predictions == nil {
		s.predictions = make(map[uint]datastore.Prediction)
		s.reviews = make(map[uint]datastore.PredictionReview)
	}
	s.predictions[imageID] = datastore.Prediction{ID: predictionID, XRayImageID: imageID, Label: "COVID-19"}
	s.reviews[predictionID] = datastore.PredictionReview{PredictionID: predictionID, Verdict: datastore.ReviewVerdictConfirmed}
}

func (s *retentionStore) isDeleted(id uint) bool {
	for _, d := range s.deleted {
		if d == id {
			return true
		}
	}
	return false
}

func retentionSettings(policy string) *conf.Settings {
	s := &conf.Settings{}
	s.Media.Retention.Policy = policy
	s.Media.Retention.MaxAge = "30d"
	s.Media.Retention.MaxUsage = "85%"
	s.Media.Retention.MinImages = 0
	return s
}

func newTestRetention(t *testing.T, settings *conf.Settings, store *retentionStore) (*Manager, *securefs.SecureFS) {
	t.Helper()
	media, err := securefs.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = media.Close() })

	m, err := NewManager(settings, store, media)
	require.NoError(t, err)
	return m, media
}

// addImage creates a media file and the matching image row.
func addImage(t *testing.T, media *securefs.SecureFS, store *retentionStore, id, patientID uint, status string, age time.Duration) string {
	t.Helper()
	rel := filepath.ToSlash(filepath.Join("xrays", fmt.Sprintf("img-%d.png", id)))
	abs := filepath.Join(media.BaseDir(), filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte("png-bytes"), 0o644))

	store.images = append(store.images, datastore.XRayImage{
		ID:        id,
		PatientID: patientID,
		Path:      rel,
		Status:    status,
		CreatedAt: time.Now().Add(-age),
	})
	return abs
}

func TestAgeCleanupDeletesOldImages(t *testing.T) {
	store := &retentionStore{}
	m, media := newTestRetention(t, retentionSettings(PolicyAge), store)

	oldFile := addImage(t, media, store, 1, 4, datastore.ImageStatusDiagnosed, 90*24*time.Hour)
	freshFile := addImage(t, media, store, 2, 4, datastore.ImageStatusDiagnosed, 2*24*time.Hour)

	result, err := m.RunOnce(t.Context())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Deleted)
	assert.Positive(t, result.BytesFreed)
	assert.Equal(t, []uint{1}, store.deleted)
	assert.NoFileExists(t, oldFile)
	assert.FileExists(t, freshFile)
}

func TestAgeCleanupSkipsNonTerminal(t *testing.T) {
	store := &retentionStore{}
	m, media := newTestRetention(t, retentionSettings(PolicyAge), store)

	pending := addImage(t, media, store, 1, 4, datastore.ImageStatusPending, 90*24*time.Hour)
	processing := addImage(t, media, store, 2, 4, datastore.ImageStatusProcessing, 90*24*time.Hour)

	result, err := m.RunOnce(t.Context())
	require.NoError(t, err)

	assert.Zero(t, result.Deleted)
	assert.Empty(t, store.deleted)
	assert.FileExists(t, pending)
	assert.FileExists(t, processing)
}

func TestAgeCleanupKeepsMinimumPerPatient(t *testing.T) {
	store := &retentionStore{}
	settings := retentionSettings(PolicyAge)
	settings.Media.Retention.MinImages = 2
	m, media := newTestRetention(t, settings, store)

	// Three stale images for one patient: only the oldest goes, the
	// remaining two sit on the minimum.
	oldest := addImage(t, media, store, 1, 4, datastore.ImageStatusDiagnosed, 120*24*time.Hour)
	mid := addImage(t, media, store, 2, 4, datastore.ImageStatusDiagnosed, 100*24*time.Hour)
	newest := addImage(t, media, store, 3, 4, datastore.ImageStatusDiagnosed, 80*24*time.Hour)

	result, err := m.RunOnce(t.Context())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Deleted)
	assert.Equal(t, []uint{1}, store.deleted)
	assert.NoFileExists(t, oldest)
	assert.FileExists(t, mid)
	assert.FileExists(t, newest)
}

func TestAgeCleanupNeverDeletesConfirmedCOVID(t *testing.T) {
	store := &retentionStore{}
	m, media := newTestRetention(t, retentionSettings(PolicyAge), store)

	confirmed := addImage(t, media, store, 1, 4, datastore.ImageStatusDiagnosed, 200*24*time.Hour)
	store.confirmCOVID(1, 10)
	stale := addImage(t, media, store, 2, 5, datastore.ImageStatusDiagnosed, 90*24*time.Hour)

	result, err := m.RunOnce(t.Context())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Deleted)
	assert.Equal(t, []uint{2}, store.deleted)
	assert.FileExists(t, confirmed)
	assert.NoFileExists(t, stale)
}

func TestAgeCleanupMissingFileStillReleasesRow(t *testing.T) {
	store := &retentionStore{}
	m, media := newTestRetention(t, retentionSettings(PolicyAge), store)

	abs := addImage(t, media, store, 1, 4, datastore.ImageStatusFailed, 90*24*time.Hour)
	require.NoError(t, os.Remove(abs))

	result, err := m.RunOnce(t.Context())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Deleted)
	assert.Equal(t, []uint{1}, store.deleted)
}

func TestAgeCleanupBadMaxAge(t *testing.T) {
	store := &retentionStore{}
	settings := retentionSettings(PolicyAge)
	settings.Media.Retention.MaxAge = "soon"
	m, _ := newTestRetention(t, settings, store)

	_, err := m.RunOnce(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retention period")
}

func TestUsageCleanupBelowThresholdIsNoop(t *testing.T) {
	store := &retentionStore{}
	m, media := newTestRetention(t, retentionSettings(PolicyUsage), store)
	m.diskUsage = func(string) (float64, error) { return 42.0, nil }

	kept := addImage(t, media, store, 1, 4, datastore.ImageStatusDiagnosed, 90*24*time.Hour)

	result, err := m.RunOnce(t.Context())
	require.NoError(t, err)

	assert.Zero(t, result.Deleted)
	assert.FileExists(t, kept)
}

func TestUsageCleanupDeletesOldestFirst(t *testing.T) {
	store := &retentionStore{}
	m, media := newTestRetention(t, retentionSettings(PolicyUsage), store)
	m.diskUsage = func(string) (float64, error) { return 95.0, nil }

	addImage(t, media, store, 1, 4, datastore.ImageStatusDiagnosed, 90*24*time.Hour)
	addImage(t, media, store, 2, 5, datastore.ImageStatusDiagnosed, 60*24*time.Hour)
	addImage(t, media, store, 3, 6, datastore.ImageStatusDiagnosed, 30*24*time.Hour)

	result, err := m.RunOnce(t.Context())
	require.NoError(t, err)

	// Usage never drops in this stub, so every eligible file goes,
	// oldest first.
	assert.Equal(t, 3, result.Deleted)
	assert.Equal(t, []uint{1, 2, 3}, store.deleted)
}

func TestUsageCleanupDeletesConfirmedCOVIDLast(t *testing.T) {
	store := &retentionStore{}
	m, media := newTestRetention(t, retentionSettings(PolicyUsage), store)
	m.diskUsage = func(string) (float64, error) { return 95.0, nil }

	// The confirmed case is the oldest image yet still goes last.
	addImage(t, media, store, 1, 4, datastore.ImageStatusDiagnosed, 120*24*time.Hour)
	store.confirmCOVID(1, 10)
	addImage(t, media, store, 2, 5, datastore.ImageStatusDiagnosed, 60*24*time.Hour)
	addImage(t, media, store, 3, 6, datastore.ImageStatusDiagnosed, 30*24*time.Hour)

	result, err := m.RunOnce(t.Context())
	require.NoError(t, err)

	assert.Equal(t, 3, result.Deleted)
	assert.Equal(t, []uint{2, 3, 1}, store.deleted)
}

func TestRunOncePolicyNone(t *testing.T) {
	store := &retentionStore{}
	m, media := newTestRetention(t, retentionSettings(PolicyNone), store)

	kept := addImage(t, media, store, 1, 4, datastore.ImageStatusDiagnosed, 365*24*time.Hour)

	result, err := m.RunOnce(t.Context())
	require.NoError(t, err)
	assert.Zero(t, result.Deleted)
	assert.FileExists(t, kept)
}

func TestRunOnceUnknownPolicy(t *testing.T) {
	store := &retentionStore{}
	m, _ := newTestRetention(t, retentionSettings("lru"), store)

	_, err := m.RunOnce(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown retention policy")
}

func TestNewManagerRequiresDependencies(t *testing.T) {
	_, err := NewManager(nil, nil, nil)
	require.Error(t, err)
}
