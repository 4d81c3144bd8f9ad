package ingest

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chestnet/chestnet-go/internal/conf"
	"github.com/chestnet/chestnet-go/internal/datastore"
	"github.com/chestnet/chestnet-go/internal/securefs"
)

// ingestStore implements the slice of the datastore Ingest touches.
type ingestStore struct {
	datastore.Interface

	patientMissing bool
	existingHash   string
	created        []*datastore.XRayImage
	createErr      error
}

func (s *ingestStore) GetPatient(id uint) (datastore.Patient, error) {
	if s.patientMissing {
		return datastore.Patient{}, fmt.Errorf("patient %d not found", id)
	}
	return datastore.Patient{ID: id, MRN: "MRN-1"}, nil
}

func (s *ingestStore) GetXRayImageByHash(patientID uint, hash string) (datastore.XRayImage, error) {
	if s.existingHash == hash {
		return datastore.XRayImage{ID: 7, PatientID: patientID, ContentHash: hash}, nil
	}
	return datastore.XRayImage{}, fmt.Errorf("no image with hash %s", hash)
}

func (s *ingestStore) CreateXRayImage(img *datastore.XRayImage, force bool) error {
	if s.createErr != nil {
		return s.createErr
	}
	img.ID = uint(len(s.created) + 1)
	s.created = append(s.created, img)
	return nil
}

func testSettings() *conf.Settings {
	s := &conf.Settings{}
	s.Batch.MaxFileSizeMB = 4
	s.Batch.AllowedTypes = []string{".png", ".jpg", ".jpeg"}
	s.Media.XRayDir = "xrays"
	return s
}

func encodePNG(t *testing.T, width, height int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, width, height))))
	return buf.Bytes()
}

func newTestStore(t *testing.T) (*Store, *ingestStore, *securefs.SecureFS) {
	t.Helper()
	media, err := securefs.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = media.Close() })

	ds := &ingestStore{}
	store, err := New(testSettings(), ds, media)
	require.NoError(t, err)
	return store, ds, media
}

func TestIngestStoresImageAndRow(t *testing.T) {
	store, ds, media := newTestStore(t)
	data := encodePNG(t, 320, 240)

	img, err := store.Ingest(data, &Options{
		PatientID:    3,
		OriginalName: "chest_pa.png",
		UploadedBy:   9,
	})
	require.NoError(t, err)

	assert.Equal(t, uint(3), img.PatientID)
	assert.Equal(t, "chest_pa.png", img.OriginalName)
	assert.Equal(t, 320, img.Width)
	assert.Equal(t, 240, img.Height)
	assert.Equal(t, datastore.ImageSourceUpload, img.Source)
	assert.Equal(t, datastore.ImageStatusPending, img.Status)
	assert.NotEmpty(t, img.ContentHash)
	assert.Len(t, ds.created, 1)

	// The stored file sits under the media root at the recorded path.
	abs := filepath.Join(media.BaseDir(), filepath.FromSlash(img.Path))
	stored, err := os.ReadFile(abs)
	require.NoError(t, err)
	assert.Equal(t, data, stored)
}

func TestIngestRejectsDuplicateContent(t *testing.T) {
	store, ds, _ := newTestStore(t)
	data := encodePNG(t, 128, 128)

	first, err := store.Ingest(data, &Options{PatientID: 1, OriginalName: "a.png"})
	require.NoError(t, err)
	ds.existingHash = first.ContentHash

	_, err = store.Ingest(data, &Options{PatientID: 1, OriginalName: "b.png"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already uploaded")

	// Force accepts the re-upload.
	_, err = store.Ingest(data, &Options{PatientID: 1, OriginalName: "b.png", Force: true})
	require.NoError(t, err)
}

func TestIngestRejectsBadInput(t *testing.T) {
	store, _, _ := newTestStore(t)

	cases := []struct {
		name    string
		data    []byte
		opts    *Options
		wantMsg string
	}{
		{"empty payload", nil, &Options{PatientID: 1, OriginalName: "a.png"}, "empty upload"},
		{"no patient", encodePNG(t, 64, 64), &Options{OriginalName: "a.png"}, "requires a patient"},
		{"bad extension", encodePNG(t, 64, 64), &Options{PatientID: 1, OriginalName: "a.tiff"}, "not accepted"},
		{"not an image", []byte("plain text, definitely not a radiograph"), &Options{PatientID: 1, OriginalName: "a.png"}, "unsupported content type"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := store.Ingest(tc.data, tc.opts)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantMsg)
		})
	}
}

func TestIngestRejectsOversizedFile(t *testing.T) {
	store, _, _ := newTestStore(t)
	// 4 MB cap, build a payload just over it with a valid PNG header so
	// the size check is the one that fires.
	data := encodePNG(t, 64, 64)
	data = append(data, make([]byte, 5<<20)...)

	_, err := store.Ingest(data, &Options{PatientID: 1, OriginalName: "big.png"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload limit")
}

func TestIngestUnknownPatient(t *testing.T) {
	store, ds, _ := newTestStore(t)
	ds.patientMissing = true

	_, err := store.Ingest(encodePNG(t, 64, 64), &Options{PatientID: 42, OriginalName: "a.png"})
	require.Error(t, err)
}

func TestIngestCleansUpOnRowFailure(t *testing.T) {
	store, ds, media := newTestStore(t)
	ds.createErr = assert.AnError

	_, err := store.Ingest(encodePNG(t, 64, 64), &Options{PatientID: 1, OriginalName: "a.png"})
	require.Error(t, err)

	// No orphan files under the media root.
	var files int
	err = filepath.Walk(media.BaseDir(), func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			files++
		}
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, files)
}
