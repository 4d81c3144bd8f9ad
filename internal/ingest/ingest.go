// Package ingest validates and stores uploaded radiographs under the
// media root and registers them in the datastore. The HTTP API and the
// CLI import commands share this path so duplicate detection and file
// layout behave identically for every source.
package ingest

import (
	"bytes"
	"fmt"
	"image"
	"log/slog"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "image/jpeg"
	_ "image/png"

	"github.com/google/uuid"

	"github.com/chestnet/chestnet-go/internal/conf"
	"github.com/chestnet/chestnet-go/internal/datastore"
	"github.com/chestnet/chestnet-go/internal/errors"
	"github.com/chestnet/chestnet-go/internal/imaging"
	"github.com/chestnet/chestnet-go/internal/logging"
	"github.com/chestnet/chestnet-go/internal/securefs"
)

const defaultMaxFileSizeMB = 32

var (
	logger     *slog.Logger
	loggerOnce sync.Once
)

func getLogger() *slog.Logger {
	loggerOnce.Do(func() {
		logger = logging.ForService("ingest")
		if logger == nil {
			logger = slog.Default().With("service", "ingest")
		}
	})
	return logger
}

// Store writes accepted uploads into the media tree and creates the
// matching image rows.
type Store struct {
	settings *conf.Settings
	ds       datastore.Interface
	media    *securefs.SecureFS
	log      *slog.Logger
}

// New wires a Store over the media sandbox and the datastore.
func New(settings *conf.Settings, ds datastore.Interface, media *securefs.SecureFS) (*Store, error) {
	if settings == nil || ds == nil || media == nil {
		return nil, errors.Newf("ingest store requires settings, datastore and media store").
			Component("ingest").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return &Store{
		settings: settings,
		ds:       ds,
		media:    media,
		log:      getLogger(),
	}, nil
}

// Options describes one incoming radiograph.
type Options struct {
	PatientID    uint
	OriginalName string
	Source       string // datastore.ImageSourceUpload, Batch or CLI
	UploadedBy   uint
	BatchJobID   *uint
	ViewPosition string
	Force        bool // accept a byte-identical re-upload for the same patient
}

// Ingest validates the encoded image, stores it under the media root
// and registers it with status pending. The returned row carries the
// media-relative path. Re-uploads of identical content for the same
// patient are rejected with a conflict error unless Force is set.
func (s *Store) Ingest(data []byte, opts *Options) (*datastore.XRayImage, error) {
	if opts == nil || opts.PatientID == 0 {
		return nil, errors.Newf("ingest requires a patient").
			Component("ingest").
			Category(errors.CategoryValidation).
			Build()
	}

	if err := s.validate(data, opts.OriginalName); err != nil {
		return nil, err
	}

	width, height, err := decodeDimensions(data)
	if err != nil {
		return nil, err
	}

	if _, err := s.ds.GetPatient(opts.PatientID); err != nil {
		return nil, errors.New(err).
			Component("ingest").
			Category(errors.CategoryNotFound).
			Context("patient_id", opts.PatientID).
			Build()
	}

	hash := imaging.ContentHash(data)
	if !opts.Force {
		if existing, err := s.ds.GetXRayImageByHash(opts.PatientID, hash); err == nil {
			return nil, errors.Newf("identical image already uploaded for this patient").
				Component("ingest").
				Category(errors.CategoryConflict).
				Context("patient_id", opts.PatientID).
				Context("existing_image_id", existing.ID).
				Build()
		}
	}

	relPath := s.imagePath(opts.OriginalName)
	if err := s.write(relPath, data); err != nil {
		return nil, err
	}

	img := &datastore.XRayImage{
		PatientID:    opts.PatientID,
		BatchJobID:   opts.BatchJobID,
		Path:         relPath,
		OriginalName: filepath.Base(opts.OriginalName),
		ContentHash:  hash,
		Width:        width,
		Height:       height,
		ViewPosition: opts.ViewPosition,
		Source:       opts.Source,
		UploadedBy:   opts.UploadedBy,
		Status:       datastore.ImageStatusPending,
	}
	if img.Source == "" {
		img.Source = datastore.ImageSourceUpload
	}

	if err := s.ds.CreateXRayImage(img, opts.Force); err != nil {
		// The row failed, do not leave an orphan file behind.
		_ = s.media.Remove(s.abs(relPath))
		return nil, err
	}

	s.log.Info("image ingested",
		"image_id", img.ID,
		"patient_id", img.PatientID,
		"source", img.Source,
		"size", len(data),
		"path", relPath)
	return img, nil
}

// validate enforces the configured size and extension limits before any
// decoding work happens.
func (s *Store) validate(data []byte, name string) error {
	if len(data) == 0 {
		return errors.Newf("empty upload").
			Component("ingest").
			Category(errors.CategoryValidation).
			Build()
	}

	maxMB := s.settings.Batch.MaxFileSizeMB
	if maxMB <= 0 {
		maxMB = defaultMaxFileSizeMB
	}
	if int64(len(data)) > int64(maxMB)<<20 {
		return errors.Newf("file exceeds the %d MB upload limit", maxMB).
			Component("ingest").
			Category(errors.CategoryValidation).
			Context("size", len(data)).
			Build()
	}

	if len(s.settings.Batch.AllowedTypes) > 0 {
		ext := strings.ToLower(filepath.Ext(name))
		allowed := false
		for _, t := range s.settings.Batch.AllowedTypes {
			if ext == strings.ToLower(t) {
				allowed = true
				break
			}
		}
		if !allowed {
			return errors.Newf("file type %q is not accepted", ext).
				Component("ingest").
				Category(errors.CategoryValidation).
				Context("name", filepath.Base(name)).
				Build()
		}
	}

	switch contentType := http.DetectContentType(data); contentType {
	case "image/png", "image/jpeg":
		return nil
	default:
		return errors.Newf("unsupported content type %q", contentType).
			Component("ingest").
			Category(errors.CategoryValidation).
			Context("name", filepath.Base(name)).
			Build()
	}
}

// decodeDimensions reads the image header only, full decoding waits for
// the triage pipeline.
func decodeDimensions(data []byte) (width, height int, err error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, errors.New(fmt.Errorf("failed to decode image header: %w", err)).
			Component("ingest").
			Category(errors.CategoryImageDecode).
			Build()
	}
	return cfg.Width, cfg.Height, nil
}

// imagePath builds the media-relative storage path, partitioned by
// upload month. The stored name is a UUID so colliding upload names
// never overwrite each other.
func (s *Store) imagePath(originalName string) string {
	dir := s.settings.Media.XRayDir
	if dir == "" {
		dir = "xrays"
	}
	ext := strings.ToLower(filepath.Ext(originalName))
	if ext == "" {
		ext = ".png"
	}
	now := time.Now()
	return path.Join(dir, now.Format("2006"), now.Format("01"), uuid.New().String()+ext)
}

// abs anchors a media-relative path at the sandbox base. SecureFS
// resolves bare relative paths against the process working directory,
// not the media root.
func (s *Store) abs(relPath string) string {
	return filepath.Join(s.media.BaseDir(), filepath.FromSlash(relPath))
}

func (s *Store) write(relPath string, data []byte) error {
	absPath := s.abs(relPath)
	if err := s.media.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return errors.New(err).
			Component("ingest").
			Category(errors.CategoryFileIO).
			Context("path", relPath).
			Build()
	}
	if err := s.media.WriteFile(absPath, data, 0o644); err != nil {
		return errors.New(err).
			Component("ingest").
			Category(errors.CategoryFileIO).
			Context("path", relPath).
			Build()
	}
	return nil
}
