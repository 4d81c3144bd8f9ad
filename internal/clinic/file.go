package clinic

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chestnet/chestnet-go/internal/conf"
	"github.com/chestnet/chestnet-go/internal/datastore"
	"github.com/chestnet/chestnet-go/internal/errors"
	"github.com/chestnet/chestnet-go/internal/ingest"
)

// TriageOptions select the patient a CLI triage run belongs to.
// Exactly one of PatientID or MRN must be set.
type TriageOptions struct {
	PatientID uint
	MRN       string
	Force     bool // accept byte-identical re-uploads
}

func (o *TriageOptions) resolvePatient(ds datastore.Interface) (datastore.Patient, error) {
	switch {
	case o.MRN != "":
		return ds.GetPatientByMRN(o.MRN)
	case o.PatientID != 0:
		return ds.GetPatient(o.PatientID)
	default:
		return datastore.Patient{}, errors.Newf("a patient id or MRN is required").
			Component("clinic").
			Category(errors.CategoryValidation).
			Build()
	}
}

// TriageFile runs the full pipeline over a single radiograph from the
// command line: ingest, ensemble inference, persistence, and a printed
// summary. No server is started.
func TriageFile(ctx context.Context, settings *conf.Settings, path string, opts *TriageOptions) error {
	c, err := newCore(settings)
	if err != nil {
		return err
	}
	defer c.close()

	patient, err := opts.resolvePatient(c.ds)
	if err != nil {
		return fmt.Errorf("resolving patient: %w", err)
	}

	store, err := ingest.New(settings, c.ds, c.media)
	if err != nil {
		return err
	}

	// The action queue must run so the audit trail gets written even
	// for one-shot invocations.
	c.processor.Start(ctx)
	defer func() { _ = c.processor.Stop(processorStopTimeout) }()

	prediction, img, err := triageOne(ctx, c, store, patient.ID, path, opts.Force)
	if err != nil {
		return err
	}

	printDiagnosis(patient, img, prediction)
	return nil
}

// TriageDirectory triages every supported image file in a directory,
// optionally recursing into subdirectories. Files that fail keep the
// run going; the error count is reported at the end.
func TriageDirectory(ctx context.Context, settings *conf.Settings, dir string, recursive bool, opts *TriageOptions) error {
	c, err := newCore(settings)
	if err != nil {
		return err
	}
	defer c.close()

	patient, err := opts.resolvePatient(c.ds)
	if err != nil {
		return fmt.Errorf("resolving patient: %w", err)
	}

	store, err := ingest.New(settings, c.ds, c.media)
	if err != nil {
		return err
	}

	c.processor.Start(ctx)
	defer func() { _ = c.processor.Stop(processorStopTimeout) }()

	files, err := collectImageFiles(dir, recursive, settings.Batch.AllowedTypes)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no supported image files found in %s", dir)
	}

	var failed int
	start := time.Now()
	for i, path := range files {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fmt.Printf("[%d/%d] %s\n", i+1, len(files), filepath.Base(path))
		prediction, img, err := triageOne(ctx, c, store, patient.ID, path, opts.Force)
		if err != nil {
			failed++
			fmt.Printf("  error: %v\n", err)
			continue
		}
		printDiagnosis(patient, img, prediction)
	}

	fmt.Printf("\nProcessed %d files in %s, %d failed\n",
		len(files), time.Since(start).Round(time.Millisecond), failed)
	if failed == len(files) {
		return fmt.Errorf("all %d files failed", failed)
	}
	return nil
}

func triageOne(ctx context.Context, c *core, store *ingest.Store, patientID uint, path string, force bool) (*datastore.Prediction, *datastore.XRayImage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading %s: %w", path, err)
	}

	img, err := store.Ingest(data, &ingest.Options{
		PatientID:    patientID,
		OriginalName: filepath.Base(path),
		Source:       datastore.ImageSourceCLI,
		Force:        force,
	})
	if err != nil {
		return nil, nil, err
	}

	prediction, err := c.processor.ProcessImage(ctx, img.ID)
	if err != nil {
		return nil, nil, err
	}
	return prediction, img, nil
}

func collectImageFiles(dir string, recursive bool, allowedTypes []string) ([]string, error) {
	allowed := make(map[string]bool, len(allowedTypes))
	for _, ext := range allowedTypes {
		allowed[strings.ToLower(ext)] = true
	}

	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if allowed[strings.ToLower(filepath.Ext(path))] {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", dir, err)
	}
	return files, nil
}

func printDiagnosis(patient datastore.Patient, img *datastore.XRayImage, p *datastore.Prediction) {
	fmt.Printf("  Patient:    %s %s (MRN %s)\n", patient.FirstName, patient.LastName, patient.MRN)
	fmt.Printf("  Image:      %s (%dx%d)\n", img.OriginalName, img.Width, img.Height)
	fmt.Printf("  Diagnosis:  %s (%.1f%% confidence)\n", p.Label, p.Confidence*100)
	fmt.Printf("  Consensus:  %d/%d models agree, best %s at %.1f%%\n",
		p.VotesFor, p.VotesTotal, p.BestModel, p.BestConfidence*100)
	fmt.Printf("  Risk:       %s (score %.2f)\n", p.RiskLevel, p.RiskScore)
	if p.NeedsReview {
		fmt.Printf("  Flagged for radiologist review\n")
	}
}
