package sources

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/chestnet/chestnet-go/internal/conf"
	"github.com/chestnet/chestnet-go/internal/errors"
)

// ReportsSource archives the generated PDF report tree. The payload is
// a plain tar; the snapshot layer adds the gzip on top.
type ReportsSource struct {
	settings *conf.Settings
}

// NewReportsSource builds the report tree source.
func NewReportsSource(settings *conf.Settings) *ReportsSource {
	return &ReportsSource{settings: settings}
}

// Name identifies this source in snapshot metadata.
func (s *ReportsSource) Name() string { return "reports" }

// Validate checks that the report directory exists.
func (s *ReportsSource) Validate() error {
	dir := s.settings.MediaReportPath()
	if dir == "" {
		return errors.Newf("report directory is not configured").
			Component("backup").
			Category(errors.CategoryConfiguration).
			Build()
	}
	info, err := os.Stat(dir)
	if err != nil {
		return errors.New(err).
			Component("backup").
			Category(errors.CategoryFileIO).
			Context("path", dir).
			Build()
	}
	if !info.IsDir() {
		return errors.Newf("report path is not a directory: %s", dir).
			Component("backup").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return nil
}

// Backup streams the report tree as a tar archive.
func (s *ReportsSource) Backup(ctx context.Context) (io.ReadCloser, string, error) {
	dir := s.settings.MediaReportPath()

	pr, pw := io.Pipe()
	go func() {
		tw := tar.NewWriter(pw)
		err := s.walkReports(ctx, dir, tw)
		if closeErr := tw.Close(); err == nil {
			err = closeErr
		}
		pw.CloseWithError(err)
	}()
	return pr, "reports.tar", nil
}

func (s *ReportsSource) walkReports(ctx context.Context, dir string, tw *tar.Writer) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()
		_, err = io.Copy(tw, file)
		return err
	})
}
