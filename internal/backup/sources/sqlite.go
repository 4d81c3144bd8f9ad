// Package sources provides backup payload sources: the clinical
// SQLite database and the generated report tree.
package sources

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/chestnet/chestnet-go/internal/conf"
	"github.com/chestnet/chestnet-go/internal/errors"
)

// SQLiteSource snapshots the SQLite database with VACUUM INTO, which
// produces a consistent copy while the application keeps writing.
type SQLiteSource struct {
	settings *conf.Settings
}

// NewSQLiteSource builds the database source.
func NewSQLiteSource(settings *conf.Settings) *SQLiteSource {
	return &SQLiteSource{settings: settings}
}

// Name identifies this source in snapshot metadata.
func (s *SQLiteSource) Name() string { return "database" }

// Validate checks that SQLite output is enabled and the file exists.
func (s *SQLiteSource) Validate() error {
	if !s.settings.Output.SQLite.Enabled {
		return errors.Newf("sqlite output is not enabled").
			Component("backup").
			Category(errors.CategoryConfiguration).
			Build()
	}
	dbPath := s.settings.Output.SQLite.Path
	if dbPath == "" {
		return errors.Newf("sqlite path is not configured").
			Component("backup").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if _, err := os.Stat(dbPath); err != nil {
		return errors.New(err).
			Component("backup").
			Category(errors.CategoryFileIO).
			Context("path", dbPath).
			Build()
	}
	return nil
}

// Backup writes a VACUUM INTO snapshot to a temp file and returns a
// reader over it. Closing the reader removes the temp file.
func (s *SQLiteSource) Backup(ctx context.Context) (io.ReadCloser, string, error) {
	dbPath, err := filepath.Abs(s.settings.Output.SQLite.Path)
	if err != nil {
		return nil, "", errors.New(err).
			Component("backup").
			Category(errors.CategoryFileIO).
			Build()
	}

	tempDir, err := os.MkdirTemp(s.settings.Output.SQLite.TempDir, "chestnet-db-*")
	if err != nil {
		return nil, "", errors.New(err).
			Component("backup").
			Category(errors.CategoryFileIO).
			Build()
	}
	snapshotPath := filepath.Join(tempDir, fmt.Sprintf("chestnet-%s.db", time.Now().UTC().Format("20060102150405")))

	if err := s.vacuumInto(ctx, dbPath, snapshotPath); err != nil {
		_ = os.RemoveAll(tempDir)
		return nil, "", err
	}

	file, err := os.Open(snapshotPath)
	if err != nil {
		_ = os.RemoveAll(tempDir)
		return nil, "", errors.New(err).
			Component("backup").
			Category(errors.CategoryFileIO).
			Context("path", snapshotPath).
			Build()
	}
	return &tempFileReader{File: file, dir: tempDir}, "chestnet.db", nil
}

// vacuumInto opens the live database read-only and runs VACUUM INTO.
func (s *SQLiteSource) vacuumInto(ctx context.Context, dbPath, snapshotPath string) error {
	db, err := gorm.Open(sqlite.Open(dbPath+"?mode=ro"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return errors.New(err).
			Component("backup").
			Category(errors.CategoryBackup).
			Context("path", dbPath).
			Build()
	}
	sqlDB, err := db.DB()
	if err != nil {
		return errors.New(err).Component("backup").Category(errors.CategoryBackup).Build()
	}
	defer func() { _ = sqlDB.Close() }()

	if err := db.WithContext(ctx).Exec("VACUUM INTO ?", snapshotPath).Error; err != nil {
		return errors.New(err).
			Component("backup").
			Category(errors.CategoryBackup).
			Context("operation", "vacuum_into").
			Build()
	}
	return nil
}

// tempFileReader removes its temp directory on Close.
type tempFileReader struct {
	*os.File
	dir string
}

func (r *tempFileReader) Close() error {
	err := r.File.Close()
	if rmErr := os.RemoveAll(r.dir); rmErr != nil && err == nil {
		err = rmErr
	}
	return err
}
