package targets

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chestnet/chestnet-go/internal/backup"
	"github.com/chestnet/chestnet-go/internal/errors"
)

// LocalTarget stores snapshots in a directory on the node. Each
// snapshot is the archive plus a metadata sidecar.
type LocalTarget struct {
	basePath string
}

// NewLocalTarget builds a local directory target. Recognized settings:
// path (required).
func NewLocalTarget(settings map[string]any) (*LocalTarget, error) {
	basePath := stringSetting(settings, "path", "")
	if basePath == "" {
		return nil, errors.Newf("local target requires a path").
			Component("backup").
			Category(errors.CategoryConfiguration).
			Build()
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, errors.New(err).
			Component("backup").
			Category(errors.CategoryFileIO).
			Context("path", basePath).
			Build()
	}
	return &LocalTarget{basePath: abs}, nil
}

// Name identifies this target.
func (t *LocalTarget) Name() string { return "local" }

// Validate ensures the directory exists and is writable.
func (t *LocalTarget) Validate(ctx context.Context) error {
	if err := os.MkdirAll(t.basePath, backup.PermBackupDir); err != nil {
		return errors.New(err).
			Component("backup").
			Category(errors.CategoryFileIO).
			Context("path", t.basePath).
			Build()
	}
	probe := filepath.Join(t.basePath, ".write-probe")
	if err := os.WriteFile(probe, nil, backup.PermBackupFile); err != nil {
		return errors.New(err).
			Component("backup").
			Category(errors.CategoryFileIO).
			Context("path", t.basePath).
			Build()
	}
	return os.Remove(probe)
}

// Store copies the archive and writes the metadata sidecar. The
// archive lands under a temp name first and is renamed once complete.
func (t *LocalTarget) Store(ctx context.Context, archivePath string, metadata *backup.Metadata) error {
	if err := os.MkdirAll(t.basePath, backup.PermBackupDir); err != nil {
		return errors.New(err).
			Component("backup").
			Category(errors.CategoryFileIO).
			Context("path", t.basePath).
			Build()
	}

	finalPath := filepath.Join(t.basePath, archiveName(metadata))
	if err := t.copyFile(ctx, archivePath, finalPath); err != nil {
		return err
	}

	metaBytes, err := encodeMetadata(metadata)
	if err != nil {
		return err
	}
	metaPath := filepath.Join(t.basePath, metadata.ID+metadataExt)
	if err := os.WriteFile(metaPath, metaBytes, backup.PermBackupFile); err != nil {
		return errors.New(err).
			Component("backup").
			Category(errors.CategoryFileIO).
			Context("path", metaPath).
			Build()
	}
	return nil
}

func (t *LocalTarget) copyFile(ctx context.Context, src, dst string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	in, err := os.Open(src)
	if err != nil {
		return errors.New(err).
			Component("backup").
			Category(errors.CategoryFileIO).
			Context("path", src).
			Build()
	}
	defer in.Close()

	tmp, err := os.CreateTemp(t.basePath, "tmp-*")
	if err != nil {
		return errors.New(err).
			Component("backup").
			Category(errors.CategoryFileIO).
			Context("path", t.basePath).
			Build()
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if err := tmp.Chmod(backup.PermBackupFile); err != nil {
		return errors.New(err).Component("backup").Category(errors.CategoryFileIO).Build()
	}
	if _, err := io.Copy(tmp, in); err != nil {
		return errors.New(err).
			Component("backup").
			Category(errors.CategoryFileIO).
			Context("path", dst).
			Build()
	}
	if err := tmp.Sync(); err != nil {
		return errors.New(err).Component("backup").Category(errors.CategoryFileIO).Build()
	}
	if err := tmp.Close(); err != nil {
		return errors.New(err).Component("backup").Category(errors.CategoryFileIO).Build()
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return errors.New(err).
			Component("backup").
			Category(errors.CategoryFileIO).
			Context("path", dst).
			Build()
	}
	return nil
}

// List reads the metadata sidecars in the target directory.
func (t *LocalTarget) List(ctx context.Context) ([]backup.BackupInfo, error) {
	entries, err := os.ReadDir(t.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.New(err).
			Component("backup").
			Category(errors.CategoryFileIO).
			Context("path", t.basePath).
			Build()
	}

	var backups []backup.BackupInfo
	for _, entry := range entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), metadataExt) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(t.basePath, entry.Name()))
		if err != nil {
			continue
		}
		metadata, err := decodeMetadata(data)
		if err != nil {
			continue
		}
		backups = append(backups, backup.BackupInfo{Metadata: *metadata, Target: t.Name()})
	}
	return backups, nil
}

// Delete removes the snapshot archive and its sidecar.
func (t *LocalTarget) Delete(ctx context.Context, id string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	matches, err := filepath.Glob(filepath.Join(t.basePath, id+".*"))
	if err != nil {
		return errors.New(err).
			Component("backup").
			Category(errors.CategoryFileIO).
			Context("id", id).
			Build()
	}
	if len(matches) == 0 {
		return errors.Newf("snapshot not found: %s", id).
			Component("backup").
			Category(errors.CategoryNotFound).
			Build()
	}
	for _, match := range matches {
		if err := os.Remove(match); err != nil {
			return errors.New(err).
				Component("backup").
				Category(errors.CategoryFileIO).
				Context("path", match).
				Build()
		}
	}
	return nil
}
