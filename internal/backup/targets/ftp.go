package targets

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/chestnet/chestnet-go/internal/backup"
	"github.com/chestnet/chestnet-go/internal/errors"
)

// FTPTarget stores snapshots on an FTP server. Uploads go to a temp
// name first and are renamed once complete so a dropped connection
// never leaves a half-written snapshot looking valid.
type FTPTarget struct {
	host     string
	port     int
	username string
	password string
	basePath string
	timeout  time.Duration
}

const ftpTempPrefix = "tmp-"

// NewFTPTarget builds an FTP target. Recognized settings: host
// (required), port, username, password, path, timeout.
func NewFTPTarget(settings map[string]any) (*FTPTarget, error) {
	host := stringSetting(settings, "host", "")
	if host == "" {
		return nil, errors.Newf("ftp target requires a host").
			Component("backup").
			Category(errors.CategoryConfiguration).
			Build()
	}
	timeout, err := durationSetting(settings, "timeout", 30*time.Second)
	if err != nil {
		return nil, err
	}
	return &FTPTarget{
		host:     host,
		port:     intSetting(settings, "port", 21),
		username: stringSetting(settings, "username", "anonymous"),
		password: stringSetting(settings, "password", ""),
		basePath: strings.TrimRight(stringSetting(settings, "path", "backups"), "/"),
		timeout:  timeout,
	}, nil
}

// Name identifies this target.
func (t *FTPTarget) Name() string { return "ftp" }

func (t *FTPTarget) connect(ctx context.Context) (*ftp.ServerConn, error) {
	addr := fmt.Sprintf("%s:%d", t.host, t.port)
	conn, err := ftp.Dial(addr,
		ftp.DialWithTimeout(t.timeout),
		ftp.DialWithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("ftp: connect %s: %w", addr, err)
	}
	if err := conn.Login(t.username, t.password); err != nil {
		_ = conn.Quit()
		return nil, fmt.Errorf("ftp: login: %w", err)
	}
	return conn, nil
}

// ensureBasePath creates the remote directory tree one level at a time.
func (t *FTPTarget) ensureBasePath(conn *ftp.ServerConn) error {
	var current string
	for _, part := range strings.Split(t.basePath, "/") {
		if part == "" {
			continue
		}
		current = path.Join(current, part)
		// MKD fails when the directory exists; probe with CWD first.
		if err := conn.ChangeDir(current); err == nil {
			continue
		}
		if err := conn.MakeDir(current); err != nil {
			return fmt.Errorf("ftp: create %s: %w", current, err)
		}
	}
	return conn.ChangeDirToParent()
}

// Store uploads the archive and its metadata sidecar.
func (t *FTPTarget) Store(ctx context.Context, archivePath string, metadata *backup.Metadata) error {
	conn, err := t.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Quit() }()

	if err := t.ensureBasePath(conn); err != nil {
		return err
	}

	src, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("ftp: open archive: %w", err)
	}
	defer src.Close()

	finalName := archiveName(metadata)
	tempPath := path.Join(t.basePath, ftpTempPrefix+finalName)
	if err := conn.Stor(tempPath, src); err != nil {
		return fmt.Errorf("ftp: upload %s: %w", tempPath, err)
	}
	if err := conn.Rename(tempPath, path.Join(t.basePath, finalName)); err != nil {
		_ = conn.Delete(tempPath)
		return fmt.Errorf("ftp: rename %s: %w", tempPath, err)
	}

	metaBytes, err := encodeMetadata(metadata)
	if err != nil {
		return err
	}
	metaPath := path.Join(t.basePath, metadata.ID+metadataExt)
	if err := conn.Stor(metaPath, bytes.NewReader(metaBytes)); err != nil {
		return fmt.Errorf("ftp: upload %s: %w", metaPath, err)
	}
	return nil
}

// List reads metadata sidecars from the remote directory.
func (t *FTPTarget) List(ctx context.Context) ([]backup.BackupInfo, error) {
	conn, err := t.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Quit() }()

	entries, err := conn.List(t.basePath)
	if err != nil {
		return nil, fmt.Errorf("ftp: list %s: %w", t.basePath, err)
	}

	var backups []backup.BackupInfo
	for _, entry := range entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if entry.Type != ftp.EntryTypeFile || !strings.HasSuffix(entry.Name, metadataExt) {
			continue
		}
		resp, err := conn.Retr(path.Join(t.basePath, entry.Name))
		if err != nil {
			continue
		}
		data, err := io.ReadAll(resp)
		_ = resp.Close()
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

// Delete removes the snapshot archive and sidecar.
func (t *FTPTarget) Delete(ctx context.Context, id string) error {
	conn, err := t.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Quit() }()

	entries, err := conn.List(t.basePath)
	if err != nil {
		return fmt.Errorf("ftp: list %s: %w", t.basePath, err)
	}
	deleted := false
	for _, entry := range entries {
		if entry.Type != ftp.EntryTypeFile || !strings.HasPrefix(entry.Name, id+".") {
			continue
		}
		if err := conn.Delete(path.Join(t.basePath, entry.Name)); err != nil {
			return fmt.Errorf("ftp: delete %s: %w", entry.Name, err)
		}
		deleted = true
	}
	if !deleted {
		return errors.Newf("snapshot not found: %s", id).
			Component("backup").
			Category(errors.CategoryNotFound).
			Build()
	}
	return nil
}

// Validate checks connectivity and write access.
func (t *FTPTarget) Validate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	conn, err := t.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Quit() }()

	if err := t.ensureBasePath(conn); err != nil {
		return err
	}
	probe := path.Join(t.basePath, ".write-probe")
	if err := conn.Stor(probe, strings.NewReader("probe")); err != nil {
		return fmt.Errorf("ftp: write probe failed: %w", err)
	}
	return conn.Delete(probe)
}
