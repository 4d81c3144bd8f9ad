package targets

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/chestnet/chestnet-go/internal/backup"
	"github.com/chestnet/chestnet-go/internal/errors"
)

// RsyncTarget ships snapshots to a remote host with rsync over SSH.
// Listing and deletion run plain ssh commands on the remote side.
type RsyncTarget struct {
	host      string
	port      int
	username  string
	keyFile   string
	basePath  string
	timeout   time.Duration
	rsyncPath string
	sshPath   string
}

// NewRsyncTarget builds an rsync target. Recognized settings: host
// (required), port, username, key_file, path, timeout.
func NewRsyncTarget(settings map[string]any) (*RsyncTarget, error) {
	host := stringSetting(settings, "host", "")
	if host == "" {
		return nil, errors.Newf("rsync target requires a host").
			Component("backup").
			Category(errors.CategoryConfiguration).
			Build()
	}
	timeout, err := durationSetting(settings, "timeout", 5*time.Minute)
	if err != nil {
		return nil, err
	}

	rsyncPath, err := exec.LookPath("rsync")
	if err != nil {
		return nil, errors.New(err).
			Component("backup").
			Category(errors.CategoryConfiguration).
			Context("binary", "rsync").
			Build()
	}
	sshPath, err := exec.LookPath("ssh")
	if err != nil {
		return nil, errors.New(err).
			Component("backup").
			Category(errors.CategoryConfiguration).
			Context("binary", "ssh").
			Build()
	}

	return &RsyncTarget{
		host:      host,
		port:      intSetting(settings, "port", 22),
		username:  stringSetting(settings, "username", ""),
		keyFile:   stringSetting(settings, "key_file", ""),
		basePath:  strings.TrimRight(stringSetting(settings, "path", "backups"), "/"),
		timeout:   timeout,
		rsyncPath: rsyncPath,
		sshPath:   sshPath,
	}, nil
}

// Name identifies this target.
func (t *RsyncTarget) Name() string { return "rsync" }

func (t *RsyncTarget) remoteSpec(remotePath string) string {
	if t.username != "" {
		return fmt.Sprintf("%s@%s:%s", t.username, t.host, remotePath)
	}
	return fmt.Sprintf("%s:%s", t.host, remotePath)
}

func (t *RsyncTarget) sshCommand() string {
	cmd := fmt.Sprintf("%s -p %d -o BatchMode=yes -o StrictHostKeyChecking=accept-new", t.sshPath, t.port)
	if t.keyFile != "" {
		cmd += fmt.Sprintf(" -i %s -o IdentitiesOnly=yes", t.keyFile)
	}
	return cmd
}

func (t *RsyncTarget) sshArgs(remoteCmd string) []string {
	args := []string{"-p", fmt.Sprintf("%d", t.port), "-o", "BatchMode=yes", "-o", "StrictHostKeyChecking=accept-new"}
	if t.keyFile != "" {
		args = append(args, "-i", t.keyFile, "-o", "IdentitiesOnly=yes")
	}
	userHost := t.host
	if t.username != "" {
		userHost = t.username + "@" + t.host
	}
	return append(args, userHost, remoteCmd)
}

func (t *RsyncTarget) runSSH(ctx context.Context, remoteCmd string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, t.sshPath, t.sshArgs(remoteCmd)...) // #nosec G204 -- args built from validated config
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("rsync: ssh %q: %w (%s)", remoteCmd, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// Store rsyncs the archive and its metadata sidecar to the remote dir.
func (t *RsyncTarget) Store(ctx context.Context, archivePath string, metadata *backup.Metadata) error {
	if _, err := t.runSSH(ctx, fmt.Sprintf("mkdir -p %q", t.basePath)); err != nil {
		return err
	}

	// Sidecar next to the archive so one rsync call moves both.
	metaBytes, err := encodeMetadata(metadata)
	if err != nil {
		return err
	}
	metaPath := filepath.Join(filepath.Dir(archivePath), metadata.ID+metadataExt)
	if err := os.WriteFile(metaPath, metaBytes, backup.PermBackupFile); err != nil {
		return errors.New(err).
			Component("backup").
			Category(errors.CategoryFileIO).
			Context("path", metaPath).
			Build()
	}

	// The archive may carry a temp name locally; rsync it to its
	// final name explicitly.
	finalName := archiveName(metadata)
	for local, remote := range map[string]string{
		archivePath: path.Join(t.basePath, finalName),
		metaPath:    path.Join(t.basePath, metadata.ID+metadataExt),
	} {
		if err := t.rsyncFile(ctx, local, remote); err != nil {
			return err
		}
	}
	return nil
}

func (t *RsyncTarget) rsyncFile(ctx context.Context, localPath, remotePath string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	args := []string{"--archive", "--compress", "--partial", "-e", t.sshCommand(), localPath, t.remoteSpec(remotePath)}
	cmd := exec.CommandContext(ctx, t.rsyncPath, args...) // #nosec G204 -- rsyncPath resolved via LookPath
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("rsync: upload %s: %w (%s)", remotePath, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// List reads metadata sidecars on the remote host.
func (t *RsyncTarget) List(ctx context.Context) ([]backup.BackupInfo, error) {
	out, err := t.runSSH(ctx, fmt.Sprintf("ls -1 %q 2>/dev/null || true", t.basePath))
	if err != nil {
		return nil, err
	}

	var backups []backup.BackupInfo
	for _, name := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		name = strings.TrimSpace(name)
		if name == "" || !strings.HasSuffix(name, metadataExt) {
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		data, err := t.runSSH(ctx, fmt.Sprintf("cat %q", path.Join(t.basePath, name)))
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

// Delete removes the snapshot archive and sidecar on the remote host.
func (t *RsyncTarget) Delete(ctx context.Context, id string) error {
	if strings.ContainsAny(id, "/\\*?\"'`$") {
		return errors.Newf("invalid snapshot id: %s", id).
			Component("backup").
			Category(errors.CategoryValidation).
			Build()
	}
	_, err := t.runSSH(ctx, fmt.Sprintf("rm %s.*", path.Join(t.basePath, id)))
	return err
}

// Validate checks SSH connectivity and write access.
func (t *RsyncTarget) Validate(ctx context.Context) error {
	probe := path.Join(t.basePath, ".write-probe")
	if _, err := t.runSSH(ctx, fmt.Sprintf("mkdir -p %q && touch %q && rm %q", t.basePath, probe, probe)); err != nil {
		return fmt.Errorf("rsync: write probe failed: %w", err)
	}
	return nil
}
