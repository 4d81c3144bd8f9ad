// Package backup archives the clinical database, generated reports and
// the node configuration into tar.gz snapshots and ships them to one or
// more storage targets. Snapshots can be AES-256-GCM encrypted and are
// pruned per the configured retention policy.
package backup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chestnet/chestnet-go/internal/conf"
	"github.com/chestnet/chestnet-go/internal/errors"
	"github.com/chestnet/chestnet-go/internal/logging"
)

// Operation timeouts.
const (
	defaultRunTimeout    = 2 * time.Hour
	defaultStoreTimeout  = 15 * time.Minute
	defaultPruneTimeout  = 10 * time.Minute
	defaultDeleteTimeout = 2 * time.Minute
)

// Archive file permissions.
const (
	PermBackupDir  os.FileMode = 0o750
	PermBackupFile os.FileMode = 0o600
)

// Source produces one payload stream to include in a snapshot.
type Source interface {
	// Name identifies the source ("database", "reports").
	Name() string
	// Backup returns the payload stream and the filename it should
	// carry inside the archive.
	Backup(ctx context.Context) (io.ReadCloser, string, error)
	// Validate checks the source configuration.
	Validate() error
}

// Target stores finished snapshot archives.
type Target interface {
	// Name identifies the target ("local", "sftp", "ftp", "rsync").
	Name() string
	// Store uploads the archive at archivePath under metadata.ID.
	Store(ctx context.Context, archivePath string, metadata *Metadata) error
	// List returns the snapshots the target currently holds.
	List(ctx context.Context) ([]BackupInfo, error)
	// Delete removes the snapshot with the given ID.
	Delete(ctx context.Context, id string) error
	// Validate checks connectivity and write access.
	Validate(ctx context.Context) error
}

// Metadata describes one snapshot archive.
type Metadata struct {
	Version      int       `json:"version"`
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Size         int64     `json:"size"`
	Source       string    `json:"source"`
	Payload      string    `json:"payload"`
	IsDaily      bool      `json:"is_daily"`
	ConfigHash   string    `json:"config_hash,omitempty"`
	AppVersion   string    `json:"app_version,omitempty"`
	Checksum     string    `json:"checksum,omitempty"`
	Encrypted    bool      `json:"encrypted,omitempty"`
	OriginalSize int64     `json:"original_size,omitempty"`
}

// metadataVersion is the current metadata format version.
const metadataVersion = 1

// BackupInfo is a snapshot as seen by a target.
type BackupInfo struct {
	Metadata
	Target string
}

// Manager coordinates sources, targets, encryption and retention.
type Manager struct {
	settings *conf.Settings
	config   *conf.BackupConfig
	sources  []Source
	targets  []Target
	mu       sync.RWMutex
	log      *slog.Logger
}

// NewManager builds a backup manager for the given settings.
func NewManager(settings *conf.Settings) (*Manager, error) {
	if settings == nil {
		return nil, errors.Newf("backup manager requires settings").
			Component("backup").
			Category(errors.CategoryConfiguration).
			Build()
	}
	log := logging.ForService("backup")
	if log == nil {
		log = slog.Default().With("service", "backup")
	}
	return &Manager{
		settings: settings,
		config:   &settings.Backup,
		log:      log,
	}, nil
}

// RegisterSource validates and adds a payload source.
func (m *Manager) RegisterSource(source Source) error {
	if err := source.Validate(); err != nil {
		return errors.New(err).
			Component("backup").
			Category(errors.CategoryValidation).
			Context("source", source.Name()).
			Build()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources = append(m.sources, source)
	return nil
}

// RegisterTarget validates and adds a storage target.
func (m *Manager) RegisterTarget(ctx context.Context, target Target) error {
	if err := target.Validate(ctx); err != nil {
		return errors.New(err).
			Component("backup").
			Category(errors.CategoryValidation).
			Context("target", target.Name()).
			Build()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets = append(m.targets, target)
	return nil
}

// Start verifies the manager is runnable: at least one source and one
// target, and a usable encryption key when encryption is on.
func (m *Manager) Start() error {
	if !m.config.Enabled {
		m.log.Info("backups disabled")
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.sources) == 0 {
		return errors.Newf("no backup sources registered").
			Component("backup").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if len(m.targets) == 0 {
		return errors.Newf("no backup targets registered").
			Component("backup").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if m.config.Encryption {
		if _, err := m.encryptionKey(); err != nil {
			return err
		}
	}
	m.log.Info("backup manager ready",
		"sources", len(m.sources),
		"targets", len(m.targets),
		"encrypted", m.config.Encryption)
	return nil
}

// RunBackup snapshots every source into every target. isDaily marks
// snapshots taken by the daily schedule so retention can tell them
// apart from ad-hoc runs.
func (m *Manager) RunBackup(ctx context.Context, isDaily bool) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.targets) == 0 {
		return errors.Newf("no backup targets registered").
			Component("backup").
			Category(errors.CategoryConfiguration).
			Build()
	}

	ctx, cancel := context.WithTimeout(ctx, defaultRunTimeout)
	defer cancel()

	now := time.Now().UTC()
	var errs []error
	for _, source := range m.sources {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := m.backupSource(ctx, source, now, isDaily); err != nil {
			m.log.Error("source backup failed", "source", source.Name(), "error", err)
			errs = append(errs, err)
		}
	}

	if isDaily && ctx.Err() == nil {
		pruneCtx, pruneCancel := context.WithTimeout(ctx, defaultPruneTimeout)
		if err := m.pruneOldBackups(pruneCtx); err != nil {
			m.log.Warn("retention pruning failed", "error", err)
		}
		pruneCancel()
	}

	if len(errs) > 0 {
		return errors.New(errors.Join(errs...)).
			Component("backup").
			Category(errors.CategoryBackup).
			Context("sources", len(m.sources)).
			Build()
	}
	m.log.Info("backup run finished", "sources", len(m.sources), "targets", len(m.targets))
	return nil
}

// backupSource builds one archive and stores it in every target.
func (m *Manager) backupSource(ctx context.Context, source Source, now time.Time, isDaily bool) error {
	started := time.Now()
	payload, payloadName, err := source.Backup(ctx)
	if err != nil {
		return err
	}
	defer payload.Close()

	metadata := &Metadata{
		Version:    metadataVersion,
		ID:         fmt.Sprintf("chestnet-%s-%s", source.Name(), now.Format("20060102-150405")),
		Timestamp:  now,
		Source:     source.Name(),
		Payload:    payloadName,
		IsDaily:    isDaily,
		AppVersion: m.settings.Version,
	}

	archive, err := m.buildArchive(payload, metadata, now)
	if err != nil {
		return err
	}
	metadata.OriginalSize = int64(len(archive))

	if m.config.Encryption {
		key, err := m.encryptionKey()
		if err != nil {
			return err
		}
		archive, err = encryptData(archive, key)
		if err != nil {
			return err
		}
		metadata.Encrypted = true
	}
	metadata.Size = int64(len(archive))
	sum := sha256.Sum256(archive)
	metadata.Checksum = hex.EncodeToString(sum[:])

	tempDir, err := os.MkdirTemp("", "chestnet-backup-*")
	if err != nil {
		return errors.New(err).
			Component("backup").
			Category(errors.CategoryFileIO).
			Build()
	}
	defer func() {
		if err := os.RemoveAll(tempDir); err != nil {
			m.log.Warn("cannot remove temp dir", "dir", tempDir, "error", err)
		}
	}()

	ext := ".tar.gz"
	if metadata.Encrypted {
		ext = ".tar.gz.enc"
	}
	archivePath := filepath.Join(tempDir, metadata.ID+ext)
	if err := os.WriteFile(archivePath, archive, PermBackupFile); err != nil {
		return errors.New(err).
			Component("backup").
			Category(errors.CategoryFileIO).
			Context("path", archivePath).
			Build()
	}

	if err := m.storeInTargets(ctx, archivePath, metadata); err != nil {
		return err
	}

	m.log.Info("snapshot stored",
		"id", metadata.ID,
		"source", source.Name(),
		"size_bytes", metadata.Size,
		"encrypted", metadata.Encrypted,
		"duration_ms", time.Since(started).Milliseconds())
	return nil
}

// buildArchive produces the tar.gz with metadata.json, the payload and
// the sanitized node configuration.
func (m *Manager) buildArchive(payload io.Reader, metadata *Metadata, now time.Time) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	// Payload first: buffer it to learn the size for the tar header.
	var payloadBuf bytes.Buffer
	if _, err := io.Copy(&payloadBuf, payload); err != nil {
		return nil, errors.New(err).
			Component("backup").
			Category(errors.CategoryFileIO).
			Context("source", metadata.Source).
			Build()
	}

	metadataBytes, err := json.Marshal(metadata)
	if err != nil {
		return nil, errors.New(err).Component("backup").Category(errors.CategoryBackup).Build()
	}
	if err := writeTarFile(tw, "metadata.json", metadataBytes, now); err != nil {
		return nil, err
	}
	if err := writeTarFile(tw, metadata.Payload, payloadBuf.Bytes(), now); err != nil {
		return nil, err
	}
	if err := m.addConfigToArchive(tw, metadata, now); err != nil {
		return nil, err
	}

	if err := tw.Close(); err != nil {
		return nil, errors.New(err).Component("backup").Category(errors.CategoryFileIO).Build()
	}
	if err := gz.Close(); err != nil {
		return nil, errors.New(err).Component("backup").Category(errors.CategoryFileIO).Build()
	}
	return buf.Bytes(), nil
}

// addConfigToArchive writes config.yaml with secrets blanked.
func (m *Manager) addConfigToArchive(tw *tar.Writer, metadata *Metadata, now time.Time) error {
	configData, err := yaml.Marshal(sanitizeSettings(m.settings))
	if err != nil {
		return errors.New(err).Component("backup").Category(errors.CategoryBackup).Build()
	}
	if err := writeTarFile(tw, "config.yaml", configData, now); err != nil {
		return err
	}
	hash := sha256.Sum256(configData)
	metadata.ConfigHash = hex.EncodeToString(hash[:])
	return nil
}

func writeTarFile(tw *tar.Writer, name string, data []byte, modTime time.Time) error {
	header := &tar.Header{
		Name:    name,
		Size:    int64(len(data)),
		Mode:    0o644,
		ModTime: modTime,
	}
	if err := tw.WriteHeader(header); err != nil {
		return errors.New(err).
			Component("backup").
			Category(errors.CategoryFileIO).
			Context("entry", name).
			Build()
	}
	if _, err := tw.Write(data); err != nil {
		return errors.New(err).
			Component("backup").
			Category(errors.CategoryFileIO).
			Context("entry", name).
			Build()
	}
	return nil
}

// sanitizeSettings blanks every credential before the configuration
// leaves the node.
func sanitizeSettings(settings *conf.Settings) *conf.Settings {
	sanitized := *settings
	sanitized.Security.JWT.Secret = ""
	sanitized.Security.SessionSecret = ""
	sanitized.Output.MySQL.Password = ""
	sanitized.MQTT.Password = ""
	sanitized.Backup.EncryptionKey = ""
	if len(settings.Notification.Providers) > 0 {
		providers := make([]conf.NotificationProvider, len(settings.Notification.Providers))
		copy(providers, settings.Notification.Providers)
		for i := range providers {
			providers[i].URL = ""
			providers[i].Token = ""
		}
		sanitized.Notification.Providers = providers
	}
	return &sanitized
}

// storeInTargets uploads one archive to every target, collecting
// per-target failures instead of aborting on the first.
func (m *Manager) storeInTargets(ctx context.Context, archivePath string, metadata *Metadata) error {
	var errs []error
	for _, target := range m.targets {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		storeCtx, cancel := context.WithTimeout(ctx, defaultStoreTimeout)
		err := target.Store(storeCtx, archivePath, metadata)
		cancel()
		if err != nil {
			m.log.Error("store failed", "target", target.Name(), "id", metadata.ID, "error", err)
			errs = append(errs, errors.New(err).
				Component("backup").
				Category(errors.CategoryBackup).
				Context("target", target.Name()).
				Build())
			continue
		}
	}
	return errors.Join(errs...)
}

// ListBackups merges snapshot listings from all targets, newest first.
func (m *Manager) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []BackupInfo
	var errs []error
	for _, target := range m.targets {
		backups, err := target.List(ctx)
		if err != nil {
			m.log.Warn("cannot list target", "target", target.Name(), "error", err)
			errs = append(errs, err)
			continue
		}
		all = append(all, backups...)
	}
	if len(all) == 0 && len(errs) > 0 {
		return nil, errors.New(errors.Join(errs...)).
			Component("backup").
			Category(errors.CategoryBackup).
			Build()
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.After(all[j].Timestamp) })
	return all, nil
}

// DeleteBackup removes a snapshot from every target holding it.
func (m *Manager) DeleteBackup(ctx context.Context, id string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var lastErr error
	for _, target := range m.targets {
		deleteCtx, cancel := context.WithTimeout(ctx, defaultDeleteTimeout)
		err := target.Delete(deleteCtx, id)
		cancel()
		if err != nil {
			lastErr = err
			m.log.Warn("delete failed", "target", target.Name(), "id", id, "error", err)
		}
	}
	return lastErr
}

// pruneOldBackups enforces the retention policy per target and source:
// the newest MinBackups always stay, anything beyond MaxBackups or
// older than MaxAge goes.
func (m *Manager) pruneOldBackups(ctx context.Context) error {
	var maxAge time.Duration
	if m.config.Retention.MaxAge != "" {
		hours, err := conf.ParseRetentionPeriod(m.config.Retention.MaxAge)
		if err != nil {
			return errors.New(err).
				Component("backup").
				Category(errors.CategoryConfiguration).
				Context("setting", "backup.retention.maxage").
				Build()
		}
		maxAge = time.Duration(hours) * time.Hour
	}

	var errs []error
	for _, target := range m.targets {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		backups, err := target.List(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, id := range m.backupsToPrune(backups, maxAge, time.Now()) {
			if err := target.Delete(ctx, id); err != nil {
				errs = append(errs, err)
				continue
			}
			m.log.Info("pruned old snapshot", "target", target.Name(), "id", id)
		}
	}
	return errors.Join(errs...)
}

// backupsToPrune applies the retention rules to one target's listing,
// grouped per source so the database cannot starve report snapshots.
func (m *Manager) backupsToPrune(backups []BackupInfo, maxAge time.Duration, now time.Time) []string {
	bySource := make(map[string][]BackupInfo)
	for _, b := range backups {
		bySource[b.Source] = append(bySource[b.Source], b)
	}

	var prune []string
	for _, group := range bySource {
		sort.Slice(group, func(i, j int) bool { return group[i].Timestamp.After(group[j].Timestamp) })
		for i := range group {
			if i < m.config.Retention.MinBackups {
				continue
			}
			tooMany := m.config.Retention.MaxBackups > 0 && i >= m.config.Retention.MaxBackups
			tooOld := maxAge > 0 && now.Sub(group[i].Timestamp) > maxAge
			if tooMany || tooOld {
				prune = append(prune, group[i].ID)
			}
		}
	}
	return prune
}

// Stats summarizes stored snapshots per target.
type Stats struct {
	TotalBackups int
	DailyBackups int
	TotalSize    int64
	OldestBackup time.Time
	NewestBackup time.Time
}

// GetStats collects per-target snapshot statistics.
func (m *Manager) GetStats(ctx context.Context) (map[string]Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]Stats)
	for _, target := range m.targets {
		backups, err := target.List(ctx)
		if err != nil {
			m.log.Warn("cannot collect stats", "target", target.Name(), "error", err)
			continue
		}
		var s Stats
		for i := range backups {
			b := &backups[i]
			s.TotalBackups++
			s.TotalSize += b.Size
			if b.IsDaily {
				s.DailyBackups++
			}
			if s.OldestBackup.IsZero() || b.Timestamp.Before(s.OldestBackup) {
				s.OldestBackup = b.Timestamp
			}
			if b.Timestamp.After(s.NewestBackup) {
				s.NewestBackup = b.Timestamp
			}
		}
		stats[target.Name()] = s
	}
	return stats, nil
}
