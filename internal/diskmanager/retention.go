// Package diskmanager enforces the media retention policy: it trims
// stored radiographs by age or by disk usage while always keeping a
// minimum number of images per patient and never touching images that
// are still pending or processing.
package diskmanager

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/chestnet/chestnet-go/internal/conf"
	"github.com/chestnet/chestnet-go/internal/datastore"
	"github.com/chestnet/chestnet-go/internal/ensemble"
	"github.com/chestnet/chestnet-go/internal/errors"
	"github.com/chestnet/chestnet-go/internal/logging"
	"github.com/chestnet/chestnet-go/internal/observability/metrics"
	"github.com/chestnet/chestnet-go/internal/securefs"
)

const (
	// Retention policies.
	PolicyNone  = "none"
	PolicyAge   = "age"
	PolicyUsage = "usage"

	candidatePageSize = 500
	// Usage cleanup re-reads the filesystem every this many deletions.
	usageRecheckEvery = 10
)

// candidate is one image file eligible for cleanup.
type candidate struct {
	imageID   uint
	patientID uint
	path      string
	createdAt time.Time
	size      int64
	// Radiologist-confirmed COVID-19 cases are retained the longest:
	// the age policy never deletes them and the usage policy only
	// reaches them after every other candidate is gone.
	confirmed bool
}

// CleanupResult summarizes one retention pass.
type CleanupResult struct {
	Policy     string
	Examined   int
	Deleted    int
	BytesFreed int64
}

// Manager runs retention passes over the media tree.
type Manager struct {
	settings *conf.Settings
	ds       datastore.Interface
	media    *securefs.SecureFS
	metrics  *metrics.DiskManagerMetrics
	log      *slog.Logger

	// Overridable in tests; reads filesystem usage for the media base.
	diskUsage func(path string) (float64, error)
}

// NewManager builds the retention manager.
func NewManager(settings *conf.Settings, ds datastore.Interface, media *securefs.SecureFS) (*Manager, error) {
	if settings == nil || ds == nil || media == nil {
		return nil, errors.Newf("disk manager requires settings, datastore and media store").
			Component("diskmanager").
			Category(errors.CategoryConfiguration).
			Build()
	}
	log := logging.ForService("diskmanager")
	if log == nil {
		log = slog.Default().With("service", "diskmanager")
	}
	return &Manager{
		settings:  settings,
		ds:        ds,
		media:     media,
		metrics:   getMetrics(),
		log:       log,
		diskUsage: GetDiskUsage,
	}, nil
}

// SetMetrics wires the Prometheus collectors.
func (m *Manager) SetMetrics(dm *metrics.DiskManagerMetrics) { m.metrics = dm }

var (
	metricsInstance *metrics.DiskManagerMetrics
	metricsMu       sync.RWMutex
)

// SetMetrics wires Prometheus metrics into managers built after the
// observability stack is up. Passes before that point simply go
// unrecorded.
func SetMetrics(dm *metrics.DiskManagerMetrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	metricsInstance = dm
}

func getMetrics() *metrics.DiskManagerMetrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return metricsInstance
}

// Run executes retention passes on the given interval until the
// context ends. A "none" policy makes Run return immediately.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if m.settings.Media.Retention.Policy == PolicyNone || m.settings.Media.Retention.Policy == "" {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.RunOnce(ctx); err != nil {
				m.log.Error("retention pass failed", "error", err)
			}
		}
	}
}

// RunOnce executes a single retention pass for the configured policy.
func (m *Manager) RunOnce(ctx context.Context) (*CleanupResult, error) {
	policy := m.settings.Media.Retention.Policy
	started := time.Now()

	m.reportDiskGauges()

	var result *CleanupResult
	var err error
	switch policy {
	case PolicyNone, "":
		return &CleanupResult{Policy: PolicyNone}, nil
	case PolicyAge:
		result, err = m.ageCleanup(ctx)
	case PolicyUsage:
		result, err = m.usageCleanup(ctx)
	default:
		return nil, errors.Newf("unknown retention policy: %s", policy).
			Component("diskmanager").
			Category(errors.CategoryConfiguration).
			Build()
	}

	if m.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		m.metrics.RecordCleanupOperation(policy, status)
		m.metrics.RecordCleanupDuration(policy, time.Since(started).Seconds())
		if result != nil {
			m.metrics.RecordFilesDeleted(policy, float64(result.Deleted))
			m.metrics.RecordBytesFreed(policy, float64(result.BytesFreed))
		}
	}
	if err != nil {
		return nil, err
	}

	m.log.Info("retention pass finished",
		"policy", result.Policy,
		"examined", result.Examined,
		"deleted", result.Deleted,
		"bytes_freed", result.BytesFreed)
	return result, nil
}

// ageCleanup deletes terminal-status images older than media.retention.maxage.
func (m *Manager) ageCleanup(ctx context.Context) (*CleanupResult, error) {
	maxAgeHours, err := conf.ParseRetentionPeriod(m.settings.Media.Retention.MaxAge)
	if err != nil {
		return nil, errors.New(err).
			Component("diskmanager").
			Category(errors.CategoryConfiguration).
			Context("setting", "media.retention.maxage").
			Build()
	}
	cutoff := time.Now().Add(-time.Duration(maxAgeHours) * time.Hour)

	candidates, protectedCounts, err := m.collectCandidates()
	if err != nil {
		return nil, err
	}

	result := &CleanupResult{Policy: PolicyAge, Examined: len(candidates)}
	for i := range candidates {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		c := &candidates[i]
		if c.confirmed {
			// Confirmed COVID-19 cases never age out.
			m.recordProcessed("confirmed")
			continue
		}
		if !c.createdAt.Before(cutoff) {
			// Oldest first: everything after this is newer.
			break
		}
		if !m.deletable(c, protectedCounts) {
			continue
		}
		m.deleteCandidate(c, protectedCounts, result)
	}
	return result, nil
}

// usageCleanup deletes oldest images until disk usage drops below
// media.retention.maxusage.
func (m *Manager) usageCleanup(ctx context.Context) (*CleanupResult, error) {
	maxUsage, err := conf.ParsePercentage(m.settings.Media.Retention.MaxUsage)
	if err != nil {
		return nil, errors.New(err).
			Component("diskmanager").
			Category(errors.CategoryConfiguration).
			Context("setting", "media.retention.maxusage").
			Build()
	}

	usage, err := m.diskUsage(m.media.BaseDir())
	if err != nil {
		return nil, err
	}
	result := &CleanupResult{Policy: PolicyUsage}
	if usage <= maxUsage {
		return result, nil
	}

	candidates, protectedCounts, err := m.collectCandidates()
	if err != nil {
		return nil, err
	}
	result.Examined = len(candidates)

	for i := range candidates {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		c := &candidates[i]
		if !m.deletable(c, protectedCounts) {
			continue
		}
		m.deleteCandidate(c, protectedCounts, result)

		if result.Deleted%usageRecheckEvery == 0 {
			usage, err = m.diskUsage(m.media.BaseDir())
			if err != nil {
				return result, err
			}
			if usage <= maxUsage {
				break
			}
		}
	}
	return result, nil
}

// collectCandidates pages through the image table and returns cleanup
// candidates oldest first, plus the per-patient image counts used to
// honor the minimum-per-patient floor.
func (m *Manager) collectCandidates() ([]candidate, map[uint]int, error) {
	var candidates []candidate
	counts := make(map[uint]int)

	for offset := 0; ; offset += candidatePageSize {
		page, err := m.ds.GetAllXRayImages(false, candidatePageSize, offset)
		if err != nil {
			return nil, nil, err
		}
		for i := range page {
			img := &page[i]
			counts[img.PatientID]++
			if img.Status != datastore.ImageStatusDiagnosed && img.Status != datastore.ImageStatusFailed {
				m.recordProcessed("protected")
				continue
			}
			candidates = append(candidates, candidate{
				imageID:   img.ID,
				patientID: img.PatientID,
				path:      img.Path,
				createdAt: img.CreatedAt,
				confirmed: img.Status == datastore.ImageStatusDiagnosed && m.isConfirmedCOVID(img.ID),
			})
		}
		if len(page) < candidatePageSize {
			break
		}
	}

	// Unconfirmed candidates first, oldest first within each group, so
	// confirmed COVID-19 cases are always the last to go.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].confirmed != candidates[j].confirmed {
			return !candidates[i].confirmed
		}
		return candidates[i].createdAt.Before(candidates[j].createdAt)
	})
	return candidates, counts, nil
}

// isConfirmedCOVID reports whether the image's consensus diagnosis is
// COVID-19 and a radiologist review confirmed it.
func (m *Manager) isConfirmedCOVID(imageID uint) bool {
	pred, err := m.ds.GetPredictionForImage(imageID)
	if err != nil || pred.Label != ensemble.LabelCOVID19 {
		return false
	}
	review, err := m.ds.GetPredictionReview(pred.ID)
	if err != nil {
		return false
	}
	return review.Verdict == datastore.ReviewVerdictConfirmed
}

// deletable enforces the per-patient minimum.
func (m *Manager) deletable(c *candidate, counts map[uint]int) bool {
	minImages := m.settings.Media.Retention.MinImages
	if minImages > 0 && counts[c.patientID] <= minImages {
		m.recordProcessed("kept")
		return false
	}
	return true
}

// deleteCandidate removes the media file and soft-deletes the image
// row. A file already gone still releases the database record.
func (m *Manager) deleteCandidate(c *candidate, counts map[uint]int, result *CleanupResult) {
	abs := filepath.Join(m.media.BaseDir(), filepath.FromSlash(c.path))
	if info, err := m.media.Stat(abs); err == nil {
		c.size = info.Size()
	}

	if err := m.media.Remove(abs); err != nil && m.media.ExistsNoErr(abs) {
		m.log.Warn("cannot remove media file", "image_id", c.imageID, "path", c.path, "error", err)
		m.recordError("file_remove")
		return
	}
	if err := m.ds.DeleteXRayImage(c.imageID); err != nil {
		m.log.Warn("cannot soft-delete image row", "image_id", c.imageID, "error", err)
		m.recordError("db_delete")
		return
	}

	counts[c.patientID]--
	result.Deleted++
	result.BytesFreed += c.size
	m.recordProcessed("deleted")
}

func (m *Manager) reportDiskGauges() {
	if m.metrics == nil {
		return
	}
	started := time.Now()
	if info, err := GetDetailedDiskUsage(m.media.BaseDir()); err == nil {
		m.metrics.UpdateDiskUsage(info.UsedBytes, info.TotalBytes)
	}
	m.metrics.RecordDiskCheckDuration(time.Since(started).Seconds())
}

func (m *Manager) recordProcessed(action string) {
	if m.metrics != nil {
		m.metrics.RecordFileProcessed(m.settings.Media.Retention.Policy, action)
	}
}

func (m *Manager) recordError(errorType string) {
	if m.metrics != nil {
		m.metrics.RecordCleanupError(m.settings.Media.Retention.Policy, errorType)
	}
}
