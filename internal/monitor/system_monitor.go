// Package monitor provides system resource monitoring with threshold-based alerts.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/chestnet/chestnet-go/internal/conf"
	"github.com/chestnet/chestnet-go/internal/errors"
	"github.com/chestnet/chestnet-go/internal/events"
	"github.com/chestnet/chestnet-go/internal/logging"
)

var logger = logging.ForService("monitor")

// ResourceType represents the type of system resource being monitored
type ResourceType string

const (
	ResourceCPU    ResourceType = "cpu"
	ResourceMemory ResourceType = "memory"
	ResourceDisk   ResourceType = "disk"
)

// AlertLevel constants for recovery notifications
const (
	alertLevelCritical = "critical"
	alertLevelWarning  = "warning"
)

const (
	defaultCriticalResendInterval = 30 * time.Minute
	defaultHysteresisPercent      = 5.0
	stateKeySeparator             = "|"
	bytesPerMB                    = 1024 * 1024
	bytesPerGB                    = 1024 * 1024 * 1024

	// headroomReserveMB is kept free beyond what a model load requires,
	// so a load never pushes the host to the edge of its memory.
	headroomReserveMB = 256
)

// AlertState tracks the current alert state for a resource
type AlertState struct {
	InWarning            bool
	InCritical           bool
	LastValue            float64
	LastCheck            time.Time
	LastNotificationTime time.Time // When the last notification was sent
	CriticalStartTime    time.Time // When resource first entered critical state
}

// SystemMonitor watches CPU, memory and disk usage and publishes resource
// events when configured thresholds are crossed. It also serves as the
// memory gate for ensemble model loading via CheckMemoryHeadroom.
type SystemMonitor struct {
	config         *conf.Settings
	interval       time.Duration
	alertStates    map[string]*AlertState
	validatedPaths map[string]bool // Cache for validated disk paths
	mu             sync.RWMutex
	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	log            *slog.Logger
}

// NewSystemMonitor creates a new system monitor instance
func NewSystemMonitor(config *conf.Settings) *SystemMonitor {
	ctx, cancel := context.WithCancel(context.Background())

	interval := 30 * time.Second
	if config.Monitoring.CheckInterval > 0 {
		interval = time.Duration(config.Monitoring.CheckInterval) * time.Second
	}

	// Auto-append critical paths not already covered by the configuration
	if config.Monitoring.Enabled {
		configured, autoDetected, merged := GetMonitoringPathsInfo(config)
		config.Monitoring.Disks = merged

		logger.Info("disk monitoring paths configured",
			"user_configured", len(configured),
			"auto_detected", len(autoDetected),
			"total_monitored", len(merged))
	}

	monitor := &SystemMonitor{
		config:         config,
		interval:       interval,
		alertStates:    make(map[string]*AlertState),
		validatedPaths: make(map[string]bool),
		ctx:            ctx,
		cancel:         cancel,
		log:            logger,
	}

	monitor.log.Info("system monitor created",
		"enabled", config.Monitoring.Enabled,
		"interval", interval,
		"cpu_enabled", config.Monitoring.CPU.Enabled,
		"memory_enabled", config.Monitoring.Memory.Enabled,
		"disk_mounts", len(config.Monitoring.Disks))

	return monitor
}

// CheckMemoryHeadroom reports whether the host can absorb an allocation of
// requiredMB without crossing the configured critical memory threshold.
// A nil return means the allocation is safe to attempt.
func (m *SystemMonitor) CheckMemoryHeadroom(requiredMB int) error {
	memInfo, err := mem.VirtualMemory()
	if err != nil {
		// Cannot measure, do not block the caller on a probe failure.
		m.log.Warn("memory probe failed, allowing allocation", "error", err)
		return nil
	}

	requiredBytes := uint64(requiredMB+headroomReserveMB) * bytesPerMB
	if memInfo.Available < requiredBytes {
		return errors.Newf("insufficient memory: need %d MB plus %d MB reserve, only %d MB available",
			requiredMB, headroomReserveMB, memInfo.Available/bytesPerMB).
			Component("monitor").
			Category(errors.CategorySystem).
			Context("required_mb", requiredMB).
			Context("available_mb", memInfo.Available/bytesPerMB).
			Build()
	}

	// Even with enough free bytes, refuse if the load would land the host
	// above the critical memory threshold.
	if m.config.Monitoring.Memory.Enabled && m.config.Monitoring.Memory.Critical > 0 {
		projected := float64(memInfo.Used+requiredBytes) / float64(memInfo.Total) * 100.0
		if projected >= m.config.Monitoring.Memory.Critical {
			return errors.Newf("allocation of %d MB would push memory usage to %.1f%%, above critical threshold %.1f%%",
				requiredMB, projected, m.config.Monitoring.Memory.Critical).
				Component("monitor").
				Category(errors.CategorySystem).
				Context("required_mb", requiredMB).
				Context("projected_percent", projected).
				Build()
		}
	}

	return nil
}

// Start begins monitoring system resources
func (m *SystemMonitor) Start() {
	if !m.config.Monitoring.Enabled {
		m.log.Warn("system monitoring is disabled in configuration")
		return
	}

	m.log.Info("starting system resource monitoring",
		"interval", m.interval,
		"cpu_warning", m.config.Monitoring.CPU.Warning,
		"cpu_critical", m.config.Monitoring.CPU.Critical,
		"memory_warning", m.config.Monitoring.Memory.Warning,
		"memory_critical", m.config.Monitoring.Memory.Critical)

	m.wg.Add(1)
	go m.monitorLoop()
}

// Stop stops the system monitor
func (m *SystemMonitor) Stop() {
	m.log.Info("stopping system resource monitoring")
	m.cancel()
	m.wg.Wait()
}

func (m *SystemMonitor) monitorLoop() {
	defer m.wg.Done()

	// Perform initial check
	m.checkAllResources()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.checkAllResources()
		case <-m.ctx.Done():
			m.log.Debug("system monitor loop stopping")
			return
		}
	}
}

// checkAllResources checks all monitored resources
func (m *SystemMonitor) checkAllResources() {
	if m.config.Monitoring.CPU.Enabled {
		m.checkCPU()
	}

	if m.config.Monitoring.Memory.Enabled {
		m.checkMemory()
	}

	m.checkDisks()
}

// checkCPU monitors CPU usage
func (m *SystemMonitor) checkCPU() {
	// Instant reading; less accurate than a 1-second sample but non-blocking
	cpuPercent, err := cpu.Percent(0, false)
	if err != nil {
		m.log.Error("failed to get CPU usage", "error", err)
		return
	}

	if len(cpuPercent) == 0 {
		return
	}

	m.checkThresholds(ResourceCPU, cpuPercent[0],
		m.config.Monitoring.CPU.Warning,
		m.config.Monitoring.CPU.Critical, "")
}

// checkMemory monitors memory usage
func (m *SystemMonitor) checkMemory() {
	memInfo, err := mem.VirtualMemory()
	if err != nil {
		m.log.Error("failed to get memory info", "error", err)
		return
	}

	m.checkThresholds(ResourceMemory, memInfo.UsedPercent,
		m.config.Monitoring.Memory.Warning,
		m.config.Monitoring.Memory.Critical, "")
}

// checkDisks monitors disk usage for all configured mounts, grouped by
// mount point so shared filesystems alert only once.
func (m *SystemMonitor) checkDisks() {
	enabled := make([]conf.DiskThreshold, 0, len(m.config.Monitoring.Disks))
	for _, d := range m.config.Monitoring.Disks {
		if d.Enabled {
			enabled = append(enabled, d)
		}
	}
	if len(enabled) == 0 {
		return
	}

	groups, err := groupDisksByMountPoint(enabled)
	if err != nil {
		m.log.Error("failed to group paths by mount point", "error", err)
		// Fall back to checking each path individually
		for _, d := range enabled {
			m.checkDiskPath(d)
		}
		return
	}

	for _, group := range groups {
		m.checkDiskGroup(group)
	}
}

// checkDiskGroup monitors disk usage for a group of paths sharing a mount point
func (m *SystemMonitor) checkDiskGroup(group MountGroup) {
	if !m.validateMountPoint(group.MountPoint) {
		return
	}

	usage, err := disk.Usage(group.MountPoint)
	if err != nil {
		m.log.Error("failed to get disk usage",
			"mount_point", group.MountPoint, "error", err)
		return
	}

	m.log.Debug("disk usage check completed",
		"mount_point", group.MountPoint,
		"affected_paths", group.Paths,
		"used_percent", fmt.Sprintf("%.2f%%", usage.UsedPercent),
		"free_gb", fmt.Sprintf("%.2f", float64(usage.Free)/bytesPerGB),
		"filesystem", usage.Fstype)

	m.checkThresholds(ResourceDisk, usage.UsedPercent,
		group.Warning, group.Critical, group.MountPoint)
}

// checkDiskPath monitors disk usage for a single configured mount
func (m *SystemMonitor) checkDiskPath(d conf.DiskThreshold) {
	if !m.validateMountPoint(d.Path) {
		return
	}

	usage, err := disk.Usage(d.Path)
	if err != nil {
		m.log.Error("failed to get disk usage", "path", d.Path, "error", err)
		return
	}

	m.checkThresholds(ResourceDisk, usage.UsedPercent, d.Warning, d.Critical, d.Path)
}

// validateMountPoint verifies the path exists, caching the result so
// missing mounts are only stat'd once per process.
func (m *SystemMonitor) validateMountPoint(path string) bool {
	m.mu.RLock()
	validated, exists := m.validatedPaths[path]
	m.mu.RUnlock()

	if exists {
		return validated
	}

	_, err := os.Stat(path)
	valid := err == nil
	if !valid {
		m.log.Error("monitored path does not exist or is not accessible",
			"path", path, "error", err)
	}

	m.mu.Lock()
	m.validatedPaths[path] = valid
	m.mu.Unlock()
	return valid
}

// checkThresholds evaluates resource usage against configured thresholds.
// path is empty for CPU and memory; for disks it is the mount point.
func (m *SystemMonitor) checkThresholds(resource ResourceType, current, warningThreshold, criticalThreshold float64, path string) {
	stateKey := string(resource)
	if resource == ResourceDisk && path != "" {
		stateKey = string(resource) + stateKeySeparator + path
	}

	m.mu.Lock()
	state, exists := m.alertStates[stateKey]
	if !exists {
		state = &AlertState{}
		m.alertStates[stateKey] = state
	}
	m.mu.Unlock()

	state.LastValue = current
	state.LastCheck = time.Now()

	hysteresis := m.config.Monitoring.HysteresisPct
	if hysteresis == 0 {
		hysteresis = defaultHysteresisPercent
	}

	switch {
	case current >= criticalThreshold:
		if !state.InCritical {
			m.log.Warn("critical threshold exceeded",
				"resource", string(resource),
				"path", path,
				"current", fmt.Sprintf("%.2f%%", current),
				"threshold", fmt.Sprintf("%.2f%%", criticalThreshold))
			m.publishAlert(resource, current, criticalThreshold, events.SeverityCritical, state, path)
			state.InCritical = true
			state.InWarning = true // Critical implies warning
			state.CriticalStartTime = time.Now()
		} else if resource == ResourceDisk && time.Since(state.LastNotificationTime) > defaultCriticalResendInterval {
			// Disks stuck in critical keep filling; resend so the alert
			// is not lost in a notification that was dismissed.
			m.log.Info("resending critical disk alert",
				"path", path,
				"current", fmt.Sprintf("%.2f%%", current))
			m.publishAlert(resource, current, criticalThreshold, events.SeverityCritical, state, path)
		}
	case current >= warningThreshold:
		if !state.InWarning {
			m.log.Warn("warning threshold exceeded",
				"resource", string(resource),
				"path", path,
				"current", fmt.Sprintf("%.2f%%", current),
				"threshold", fmt.Sprintf("%.2f%%", warningThreshold))
			m.publishAlert(resource, current, warningThreshold, events.SeverityWarning, state, path)
			state.InWarning = true
		}
		if state.InCritical && current < (criticalThreshold-hysteresis) {
			m.publishRecovery(resource, current, alertLevelCritical, state, path)
			state.InCritical = false
			state.CriticalStartTime = time.Time{}
		}
	default:
		if state.InWarning && current < (warningThreshold-hysteresis) {
			m.publishRecovery(resource, current, alertLevelWarning, state, path)
			state.InWarning = false
			state.InCritical = false
			state.CriticalStartTime = time.Time{}
		}
	}
}

// publishAlert publishes a threshold exceeded event to the event bus
func (m *SystemMonitor) publishAlert(resource ResourceType, current, threshold float64, severity string, state *AlertState, path string) {
	eventBus := events.GetEventBus()
	if eventBus == nil {
		m.log.Debug("event bus not available for resource alert",
			"resource", string(resource), "severity", severity)
		return
	}

	var event events.ResourceEvent
	if resource == ResourceDisk && path != "" {
		event = events.NewResourceEventWithPath(string(resource), current, threshold, severity, path)
	} else {
		event = events.NewResourceEvent(string(resource), current, threshold, severity)
	}

	if eventBus.TryPublishResource(event) {
		state.LastNotificationTime = time.Now()
	} else {
		m.log.Warn("failed to publish resource event",
			"resource", string(resource),
			"current", fmt.Sprintf("%.1f%%", current),
			"severity", severity)
	}
}

// publishRecovery publishes an event when usage returns to normal
func (m *SystemMonitor) publishRecovery(resource ResourceType, current float64, level string, state *AlertState, path string) {
	var duration time.Duration
	if level == alertLevelCritical && !state.CriticalStartTime.IsZero() {
		duration = time.Since(state.CriticalStartTime)
	}

	eventBus := events.GetEventBus()
	if eventBus == nil {
		return
	}

	// Threshold is not applicable to a recovery, use 0
	var event events.ResourceEvent
	if resource == ResourceDisk && path != "" {
		event = events.NewResourceEventWithPath(string(resource), current, 0, events.SeverityRecovery, path)
	} else {
		event = events.NewResourceEvent(string(resource), current, 0, events.SeverityRecovery)
	}

	if duration > 0 {
		if metadata := event.GetMetadata(); metadata != nil {
			metadata["duration"] = duration.String()
			metadata["duration_minutes"] = int(duration.Minutes())
		}
	}

	if eventBus.TryPublishResource(event) {
		m.log.Info("resource usage recovered",
			"resource", string(resource),
			"path", path,
			"current", fmt.Sprintf("%.1f%%", current),
			"recovered_from", level,
			"duration", duration)
		state.LastNotificationTime = time.Time{}
	}
}

// GetResourceStatus returns the current status of all monitored resources
func (m *SystemMonitor) GetResourceStatus() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]any, len(m.alertStates))
	for resource, state := range m.alertStates {
		status[resource] = map[string]any{
			"current_value": fmt.Sprintf("%.1f%%", state.LastValue),
			"in_warning":    state.InWarning,
			"in_critical":   state.InCritical,
			"last_check":    state.LastCheck.Format(time.RFC3339),
		}
	}
	return status
}

// TriggerCheck manually triggers a resource check
func (m *SystemMonitor) TriggerCheck() {
	if !m.config.Monitoring.Enabled {
		m.log.Info("system monitoring is disabled, cannot trigger check")
		return
	}
	m.checkAllResources()
}

// GetMonitoredPaths returns the mount paths being monitored for disk usage
func (m *SystemMonitor) GetMonitoredPaths() []string {
	paths := make([]string, 0, len(m.config.Monitoring.Disks))
	for _, d := range m.config.Monitoring.Disks {
		if d.Enabled {
			paths = append(paths, d.Path)
		}
	}
	return paths
}
