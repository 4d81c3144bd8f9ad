package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/chestnet/chestnet-go/internal/security"
)

// initSystemRoutes registers operational endpoints, admin only.
func (c *Controller) initSystemRoutes() {
	admin := c.requireRole(security.RoleAdmin)

	c.Group.GET("/system/resources", c.SystemResources, admin)
	c.Group.GET("/system/backups", c.ListBackups, admin)
	c.Group.POST("/system/backup", c.TriggerBackup, admin)
	c.Group.GET("/system/settings", c.GetSettings, admin)
}

// SystemResources reports CPU, memory and disk usage for the host.
// The monitor's view includes threshold state when monitoring runs;
// otherwise the handler samples gopsutil directly.
func (c *Controller) SystemResources(ctx echo.Context) error {
	if c.Monitor != nil {
		return ctx.JSON(http.StatusOK, c.Monitor.GetResourceStatus())
	}

	out := map[string]any{}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		out["cpu"] = map[string]any{"usagePercent": pct[0]}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		out["memory"] = map[string]any{
			"usagePercent": vm.UsedPercent,
			"totalBytes":   vm.Total,
			"usedBytes":    vm.Used,
		}
	}
	if du, err := disk.Usage(c.Settings.Media.BasePath); err == nil {
		out["disk"] = map[string]any{
			"path":         du.Path,
			"usagePercent": du.UsedPercent,
			"totalBytes":   du.Total,
			"freeBytes":    du.Free,
		}
	}
	return ctx.JSON(http.StatusOK, out)
}

// ListBackups enumerates stored backup archives across targets.
func (c *Controller) ListBackups(ctx echo.Context) error {
	if c.Backups == nil {
		return c.HandleError(ctx, nil, "Backups unavailable", http.StatusServiceUnavailable)
	}

	backups, err := c.Backups.ListBackups(ctx.Request().Context())
	if err != nil {
		return c.Error(ctx, err, "Failed to list backups")
	}
	return ctx.JSON(http.StatusOK, map[string]any{"backups": backups})
}

// TriggerBackup starts an on-demand backup run in the background. The
// run outlives the request; progress lands in logs and notifications.
func (c *Controller) TriggerBackup(ctx echo.Context) error {
	if c.Backups == nil {
		return c.HandleError(ctx, nil, "Backups unavailable", http.StatusServiceUnavailable)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		runCtx, cancel := context.WithTimeout(c.ctx, 30*time.Minute)
		defer cancel()
		if err := c.Backups.RunBackup(runCtx, false); err != nil {
			c.logger.Error("manual backup failed", "error", err)
		}
	}()

	c.auditAction(ctx, "system.backup", "backup", 0, "manual trigger")
	return ctx.JSON(http.StatusAccepted, map[string]any{"status": "started"})
}

// GetSettings returns the non-secret parts of the runtime configuration.
func (c *Controller) GetSettings(ctx echo.Context) error {
	s := c.Settings
	return ctx.JSON(http.StatusOK, map[string]any{
		"name":    s.Main.Name,
		"version": s.Version,
		"triage": map[string]any{
			"minAgreement":  s.Triage.MinAgreement,
			"minConfidence": s.Triage.MinConfidence,
			"workers":       s.Triage.Workers,
			"autoReport":    s.Triage.AutoReport,
		},
		"batch": map[string]any{
			"maxConcurrent": s.Batch.MaxConcurrent,
			"maxFileSizeMB": s.Batch.MaxFileSizeMB,
			"allowedTypes":  s.Batch.AllowedTypes,
		},
		"appointment": map[string]any{
			"slotMinutes":   s.Appointment.SlotMinutes,
			"bufferMinutes": s.Appointment.BufferMinutes,
			"dayStart":      s.Appointment.DayStart,
			"dayEnd":        s.Appointment.DayEnd,
		},
		"media": map[string]any{
			"basePath": s.Media.BasePath,
		},
	})
}
