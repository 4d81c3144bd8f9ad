package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/chestnet/chestnet-go/internal/notification"
	"github.com/chestnet/chestnet-go/internal/security"
)

// initNotificationRoutes registers in-app notification endpoints and
// the shared event stream.
func (c *Controller) initNotificationRoutes() {
	tech := c.requireRole(security.RoleTechnician)

	c.Group.GET("/notifications", c.ListNotifications, tech)
	c.Group.GET("/notifications/unread-count", c.UnreadCount, tech)
	c.Group.GET("/notifications/history", c.NotificationHistory, tech)
	c.Group.POST("/notifications/:id/read", c.MarkNotificationRead, tech)
	c.Group.POST("/notifications/:id/acknowledge", c.AcknowledgeNotification, tech)
	c.Group.DELETE("/notifications/:id", c.DeleteNotification, tech)
	c.Group.GET("/events", c.EventStream, tech)
}

func (c *Controller) notifierReady(ctx echo.Context) error {
	if c.Notifier == nil {
		return c.HandleError(ctx, nil, "Notifications unavailable", http.StatusServiceUnavailable)
	}
	return nil
}

// ListNotifications returns live notifications filtered by the
// optional type, priority, status and component query parameters.
func (c *Controller) ListNotifications(ctx echo.Context) error {
	if err := c.notifierReady(ctx); err != nil {
		return err
	}

	limit, offset := parsePagination(ctx)
	filter := &notification.FilterOptions{
		Limit:  limit,
		Offset: offset,
	}
	if v := ctx.QueryParam("type"); v != "" {
		filter.Types = []notification.Type{notification.Type(v)}
	}
	if v := ctx.QueryParam("priority"); v != "" {
		filter.Priorities = []notification.Priority{notification.Priority(v)}
	}
	if v := ctx.QueryParam("status"); v != "" {
		filter.Status = []notification.Status{notification.Status(v)}
	}
	filter.Component = ctx.QueryParam("component")

	notifications, err := c.Notifier.List(filter)
	if err != nil {
		return c.Error(ctx, err, "Failed to list notifications")
	}
	return ctx.JSON(http.StatusOK, map[string]any{
		"notifications": notifications,
		"limit":         limit,
		"offset":        offset,
	})
}

// UnreadCount returns the number of unread notifications.
func (c *Controller) UnreadCount(ctx echo.Context) error {
	if err := c.notifierReady(ctx); err != nil {
		return err
	}

	count, err := c.Notifier.GetUnreadCount()
	if err != nil {
		return c.Error(ctx, err, "Failed to count notifications")
	}
	return ctx.JSON(http.StatusOK, map[string]any{"count": count})
}

// NotificationHistory returns persisted notification records,
// surviving restarts unlike the live list.
func (c *Controller) NotificationHistory(ctx echo.Context) error {
	if err := c.notifierReady(ctx); err != nil {
		return err
	}

	limit, _ := parsePagination(ctx)
	records, err := c.Notifier.RecentHistory(limit)
	if err != nil {
		return c.Error(ctx, err, "Failed to load notification history")
	}
	return ctx.JSON(http.StatusOK, map[string]any{"history": records})
}

// MarkNotificationRead marks one live notification as read.
func (c *Controller) MarkNotificationRead(ctx echo.Context) error {
	if err := c.notifierReady(ctx); err != nil {
		return err
	}

	if err := c.Notifier.MarkAsRead(ctx.Param("id")); err != nil {
		return c.Error(ctx, err, "Failed to mark notification read")
	}
	return ctx.NoContent(http.StatusNoContent)
}

// AcknowledgeNotification marks a notification as acted upon.
func (c *Controller) AcknowledgeNotification(ctx echo.Context) error {
	if err := c.notifierReady(ctx); err != nil {
		return err
	}

	if err := c.Notifier.MarkAsAcknowledged(ctx.Param("id")); err != nil {
		return c.Error(ctx, err, "Failed to acknowledge notification")
	}
	return ctx.NoContent(http.StatusNoContent)
}

// DeleteNotification removes a live notification.
func (c *Controller) DeleteNotification(ctx echo.Context) error {
	if err := c.notifierReady(ctx); err != nil {
		return err
	}

	if err := c.Notifier.Delete(ctx.Param("id")); err != nil {
		return c.Error(ctx, err, "Failed to delete notification")
	}
	return ctx.NoContent(http.StatusNoContent)
}
