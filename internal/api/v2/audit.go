package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/chestnet/chestnet-go/internal/datastore"
	"github.com/chestnet/chestnet-go/internal/security"
)

// initAuditRoutes registers the audit trail search, admin only.
func (c *Controller) initAuditRoutes() {
	c.Group.GET("/audit", c.SearchAudit, c.requireRole(security.RoleAdmin))
}

// AuditEntryResponse is one audit trail row.
type AuditEntryResponse struct {
	ID         uint      `json:"id"`
	UserID     *uint     `json:"userId,omitempty"`
	Action     string    `json:"action"`
	EntityType string    `json:"entityType,omitempty"`
	EntityID   uint      `json:"entityId,omitempty"`
	Details    string    `json:"details,omitempty"`
	SourceIP   string    `json:"sourceIp,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// SearchAudit pages through the audit trail. Supports user, action,
// entityType, entityId, from and to query filters.
func (c *Controller) SearchAudit(ctx echo.Context) error {
	limit, offset := parsePagination(ctx)

	userID, err := parseOptionalIDQuery(ctx, "user")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid user parameter", http.StatusBadRequest)
	}
	entityID, err := parseOptionalIDQuery(ctx, "entityId")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid entityId parameter", http.StatusBadRequest)
	}
	from, err := parseTimeParam(ctx, "from")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid from parameter", http.StatusBadRequest)
	}
	to, err := parseTimeParam(ctx, "to")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid to parameter", http.StatusBadRequest)
	}

	filters := &datastore.AuditLogFilters{
		UserID:     userID,
		Action:     ctx.QueryParam("action"),
		EntityType: ctx.QueryParam("entityType"),
		EntityID:   entityID,
		From:       from,
		To:         to,
	}

	entries, total, err := c.DS.SearchAuditLogs(filters, limit, offset)
	if err != nil {
		return c.Error(ctx, err, "Failed to search audit trail")
	}

	out := make([]AuditEntryResponse, 0, len(entries))
	for i := range entries {
		e := &entries[i]
		out = append(out, AuditEntryResponse{
			ID:         e.ID,
			UserID:     e.UserID,
			Action:     e.Action,
			EntityType: e.EntityType,
			EntityID:   e.EntityID,
			Details:    e.Details,
			SourceIP:   e.SourceIP,
			CreatedAt:  e.CreatedAt,
		})
	}
	return ctx.JSON(http.StatusOK, map[string]any{
		"entries": out,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}
