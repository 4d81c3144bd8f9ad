package api

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/chestnet/chestnet-go/internal/security"
)

// initUserRoutes registers staff account management, admin only.
func (c *Controller) initUserRoutes() {
	admin := c.requireRole(security.RoleAdmin)
	c.Group.GET("/users", c.ListUsers, admin)
	c.Group.POST("/users", c.CreateUser, admin)
	c.Group.POST("/users/:id/deactivate", c.DeactivateUser, admin)
}

// ListUsers returns every staff account.
func (c *Controller) ListUsers(ctx echo.Context) error {
	users, err := c.DS.ListUsers()
	if err != nil {
		return c.Error(ctx, err, "Failed to list users")
	}
	out := make([]UserInfo, 0, len(users))
	for i := range users {
		out = append(out, userInfo(&users[i]))
	}
	return ctx.JSON(http.StatusOK, out)
}

// CreateUserRequest registers a new staff account.
type CreateUserRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

// CreateUser registers a staff account with the given role.
func (c *Controller) CreateUser(ctx echo.Context) error {
	if c.auth == nil {
		return c.HandleError(ctx, nil, "Authentication service unavailable", http.StatusServiceUnavailable)
	}

	var req CreateUserRequest
	if err := ctx.Bind(&req); err != nil {
		return c.HandleError(ctx, err, "Invalid request body", http.StatusBadRequest)
	}

	user, err := c.auth.CreateUser(req.Username, req.Password, req.DisplayName, req.Role)
	if err != nil {
		return c.Error(ctx, err, "Failed to create user")
	}

	c.auditAction(ctx, "user.create", "user", user.ID, fmt.Sprintf("role=%s", user.Role))
	return ctx.JSON(http.StatusCreated, userInfo(user))
}

// DeactivateUser disables an account without deleting it, keeping the
// audit trail attributable.
func (c *Controller) DeactivateUser(ctx echo.Context) error {
	id, err := parseIDParam(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid user id", http.StatusBadRequest)
	}

	if acting := currentUser(ctx); acting != nil && acting.ID == id {
		return c.HandleError(ctx, nil, "Cannot deactivate your own account", http.StatusConflict)
	}

	user, err := c.DS.GetUser(id)
	if err != nil {
		return c.Error(ctx, err, "User not found")
	}
	user.Active = false
	if err := c.DS.UpdateUser(&user); err != nil {
		return c.Error(ctx, err, "Failed to deactivate user")
	}

	c.auditAction(ctx, "user.deactivate", "user", user.ID, "")
	return ctx.NoContent(http.StatusNoContent)
}
