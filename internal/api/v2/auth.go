package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/chestnet/chestnet-go/internal/datastore"
	"github.com/chestnet/chestnet-go/internal/security"
)

// initAuthRoutes registers login, token refresh and account endpoints.
// Login and refresh are public but throttled per source IP.
func (c *Controller) initAuthRoutes() {
	c.Group.POST("/auth/login", c.Login, c.rateLimitAuth())
	c.Group.POST("/auth/refresh", c.RefreshToken, c.rateLimitAuth())

	c.Group.GET("/auth/me", c.CurrentUser, c.requireRole(security.RoleTechnician))
	c.Group.POST("/auth/logout", c.Logout, c.requireRole(security.RoleTechnician))
	c.Group.POST("/auth/password", c.ChangePassword, c.requireRole(security.RoleTechnician))
}

// LoginRequest carries staff credentials.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse returns the token pair and the account it belongs to.
type LoginResponse struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	User         UserInfo  `json:"user"`
}

// UserInfo is the public view of a staff account.
type UserInfo struct {
	ID          uint       `json:"id"`
	Username    string     `json:"username"`
	DisplayName string     `json:"displayName"`
	Role        string     `json:"role"`
	Active      bool       `json:"active"`
	LastLoginAt *time.Time `json:"lastLoginAt,omitempty"`
}

func userInfo(user *datastore.User) UserInfo {
	return UserInfo{
		ID:          user.ID,
		Username:    user.Username,
		DisplayName: user.DisplayName,
		Role:        user.Role,
		Active:      user.Active,
		LastLoginAt: user.LastLoginAt,
	}
}

// Login exchanges credentials for a token pair.
func (c *Controller) Login(ctx echo.Context) error {
	if c.auth == nil {
		return c.HandleError(ctx, nil, "Authentication service unavailable", http.StatusServiceUnavailable)
	}

	var req LoginRequest
	if err := ctx.Bind(&req); err != nil {
		return c.HandleError(ctx, err, "Invalid request body", http.StatusBadRequest)
	}
	if req.Username == "" || req.Password == "" {
		return c.HandleError(ctx, nil, "Username and password are required", http.StatusBadRequest)
	}

	pair, user, err := c.auth.Login(req.Username, req.Password)
	if err != nil {
		c.recordAuth("password", "login", "failure")
		// One message for every failure mode, the caller learns nothing
		// about which part of the credentials was wrong.
		return c.HandleError(ctx, nil, "Invalid credentials", http.StatusUnauthorized)
	}

	c.recordAuth("password", "login", "success")
	c.auditAction(ctx, "auth.login", "user", user.ID, "")
	return ctx.JSON(http.StatusOK, LoginResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.ExpiresAt,
		User:         userInfo(user),
	})
}

// RefreshRequest redeems a refresh token.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// RefreshToken rotates the token pair.
func (c *Controller) RefreshToken(ctx echo.Context) error {
	if c.auth == nil {
		return c.HandleError(ctx, nil, "Authentication service unavailable", http.StatusServiceUnavailable)
	}

	var req RefreshRequest
	if err := ctx.Bind(&req); err != nil {
		return c.HandleError(ctx, err, "Invalid request body", http.StatusBadRequest)
	}
	if req.RefreshToken == "" {
		return c.HandleError(ctx, nil, "Refresh token is required", http.StatusBadRequest)
	}

	pair, err := c.auth.Refresh(req.RefreshToken)
	if err != nil {
		c.recordAuth("token", "refresh", "failure")
		return c.HandleError(ctx, nil, "Invalid or expired refresh token", http.StatusUnauthorized)
	}

	c.recordAuth("token", "refresh", "success")
	return ctx.JSON(http.StatusOK, map[string]any{
		"accessToken":  pair.AccessToken,
		"refreshToken": pair.RefreshToken,
		"expiresAt":    pair.ExpiresAt,
	})
}

// CurrentUser returns the calling account.
func (c *Controller) CurrentUser(ctx echo.Context) error {
	user := currentUser(ctx)
	if user == nil {
		// Subnet bypass has no account behind it.
		return ctx.JSON(http.StatusOK, map[string]any{
			"username":   security.SubnetUsername,
			"role":       security.RoleAdmin,
			"authMethod": security.AuthMethodSubnet,
		})
	}
	return ctx.JSON(http.StatusOK, userInfo(user))
}

// LogoutRequest optionally carries the refresh token to revoke with
// the session.
type LogoutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// Logout revokes the presented access token and, when given, the
// refresh token.
func (c *Controller) Logout(ctx echo.Context) error {
	var req LogoutRequest
	_ = ctx.Bind(&req) // body is optional

	authHeader := ctx.Request().Header.Get(echo.HeaderAuthorization)
	_, token, _ := strings.Cut(authHeader, " ")
	if token != "" && c.auth != nil {
		if claims, err := c.auth.Tokens().ValidateAccessToken(token); err == nil {
			c.auth.Logout(claims, req.RefreshToken)
		}
	}

	if user := currentUser(ctx); user != nil {
		c.auditAction(ctx, "auth.logout", "user", user.ID, "")
	}
	return ctx.NoContent(http.StatusNoContent)
}

// ChangePasswordRequest carries the current and replacement password.
type ChangePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

// ChangePassword updates the caller's own password.
func (c *Controller) ChangePassword(ctx echo.Context) error {
	user := currentUser(ctx)
	if user == nil {
		return c.HandleError(ctx, nil, "Password change requires a token session", http.StatusBadRequest)
	}

	var req ChangePasswordRequest
	if err := ctx.Bind(&req); err != nil {
		return c.HandleError(ctx, err, "Invalid request body", http.StatusBadRequest)
	}

	if err := c.auth.ChangePassword(user.ID, req.CurrentPassword, req.NewPassword); err != nil {
		return c.Error(ctx, err, "Failed to change password")
	}

	c.auditAction(ctx, "auth.password_change", "user", user.ID, "")
	return ctx.NoContent(http.StatusNoContent)
}
