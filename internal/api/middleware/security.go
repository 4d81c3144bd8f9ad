package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// HSTSMaxAge is one year in seconds, the span browsers remember the
// HTTPS-only policy.
const HSTSMaxAge = 31536000

// SecurityConfig bundles the knobs for CORS and response headers.
type SecurityConfig struct {
	AllowedOrigins        []string
	AllowCredentials      bool
	HSTSMaxAge            int
	HSTSExcludeSubdomains bool
	ContentSecurityPolicy string
}

// DefaultSecurityConfig permits same-origin deployments behind a
// reverse proxy.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		AllowedOrigins:   []string{"*"},
		AllowCredentials: false,
		HSTSMaxAge:       HSTSMaxAge,
	}
}

// NewCORS returns CORS middleware for the configured origins.
func NewCORS(config SecurityConfig) echo.MiddlewareFunc {
	origins := config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     origins,
		AllowCredentials: config.AllowCredentials,
		AllowMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut,
			http.MethodDelete, http.MethodOptions,
		},
		AllowHeaders: []string{
			echo.HeaderOrigin, echo.HeaderContentType,
			echo.HeaderAccept, echo.HeaderAuthorization,
			RequestIDHeader,
		},
	})
}

// NewSecureHeaders returns middleware setting the standard hardening
// headers on every response.
func NewSecureHeaders(config SecurityConfig) echo.MiddlewareFunc {
	return middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            config.HSTSMaxAge,
		HSTSExcludeSubdomains: config.HSTSExcludeSubdomains,
		ContentSecurityPolicy: config.ContentSecurityPolicy,
	})
}

// NewBodyLimit caps request body size, e.g. "1M" or "64M".
func NewBodyLimit(limit string) echo.MiddlewareFunc {
	return middleware.BodyLimit(limit)
}

// NewGzip compresses responses, skipping event streams where buffering
// would delay delivery.
func NewGzip() echo.MiddlewareFunc {
	return middleware.GzipWithConfig(middleware.GzipConfig{
		Skipper: func(c echo.Context) bool {
			if strings.Contains(c.Request().Header.Get(echo.HeaderAccept), "text/event-stream") {
				return true
			}
			return strings.HasSuffix(c.Request().URL.Path, "/stream")
		},
	})
}
