// Package middleware provides the HTTP middleware stack shared by the
// API server: request logging, CORS, body limits, compression and
// security headers.
package middleware

import (
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// RequestIDHeader carries the request id back to the caller and into
// every log line written while handling the request.
const RequestIDHeader = "X-Request-ID"

// NewRequestLogger returns structured request logging middleware. Every
// request gets a request id, reused from the inbound header when the
// caller supplied one.
func NewRequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return NewRequestLoggerWithSkipper(logger, nil)
}

// NewRequestLoggerWithSkipper is NewRequestLogger with a skipper for
// routes that should not be logged, such as health probes.
func NewRequestLoggerWithSkipper(logger *slog.Logger, skipper middleware.Skipper) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper != nil && skipper(c) {
				return next(c)
			}

			requestID := c.Request().Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.New().String()
			}
			c.Set("request_id", requestID)
			c.Response().Header().Set(RequestIDHeader, requestID)

			start := time.Now()
			err := next(c)

			if logger == nil {
				return err
			}

			req := c.Request()
			res := c.Response()
			attrs := []slog.Attr{
				slog.String("request_id", requestID),
				slog.String("method", req.Method),
				slog.String("path", req.URL.Path),
				slog.Int("status", res.Status),
				slog.String("ip", c.RealIP()),
				slog.String("user_agent", req.UserAgent()),
				slog.Int64("latency_ms", time.Since(start).Milliseconds()),
			}
			if err != nil {
				attrs = append(attrs, slog.Any("error", err))
			}
			logger.LogAttrs(req.Context(), slog.LevelInfo, "http request", attrs...)

			return err
		}
	}
}

// HealthSkipper suppresses request logging for liveness probes, which
// otherwise dominate the log volume.
func HealthSkipper(c echo.Context) bool {
	return strings.HasSuffix(c.Request().URL.Path, "/health")
}
