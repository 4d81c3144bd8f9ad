package api

import (
	"fmt"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
)

// parseIDParam reads a positive numeric path parameter.
func parseIDParam(ctx echo.Context, name string) (uint, error) {
	raw := ctx.Param(name)
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return uint(id), nil
}

// parseOptionalIDQuery reads a numeric query parameter. Zero and nil
// error mean the parameter was absent.
func parseOptionalIDQuery(ctx echo.Context, name string) (uint, error) {
	raw := ctx.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return uint(id), nil
}

// parsePagination reads limit and offset query parameters, clamping the
// limit to the configured page bounds.
func parsePagination(ctx echo.Context) (limit, offset int) {
	limit = DefaultPageSize
	if raw := ctx.QueryParam("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	if raw := ctx.QueryParam("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			offset = v
		}
	}
	return limit, offset
}

// parseDateParam reads a query parameter in YYYY-MM-DD form. The zero
// time and nil error mean the parameter was absent.
func parseDateParam(ctx echo.Context, name string) (time.Time, error) {
	raw := ctx.QueryParam(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s %q, want YYYY-MM-DD", name, raw)
	}
	return t, nil
}

// parseTimeParam reads an RFC 3339 query parameter, falling back to
// YYYY-MM-DD. The zero time and nil error mean the parameter was
// absent.
func parseTimeParam(ctx echo.Context, name string) (time.Time, error) {
	raw := ctx.QueryParam(name)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s %q, want RFC 3339 or YYYY-MM-DD", name, raw)
	}
	return t, nil
}
