package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/chestnet/chestnet-go/internal/security"
)

// analyticsCacheTTL bounds how stale aggregate views may get. The
// queries scan whole tables, so results are cached per query key.
const analyticsCacheTTL = time.Minute

// initAnalyticsRoutes registers aggregate reporting endpoints.
func (c *Controller) initAnalyticsRoutes() {
	tech := c.requireRole(security.RoleTechnician)
	radio := c.requireRole(security.RoleRadiologist)

	c.Group.GET("/analytics/dashboard", c.Dashboard, tech)
	c.Group.GET("/analytics/labels", c.LabelSummary, tech)
	c.Group.GET("/analytics/daily", c.DailyCounts, tech)
	c.Group.GET("/analytics/hourly", c.HourlyActivity, tech)
	c.Group.GET("/analytics/risk", c.RiskDistribution, tech)
	c.Group.GET("/analytics/trends", c.PredictionTrends, tech)
	c.Group.GET("/analytics/models", c.ModelAgreement, radio)
}

// cachedAnalytics serves a cache hit or computes and stores the value.
func (c *Controller) cachedAnalytics(key string, compute func() (any, error)) (any, error) {
	if cached, found := c.analyticsCache.Get(key); found {
		return cached, nil
	}
	value, err := compute()
	if err != nil {
		return nil, err
	}
	c.analyticsCache.Set(key, value, analyticsCacheTTL)
	return value, nil
}

// Dashboard returns the headline counters for the home screen.
func (c *Controller) Dashboard(ctx echo.Context) error {
	value, err := c.cachedAnalytics("dashboard", func() (any, error) {
		return c.DS.GetDashboardSummary(ctx.Request().Context())
	})
	if err != nil {
		return c.Error(ctx, err, "Failed to load dashboard summary")
	}
	return ctx.JSON(http.StatusOK, value)
}

// LabelSummary aggregates predictions per diagnostic label.
func (c *Controller) LabelSummary(ctx echo.Context) error {
	value, err := c.cachedAnalytics("labels", func() (any, error) {
		return c.DS.GetLabelSummaryData(ctx.Request().Context())
	})
	if err != nil {
		return c.Error(ctx, err, "Failed to load label summary")
	}
	return ctx.JSON(http.StatusOK, map[string]any{"labels": value})
}

// DailyCounts returns per-day, per-label prediction counts for a date
// range, defaulting to the last 30 days.
func (c *Controller) DailyCounts(ctx echo.Context) error {
	start, err := parseDateParam(ctx, "start")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid start parameter", http.StatusBadRequest)
	}
	end, err := parseDateParam(ctx, "end")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid end parameter", http.StatusBadRequest)
	}
	if end.IsZero() {
		end = time.Now()
	}
	if start.IsZero() {
		start = end.AddDate(0, 0, -30)
	}
	startDate := start.Format("2006-01-02")
	endDate := end.Format("2006-01-02")

	value, err := c.cachedAnalytics("daily:"+startDate+":"+endDate, func() (any, error) {
		return c.DS.GetDailyPredictionCounts(ctx.Request().Context(), startDate, endDate)
	})
	if err != nil {
		return c.Error(ctx, err, "Failed to load daily counts")
	}
	return ctx.JSON(http.StatusOK, map[string]any{
		"daily": value,
		"start": startDate,
		"end":   endDate,
	})
}

// HourlyActivity returns triage volume per hour for one day,
// defaulting to today.
func (c *Controller) HourlyActivity(ctx echo.Context) error {
	day, err := parseDateParam(ctx, "date")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid date parameter", http.StatusBadRequest)
	}
	if day.IsZero() {
		day = time.Now()
	}
	date := day.Format("2006-01-02")

	value, err := c.cachedAnalytics("hourly:"+date, func() (any, error) {
		return c.DS.GetHourlyTriageActivity(ctx.Request().Context(), date)
	})
	if err != nil {
		return c.Error(ctx, err, "Failed to load hourly activity")
	}
	return ctx.JSON(http.StatusOK, map[string]any{
		"hourly": value,
		"date":   date,
	})
}

// RiskDistribution counts predictions per risk level.
func (c *Controller) RiskDistribution(ctx echo.Context) error {
	value, err := c.cachedAnalytics("risk", func() (any, error) {
		return c.DS.GetRiskLevelDistribution(ctx.Request().Context())
	})
	if err != nil {
		return c.Error(ctx, err, "Failed to load risk distribution")
	}
	return ctx.JSON(http.StatusOK, map[string]any{"risk": value})
}

// PredictionTrends returns prediction volume per day or week.
func (c *Controller) PredictionTrends(ctx echo.Context) error {
	period := ctx.QueryParam("period")
	if period == "" {
		period = "day"
	}
	limit, _ := parsePagination(ctx)

	value, err := c.cachedAnalytics("trends:"+period, func() (any, error) {
		return c.DS.GetPredictionTrends(ctx.Request().Context(), period, limit)
	})
	if err != nil {
		return c.Error(ctx, err, "Failed to load prediction trends")
	}
	return ctx.JSON(http.StatusOK, map[string]any{
		"trends": value,
		"period": period,
	})
}

// ModelAgreement reports how often each ensemble member voted with the
// consensus.
func (c *Controller) ModelAgreement(ctx echo.Context) error {
	value, err := c.cachedAnalytics("models", func() (any, error) {
		return c.DS.GetModelAgreement(ctx.Request().Context())
	})
	if err != nil {
		return c.Error(ctx, err, "Failed to load model agreement")
	}
	return ctx.JSON(http.StatusOK, map[string]any{"models": value})
}
