// Package api implements the /api/v2 REST surface: authentication,
// patient and appointment management, image upload and triage results,
// batch jobs, reports, notifications, audit queries and analytics.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/patrickmn/go-cache"

	"github.com/chestnet/chestnet-go/internal/appointment"
	"github.com/chestnet/chestnet-go/internal/backup"
	"github.com/chestnet/chestnet-go/internal/batch"
	"github.com/chestnet/chestnet-go/internal/conf"
	"github.com/chestnet/chestnet-go/internal/datastore"
	"github.com/chestnet/chestnet-go/internal/errors"
	"github.com/chestnet/chestnet-go/internal/events"
	"github.com/chestnet/chestnet-go/internal/ingest"
	"github.com/chestnet/chestnet-go/internal/logging"
	"github.com/chestnet/chestnet-go/internal/monitor"
	"github.com/chestnet/chestnet-go/internal/notification"
	"github.com/chestnet/chestnet-go/internal/observability"
	"github.com/chestnet/chestnet-go/internal/report"
	"github.com/chestnet/chestnet-go/internal/securefs"
	"github.com/chestnet/chestnet-go/internal/security"
	"github.com/chestnet/chestnet-go/internal/triage"
)

// Pagination bounds for list endpoints.
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Controller owns the /api/v2 route group and its handler state.
type Controller struct {
	Echo     *echo.Echo
	Group    *echo.Group
	DS       datastore.Interface
	Settings *conf.Settings
	SFS      *securefs.SecureFS

	// Wired subsystems, all optional. Handlers answer 503 when the
	// subsystem they need is absent.
	Processor    *triage.Processor
	Ingest       *ingest.Store
	Batches      *batch.Manager
	Appointments *appointment.Service
	Reports      *report.Generator
	Notifier     *notification.Service
	Monitor      *monitor.SystemMonitor
	Backups      *backup.Manager

	auth           *security.AuthService
	analyticsCache *cache.Cache
	sseManager     *SSEManager
	loginLimiter   *ipRateLimiter

	logger    *slog.Logger
	metrics   *observability.Metrics
	startTime time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures optional controller dependencies.
type Option func(*Controller)

// WithAuthService wires the authentication service. Without it every
// protected route answers 503.
func WithAuthService(auth *security.AuthService) Option {
	return func(c *Controller) { c.auth = auth }
}

// WithProcessor wires the triage processor for upload processing.
func WithProcessor(p *triage.Processor) Option {
	return func(c *Controller) { c.Processor = p }
}

// WithBatchManager wires batch job submission and progress.
func WithBatchManager(m *batch.Manager) Option {
	return func(c *Controller) { c.Batches = m }
}

// WithAppointmentService wires appointment scheduling.
func WithAppointmentService(s *appointment.Service) Option {
	return func(c *Controller) { c.Appointments = s }
}

// WithReportGenerator wires on-demand PDF report generation.
func WithReportGenerator(g *report.Generator) Option {
	return func(c *Controller) { c.Reports = g }
}

// WithNotificationService wires the in-app notification store and its
// SSE feed.
func WithNotificationService(n *notification.Service) Option {
	return func(c *Controller) { c.Notifier = n }
}

// WithSystemMonitor wires the resource monitor snapshot endpoint.
func WithSystemMonitor(m *monitor.SystemMonitor) Option {
	return func(c *Controller) { c.Monitor = m }
}

// WithBackupManager wires the admin backup trigger.
func WithBackupManager(m *backup.Manager) Option {
	return func(c *Controller) { c.Backups = m }
}

// New creates the API controller and registers its routes on e.
func New(e *echo.Echo, ds datastore.Interface, settings *conf.Settings,
	media *securefs.SecureFS, metrics *observability.Metrics, opts ...Option) (*Controller, error) {

	if e == nil || ds == nil || settings == nil || media == nil {
		return nil, errors.Newf("api controller requires echo, datastore, settings and media store").
			Component("api").
			Category(errors.CategoryConfiguration).
			Build()
	}

	logger := logging.ForService("api")
	if logger == nil {
		logger = slog.Default().With("service", "api")
	}

	ing, err := ingest.New(settings, ds, media)
	if err != nil {
		return nil, err
	}

	e.IPExtractor = ipExtractorFromProxyHeaders

	ctx, cancel := context.WithCancel(context.Background())

	c := &Controller{
		Echo:           e,
		DS:             ds,
		Settings:       settings,
		SFS:            media,
		Ingest:         ing,
		analyticsCache: cache.New(analyticsCacheTTL, 2*analyticsCacheTTL),
		loginLimiter:   newIPRateLimiter(loginRatePerMinute, loginBurst),
		logger:         logger,
		metrics:        metrics,
		startTime:      time.Now(),
		ctx:            ctx,
		cancel:         cancel,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.sseManager = NewSSEManager(logger)
	if c.Notifier != nil {
		c.wg.Add(1)
		go c.relayNotifications()
	}
	if events.IsInitialized() {
		consumer := &triageEventConsumer{sse: c.sseManager, analyticsCache: c.analyticsCache}
		if err := events.GetEventBus().RegisterConsumer(consumer); err != nil {
			logger.Warn("triage event consumer registration failed", "error", err)
		}
	}

	c.Group = e.Group("/api/v2")
	c.Group.Use(echomw.Recover())

	c.initRoutes()
	return c, nil
}

// initRoutes registers every endpoint group.
func (c *Controller) initRoutes() {
	// Public, no token required.
	c.Group.GET("/health", c.HealthCheck)
	c.Group.GET("/version", c.Version)

	routeInitializers := []struct {
		name string
		fn   func()
	}{
		{"auth routes", c.initAuthRoutes},
		{"user routes", c.initUserRoutes},
		{"patient routes", c.initPatientRoutes},
		{"image routes", c.initImageRoutes},
		{"prediction routes", c.initPredictionRoutes},
		{"batch routes", c.initBatchRoutes},
		{"appointment routes", c.initAppointmentRoutes},
		{"report routes", c.initReportRoutes},
		{"notification routes", c.initNotificationRoutes},
		{"audit routes", c.initAuditRoutes},
		{"analytics routes", c.initAnalyticsRoutes},
		{"system routes", c.initSystemRoutes},
	}

	for _, initializer := range routeInitializers {
		initializer.fn()
		c.logger.Debug("registered route group", "group", initializer.name)
	}
}

// Shutdown stops SSE relays and streaming handlers.
func (c *Controller) Shutdown() {
	c.cancel()
	c.wg.Wait()
}

// ErrorResponse is the JSON error envelope for every failed request.
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Code          int    `json:"code"`
	CorrelationID string `json:"correlationId"`
}

// NewErrorResponse builds the envelope with a fresh correlation id.
func NewErrorResponse(err error, message string, code int) *ErrorResponse {
	errorStr := message
	if err != nil {
		errorStr = err.Error()
	}
	return &ErrorResponse{
		Error:         errorStr,
		Message:       message,
		Code:          code,
		CorrelationID: generateCorrelationID(),
	}
}

func generateCorrelationID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return time.Now().Format("150405.000")
	}
	return hex.EncodeToString(b)
}

// HandleError logs err and answers with the given status code.
func (c *Controller) HandleError(ctx echo.Context, err error, message string, code int) error {
	resp := NewErrorResponse(err, message, code)

	requestID, _ := ctx.Get("request_id").(string)
	c.logger.Error("request failed",
		"correlation_id", resp.CorrelationID,
		"request_id", requestID,
		"message", message,
		"error", resp.Error,
		"code", code,
		"path", ctx.Request().URL.Path,
		"method", ctx.Request().Method,
		"ip", ctx.RealIP(),
	)

	if c.metrics != nil && c.metrics.HTTP != nil {
		c.metrics.HTTP.RecordHTTPRequestError(ctx.Request().Method, ctx.Path(), http.StatusText(code))
	}

	return ctx.JSON(code, resp)
}

// Error maps an enhanced error's category onto an HTTP status and
// responds with it. Unknown categories become 500.
func (c *Controller) Error(ctx echo.Context, err error, message string) error {
	return c.HandleError(ctx, err, message, statusForError(err))
}

// statusForError translates error categories into response codes.
func statusForError(err error) int {
	var enhanced *errors.EnhancedError
	if !errors.As(err, &enhanced) {
		return http.StatusInternalServerError
	}
	switch enhanced.GetCategory() {
	case string(errors.CategoryValidation), string(errors.CategoryImageDecode):
		return http.StatusBadRequest
	case string(errors.CategoryNotFound):
		return http.StatusNotFound
	case string(errors.CategoryConflict):
		return http.StatusConflict
	case string(errors.CategoryState):
		return http.StatusUnprocessableEntity
	case string(errors.CategoryAuth):
		return http.StatusUnauthorized
	case string(errors.CategoryForbidden):
		return http.StatusForbidden
	case string(errors.CategoryLimit):
		return http.StatusTooManyRequests
	case string(errors.CategoryResource), string(errors.CategorySystem):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HealthCheck reports liveness and database connectivity.
func (c *Controller) HealthCheck(ctx echo.Context) error {
	response := map[string]any{
		"status":    "healthy",
		"version":   c.Settings.Version,
		"timestamp": time.Now().Format(time.RFC3339),
	}

	dbStatus := "connected"
	if _, err := c.DS.CountXRayImagesByStatus(datastore.ImageStatusPending); err != nil {
		dbStatus = "disconnected"
		response["status"] = "degraded"
	}
	response["databaseStatus"] = dbStatus

	uptime := time.Since(c.startTime)
	response["uptime"] = uptime.String()
	response["uptimeSeconds"] = uptime.Seconds()

	return ctx.JSON(http.StatusOK, response)
}

// Version reports build information.
func (c *Controller) Version(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, map[string]string{
		"version":   c.Settings.Version,
		"buildDate": c.Settings.BuildDate,
		"node":      c.Settings.Main.Name,
	})
}

// ipExtractorFromProxyHeaders prefers the Cloudflare header, then the
// standard forwarding headers, then the socket address. Spoofable
// unless a trusted proxy strips inbound copies, which deployment docs
// require.
func ipExtractorFromProxyHeaders(req *http.Request) string {
	if ip := req.Header.Get("CF-Connecting-IP"); ip != "" {
		if parsed := net.ParseIP(ip); parsed != nil {
			return parsed.String()
		}
	}
	if xff := req.Header.Get(echo.HeaderXForwardedFor); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
	}
	if ip := req.Header.Get(echo.HeaderXRealIP); ip != "" {
		if parsed := net.ParseIP(ip); parsed != nil {
			return parsed.String()
		}
	}
	remoteAddr, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return remoteAddr
}
