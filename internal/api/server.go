// Package api runs the HTTP server hosting the /api/v2 REST surface.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/chestnet/chestnet-go/internal/api/middleware"
	v2 "github.com/chestnet/chestnet-go/internal/api/v2"
	"github.com/chestnet/chestnet-go/internal/conf"
	"github.com/chestnet/chestnet-go/internal/datastore"
	"github.com/chestnet/chestnet-go/internal/logging"
	"github.com/chestnet/chestnet-go/internal/observability"
	"github.com/chestnet/chestnet-go/internal/securefs"
)

// Server wraps echo with the API controller and lifecycle management.
type Server struct {
	Echo       *echo.Echo
	Controller *v2.Controller

	config    Config
	settings  *conf.Settings
	logger    *slog.Logger
	logCloser func() error
}

// ServerOption customizes the server during construction.
type ServerOption func(*Server)

// WithConfig overrides the config derived from settings.
func WithConfig(cfg Config) ServerOption {
	return func(s *Server) { s.config = cfg }
}

// WithLogger replaces the server log destination.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// NewServer builds the HTTP server, wires middleware and mounts the
// API controller. Controller dependencies arrive through ctrlOpts.
func NewServer(settings *conf.Settings, ds datastore.Interface, media *securefs.SecureFS,
	metrics *observability.Metrics, opts []ServerOption, ctrlOpts ...v2.Option) (*Server, error) {

	cfg, err := ConfigFromSettings(settings)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:   cfg,
		settings: settings,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger, s.logCloser = serverLogger(settings)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = s.config.Debug
	e.Server.ReadTimeout = s.config.ReadTimeout
	e.Server.WriteTimeout = s.config.WriteTimeout
	e.Server.IdleTimeout = s.config.IdleTimeout
	e.Logger = newEchoLogger(s.logger)
	s.Echo = e

	s.setupMiddleware()

	controller, err := v2.New(e, ds, settings, media, metrics, ctrlOpts...)
	if err != nil {
		return nil, err
	}
	s.Controller = controller

	return s, nil
}

// setupMiddleware installs the shared middleware chain. Order matters:
// recovery wraps everything, logging sees the final status, gzip must
// skip event streams.
func (s *Server) setupMiddleware() {
	s.Echo.Use(echomw.Recover())
	s.Echo.Use(middleware.NewRequestLoggerWithSkipper(s.logger, middleware.HealthSkipper))

	secCfg := middleware.DefaultSecurityConfig()
	s.Echo.Use(middleware.NewCORS(secCfg))
	s.Echo.Use(middleware.NewSecureHeaders(secCfg))
	s.Echo.Use(middleware.NewBodyLimit(s.config.BodyLimit))
	s.Echo.Use(middleware.NewGzip())
}

// Start runs the listener and blocks until shutdown or failure.
func (s *Server) Start() error {
	s.logger.Info("starting http server",
		"address", s.config.Address(),
		"auto_tls", s.config.AutoTLS)

	var err error
	if s.config.AutoTLS {
		err = s.Echo.StartAutoTLS(s.config.Address())
	} else {
		err = s.Echo.Start(s.config.Address())
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartWithGracefulShutdown runs the server until the process receives
// SIGINT or SIGTERM, then drains connections.
func (s *Server) StartWithGracefulShutdown(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("shutdown requested")
	}
	return s.Shutdown()
}

// Shutdown drains in-flight requests, stops the controller's streams
// and closes the server log.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if s.Controller != nil {
		s.Controller.Shutdown()
	}

	err := s.Echo.Shutdown(ctx)
	if err != nil {
		s.logger.Error("http server shutdown failed", "error", err)
	} else {
		s.logger.Info("http server stopped")
	}

	if s.logCloser != nil {
		if closeErr := s.logCloser(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}

// serverLogger resolves the HTTP access log destination. A configured
// file log wins; otherwise requests share the service logger.
func serverLogger(settings *conf.Settings) (*slog.Logger, func() error) {
	if settings.WebServer.Log.Enabled && settings.WebServer.Log.Path != "" {
		logger, closer, err := logging.NewFileLogger(settings.WebServer.Log.Path, "http", slog.LevelInfo)
		if err == nil {
			return logger, closer
		}
	}

	logger := logging.ForService("http")
	if logger == nil {
		logger = slog.Default().With("service", "http")
	}
	return logger, nil
}
