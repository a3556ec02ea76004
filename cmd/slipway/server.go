package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/slipway-ci/slipway/internal/core/pipeline"
	"github.com/slipway-ci/slipway/internal/shell/docker"
	"github.com/slipway-ci/slipway/internal/shell/runner"
	"github.com/slipway-ci/slipway/internal/shell/smoke"
	"github.com/slipway-ci/slipway/internal/shell/store"
	"github.com/slipway-ci/slipway/internal/shell/webhook"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitDatabaseError   = 2
	ExitDockerError     = 3
	ExitHTTPServerError = 4
)

// =============================================================================
// Server
// =============================================================================

// Server represents the Slipway orchestrator server.
type Server struct {
	config     *Config
	httpServer *http.Server
	store      store.Store
	docker     docker.Client
	runner     *runner.Runner
	smoke      *smoke.Deployer
	logger     *slog.Logger
}

// NewServer creates a new server with the given config.
func NewServer(cfg *Config, logger *slog.Logger) (*Server, error) {
	// Connect to database
	s, err := store.NewSQLiteStore(cfg.Database.DSN)
	if err != nil {
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitDatabaseError,
		}
	}

	// Connect to Docker
	d, err := docker.NewEngineClient(cfg.Docker.Host)
	if err != nil {
		s.Close()
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitDockerError,
		}
	}

	// Verify Docker connection
	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Ping(pingCtx); err != nil {
		s.Close()
		d.Close()
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitDockerError,
		}
	}

	// Load the pipeline definition
	pl, err := loadPipeline(cfg)
	if err != nil {
		s.Close()
		d.Close()
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitConfigError,
		}
	}

	// Create smoke deployer
	deployer := smoke.NewDeployer(d, smoke.Config{
		BasePort:     cfg.Smoke.BasePort,
		NamePrefix:   cfg.Smoke.NamePrefix,
		InternalPort: cfg.Smoke.InternalPort,
		Probe: smoke.ProbeConfig{
			Interval:       cfg.Smoke.ProbeInterval,
			Deadline:       cfg.Smoke.ProbeDeadline,
			RequestTimeout: cfg.Smoke.ProbeRequestTimeout,
		},
		StopTimeout: cfg.Smoke.StopTimeout,
	}, logger)

	// Create run executor
	r := runner.NewRunner(s, d, deployer, runner.Config{
		WorkDir: cfg.Pipeline.WorkDir,
		Registry: docker.RegistryAuth{
			Username:      cfg.Registry.Username,
			Password:      cfg.Registry.Password,
			ServerAddress: cfg.Registry.Server,
		},
		QueueSize:  cfg.Runner.QueueSize,
		RunTimeout: cfg.Runner.RunTimeout,
	}, logger)

	// Create webhook handler
	handler := webhook.NewHandler(s, r, pl, cfg.Webhook.Secret, logger)

	// Create HTTP server
	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Server{
		config:     cfg,
		httpServer: httpServer,
		store:      s,
		docker:     d,
		runner:     r,
		smoke:      deployer,
		logger:     logger,
	}, nil
}

// loadPipeline reads the pipeline definition from the configured file,
// falling back to the built-in default when the file does not exist.
func loadPipeline(cfg *Config) (*pipeline.Pipeline, error) {
	content, err := os.ReadFile(cfg.Pipeline.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return pipeline.Default(cfg.Pipeline.Image), nil
		}
		return nil, err
	}
	return pipeline.Parse(string(content))
}

// Start starts the server and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Remove smoke containers a previous process left behind
	if err := s.smoke.Reap(ctx); err != nil {
		s.logger.Error("failed to reap leftover smoke containers", "error", err)
	}

	// Start run executor in background
	s.runner.Start()

	// Start HTTP server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server",
			"address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		return &ServerError{
			Op:       "Start",
			Err:      err,
			ExitCode: ExitHTTPServerError,
		}
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown(context.Background())
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	// Create shutdown context with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	// Shutdown HTTP server
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	// Stop run executor; the in-progress run finishes first
	s.runner.Stop()

	// Close Docker client
	if err := s.docker.Close(); err != nil {
		s.logger.Error("Docker client close error", "error", err)
	}

	// Close database
	if err := s.store.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}

// =============================================================================
// Server Error
// =============================================================================

// ServerError represents an error during server operation.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Err
}
