// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/hshk99/Autopack-sub025/services/executor/audit"
	"github.com/hshk99/Autopack-sub025/services/executor/breaker"
	"github.com/hshk99/Autopack-sub025/services/executor/lease"
	"github.com/hshk99/Autopack-sub025/services/executor/runner"
	"github.com/hshk99/Autopack-sub025/services/executor/telemetry"
)

// shutdownTimeout bounds graceful shutdown of in-flight requests.
const shutdownTimeout = 10 * time.Second

// Option configures a Server.
type Option func(*Server)

// WithVersion sets the version reported by /health.
func WithVersion(version string) Option {
	return func(s *Server) { s.version = version }
}

// WithLeaseConfig sets the lease directory used by /v1/lease.
func WithLeaseConfig(cfg lease.Config) Option {
	return func(s *Server) { s.leaseConfig = cfg }
}

// WithMetricsHandler replaces the /metrics handler.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithAuditLogger records operator actions taken through the API.
func WithAuditLogger(l audit.Logger) Option {
	return func(s *Server) { s.audit = l }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// Server is the engine's HTTP operations server.
type Server struct {
	router      *gin.Engine
	version     string
	leaseConfig lease.Config
	audit       audit.Logger
	metrics     http.Handler
	logger      *slog.Logger
}

// NewServer builds the router: recovery, request spans, the API routes and
// /metrics.
//
// # Inputs
//
//   - r: Runner whose store, emitter and watchdog are served.
//   - breakers: Collaborator breakers. May be nil.
//   - opts: Optional settings.
//
// # Outputs
//
//   - *Server: Ready to serve.
func NewServer(r *runner.Runner, breakers *breaker.Registry, opts ...Option) *Server {
	s := &Server{
		leaseConfig: lease.DefaultConfig(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = telemetry.MetricsHandler()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(ServiceName))

	RegisterRoutes(router, NewHandlers(r, breakers, s.audit, s.leaseConfig, s.version, s.logger))
	router.GET("/metrics", gin.WrapH(s.metrics))

	s.router = router
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	s.logger.Info("api server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
