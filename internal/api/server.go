// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package api serves the host hook endpoints, run history, health checks
// and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/hyperwheel/fwexport/internal/api/handlers"
	"github.com/hyperwheel/fwexport/internal/api/middleware"
	"github.com/hyperwheel/fwexport/pkg/httphelpers"
)

const shutdownTimeout = 10 * time.Second

// Dependencies holds everything the router needs. Registry is optional;
// /metrics is only mounted when it is set.
type Dependencies struct {
	Host       string
	Port       int
	BaseURL    string
	Dispatcher handlers.EventDispatcher
	Runs       handlers.RunLister
	Studies    handlers.StudyLister
	Registry   *prometheus.Registry

	// Readiness checks back /health/readiness.
	Readiness []handlers.ReadinessCheck

	// HookBacklog bounds hook requests queued behind the one in flight.
	HookBacklog int
}

type Server struct {
	deps    *Dependencies
	handler http.Handler
}

func NewServer(deps *Dependencies) *Server {
	s := &Server{deps: deps}
	s.handler = s.routes()
	return s
}

// Handler returns the root handler, mounted under the configured base URL.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger(log.Logger))

	r.Route("/health", handlers.NewHealthHandler(s.deps.Readiness...).Routes)

	r.Route("/api", func(r chi.Router) {
		r.Route("/hooks", func(r chi.Router) {
			// Hooks beyond the backlog get 429.
			r.Use(middleware.ThrottleBacklog(1, s.deps.HookBacklog, 30*time.Minute))
			handlers.NewHooksHandler(s.deps.Dispatcher).Routes(r)
		})
		handlers.NewStatusHandler(s.deps.Runs, s.deps.Studies).Routes(r)
	})

	if s.deps.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Registry, promhttp.HandlerOpts{
			Registry: s.deps.Registry,
		}))
	}

	base := httphelpers.NormalizeBasePath(s.deps.BaseURL)
	if base == "" {
		return r
	}

	root := chi.NewRouter()
	root.Mount(base, r)
	return root
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully.
// Hook requests wait for whole quiescence runs, so there is no write
// timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.deps.Host, strconv.Itoa(s.deps.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("baseUrl", httphelpers.JoinBasePath(s.deps.BaseURL, "")).Msg("api: listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("api: shutdown incomplete")
	}
	log.Info().Msg("api: stopped")
	return nil
}
