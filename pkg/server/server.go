// Copyright (c) 2025, NVIDIA CORPORATION.  All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/NVIDIA/takt/pkg/rollout/orchestrator"
	"github.com/NVIDIA/takt/pkg/serializer"
)

// Server is the rollout API server.
type Server struct {
	config      *Config
	httpServer  *http.Server
	rateLimiter *rate.Limiter
	orch        *orchestrator.Orchestrator

	mu    sync.RWMutex
	ready bool
}

// New creates a server over the given orchestrator.
func New(cfg *Config, orch *orchestrator.Orchestrator) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	s := &Server{
		config:      cfg,
		rateLimiter: rate.NewLimiter(cfg.RateLimit, cfg.RateLimitBurst),
		orch:        orch,
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      s.setupRoutes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

// setupRoutes configures all HTTP routes and middleware.
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleDefault)

	// System endpoints, no rate limiting.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())

	// API endpoints with middleware.
	mux.HandleFunc("POST /v1/rollouts", s.withMiddleware(s.handleStart))
	mux.HandleFunc("GET /v1/rollouts", s.withMiddleware(s.handleList))
	mux.HandleFunc("GET /v1/rollouts/{id}", s.withMiddleware(s.handleStatus))
	mux.HandleFunc("POST /v1/rollouts/{id}/pause", s.withMiddleware(s.handlePause))
	mux.HandleFunc("POST /v1/rollouts/{id}/resume", s.withMiddleware(s.handleResume))
	mux.HandleFunc("POST /v1/rollouts/{id}/cancel", s.withMiddleware(s.handleCancel))

	return mux
}

func (s *Server) handleDefault(w http.ResponseWriter, r *http.Request) {
	slog.Debug("handling default route",
		"path", r.URL.Path,
		"method", r.Method,
		"remote_addr", r.RemoteAddr,
	)

	resp := struct {
		Name      string   `json:"name"`
		Version   string   `json:"version"`
		Ready     bool     `json:"ready"`
		Timestamp string   `json:"timestamp"`
		Routes    []string `json:"routes"`
	}{
		Name:      s.config.Name,
		Version:   s.config.Version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Routes: []string{
			"POST /v1/rollouts",
			"GET /v1/rollouts",
			"GET /v1/rollouts/{id}",
			"POST /v1/rollouts/{id}/pause",
			"POST /v1/rollouts/{id}/resume",
			"POST /v1/rollouts/{id}/cancel",
			"GET /health",
			"GET /ready",
			"GET /metrics",
		},
	}

	s.mu.RLock()
	resp.Ready = s.ready
	s.mu.RUnlock()

	serializer.RespondJSON(w, http.StatusOK, resp)
}

// SetReady marks the server as ready to serve traffic.
func (s *Server) SetReady(ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = ready
}

// Start serves until the context is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.SetReady(true)

	slog.Info("starting server", "addr", s.httpServer.Addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errChan:
		return err
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down server")
	return s.httpServer.Shutdown(shutdownCtx)
}

// Run serves with SIGINT/SIGTERM shutdown handling. It blocks until the
// server stops.
func Run(cfg *Config, orch *orchestrator.Orchestrator) error {
	srv := New(cfg, orch)

	slog.Info("server config",
		slog.String("address", srv.httpServer.Addr),
		slog.Any("rateLimit", srv.config.RateLimit),
		slog.Int("rateLimitBurst", srv.config.RateLimitBurst),
		slog.Duration("readTimeout", srv.config.ReadTimeout),
		slog.Duration("writeTimeout", srv.config.WriteTimeout),
		slog.Duration("idleTimeout", srv.config.IdleTimeout),
		slog.Duration("shutdownTimeout", srv.config.ShutdownTimeout),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}
