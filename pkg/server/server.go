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
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/NVIDIA/cns-pipeline/pkg/logging"
	"github.com/NVIDIA/cns-pipeline/pkg/serializer"
)

// Option configures a Server.
type Option func(*Server)

// WithName sets the server name reported on the root route.
func WithName(name string) Option {
	return func(s *Server) { s.config.Name = name }
}

// WithVersion sets the server version reported on the root route.
func WithVersion(version string) Option {
	return func(s *Server) { s.config.Version = version }
}

// WithPipeline sets the name of the pipeline served.
func WithPipeline(name string) Option {
	return func(s *Server) { s.config.Pipeline = name }
}

// WithHandler adds API routes. Keys are ServeMux patterns.
func WithHandler(handlers map[string]http.HandlerFunc) Option {
	return func(s *Server) {
		if s.config.Handlers == nil {
			s.config.Handlers = make(map[string]http.HandlerFunc, len(handlers))
		}
		for k, v := range handlers {
			s.config.Handlers[k] = v
		}
	}
}

// WithAddress sets the listen address and port.
func WithAddress(address string, port int) Option {
	return func(s *Server) {
		s.config.Address = address
		if port > 0 {
			s.config.Port = port
		}
	}
}

// WithRateLimit overrides the API rate limit.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(s *Server) {
		s.config.RateLimit = limit
		s.config.RateLimitBurst = burst
	}
}

// Server serves the API routes behind the middleware chain, plus health,
// readiness and metrics endpoints.
type Server struct {
	config      *Config
	httpServer  *http.Server
	rateLimiter *rate.Limiter
	mu          sync.RWMutex
	ready       bool
}

// New creates a server from the default configuration and opts.
func New(opts ...Option) *Server {
	s := &Server{config: parseConfig()}
	for _, opt := range opts {
		opt(s)
	}
	s.rateLimiter = rate.NewLimiter(s.config.RateLimit, s.config.RateLimitBurst)

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(s.config.Address, fmt.Sprint(s.config.Port)),
		Handler:           s.setupRoutes(),
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       s.config.IdleTimeout,
		ErrorLog:          logging.NewLogLogger(slog.LevelWarn, false),
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// setupRoutes configures all HTTP routes and middleware
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	// System endpoints (no rate limiting)
	mux.HandleFunc("GET /{$}", s.handleDefault)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())

	for pattern, h := range s.config.Handlers {
		mux.HandleFunc(pattern, s.withMiddleware(h))
	}
	return mux
}

func (s *Server) routes() []string {
	routes := make([]string, 0, len(s.config.Handlers)+3)
	for pattern := range s.config.Handlers {
		routes = append(routes, pattern)
	}
	sort.Strings(routes)
	return append(routes, "GET /health", "GET /ready", "GET /metrics")
}

func (s *Server) handleDefault(w http.ResponseWriter, r *http.Request) {
	slog.Debug("handling default route",
		"path", r.URL.Path,
		"method", r.Method,
		"remote_addr", r.RemoteAddr,
		"user_agent", r.UserAgent(),
	)

	resp := struct {
		Name      string   `json:"name"`
		Pipeline  string   `json:"pipeline,omitempty"`
		Version   string   `json:"version"`
		Ready     bool     `json:"ready"`
		Timestamp string   `json:"timestamp"`
		Routes    []string `json:"routes"`
	}{
		Name:      s.config.Name,
		Pipeline:  s.config.Pipeline,
		Version:   s.config.Version,
		Ready:     s.isReady(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Routes:    s.routes(),
	}
	serializer.RespondJSON(w, http.StatusOK, resp)
}

// SetReady marks the server ready or not ready.
func (s *Server) SetReady(ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = ready
}

func (s *Server) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("server listening",
			"name", s.config.Name,
			"pipeline", s.config.Pipeline,
			"address", ln.Addr().String(),
			"rateLimit", s.config.RateLimit,
			"rateLimitBurst", s.config.RateLimitBurst)
		s.SetReady(true)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return s.Shutdown(context.WithoutCancel(ctx))
	})

	return g.Wait()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down server")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
