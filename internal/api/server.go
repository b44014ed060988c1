// Package api exposes the outbox over HTTP: submissions, queue inspection,
// manual retry and a WebSocket stream of sync events.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/clawinfra/fieldsync/internal/scheduler"
	"github.com/clawinfra/fieldsync/internal/security"
	"github.com/clawinfra/fieldsync/internal/submit"
	"github.com/clawinfra/fieldsync/internal/syncer"
)

// Version is reported by /api/status.
var Version = "0.1.0"

// Connectivity reports the last known reachability.
type Connectivity interface {
	IsOnline() bool
}

// Options holds the optional collaborators of a Server. Nil fields are
// reported as unknown or left unrouted.
type Options struct {
	Monitor   Connectivity
	Engine    *syncer.Engine
	Runner    *syncer.Runner
	Scheduler *scheduler.Scheduler
	// Events serves /api/events, normally a notify.Hub.
	Events http.Handler
	// JWTSecret enables bearer auth when set.
	JWTSecret []byte
}

// Server is the HTTP API server
type Server struct {
	port       int
	svc        *submit.Service
	opts       Options
	logger     *slog.Logger
	httpServer *http.Server
	started    time.Time
}

// NewServer creates a new API server
func NewServer(port int, svc *submit.Service, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		port:    port,
		svc:     svc,
		opts:    opts,
		logger:  logger.With("component", "api"),
		started: time.Now(),
	}
}

// Handler builds the routed handler with its middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/submit", s.handleSubmit)
	mux.HandleFunc("GET /api/outbox", s.handleListOutbox)
	mux.HandleFunc("GET /api/outbox/count", s.handlePendingCount)
	mux.HandleFunc("POST /api/outbox/sync", s.handleSync)
	mux.HandleFunc("POST /api/outbox/{id}/retry", s.handleRetryEntry)
	mux.HandleFunc("DELETE /api/outbox/{id}", s.handleDiscard)

	if s.opts.Scheduler != nil {
		mux.HandleFunc("GET /api/scheduler/jobs", s.handleListJobs)
		mux.HandleFunc("GET /api/scheduler/jobs/{id}", s.handleGetJob)
		mux.HandleFunc("POST /api/scheduler/jobs/{id}/run", s.handleRunJob)
	}
	if s.opts.Events != nil {
		mux.Handle("GET /api/events", s.opts.Events)
	}

	var h http.Handler = mux
	h = security.RequirePermission()(h)
	h = security.AuthMiddleware(s.opts.JWTSecret, s.logger)(h)
	return s.corsMiddleware(s.loggingMiddleware(h))
}

// Start starts the HTTP server
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", s.port, err)
	}
	return s.Serve(ctx, ln)
}

// Serve handles requests on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// no WriteTimeout: /api/events streams indefinitely
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "addr", ln.Addr().String())

	// Run server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown or error
	select {
	case <-ctx.Done():
		s.logger.Info("shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
