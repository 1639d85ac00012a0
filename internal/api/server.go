// ABOUTME: HTTP server for the session API: routing, metrics middleware and lifecycle
// ABOUTME: Serves until the context is canceled, then shuts down gracefully

package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/clawlink/internal/auth"
	"github.com/2389/clawlink/internal/config"
	"github.com/2389/clawlink/internal/dedupe"
	"github.com/2389/clawlink/internal/metrics"
	"github.com/2389/clawlink/internal/store"
)

const shutdownTimeout = 5 * time.Second

// Server serves the session API.
type Server struct {
	config     *config.Config
	store      store.Store
	verifier   auth.TokenVerifier
	dedupe     *dedupe.Cache
	httpClient *http.Client
	logger     *slog.Logger
	httpServer *http.Server
}

// New builds a Server. The store stays owned by the caller.
func New(cfg *config.Config, st store.Store, verifier auth.TokenVerifier, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if st == nil {
		return nil, errors.New("store is required")
	}
	if verifier == nil {
		return nil, errors.New("token verifier is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:     cfg,
		store:      st,
		verifier:   verifier,
		dedupe:     dedupe.New(dedupe.DefaultTTL, dedupe.DefaultMaxSize),
		httpClient: &http.Client{Timeout: cfg.Gateway.HTTPTimeout},
		logger:     logger.With("component", "api"),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	authed := auth.HTTPAuthMiddleware(s.verifier)

	mux.Handle("GET /api/sessions", authed(http.HandlerFunc(s.handleListSessions)))
	mux.Handle("PATCH /api/sessions/{key}", authed(http.HandlerFunc(s.handlePatchSession)))
	mux.Handle("DELETE /api/sessions/{key}", authed(http.HandlerFunc(s.handleDeleteSession)))
	mux.Handle("GET /api/sessions/{key}/history", authed(http.HandlerFunc(s.handleHistory)))
	mux.Handle("POST /api/sessions/{key}/send", authed(http.HandlerFunc(s.handleSend)))
	mux.Handle("POST /api/sessions/{key}/abort", authed(http.HandlerFunc(s.handleAbort)))
	mux.HandleFunc("GET /health", s.handleHealth)

	if s.config.Metrics.Enabled {
		mux.Handle("GET "+s.config.Metrics.Path, metrics.Handler())
	}

	return instrument(mux)
}

// Run listens on the configured address and serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is canceled or the server fails. It returns
// nil after a graceful shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down api server")
		return s.gracefulShutdown()
	})

	return g.Wait()
}

// gracefulShutdown uses a fresh context since the serving one is already done.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown stops the HTTP server and releases the dedupe cache.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.dedupe.Close()
	if err != nil {
		return fmt.Errorf("HTTP shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// statusRecorder captures the response code for metrics while keeping
// streaming responses flushable.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		metrics.ObserveAPIRequest(route, status)
	})
}
