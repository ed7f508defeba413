// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/deepseek-companion/internal/chat"
	"github.com/jeranaias/deepseek-companion/internal/render"
	"github.com/jeranaias/deepseek-companion/internal/session"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = "127.0.0.1:8501"

	// MaxQueryLength is the maximum length of a submitted question in bytes.
	MaxQueryLength = 100000

	// MaxRequestBodySize bounds form bodies (1MB).
	MaxRequestBodySize = 1 * 1024 * 1024

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// SessionCookie names the cookie carrying the session id.
	SessionCookie = "companion_session"
)

//go:embed templates/*.html static/*
var assets embed.FS

// HealthChecker reports whether the model server is reachable.
// *ollama.Client implements it.
type HealthChecker interface {
	CheckRunning(ctx context.Context) error
}

// ============================================================================
// SERVER
// ============================================================================

// Server is the HTTP server for the chat UI.
type Server struct {
	addr    string
	router  *http.ServeMux
	version string

	sessions *session.Manager
	engine   *chat.Engine
	health   HealthChecker
	html     *render.HTML
	page     *template.Template
	codeCSS  []byte
	streams  *streamRegistry
	logger   *zap.Logger

	// baseCtx outlives requests; turns run under it so a closed tab does
	// not abort a reply
	baseCtx    context.Context
	cancelBase context.CancelFunc
	turns      sync.WaitGroup

	startTime time.Time

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewServer creates a Server listening on addr. An empty addr uses DefaultAddr.
func NewServer(addr string, sessions *session.Manager, engine *chat.Engine, logger *zap.Logger) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	html := render.NewHTML(render.DefaultCodeStyle)
	var css bytes.Buffer
	if err := html.WriteCSS(&css); err != nil {
		logger.Warn("CODE_CSS_FAILED", zap.Error(err))
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:       addr,
		router:     http.NewServeMux(),
		version:    "dev",
		sessions:   sessions,
		engine:     engine,
		html:       html,
		page:       template.Must(template.ParseFS(assets, "templates/*.html")),
		codeCSS:    css.Bytes(),
		streams:    newStreamRegistry(),
		logger:     logger,
		baseCtx:    baseCtx,
		cancelBase: cancel,
		startTime:  time.Now(),
	}

	s.setupRoutes()
	return s
}

// WithHealthChecker sets the model server check used by /health.
func (s *Server) WithHealthChecker(h HealthChecker) *Server {
	s.health = h
	return s
}

// WithVersion sets the version reported by /health.
func (s *Server) WithVersion(v string) *Server {
	s.version = v
	return s
}

// Addr returns the bound address once serving, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ============================================================================
// ROUTES
// ============================================================================

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("GET /{$}", s.handleIndex)
	s.router.HandleFunc("POST /chat", s.handleChat)
	s.router.HandleFunc("POST /model", s.handleModel)
	s.router.HandleFunc("POST /session/end", s.handleEndSession)

	s.router.HandleFunc("GET /api/stream", s.handleStream)
	s.router.HandleFunc("GET /api/transcript", s.handleTranscript)
	s.router.HandleFunc("GET /api/export", s.handleExport)
	s.router.HandleFunc("GET /health", s.handleHealth)

	static, err := fs.Sub(assets, "static")
	if err != nil {
		panic(err)
	}
	s.router.HandleFunc("GET /static/code.css", s.handleCodeCSS)
	s.router.Handle("GET /static/", http.StripPrefix("/static/", http.FileServerFS(static)))
}

// Handler returns the routes wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return Chain(
		RecoveryMiddleware(s.logger),
		SecurityHeadersMiddleware(),
		LoggingMiddleware(s.logger),
	)(s.router)
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// ListenAndServe listens on the configured address and serves until ctx
// is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.mu.Lock()
	s.server = srv
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("SERVER_START",
		zap.String("addr", ln.Addr().String()),
		zap.String("version", s.version),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		err := s.Shutdown(shutdownCtx)
		<-errCh
		return err
	}
}

// Shutdown stops running turns, then the HTTP server. Turns cut short are
// recorded as failed in their transcripts.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("SERVER_SHUTDOWN", zap.Int("running_turns", s.streams.count()))

	// Cancel first so SSE handlers return and Shutdown is not held open
	s.cancelBase()

	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.turns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	return err
}

// ============================================================================
// HELPERS
// ============================================================================

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("WRITE_FAILED", zap.Error(err))
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, errType, message string) {
	s.writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
			"code":    status,
		},
	})
}
