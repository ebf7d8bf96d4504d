package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/isdmx/pyexec/config"
	"github.com/isdmx/pyexec/metrics"
	"github.com/isdmx/pyexec/sandbox"
)

// Server is the HTTP API in front of the execution engine
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	executor   sandbox.SandboxExecutor
	metrics    *metrics.Collector
	router     chi.Router
	httpServer *http.Server
	listener   net.Listener
}

// New creates the HTTP server and its routes. collector may be nil.
func New(cfg *config.Config, logger *zap.Logger, executor sandbox.SandboxExecutor, collector *metrics.Collector) *Server {
	s := &Server{
		config:   cfg,
		logger:   logger.With(zap.String("component", "http")),
		executor: executor,
		metrics:  collector,
	}
	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           s.router,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          zap.NewStdLog(s.logger),
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors(s.config.Server.AllowedOrigins))
	if s.metrics != nil {
		r.Use(instrument(s.metrics))
	}

	r.Post("/execute", s.handleExecute)
	r.Post("/stop/{executionID}", s.handleStop)
	r.Get("/packages", s.handlePackages)
	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/config", s.handleConfig)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.logger, http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "Endpoint not found",
		})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.logger, http.StatusMethodNotAllowed, ErrorResponse{
			Error:   "method_not_allowed",
			Message: fmt.Sprintf("Method %s not allowed", r.Method),
		})
	})

	return r
}

// Handler returns the routed handler, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listen address and serves in the background. Bind errors
// are returned so startup fails fast.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.listener = ln

	s.logger.Info("starting HTTP server", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address once Start has succeeded
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.httpServer.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}
	return nil
}
