// Package server exposes the OpenAI-compatible HTTP surface of the gateway.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hydragw/hydra/internal/config"
	"github.com/hydragw/hydra/internal/failover"
	"github.com/hydragw/hydra/internal/health"
	"github.com/hydragw/hydra/internal/keypool"
	"github.com/hydragw/hydra/internal/quota"
	"github.com/hydragw/hydra/internal/store"
	"github.com/hydragw/hydra/internal/tokens"
)

// RequestLogger records completed exchanges. Satisfied by *store.Store.
type RequestLogger interface {
	LogRequest(ctx context.Context, record store.RequestRecord) error
}

// Deps carries the shared registries the handlers need.
type Deps struct {
	Orchestrator *failover.Orchestrator
	Pool         *keypool.Store
	Tracker      *quota.Tracker
	Status       *health.Classifier
	Tokens       *tokens.Registry
	AuthEnabled  bool
	Requests     RequestLogger
	Models       []string
	Aliases      map[string]string
	Logger       *zap.Logger
}

// Server represents the HTTP server.
type Server struct {
	router *chi.Mux
	server *http.Server
	cfg    config.ServerConfig
	deps   Deps
	logger *zap.Logger
}

// New creates a new HTTP server instance.
func New(cfg config.ServerConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(RequestID)
	r.Use(Logging(logger))
	r.Use(Recovery(logger))

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, http.StatusNotFound, "invalid_request_error", "the requested resource was not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "invalid_request_error", "the requested method is not allowed for this resource")
	})

	s := &Server{
		router: r,
		cfg:    cfg,
		deps:   deps,
		logger: logger,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Group(func(r chi.Router) {
		if s.deps.AuthEnabled && s.deps.Tokens != nil {
			r.Use(Auth(s.deps.Tokens))
		}
		r.Post("/v1/chat/completions", s.handleChatCompletions)
		r.Get("/v1/models", s.handleModels)
		r.Get("/admin/keys", s.handleKeys)
	})
}

// Start starts the HTTP server and blocks until it exits.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	s.logger.Info("starting HTTP server",
		zap.String("host", s.cfg.Host),
		zap.Int("port", s.cfg.Port))

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Handler exposes the underlying router for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}
