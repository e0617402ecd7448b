// Package server provides the HTTP API: session operations, tool
// confirmations, and the SSE event streams.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/pro-assist/stina-server/internal/confirm"
	"github.com/pro-assist/stina-server/internal/event"
	"github.com/pro-assist/stina-server/internal/logging"
	"github.com/pro-assist/stina-server/internal/notify"
	"github.com/pro-assist/stina-server/internal/session"
	"github.com/pro-assist/stina-server/internal/storage"
)

// Config holds server configuration.
type Config struct {
	Port         int
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:         4466,
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // no write timeout, SSE connections stay open
	}
}

// Deps bundles the server's collaborators.
type Deps struct {
	Sessions      *session.Registry
	Repo          *storage.FileRepository
	Bus           *event.Bus
	Confirmations *confirm.Store
	Notifier      *notify.Notifier
}

// Server is the HTTP server.
type Server struct {
	config        *Config
	router        *chi.Mux
	httpSrv       *http.Server
	sessions      *session.Registry
	repo          *storage.FileRepository
	bus           *event.Bus
	confirmations *confirm.Store
	notifier      *notify.Notifier
	log           zerolog.Logger
}

// New creates a new Server instance.
func New(cfg *Config, deps Deps) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	s := &Server{
		config:        cfg,
		router:        chi.NewRouter(),
		sessions:      deps.Sessions,
		repo:          deps.Repo,
		bus:           deps.Bus,
		confirmations: deps.Confirmations,
		notifier:      deps.Notifier,
		log:           logging.Component("server"),
	}

	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	if cfg.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}

	s.setupRoutes()
	return s
}

// Router returns the HTTP handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start begins listening. Blocks until the server stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.log.Info().Str("addr", addr).Msg("server listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
