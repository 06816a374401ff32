// Package api exposes the HTTP control surface: target-group management,
// campaign configuration, access checks, Telegram login, and operational
// stats. The broadcast path itself never goes through HTTP; it runs on the
// durable job queue.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/telegram-broadcaster/internal/config"
	"github.com/ignite/telegram-broadcaster/internal/queue"
	"github.com/ignite/telegram-broadcaster/internal/scheduler"
	"github.com/ignite/telegram-broadcaster/internal/service/access"
	"github.com/ignite/telegram-broadcaster/internal/service/campaigns"
	"github.com/ignite/telegram-broadcaster/internal/service/groups"
	"github.com/ignite/telegram-broadcaster/internal/telegram"
)

// Server is the API server for the app role.
type Server struct {
	cfg      config.ServerConfig
	router   *chi.Mux
	server   *http.Server
	handlers *Handlers
}

// Deps collects the collaborators the handlers need. Scheduler and pool may
// be nil depending on role; the handlers degrade gracefully.
type Deps struct {
	Groups    *groups.Service
	Campaigns *campaigns.Service
	Access    *access.Service
	Login     *telegram.LoginManager
	Pool      *telegram.Pool
	Queue     *queue.Store
	Scheduler *scheduler.Scheduler
}

// NewServer creates the API server and wires all routes.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	handlers := NewHandlers(deps)
	return &Server{
		cfg:      cfg,
		router:   SetupRoutes(handlers),
		handlers: handlers,
	}
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}
