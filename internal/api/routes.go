package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures the router and all endpoints.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Route("/groups", func(r chi.Router) {
			r.Get("/", h.ListGroups)
			r.Post("/", h.AddGroup)
			r.Delete("/{id}", h.RemoveGroup)
		})

		r.Route("/campaign", func(r chi.Router) {
			r.Get("/", h.GetCampaign)
			r.Put("/", h.UpdateCampaign)
		})

		r.Post("/access/check", h.CheckAccess)
		r.Post("/access/grant", h.GrantAccess)
		r.Post("/access/block", h.BlockAccess)

		r.Route("/login", func(r chi.Router) {
			r.Post("/start", h.LoginStart)
			r.Post("/code", h.LoginCode)
			r.Post("/2fa", h.Login2FA)
			r.Post("/cancel", h.LoginCancel)
		})

		r.Get("/remote-groups", h.ListRemoteGroups)
		r.Get("/stats", h.GetStats)
	})

	return r
}
