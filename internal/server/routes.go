package server

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RegisterRoutes registers all HTTP routes and applies global middleware.
// This keeps route registration separate from server bootstrap.
func (s *Server) RegisterRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(RequestID)
	s.router.Use(s.requestLogger)
	s.router.Use(CORS)

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/events", s.handleEvents)

	s.router.Route("/commands", func(r chi.Router) {
		// Public surface.
		r.Post("/", s.handleCreateCommand)
		r.Get("/{id}", s.handleGetCommand)

		// Agent surface.
		r.Post("/claim", s.handleClaim)
		r.Post("/{id}/heartbeat", s.handleHeartbeat)
		r.Post("/{id}/complete", s.handleComplete)
		r.Post("/{id}/fail", s.handleFail)
	})
}
