package api

import (
	"github.com/go-chi/chi/v5"
)

// Token roles
const (
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	r.Get("/health", s.HandleHealth)
	r.Get("/", s.HandleRoot)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/auth/refresh", s.HandleRefresh)

		r.Route("/node", func(r chi.Router) {
			r.Get("/", s.HandleGetStatus)

			r.Group(func(r chi.Router) {
				r.Use(s.requireRole(RoleOperator))
				r.Post("/join", s.HandleJoin)
				r.Post("/uplink", s.HandleUplink)
			})
		})
	})
}
