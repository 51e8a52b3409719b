// Package handlers is the HTTP surface of the orchestrator. Authentication
// happens upstream; handlers trust the identity headers the middleware
// extracted and translate manager errors into status codes.
package handlers

import (
	"github.com/go-chi/chi/v5"

	"github.com/colabvibe/previewd/internal/database"
	"github.com/colabvibe/previewd/internal/deploy"
	"github.com/colabvibe/previewd/internal/middleware"
	"github.com/colabvibe/previewd/internal/session"
)

// API bundles the managers the handlers operate on.
type API struct {
	Store    *database.Store
	Deploys  *deploy.Manager
	Sessions *session.Manager
}

// Routes mounts every endpoint on r.
func (a *API) Routes(r chi.Router) {
	r.Get("/health", a.Health)

	r.Route("/api/v1", func(r chi.Router) {
		// The resolve endpoint serves the proxy router, which carries no
		// end-user identity.
		r.Get("/resolve/{teamID}", a.Resolve)

		r.Route("/deployments", func(r chi.Router) {
			r.Use(middleware.RequireTeam)
			r.Get("/", a.ListDeployments)
			r.Post("/{teamID}", a.CreateDeployment)
			r.Get("/{teamID}", a.GetDeployment)
			r.Delete("/{teamID}", a.StopDeployment)
			r.Get("/{teamID}/logs", a.DeploymentLogs)
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Use(middleware.RequireAgent)
			r.Post("/", a.SpawnSession)
			r.Get("/", a.ListSessions)
			r.Get("/{sessionID}/attach", a.AttachSession)
			r.Post("/{sessionID}/input", a.SessionInput)
			r.Post("/{sessionID}/resize", a.ResizeSession)
			r.Delete("/{sessionID}", a.KillSession)
		})
	})
}
