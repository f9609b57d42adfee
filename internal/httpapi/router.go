package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(serverErrorLoggerMiddleware)
	r.Use(corsMiddleware)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(newIPRateLimiter(d.RateLimitPerMinute, time.Minute).middleware)
	r.Use(middleware.Heartbeat("/healthz"))

	s := server{
		db:                 d.DB,
		pepper:             d.Pepper,
		adminToken:         d.AdminToken,
		publicBaseURL:      d.PublicBaseURL,
		githubClientID:     d.GitHubOAuthClientID,
		githubClientSecret: d.GitHubOAuthClientSecret,
		bundleCfg:          d.BundleConfig,
		bundleArchive:      d.BundleArchive,
		bundleSTS:          d.BundleSTS,
	}

	r.Route("/v1", func(r chi.Router) {
		// Public discovery and reads. getBySlug and bundle export accept
		// an optional bearer token so authors can see their private agents.
		r.Get("/agents", s.handleListAgents)
		r.With(s.optionalUserAuthMiddleware).Get("/agents/slug/{slug}", s.handleGetAgentBySlug)
		r.Get("/agents/{agentID}/files/{filename}", s.handleGetAgentFile)
		r.Post("/agents/{agentID}/downloads", s.handleIncrementDownloads)
		r.With(s.optionalUserAuthMiddleware).Get("/agents/{agentID}/bundle", s.handleExportAgentBundle)

		// OAuth (GitHub).
		r.Get("/auth/github/start", s.handleAuthGitHubStart)
		r.Get("/auth/github/callback", s.handleAuthGitHubCallback)

		r.Group(func(r chi.Router) {
			r.Use(s.userAuthMiddleware)
			r.Get("/me", s.handleGetMe)
			r.Get("/me/agents", s.handleMyAgents)
			r.Post("/agents", s.handleCreateAgent)
			r.Patch("/agents/{agentID}", s.handleUpdateAgent)
			r.Delete("/agents/{agentID}", s.handleDeleteAgent)
			r.Put("/agents/{agentID}/files/{filename}", s.handleUpdateAgentFile)
			r.Post("/agents/{agentID}/bundle/credentials", s.handleIssueBundleCredentials)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.adminAuthMiddleware)
			r.Post("/users/issue-key", s.handleAdminIssueUserKey)
		})
	})

	return r
}
