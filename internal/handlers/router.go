package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/vahid162/Smite/internal/middleware"
)

// Router assembles the panel API. Orch and SessionStore must be set first.
func Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", HealthCheck)

	r.Route("/api", func(r chi.Router) {
		// Unauthenticated: login plus the endpoints node agents call.
		r.Post("/auth/login", Login)
		r.Post("/nodes/register", RegisterNode)
		r.Post("/nodes/{id}/heartbeat", NodeHeartbeat)
		r.Post("/usage/push", PushUsage)
		r.Get("/version", GetVersion)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(SessionStore))

			r.Post("/auth/logout", Logout)
			r.Get("/auth/me", CurrentUser)

			r.Get("/status", PanelStatus)

			r.Route("/tunnels", func(r chi.Router) {
				r.Get("/", ListTunnels)
				r.Post("/", CreateTunnel)
				r.Get("/{id}", GetTunnel)
				r.Put("/{id}", UpdateTunnel)
				r.Delete("/{id}", DeleteTunnel)
				r.Post("/{id}/restart", RestartTunnel)
				r.Get("/{id}/status", TunnelRuntimeStatus)
				r.Get("/{id}/logs", TunnelEngineLogs)
				r.Get("/{id}/usage", TunnelUsageStats)
			})

			r.Route("/nodes", func(r chi.Router) {
				r.Get("/", ListNodes)
				r.Get("/health", NodeHealth)
				r.Get("/{id}", GetNode)
				r.Delete("/{id}", DeleteNode)
			})

			r.Get("/usage/summary", UsageSummary)

			r.Route("/settings", func(r chi.Router) {
				r.Get("/", GetSettings)
				r.Get("/{key}", GetSettingGroup)
				r.Put("/{key}", UpdateSettingGroup)
			})

			r.Route("/logs", func(r chi.Router) {
				r.Get("/", GetServerLogs)
				r.Delete("/", ClearServerLogs)
				r.Get("/stream", StreamServerLogs)
			})
		})
	})

	return r
}
