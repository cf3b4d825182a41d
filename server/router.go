package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router. Auth endpoints live under the configured base path.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger, a.Metrics))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware(a.Config.CORSOrigins(), a.Config.Server.CORS))
	r.Use(SecurityHeadersMiddleware(hstsMaxAge(a.Config)))

	r.Get("/healthz", a.handleHealthz)
	r.Handle("/metrics", a.Metrics.Handler())

	auth := func(r chi.Router) {
		r.Get("/login", a.handleLogin)
		r.Get("/callback", a.handleCallback)
		r.Get("/auth-status", a.handleAuthStatus)
		r.Get("/user-profile", a.handleUserProfile)
		r.Get("/logout", a.handleLogout)
		r.Post("/logout", a.handleLogout)
	}
	if base := a.Config.Server.BasePath; base != "" {
		r.Route(base, auth)
	} else {
		auth(r)
	}

	return r
}

func hstsMaxAge(cfg Config) int {
	if cfg.Server.DevMode {
		return 0
	}
	return cfg.Server.TLS.HSTSMaxAge
}
