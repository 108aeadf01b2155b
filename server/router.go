package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router for the auth subsystem.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware(a.Config.Server.AppOrigin))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware)
	}

	r.Route("/auth", func(r chi.Router) {
		r.Get("/login", a.handleLogin)
		r.Get("/callback", a.handleCallback)
		r.Post("/claim-session", a.handleClaimSession)

		r.Get("/user", a.handleCurrentUser)
		r.Post("/logout", a.handleLogout)
		r.Get("/session-health", a.handleSessionHealth)
		r.Post("/session-extend", a.handleSessionExtend)

		r.Post("/api-token", a.handleSaveToken)
		r.Get("/api-token", a.handleTokenStatus)
		r.Post("/api-token-decrypt", a.handleDecryptToken)
		r.Delete("/api-token", a.handleRevokeToken)

		r.Get("/stream", a.handleStream)
	})

	return r
}
