package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"tokend/ratelimit"
)

// Routes constructs the HTTP router with all login and token endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger, a.Config.Server.DevMode))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/healthz", a.handleHealth)
	r.Get("/.well-known/jwks.json", a.handleJWKS)

	// Bearer-authenticated endpoints are limited inside the manager.
	r.Post("/token/external", a.handleExternalToken)
	r.Post("/logout", a.handleLogout)
	r.Get("/me", a.handleMe)
	r.Post("/introspect", a.handleIntrospect)

	r.Group(func(r chi.Router) {
		r.Use(ratelimit.Middleware(a.PublicLimiter, 1, func(req *http.Request) string {
			return clientAddr(req, a.Config.Server.TrustProxyHeaders)
		}))
		r.Get("/login/{provider}", a.handleLogin)
		r.Get("/auth/{provider}", a.handleCallback)
		r.Post("/auth", a.handleHandoff)
		r.Post("/token", a.handleToken)
		r.Post("/revoke", a.handleRevoke)
	})

	return r
}
