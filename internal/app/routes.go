package app

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/rs/cors"

	"tradebridge/internal/auth"
	"tradebridge/internal/config"
	"tradebridge/internal/httpx"
	"tradebridge/internal/observability"
	"tradebridge/internal/ratelimit"
)

func routes(cfg *config.Config, c *components, logger *observability.Logger) http.Handler {
	loginGuard := ratelimit.New(cfg.LoginRateLimitMax, cfg.LoginRateLimitWindow).
		WithMessage("Too many failed login attempts. Please try again later.")
	authLimit := ratelimit.New(cfg.AuthRateLimitMax, cfg.AuthRateLimitWindow)
	brokerLimit := ratelimit.PerIP(cfg.BrokerRateLimitMax, cfg.BrokerRateLimitWindow)

	limited := func(h http.HandlerFunc) http.Handler { return brokerLimit(h) }
	session := c.guard.RequireSession
	// Account data is also readable with a platform API key.
	readOnly := func(h auth.AuthedHandlerFunc) http.Handler {
		return limited(c.guard.RequireSessionOrAPIKey(h))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler(c.database))

	mux.Handle("POST /auth/register", authLimit.Middleware(http.HandlerFunc(c.auth.Register)))
	mux.Handle("POST /auth/login", loginGuard.FailureGuard(http.HandlerFunc(c.auth.Login)))
	mux.HandleFunc("POST /auth/logout", c.auth.Logout)
	mux.Handle("GET /auth/session", authLimit.Middleware(session(c.auth.Session)))
	mux.Handle("POST /auth/session/extend", authLimit.Middleware(session(c.auth.Extend)))
	mux.Handle("GET /auth/sessions", authLimit.Middleware(session(c.auth.Sessions)))
	mux.Handle("POST /auth/sessions/revoke-others", authLimit.Middleware(session(c.auth.RevokeOthers)))

	mux.HandleFunc("GET /brokers/supported", c.connections.Supported)
	mux.Handle("POST /brokers/connect/{brokerType}", limited(session(c.connections.Connect)))
	mux.Handle("GET /brokers/connections", readOnly(c.connections.List))
	mux.Handle("GET /brokers/connections/{id}", readOnly(c.connections.Details))
	mux.Handle("DELETE /brokers/connections/{id}", limited(session(c.connections.Disconnect)))
	mux.Handle("POST /brokers/connections/{id}/refresh", limited(session(c.connections.Refresh)))
	mux.Handle("GET /brokers/connections/{id}/validate", readOnly(c.connections.Validate))
	mux.Handle("GET /brokers/connections/{id}/funds", readOnly(c.connections.Funds))
	mux.Handle("GET /brokers/connections/{id}/orders", readOnly(c.connections.Orders))
	mux.Handle("GET /brokers/connections/{id}/trades", readOnly(c.connections.Trades))
	mux.Handle("GET /brokers/connections/{id}/positions", readOnly(c.connections.Positions))
	mux.Handle("GET /brokers/connections/{id}/holdings", readOnly(c.connections.Holdings))

	mux.Handle("GET /apikey", limited(session(c.apiKeys.Get)))
	mux.Handle("POST /apikey", limited(session(c.apiKeys.Issue)))
	mux.Handle("DELETE /apikey", limited(session(c.apiKeys.Revoke)))

	mux.Handle("GET /instruments/search", readOnly(c.instruments.Search))

	mux.HandleFunc("GET /internal/maintenance/cleanup", c.cleanup.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", c.cleanup.Handle)
	mux.HandleFunc("POST /internal/users/{id}/deactivate", c.admin.Deactivate)
	mux.HandleFunc("POST /internal/users/{id}/activate", c.admin.Activate)
	mux.HandleFunc("DELETE /internal/users/{id}", c.admin.Purge)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins(),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", auth.APIKeyHeader, observability.RequestIDHeader},
		ExposedHeaders:   []string{observability.RequestIDHeader, "Retry-After"},
		AllowCredentials: true,
		MaxAge:           600,
	})

	var handler http.Handler = mux
	handler = corsHandler.Handler(handler)
	handler = observability.RequestLoggingMiddleware(logger, handler)
	handler = observability.RequestIDMiddleware(handler)
	handler = observability.RecoverMiddleware(logger, handler)
	return handler
}

func healthHandler(database *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
		httpx.WriteJSON(w, status, body)
	}
}
