package auth

import (
	"context"
	"net/http"
	"strings"

	"tradebridge/internal/apperr"
	"tradebridge/internal/httpx"
)

const APIKeyHeader = "X-API-Key"

// AuthedHandlerFunc receives the authenticated caller as an argument.
type AuthedHandlerFunc func(w http.ResponseWriter, r *http.Request, caller Principal)

// KeyAuthenticator resolves a platform API key to its owner.
type KeyAuthenticator interface {
	Authenticate(ctx context.Context, rawKey string) (int64, error)
}

type Guard struct {
	service    *Service
	cookieName string
	keys       KeyAuthenticator
}

func NewGuard(service *Service, cookieName string) *Guard {
	return &Guard{service: service, cookieName: cookieName}
}

func (g *Guard) WithAPIKeys(keys KeyAuthenticator) *Guard {
	g.keys = keys
	return g
}

// SessionToken reads the session cookie, falling back to a bearer token.
func (g *Guard) SessionToken(r *http.Request) string {
	if cookie, err := r.Cookie(g.cookieName); err == nil {
		if value := strings.TrimSpace(cookie.Value); value != "" {
			return value
		}
	}
	return httpx.BearerToken(r)
}

func (g *Guard) RequireSession(next AuthedHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, err := g.service.ValidateSession(r.Context(), g.SessionToken(r))
		if err != nil {
			httpx.WriteAppError(w, err)
			return
		}
		next(w, r, caller)
	}
}

// RequireSessionOrAPIKey accepts X-API-Key when present, else a session.
func (g *Guard) RequireSessionOrAPIKey(next AuthedHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rawKey := strings.TrimSpace(r.Header.Get(APIKeyHeader))
		if rawKey == "" || g.keys == nil {
			g.RequireSession(next)(w, r)
			return
		}

		userID, err := g.keys.Authenticate(r.Context(), rawKey)
		if err != nil {
			httpx.WriteAppError(w, err)
			return
		}
		owner, err := g.service.ActiveUser(r.Context(), userID)
		if err != nil {
			if apperr.KindOf(err) == apperr.KindAuthentication {
				httpx.WriteError(w, http.StatusUnauthorized, "Invalid API key", "")
				return
			}
			httpx.WriteAppError(w, err)
			return
		}
		next(w, r, Principal{User: owner, ViaAPIKey: true})
	}
}
