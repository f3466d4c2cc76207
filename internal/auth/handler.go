package auth

import (
	"fmt"
	"net/http"
	"time"

	"tradebridge/internal/apperr"
	"tradebridge/internal/httpx"
	"tradebridge/internal/session"
)

const maxExtendHours = 168

type CookieConfig struct {
	Name   string
	Secure bool
}

type Handler struct {
	service    *Service
	guard      *Guard
	cookie     CookieConfig
	afterLogin func()
}

func NewHandler(service *Service, guard *Guard, cookie CookieConfig) *Handler {
	return &Handler{service: service, guard: guard, cookie: cookie}
}

// OnLogin registers a hook run after every successful login. It must not block.
func (h *Handler) OnLogin(hook func()) {
	h.afterLogin = hook
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Email      string `json:"email"`
	Username   string `json:"username"`
	Password   string `json:"password"`
}

type extendRequest struct {
	Hours int `json:"hours"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if err := httpx.DecodeJSON(w, r, &body); err != nil {
		httpx.WriteAppError(w, err)
		return
	}

	created, err := h.service.Register(r.Context(), body.Username, body.Email, body.Password)
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}

	httpx.WriteSuccess(w, http.StatusCreated, map[string]any{
		"message": "Registration successful! Please login with your credentials.",
		"user":    created,
	})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if err := httpx.DecodeJSON(w, r, &body); err != nil {
		httpx.WriteAppError(w, err)
		return
	}

	identifier := body.Identifier
	if identifier == "" {
		identifier = body.Email
	}
	if identifier == "" {
		identifier = body.Username
	}

	result, err := h.service.Authenticate(r.Context(), identifier, body.Password)
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}

	h.setSessionCookie(w, result.Session)
	if h.afterLogin != nil {
		h.afterLogin()
	}

	httpx.WriteSuccess(w, http.StatusOK, map[string]any{
		"message":       fmt.Sprintf("Welcome back, %s!", result.User.Username),
		"user":          result.User,
		"session_token": result.Session.Token,
		"expires_at":    result.Session.ExpiresAt,
	})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	token := h.guard.SessionToken(r)
	if token == "" {
		httpx.WriteError(w, http.StatusBadRequest, "Session token is required", "")
		return
	}

	if err := h.service.Logout(r.Context(), token); err != nil {
		httpx.WriteAppError(w, err)
		return
	}

	h.clearSessionCookie(w)
	httpx.WriteSuccess(w, http.StatusOK, map[string]any{"message": "Logged out successfully"})
}

func (h *Handler) Session(w http.ResponseWriter, r *http.Request, caller Principal) {
	httpx.WriteSuccess(w, http.StatusOK, map[string]any{
		"message": "Session is valid",
		"user":    caller.User.Public(),
		"session": sessionView(caller.Session, caller.Session.Token, time.Now().UTC()),
	})
}

func (h *Handler) Extend(w http.ResponseWriter, r *http.Request, caller Principal) {
	body := extendRequest{Hours: int(session.DefaultTTL / time.Hour)}
	if err := httpx.DecodeOptionalJSON(w, r, &body); err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	if body.Hours <= 0 || body.Hours > maxExtendHours {
		httpx.WriteAppError(w, apperr.Validation(fmt.Sprintf("hours must be between 1 and %d", maxExtendHours)))
		return
	}

	expiresAt, err := h.service.ExtendSession(r.Context(), caller, time.Duration(body.Hours)*time.Hour)
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}

	caller.Session.ExpiresAt = expiresAt
	h.setSessionCookie(w, caller.Session)
	httpx.WriteSuccess(w, http.StatusOK, map[string]any{
		"message":    fmt.Sprintf("Session extended by %d hours", body.Hours),
		"expires_at": expiresAt,
	})
}

func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request, caller Principal) {
	sessions, err := h.service.ListSessions(r.Context(), caller)
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}

	now := time.Now().UTC()
	views := make([]map[string]any, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, sessionView(s, caller.Session.Token, now))
	}
	httpx.WriteSuccess(w, http.StatusOK, map[string]any{"sessions": views, "count": len(views)})
}

func (h *Handler) RevokeOthers(w http.ResponseWriter, r *http.Request, caller Principal) {
	removed, err := h.service.RevokeOtherSessions(r.Context(), caller)
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, map[string]any{
		"message": fmt.Sprintf("Revoked %d sessions", removed),
		"count":   removed,
	})
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, s session.Session) {
	maxAge := int(time.Until(s.ExpiresAt).Seconds())
	if maxAge < 1 {
		maxAge = 1
	}
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    s.Token,
		Path:     "/",
		Expires:  s.ExpiresAt,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func sessionView(s session.Session, currentToken string, now time.Time) map[string]any {
	return map[string]any{
		"id":             s.ID,
		"token":          s.MaskedToken(),
		"created_at":     s.CreatedAt,
		"expires_at":     s.ExpiresAt,
		"time_remaining": s.Remaining(now),
		"is_current":     currentToken != "" && s.Token == currentToken,
	}
}
