package maintenance

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"tradebridge/internal/apperr"
	"tradebridge/internal/httpx"
)

type UserLifecycle interface {
	Deactivate(ctx context.Context, userID int64) error
	Activate(ctx context.Context, userID int64) error
	Purge(ctx context.Context, userID int64) error
}

// AdminHandler exposes user lifecycle operations to operators holding the
// admin secret.
type AdminHandler struct {
	users  UserLifecycle
	secret string
}

func NewAdminHandler(users UserLifecycle, adminSecret string) *AdminHandler {
	return &AdminHandler{users: users, secret: strings.TrimSpace(adminSecret)}
}

func (h *AdminHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, h.users.Deactivate, "User deactivated")
}

func (h *AdminHandler) Activate(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, h.users.Activate, "User activated")
}

func (h *AdminHandler) Purge(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, h.users.Purge, "User purged")
}

func (h *AdminHandler) run(w http.ResponseWriter, r *http.Request, op func(context.Context, int64) error, message string) {
	if h.secret == "" {
		httpx.WriteError(w, http.StatusNotFound, "Not found", "")
		return
	}
	if !bearerMatches(r, h.secret) {
		httpx.WriteError(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}

	userID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || userID <= 0 {
		httpx.WriteAppError(w, apperr.Validation("Invalid user id"))
		return
	}

	if err := op(r.Context(), userID); err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, map[string]any{"message": message, "user_id": userID})
}
