package apikey

import (
	"net/http"

	"tradebridge/internal/auth"
	"tradebridge/internal/httpx"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request, caller auth.Principal) {
	view, ok, err := h.service.Current(r.Context(), caller.User.ID)
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}

	var key any
	if ok {
		key = view
	}
	httpx.WriteSuccess(w, http.StatusOK, map[string]any{"api_key": key})
}

func (h *Handler) Issue(w http.ResponseWriter, r *http.Request, caller auth.Principal) {
	view, err := h.service.Issue(r.Context(), caller.User.ID)
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusCreated, map[string]any{
		"message": "API key generated",
		"api_key": view,
	})
}

func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request, caller auth.Principal) {
	if err := h.service.Revoke(r.Context(), caller.User.ID); err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, map[string]any{"message": "API key revoked"})
}
