package connection

import (
	"net/http"
	"strconv"

	"tradebridge/internal/apperr"
	"tradebridge/internal/auth"
	"tradebridge/internal/broker"
	"tradebridge/internal/httpx"
)

type Handler struct {
	manager *Manager
}

type connectRequest struct {
	Credentials map[string]string `json:"credentials"`
	DisplayName string            `json:"display_name"`
}

func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

func (h *Handler) Supported(w http.ResponseWriter, _ *http.Request) {
	brokers := make(map[string]broker.Info)
	for _, info := range h.manager.Supported() {
		brokers[info.Type] = info
	}
	httpx.WriteSuccess(w, http.StatusOK, map[string]any{"brokers": brokers})
}

func (h *Handler) Connect(w http.ResponseWriter, r *http.Request, caller auth.Principal) {
	var req connectRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteAppError(w, err)
		return
	}

	result, err := h.manager.Connect(r.Context(), caller.User.ID, ConnectInput{
		BrokerType:  r.PathValue("brokerType"),
		Credentials: req.Credentials,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}

	payload := map[string]any{
		"message":    result.Message,
		"connection": result.Connection,
	}
	if result.Warning != "" {
		payload["warning"] = result.Warning
	}
	httpx.WriteSuccess(w, http.StatusCreated, payload)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request, caller auth.Principal) {
	summaries, err := h.manager.List(r.Context(), caller.User.ID)
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, map[string]any{"brokers": summaries, "count": len(summaries)})
}

func (h *Handler) Details(w http.ResponseWriter, r *http.Request, caller auth.Principal) {
	id, ok := connectionID(w, r)
	if !ok {
		return
	}
	details, err := h.manager.Details(r.Context(), caller.User.ID, id)
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, map[string]any{"connection": details})
}

func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request, caller auth.Principal) {
	id, ok := connectionID(w, r)
	if !ok {
		return
	}
	message, err := h.manager.Disconnect(r.Context(), caller.User.ID, id)
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, map[string]any{"message": message})
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request, caller auth.Principal) {
	id, ok := connectionID(w, r)
	if !ok {
		return
	}
	message, err := h.manager.Refresh(r.Context(), caller.User.ID, id)
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, map[string]any{"message": message})
}

func (h *Handler) Validate(w http.ResponseWriter, r *http.Request, caller auth.Principal) {
	id, ok := connectionID(w, r)
	if !ok {
		return
	}
	view, err := h.manager.Validate(r.Context(), caller.User.ID, id)
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, map[string]any{"validation": view})
}

func (h *Handler) Funds(w http.ResponseWriter, r *http.Request, caller auth.Principal) {
	id, ok := connectionID(w, r)
	if !ok {
		return
	}
	funds, err := h.manager.Funds(r.Context(), caller.User.ID, id)
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, map[string]any{"data": funds})
}

func (h *Handler) Orders(w http.ResponseWriter, r *http.Request, caller auth.Principal) {
	id, ok := connectionID(w, r)
	if !ok {
		return
	}
	book, err := h.manager.Orders(r.Context(), caller.User.ID, id)
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, map[string]any{"data": book.Orders, "statistics": book.Statistics})
}

func (h *Handler) Trades(w http.ResponseWriter, r *http.Request, caller auth.Principal) {
	id, ok := connectionID(w, r)
	if !ok {
		return
	}
	trades, err := h.manager.Trades(r.Context(), caller.User.ID, id)
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, map[string]any{"data": trades})
}

func (h *Handler) Positions(w http.ResponseWriter, r *http.Request, caller auth.Principal) {
	id, ok := connectionID(w, r)
	if !ok {
		return
	}
	positions, err := h.manager.Positions(r.Context(), caller.User.ID, id)
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, map[string]any{"data": positions})
}

func (h *Handler) Holdings(w http.ResponseWriter, r *http.Request, caller auth.Principal) {
	id, ok := connectionID(w, r)
	if !ok {
		return
	}
	portfolio, err := h.manager.Holdings(r.Context(), caller.User.ID, id)
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, map[string]any{"data": portfolio.Holdings, "statistics": portfolio.Statistics})
}

func connectionID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.WriteAppError(w, apperr.Validation("Invalid connection id"))
		return 0, false
	}
	return id, true
}
