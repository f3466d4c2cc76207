package masterdata

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"tradebridge/internal/apperr"
	"tradebridge/internal/auth"
	"tradebridge/internal/httpx"
)

type Handler struct {
	catalog *Catalog
}

func NewHandler(catalog *Catalog) *Handler {
	return &Handler{catalog: catalog}
}

// Search serves GET /instruments/search?q=&exchange=&limit=.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request, _ auth.Principal) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		httpx.WriteAppError(w, apperr.Validation("Query parameter q is required"))
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httpx.WriteAppError(w, apperr.Validation("limit must be a positive integer"))
			return
		}
		limit = n
	}

	results, err := h.catalog.Search(query, r.URL.Query().Get("exchange"), limit)
	if errors.Is(err, ErrNotLoaded) {
		h.catalog.TriggerRefresh()
		httpx.WriteAppError(w, apperr.Unavailable("Instrument data is still loading, try again shortly"))
		return
	}
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}

	httpx.WriteSuccess(w, http.StatusOK, map[string]any{
		"data":  results,
		"count": len(results),
	})
}
