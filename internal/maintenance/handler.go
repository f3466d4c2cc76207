package maintenance

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"tradebridge/internal/httpx"
	"tradebridge/internal/observability"
)

const defaultKeyRetention = 30 * 24 * time.Hour

type SessionSweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

type KeyPruner interface {
	PruneRevoked(ctx context.Context, olderThan time.Duration) (int64, error)
}

type CleanupResult struct {
	DeletedSessions int64 `json:"deleted_sessions"`
	DeletedAPIKeys  int64 `json:"deleted_api_keys"`
}

// CleanupHandler is the cron entry point for deployments without a
// long-running sweeper.
type CleanupHandler struct {
	sessions     SessionSweeper
	keys         KeyPruner
	logger       *observability.Logger
	cronSecret   string
	keyRetention time.Duration
}

func NewCleanupHandler(sessions SessionSweeper, keys KeyPruner, logger *observability.Logger, cronSecret string, keyRetention time.Duration) *CleanupHandler {
	if keyRetention <= 0 {
		keyRetention = defaultKeyRetention
	}
	return &CleanupHandler{
		sessions:     sessions,
		keys:         keys,
		logger:       logger,
		cronSecret:   strings.TrimSpace(cronSecret),
		keyRetention: keyRetention,
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		httpx.WriteError(w, http.StatusNotFound, "Not found", "")
		return
	}
	if !bearerMatches(r, h.cronSecret) {
		httpx.WriteError(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}

	var (
		result CleanupResult
		err    error
	)
	result.DeletedSessions, err = h.sessions.SweepExpired(r.Context())
	if err != nil {
		h.logger.Report("cleanup_failed", map[string]any{"stage": "sessions", "error": err})
		httpx.WriteError(w, http.StatusInternalServerError, "Cleanup failed", "")
		return
	}
	if h.keys != nil {
		result.DeletedAPIKeys, err = h.keys.PruneRevoked(r.Context(), h.keyRetention)
		if err != nil {
			h.logger.Report("cleanup_failed", map[string]any{"stage": "api_keys", "error": err})
			httpx.WriteError(w, http.StatusInternalServerError, "Cleanup failed", "")
			return
		}
	}

	h.logger.Info("cleanup_completed", map[string]any{
		"deleted_sessions": result.DeletedSessions,
		"deleted_api_keys": result.DeletedAPIKeys,
	})
	httpx.WriteSuccess(w, http.StatusOK, map[string]any{"result": result})
}

func bearerMatches(r *http.Request, secret string) bool {
	presented := httpx.BearerToken(r)
	if presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) == 1
}
