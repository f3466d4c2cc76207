package api

import (
	"net/http"
	"sync"

	"tradebridge/internal/app"
	"tradebridge/internal/httpx"
)

var (
	initOnce   sync.Once
	apiRuntime *app.Runtime
	initErr    error
)

// Handler is the serverless entry point. Migrations run only when
// RUN_MIGRATIONS_ON_STARTUP is set, and sessions are swept by the cron
// cleanup route instead of a background ticker.
func Handler(w http.ResponseWriter, r *http.Request) {
	initOnce.Do(func() {
		apiRuntime, initErr = app.Build(app.Options{LoadDotEnv: false})
	})

	if initErr != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "Application bootstrap failed", "")
		return
	}

	apiRuntime.Handler.ServeHTTP(w, r)
}
