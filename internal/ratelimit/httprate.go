package ratelimit

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"
)

// PerIP limits a route to limit requests per window for each client address.
// Addresses come from the forwarding headers, else the remote host with its
// port stripped.
func PerIP(limit int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		limit,
		window,
		httprate.WithKeyFuncs(httprate.KeyByRealIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeLimited(w, "Too many requests. Please try again later.", window)
		}),
	)
}
