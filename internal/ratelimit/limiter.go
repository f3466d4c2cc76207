// Package ratelimit keeps process-local fixed-window counters keyed by client
// address. State is lost on restart.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"tradebridge/internal/httpx"
)

const (
	CodeRateLimited = "RATE_LIMITED"
	defaultMaxKeys  = 5000
)

type window struct {
	start time.Time
	count int
}

type Limiter struct {
	mu      sync.Mutex
	limit   int
	length  time.Duration
	windows map[string]*window
	maxKeys int
	now     func() time.Time
	message string
}

func New(limit int, length time.Duration) *Limiter {
	if limit <= 0 {
		limit = 20
	}
	if length <= 0 {
		length = time.Minute
	}

	return &Limiter{
		limit:   limit,
		length:  length,
		windows: make(map[string]*window),
		maxKeys: defaultMaxKeys,
		now:     func() time.Time { return time.Now().UTC() },
		message: "Too many requests. Please try again later.",
	}
}

func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func (l *Limiter) WithMessage(message string) *Limiter {
	l.message = message
	return l
}

// Allow counts one hit for key and reports whether it is within the limit.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.current(key, now)
	if w.count >= l.limit {
		return false, l.retryAfter(w, now)
	}
	w.count++
	return true, 0
}

// Blocked reports whether key is over the limit without counting a hit.
func (l *Limiter) Blocked(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.length {
		return false, 0
	}
	if w.count >= l.limit {
		return true, l.retryAfter(w, now)
	}
	return false, 0
}

func (l *Limiter) Hit(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.current(key, l.now()).count++
}

func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

// current returns the live window for key, opening a new one if the previous
// window has elapsed. Callers hold l.mu.
func (l *Limiter) current(key string, now time.Time) *window {
	w, ok := l.windows[key]
	if ok && now.Sub(w.start) < l.length {
		return w
	}

	if !ok && len(l.windows) >= l.maxKeys {
		l.prune(now)
	}
	w = &window{start: now}
	l.windows[key] = w
	return w
}

func (l *Limiter) prune(now time.Time) {
	for key, w := range l.windows {
		if now.Sub(w.start) >= l.length {
			delete(l.windows, key)
		}
	}
}

func (l *Limiter) retryAfter(w *window, now time.Time) time.Duration {
	retry := w.start.Add(l.length).Sub(now)
	if retry < time.Second {
		retry = time.Second
	}
	return retry
}

// Middleware counts every request from a client address.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if allowed, retry := l.Allow(httpx.ClientIP(r)); !allowed {
			writeLimited(w, l.message, retry)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// FailureGuard only counts failed attempts: a 401 from next records a
// failure, a 200 clears the address. Blocked addresses never reach next.
func (l *Limiter) FailureGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := httpx.ClientIP(r)
		if blocked, retry := l.Blocked(ip); blocked {
			writeLimited(w, l.message, retry)
			return
		}

		recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(recorder, r)

		switch recorder.statusCode {
		case http.StatusUnauthorized:
			l.Hit(ip)
		case http.StatusOK:
			l.Reset(ip)
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.statusCode = status
	r.ResponseWriter.WriteHeader(status)
}

func writeLimited(w http.ResponseWriter, message string, retry time.Duration) {
	seconds := int(retry.Round(time.Second).Seconds())
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	httpx.WriteJSON(w, http.StatusTooManyRequests, map[string]any{
		"status":      "error",
		"message":     message,
		"error_code":  CodeRateLimited,
		"retry_after": seconds,
	})
}
