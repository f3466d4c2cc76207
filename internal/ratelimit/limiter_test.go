package ratelimit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func TestAllowFixedWindow(t *testing.T) {
	c := newClock()
	l := New(3, time.Minute).WithClock(c.Now)

	for i := 0; i < 3; i++ {
		ok, _ := l.Allow("1.2.3.4")
		require.True(t, ok)
	}
	ok, retry := l.Allow("1.2.3.4")
	require.False(t, ok)
	assert.Equal(t, time.Minute, retry)

	ok, _ = l.Allow("5.6.7.8")
	assert.True(t, ok, "keys are independent")

	c.Advance(40 * time.Second)
	ok, retry = l.Allow("1.2.3.4")
	require.False(t, ok)
	assert.Equal(t, 20*time.Second, retry)

	c.Advance(20 * time.Second)
	ok, _ = l.Allow("1.2.3.4")
	assert.True(t, ok, "new window opens once the old one elapses")
}

func TestBlockedDoesNotCount(t *testing.T) {
	l := New(2, time.Minute).WithClock(newClock().Now)

	for i := 0; i < 5; i++ {
		blocked, _ := l.Blocked("ip")
		require.False(t, blocked)
	}
	l.Hit("ip")
	l.Hit("ip")
	blocked, retry := l.Blocked("ip")
	assert.True(t, blocked)
	assert.Equal(t, time.Minute, retry)

	l.Reset("ip")
	blocked, _ = l.Blocked("ip")
	assert.False(t, blocked)
}

func TestPruneBoundsMemory(t *testing.T) {
	c := newClock()
	l := New(1, time.Second).WithClock(c.Now)
	l.maxKeys = 2

	l.Hit("a")
	l.Hit("b")
	c.Advance(2 * time.Second)
	l.Hit("c")

	assert.Len(t, l.windows, 1)
}

func TestFailureGuard(t *testing.T) {
	c := newClock()
	l := New(2, 300*time.Second).WithClock(c.Now).WithMessage("Too many failed login attempts. Please try again later.")

	status := http.StatusUnauthorized
	calls := 0
	handler := l.FailureGuard(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(status)
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
		req.RemoteAddr = "198.51.100.7:4000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusUnauthorized, send().Code)
	assert.Equal(t, http.StatusUnauthorized, send().Code)

	rec := send()
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, 2, calls, "blocked requests short-circuit")
	assert.Equal(t, "300", rec.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "RATE_LIMITED", body["error_code"])
	assert.EqualValues(t, 300, body["retry_after"])
	assert.Equal(t, "Too many failed login attempts. Please try again later.", body["message"])

	c.Advance(300 * time.Second)
	status = http.StatusOK
	assert.Equal(t, http.StatusOK, send().Code)

	status = http.StatusUnauthorized
	assert.Equal(t, http.StatusUnauthorized, send().Code)
	assert.Equal(t, http.StatusUnauthorized, send().Code, "success cleared earlier failures")
}

func TestFailureGuardKeysByHostAcrossConnections(t *testing.T) {
	l := New(5, 300*time.Second).WithClock(newClock().Now)
	handler := l.FailureGuard(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	codes := make([]int, 0, 7)
	for i := range 7 {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
		req.RemoteAddr = fmt.Sprintf("203.0.113.7:%d", 40000+i)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	assert.Equal(t, []int{401, 401, 401, 401, 401, 429, 429}, codes)
}

func TestMiddlewareCountsEveryRequest(t *testing.T) {
	l := New(1, time.Minute).WithClock(newClock().Now)
	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/auth/register", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.5")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestPerIP(t *testing.T) {
	limited := PerIP(1, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/brokers/connections", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.8")

	rec := httptest.NewRecorder()
	limited.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	limited.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "RATE_LIMITED", body["error_code"])
}

func TestPerIPIgnoresSourcePort(t *testing.T) {
	limited := PerIP(2, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 3)
	for i := range 3 {
		req := httptest.NewRequest(http.MethodGet, "/brokers/connections", nil)
		req.RemoteAddr = fmt.Sprintf("198.51.100.20:%d", 50000+i)
		rec := httptest.NewRecorder()
		limited.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}
