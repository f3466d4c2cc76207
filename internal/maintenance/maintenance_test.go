package maintenance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebridge/internal/apperr"
	"tradebridge/internal/observability"
)

type fakeSweeper struct {
	calls   atomic.Int32
	removed int64
	err     error
}

func (f *fakeSweeper) SweepExpired(context.Context) (int64, error) {
	f.calls.Add(1)
	return f.removed, f.err
}

type fakePruner struct {
	olderThan time.Duration
	removed   int64
}

func (f *fakePruner) PruneRevoked(_ context.Context, olderThan time.Duration) (int64, error) {
	f.olderThan = olderThan
	return f.removed, nil
}

func cleanupRequest(secret string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/internal/cleanup", nil)
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}
	return req
}

func TestCleanupHandler(t *testing.T) {
	sweeper := &fakeSweeper{removed: 3}
	pruner := &fakePruner{removed: 1}
	h := NewCleanupHandler(sweeper, pruner, observability.Discard(), "cron-secret", 0)

	rec := httptest.NewRecorder()
	h.Handle(rec, cleanupRequest("wrong"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	h.Handle(rec, cleanupRequest(""))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, sweeper.calls.Load())

	rec = httptest.NewRecorder()
	h.Handle(rec, cleanupRequest("cron-secret"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"success","result":{"deleted_sessions":3,"deleted_api_keys":1}}`, rec.Body.String())
	assert.Equal(t, defaultKeyRetention, pruner.olderThan)
}

func TestCleanupHandlerDisabledWithoutSecret(t *testing.T) {
	h := NewCleanupHandler(&fakeSweeper{}, nil, observability.Discard(), "", 0)
	rec := httptest.NewRecorder()
	h.Handle(rec, cleanupRequest("anything"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCleanupHandlerSweepFailure(t *testing.T) {
	h := NewCleanupHandler(&fakeSweeper{err: errors.New("db down")}, nil, observability.Discard(), "s", 0)
	rec := httptest.NewRecorder()
	h.Handle(rec, cleanupRequest("s"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "db down")
}

func TestSweeperRunsUntilCancelled(t *testing.T) {
	sweeper := &fakeSweeper{removed: 1}
	s := NewSweeper(sweeper, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return sweeper.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestSweepOnceSwallowsErrors(t *testing.T) {
	s := NewSweeper(&fakeSweeper{err: errors.New("db down")}, time.Hour, nil)
	assert.Zero(t, s.SweepOnce(context.Background()))
}

type fakeUsers struct {
	last string
	id   int64
}

func (f *fakeUsers) Deactivate(_ context.Context, id int64) error {
	f.last, f.id = "deactivate", id
	return nil
}

func (f *fakeUsers) Activate(_ context.Context, id int64) error {
	f.last, f.id = "activate", id
	return nil
}

func (f *fakeUsers) Purge(_ context.Context, id int64) error {
	if id == 404 {
		return apperr.NotFound("User not found")
	}
	f.last, f.id = "purge", id
	return nil
}

func TestAdminHandler(t *testing.T) {
	users := &fakeUsers{}
	h := NewAdminHandler(users, "admin-secret")
	mux := http.NewServeMux()
	mux.HandleFunc("POST /internal/users/{id}/deactivate", h.Deactivate)
	mux.HandleFunc("POST /internal/users/{id}/activate", h.Activate)
	mux.HandleFunc("DELETE /internal/users/{id}", h.Purge)

	call := func(method, path, secret string) int {
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set("Authorization", "Bearer "+secret)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, call(http.MethodPost, "/internal/users/5/deactivate", "nope"))
	assert.Empty(t, users.last)

	assert.Equal(t, http.StatusOK, call(http.MethodPost, "/internal/users/5/deactivate", "admin-secret"))
	assert.Equal(t, "deactivate", users.last)

	assert.Equal(t, http.StatusOK, call(http.MethodPost, "/internal/users/6/activate", "admin-secret"))
	assert.Equal(t, int64(6), users.id)

	assert.Equal(t, http.StatusOK, call(http.MethodDelete, "/internal/users/7", "admin-secret"))
	assert.Equal(t, "purge", users.last)

	assert.Equal(t, http.StatusNotFound, call(http.MethodDelete, "/internal/users/404", "admin-secret"))
	assert.Equal(t, http.StatusBadRequest, call(http.MethodDelete, "/internal/users/abc", "admin-secret"))
}
