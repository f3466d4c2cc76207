// Package session issues and tracks opaque session tokens.
//
// A session is ACTIVE until its expiry passes or it is revoked; both end
// states look the same to callers: the token no longer resolves. Expired rows
// are removed lazily on lookup and in bulk by SweepExpired.
package session

import (
	"context"
	"errors"
	"time"

	"tradebridge/internal/apperr"
	"tradebridge/internal/observability"
	"tradebridge/internal/security"
)

const DefaultTTL = 24 * time.Hour

type Store struct {
	repo     Repository
	logger   *observability.Logger
	now      func() time.Time
	newToken func() (string, error)
}

func NewStore(repo Repository, logger *observability.Logger) *Store {
	if logger == nil {
		logger = observability.Discard()
	}
	return &Store{
		repo:     repo,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		newToken: security.NewToken,
	}
}

// WithClock replaces the time source; used by tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Create issues a new token for userID. Any previous session of the user is
// removed in the same transaction, so at most one token is valid per user.
func (s *Store) Create(ctx context.Context, userID int64, ttl time.Duration) (Session, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	token, err := s.newToken()
	if err != nil {
		return Session{}, s.storageError("session_token_generation_failed", err, map[string]any{"user_id": userID})
	}

	created, err := s.repo.ReplaceForUser(ctx, userID, token, s.now().Add(ttl))
	if err != nil {
		return Session{}, s.storageError("session_create_failed", err, map[string]any{"user_id": userID})
	}
	return created, nil
}

// Lookup returns nil when the token is unknown or expired. An expired row is
// deleted before returning.
func (s *Store) Lookup(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, nil
	}

	found, err := s.repo.GetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, s.storageError("session_lookup_failed", err, nil)
	}

	now := s.now()
	if !found.Valid(now) {
		if _, err := s.repo.DeleteIfExpired(ctx, token, now); err != nil {
			s.logger.Warn("session_expiry_delete_failed", map[string]any{"error": err, "session_id": found.ID})
		}
		return nil, nil
	}
	return &found, nil
}

// Revoke is idempotent: revoking an unknown token succeeds.
func (s *Store) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if _, err := s.repo.DeleteByToken(ctx, token); err != nil {
		return s.storageError("session_revoke_failed", err, nil)
	}
	return nil
}

func (s *Store) RevokeAll(ctx context.Context, userID int64, exceptToken string) (int64, error) {
	removed, err := s.repo.DeleteAllForUser(ctx, userID, exceptToken)
	if err != nil {
		return 0, s.storageError("session_revoke_all_failed", err, map[string]any{"user_id": userID})
	}
	return removed, nil
}

// Extend moves the expiry of a live session to now+ttl.
func (s *Store) Extend(ctx context.Context, token string, ttl time.Duration) (time.Time, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := s.now()
	expiresAt := now.Add(ttl)

	updated, err := s.repo.UpdateExpiry(ctx, token, expiresAt, now)
	if err != nil {
		return time.Time{}, s.storageError("session_extend_failed", err, nil)
	}
	if updated == 0 {
		return time.Time{}, apperr.New(apperr.KindNotFound, "Session not found", ErrNotFound)
	}
	return expiresAt, nil
}

func (s *Store) ListForUser(ctx context.Context, userID int64) ([]Session, error) {
	sessions, err := s.repo.ListLiveForUser(ctx, userID, s.now())
	if err != nil {
		return nil, s.storageError("session_list_failed", err, map[string]any{"user_id": userID})
	}
	return sessions, nil
}

// SweepExpired deletes every expired row. Racing with lazy expiry is harmless.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	removed, err := s.repo.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, s.storageError("session_sweep_failed", err, nil)
	}
	return removed, nil
}

func (s *Store) Now() time.Time {
	return s.now()
}

func (s *Store) storageError(event string, err error, fields map[string]any) error {
	logFields := map[string]any{"error": err}
	for k, v := range fields {
		logFields[k] = v
	}
	s.logger.Error(event, logFields)
	return apperr.Storage(err)
}
