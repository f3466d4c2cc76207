package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tradebridge/internal/db"
)

type Repository interface {
	// ReplaceForUser deletes every session of userID and inserts the new one atomically.
	ReplaceForUser(ctx context.Context, userID int64, token string, expiresAt time.Time) (Session, error)
	GetByToken(ctx context.Context, token string) (Session, error)
	DeleteByToken(ctx context.Context, token string) (int64, error)
	// DeleteIfExpired removes token only when it is expired at now, so a
	// concurrent extend is never undone.
	DeleteIfExpired(ctx context.Context, token string, now time.Time) (int64, error)
	DeleteAllForUser(ctx context.Context, userID int64, exceptToken string) (int64, error)
	UpdateExpiry(ctx context.Context, token string, expiresAt, now time.Time) (int64, error)
	ListLiveForUser(ctx context.Context, userID int64, now time.Time) ([]Session, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(database *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: database}
}

func (r *PostgresRepository) ReplaceForUser(ctx context.Context, userID int64, token string, expiresAt time.Time) (Session, error) {
	s := Session{UserID: userID, Token: token, ExpiresAt: expiresAt}

	err := db.WithTx(ctx, r.db, func(ctx context.Context, tx db.DBTX) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM user_sessions WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("delete previous sessions: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO user_sessions (user_id, token, expires_at)
			VALUES ($1, $2, $3)
			RETURNING id, created_at
		`, userID, token, expiresAt).Scan(&s.ID, &s.CreatedAt); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	return s, nil
}

func (r *PostgresRepository) GetByToken(ctx context.Context, token string) (Session, error) {
	var s Session
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, token, expires_at, created_at
		FROM user_sessions
		WHERE token = $1
	`, token).Scan(&s.ID, &s.UserID, &s.Token, &s.ExpiresAt, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("query session: %w", err)
	}
	return s, nil
}

func (r *PostgresRepository) DeleteByToken(ctx context.Context, token string) (int64, error) {
	return r.exec(ctx, "delete session", `DELETE FROM user_sessions WHERE token = $1`, token)
}

func (r *PostgresRepository) DeleteIfExpired(ctx context.Context, token string, now time.Time) (int64, error) {
	return r.exec(ctx, "delete expired session", `DELETE FROM user_sessions WHERE token = $1 AND expires_at <= $2`, token, now)
}

func (r *PostgresRepository) DeleteAllForUser(ctx context.Context, userID int64, exceptToken string) (int64, error) {
	if exceptToken == "" {
		return r.exec(ctx, "delete user sessions", `DELETE FROM user_sessions WHERE user_id = $1`, userID)
	}
	return r.exec(ctx, "delete user sessions", `DELETE FROM user_sessions WHERE user_id = $1 AND token <> $2`, userID, exceptToken)
}

func (r *PostgresRepository) UpdateExpiry(ctx context.Context, token string, expiresAt, now time.Time) (int64, error) {
	return r.exec(ctx, "extend session", `
		UPDATE user_sessions
		SET expires_at = $2
		WHERE token = $1 AND expires_at > $3
	`, token, expiresAt, now)
}

func (r *PostgresRepository) ListLiveForUser(ctx context.Context, userID int64, now time.Time) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, token, expires_at, created_at
		FROM user_sessions
		WHERE user_id = $1 AND expires_at > $2
		ORDER BY created_at DESC
	`, userID, now)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]Session, 0)
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.UserID, &s.Token, &s.ExpiresAt, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

func (r *PostgresRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return r.exec(ctx, "delete expired sessions", `DELETE FROM user_sessions WHERE expires_at <= $1`, now)
}

func (r *PostgresRepository) exec(ctx context.Context, op, query string, args ...any) (int64, error) {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: rows affected: %w", op, err)
	}
	return affected, nil
}
