package apikey

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("api key not found")

type Record struct {
	ID           int64
	UserID       int64
	KeyID        string
	EncryptedKey string
	CreatedAt    time.Time
	RevokedAt    *time.Time
}

func (r Record) Revoked() bool {
	return r.RevokedAt != nil
}

type Repository interface {
	// Upsert replaces the user's key, clearing any revocation.
	Upsert(ctx context.Context, userID int64, keyID, encryptedKey string) (Record, error)
	GetByUser(ctx context.Context, userID int64) (Record, error)
	Revoke(ctx context.Context, userID int64, at time.Time) (int64, error)
	DeleteRevokedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(database *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: database}
}

func (r *PostgresRepository) Upsert(ctx context.Context, userID int64, keyID, encryptedKey string) (Record, error) {
	rec := Record{UserID: userID, KeyID: keyID, EncryptedKey: encryptedKey}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO api_keys (user_id, key_id, encrypted_key)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET key_id = EXCLUDED.key_id,
			encrypted_key = EXCLUDED.encrypted_key,
			created_at = NOW(),
			revoked_at = NULL
		RETURNING id, created_at
	`, userID, keyID, encryptedKey).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return Record{}, fmt.Errorf("upsert api key: %w", err)
	}
	return rec, nil
}

func (r *PostgresRepository) GetByUser(ctx context.Context, userID int64) (Record, error) {
	var (
		rec     Record
		revoked sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, key_id, encrypted_key, created_at, revoked_at
		FROM api_keys
		WHERE user_id = $1
	`, userID).Scan(&rec.ID, &rec.UserID, &rec.KeyID, &rec.EncryptedKey, &rec.CreatedAt, &revoked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("query api key: %w", err)
	}
	if revoked.Valid {
		rec.RevokedAt = &revoked.Time
	}
	return rec, nil
}

func (r *PostgresRepository) Revoke(ctx context.Context, userID int64, at time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE api_keys SET revoked_at = $2
		WHERE user_id = $1 AND revoked_at IS NULL
	`, userID, at)
	if err != nil {
		return 0, fmt.Errorf("revoke api key: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return affected, nil
}

func (r *PostgresRepository) DeleteRevokedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM api_keys WHERE revoked_at IS NOT NULL AND revoked_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete revoked api keys: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return affected, nil
}
