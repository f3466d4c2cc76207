package connection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tradebridge/internal/db"
)

type Repository interface {
	Insert(ctx context.Context, c Connection) (Connection, error)
	ListActive(ctx context.Context, userID int64) ([]WithTokens, error)
	// GetOwned returns the connection only if it belongs to userID.
	GetOwned(ctx context.Context, userID, id int64, activeOnly bool) (Connection, error)
	UpsertTokens(ctx context.Context, tokens TokenSet) error
	GetTokens(ctx context.Context, connectionID int64) (TokenSet, error)
	// Deactivate marks an owned, active connection inactive and removes its
	// token set in one transaction.
	Deactivate(ctx context.Context, userID, id int64) error
	TouchSync(ctx context.Context, id int64, at time.Time) error
}

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(database *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: database}
}

const connectionColumns = `id, user_id, broker_type, broker_account_id, display_name,
	encrypted_client_id, encrypted_api_key, encrypted_pin, is_active, connected_at, last_sync_at`

func (r *PostgresRepository) Insert(ctx context.Context, c Connection) (Connection, error) {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO broker_connections (
			user_id, broker_type, broker_account_id, display_name,
			encrypted_client_id, encrypted_api_key, encrypted_pin, is_active
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE)
		RETURNING id, is_active, connected_at
	`, c.UserID, c.BrokerType, c.BrokerAccountID, nullString(c.DisplayName),
		c.EncryptedClientID, c.EncryptedAPIKey, c.EncryptedPIN).
		Scan(&c.ID, &c.IsActive, &c.ConnectedAt)
	if err != nil {
		if _, ok := db.UniqueViolation(err); ok {
			return Connection{}, ErrDuplicate
		}
		return Connection{}, fmt.Errorf("insert broker connection: %w", err)
	}
	return c, nil
}

func (r *PostgresRepository) ListActive(ctx context.Context, userID int64) ([]WithTokens, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT c.id, c.user_id, c.broker_type, c.broker_account_id, c.display_name,
			c.encrypted_client_id, c.encrypted_api_key, c.encrypted_pin, c.is_active, c.connected_at, c.last_sync_at,
			t.access_token, t.refresh_token, t.feed_token, t.expires_at, t.updated_at
		FROM broker_connections c
		LEFT JOIN broker_tokens t ON t.connection_id = c.id
		WHERE c.user_id = $1 AND c.is_active
		ORDER BY c.connected_at DESC, c.id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list broker connections: %w", err)
	}
	defer rows.Close()

	list := make([]WithTokens, 0)
	for rows.Next() {
		var (
			item                  WithTokens
			displayName           sql.NullString
			lastSync              sql.NullTime
			access, refresh, feed sql.NullString
			expiresAt, updatedAt  sql.NullTime
		)
		c := &item.Connection
		if err := rows.Scan(
			&c.ID, &c.UserID, &c.BrokerType, &c.BrokerAccountID, &displayName,
			&c.EncryptedClientID, &c.EncryptedAPIKey, &c.EncryptedPIN, &c.IsActive, &c.ConnectedAt, &lastSync,
			&access, &refresh, &feed, &expiresAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan broker connection: %w", err)
		}
		c.DisplayName = displayName.String
		c.LastSyncAt = timePtr(lastSync)
		if access.Valid {
			item.Tokens = &TokenSet{
				ConnectionID: c.ID,
				AccessToken:  access.String,
				RefreshToken: refresh.String,
				FeedToken:    feed.String,
				ExpiresAt:    timePtr(expiresAt),
				UpdatedAt:    updatedAt.Time,
			}
		}
		list = append(list, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate broker connections: %w", err)
	}
	return list, nil
}

func (r *PostgresRepository) GetOwned(ctx context.Context, userID, id int64, activeOnly bool) (Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM broker_connections WHERE id = $1 AND user_id = $2`
	if activeOnly {
		query += ` AND is_active`
	}

	var (
		c           Connection
		displayName sql.NullString
		lastSync    sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, query, id, userID).Scan(
		&c.ID, &c.UserID, &c.BrokerType, &c.BrokerAccountID, &displayName,
		&c.EncryptedClientID, &c.EncryptedAPIKey, &c.EncryptedPIN, &c.IsActive, &c.ConnectedAt, &lastSync,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Connection{}, ErrNotFound
		}
		return Connection{}, fmt.Errorf("query broker connection: %w", err)
	}
	c.DisplayName = displayName.String
	c.LastSyncAt = timePtr(lastSync)
	return c, nil
}

func (r *PostgresRepository) UpsertTokens(ctx context.Context, t TokenSet) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO broker_tokens (connection_id, access_token, refresh_token, feed_token, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (connection_id) DO UPDATE
		SET access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			feed_token = EXCLUDED.feed_token,
			expires_at = EXCLUDED.expires_at,
			updated_at = NOW()
	`, t.ConnectionID, t.AccessToken, nullString(t.RefreshToken), nullString(t.FeedToken), t.ExpiresAt)
	if err != nil {
		return fmt.Errorf("upsert broker tokens: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetTokens(ctx context.Context, connectionID int64) (TokenSet, error) {
	var (
		t             TokenSet
		refresh, feed sql.NullString
		expiresAt     sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT connection_id, access_token, refresh_token, feed_token, expires_at, updated_at
		FROM broker_tokens
		WHERE connection_id = $1
	`, connectionID).Scan(&t.ConnectionID, &t.AccessToken, &refresh, &feed, &expiresAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TokenSet{}, ErrNoTokens
		}
		return TokenSet{}, fmt.Errorf("query broker tokens: %w", err)
	}
	t.RefreshToken = refresh.String
	t.FeedToken = feed.String
	t.ExpiresAt = timePtr(expiresAt)
	return t, nil
}

func (r *PostgresRepository) Deactivate(ctx context.Context, userID, id int64) error {
	return db.WithTx(ctx, r.db, func(ctx context.Context, tx db.DBTX) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE broker_connections
			SET is_active = FALSE
			WHERE id = $1 AND user_id = $2 AND is_active
		`, id, userID)
		if err != nil {
			return fmt.Errorf("deactivate broker connection: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return ErrNotFound
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM broker_tokens WHERE connection_id = $1`, id); err != nil {
			return fmt.Errorf("delete broker tokens: %w", err)
		}
		return nil
	})
}

func (r *PostgresRepository) TouchSync(ctx context.Context, id int64, at time.Time) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE broker_connections SET last_sync_at = $2 WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("update last sync: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
