package session

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	database, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return NewPostgresRepository(database), mock, database
}

func TestReplaceForUser_DeletesThenInserts(t *testing.T) {
	repo, mock, database := newRepoWithMock(t)
	defer database.Close()

	expires := time.Now().UTC().Add(time.Hour)
	created := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM user_sessions WHERE user_id = \$1`).WithArgs(int64(7)).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectQuery(`(?s)INSERT INTO user_sessions \(user_id, token, expires_at\)\s+VALUES \(\$1, \$2, \$3\)\s+RETURNING id, created_at`).
		WithArgs(int64(7), "tok", expires).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(11, created))
	mock.ExpectCommit()

	s, err := repo.ReplaceForUser(context.Background(), 7, "tok", expires)
	require.NoError(t, err)
	assert.Equal(t, int64(11), s.ID)
	assert.Equal(t, "tok", s.Token)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceForUser_RollsBackOnInsertError(t *testing.T) {
	repo, mock, database := newRepoWithMock(t)
	defer database.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM user_sessions`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO user_sessions`).WillReturnError(errors.New("db down"))
	mock.ExpectRollback()

	_, err := repo.ReplaceForUser(context.Background(), 7, "tok", time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert session: db down")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByToken(t *testing.T) {
	repo, mock, database := newRepoWithMock(t)
	defer database.Close()

	now := time.Now().UTC()
	mock.ExpectQuery(`(?s)FROM user_sessions\s+WHERE token = \$1`).WithArgs("tok").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "token", "expires_at", "created_at"}).AddRow(1, 7, "tok", now, now))
	s, err := repo.GetByToken(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, int64(7), s.UserID)

	mock.ExpectQuery(`(?s)FROM user_sessions\s+WHERE token = \$1`).WithArgs("nope").WillReturnError(sql.ErrNoRows)
	_, err = repo.GetByToken(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteAllForUser_WithAndWithoutException(t *testing.T) {
	repo, mock, database := newRepoWithMock(t)
	defer database.Close()

	mock.ExpectExec(`DELETE FROM user_sessions WHERE user_id = \$1 AND token <> \$2`).WithArgs(int64(7), "keep").WillReturnResult(sqlmock.NewResult(0, 3))
	n, err := repo.DeleteAllForUser(context.Background(), 7, "keep")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	mock.ExpectExec(`DELETE FROM user_sessions WHERE user_id = \$1$`).WithArgs(int64(7)).WillReturnResult(sqlmock.NewResult(0, 1))
	n, err = repo.DeleteAllForUser(context.Background(), 7, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestUpdateExpiryOnlyTouchesLiveRows(t *testing.T) {
	repo, mock, database := newRepoWithMock(t)
	defer database.Close()

	now := time.Now().UTC()
	expires := now.Add(24 * time.Hour)
	mock.ExpectExec(`(?s)UPDATE user_sessions\s+SET expires_at = \$2\s+WHERE token = \$1 AND expires_at > \$3`).
		WithArgs("tok", expires, now).WillReturnResult(sqlmock.NewResult(0, 0))

	n, err := repo.UpdateExpiry(context.Background(), "tok", expires, now)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeleteExpired(t *testing.T) {
	repo, mock, database := newRepoWithMock(t)
	defer database.Close()

	now := time.Now().UTC()
	mock.ExpectExec(`DELETE FROM user_sessions WHERE expires_at <= \$1`).WithArgs(now).WillReturnResult(sqlmock.NewResult(0, 4))
	n, err := repo.DeleteExpired(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	mock.ExpectExec(`DELETE FROM user_sessions WHERE token = \$1 AND expires_at <= \$2`).WithArgs("tok", now).WillReturnError(errors.New("db down"))
	_, err = repo.DeleteIfExpired(context.Background(), "tok", now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delete expired session")
}

func TestListLiveForUser(t *testing.T) {
	repo, mock, database := newRepoWithMock(t)
	defer database.Close()

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "user_id", "token", "expires_at", "created_at"}).
		AddRow(2, 7, "b", now.Add(time.Hour), now).
		AddRow(1, 7, "a", now.Add(time.Hour), now.Add(-time.Hour))
	mock.ExpectQuery(`(?s)WHERE user_id = \$1 AND expires_at > \$2`).WithArgs(int64(7), now).WillReturnRows(rows)

	sessions, err := repo.ListLiveForUser(context.Background(), 7, now)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "b", sessions[0].Token)
}
