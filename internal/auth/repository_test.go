// AngelaMos | 2026
// repository_test.go

package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carterperez-dev/haven-auth/internal/core"
)

func newMockRepository(t *testing.T) (Repository, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return NewRepository(sqlx.NewDb(db, "sqlmock")), mock
}

func TestRepositoryCreate(t *testing.T) {
	repo, mock := newMockRepository(t)
	token := newStoredToken("user-1", "", time.Now().Add(time.Hour))
	created := time.Now().UTC()

	mock.ExpectQuery(`INSERT INTO refresh_tokens`).
		WithArgs(token.ID, token.UserID, token.TokenHash, token.FamilyID,
			token.ExpiresAt, token.UserAgent, token.IPAddress).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(created))

	require.NoError(t, repo.Create(context.Background(), token))
	assert.Equal(t, created, token.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryCreateFailureIsPersistenceError(t *testing.T) {
	repo, mock := newMockRepository(t)
	token := newStoredToken("user-1", "", time.Now().Add(time.Hour))

	mock.ExpectQuery(`INSERT INTO refresh_tokens`).
		WillReturnError(errors.New("connection reset by peer"))

	err := repo.Create(context.Background(), token)
	require.ErrorIs(t, err, core.ErrPersistence)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryFindByHashNotFound(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectQuery(`SELECT[\s\S]+FROM refresh_tokens\s+WHERE token_hash = \$1`).
		WithArgs("abc").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.FindByHash(context.Background(), "abc")
	require.ErrorIs(t, err, core.ErrNotFound)
	assert.NotErrorIs(t, err, core.ErrPersistence)
}

func TestRepositoryRotate(t *testing.T) {
	old := newStoredToken("user-1", "", time.Now().Add(time.Hour))

	tests := []struct {
		name      string
		rows      int64
		revoked   *bool
		wantErr   error
		committed bool
	}{
		{name: "active token", rows: 1, committed: true},
		{name: "already revoked", rows: 0, revoked: boolPtr(true), wantErr: core.ErrAlreadyRevoked},
		{name: "expired", rows: 0, revoked: boolPtr(false), wantErr: core.ErrTokenExpired},
		{name: "missing", rows: 0, wantErr: core.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newMockRepository(t)
			next := newStoredToken("user-1", old.FamilyID, time.Now().Add(time.Hour))

			mock.ExpectBegin()
			mock.ExpectQuery(`INSERT INTO refresh_tokens`).
				WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
			mock.ExpectExec(`UPDATE refresh_tokens\s+SET revoked = true`).
				WithArgs(old.ID, next.ID, RevokeReasonRotated).
				WillReturnResult(sqlmock.NewResult(0, tt.rows))

			if tt.rows == 0 {
				q := mock.ExpectQuery(`SELECT revoked FROM refresh_tokens WHERE id = \$1`).
					WithArgs(old.ID)
				if tt.revoked != nil {
					q.WillReturnRows(sqlmock.NewRows([]string{"revoked"}).AddRow(*tt.revoked))
				} else {
					q.WillReturnRows(sqlmock.NewRows([]string{"revoked"}))
				}
			}

			if tt.committed {
				mock.ExpectCommit()
			} else {
				mock.ExpectRollback()
			}

			err := repo.Rotate(context.Background(), old, next)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRepositoryRotateBeginFailure(t *testing.T) {
	repo, mock := newMockRepository(t)
	old := newStoredToken("user-1", "", time.Now().Add(time.Hour))
	next := newStoredToken("user-1", old.FamilyID, time.Now().Add(time.Hour))

	mock.ExpectBegin().WillReturnError(errors.New("too many connections"))

	err := repo.Rotate(context.Background(), old, next)
	require.ErrorIs(t, err, core.ErrPersistence)
}

func TestRepositoryRevokeByID(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectExec(`UPDATE refresh_tokens`).
		WithArgs("id-1", RevokeReasonLogout).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE refresh_tokens`).
		WithArgs("id-1", RevokeReasonLogout).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.RevokeByID(context.Background(), "id-1", RevokeReasonLogout))

	err := repo.RevokeByID(context.Background(), "id-1", RevokeReasonLogout)
	require.ErrorIs(t, err, core.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryMalformedIDIsNotFound(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectExec(`UPDATE refresh_tokens`).
		WithArgs("not-a-uuid", RevokeReasonLogout).
		WillReturnError(&pgconn.PgError{Code: "22P02"})
	mock.ExpectQuery(`SELECT[\s\S]+FROM refresh_tokens\s+WHERE id = \$1`).
		WithArgs("not-a-uuid").
		WillReturnError(&pgconn.PgError{Code: "22P02"})

	err := repo.RevokeByID(context.Background(), "not-a-uuid", RevokeReasonLogout)
	require.ErrorIs(t, err, core.ErrNotFound)
	assert.NotErrorIs(t, err, core.ErrPersistence)

	_, err = repo.FindByID(context.Background(), "not-a-uuid")
	require.ErrorIs(t, err, core.ErrNotFound)
	assert.NotErrorIs(t, err, core.ErrPersistence)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryRevokeAllForUser(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectExec(`UPDATE refresh_tokens[\s\S]+WHERE user_id = \$1 AND revoked = false AND expires_at > NOW\(\)`).
		WithArgs("user-1", RevokeReasonReuseDetected).
		WillReturnResult(sqlmock.NewResult(0, 3))

	count, err := repo.RevokeAllForUser(context.Background(), "user-1", RevokeReasonReuseDetected)
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryGetActiveSessions(t *testing.T) {
	repo, mock := newMockRepository(t)
	now := time.Now().UTC()

	columns := []string{
		"id", "user_id", "token_hash", "family_id", "expires_at", "created_at",
		"revoked", "revoked_at", "revoke_reason", "replaced_by_id",
		"user_agent", "ip_address",
	}
	mock.ExpectQuery(`SELECT[\s\S]+FROM refresh_tokens[\s\S]+ORDER BY created_at DESC`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("t2", "user-1", "h2", "f2", now.Add(time.Hour), now, false, nil, nil, nil, "phone", "10.0.0.2").
			AddRow("t1", "user-1", "h1", "f1", now.Add(time.Hour), now.Add(-time.Hour), false, nil, nil, nil, "laptop", "10.0.0.1"))

	tokens, err := repo.GetActiveSessionsForUser(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	assert.Equal(t, "t2", tokens[0].ID)
	assert.Equal(t, "phone", tokens[0].UserAgent)
	assert.Nil(t, tokens[1].RevokedAt)
}

func boolPtr(b bool) *bool {
	return &b
}

func TestRepositorySessionStats(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectQuery(`SELECT[\s\S]+COUNT\(\*\) FILTER[\s\S]+FROM refresh_tokens`).
		WillReturnRows(sqlmock.NewRows([]string{"active", "active_users", "expired"}).
			AddRow(12, 5, 3))
	mock.ExpectQuery(`SELECT COALESCE\(revoke_reason, ''\) AS reason[\s\S]+GROUP BY revoke_reason`).
		WillReturnRows(sqlmock.NewRows([]string{"reason", "count"}).
			AddRow(RevokeReasonRotated, 40).
			AddRow(RevokeReasonReuseDetected, 2).
			AddRow(RevokeReasonAccountDeleted, 1))

	stats, err := repo.SessionStats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 12, stats.Active)
	assert.EqualValues(t, 5, stats.ActiveUsers)
	assert.EqualValues(t, 3, stats.Expired)
	assert.EqualValues(t, 2, stats.Revoked[RevokeReasonReuseDetected])
	assert.EqualValues(t, 43, stats.TotalRevoked())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositorySessionStatsUnavailable(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectQuery(`SELECT[\s\S]+FROM refresh_tokens`).
		WillReturnError(errors.New("driver: bad connection"))

	_, err := repo.SessionStats(context.Background())
	require.ErrorIs(t, err, core.ErrPersistence)
}
