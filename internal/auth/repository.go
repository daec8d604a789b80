// AngelaMos | 2026
// repository.go

package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/carterperez-dev/haven-auth/internal/core"
)

// Repository persists refresh tokens. Implementations must make Rotate a
// single atomic check-and-set: of two concurrent rotations of the same token
// exactly one succeeds and the other gets core.ErrAlreadyRevoked.
type Repository interface {
	Create(ctx context.Context, token *RefreshToken) error
	FindByHash(ctx context.Context, tokenHash string) (*RefreshToken, error)
	FindByID(ctx context.Context, id string) (*RefreshToken, error)
	Rotate(ctx context.Context, old, next *RefreshToken) error
	RevokeByID(ctx context.Context, id, reason string) error
	RevokeAllForUser(ctx context.Context, userID, reason string) (int64, error)
	GetActiveSessionsForUser(
		ctx context.Context,
		userID string,
	) ([]RefreshToken, error)
	SessionStats(ctx context.Context) (*SessionStats, error)
}

type repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

const tokenColumns = `
			id, user_id, token_hash, family_id, expires_at, created_at,
			revoked, revoked_at, revoke_reason, replaced_by_id,
			user_agent, ip_address`

func storeErr(op string, err error) error {
	return core.StoreError(op, err)
}

func (r *repository) Create(ctx context.Context, token *RefreshToken) error {
	return insertToken(ctx, r.db, token)
}

func insertToken(ctx context.Context, db core.DBTX, token *RefreshToken) error {
	query := `
		INSERT INTO refresh_tokens (
			id, user_id, token_hash, family_id, expires_at,
			user_agent, ip_address
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)
		RETURNING created_at`

	err := db.GetContext(ctx, &token.CreatedAt, query,
		token.ID,
		token.UserID,
		token.TokenHash,
		token.FamilyID,
		token.ExpiresAt,
		token.UserAgent,
		token.IPAddress,
	)
	if err != nil {
		return storeErr("create refresh token", err)
	}

	return nil
}

func (r *repository) FindByHash(
	ctx context.Context,
	tokenHash string,
) (*RefreshToken, error) {
	query := `SELECT` + tokenColumns + `
		FROM refresh_tokens
		WHERE token_hash = $1`

	var token RefreshToken
	err := r.db.GetContext(ctx, &token, query, tokenHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("find refresh token: %w", core.ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("find refresh token", err)
	}

	return &token, nil
}

func (r *repository) FindByID(
	ctx context.Context,
	id string,
) (*RefreshToken, error) {
	query := `SELECT` + tokenColumns + `
		FROM refresh_tokens
		WHERE id = $1`

	var token RefreshToken
	err := r.db.GetContext(ctx, &token, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("find refresh token: %w", core.ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("find refresh token", err)
	}

	return &token, nil
}

// Rotate inserts next and retires old in one transaction. The UPDATE only
// matches while old is still active, so under concurrent rotations the row
// lock serializes them and the loser sees zero rows and rolls back its insert.
func (r *repository) Rotate(ctx context.Context, old, next *RefreshToken) error {
	return core.InTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if err := insertToken(ctx, tx, next); err != nil {
			return err
		}

		query := `
			UPDATE refresh_tokens
			SET revoked = true, revoked_at = NOW(),
			    revoke_reason = $3, replaced_by_id = $2
			WHERE id = $1 AND revoked = false AND expires_at > NOW()`

		result, err := tx.ExecContext(ctx, query, old.ID, next.ID, RevokeReasonRotated)
		if err != nil {
			return storeErr("rotate refresh token", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return storeErr("rotate refresh token", err)
		}

		if rows == 1 {
			return nil
		}

		return classifyInactive(ctx, tx, old.ID)
	})
}

func classifyInactive(ctx context.Context, tx *sqlx.Tx, id string) error {
	query := `SELECT revoked FROM refresh_tokens WHERE id = $1`

	var revoked bool
	err := tx.GetContext(ctx, &revoked, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("rotate refresh token: %w", core.ErrNotFound)
	}
	if err != nil {
		return storeErr("rotate refresh token", err)
	}

	if revoked {
		return fmt.Errorf("rotate refresh token: %w", core.ErrAlreadyRevoked)
	}

	return fmt.Errorf("rotate refresh token: %w", core.ErrTokenExpired)
}

func (r *repository) RevokeByID(ctx context.Context, id, reason string) error {
	query := `
		UPDATE refresh_tokens
		SET revoked = true, revoked_at = NOW(), revoke_reason = $2
		WHERE id = $1 AND revoked = false`

	result, err := r.db.ExecContext(ctx, query, id, reason)
	if err != nil {
		return storeErr("revoke refresh token", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return storeErr("revoke refresh token", err)
	}

	if rows == 0 {
		return fmt.Errorf("revoke refresh token: %w", core.ErrNotFound)
	}

	return nil
}

func (r *repository) RevokeAllForUser(
	ctx context.Context,
	userID, reason string,
) (int64, error) {
	query := `
		UPDATE refresh_tokens
		SET revoked = true, revoked_at = NOW(), revoke_reason = $2
		WHERE user_id = $1 AND revoked = false AND expires_at > NOW()`

	result, err := r.db.ExecContext(ctx, query, userID, reason)
	if err != nil {
		return 0, storeErr("revoke all user tokens", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, storeErr("revoke all user tokens", err)
	}

	return rows, nil
}

func (r *repository) GetActiveSessionsForUser(
	ctx context.Context,
	userID string,
) ([]RefreshToken, error) {
	query := `SELECT` + tokenColumns + `
		FROM refresh_tokens
		WHERE user_id = $1
			AND revoked = false
			AND expires_at > NOW()
		ORDER BY created_at DESC`

	var tokens []RefreshToken
	if err := r.db.SelectContext(ctx, &tokens, query, userID); err != nil {
		return nil, storeErr("get active sessions", err)
	}

	return tokens, nil
}

func (r *repository) SessionStats(ctx context.Context) (*SessionStats, error) {
	stats := newSessionStats()

	totals := `
		SELECT
			COUNT(*) FILTER (WHERE NOT revoked AND expires_at > NOW()) AS active,
			COUNT(DISTINCT user_id) FILTER (
				WHERE NOT revoked AND expires_at > NOW()
			) AS active_users,
			COUNT(*) FILTER (WHERE NOT revoked AND expires_at <= NOW()) AS expired
		FROM refresh_tokens`

	row := r.db.QueryRowxContext(ctx, totals)
	if err := row.Scan(&stats.Active, &stats.ActiveUsers, &stats.Expired); err != nil {
		return nil, storeErr("session stats", err)
	}

	byReason := `
		SELECT COALESCE(revoke_reason, '') AS reason, COUNT(*) AS count
		FROM refresh_tokens
		WHERE revoked
		GROUP BY revoke_reason`

	var rows []struct {
		Reason string `db:"reason"`
		Count  int64  `db:"count"`
	}
	if err := r.db.SelectContext(ctx, &rows, byReason); err != nil {
		return nil, storeErr("session stats", err)
	}
	for _, row := range rows {
		stats.Revoked[row.Reason] = row.Count
	}

	return stats, nil
}
