// AngelaMos | 2026
// repository.go

package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/carterperez-dev/haven-auth/internal/core"
)

// Repository persists accounts. Every lookup ignores soft-deleted rows, so
// a deleted account cannot be loaded by the session middleware or the
// refresh flow.
type Repository interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	UpdateProfile(ctx context.Context, user *User) error
	UpdateRole(ctx context.Context, user *User) error
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	IncrementTokenVersion(ctx context.Context, id string) error
	SoftDelete(ctx context.Context, id string) error
	List(ctx context.Context, params ListUsersParams) ([]User, int, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	CountByRole(ctx context.Context) ([]RoleCount, error)
}

const userColumns = `
		id, email, password_hash, name, role, token_version,
		created_at, updated_at, deleted_at`

type repository struct {
	db core.DBTX
}

func NewRepository(db core.DBTX) Repository {
	return &repository{db: db}
}

func (r *repository) Create(ctx context.Context, user *User) error {
	query := `
		INSERT INTO users (id, email, password_hash, name, role)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at, token_version`

	err := r.db.QueryRowxContext(ctx, query,
		user.ID,
		user.Email,
		user.PasswordHash,
		user.Name,
		user.Role,
	).Scan(&user.CreatedAt, &user.UpdatedAt, &user.TokenVersion)
	if err != nil {
		return core.StoreError("create user", err)
	}

	return nil
}

func (r *repository) GetByID(ctx context.Context, id string) (*User, error) {
	return r.getOne(ctx, "get user", "id = $1", id)
}

func (r *repository) GetByEmail(ctx context.Context, email string) (*User, error) {
	return r.getOne(ctx, "get user by email", "email = $1", email)
}

func (r *repository) getOne(
	ctx context.Context,
	op, predicate string,
	arg any,
) (*User, error) {
	query := `SELECT` + userColumns + `
		FROM users
		WHERE ` + predicate + ` AND deleted_at IS NULL`

	var user User
	err := r.db.GetContext(ctx, &user, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, core.ErrNotFound)
	}
	if err != nil {
		return nil, core.StoreError(op, err)
	}

	return &user, nil
}

func (r *repository) UpdateProfile(ctx context.Context, user *User) error {
	query := `
		UPDATE users
		SET name = $2, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING updated_at`

	return r.touch(ctx, "update profile", user, query, user.ID, user.Name)
}

// UpdateRole stores a new role. The session middleware reads the role from
// here on every request, so the change applies to live sessions at once.
func (r *repository) UpdateRole(ctx context.Context, user *User) error {
	query := `
		UPDATE users
		SET role = $2, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING updated_at`

	return r.touch(ctx, "update role", user, query, user.ID, user.Role)
}

func (r *repository) touch(
	ctx context.Context,
	op string,
	user *User,
	query string,
	args ...any,
) error {
	err := r.db.GetContext(ctx, &user.UpdatedAt, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, core.ErrNotFound)
	}
	if err != nil {
		return core.StoreError(op, err)
	}
	return nil
}

func (r *repository) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	query := `
		UPDATE users
		SET password_hash = $2, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`

	return r.execOne(ctx, "update password", query, id, passwordHash)
}

func (r *repository) IncrementTokenVersion(ctx context.Context, id string) error {
	query := `
		UPDATE users
		SET token_version = token_version + 1, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`

	return r.execOne(ctx, "increment token version", query, id)
}

// SoftDelete hides the account and bumps its token version, so access
// tokens minted before the deletion fail the version check too.
func (r *repository) SoftDelete(ctx context.Context, id string) error {
	query := `
		UPDATE users
		SET deleted_at = NOW(),
		    token_version = token_version + 1,
		    updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`

	return r.execOne(ctx, "delete user", query, id)
}

// execOne runs an UPDATE that must touch exactly one live account.
func (r *repository) execOne(
	ctx context.Context,
	op, query string,
	args ...any,
) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return core.StoreError(op, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return core.StoreError(op, err)
	}
	if rows == 0 {
		return fmt.Errorf("%s: %w", op, core.ErrNotFound)
	}

	return nil
}

func (r *repository) List(
	ctx context.Context,
	params ListUsersParams,
) ([]User, int, error) {
	params.Normalize()
	where, args := listFilter(params)

	var total int
	countQuery := "SELECT COUNT(*) FROM users WHERE " + where
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, core.StoreError("count users", err)
	}

	n := len(args)
	query := fmt.Sprintf(`
		SELECT id, email, name, role, token_version,
		       created_at, updated_at, deleted_at
		FROM users
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, where, n+1, n+2)

	var users []User
	args = append(args, params.PageSize, params.Offset())
	if err := r.db.SelectContext(ctx, &users, query, args...); err != nil {
		return nil, 0, core.StoreError("list users", err)
	}

	return users, total, nil
}

// listFilter renders the WHERE clause for a directory listing. Staff search
// by email or display name; role narrows to one tier of the role ladder.
func listFilter(params ListUsersParams) (string, []any) {
	clauses := []string{"deleted_at IS NULL"}
	var args []any

	if params.Search != "" {
		args = append(args, "%"+escapeLike(params.Search)+"%")
		clauses = append(clauses, fmt.Sprintf(
			"(email ILIKE $%d OR name ILIKE $%d)", len(args), len(args)))
	}

	if params.Role != "" {
		args = append(args, params.Role)
		clauses = append(clauses, fmt.Sprintf("role = $%d", len(args)))
	}

	return strings.Join(clauses, " AND "), args
}

func (r *repository) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	query := `
		SELECT EXISTS(
			SELECT 1 FROM users WHERE email = $1 AND deleted_at IS NULL
		)`

	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, email); err != nil {
		return false, core.StoreError("check email exists", err)
	}

	return exists, nil
}

func (r *repository) CountByRole(ctx context.Context) ([]RoleCount, error) {
	query := `
		SELECT role, COUNT(*) AS count
		FROM users
		WHERE deleted_at IS NULL
		GROUP BY role
		ORDER BY role`

	var counts []RoleCount
	if err := r.db.SelectContext(ctx, &counts, query); err != nil {
		return nil, core.StoreError("count users by role", err)
	}

	return counts, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
