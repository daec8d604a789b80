// AngelaMos | 2026
// entity.go

package user

import (
	"time"

	"github.com/carterperez-dev/haven-auth/internal/core"
)

type User struct {
	ID           string     `db:"id"`
	Email        string     `db:"email"`
	PasswordHash string     `db:"password_hash"`
	Name         string     `db:"name"`
	Role         string     `db:"role"`
	TokenVersion int        `db:"token_version"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
	DeletedAt    *time.Time `db:"deleted_at"`
}

func (u *User) IsDeleted() bool {
	return u.DeletedAt != nil
}

func (u *User) IsAdmin() bool {
	return u.Role == core.RoleAdmin
}

// IsStaff reports whether u works for the organization in any capacity.
func (u *User) IsStaff() bool {
	return u.Role == core.RoleVolunteer ||
		u.Role == core.RoleStaff ||
		u.Role == core.RoleAdmin
}
