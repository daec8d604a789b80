// AngelaMos | 2026
// roles.go

package core

const (
	RoleUser      = "user"
	RoleVolunteer = "volunteer"
	RoleStaff     = "staff"
	RoleAdmin     = "admin"
)

var Roles = []string{RoleUser, RoleVolunteer, RoleStaff, RoleAdmin}

func IsValidRole(role string) bool {
	for _, r := range Roles {
		if r == role {
			return true
		}
	}
	return false
}
