// AngelaMos | 2026
// rolegate.go

package middleware

import (
	"log/slog"
	"net/http"

	"github.com/carterperez-dev/haven-auth/internal/core"
)

// RolePredicate decides whether a role may pass a gate.
type RolePredicate func(role string) bool

func RoleIs(role string) RolePredicate {
	return func(r string) bool {
		return r == role
	}
}

func RoleIn(roles ...string) RolePredicate {
	set := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		set[role] = struct{}{}
	}

	return func(r string) bool {
		_, ok := set[r]
		return ok
	}
}

func AnyOf(preds ...RolePredicate) RolePredicate {
	return func(r string) bool {
		for _, p := range preds {
			if p(r) {
				return true
			}
		}
		return false
	}
}

// RoleGate must run after Authenticator. The 403 body never names the
// required role.
func RoleGate(pred RolePredicate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := GetIdentity(r.Context())
			if identity == nil {
				core.JSONError(
					w,
					core.UnauthorizedError("authentication required"),
				)
				return
			}

			if !pred(identity.Role) {
				slog.InfoContext(r.Context(), "role gate denied",
					"user_id", identity.ID,
					"role", identity.Role,
					"path", r.URL.Path,
				)
				core.JSONError(w, core.ForbiddenError(""))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return RoleGate(RoleIn(roles...))
}

func RequireAdmin(next http.Handler) http.Handler {
	return RoleGate(RoleIs(core.RoleAdmin))(next)
}

func RequireStaff(next http.Handler) http.Handler {
	return RoleGate(RoleIn(core.RoleVolunteer, core.RoleStaff, core.RoleAdmin))(next)
}
