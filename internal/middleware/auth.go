// AngelaMos | 2026
// auth.go

package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/carterperez-dev/haven-auth/internal/core"
)

const (
	UserIDKey   contextKey = "user_id"
	IdentityKey contextKey = "identity"
	ClaimsKey   contextKey = "jwt_claims"
)

type TokenVerifier interface {
	VerifyAccessToken(
		ctx context.Context,
		token string,
	) (*AccessTokenClaims, error)
}

// IdentityLoader resolves the subject of a verified access token. It must
// return an error wrapping core.ErrNotFound for unknown or deleted users.
type IdentityLoader interface {
	LoadIdentity(ctx context.Context, userID string) (*Identity, error)
}

type AccessTokenClaims struct {
	UserID       string
	Role         string
	TokenVersion int
	TokenID      string
	ExpiresAt    time.Time
}

// Identity is the request-scoped view of the authenticated user. Role is the
// stored role at request time, not the one baked into the token.
type Identity struct {
	ID           string
	Email        string
	Name         string
	Role         string
	TokenVersion int
}

func Authenticator(
	verifier TokenVerifier,
	identities IdentityLoader,
) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := ExtractToken(r)

			if token == "" {
				core.JSONError(w, core.MissingTokenError())
				return
			}

			claims, err := verifier.VerifyAccessToken(r.Context(), token)
			if err != nil {
				handleAuthError(w, err)
				return
			}

			identity, err := identities.LoadIdentity(r.Context(), claims.UserID)
			if err != nil {
				if errors.Is(err, core.ErrNotFound) {
					core.JSONError(w, core.UserNotFoundError())
					return
				}
				core.InternalServerError(w, err)
				return
			}

			if claims.TokenVersion < identity.TokenVersion {
				slog.InfoContext(r.Context(), "stale access token rejected",
					"user_id", identity.ID,
					"token_version", claims.TokenVersion,
					"current_version", identity.TokenVersion,
				)
				core.JSONError(w, core.TokenRevokedError())
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity, claims)))
		})
	}
}

// WithIdentity attaches an authenticated identity to ctx.
func WithIdentity(
	ctx context.Context,
	identity *Identity,
	claims *AccessTokenClaims,
) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, identity.ID)
	ctx = context.WithValue(ctx, IdentityKey, identity)
	if claims != nil {
		ctx = context.WithValue(ctx, ClaimsKey, claims)
	}
	return ctx
}

func ExtractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}

func handleAuthError(w http.ResponseWriter, err error) {
	if core.IsAppError(err) {
		core.JSONError(w, err)
		return
	}

	switch {
	case errors.Is(err, core.ErrTokenExpired):
		core.JSONError(w, core.TokenExpiredError())
	case errors.Is(err, core.ErrTokenRevoked):
		core.JSONError(w, core.TokenRevokedError())
	default:
		core.JSONError(w, core.TokenInvalidError())
	}
}

func GetUserID(ctx context.Context) string {
	if id, ok := ctx.Value(UserIDKey).(string); ok {
		return id
	}
	return ""
}

func GetIdentity(ctx context.Context) *Identity {
	if identity, ok := ctx.Value(IdentityKey).(*Identity); ok {
		return identity
	}
	return nil
}

func GetUserRole(ctx context.Context) string {
	if identity := GetIdentity(ctx); identity != nil {
		return identity.Role
	}
	return ""
}

func GetClaims(ctx context.Context) *AccessTokenClaims {
	if claims, ok := ctx.Value(ClaimsKey).(*AccessTokenClaims); ok {
		return claims
	}
	return nil
}

func IsAuthenticated(ctx context.Context) bool {
	return GetUserID(ctx) != ""
}
