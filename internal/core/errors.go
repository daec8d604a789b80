// AngelaMos | 2026
// errors.go

package core

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound       = errors.New("resource not found")
	ErrDuplicateKey   = errors.New("duplicate key")
	ErrInvalidInput   = errors.New("invalid input")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrMissingToken   = errors.New("missing token")
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenInvalid   = errors.New("token invalid")
	ErrTokenRevoked   = errors.New("token revoked")
	ErrAlreadyRevoked = errors.New("token already revoked")
	ErrTokenReuse     = errors.New("token reuse detected")
	ErrPersistence    = errors.New("persistence unavailable")
)

// AppError carries the client-facing rendering of an error. The wrapped Err
// keeps the internal cause for logging and errors.Is checks.
type AppError struct {
	Err        error
	Message    string
	StatusCode int
	Code       string
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NewAppError(err error, message string, status int, code string) *AppError {
	return &AppError{
		Err:        err,
		Message:    message,
		StatusCode: status,
		Code:       code,
	}
}

func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

func UnauthorizedError(message string) *AppError {
	if message == "" {
		message = "authentication required"
	}
	return NewAppError(ErrUnauthorized, message, http.StatusUnauthorized, "UNAUTHORIZED")
}

func MissingTokenError() *AppError {
	return NewAppError(
		ErrMissingToken,
		"missing authorization token",
		http.StatusUnauthorized,
		"MISSING_TOKEN",
	)
}

func ForbiddenError(message string) *AppError {
	if message == "" {
		message = "insufficient permissions"
	}
	return NewAppError(ErrForbidden, message, http.StatusForbidden, "FORBIDDEN")
}

func NotFoundError(resource string) *AppError {
	return NewAppError(
		ErrNotFound,
		fmt.Sprintf("%s not found", resource),
		http.StatusNotFound,
		"NOT_FOUND",
	)
}

func UserNotFoundError() *AppError {
	return NewAppError(ErrNotFound, "user not found", http.StatusNotFound, "USER_NOT_FOUND")
}

func DuplicateError(field string) *AppError {
	return NewAppError(
		ErrDuplicateKey,
		fmt.Sprintf("%s already exists", field),
		http.StatusConflict,
		"DUPLICATE",
	)
}

func TokenExpiredError() *AppError {
	return NewAppError(ErrTokenExpired, "token has expired", http.StatusUnauthorized, "TOKEN_EXPIRED")
}

func TokenInvalidError() *AppError {
	return NewAppError(ErrTokenInvalid, "invalid token", http.StatusUnauthorized, "TOKEN_INVALID")
}

func TokenRevokedError() *AppError {
	return NewAppError(ErrTokenRevoked, "token has been revoked", http.StatusUnauthorized, "TOKEN_REVOKED")
}

// RefreshTokenError hides which refresh check failed from the client.
func RefreshTokenError(cause error) *AppError {
	return NewAppError(
		cause,
		"invalid refresh token",
		http.StatusUnauthorized,
		"INVALID_REFRESH_TOKEN",
	)
}

func PersistenceError(cause error) *AppError {
	return NewAppError(
		cause,
		"service temporarily unavailable",
		http.StatusServiceUnavailable,
		"SERVICE_UNAVAILABLE",
	)
}
