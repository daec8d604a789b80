// AngelaMos | 2026
// service.go

package user

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/carterperez-dev/haven-auth/internal/auth"
	"github.com/carterperez-dev/haven-auth/internal/core"
	"github.com/carterperez-dev/haven-auth/internal/middleware"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) GetByID(
	ctx context.Context,
	id string,
) (*auth.UserInfo, error) {
	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	return toUserInfo(user), nil
}

func (s *Service) GetByEmail(
	ctx context.Context,
	email string,
) (*auth.UserInfo, error) {
	user, err := s.repo.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return nil, err
	}

	return toUserInfo(user), nil
}

func (s *Service) Create(
	ctx context.Context,
	email, passwordHash, name string,
) (*auth.UserInfo, error) {
	user := &User{
		ID:           uuid.New().String(),
		Email:        normalizeEmail(email),
		PasswordHash: passwordHash,
		Name:         name,
		Role:         core.RoleUser,
	}

	if err := s.repo.Create(ctx, user); err != nil {
		return nil, err
	}

	return toUserInfo(user), nil
}

// VerifyPassword checks plaintext against the stored hash and transparently
// upgrades legacy or outdated hashes on success.
func (s *Service) VerifyPassword(
	ctx context.Context,
	user *auth.UserInfo,
	plaintext string,
) (bool, error) {
	hash := user.PasswordHash
	valid, newHash, err := core.VerifyPasswordTimingSafe(plaintext, &hash)
	if err != nil {
		return false, fmt.Errorf("verify password: %w", err)
	}

	if !valid {
		return false, nil
	}

	if newHash != "" {
		if err := s.repo.UpdatePassword(ctx, user.ID, newHash); err != nil {
			slog.WarnContext(ctx, "password rehash failed",
				"user_id", user.ID,
				"error", err,
			)
		} else {
			slog.InfoContext(ctx, "password hash upgraded", "user_id", user.ID)
		}
	}

	return true, nil
}

func (s *Service) IncrementTokenVersion(
	ctx context.Context,
	userID string,
) error {
	return s.repo.IncrementTokenVersion(ctx, userID)
}

func (s *Service) UpdatePassword(
	ctx context.Context,
	userID, passwordHash string,
) error {
	return s.repo.UpdatePassword(ctx, userID, passwordHash)
}

// LoadIdentity resolves an access token subject for the session middleware.
func (s *Service) LoadIdentity(
	ctx context.Context,
	userID string,
) (*middleware.Identity, error) {
	user, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &middleware.Identity{
		ID:           user.ID,
		Email:        user.Email,
		Name:         user.Name,
		Role:         user.Role,
		TokenVersion: user.TokenVersion,
	}, nil
}

func (s *Service) GetUser(ctx context.Context, id string) (*User, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) UpdateUser(
	ctx context.Context,
	id string,
	req UpdateUserRequest,
) (*User, error) {
	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		user.Name = *req.Name
	}

	if err := s.repo.UpdateProfile(ctx, user); err != nil {
		return nil, err
	}

	return user, nil
}

// UpdateUserRole changes the stored role. An admin cannot change their own
// role so the last admin can never lock everyone out.
func (s *Service) UpdateUserRole(
	ctx context.Context,
	requesterID, id, role string,
) (*User, error) {
	if !core.IsValidRole(role) {
		return nil, fmt.Errorf(
			"update role: invalid role %q: %w",
			role,
			core.ErrInvalidInput,
		)
	}

	if requesterID == id {
		return nil, fmt.Errorf("update role: own account: %w", core.ErrForbidden)
	}

	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	previous := user.Role
	user.Role = role

	if err := s.repo.UpdateRole(ctx, user); err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "user role changed",
		"user_id", id,
		"from", previous,
		"to", role,
		"by", requesterID,
	)

	return user, nil
}

// PromoteToAdmin grants the admin role regardless of who asks. It exists for
// operator tooling that runs outside any HTTP session.
func (s *Service) PromoteToAdmin(ctx context.Context, id string) (*User, error) {
	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if user.IsAdmin() {
		return user, nil
	}

	user.Role = core.RoleAdmin
	if err := s.repo.UpdateRole(ctx, user); err != nil {
		return nil, err
	}

	return user, nil
}

func (s *Service) DeleteUser(ctx context.Context, id string) error {
	return s.repo.SoftDelete(ctx, id)
}

func (s *Service) ListUsers(
	ctx context.Context,
	params ListUsersParams,
) ([]User, int, error) {
	return s.repo.List(ctx, params)
}

func (s *Service) CountByRole(ctx context.Context) ([]RoleCount, error) {
	return s.repo.CountByRole(ctx)
}

func (s *Service) GetMe(ctx context.Context, userID string) (*User, error) {
	if userID == "" {
		return nil, fmt.Errorf("get me: %w", core.ErrUnauthorized)
	}

	return s.repo.GetByID(ctx, userID)
}

func (s *Service) UpdateMe(
	ctx context.Context,
	userID string,
	req UpdateUserRequest,
) (*User, error) {
	if userID == "" {
		return nil, fmt.Errorf("update me: %w", core.ErrUnauthorized)
	}

	return s.UpdateUser(ctx, userID, req)
}

func (s *Service) DeleteMe(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("delete me: %w", core.ErrUnauthorized)
	}

	return s.repo.SoftDelete(ctx, userID)
}

func (s *Service) EmailExists(
	ctx context.Context,
	email string,
) (bool, error) {
	return s.repo.ExistsByEmail(ctx, normalizeEmail(email))
}

func (s *Service) CanDeleteUser(
	ctx context.Context,
	requesterID, targetID string,
) error {
	if requesterID == targetID {
		return nil
	}

	requester, err := s.repo.GetByID(ctx, requesterID)
	if err != nil {
		return err
	}

	if !requester.IsAdmin() {
		return fmt.Errorf("delete user: %w", core.ErrForbidden)
	}

	target, err := s.repo.GetByID(ctx, targetID)
	if err != nil {
		return err
	}

	if target.IsAdmin() {
		return fmt.Errorf("cannot delete admin users: %w", core.ErrForbidden)
	}

	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func toUserInfo(u *User) *auth.UserInfo {
	return &auth.UserInfo{
		ID:           u.ID,
		Email:        u.Email,
		Name:         u.Name,
		PasswordHash: u.PasswordHash,
		Role:         u.Role,
		TokenVersion: u.TokenVersion,
		CreatedAt:    u.CreatedAt,
	}
}

var (
	_ auth.UserProvider         = (*Service)(nil)
	_ middleware.IdentityLoader = (*Service)(nil)
)
