// AngelaMos | 2026
// service.go

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/carterperez-dev/haven-auth/internal/core"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrEmailExists        = errors.New("email already exists")
)

var tracer = otel.Tracer("github.com/carterperez-dev/haven-auth/internal/auth")

// UserInfo is what the service needs from the identity store.
type UserInfo struct {
	ID           string
	Email        string
	Name         string
	PasswordHash string
	Role         string
	TokenVersion int
	CreatedAt    time.Time
}

type UserProvider interface {
	GetByEmail(ctx context.Context, email string) (*UserInfo, error)
	GetByID(ctx context.Context, id string) (*UserInfo, error)
	Create(
		ctx context.Context,
		email, passwordHash, name string,
	) (*UserInfo, error)
	VerifyPassword(
		ctx context.Context,
		user *UserInfo,
		plaintext string,
	) (bool, error)
	IncrementTokenVersion(ctx context.Context, userID string) error
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
}

type Service struct {
	repo         Repository
	jwt          *JWTManager
	userProvider UserProvider
	now          func() time.Time
}

func NewService(
	repo Repository,
	jwt *JWTManager,
	userProvider UserProvider,
) *Service {
	return &Service{
		repo:         repo,
		jwt:          jwt,
		userProvider: userProvider,
		now:          time.Now,
	}
}

// IssuedTokens is the result of a login or a rotation. Record is the
// persisted refresh token; RefreshToken is its raw value and only exists here.
type IssuedTokens struct {
	AccessToken     string
	AccessExpiresAt time.Time
	RefreshToken    string
	Record          *RefreshToken
}

func (s *Service) Login(
	ctx context.Context,
	req LoginRequest,
	userAgent, ipAddress string,
) (*AuthResponse, error) {
	ctx, span := tracer.Start(ctx, "auth.Login")
	defer span.End()

	user, err := s.userProvider.GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			//nolint:errcheck // timing attack prevention - always verify to prevent enumeration
			_, _, _ = core.VerifyPasswordTimingSafe(req.Password, nil)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	valid, err := s.userProvider.VerifyPassword(ctx, user, req.Password)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}

	if !valid {
		slog.InfoContext(ctx, "login rejected",
			"user_id", user.ID,
			"ip", ipAddress,
		)
		return nil, ErrInvalidCredentials
	}

	issued, err := s.IssueTokens(ctx, user, userAgent, ipAddress)
	if err != nil {
		core.SetSpanError(ctx, err)
		return nil, err
	}

	return s.authResponse(user, issued), nil
}

func (s *Service) Register(
	ctx context.Context,
	req RegisterRequest,
	userAgent, ipAddress string,
) (*AuthResponse, error) {
	passwordHash, err := core.HashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.userProvider.Create(ctx, req.Email, passwordHash, req.Name)
	if err != nil {
		if errors.Is(err, core.ErrDuplicateKey) {
			return nil, ErrEmailExists
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	issued, err := s.IssueTokens(ctx, user, userAgent, ipAddress)
	if err != nil {
		return nil, err
	}

	return s.authResponse(user, issued), nil
}

// IssueTokens mints an access token and a new refresh token family for user.
// The refresh token is only returned once it has been stored.
func (s *Service) IssueTokens(
	ctx context.Context,
	user *UserInfo,
	userAgent, ipAddress string,
) (*IssuedTokens, error) {
	now := s.now()

	issued, record, err := s.mint(user, "", userAgent, ipAddress, now)
	if err != nil {
		return nil, err
	}

	if err := s.repo.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}

	return issued, nil
}

// FindByToken resolves a raw refresh token to its stored record.
func (s *Service) FindByToken(
	ctx context.Context,
	rawToken string,
) (*RefreshToken, error) {
	return s.repo.FindByHash(ctx, core.HashToken(rawToken))
}

// Rotate exchanges old for a successor in the same family. If old is no
// longer active at write time the rotation is treated as token reuse.
func (s *Service) Rotate(
	ctx context.Context,
	old *RefreshToken,
	userAgent, ipAddress string,
) (*IssuedTokens, *UserInfo, error) {
	user, err := s.userProvider.GetByID(ctx, old.UserID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, nil, fmt.Errorf("rotate: owner missing: %w", core.ErrTokenInvalid)
		}
		return nil, nil, fmt.Errorf("get user: %w", err)
	}

	issued, next, err := s.mint(user, old.FamilyID, userAgent, ipAddress, s.now())
	if err != nil {
		return nil, nil, err
	}

	if err := s.repo.Rotate(ctx, old, next); err != nil {
		if errors.Is(err, core.ErrAlreadyRevoked) {
			s.handleReuse(ctx, old, ipAddress)
			return nil, nil, fmt.Errorf("rotate: %w: %w", core.ErrTokenReuse, err)
		}
		return nil, nil, fmt.Errorf("rotate: %w", err)
	}

	return issued, user, nil
}

func (s *Service) Refresh(
	ctx context.Context,
	refreshToken, userAgent, ipAddress string,
) (*AuthResponse, error) {
	ctx, span := tracer.Start(ctx, "auth.Refresh")
	defer span.End()

	stored, err := s.FindByToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, fmt.Errorf("refresh: %w", core.ErrTokenInvalid)
		}
		return nil, fmt.Errorf("find token: %w", err)
	}

	core.TagTokenFamily(ctx, stored.UserID, stored.FamilyID)

	if !stored.IsActive(s.now()) {
		switch {
		case stored.WasRotated():
			s.handleReuse(ctx, stored, ipAddress)
			return nil, fmt.Errorf("refresh: %w", core.ErrTokenReuse)
		case stored.Revoked:
			return nil, fmt.Errorf("refresh: %w", core.ErrTokenRevoked)
		default:
			return nil, fmt.Errorf("refresh: %w", core.ErrTokenExpired)
		}
	}

	issued, user, err := s.Rotate(ctx, stored, userAgent, ipAddress)
	if err != nil {
		core.SetSpanError(ctx, err)
		return nil, err
	}

	return s.authResponse(user, issued), nil
}

// handleReuse revokes everything the user holds. A rotated-out token being
// presented again means it leaked, and we cannot tell which holder is genuine.
func (s *Service) handleReuse(
	ctx context.Context,
	token *RefreshToken,
	ipAddress string,
) {
	core.RecordTokenReuse(ctx, token.UserID, token.FamilyID)

	count, err := s.RevokeAllForUser(ctx, token.UserID, RevokeReasonReuseDetected)
	if err != nil {
		slog.ErrorContext(ctx, "revoke after token reuse failed",
			"user_id", token.UserID,
			"family_id", token.FamilyID,
			"error", err,
		)
		return
	}

	slog.WarnContext(ctx, "refresh token reuse detected",
		"user_id", token.UserID,
		"family_id", token.FamilyID,
		"token_id", token.ID,
		"ip", ipAddress,
		"original_ip", token.IPAddress,
		"revoked", count,
	)
}

// RevokeAllForUser revokes every active refresh token of userID and bumps
// the user's token version so outstanding access tokens stop working too.
func (s *Service) RevokeAllForUser(
	ctx context.Context,
	userID, reason string,
) (int64, error) {
	count, err := s.repo.RevokeAllForUser(ctx, userID, reason)
	if err != nil {
		return 0, fmt.Errorf("revoke all tokens: %w", err)
	}
	core.RecordRevocation(ctx, userID, reason, count)

	if err := s.userProvider.IncrementTokenVersion(ctx, userID); err != nil &&
		!errors.Is(err, core.ErrNotFound) {
		return count, fmt.Errorf("increment token version: %w", err)
	}

	return count, nil
}

// Logout revokes a single refresh token. Unknown or already revoked tokens
// are not an error so the call is safe to repeat.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	stored, err := s.FindByToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("find token: %w", err)
	}

	if err := s.repo.RevokeByID(ctx, stored.ID, RevokeReasonLogout); err != nil &&
		!errors.Is(err, core.ErrNotFound) {
		return fmt.Errorf("revoke token: %w", err)
	}

	return nil
}

func (s *Service) LogoutAll(ctx context.Context, userID string) error {
	if _, err := s.RevokeAllForUser(ctx, userID, RevokeReasonLogoutAll); err != nil {
		return err
	}
	return nil
}

// RevokeUserSessions is the administrative variant of LogoutAll.
func (s *Service) RevokeUserSessions(
	ctx context.Context,
	userID string,
) (int64, error) {
	return s.RevokeAllForUser(ctx, userID, RevokeReasonAdmin)
}

func (s *Service) GetActiveSessions(
	ctx context.Context,
	userID string,
) ([]SessionInfo, error) {
	tokens, err := s.repo.GetActiveSessionsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get sessions: %w", err)
	}

	sessions := make([]SessionInfo, 0, len(tokens))
	for _, t := range tokens {
		sessions = append(sessions, SessionInfo{
			ID:        t.ID,
			UserAgent: t.UserAgent,
			IPAddress: t.IPAddress,
			CreatedAt: t.CreatedAt,
			ExpiresAt: t.ExpiresAt,
		})
	}

	return sessions, nil
}

// SessionStats reports token counts from the configured store.
func (s *Service) SessionStats(ctx context.Context) (*SessionStats, error) {
	stats, err := s.repo.SessionStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("session stats: %w", err)
	}
	return stats, nil
}

func (s *Service) RevokeSession(
	ctx context.Context,
	userID, sessionID string,
) error {
	token, err := s.repo.FindByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("find session: %w", err)
	}

	if token.UserID != userID {
		return fmt.Errorf("revoke session: %w", core.ErrForbidden)
	}

	if err := s.repo.RevokeByID(ctx, sessionID, RevokeReasonLogout); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}

	return nil
}

func (s *Service) ChangePassword(
	ctx context.Context,
	userID, currentPassword, newPassword string,
) error {
	user, err := s.userProvider.GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("get user: %w", err)
	}

	valid, err := s.userProvider.VerifyPassword(ctx, user, currentPassword)
	if err != nil {
		return fmt.Errorf("verify password: %w", err)
	}

	if !valid {
		return ErrInvalidCredentials
	}

	newHash, err := core.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	if err := s.userProvider.UpdatePassword(ctx, userID, newHash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}

	if _, err := s.RevokeAllForUser(ctx, userID, RevokeReasonPasswordChanged); err != nil {
		return err
	}

	return nil
}

func (s *Service) GetCurrentUser(
	ctx context.Context,
	userID string,
) (*UserResponse, error) {
	user, err := s.userProvider.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	resp := toUserResponse(user)
	return &resp, nil
}

func (s *Service) mint(
	user *UserInfo,
	familyID, userAgent, ipAddress string,
	now time.Time,
) (*IssuedTokens, *RefreshToken, error) {
	accessToken, err := s.jwt.createAccessTokenAt(AccessTokenClaims{
		UserID:       user.ID,
		Role:         user.Role,
		TokenVersion: user.TokenVersion,
	}, now)
	if err != nil {
		return nil, nil, fmt.Errorf("create access token: %w", err)
	}

	refreshData, err := s.jwt.CreateRefreshToken(familyID, now)
	if err != nil {
		return nil, nil, fmt.Errorf("create refresh token: %w", err)
	}

	record := &RefreshToken{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		TokenHash: refreshData.Hash,
		FamilyID:  refreshData.FamilyID,
		ExpiresAt: refreshData.ExpiresAt,
		UserAgent: userAgent,
		IPAddress: ipAddress,
	}

	return &IssuedTokens{
		AccessToken:     accessToken,
		AccessExpiresAt: now.Add(s.jwt.AccessTokenTTL()),
		RefreshToken:    refreshData.Token,
		Record:          record,
	}, record, nil
}

func (s *Service) authResponse(user *UserInfo, issued *IssuedTokens) *AuthResponse {
	return &AuthResponse{
		User: toUserResponse(user),
		Tokens: TokenResponse{
			AccessToken:  issued.AccessToken,
			RefreshToken: issued.RefreshToken,
			TokenType:    "Bearer",
			ExpiresIn:    int(s.jwt.AccessTokenTTL() / time.Second),
			ExpiresAt:    issued.AccessExpiresAt,
		},
	}
}

func toUserResponse(u *UserInfo) UserResponse {
	return UserResponse{
		ID:        u.ID,
		Email:     u.Email,
		Name:      u.Name,
		Role:      u.Role,
		CreatedAt: u.CreatedAt,
	}
}
