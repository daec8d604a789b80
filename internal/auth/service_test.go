// AngelaMos | 2026
// service_test.go

package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carterperez-dev/haven-auth/internal/core"
)

type serviceFixture struct {
	svc   *Service
	repo  *redisRepository
	users *memoryUsers
	jwt   *JWTManager
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	repo, _ := newTestRedisRepository(t)
	users := newMemoryUsers()
	jwt := newTestJWTManager(t)

	return &serviceFixture{
		svc:   NewService(repo, jwt, users),
		repo:  repo,
		users: users,
		jwt:   jwt,
	}
}

func (f *serviceFixture) login(t *testing.T, email, password string) *AuthResponse {
	t.Helper()

	resp, err := f.svc.Login(
		context.Background(),
		LoginRequest{Email: email, Password: password},
		"test-agent",
		"10.0.0.1",
	)
	require.NoError(t, err)

	return resp
}

func TestLoginIssuesTokens(t *testing.T) {
	f := newServiceFixture(t)
	user := f.users.add("alice@example.com", "correct horse", "volunteer")

	resp := f.login(t, "alice@example.com", "correct horse")

	assert.Equal(t, user.ID, resp.User.ID)
	assert.Equal(t, "volunteer", resp.User.Role)
	assert.Equal(t, "Bearer", resp.Tokens.TokenType)
	assert.Equal(t, 900, resp.Tokens.ExpiresIn)

	claims, err := f.jwt.VerifyAccessToken(context.Background(), resp.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)
	assert.Equal(t, "volunteer", claims.Role)

	stored, err := f.svc.FindByToken(context.Background(), resp.Tokens.RefreshToken)
	require.NoError(t, err)
	assert.True(t, stored.IsActive(time.Now()))
	assert.Equal(t, core.HashToken(resp.Tokens.RefreshToken), stored.TokenHash)
	assert.NotEqual(t, resp.Tokens.RefreshToken, stored.TokenHash)
}

func TestLoginInvalidCredentials(t *testing.T) {
	f := newServiceFixture(t)
	f.users.add("alice@example.com", "correct horse", "user")

	ctx := context.Background()

	_, err := f.svc.Login(ctx, LoginRequest{Email: "alice@example.com", Password: "wrong"}, "", "")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = f.svc.Login(ctx, LoginRequest{Email: "nobody@example.com", Password: "x"}, "", "")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRefreshRotatesAndDetectsReuse(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	user := f.users.add("alice@example.com", "correct horse", "user")

	first := f.login(t, "alice@example.com", "correct horse")

	second, err := f.svc.Refresh(ctx, first.Tokens.RefreshToken, "test-agent", "10.0.0.1")
	require.NoError(t, err)
	assert.NotEqual(t, first.Tokens.RefreshToken, second.Tokens.RefreshToken)

	firstRecord, err := f.svc.FindByToken(ctx, first.Tokens.RefreshToken)
	require.NoError(t, err)
	secondRecord, err := f.svc.FindByToken(ctx, second.Tokens.RefreshToken)
	require.NoError(t, err)

	assert.True(t, firstRecord.Revoked)
	require.NotNil(t, firstRecord.ReplacedByID)
	assert.Equal(t, secondRecord.ID, *firstRecord.ReplacedByID)
	assert.Equal(t, firstRecord.FamilyID, secondRecord.FamilyID)
	assert.True(t, secondRecord.IsActive(time.Now()))

	_, err = f.svc.Refresh(ctx, first.Tokens.RefreshToken, "attacker", "203.0.113.9")
	require.ErrorIs(t, err, core.ErrTokenReuse)

	secondRecord, err = f.svc.FindByToken(ctx, second.Tokens.RefreshToken)
	require.NoError(t, err)
	assert.True(t, secondRecord.Revoked)
	assert.Equal(t, RevokeReasonReuseDetected, secondRecord.Reason())

	_, err = f.svc.Refresh(ctx, second.Tokens.RefreshToken, "test-agent", "10.0.0.1")
	require.Error(t, err)

	assert.Equal(t, 1, f.users.tokenVersion(user.ID))
}

func TestReuseRevokesEveryFamilyOfTheUser(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.users.add("alice@example.com", "correct horse", "user")

	laptop := f.login(t, "alice@example.com", "correct horse")
	phone := f.login(t, "alice@example.com", "correct horse")

	_, err := f.svc.Refresh(ctx, laptop.Tokens.RefreshToken, "", "")
	require.NoError(t, err)

	_, err = f.svc.Refresh(ctx, laptop.Tokens.RefreshToken, "", "")
	require.ErrorIs(t, err, core.ErrTokenReuse)

	phoneRecord, err := f.svc.FindByToken(ctx, phone.Tokens.RefreshToken)
	require.NoError(t, err)
	assert.True(t, phoneRecord.Revoked)
}

func TestConcurrentRefreshOfSameToken(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.users.add("alice@example.com", "correct horse", "user")

	login := f.login(t, "alice@example.com", "correct horse")
	stored, err := f.svc.FindByToken(ctx, login.Tokens.RefreshToken)
	require.NoError(t, err)

	const racers = 4
	errs := make([]error, racers)

	var wg sync.WaitGroup
	for i := range racers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			old := *stored
			_, _, errs[i] = f.svc.Rotate(ctx, &old, "", "")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, core.ErrTokenReuse)
		require.ErrorIs(t, err, core.ErrAlreadyRevoked)
	}
	assert.Equal(t, 1, succeeded)
}

func TestRefreshRejectsUnknownExpiredAndLoggedOut(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.users.add("alice@example.com", "correct horse", "user")

	_, err := f.svc.Refresh(ctx, "never-issued", "", "")
	require.ErrorIs(t, err, core.ErrTokenInvalid)

	loggedOut := f.login(t, "alice@example.com", "correct horse")
	require.NoError(t, f.svc.Logout(ctx, loggedOut.Tokens.RefreshToken))

	_, err = f.svc.Refresh(ctx, loggedOut.Tokens.RefreshToken, "", "")
	require.ErrorIs(t, err, core.ErrTokenRevoked)
	assert.NotErrorIs(t, err, core.ErrTokenReuse)

	expiring := f.login(t, "alice@example.com", "correct horse")
	f.svc.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }

	_, err = f.svc.Refresh(ctx, expiring.Tokens.RefreshToken, "", "")
	require.ErrorIs(t, err, core.ErrTokenExpired)

	record, err := f.svc.FindByToken(ctx, expiring.Tokens.RefreshToken)
	require.NoError(t, err)
	assert.False(t, record.Revoked)
}

func TestLogoutIsIsolatedAndIdempotent(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.users.add("alice@example.com", "correct horse", "user")

	laptop := f.login(t, "alice@example.com", "correct horse")
	phone := f.login(t, "alice@example.com", "correct horse")

	require.NoError(t, f.svc.Logout(ctx, laptop.Tokens.RefreshToken))
	require.NoError(t, f.svc.Logout(ctx, laptop.Tokens.RefreshToken))
	require.NoError(t, f.svc.Logout(ctx, "never-issued"))

	laptopRecord, err := f.svc.FindByToken(ctx, laptop.Tokens.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, RevokeReasonLogout, laptopRecord.Reason())

	_, err = f.svc.Refresh(ctx, phone.Tokens.RefreshToken, "", "")
	require.NoError(t, err)
}

func TestLogoutAllBumpsTokenVersion(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	user := f.users.add("alice@example.com", "correct horse", "user")

	f.login(t, "alice@example.com", "correct horse")
	f.login(t, "alice@example.com", "correct horse")

	require.NoError(t, f.svc.LogoutAll(ctx, user.ID))

	sessions, err := f.svc.GetActiveSessions(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, sessions)
	assert.Equal(t, 1, f.users.tokenVersion(user.ID))
}

func TestAccountDeletionRevokesWithReason(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	user := f.users.add("alice@example.com", "correct horse", "user")

	laptop := f.login(t, "alice@example.com", "correct horse")
	f.login(t, "alice@example.com", "correct horse")

	revoked, err := f.svc.RevokeAllForUser(ctx, user.ID, RevokeReasonAccountDeleted)
	require.NoError(t, err)
	assert.EqualValues(t, 2, revoked)

	record, err := f.svc.FindByToken(ctx, laptop.Tokens.RefreshToken)
	require.NoError(t, err)
	assert.True(t, record.Revoked)
	assert.Equal(t, RevokeReasonAccountDeleted, record.Reason())

	_, err = f.svc.Refresh(ctx, laptop.Tokens.RefreshToken, "", "")
	require.ErrorIs(t, err, core.ErrTokenRevoked)
}

func TestIssueTokensPersistenceFailure(t *testing.T) {
	f := newServiceFixture(t)
	f.svc.repo = &failingRepository{Repository: f.repo, failCreate: true}
	f.users.add("alice@example.com", "correct horse", "user")

	_, err := f.svc.Login(
		context.Background(),
		LoginRequest{Email: "alice@example.com", Password: "correct horse"},
		"",
		"",
	)
	require.ErrorIs(t, err, core.ErrPersistence)
}

func TestRefreshPersistenceFailureKeepsOldTokenActive(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.users.add("alice@example.com", "correct horse", "user")

	login := f.login(t, "alice@example.com", "correct horse")

	f.svc.repo = &failingRepository{Repository: f.repo, failRotate: true}
	_, err := f.svc.Refresh(ctx, login.Tokens.RefreshToken, "", "")
	require.ErrorIs(t, err, core.ErrPersistence)
	assert.NotErrorIs(t, err, core.ErrTokenReuse)

	f.svc.repo = f.repo
	_, err = f.svc.Refresh(ctx, login.Tokens.RefreshToken, "", "")
	require.NoError(t, err)
}

func TestRevokeSessionOwnership(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	alice := f.users.add("alice@example.com", "correct horse", "user")
	bob := f.users.add("bob@example.com", "battery staple", "user")

	f.login(t, "alice@example.com", "correct horse")

	sessions, err := f.svc.GetActiveSessions(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	err = f.svc.RevokeSession(ctx, bob.ID, sessions[0].ID)
	require.ErrorIs(t, err, core.ErrForbidden)

	require.NoError(t, f.svc.RevokeSession(ctx, alice.ID, sessions[0].ID))

	sessions, err = f.svc.GetActiveSessions(ctx, alice.ID)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestChangePasswordRevokesSessions(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	user := f.users.add("alice@example.com", "correct horse", "user")

	login := f.login(t, "alice@example.com", "correct horse")

	err := f.svc.ChangePassword(ctx, user.ID, "wrong", "new password 1")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	require.NoError(t, f.svc.ChangePassword(ctx, user.ID, "correct horse", "new password 1"))

	_, err = f.svc.Refresh(ctx, login.Tokens.RefreshToken, "", "")
	require.ErrorIs(t, err, core.ErrTokenRevoked)

	f.login(t, "alice@example.com", "new password 1")
}

func TestRegisterDuplicateEmail(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	req := RegisterRequest{Email: "new@example.com", Password: "long enough", Name: "New"}

	resp, err := f.svc.Register(ctx, req, "", "")
	require.NoError(t, err)
	assert.Equal(t, "user", resp.User.Role)

	_, err = f.svc.Register(ctx, req, "", "")
	require.ErrorIs(t, err, ErrEmailExists)
}

func TestSessionStatsAfterReuse(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.users.add("alice@example.com", "correct horse", "user")

	login := f.login(t, "alice@example.com", "correct horse")
	_, err := f.svc.Refresh(ctx, login.Tokens.RefreshToken, "", "")
	require.NoError(t, err)

	_, err = f.svc.Refresh(ctx, login.Tokens.RefreshToken, "", "")
	require.ErrorIs(t, err, core.ErrTokenReuse)

	stats, err := f.svc.SessionStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Active)
	assert.EqualValues(t, 1, stats.Revoked[RevokeReasonRotated])
	assert.EqualValues(t, 1, stats.Revoked[RevokeReasonReuseDetected])
}
