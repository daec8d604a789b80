// AngelaMos | 2026
// testing_test.go

package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/carterperez-dev/haven-auth/internal/config"
	"github.com/carterperez-dev/haven-auth/internal/core"
)

func testJWTConfig() config.JWTConfig {
	return config.JWTConfig{
		AccessTokenExpire:  15 * time.Minute,
		RefreshTokenExpire: 7 * 24 * time.Hour,
		Issuer:             "haven-auth",
		Audience:           "haven-api",
	}
}

func newTestJWTManager(t *testing.T) *JWTManager {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	m, err := NewJWTManagerFromKey(key, testJWTConfig())
	require.NoError(t, err)

	return m
}

func newTestRedisRepository(t *testing.T) (*redisRepository, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo, ok := NewRedisRepository(client, "test:refresh").(*redisRepository)
	require.True(t, ok)

	return repo, mr
}

// memoryUsers is an in-memory UserProvider. Passwords are stored in plain
// text so tests stay fast; VerifyPassword compares them directly.
type memoryUsers struct {
	mu    sync.Mutex
	users map[string]*UserInfo
}

func newMemoryUsers() *memoryUsers {
	return &memoryUsers{users: make(map[string]*UserInfo)}
}

func (m *memoryUsers) add(email, password, role string) *UserInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := &UserInfo{
		ID:           uuid.New().String(),
		Email:        email,
		Name:         strings.Split(email, "@")[0],
		PasswordHash: password,
		Role:         role,
		CreatedAt:    time.Now().UTC(),
	}
	m.users[u.ID] = u

	return u
}

func (m *memoryUsers) GetByEmail(_ context.Context, email string) (*UserInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("get user: %w", core.ErrNotFound)
}

func (m *memoryUsers) GetByID(_ context.Context, id string) (*UserInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("get user: %w", core.ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (m *memoryUsers) Create(
	_ context.Context,
	email, passwordHash, name string,
) (*UserInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.Email == email {
			return nil, core.ErrDuplicateKey
		}
	}

	u := &UserInfo{
		ID:           uuid.New().String(),
		Email:        email,
		Name:         name,
		PasswordHash: passwordHash,
		Role:         "user",
		CreatedAt:    time.Now().UTC(),
	}
	m.users[u.ID] = u

	cp := *u
	return &cp, nil
}

func (m *memoryUsers) VerifyPassword(
	_ context.Context,
	user *UserInfo,
	plaintext string,
) (bool, error) {
	if strings.HasPrefix(user.PasswordHash, "$argon2id$") {
		valid, err := core.VerifyPassword(plaintext, user.PasswordHash)
		return valid, err
	}
	return user.PasswordHash == plaintext, nil
}

func (m *memoryUsers) IncrementTokenVersion(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return core.ErrNotFound
	}
	u.TokenVersion++
	return nil
}

func (m *memoryUsers) UpdatePassword(_ context.Context, userID, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return core.ErrNotFound
	}
	u.PasswordHash = passwordHash
	return nil
}

func (m *memoryUsers) tokenVersion(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[userID].TokenVersion
}

// failingRepository wraps a Repository and fails the selected operations
// with a persistence error.
type failingRepository struct {
	Repository
	failCreate bool
	failRotate bool
}

func (f *failingRepository) Create(ctx context.Context, token *RefreshToken) error {
	if f.failCreate {
		return storeErr("create refresh token", fmt.Errorf("connection refused"))
	}
	return f.Repository.Create(ctx, token)
}

func (f *failingRepository) Rotate(ctx context.Context, old, next *RefreshToken) error {
	if f.failRotate {
		return storeErr("rotate refresh token", fmt.Errorf("connection refused"))
	}
	return f.Repository.Rotate(ctx, old, next)
}
