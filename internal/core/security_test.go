// AngelaMos | 2026
// security_test.go

package core

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/carterperez-dev/haven-auth/internal/config"
)

func useParams(t *testing.T, p Argon2Params) {
	t.Helper()

	previous := currentParams()
	SetArgon2Params(p)
	t.Cleanup(func() { SetArgon2Params(previous) })
}

func cheapParams() Argon2Params {
	return Argon2Params{Memory: 8 * 1024, Time: 1, Threads: 1, KeyLen: 32, SaltLen: 16}
}

func TestHashAndVerifyPassword(t *testing.T) {
	useParams(t, cheapParams())

	hash, err := HashPassword("correct-horse")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$m=8192,t=1,p=1$"))

	ok, err := VerifyPassword("correct-horse", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyPassword("wrong", hash)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = VerifyPassword("x", "not-a-hash")
	assert.Error(t, err)
}

func TestVerifyPasswordRehashesOutdatedParams(t *testing.T) {
	useParams(t, cheapParams())
	hash, err := HashPassword("correct-horse")
	require.NoError(t, err)

	upgraded := cheapParams()
	upgraded.Time = 2
	useParams(t, upgraded)

	ok, newHash, err := VerifyPasswordWithRehash("correct-horse", hash)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, newHash, "t=2")

	ok, newHash, err = VerifyPasswordWithRehash("correct-horse", newHash)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, newHash)
}

func TestVerifyPasswordAcceptsBcrypt(t *testing.T) {
	useParams(t, cheapParams())

	legacy, err := bcrypt.GenerateFromPassword([]byte("from-before"), bcrypt.MinCost)
	require.NoError(t, err)
	encoded := string(legacy)

	ok, newHash, err := VerifyPasswordTimingSafe("from-before", &encoded)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, strings.HasPrefix(newHash, "$argon2id$"))

	ok, newHash, err = VerifyPasswordTimingSafe("nope", &encoded)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, newHash)
}

func TestVerifyPasswordTimingSafeWithoutHash(t *testing.T) {
	useParams(t, cheapParams())

	ok, newHash, err := VerifyPasswordTimingSafe("anything", nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, newHash)
}

func TestArgon2ParamsFromConfig(t *testing.T) {
	p := Argon2ParamsFromConfig(config.PasswordConfig{Argon2Time: 3})
	assert.Equal(t, uint32(3), p.Time)
	assert.Equal(t, DefaultArgon2Params.Memory, p.Memory)
	assert.Equal(t, DefaultArgon2Params.Threads, p.Threads)
}

func TestSetArgon2ParamsIgnoresZeroCosts(t *testing.T) {
	useParams(t, cheapParams())

	SetArgon2Params(Argon2Params{})
	assert.Equal(t, cheapParams(), currentParams())
}

func TestRefreshTokenGeneration(t *testing.T) {
	a, err := GenerateRefreshToken()
	require.NoError(t, err)
	b, err := GenerateRefreshToken()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Len(t, a, 27)

	hash := HashToken(a)
	assert.Len(t, hash, 64)
	assert.Equal(t, hash, HashToken(a))
	assert.True(t, CompareTokenHash(a, hash))
	assert.False(t, CompareTokenHash(b, hash))
}
