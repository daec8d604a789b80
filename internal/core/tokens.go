// AngelaMos | 2026
// tokens.go

package core

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// RefreshTokenBytes is 160 bits of entropy.
const RefreshTokenBytes = 20

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

func GenerateSecureToken(length int) (string, error) {
	b, err := randomBytes(length)
	if err != nil {
		return "", fmt.Errorf("generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func GenerateRefreshToken() (string, error) {
	return GenerateSecureToken(RefreshTokenBytes)
}

// HashToken is the at-rest form of a refresh token. Only the hash is stored,
// so a leaked table cannot be replayed.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func CompareTokenHash(token, hash string) bool {
	return subtle.ConstantTimeCompare([]byte(HashToken(token)), []byte(hash)) == 1
}
