// AngelaMos | 2026
// security.go

package core

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"

	"github.com/carterperez-dev/haven-auth/internal/config"
)

// Argon2Params controls the cost of newly created password hashes. Hashes
// created with other parameters still verify and are flagged for rehash.
type Argon2Params struct {
	Memory  uint32
	Time    uint32
	Threads uint8
	KeyLen  uint32
	SaltLen uint32
}

var DefaultArgon2Params = Argon2Params{
	Memory:  64 * 1024,
	Time:    1,
	Threads: 4,
	KeyLen:  32,
	SaltLen: 16,
}

var (
	paramsMu     sync.RWMutex
	activeParams = DefaultArgon2Params
)

var errInvalidHash = errors.New("invalid hash format")

// SetArgon2Params replaces the parameters used by HashPassword. Called once
// at startup from configuration.
func SetArgon2Params(p Argon2Params) {
	if p.Memory == 0 || p.Time == 0 || p.Threads == 0 || p.KeyLen == 0 {
		return
	}
	if p.SaltLen == 0 {
		p.SaltLen = DefaultArgon2Params.SaltLen
	}

	paramsMu.Lock()
	activeParams = p
	paramsMu.Unlock()
}

// Argon2ParamsFromConfig overlays configured costs on the defaults.
func Argon2ParamsFromConfig(cfg config.PasswordConfig) Argon2Params {
	p := DefaultArgon2Params
	if cfg.Argon2Memory > 0 {
		p.Memory = cfg.Argon2Memory
	}
	if cfg.Argon2Time > 0 {
		p.Time = cfg.Argon2Time
	}
	if cfg.Argon2Threads > 0 {
		p.Threads = cfg.Argon2Threads
	}
	return p
}

func currentParams() Argon2Params {
	paramsMu.RLock()
	defer paramsMu.RUnlock()
	return activeParams
}

func HashPassword(password string) (string, error) {
	p := currentParams()

	salt, err := randomBytes(int(p.SaltLen))
	if err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, p.KeyLen)

	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		p.Memory,
		p.Time,
		p.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// VerifyPassword checks password against an argon2id hash. Imported bcrypt
// hashes are accepted too so those accounts can log in once and be rehashed.
func VerifyPassword(password, encodedHash string) (bool, error) {
	if isBcryptHash(encodedHash) {
		err := bcrypt.CompareHashAndPassword([]byte(encodedHash), []byte(password))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("compare bcrypt hash: %w", err)
		}
		return true, nil
	}

	params, salt, hash, err := decodeHash(encodedHash)
	if err != nil {
		return false, err
	}

	other := argon2.IDKey([]byte(password), salt, params.Time, params.Memory, params.Threads, params.KeyLen)

	return subtle.ConstantTimeCompare(hash, other) == 1, nil
}

// VerifyPasswordWithRehash returns a fresh hash when the stored one was made
// with outdated parameters or a legacy algorithm.
func VerifyPasswordWithRehash(password, encodedHash string) (bool, string, error) {
	valid, err := VerifyPassword(password, encodedHash)
	if err != nil || !valid {
		return false, "", err
	}

	if !needsRehash(encodedHash) {
		return true, "", nil
	}

	newHash, err := HashPassword(password)
	if err != nil {
		//nolint:nilerr // password verified; rehash failure is non-critical
		return true, "", nil
	}

	return true, newHash, nil
}

var (
	dummyOnce sync.Once
	dummyHash string
)

// VerifyPasswordTimingSafe always performs a full hash comparison, even when
// no stored hash exists, so unknown emails cost the same as wrong passwords.
func VerifyPasswordTimingSafe(password string, encodedHash *string) (bool, string, error) {
	dummyOnce.Do(func() {
		h, err := HashPassword("dummy_password_for_timing_attack_prevention")
		if err != nil {
			panic(fmt.Sprintf("security: generate dummy hash: %v", err))
		}
		dummyHash = h
	})

	if encodedHash == nil || *encodedHash == "" {
		//nolint:errcheck // result discarded, only the cost matters
		_, _ = VerifyPassword(password, dummyHash)
		return false, "", nil
	}

	return VerifyPasswordWithRehash(password, *encodedHash)
}

func isBcryptHash(h string) bool {
	return strings.HasPrefix(h, "$2a$") || strings.HasPrefix(h, "$2b$") || strings.HasPrefix(h, "$2y$")
}

func decodeHash(encodedHash string) (*Argon2Params, []byte, []byte, error) {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 {
		return nil, nil, nil, errInvalidHash
	}

	if parts[1] != "argon2id" {
		return nil, nil, nil, fmt.Errorf("unsupported algorithm: %s", parts[1])
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return nil, nil, nil, fmt.Errorf("invalid version: %w", err)
	}
	if version != argon2.Version {
		return nil, nil, nil, fmt.Errorf("incompatible version: %d", version)
	}

	params := &Argon2Params{}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.Memory, &params.Time, &params.Threads); err != nil {
		return nil, nil, nil, fmt.Errorf("invalid params: %w", err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("decode salt: %w", err)
	}

	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("decode hash: %w", err)
	}

	//nolint:gosec // G115: argon2 key lengths are small
	params.KeyLen = uint32(len(hash))
	//nolint:gosec // G115: salt lengths are small
	params.SaltLen = uint32(len(salt))

	return params, salt, hash, nil
}

func needsRehash(encodedHash string) bool {
	if isBcryptHash(encodedHash) {
		return true
	}

	params, _, _, err := decodeHash(encodedHash)
	if err != nil {
		return true
	}

	p := currentParams()
	return params.Memory != p.Memory ||
		params.Time != p.Time ||
		params.Threads != p.Threads ||
		params.KeyLen != p.KeyLen
}
