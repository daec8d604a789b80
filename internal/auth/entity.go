// AngelaMos | 2026
// entity.go

package auth

import (
	"time"
)

const (
	RevokeReasonRotated         = "rotated"
	RevokeReasonLogout          = "logout"
	RevokeReasonLogoutAll       = "logout_all"
	RevokeReasonReuseDetected   = "reuse_detected"
	RevokeReasonPasswordChanged = "password_changed"
	RevokeReasonAdmin           = "admin"
	RevokeReasonAccountDeleted  = "account_deleted"
)

// RefreshToken is never deleted. Once created only the revocation fields
// change, and only from active to revoked.
type RefreshToken struct {
	ID           string     `db:"id"`
	UserID       string     `db:"user_id"`
	TokenHash    string     `db:"token_hash"`
	FamilyID     string     `db:"family_id"`
	ExpiresAt    time.Time  `db:"expires_at"`
	CreatedAt    time.Time  `db:"created_at"`
	Revoked      bool       `db:"revoked"`
	RevokedAt    *time.Time `db:"revoked_at"`
	RevokeReason *string    `db:"revoke_reason"`
	ReplacedByID *string    `db:"replaced_by_id"`
	UserAgent    string     `db:"user_agent"`
	IPAddress    string     `db:"ip_address"`
}

func (t *RefreshToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// IsActive reports whether t can still be exchanged. Expiry is implicit and
// terminal even though nothing is written when it happens.
func (t *RefreshToken) IsActive(now time.Time) bool {
	return !t.Revoked && !t.IsExpired(now)
}

// WasRotated reports whether t was superseded by a successor. Presenting a
// rotated token again means someone else holds a copy of it.
func (t *RefreshToken) WasRotated() bool {
	return t.ReplacedByID != nil
}

func (t *RefreshToken) Reason() string {
	if t.RevokeReason == nil {
		return ""
	}
	return *t.RevokeReason
}

// SessionStats summarises the refresh token store for operators. Revoked
// counts every revoked record by its revoke reason; Expired counts records
// that lapsed without ever being revoked.
type SessionStats struct {
	Active      int64            `json:"active"`
	ActiveUsers int64            `json:"active_users"`
	Expired     int64            `json:"expired"`
	Revoked     map[string]int64 `json:"revoked"`
}

func newSessionStats() *SessionStats {
	return &SessionStats{Revoked: make(map[string]int64)}
}

// TotalRevoked sums Revoked over every reason.
func (s *SessionStats) TotalRevoked() int64 {
	var n int64
	for _, c := range s.Revoked {
		n += c
	}
	return n
}
