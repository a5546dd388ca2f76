package domain

import "time"

// RefreshToken is one link in a rotation chain. ReplacedByTokenHash points at
// the successor issued when this token was rotated.
type RefreshToken struct {
	ID                  uint       `gorm:"primaryKey" json:"id"`
	UserID              uint       `gorm:"index;not null" json:"user_id"`
	User                *User      `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	TokenHash           string     `gorm:"size:128;uniqueIndex;not null" json:"-"`
	CreatedAt           time.Time  `json:"created_at"`
	ExpiresAt           time.Time  `gorm:"index;not null" json:"expires_at"`
	RevokedAt           *time.Time `gorm:"index" json:"revoked_at,omitempty"`
	RevokedReason       *string    `gorm:"size:64" json:"revoked_reason,omitempty"`
	ReplacedByTokenHash *string    `gorm:"size:128;index" json:"-"`
}

func (t *RefreshToken) IsRevoked() bool { return t.RevokedAt != nil }

func (t *RefreshToken) IsExpired(now time.Time) bool { return !now.Before(t.ExpiresAt) }

// IsActive reports whether the token may still be rotated.
func (t *RefreshToken) IsActive(now time.Time) bool {
	return !t.IsRevoked() && !t.IsExpired(now)
}

// ImagesToken is the narrow bearer credential embedded in asset URLs. It is
// always issued together with a refresh token and shares its expiry.
type ImagesToken struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	UserID           uint      `gorm:"index;not null" json:"user_id"`
	TokenHash        string    `gorm:"size:128;uniqueIndex;not null" json:"-"`
	RefreshTokenHash string    `gorm:"size:128;index;not null" json:"-"`
	ExpiresAt        time.Time `gorm:"index;not null" json:"expires_at"`
	CreatedAt        time.Time `json:"created_at"`
}

func (t *ImagesToken) IsExpired(now time.Time) bool { return !now.Before(t.ExpiresAt) }
