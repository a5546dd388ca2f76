package domain

import "time"

// PasswordResetToken is a single-use recovery credential. Only the hash of
// the delivered value is stored.
type PasswordResetToken struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"index;not null" json:"user_id"`
	TokenHash string    `gorm:"size:128;uniqueIndex;not null" json:"-"`
	ExpiresAt time.Time `gorm:"index;not null" json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

func (t *PasswordResetToken) IsExpired(now time.Time) bool { return !now.Before(t.ExpiresAt) }

// LoginAttempt is an append-only audit row written for every authentication
// attempt, successful or not.
type LoginAttempt struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    *uint     `gorm:"index" json:"user_id,omitempty"`
	Email     string    `gorm:"size:320;index" json:"email"`
	Success   bool      `gorm:"not null" json:"success"`
	Message   string    `gorm:"size:255" json:"message"`
	IPAddress string    `gorm:"size:64" json:"ip_address"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}
