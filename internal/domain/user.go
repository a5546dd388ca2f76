package domain

import (
	"strings"
	"time"
)

type Organization struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type User struct {
	ID                         uint       `gorm:"primaryKey" json:"id"`
	OrganizationID             uint       `gorm:"index;not null" json:"organization_id"`
	Name                       string     `gorm:"size:255" json:"name"`
	Email                      string     `gorm:"size:320;uniqueIndex;not null" json:"email"`
	PasswordHash               string     `gorm:"size:255" json:"-"`
	IsEmailConfirmed           bool       `gorm:"not null;default:false" json:"is_email_confirmed"`
	EmailConfirmationTokenHash *string    `gorm:"size:128;index" json:"-"`
	LockedAt                   *time.Time `json:"locked_at,omitempty"`
	IsAdmin                    bool       `gorm:"not null;default:false" json:"is_admin"`
	LastLoginAt                *time.Time `json:"last_login_at,omitempty"`
	LastActiveAt               *time.Time `json:"last_active_at,omitempty"`
	CreatedAt                  time.Time  `json:"created_at"`
	UpdatedAt                  time.Time  `json:"updated_at"`
}

func (u *User) IsLocked() bool { return u.LockedAt != nil }

// Identity returns the fixed claim set carried by access tokens for u.
func (u *User) Identity() Identity {
	return Identity{
		UserID:         u.ID,
		OrganizationID: u.OrganizationID,
		Name:           u.Name,
		Email:          u.Email,
		IsAdmin:        u.IsAdmin,
	}
}

// Identity is the resolved caller identity. Its field list is the complete
// set of claims that may ever be signed into an access token.
type Identity struct {
	UserID         uint   `json:"user_id"`
	OrganizationID uint   `json:"organization_id"`
	Name           string `json:"name"`
	Email          string `json:"email"`
	IsAdmin        bool   `json:"is_admin"`
}

// NormalizeEmail is applied to every stored and looked-up address, which makes
// email matching case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
