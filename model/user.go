package model

import "time"

// Roles.
const (
	RoleUser  = "USER"
	RoleAdmin = "ADMIN"
)

// Account statuses.
const (
	StatusActive = "ACTIVE"
	StatusBanned = "BANNED"
)

// User is a registered identity. Users are never deleted, only banned.
type User struct {
	ID           int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Username     string     `gorm:"uniqueIndex;size:32;not null" json:"username"`
	PasswordHash string     `gorm:"size:64;not null" json:"-"`
	Nickname     *string    `gorm:"size:64" json:"nickname"`
	Avatar       string     `gorm:"size:255" json:"avatar"`
	Role         string     `gorm:"size:16;not null;default:USER" json:"role"`
	Status       string     `gorm:"size:16;not null;default:ACTIVE" json:"status"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	LastLoginAt  *time.Time `json:"last_login_at"`
	LastLoginIP  string     `gorm:"size:45" json:"last_login_ip"`
}

// Banned reports whether the account may not log in.
func (u *User) Banned() bool { return u.Status == StatusBanned }

// DisplayName is the nickname when set, otherwise the username.
func (u *User) DisplayName() string {
	if u.Nickname != nil && *u.Nickname != "" {
		return *u.Nickname
	}
	return u.Username
}
