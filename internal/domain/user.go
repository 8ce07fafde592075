package domain

import "time"

type UserStatus string

const (
	StatusActive UserStatus = "active"
	StatusBanned UserStatus = "banned"
)

type User struct {
	ID          int64 // Telegram user id
	Status      UserStatus
	RelayAccess bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (u *User) IsBanned() bool {
	return u != nil && u.Status == StatusBanned
}

// CanRelay reports whether the user may copy restricted content.
func (u *User) CanRelay() bool {
	return u != nil && u.RelayAccess && u.Status == StatusActive
}

func (u *User) StatusEmoji() string {
	if u.IsBanned() {
		return "🚫"
	}
	return "✅"
}
