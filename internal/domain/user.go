// Package domain contains core domain types for the relay.
package domain

import (
	"time"
)

// User is a registered identity known to the durable store.
// The relay only references users; it never mutates their profile.
type User struct {
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// DisplayName returns the username, falling back to the identity.
func (u *User) DisplayName() string {
	if u.Username != "" {
		return u.Username
	}
	return u.UserID
}
