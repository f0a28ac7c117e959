package models

import "time"

// User is a registered chat identity.
type User struct {
	Username     string     `db:"username" json:"username"`
	Avatar       string     `db:"avatar" json:"avatar,omitempty"`
	LastSeen     *time.Time `db:"last_seen" json:"lastSeen,omitempty"`
	PasswordHash string     `db:"password_hash" json:"-"`
	CreatedAt    time.Time  `db:"created_at" json:"createdAt"`
}
