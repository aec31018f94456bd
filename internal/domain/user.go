package domain

import (
	"github.com/google/uuid"
)

// User is the slice of a profile the call flow needs: who is calling.
// Maps to the CockroachDB users table.
type User struct {
	UserID      uuid.UUID `json:"user_id" db:"user_id"`
	Username    string    `json:"username" db:"username"`
	DisplayName string    `json:"display_name" db:"display_name"`
}

// Label is the name shown on an incoming call
func (u *User) Label() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}
