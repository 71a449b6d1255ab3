package domain

import (
	"time"
)

// User is a row in the platform user directory (public schema). A user starts
// in the lobby with no tenant; provisioning binds tenant_id exactly once.
type User struct {
	ID           string    `json:"id" db:"id"`
	Email        string    `json:"email" db:"email"`
	PasswordHash string    `json:"-" db:"password_hash"`
	FullName     string    `json:"full_name" db:"full_name"`
	Role         string    `json:"role" db:"role"`
	TenantID     *string   `json:"tenant_id,omitempty" db:"tenant_id"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// IsLobby reports whether the user is not yet bound to a tenant
func (u *User) IsLobby() bool {
	return u.TenantID == nil
}
