package domain

import (
	"time"
)

// Tenant statuses
const (
	StatusProvisioning = "provisioning"
	StatusActive       = "active"
	StatusSuspended    = "suspended"
	StatusDeleted      = "deleted"
)

// Tenant is a row in the public tenant registry. EncryptedSecret is the
// tenant's signing and field encryption secret, wrapped under the process
// master key; the registry never stores it in plaintext.
type Tenant struct {
	ID              string    `json:"id" db:"id"`
	Name            string    `json:"name" db:"name"`
	Slug            string    `json:"slug" db:"slug"`
	SchemaName      string    `json:"schema_name" db:"schema_name"`
	Status          string    `json:"status" db:"status"`
	EncryptedSecret string    `json:"-" db:"encrypted_secret"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// IsActive reports whether the tenant may authenticate and serve traffic
func (t *Tenant) IsActive() bool {
	return t.Status == StatusActive
}
