// Package tenant carries the per-operation tenant identity through the
// request pipeline. Every database access goes through a Context established
// either by the identity resolver (HTTP) or by RunAs (background jobs).
//
// There is deliberately no default: code that reaches for Current without an
// established scope gets an error, never a fallback identity.
package tenant

import (
	"context"
	"errors"
	"time"
)

// Role is the caller's role within the platform
type Role string

// Business roles
const (
	RoleAdmin   Role = "ADMIN"
	RoleManager Role = "MANAGER"
	RoleAnalyst Role = "ANALYST"
	RoleStaff   Role = "STAFF"
)

// System roles, used by provisioning and background jobs
const (
	RoleSystemMigration Role = "SYSTEM_MIGRATION"
	RoleSystemJob       Role = "SYSTEM_JOB"
	RoleSystemReadonly  Role = "SYSTEM_READONLY"
)

// IsSystem reports whether the role is a system identity
func (r Role) IsSystem() bool {
	switch r {
	case RoleSystemMigration, RoleSystemJob, RoleSystemReadonly:
		return true
	}
	return false
}

// IsBusiness reports whether the role is an end-user role
func (r Role) IsBusiness() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleAnalyst, RoleStaff:
		return true
	}
	return false
}

// SchemaPublic is the schema used for lobby users and registry access
const SchemaPublic = "public"

// SystemTenantID is the synthetic tenant placeholder carried by system
// identities operating across tenants.
const SystemTenantID = "00000000-0000-0000-0000-000000000000"

// ErrNoContext is returned by Current when no tenant scope is established.
// The query executor maps it to a MISSING_TENANT_CONTEXT internal error.
var ErrNoContext = errors.New("no tenant context established")

// Context is the immutable per-operation identity carrier.
//
// TenantID is empty for lobby users (schema "public"). Fields are never
// mutated in place; elevating a scope produces a new Context that shadows
// the previous one for the remainder of the scope.
type Context struct {
	TenantID   string
	SchemaName string
	UserID     string
	UserEmail  string
	UserRole   Role
	RequestID  string
	StartedAt  time.Time
}

// IsLobby reports whether the context belongs to a user not yet bound to a tenant
func (c Context) IsLobby() bool {
	return c.TenantID == "" && !c.UserRole.IsSystem()
}

// IsSystem reports whether the context carries a system identity
func (c Context) IsSystem() bool {
	return c.UserRole.IsSystem()
}

// RLSIdentifier returns the value bound to the app.tenant_id session variable
// for database-side row level security policies.
func (c Context) RLSIdentifier() string {
	if c.UserRole.IsSystem() && (c.TenantID == "" || c.TenantID == SystemTenantID) {
		return string(c.UserRole)
	}
	if c.TenantID == "" {
		return "PUBLIC_ACCESS"
	}
	return c.TenantID
}

type contextKey struct{}

// WithContext returns a context carrying tc. The previous scope, if any, is
// shadowed for the lifetime of the returned context and restored automatically
// when callers fall back to the parent context.
func WithContext(ctx context.Context, tc Context) context.Context {
	if tc.StartedAt.IsZero() {
		tc.StartedAt = time.Now().UTC()
	}
	return context.WithValue(ctx, contextKey{}, tc)
}

// Current extracts the tenant context. Returns ErrNoContext when unset:
// a missing context is a programming error, not an authorization failure.
func Current(ctx context.Context) (Context, error) {
	tc, ok := ctx.Value(contextKey{}).(Context)
	if !ok {
		return Context{}, ErrNoContext
	}
	return tc, nil
}

// Has reports whether a tenant context is established
func Has(ctx context.Context) bool {
	_, ok := ctx.Value(contextKey{}).(Context)
	return ok
}

// MustCurrent extracts the tenant context and panics if not found.
// Use only where a missing context cannot be recovered from.
func MustCurrent(ctx context.Context) Context {
	tc, err := Current(ctx)
	if err != nil {
		panic("tenant context not established")
	}
	return tc
}

// RunAs executes fn with tc as the current tenant scope. This is the only
// sanctioned way for background jobs and system tasks to obtain a scope;
// the enclosing scope is untouched once fn returns.
func RunAs(ctx context.Context, tc Context, fn func(context.Context) error) error {
	return fn(WithContext(ctx, tc))
}

// NewSystemContext builds a system identity scoped to the given tenant.
// Pass an empty tenantID and SchemaPublic for cross-tenant system work.
func NewSystemContext(role Role, tenantID, schemaName string) Context {
	if !role.IsSystem() {
		panic("NewSystemContext requires a system role")
	}
	if tenantID == "" {
		tenantID = SystemTenantID
	}
	if schemaName == "" {
		schemaName = SchemaPublic
	}
	return Context{
		TenantID:   tenantID,
		SchemaName: schemaName,
		UserID:     SystemTenantID,
		UserRole:   role,
		StartedAt:  time.Now().UTC(),
	}
}
