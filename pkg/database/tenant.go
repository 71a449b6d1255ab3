package database

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"

	"github.com/finflow/finflow-backend/pkg/errors"
	"github.com/finflow/finflow-backend/pkg/tenant"
)

// schemaNamePattern is the sole defense against schema injection: schema
// names are interpolated into SET LOCAL search_path, which does not accept
// bind parameters. Anything that does not match is rejected before SQL.
var schemaNamePattern = regexp.MustCompile(`^tenant_[a-z0-9_]+_[a-z0-9]+$`)

// Database roles bound per transaction, least privilege for the caller's role
const (
	dbRoleTenant    = "finflow_tenant"
	dbRoleReadonly  = "finflow_readonly"
	dbRoleMigration = "finflow_migration"
	dbRoleJob       = "finflow_job"
)

// schemaCache memoizes schema existence checks, once per process per name
type schemaCache struct {
	mu    sync.RWMutex
	known map[string]bool
}

func (c *schemaCache) seen(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.known[name]
}

func (c *schemaCache) mark(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.known == nil {
		c.known = make(map[string]bool)
	}
	c.known[name] = true
}

// Forget drops a schema from the existence cache. Provisioning calls this
// after a compensating DROP SCHEMA so a later re-create is re-verified.
func (db *DB) Forget(schemaName string) {
	db.schemaCheck.mu.Lock()
	defer db.schemaCheck.mu.Unlock()
	delete(db.schemaCheck.known, schemaName)
}

// MarkSchemaVerified records a schema as existing without querying the
// catalog. Provisioning calls this right after CREATE SCHEMA commits.
func (db *DB) MarkSchemaVerified(schemaName string) {
	db.schemaCheck.mark(schemaName)
}

// ValidSchemaName reports whether a schema name may be bound to a transaction
func ValidSchemaName(name string) bool {
	return name == tenant.SchemaPublic || schemaNamePattern.MatchString(name)
}

// WithTenantTx executes fn inside a transaction bound to the ambient tenant
// scope. This is the single point of contact between business code and the
// database for tenant data.
//
// Binding, per transaction:
//  1. Read the schema from the ambient tenant context; missing context fails
//     with MISSING_TENANT_CONTEXT before any connection is opened.
//  2. Validate the schema name against the tenant_* pattern (or "public").
//  3. Verify the schema exists (memoized per process per name).
//  4. BEGIN; SET LOCAL search_path TO "<schema>", public;
//     set_config('app.tenant_id', <id>, true); SET LOCAL ROLE <role>.
//  5. Run fn with the transaction bound into the context; commit on nil,
//     rollback on error.
//
// SET LOCAL is transaction scoped, so none of the settings survive into the
// next borrower of the pooled connection. Plain SET is never used here.
//
// Deadlocks (40P01) and serialization failures (40001) re-run fn with
// exponential backoff, 3 attempts. Unique violations are not retried; they
// surface as Conflict.
func (db *DB) WithTenantTx(ctx context.Context, fn func(context.Context) error) error {
	return db.withScopedTx(ctx, nil, fn)
}

// WithTenantTxIsolation is WithTenantTx with an explicit isolation level for
// callers that need more than the engine default.
func (db *DB) WithTenantTxIsolation(ctx context.Context, level sql.IsolationLevel, fn func(context.Context) error) error {
	return db.withScopedTx(ctx, &sql.TxOptions{Isolation: level}, fn)
}

func (db *DB) withScopedTx(ctx context.Context, opts *sql.TxOptions, fn func(context.Context) error) error {
	// Already inside a scoped or system transaction: compose into it instead
	// of opening a second one on the pool.
	if tx := db.getTx(ctx); tx != nil {
		return fn(ctx)
	}

	tc, err := tenant.Current(ctx)
	if err != nil {
		// Fail before any connection is acquired. Never coerced to 401/403.
		return errors.MissingTenantContext()
	}

	schemaName := tc.SchemaName
	if schemaName == "" {
		return errors.MissingTenantContext()
	}
	if !ValidSchemaName(schemaName) {
		return errors.Wrap(fmt.Errorf("schema %q", schemaName),
			"INVALID_SCHEMA", "schema name rejected", 500)
	}
	if tc.TenantID == "" && schemaName != tenant.SchemaPublic {
		return errors.MissingTenantContext()
	}

	if schemaName != tenant.SchemaPublic {
		if err := db.ensureSchemaExists(ctx, schemaName); err != nil {
			return err
		}
	}

	return db.retryTransient(ctx, func() error {
		return db.runScopedTx(ctx, opts, tc, schemaName, fn)
	})
}

// WithPublicTx executes fn bound to the public schema regardless of the
// ambient scope. Registry and directory access use this; it is allowed
// without an established tenant context (login, registration).
func (db *DB) WithPublicTx(ctx context.Context, fn func(context.Context) error) error {
	if tx := db.getTx(ctx); tx != nil {
		return fn(ctx)
	}

	tc, err := tenant.Current(ctx)
	if err != nil {
		tc = tenant.Context{SchemaName: tenant.SchemaPublic}
	}
	tc.SchemaName = tenant.SchemaPublic

	return db.retryTransient(ctx, func() error {
		return db.runScopedTx(ctx, nil, tc, tenant.SchemaPublic, fn)
	})
}

// ExecTenant runs a single statement inside WithTenantTx
func (db *DB) ExecTenant(ctx context.Context, query string, args ...interface{}) error {
	return db.WithTenantTx(ctx, func(ctx context.Context) error {
		_, err := db.ExecContext(ctx, query, args...)
		return err
	})
}

func (db *DB) runScopedTx(ctx context.Context, opts *sql.TxOptions, tc tenant.Context, schemaName string, fn func(context.Context) error) error {
	return db.transactionWithOptions(ctx, opts, func(tx *sqlx.Tx) error {
		// Schema names cannot be bind parameters; the pattern check above is
		// what makes this interpolation safe.
		searchPath := fmt.Sprintf(`SET LOCAL search_path TO %q, public`, schemaName)
		if schemaName == tenant.SchemaPublic {
			searchPath = `SET LOCAL search_path TO public`
		}
		if _, err := tx.ExecContext(ctx, searchPath); err != nil {
			return fmt.Errorf("failed to bind search_path to %s: %w", schemaName, err)
		}

		// RLS policies filter on current_setting('app.tenant_id').
		if _, err := tx.ExecContext(ctx,
			"SELECT set_config('app.tenant_id', $1, true)", tc.RLSIdentifier()); err != nil {
			return fmt.Errorf("failed to set app.tenant_id: %w", err)
		}

		if _, err := tx.ExecContext(ctx, "SET LOCAL ROLE "+roleFor(tc.UserRole)); err != nil {
			return fmt.Errorf("failed to bind connection role: %w", err)
		}

		if err := fn(withTx(ctx, tx)); err != nil {
			if mapped := MapPQError(err); mapped != nil {
				return mapped
			}
			return err
		}
		return nil
	})
}

// roleFor maps the caller's role to the least-privileged database role
func roleFor(r tenant.Role) string {
	switch r {
	case tenant.RoleSystemReadonly:
		return dbRoleReadonly
	case tenant.RoleSystemMigration:
		return dbRoleMigration
	case tenant.RoleSystemJob:
		return dbRoleJob
	default:
		return dbRoleTenant
	}
}

// ensureSchemaExists verifies the schema once per process per name
func (db *DB) ensureSchemaExists(ctx context.Context, schemaName string) error {
	if db.schemaCheck.seen(schemaName) {
		return nil
	}

	var exists bool
	err := db.DB.GetContext(ctx, &exists,
		"SELECT EXISTS (SELECT 1 FROM information_schema.schemata WHERE schema_name = $1)", schemaName)
	if err != nil {
		return fmt.Errorf("failed to verify schema %s: %w", schemaName, err)
	}
	if !exists {
		return errors.Wrap(fmt.Errorf("schema %q does not exist", schemaName),
			"INVALID_SCHEMA", "tenant schema missing", 500)
	}

	db.schemaCheck.mark(schemaName)
	return nil
}

// retryTransient re-runs op on deadlock/serialization failures with
// exponential backoff: base 50ms, multiplier 2, 3 attempts total.
func (db *DB) retryTransient(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryBaseInterval
	policy.Multiplier = 2
	policy.RandomizationFactor = 0

	attempts := 0
	wrapped := func() error {
		attempts++
		err := op()
		if err == nil {
			return nil
		}
		if IsRetryable(err) && attempts < maxTxAttempts {
			db.logger.Warn().Err(err).Int("attempt", attempts).Msg("retrying transient database error")
			return err
		}
		return backoff.Permanent(err)
	}

	err := backoff.Retry(wrapped, backoff.WithContext(policy, ctx))
	if err != nil && IsRetryable(err) {
		// All attempts exhausted; escalate as a generic internal error.
		return errors.Retryable(err)
	}
	return err
}
