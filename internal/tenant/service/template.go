package service

import (
	"context"
	"fmt"

	"github.com/finflow/finflow-backend/pkg/database"
	"github.com/finflow/finflow-backend/pkg/tenant"
)

// templateStatements is the per-tenant schema template. Applied once per
// tenant during provisioning, after the schema itself exists. Statements are
// idempotent so a retried provisioning run converges instead of failing.
var templateStatements = []string{
	`CREATE TABLE IF NOT EXISTS invoices (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		external_id VARCHAR(255) NOT NULL,
		customer_name TEXT NOT NULL,
		invoice_number TEXT NOT NULL,
		amount NUMERIC(14,2) NOT NULL,
		currency VARCHAR(3) NOT NULL DEFAULT 'USD',
		status VARCHAR(20) NOT NULL DEFAULT 'pending',
		due_date DATE,
		metadata JSONB NOT NULL DEFAULT '{}',
		is_encrypted BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT invoices_external_id_key UNIQUE (external_id)
	)`,

	`CREATE INDEX IF NOT EXISTS invoices_status_idx ON invoices (status)`,
	`CREATE INDEX IF NOT EXISTS invoices_due_date_idx ON invoices (due_date)`,

	`CREATE TABLE IF NOT EXISTS quarantine_records (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		source_type VARCHAR(50) NOT NULL,
		raw_data JSONB NOT NULL,
		errors JSONB NOT NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'pending',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE INDEX IF NOT EXISTS quarantine_pending_idx
		ON quarantine_records (created_at) WHERE status = 'pending'`,
}

// applyTemplate creates the tenant's data tables. Runs under a system
// migration scope so the statements execute with the migration role inside
// the new schema's search_path.
func applyTemplate(ctx context.Context, db *database.DB, tenantID, schemaName string) error {
	sysCtx := tenant.NewSystemContext(tenant.RoleSystemMigration, tenantID, schemaName)

	return tenant.RunAs(ctx, sysCtx, func(ctx context.Context) error {
		return db.WithTenantTx(ctx, func(ctx context.Context) error {
			for i, stmt := range templateStatements {
				if _, err := db.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("template statement %d failed: %w", i+1, err)
				}
			}
			return nil
		})
	})
}
