package testutil

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/finflow/finflow-backend/pkg/crypto"
	"github.com/finflow/finflow-backend/pkg/tenant"
)

// TestMasterKeyHex is a fixed 32-byte master key for tests, hex encoded.
const TestMasterKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

// TestMasterKey parses the fixed test master key
func TestMasterKey() crypto.MasterKey {
	mk, err := crypto.ParseMasterKey(TestMasterKeyHex)
	if err != nil {
		panic(err)
	}
	return mk
}

// NewTenantContext builds an ADMIN tenant scope for tests
func NewTenantContext(tenantID, schemaName string) tenant.Context {
	return tenant.Context{
		TenantID:   tenantID,
		SchemaName: schemaName,
		UserID:     uuid.New().String(),
		UserEmail:  "test@example.com",
		UserRole:   tenant.RoleAdmin,
		RequestID:  uuid.New().String(),
		StartedAt:  time.Now().UTC(),
	}
}

// NewLobbyContext builds a lobby scope (no tenant bound yet)
func NewLobbyContext(userID string) tenant.Context {
	return tenant.Context{
		SchemaName: tenant.SchemaPublic,
		UserID:     userID,
		UserEmail:  "lobby@example.com",
		UserRole:   tenant.RoleStaff,
		RequestID:  uuid.New().String(),
	}
}

// ScopedContext returns a context carrying an ADMIN scope for the tenant
func ScopedContext(tenantID, schemaName string) context.Context {
	return tenant.WithContext(context.Background(), NewTenantContext(tenantID, schemaName))
}

// RandomSchemaName generates a valid tenant schema name from a base slug
func RandomSchemaName(slug string) string {
	suffix := make([]byte, 3)
	rand.Read(suffix)
	return fmt.Sprintf("tenant_%s_%s", strings.ToLower(slug), hex.EncodeToString(suffix))
}

// SeededTenant is a tenant created by SeedTenant for integration tests
type SeededTenant struct {
	ID         string
	Name       string
	Slug       string
	SchemaName string
	Secret     []byte
}

// SeedTenant inserts a registry row, creates the tenant schema with its data
// tables, and returns the generated plaintext secret alongside the row.
func SeedTenant(ctx context.Context, db *sqlx.DB, name, slug string) (*SeededTenant, error) {
	schemaName := RandomSchemaName(slug)

	secret, err := crypto.GenerateTenantSecret()
	if err != nil {
		return nil, err
	}
	wrapped, err := TestMasterKey().Wrap(secret)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	_, err = db.ExecContext(ctx, `
		INSERT INTO public.tenants (id, name, slug, schema_name, status, encrypted_secret)
		VALUES ($1, $2, $3, $4, 'active', $5)`,
		id, name, slug, schemaName, wrapped)
	if err != nil {
		return nil, fmt.Errorf("failed to seed tenant row: %w", err)
	}

	if err := CreateTenantSchema(ctx, db, schemaName); err != nil {
		return nil, err
	}

	return &SeededTenant{
		ID:         id,
		Name:       name,
		Slug:       slug,
		SchemaName: schemaName,
		Secret:     secret,
	}, nil
}

// CreateTenantSchema creates a tenant schema with the invoice and quarantine
// tables, mirroring the tenant template migrations.
func CreateTenantSchema(ctx context.Context, db *sqlx.DB, schemaName string) error {
	stmts := fmt.Sprintf(`
		CREATE SCHEMA IF NOT EXISTS %q;

		CREATE TABLE IF NOT EXISTS %q.invoices (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			external_id VARCHAR(255) UNIQUE NOT NULL,
			customer_name TEXT NOT NULL,
			invoice_number TEXT NOT NULL,
			amount NUMERIC(14,2) NOT NULL,
			currency VARCHAR(3) NOT NULL DEFAULT 'USD',
			status VARCHAR(20) NOT NULL DEFAULT 'pending',
			due_date DATE,
			metadata JSONB NOT NULL DEFAULT '{}',
			is_encrypted BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS %q.quarantine_records (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			source_type VARCHAR(50) NOT NULL,
			raw_data JSONB NOT NULL,
			errors JSONB NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'pending',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		GRANT ALL ON SCHEMA %q TO finflow_tenant, finflow_migration, finflow_job;
		GRANT USAGE ON SCHEMA %q TO finflow_readonly;
		GRANT ALL ON ALL TABLES IN SCHEMA %q TO finflow_tenant, finflow_migration, finflow_job;
		GRANT SELECT ON ALL TABLES IN SCHEMA %q TO finflow_readonly;
	`, schemaName, schemaName, schemaName, schemaName, schemaName, schemaName, schemaName)

	if _, err := db.ExecContext(ctx, stmts); err != nil {
		return fmt.Errorf("failed to create tenant schema %s: %w", schemaName, err)
	}

	return nil
}

// DropTenantSchema removes a tenant schema and everything in it
func DropTenantSchema(ctx context.Context, db *sqlx.DB, schemaName string) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf(`DROP SCHEMA IF EXISTS %q CASCADE`, schemaName))
	return err
}
