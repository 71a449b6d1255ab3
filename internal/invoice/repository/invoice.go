package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/finflow/finflow-backend/internal/invoice/domain"
	"github.com/finflow/finflow-backend/pkg/database"
	"github.com/finflow/finflow-backend/pkg/errors"
)

// InvoiceRepository persists invoices inside the tenant's schema. Every
// method runs under a tenant-scoped transaction; the schema comes from the
// ambient scope, never from a parameter.
type InvoiceRepository struct {
	db *database.DB
}

// NewInvoiceRepository creates a new invoice repository
func NewInvoiceRepository(db *database.DB) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

// BulkUpsert inserts or updates invoices on their natural key. On conflict
// the mutable fields are replaced with the incoming values; created_at and
// the row id survive. The whole batch is one statement, so a concurrent
// identical batch deadlocking against this one is retried as a unit by the
// scoped executor.
func (r *InvoiceRepository) BulkUpsert(ctx context.Context, invoices []domain.Invoice) error {
	if len(invoices) == 0 {
		return nil
	}

	return r.db.WithTenantTx(ctx, func(ctx context.Context) error {
		return r.upsert(ctx, invoices)
	})
}

// upsert runs the multi-row statement inside an already scoped transaction
func (r *InvoiceRepository) upsert(ctx context.Context, invoices []domain.Invoice) error {
	const fieldsPerRow = 10

	placeholders := make([]string, 0, len(invoices))
	args := make([]interface{}, 0, len(invoices)*fieldsPerRow)

	for i, inv := range invoices {
		id := inv.ID
		if id == "" {
			id = uuid.New().String()
		}
		base := i * fieldsPerRow
		placeholders = append(placeholders, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			id, inv.ExternalID, inv.CustomerName, inv.InvoiceNumber,
			inv.Amount, inv.Currency, inv.Status, inv.DueDate,
			[]byte(inv.Metadata), inv.IsEncrypted,
		)
	}

	query := `
		INSERT INTO invoices
			(id, external_id, customer_name, invoice_number, amount, currency, status, due_date, metadata, is_encrypted)
		VALUES ` + strings.Join(placeholders, ", ") + `
		ON CONFLICT (external_id) DO UPDATE SET
			customer_name = EXCLUDED.customer_name,
			invoice_number = EXCLUDED.invoice_number,
			amount = EXCLUDED.amount,
			currency = EXCLUDED.currency,
			status = EXCLUDED.status,
			due_date = EXCLUDED.due_date,
			metadata = EXCLUDED.metadata,
			is_encrypted = EXCLUDED.is_encrypted,
			updated_at = NOW()
	`

	_, err := r.db.ExecContext(ctx, query, args...)
	return err
}

// UpsertInTx is the composition entry point for services that batch invoice
// and quarantine writes into one transaction.
func (r *InvoiceRepository) UpsertInTx(ctx context.Context, invoices []domain.Invoice) error {
	if len(invoices) == 0 {
		return nil
	}
	return r.upsert(ctx, invoices)
}

// List returns the tenant's invoices, newest first
func (r *InvoiceRepository) List(ctx context.Context) ([]domain.Invoice, error) {
	var invoices []domain.Invoice
	err := r.db.WithTenantTx(ctx, func(ctx context.Context) error {
		query := `
			SELECT id, external_id, customer_name, invoice_number, amount, currency, status,
			       due_date, metadata, is_encrypted, created_at, updated_at
			FROM invoices
			ORDER BY created_at DESC
		`
		return r.db.SelectContext(ctx, &invoices, query)
	})
	if err != nil {
		return nil, err
	}
	return invoices, nil
}

// GetByExternalID fetches one invoice by its natural key
func (r *InvoiceRepository) GetByExternalID(ctx context.Context, externalID string) (*domain.Invoice, error) {
	var inv domain.Invoice
	err := r.db.WithTenantTx(ctx, func(ctx context.Context) error {
		query := `
			SELECT id, external_id, customer_name, invoice_number, amount, currency, status,
			       due_date, metadata, is_encrypted, created_at, updated_at
			FROM invoices
			WHERE external_id = $1
		`
		return r.db.GetContext(ctx, &inv, query, externalID)
	})
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("invoice")
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}
