package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/finflow/finflow-backend/internal/invoice/domain"
	"github.com/finflow/finflow-backend/pkg/database"
	"github.com/finflow/finflow-backend/pkg/errors"
)

// QuarantineRepository persists rejected intake rows inside the tenant's
// schema.
type QuarantineRepository struct {
	db *database.DB
}

// NewQuarantineRepository creates a new quarantine repository
func NewQuarantineRepository(db *database.DB) *QuarantineRepository {
	return &QuarantineRepository{db: db}
}

// InsertInTx bulk-inserts quarantine records inside an already scoped
// transaction. Values are always bound parameters, one placeholder set per
// row.
func (r *QuarantineRepository) InsertInTx(ctx context.Context, records []domain.QuarantineRecord) error {
	if len(records) == 0 {
		return nil
	}

	const fieldsPerRow = 4

	placeholders := make([]string, 0, len(records))
	args := make([]interface{}, 0, len(records)*fieldsPerRow)

	for i, rec := range records {
		id := rec.ID
		if id == "" {
			id = uuid.New().String()
		}
		base := i * fieldsPerRow
		placeholders = append(placeholders, fmt.Sprintf(
			"($%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4,
		))
		args = append(args, id, rec.SourceType, []byte(rec.RawData), rec.Errors)
	}

	query := `
		INSERT INTO quarantine_records (id, source_type, raw_data, errors)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := r.db.ExecContext(ctx, query, args...)
	return err
}

// ListPending returns unresolved quarantine records, oldest first
func (r *QuarantineRepository) ListPending(ctx context.Context) ([]domain.QuarantineRecord, error) {
	var records []domain.QuarantineRecord
	err := r.db.WithTenantTx(ctx, func(ctx context.Context) error {
		query := `
			SELECT id, source_type, raw_data, errors, status, created_at
			FROM quarantine_records
			WHERE status = 'pending'
			ORDER BY created_at ASC
		`
		return r.db.SelectContext(ctx, &records, query)
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// GetByID fetches one quarantine record. A cross-tenant id probe comes back
// as a plain not-found: the scoped schema simply has no such row.
func (r *QuarantineRepository) GetByID(ctx context.Context, id string) (*domain.QuarantineRecord, error) {
	var rec domain.QuarantineRecord
	err := r.db.WithTenantTx(ctx, func(ctx context.Context) error {
		query := `
			SELECT id, source_type, raw_data, errors, status, created_at
			FROM quarantine_records
			WHERE id = $1
		`
		return r.db.GetContext(ctx, &rec, query, id)
	})
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("quarantine record")
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetByIDs loads quarantine records by id inside an already scoped
// transaction
func (r *QuarantineRepository) GetByIDs(ctx context.Context, ids []string) ([]domain.QuarantineRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var records []domain.QuarantineRecord
	query := `
		SELECT id, source_type, raw_data, errors, status, created_at
		FROM quarantine_records
		WHERE id = ANY($1)
	`
	if err := r.db.SelectContext(ctx, &records, query, pq.Array(ids)); err != nil {
		return nil, err
	}
	return records, nil
}

// DeleteByIDs removes quarantine records after a successful retry, inside an
// already scoped transaction
func (r *QuarantineRepository) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM quarantine_records WHERE id = ANY($1)`, pq.Array(ids))
	return err
}

// MarkResolved transitions a record to resolved after a manual fix that
// keeps the row for audit purposes
func (r *QuarantineRepository) MarkResolved(ctx context.Context, id string) error {
	return r.db.WithTenantTx(ctx, func(ctx context.Context) error {
		result, err := r.db.ExecContext(ctx,
			`UPDATE quarantine_records SET status = 'resolved' WHERE id = $1`, id)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return errors.NotFound("quarantine record")
		}
		return nil
	})
}
