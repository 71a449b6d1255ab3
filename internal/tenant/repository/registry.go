package repository

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/finflow/finflow-backend/internal/tenant/domain"
	"github.com/finflow/finflow-backend/pkg/config"
	"github.com/finflow/finflow-backend/pkg/database"
	"github.com/finflow/finflow-backend/pkg/errors"
)

// RegistryRepository is the tenant registry over the public schema. Reads are
// served through an expirable LRU: the registry sits on the hot path of every
// authenticated request, and the TTL bounds how long a suspension takes to
// propagate to other processes.
type RegistryRepository struct {
	db    *database.DB
	cache *lru.LRU[string, *domain.Tenant]
}

// NewRegistryRepository creates a registry repository with a read cache
func NewRegistryRepository(db *database.DB, cfg *config.RegistryConfig) *RegistryRepository {
	return &RegistryRepository{
		db:    db,
		cache: lru.NewLRU[string, *domain.Tenant](cfg.CacheSize, nil, cfg.CacheTTL),
	}
}

const tenantColumns = `id, name, slug, schema_name, status, encrypted_secret, created_at, updated_at`

// FindByID fetches a tenant by id, from cache when fresh
func (r *RegistryRepository) FindByID(ctx context.Context, id string) (*domain.Tenant, error) {
	if t, ok := r.cache.Get(id); ok {
		return t, nil
	}

	var t domain.Tenant
	err := r.db.WithPublicTx(ctx, func(ctx context.Context) error {
		return r.db.GetContext(ctx, &t,
			`SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
	})
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("tenant")
	}
	if err != nil {
		return nil, err
	}

	r.cache.Add(id, &t)
	return &t, nil
}

// FindBySlug fetches a tenant by slug. Slug lookups skip the cache; they only
// happen on provisioning and admin paths.
func (r *RegistryRepository) FindBySlug(ctx context.Context, slug string) (*domain.Tenant, error) {
	var t domain.Tenant
	err := r.db.WithPublicTx(ctx, func(ctx context.Context) error {
		return r.db.GetContext(ctx, &t,
			`SELECT `+tenantColumns+` FROM tenants WHERE slug = $1`, slug)
	})
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("tenant")
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListActive returns every tenant currently allowed to serve traffic.
// Used by background workers to fan out; bypasses the cache.
func (r *RegistryRepository) ListActive(ctx context.Context) ([]domain.Tenant, error) {
	var tenants []domain.Tenant
	err := r.db.WithPublicTx(ctx, func(ctx context.Context) error {
		return r.db.SelectContext(ctx, &tenants,
			`SELECT `+tenantColumns+` FROM tenants WHERE status = $1 ORDER BY created_at`,
			domain.StatusActive)
	})
	if err != nil {
		return nil, err
	}
	return tenants, nil
}

// Create inserts a tenant row. Runs inside the caller's transaction when one
// is bound to the context.
func (r *RegistryRepository) Create(ctx context.Context, t *domain.Tenant) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = domain.StatusActive
	}

	query := `
		INSERT INTO tenants (id, name, slug, schema_name, status, encrypted_secret)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`
	return r.db.QueryRowxContext(ctx, query,
		t.ID, t.Name, t.Slug, t.SchemaName, t.Status, t.EncryptedSecret,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
}

// UpdateStatus transitions a tenant's status and invalidates the cache entry
func (r *RegistryRepository) UpdateStatus(ctx context.Context, id, status string) error {
	err := r.db.WithPublicTx(ctx, func(ctx context.Context) error {
		result, err := r.db.ExecContext(ctx,
			`UPDATE tenants SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return errors.NotFound("tenant")
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.cache.Remove(id)
	return nil
}

// Delete removes a tenant row. Used only by provisioning rollback; normal
// offboarding transitions to the deleted status instead.
func (r *RegistryRepository) Delete(ctx context.Context, id string) error {
	err := r.db.WithPublicTx(ctx, func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx, `DELETE FROM tenants WHERE id = $1`, id)
		return err
	})
	if err != nil {
		return err
	}

	r.cache.Remove(id)
	return nil
}

// Invalidate drops a tenant from the read cache
func (r *RegistryRepository) Invalidate(id string) {
	r.cache.Remove(id)
}
