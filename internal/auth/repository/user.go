package repository

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/finflow/finflow-backend/internal/auth/domain"
	"github.com/finflow/finflow-backend/pkg/database"
	"github.com/finflow/finflow-backend/pkg/errors"
)

// UserRepository handles the platform user directory. The directory lives in
// the public schema: it is what login consults before any tenant scope exists.
type UserRepository struct {
	db *database.DB
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *database.DB) *UserRepository {
	return &UserRepository{db: db}
}

// Create inserts a new lobby user (tenant_id NULL)
func (r *UserRepository) Create(ctx context.Context, user *domain.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.Role == "" {
		user.Role = "STAFF"
	}

	return r.db.WithPublicTx(ctx, func(ctx context.Context) error {
		query := `
			INSERT INTO users (id, email, password_hash, full_name, role)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING created_at, updated_at
		`
		return r.db.QueryRowxContext(ctx, query,
			user.ID,
			user.Email,
			user.PasswordHash,
			user.FullName,
			user.Role,
		).Scan(&user.CreatedAt, &user.UpdatedAt)
	})
}

// GetByEmail looks up a user by email. The same email may exist once in the
// lobby and once per tenant; the lobby row wins, then the oldest binding.
// The identity resolver re-reads the directory afterwards, so the tenant
// scope never depends on which row login picked.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	var user domain.User
	err := r.db.WithPublicTx(ctx, func(ctx context.Context) error {
		query := `
			SELECT id, email, password_hash, full_name, role, tenant_id, created_at, updated_at
			FROM users
			WHERE email = $1
			ORDER BY (tenant_id IS NOT NULL), created_at ASC
			LIMIT 1
		`
		return r.db.GetContext(ctx, &user, query, email)
	})

	if err == sql.ErrNoRows {
		return nil, errors.NotFound("user")
	}
	if err != nil {
		return nil, err
	}

	return &user, nil
}

// GetByID looks up a user by id
func (r *UserRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	var user domain.User
	err := r.db.WithPublicTx(ctx, func(ctx context.Context) error {
		query := `
			SELECT id, email, password_hash, full_name, role, tenant_id, created_at, updated_at
			FROM users
			WHERE id = $1
		`
		return r.db.GetContext(ctx, &user, query, id)
	})

	if err == sql.ErrNoRows {
		return nil, errors.NotFound("user")
	}
	if err != nil {
		return nil, err
	}

	return &user, nil
}

// LinkTenant binds a lobby user to a tenant and elevates their role. The
// WHERE clause only matches unbound rows, so a user can never be moved
// between tenants through this path.
func (r *UserRepository) LinkTenant(ctx context.Context, userID, tenantID, role string) error {
	return r.db.WithPublicTx(ctx, func(ctx context.Context) error {
		query := `
			UPDATE users
			SET tenant_id = $1, role = $2, updated_at = NOW()
			WHERE id = $3 AND tenant_id IS NULL
		`
		result, err := r.db.ExecContext(ctx, query, tenantID, role, userID)
		if err != nil {
			return err
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return errors.Conflict("user is already bound to a tenant")
		}
		return nil
	})
}

// UnlinkTenant reverses LinkTenant during provisioning rollback. Idempotent:
// unlinking an already unbound user is not an error.
func (r *UserRepository) UnlinkTenant(ctx context.Context, userID, tenantID string) error {
	return r.db.WithPublicTx(ctx, func(ctx context.Context) error {
		query := `
			UPDATE users
			SET tenant_id = NULL, role = 'STAFF', updated_at = NOW()
			WHERE id = $1 AND tenant_id = $2
		`
		_, err := r.db.ExecContext(ctx, query, userID, tenantID)
		return err
	})
}
