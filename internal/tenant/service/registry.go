package service

import (
	"context"

	"github.com/finflow/finflow-backend/internal/tenant/domain"
	"github.com/finflow/finflow-backend/internal/tenant/repository"
	"github.com/finflow/finflow-backend/pkg/crypto"
	"github.com/finflow/finflow-backend/pkg/errors"
)

// RegistryService answers tenant lookups for the rest of the platform and is
// the only component that unwraps tenant secrets.
type RegistryService struct {
	repo      *repository.RegistryRepository
	masterKey crypto.MasterKey
}

// NewRegistryService creates a new registry service
func NewRegistryService(repo *repository.RegistryRepository, masterKey crypto.MasterKey) *RegistryService {
	return &RegistryService{
		repo:      repo,
		masterKey: masterKey,
	}
}

// Get fetches a tenant by id regardless of status
func (s *RegistryService) Get(ctx context.Context, id string) (*domain.Tenant, error) {
	return s.repo.FindByID(ctx, id)
}

// ActiveSecret fetches a tenant, enforces that it may serve traffic, and
// unwraps its secret. Suspended tenants fail closed with 403 so every token
// they issued stops working within one cache TTL.
func (s *RegistryService) ActiveSecret(ctx context.Context, tenantID string) (*domain.Tenant, []byte, error) {
	t, err := s.repo.FindByID(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}

	switch t.Status {
	case domain.StatusActive:
	case domain.StatusSuspended:
		return nil, nil, errors.Forbidden("tenant is suspended")
	case domain.StatusDeleted:
		return nil, nil, errors.NotFound("tenant")
	default:
		return nil, nil, errors.Forbidden("tenant is not active")
	}

	secret, err := s.masterKey.Unwrap(t.EncryptedSecret)
	if err != nil {
		return nil, nil, err
	}

	return t, secret, nil
}

// Suspend transitions a tenant to suspended and invalidates the cache
func (s *RegistryService) Suspend(ctx context.Context, tenantID string) error {
	return s.repo.UpdateStatus(ctx, tenantID, domain.StatusSuspended)
}

// Reactivate transitions a suspended tenant back to active. Deleted is a
// terminal status and never transitions back.
func (s *RegistryService) Reactivate(ctx context.Context, tenantID string) error {
	t, err := s.repo.FindByID(ctx, tenantID)
	if err != nil {
		return err
	}
	if t.Status == domain.StatusDeleted {
		return errors.Conflict("tenant is deleted")
	}
	return s.repo.UpdateStatus(ctx, tenantID, domain.StatusActive)
}
