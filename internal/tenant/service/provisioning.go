package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	authjwt "github.com/finflow/finflow-backend/internal/auth/jwt"
	authrepo "github.com/finflow/finflow-backend/internal/auth/repository"
	"github.com/finflow/finflow-backend/internal/tenant/domain"
	"github.com/finflow/finflow-backend/internal/tenant/repository"
	"github.com/finflow/finflow-backend/pkg/audit"
	"github.com/finflow/finflow-backend/pkg/crypto"
	"github.com/finflow/finflow-backend/pkg/database"
	"github.com/finflow/finflow-backend/pkg/errors"
	"github.com/finflow/finflow-backend/pkg/logger"
	"github.com/finflow/finflow-backend/pkg/messaging"
	"github.com/finflow/finflow-backend/pkg/tenant"
)

// EventPublisher publishes tenant lifecycle events
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, data interface{}) error
}

// ProvisioningService turns a lobby user into the owner of a freshly
// provisioned tenant: registry row, schema, data tables, owner binding and
// a first tenant token pair.
type ProvisioningService struct {
	db        *database.DB
	registry  *repository.RegistryRepository
	users     *authrepo.UserRepository
	jwt       *authjwt.Manager
	masterKey crypto.MasterKey
	publisher EventPublisher
	audit     *audit.Emitter
	logger    *logger.Logger
}

// NewProvisioningService creates a new provisioning service
func NewProvisioningService(
	db *database.DB,
	registry *repository.RegistryRepository,
	users *authrepo.UserRepository,
	jwtManager *authjwt.Manager,
	masterKey crypto.MasterKey,
	publisher EventPublisher,
	auditor *audit.Emitter,
	log *logger.Logger,
) *ProvisioningService {
	return &ProvisioningService{
		db:        db,
		registry:  registry,
		users:     users,
		jwt:       jwtManager,
		masterKey: masterKey,
		publisher: publisher,
		audit:     auditor,
		logger:    log,
	}
}

// SetupRequest is the payload for tenant provisioning. The plan and data
// source are recorded on the lifecycle event; billing and connector setup
// consume them downstream.
type SetupRequest struct {
	CompanyName      string `json:"companyName" validate:"required,min=2,max=255"`
	SubscriptionPlan string `json:"subscriptionPlan" validate:"omitempty,max=50"`
	DataSourceType   string `json:"dataSourceType" validate:"omitempty,max=50"`
}

// SetupResponse carries the new organization and the owner's first tenant tokens
type SetupResponse struct {
	Organization *domain.Tenant     `json:"organization"`
	Auth         *authjwt.TokenPair `json:"auth"`
}

// Setup provisions a new tenant for the calling lobby user.
//
// Phase 1 runs in a single transaction: registry row, CREATE SCHEMA with
// grants, owner binding. Phase 2 applies the data table template outside that
// transaction under a system migration scope. Any failure after the schema
// exists triggers compensating rollback; nothing half-provisioned survives.
func (s *ProvisioningService) Setup(ctx context.Context, req *SetupRequest) (*SetupResponse, error) {
	tc, err := tenant.Current(ctx)
	if err != nil {
		return nil, errors.MissingTenantContext()
	}
	if !tc.IsLobby() {
		return nil, errors.Conflict("account is already bound to a tenant")
	}

	plan := req.SubscriptionPlan
	if plan == "" {
		plan = "free"
	}

	slug := deriveSlug(req.CompanyName)
	suffix, err := randomSuffix()
	if err != nil {
		return nil, errors.Internal("failed to generate schema suffix")
	}
	schemaName := fmt.Sprintf("tenant_%s_%s", slug, suffix)
	if !database.ValidSchemaName(schemaName) {
		return nil, errors.BadRequest("organization name cannot be turned into a valid identifier")
	}

	// Slugs are unique; a collision gets the schema suffix appended so two
	// "Acme Inc" organizations can coexist.
	if _, err := s.registry.FindBySlug(ctx, slug); err == nil {
		slug = slug + "_" + suffix
	} else if !errors.Is(err, errors.ErrNotFound) {
		return nil, err
	}

	secret, err := crypto.GenerateTenantSecret()
	if err != nil {
		return nil, errors.Internal("failed to generate tenant secret")
	}
	wrapped, err := s.masterKey.Wrap(secret)
	if err != nil {
		return nil, err
	}

	t := &domain.Tenant{
		Name:            req.CompanyName,
		Slug:            slug,
		SchemaName:      schemaName,
		Status:          domain.StatusActive,
		EncryptedSecret: wrapped,
	}

	err = s.db.WithSystemTx(ctx, func(ctx context.Context) error {
		if err := s.registry.Create(ctx, t); err != nil {
			if mapped := database.MapPQError(err); mapped != nil {
				return mapped
			}
			return err
		}

		for _, stmt := range schemaGrants(schemaName) {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to create tenant schema: %w", err)
			}
		}

		return s.users.LinkTenant(ctx, tc.UserID, t.ID, string(tenant.RoleAdmin))
	})
	if err != nil {
		// Phase 1 is atomic; the registry row and schema rolled back together.
		return nil, err
	}

	s.db.MarkSchemaVerified(schemaName)

	if err := applyTemplate(ctx, s.db, t.ID, schemaName); err != nil {
		s.rollback(ctx, t, tc.UserID)
		return nil, err
	}

	user, err := s.users.GetByID(ctx, tc.UserID)
	if err != nil {
		s.rollback(ctx, t, tc.UserID)
		return nil, err
	}

	tokens, err := s.jwt.GenerateTenantPair(&authjwt.UserInfo{
		ID:    user.ID,
		Email: user.Email,
		Role:  user.Role,
	}, t.ID, schemaName, secret)
	if err != nil {
		s.rollback(ctx, t, tc.UserID)
		return nil, err
	}

	s.logger.Info().
		Str("tenant_id", t.ID).
		Str("schema", schemaName).
		Str("owner_id", user.ID).
		Msg("tenant provisioned")

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, messaging.EventTenantProvisioned, messaging.TenantProvisionedEvent{
			TenantID:         t.ID,
			Name:             t.Name,
			Slug:             t.Slug,
			SchemaName:       schemaName,
			OwnerID:          user.ID,
			SubscriptionPlan: plan,
			DataSourceType:   req.DataSourceType,
		}); err != nil {
			s.logger.Warn().Err(err).Msg("failed to publish tenant.provisioned")
		}
	}
	if s.audit != nil {
		s.audit.Emit(ctx, "tenant.provisioned", "tenants", map[string]any{
			"tenant_id": t.ID,
			"slug":      t.Slug,
			"plan":      plan,
		})
	}

	return &SetupResponse{Organization: t, Auth: tokens}, nil
}

// rollback undoes a partially provisioned tenant. Every step is idempotent
// and failures are logged rather than propagated: the caller already has the
// original error.
func (s *ProvisioningService) rollback(ctx context.Context, t *domain.Tenant, userID string) {
	ctx = context.WithoutCancel(ctx)

	s.logger.Warn().
		Str("tenant_id", t.ID).
		Str("schema", t.SchemaName).
		Msg("rolling back partially provisioned tenant")

	if _, err := s.db.DB.ExecContext(ctx,
		fmt.Sprintf(`DROP SCHEMA IF EXISTS %q CASCADE`, t.SchemaName)); err != nil {
		s.logger.Error().Err(err).Str("schema", t.SchemaName).Msg("rollback: failed to drop schema")
	}
	s.db.Forget(t.SchemaName)

	if err := s.users.UnlinkTenant(ctx, userID, t.ID); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("rollback: failed to unlink owner")
	}

	if err := s.registry.Delete(ctx, t.ID); err != nil {
		s.logger.Error().Err(err).Str("tenant_id", t.ID).Msg("rollback: failed to delete registry row")
	}
}

// schemaGrants returns the DDL creating a tenant schema and granting the
// scoped database roles access to it. Schema names pass ValidSchemaName
// before they reach this interpolation.
func schemaGrants(schemaName string) []string {
	return []string{
		fmt.Sprintf(`CREATE SCHEMA %q`, schemaName),
		fmt.Sprintf(`GRANT ALL ON SCHEMA %q TO finflow_migration`, schemaName),
		fmt.Sprintf(`GRANT USAGE ON SCHEMA %q TO finflow_tenant, finflow_readonly, finflow_job`, schemaName),
		fmt.Sprintf(`ALTER DEFAULT PRIVILEGES FOR ROLE finflow_migration IN SCHEMA %q GRANT ALL ON TABLES TO finflow_tenant, finflow_job`, schemaName),
		fmt.Sprintf(`ALTER DEFAULT PRIVILEGES FOR ROLE finflow_migration IN SCHEMA %q GRANT SELECT ON TABLES TO finflow_readonly`, schemaName),
	}
}

var slugScrub = regexp.MustCompile(`[^a-z0-9]+`)

// deriveSlug lowercases the organization name, replaces every run of
// non-alphanumeric characters with a single underscore, and trims the result
func deriveSlug(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = slugScrub.ReplaceAllString(slug, "_")
	slug = strings.Trim(slug, "_")
	if len(slug) > 40 {
		slug = strings.Trim(slug[:40], "_")
	}
	if slug == "" {
		slug = "org"
	}
	return slug
}

// randomSuffix returns 6 hex characters for schema name uniqueness
func randomSuffix() (string, error) {
	b := make([]byte, 3)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
