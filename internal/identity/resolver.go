// Package identity turns bearer tokens into ambient tenant scopes.
//
// The resolver is the only place a request acquires a tenant identity. It
// peeks at the unverified claims solely to learn which tenant's key to verify
// with, then verifies the signature, re-reads the user from the directory,
// and establishes the scope that the query executor later consumes. Nothing
// downstream ever trusts the token body directly.
package identity

import (
	"context"
	"net/http"
	"strings"

	"github.com/finflow/finflow-backend/internal/auth/domain"
	"github.com/finflow/finflow-backend/internal/auth/jwt"
	tenantdomain "github.com/finflow/finflow-backend/internal/tenant/domain"
	"github.com/finflow/finflow-backend/pkg/config"
	"github.com/finflow/finflow-backend/pkg/errors"
	"github.com/finflow/finflow-backend/pkg/httputil"
	"github.com/finflow/finflow-backend/pkg/logger"
	"github.com/finflow/finflow-backend/pkg/tenant"
)

// TenantSecrets resolves a tenant and its unwrapped signing secret
type TenantSecrets interface {
	ActiveSecret(ctx context.Context, tenantID string) (*tenantdomain.Tenant, []byte, error)
}

// UserDirectory re-resolves users from the platform directory
type UserDirectory interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
}

// Resolver authenticates requests and establishes the tenant scope
type Resolver struct {
	jwt     *jwt.Manager
	secrets TenantSecrets
	users   UserDirectory
	config  *config.AuthConfig
	logger  *logger.Logger
}

// NewResolver creates a new identity resolver
func NewResolver(jwtManager *jwt.Manager, secrets TenantSecrets, users UserDirectory, cfg *config.AuthConfig, log *logger.Logger) *Resolver {
	return &Resolver{
		jwt:     jwtManager,
		secrets: secrets,
		users:   users,
		config:  cfg,
		logger:  log,
	}
}

// Middleware authenticates the request and installs the tenant scope. Lobby
// tokens resolve to a public-schema scope; tenant tokens resolve to the
// tenant's schema with the role re-read from the directory.
func (rs *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := bearerToken(r)
		if err != nil {
			httputil.Error(w, err)
			return
		}

		// Resolution has its own deadline so a slow registry lookup cannot
		// stall the request pipeline past the budget.
		resolveCtx, cancel := context.WithTimeout(r.Context(), rs.config.ResolveTimeout)
		tc, err := rs.resolve(resolveCtx, token)
		cancel()
		if err != nil {
			rs.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("identity resolution failed")
			httputil.Error(w, err)
			return
		}

		tc.RequestID = httputil.GetRequestID(r.Context())

		next.ServeHTTP(w, r.WithContext(tenant.WithContext(r.Context(), tc)))
	})
}

func (rs *Resolver) resolve(ctx context.Context, token string) (tenant.Context, error) {
	peeked, err := rs.jwt.PeekClaims(token)
	if err != nil {
		return tenant.Context{}, err
	}

	if peeked.IsLobby() {
		claims, err := rs.jwt.ValidateLobbyToken(token)
		if err != nil {
			return tenant.Context{}, err
		}

		// A lobby token may predate onboarding. The directory is authoritative
		// for the tenant binding, so a freshly onboarded user presenting a
		// still-valid lobby token resolves straight into their tenant scope.
		user, err := rs.users.GetByID(ctx, claims.Subject)
		if err != nil {
			if errors.Is(err, errors.ErrNotFound) {
				return tenant.Context{}, errors.Unauthorized("unknown user")
			}
			return tenant.Context{}, err
		}

		if user.TenantID != nil {
			t, _, err := rs.secrets.ActiveSecret(ctx, *user.TenantID)
			if err != nil {
				return tenant.Context{}, err
			}
			return tenant.Context{
				TenantID:   t.ID,
				SchemaName: t.SchemaName,
				UserID:     user.ID,
				UserEmail:  user.Email,
				UserRole:   tenant.Role(user.Role),
			}, nil
		}

		return tenant.Context{
			SchemaName: tenant.SchemaPublic,
			UserID:     user.ID,
			UserEmail:  user.Email,
			UserRole:   tenant.Role(user.Role),
		}, nil
	}

	t, secret, err := rs.secrets.ActiveSecret(ctx, peeked.TenantID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			// A token naming a nonexistent tenant is an auth failure, not a
			// resource lookup.
			return tenant.Context{}, errors.Unauthorized("unknown tenant")
		}
		return tenant.Context{}, err
	}

	claims, err := rs.jwt.ValidateTenantToken(token, secret, jwt.TokenTypeAccess)
	if err != nil {
		return tenant.Context{}, err
	}

	// Roles and tenant bindings change server side; the directory wins over
	// whatever the token was minted with.
	user, err := rs.users.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return tenant.Context{}, errors.Unauthorized("unknown user")
		}
		return tenant.Context{}, err
	}
	if user.TenantID == nil || *user.TenantID != t.ID {
		return tenant.Context{}, errors.Unauthorized("token does not match user's tenant")
	}

	return tenant.Context{
		TenantID:   t.ID,
		SchemaName: t.SchemaName,
		UserID:     user.ID,
		UserEmail:  user.Email,
		UserRole:   tenant.Role(user.Role),
	}, nil
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.Unauthorized("missing authorization header")
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", errors.Unauthorized("malformed authorization header")
	}

	return parts[1], nil
}

// RequireTenant rejects requests whose scope is not bound to a tenant. Lobby
// users can authenticate but cannot touch tenant data.
func RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tc, err := tenant.Current(r.Context())
		if err != nil {
			httputil.Error(w, errors.Unauthorized("not authenticated"))
			return
		}
		if tc.IsLobby() {
			httputil.Error(w, errors.Forbidden("no tenant bound to this account"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireLobby rejects requests from users already bound to a tenant. Only
// lobby users may provision a new tenant.
func RequireLobby(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tc, err := tenant.Current(r.Context())
		if err != nil {
			httputil.Error(w, errors.Unauthorized("not authenticated"))
			return
		}
		if !tc.IsLobby() {
			httputil.Error(w, errors.Conflict("account is already bound to a tenant"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole rejects requests whose scope lacks one of the given roles
func RequireRole(roles ...tenant.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tc, err := tenant.Current(r.Context())
			if err != nil {
				httputil.Error(w, errors.Unauthorized("not authenticated"))
				return
			}
			for _, role := range roles {
				if tc.UserRole == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			httputil.Error(w, errors.Forbidden("insufficient role"))
		})
	}
}
