package service

import (
	"context"

	"golang.org/x/crypto/bcrypt"

	"github.com/finflow/finflow-backend/internal/auth/domain"
	"github.com/finflow/finflow-backend/internal/auth/jwt"
	"github.com/finflow/finflow-backend/internal/auth/repository"
	tenantdomain "github.com/finflow/finflow-backend/internal/tenant/domain"
	"github.com/finflow/finflow-backend/pkg/errors"
	"github.com/finflow/finflow-backend/pkg/logger"
)

// TenantSecrets resolves a tenant and its unwrapped signing secret. Satisfied
// by the tenant registry service.
type TenantSecrets interface {
	ActiveSecret(ctx context.Context, tenantID string) (*tenantdomain.Tenant, []byte, error)
}

// AuthService handles registration, login and token refresh
type AuthService struct {
	users   *repository.UserRepository
	jwt     *jwt.Manager
	secrets TenantSecrets
	logger  *logger.Logger
}

// NewAuthService creates a new auth service
func NewAuthService(users *repository.UserRepository, jwtManager *jwt.Manager, secrets TenantSecrets, log *logger.Logger) *AuthService {
	return &AuthService{
		users:   users,
		jwt:     jwtManager,
		secrets: secrets,
		logger:  log,
	}
}

// RegisterRequest is the payload for user registration
type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=72"`
	FullName string `json:"full_name" validate:"required,min=2,max=255"`
}

// LoginRequest is the payload for login
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// AuthResponse carries the user and their tokens
type AuthResponse struct {
	User   *domain.User   `json:"user"`
	Tokens *jwt.TokenPair `json:"tokens"`
}

// Register creates a lobby user and returns a lobby token. The new user has
// no tenant: they either get invited into one or provision their own.
func (s *AuthService) Register(ctx context.Context, req *RegisterRequest) (*AuthResponse, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, errors.Internal("failed to hash password")
	}

	user := &domain.User{
		Email:        req.Email,
		PasswordHash: string(hash),
		FullName:     req.FullName,
	}

	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}

	tokens, err := s.jwt.GenerateLobbyToken(&jwt.UserInfo{
		ID:    user.ID,
		Email: user.Email,
		Role:  user.Role,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("user_id", user.ID).Msg("user registered")

	return &AuthResponse{User: user, Tokens: tokens}, nil
}

// Login authenticates a user. Lobby users get a platform-signed token without
// a refresh token; tenant users get a pair signed with their tenant's secret.
// A wrong email and a wrong password are indistinguishable to the caller.
func (s *AuthService) Login(ctx context.Context, req *LoginRequest) (*AuthResponse, error) {
	user, err := s.users.GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, errors.InvalidCredentials()
		}
		return nil, err
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		return nil, errors.InvalidCredentials()
	}

	info := &jwt.UserInfo{
		ID:    user.ID,
		Email: user.Email,
		Role:  user.Role,
	}

	if user.IsLobby() {
		tokens, err := s.jwt.GenerateLobbyToken(info)
		if err != nil {
			return nil, err
		}
		return &AuthResponse{User: user, Tokens: tokens}, nil
	}

	t, secret, err := s.secrets.ActiveSecret(ctx, *user.TenantID)
	if err != nil {
		return nil, err
	}

	tokens, err := s.jwt.GenerateTenantPair(info, t.ID, t.SchemaName, secret)
	if err != nil {
		return nil, err
	}

	return &AuthResponse{User: user, Tokens: tokens}, nil
}

// Refresh exchanges a tenant refresh token for a fresh pair. Lobby tokens are
// rejected outright. The user's role and tenant binding are re-read from the
// directory, so a role change or an unlink takes effect on the next refresh.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*jwt.TokenPair, error) {
	peeked, err := s.jwt.PeekClaims(refreshToken)
	if err != nil {
		return nil, err
	}

	if peeked.IsLobby() {
		return nil, errors.Unauthorized("lobby tokens cannot be refreshed")
	}

	t, secret, err := s.secrets.ActiveSecret(ctx, peeked.TenantID)
	if err != nil {
		return nil, err
	}

	claims, err := s.jwt.ValidateTenantToken(refreshToken, secret, jwt.TokenTypeRefresh)
	if err != nil {
		return nil, err
	}

	user, err := s.users.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, errors.TokenInvalid()
		}
		return nil, err
	}
	if user.TenantID == nil || *user.TenantID != t.ID {
		return nil, errors.TokenInvalid()
	}

	return s.jwt.GenerateTenantPair(&jwt.UserInfo{
		ID:    user.ID,
		Email: user.Email,
		Role:  user.Role,
	}, t.ID, t.SchemaName, secret)
}
