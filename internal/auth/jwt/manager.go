// Package jwt issues and validates the two token families of the platform.
//
// Lobby tokens belong to users not yet bound to a tenant. They are signed
// with the platform secret, carry no tenant id, and cannot be refreshed.
// Tenant tokens are signed with the owning tenant's secret, so a token can
// only verify against the tenant it names. Suspending a tenant or rotating
// its secret invalidates every outstanding token at once.
package jwt

import (
	stderrors "errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/finflow/finflow-backend/pkg/config"
	"github.com/finflow/finflow-backend/pkg/errors"
)

// Token types carried in the token_type claim
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Claims represents the JWT claims for both token families
type Claims struct {
	jwt.RegisteredClaims
	Email      string `json:"email"`
	Role       string `json:"role"`
	TenantID   string `json:"tenant_id,omitempty"`
	SchemaName string `json:"schema_name"`
	TokenType  string `json:"token_type"`
}

// IsLobby reports whether the claims belong to a lobby token
func (c *Claims) IsLobby() bool {
	return c.TenantID == ""
}

// Manager handles JWT operations
type Manager struct {
	config *config.AuthConfig
}

// NewManager creates a new JWT manager
func NewManager(cfg *config.AuthConfig) *Manager {
	return &Manager{config: cfg}
}

// UserInfo contains user information for token generation
type UserInfo struct {
	ID    string
	Email string
	Role  string
}

// TokenPair contains access and refresh tokens. RefreshToken is empty for
// lobby users.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	TokenType    string    `json:"token_type"`
}

// GenerateLobbyToken issues a short-lived access token for a user without a
// tenant. There is no lobby refresh token: the lobby state should last
// minutes, not sessions.
func (m *Manager) GenerateLobbyToken(user *UserInfo) (*TokenPair, error) {
	now := time.Now()
	expiresAt := now.Add(m.config.AccessExpiry)

	claims := m.newClaims(user, "", "public", TokenTypeAccess, now, expiresAt)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(m.config.PlatformSecret))
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken: signed,
		ExpiresAt:   expiresAt,
		TokenType:   "Bearer",
	}, nil
}

// GenerateTenantPair issues an access and refresh token pair signed with the
// tenant's own secret.
func (m *Manager) GenerateTenantPair(user *UserInfo, tenantID, schemaName string, tenantSecret []byte) (*TokenPair, error) {
	now := time.Now()
	accessExpiry := now.Add(m.config.AccessExpiry)
	refreshExpiry := now.Add(m.config.RefreshExpiry)

	accessClaims := m.newClaims(user, tenantID, schemaName, TokenTypeAccess, now, accessExpiry)
	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims).SignedString(tenantSecret)
	if err != nil {
		return nil, err
	}

	refreshClaims := m.newClaims(user, tenantID, schemaName, TokenTypeRefresh, now, refreshExpiry)
	refreshToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, refreshClaims).SignedString(tenantSecret)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    accessExpiry,
		TokenType:    "Bearer",
	}, nil
}

func (m *Manager) newClaims(user *UserInfo, tenantID, schemaName, tokenType string, now, expiresAt time.Time) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.config.Issuer,
			Subject:   user.ID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
		Email:      user.Email,
		Role:       user.Role,
		TenantID:   tenantID,
		SchemaName: schemaName,
		TokenType:  tokenType,
	}
}

// ValidateLobbyToken verifies a token against the platform secret
func (m *Manager) ValidateLobbyToken(tokenString string) (*Claims, error) {
	claims, err := m.validate(tokenString, []byte(m.config.PlatformSecret))
	if err != nil {
		return nil, err
	}
	if !claims.IsLobby() || claims.TokenType != TokenTypeAccess {
		return nil, errors.TokenInvalid()
	}
	return claims, nil
}

// ValidateTenantToken verifies a token against the tenant's secret and checks
// its type. Tokens from another tenant fail signature verification here, the
// key never matches.
func (m *Manager) ValidateTenantToken(tokenString string, tenantSecret []byte, tokenType string) (*Claims, error) {
	claims, err := m.validate(tokenString, tenantSecret)
	if err != nil {
		return nil, err
	}
	if claims.IsLobby() || claims.TokenType != tokenType {
		return nil, errors.TokenInvalid()
	}
	return claims, nil
}

// PeekClaims decodes the claims WITHOUT verifying the signature. The identity
// resolver uses this only to learn which tenant's key to verify with; nothing
// from an unverified peek may be trusted past key selection.
func (m *Manager) PeekClaims(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, _, err := jwt.NewParser().ParseUnverified(tokenString, claims)
	if err != nil {
		return nil, errors.TokenInvalid()
	}
	return claims, nil
}

func (m *Manager) validate(tokenString string, key []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.TokenInvalid()
		}
		return key, nil
	})

	if err != nil {
		if stderrors.Is(err, jwt.ErrTokenExpired) {
			return nil, errors.TokenExpired()
		}
		return nil, errors.TokenInvalid()
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.TokenInvalid()
	}

	return claims, nil
}

// GetTokenExpiry returns the access token expiry duration
func (m *Manager) GetTokenExpiry() time.Duration {
	return m.config.AccessExpiry
}

// GetRefreshExpiry returns the refresh token expiry duration
func (m *Manager) GetRefreshExpiry() time.Duration {
	return m.config.RefreshExpiry
}
