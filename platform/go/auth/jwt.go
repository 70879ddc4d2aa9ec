package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/edumesh/edumesh-server/platform/go/apperr"
)

// TokenConfig holds the signing parameters for issued credentials.
type TokenConfig struct {
	Secret        string
	Issuer        string
	AccessExpiry  time.Duration
	RefreshExpiry time.Duration
}

// Claims is the access-token payload. Tenant context travels inside the
// token so every later request can be checked against the bound schema.
type Claims struct {
	jwt.RegisteredClaims
	UserID             string   `json:"user_id"`
	Email              string   `json:"email"`
	Roles              []string `json:"roles"`
	TenantID           string   `json:"tenantId"`
	TenantSchema       string   `json:"tenant_schema"`
	SessionID          string   `json:"session_id"`
	MustChangePassword bool     `json:"must_change_password,omitempty"`
}

// RefreshClaims is the refresh-token payload.
type RefreshClaims struct {
	jwt.RegisteredClaims
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	TenantID  string `json:"tenantId"`
}

// TokenPair bundles the credentials returned by login and refresh.
type TokenPair struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	TokenType    string    `json:"tokenType"`
}

// Manager signs and validates HS256 token pairs.
type Manager struct {
	config TokenConfig
}

func NewManager(cfg TokenConfig) *Manager {
	if cfg.Secret == "" {
		panic("token manager requires a secret")
	}
	if cfg.AccessExpiry <= 0 {
		cfg.AccessExpiry = 15 * time.Minute
	}
	if cfg.RefreshExpiry <= 0 {
		cfg.RefreshExpiry = 7 * 24 * time.Hour
	}
	return &Manager{config: cfg}
}

// RefreshExpiry exposes the refresh lifetime for session bookkeeping.
func (m *Manager) RefreshExpiry() time.Duration { return m.config.RefreshExpiry }

// TokenUser carries the identity baked into a generated pair.
type TokenUser struct {
	ID                 string
	Email              string
	Roles              []string
	TenantID           string
	TenantSchema       string
	MustChangePassword bool
}

// GenerateTokenPair issues an access+refresh pair bound to a session.
func (m *Manager) GenerateTokenPair(user TokenUser, sessionID string) (*TokenPair, error) {
	now := time.Now()
	accessExpiry := now.Add(m.config.AccessExpiry)
	refreshExpiry := now.Add(m.config.RefreshExpiry)

	accessClaims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.config.Issuer,
			Subject:   user.ID,
			ExpiresAt: jwt.NewNumericDate(accessExpiry),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
		UserID:             user.ID,
		Email:              user.Email,
		Roles:              user.Roles,
		TenantID:           user.TenantID,
		TenantSchema:       user.TenantSchema,
		SessionID:          sessionID,
		MustChangePassword: user.MustChangePassword,
	}

	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims).SignedString([]byte(m.config.Secret))
	if err != nil {
		return nil, err
	}

	refreshClaims := RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.config.Issuer,
			Subject:   user.ID,
			ExpiresAt: jwt.NewNumericDate(refreshExpiry),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
		UserID:    user.ID,
		SessionID: sessionID,
		TenantID:  user.TenantID,
	}

	refreshToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, refreshClaims).SignedString([]byte(m.config.Secret))
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

// ValidateAccessToken parses and verifies an access token.
func (m *Manager) ValidateAccessToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if err := m.parse(tokenString, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// ValidateRefreshToken parses and verifies a refresh token.
func (m *Manager) ValidateRefreshToken(tokenString string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := m.parse(tokenString, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func (m *Manager) parse(tokenString string, claims jwt.Claims) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(m.config.Secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return apperr.AuthN(apperr.CodeTokenExpired, "credential expired")
		}
		return apperr.AuthN("INVALID_TOKEN", "invalid credential")
	}
	if !token.Valid {
		return apperr.AuthN("INVALID_TOKEN", "invalid credential")
	}
	return nil
}
