package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edumesh/edumesh-server/platform/go/apperr"
	platformauth "github.com/edumesh/edumesh-server/platform/go/auth"
	"github.com/edumesh/edumesh-server/platform/go/metrics"
	"github.com/edumesh/edumesh-server/platform/go/tenant"
)

// User is the tenant-schema identity record the auth flows operate on.
type User struct {
	ID                 uuid.UUID
	Email              string
	PasswordHash       string
	FirstName          string
	LastName           *string
	Status             string
	MustChangePassword bool
	Roles              []string
}

// Session is one refresh lineage. The refresh token itself is never
// stored; only its SHA-256 is.
type Session struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	RefreshHash string
	UserAgent   string
	IPAddress   string
	ExpiresAt   time.Time
	RevokedAt   *time.Time
}

// UserRepository reads and updates users inside the bound tenant schema.
type UserRepository interface {
	GetByEmail(ctx context.Context, email string) (User, error)
	GetByID(ctx context.Context, id uuid.UUID) (User, error)
	RecordLogin(ctx context.Context, id uuid.UUID, at time.Time) error
	UpdatePassword(ctx context.Context, id uuid.UUID, hash string, mustChange bool) error
}

// SessionRepository manages refresh sessions inside the tenant schema.
type SessionRepository interface {
	Create(ctx context.Context, s Session) error
	GetByID(ctx context.Context, id uuid.UUID) (Session, error)
	Rotate(ctx context.Context, id uuid.UUID, refreshHash string, expiresAt time.Time) error
	Revoke(ctx context.Context, id uuid.UUID) error
	RevokeAllExcept(ctx context.Context, userID, keep uuid.UUID) error
}

// LoginInput is the credentials payload.
type LoginInput struct {
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required"`
	UserAgent string `json:"-"`
	IPAddress string `json:"-"`
}

// LoginResult is what a successful login returns.
type LoginResult struct {
	Tokens             *platformauth.TokenPair `json:"tokens"`
	UserID             string                  `json:"userId"`
	Email              string                  `json:"email"`
	Roles              []string                `json:"roles"`
	MustChangePassword bool                    `json:"mustChangePassword"`
}

// Service implements login, refresh, logout and password change for tenant
// users. Every failure path is uniform: callers cannot distinguish a wrong
// password from an unknown email.
type Service struct {
	users    UserRepository
	sessions SessionRepository
	tokens   *platformauth.Manager
	metrics  *metrics.Registry
	logger   *zap.Logger
}

func NewService(users UserRepository, sessions SessionRepository, tokens *platformauth.Manager, reg *metrics.Registry, logger *zap.Logger) *Service {
	return &Service{users: users, sessions: sessions, tokens: tokens, metrics: reg, logger: logger}
}

var errBadCredentials = apperr.AuthN(apperr.CodeInvalidCredentials, "invalid email or password")

// Login verifies credentials against the bound tenant schema and opens a
// session. The tenant identity must already be on the context.
func (s *Service) Login(ctx context.Context, in LoginInput) (LoginResult, error) {
	identity, ok := tenant.FromContext(ctx)
	if !ok {
		return LoginResult{}, apperr.TenantBoundary(apperr.CodeTenantBindingMissing, "no tenant bound to request")
	}

	user, err := s.users.GetByEmail(ctx, in.Email)
	if err != nil {
		s.failLogin(in.Email, "unknown email")
		return LoginResult{}, errBadCredentials
	}
	if user.Status != "active" {
		s.failLogin(in.Email, "inactive user")
		return LoginResult{}, errBadCredentials
	}
	if !platformauth.VerifyPassword(user.PasswordHash, in.Password) {
		s.failLogin(in.Email, "bad password")
		return LoginResult{}, errBadCredentials
	}

	sessionID := uuid.New()
	pair, err := s.tokens.GenerateTokenPair(platformauth.TokenUser{
		ID:                 user.ID.String(),
		Email:              user.Email,
		Roles:              user.Roles,
		TenantID:           identity.ID.String(),
		TenantSchema:       identity.SchemaName,
		MustChangePassword: user.MustChangePassword,
	}, sessionID.String())
	if err != nil {
		return LoginResult{}, apperr.Internal(err)
	}

	session := Session{
		ID:          sessionID,
		UserID:      user.ID,
		RefreshHash: hashToken(pair.RefreshToken),
		UserAgent:   in.UserAgent,
		IPAddress:   in.IPAddress,
		ExpiresAt:   time.Now().Add(s.tokens.RefreshExpiry()),
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return LoginResult{}, err
	}
	if err := s.users.RecordLogin(ctx, user.ID, time.Now()); err != nil {
		s.logger.Warn("failed to record last login", zap.Error(err))
	}

	return LoginResult{
		Tokens:             pair,
		UserID:             user.ID.String(),
		Email:              user.Email,
		Roles:              user.Roles,
		MustChangePassword: user.MustChangePassword,
	}, nil
}

// Refresh rotates a session: the presented refresh token is validated
// against the stored hash and replaced, so a replayed old token dies.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*platformauth.TokenPair, error) {
	claims, err := s.tokens.ValidateRefreshToken(refreshToken)
	if err != nil {
		return nil, err
	}
	sessionID, err := uuid.Parse(claims.SessionID)
	if err != nil {
		return nil, apperr.AuthN("INVALID_TOKEN", "invalid credential")
	}

	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, apperr.AuthN("INVALID_TOKEN", "invalid credential")
	}
	if session.RevokedAt != nil || time.Now().After(session.ExpiresAt) {
		return nil, apperr.AuthN(apperr.CodeTokenExpired, "session expired")
	}
	if session.RefreshHash != hashToken(refreshToken) {
		// Reuse of a rotated token; kill the lineage.
		if err := s.sessions.Revoke(ctx, sessionID); err != nil {
			s.logger.Warn("failed to revoke session on refresh reuse", zap.Error(err))
		}
		return nil, apperr.AuthN("INVALID_TOKEN", "invalid credential")
	}

	user, err := s.users.GetByID(ctx, session.UserID)
	if err != nil || user.Status != "active" {
		return nil, apperr.AuthN("INVALID_TOKEN", "invalid credential")
	}

	identity, ok := tenant.FromContext(ctx)
	if !ok {
		return nil, apperr.TenantBoundary(apperr.CodeTenantBindingMissing, "no tenant bound to request")
	}

	pair, err := s.tokens.GenerateTokenPair(platformauth.TokenUser{
		ID:                 user.ID.String(),
		Email:              user.Email,
		Roles:              user.Roles,
		TenantID:           identity.ID.String(),
		TenantSchema:       identity.SchemaName,
		MustChangePassword: user.MustChangePassword,
	}, sessionID.String())
	if err != nil {
		return nil, apperr.Internal(err)
	}

	expiresAt := time.Now().Add(s.tokens.RefreshExpiry())
	if err := s.sessions.Rotate(ctx, sessionID, hashToken(pair.RefreshToken), expiresAt); err != nil {
		return nil, err
	}
	return pair, nil
}

// Logout revokes the current session.
func (s *Service) Logout(ctx context.Context, sessionID uuid.UUID) error {
	return s.sessions.Revoke(ctx, sessionID)
}

// ChangePasswordInput carries the old and new secrets.
type ChangePasswordInput struct {
	CurrentPassword string `json:"currentPassword" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required,min=8"`
}

// ChangePassword verifies the current secret, replaces it, clears the
// must-change flag and revokes every other session for the user.
func (s *Service) ChangePassword(ctx context.Context, userID, sessionID uuid.UUID, in ChangePasswordInput) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if !platformauth.VerifyPassword(user.PasswordHash, in.CurrentPassword) {
		s.failLogin(user.Email, "bad current password")
		return apperr.AuthN(apperr.CodeInvalidCredentials, "current password is incorrect")
	}

	hash, err := platformauth.HashPassword(in.NewPassword)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePassword(ctx, userID, hash, false); err != nil {
		return err
	}
	if err := s.sessions.RevokeAllExcept(ctx, userID, sessionID); err != nil {
		s.logger.Warn("failed to revoke other sessions after password change", zap.Error(err))
	}
	return nil
}

func (s *Service) failLogin(email, reason string) {
	s.metrics.Inc(metrics.CtrLoginFailures)
	s.logger.Warn("login failed",
		zap.String("email", email),
		zap.String("reason", reason),
	)
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
