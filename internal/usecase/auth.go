package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/arklim/anticheat-authz/internal/core/domain"
	"github.com/arklim/anticheat-authz/internal/core/port"
	"github.com/arklim/anticheat-authz/internal/repository"
)

// TokenIssuer signs session tokens.
type TokenIssuer interface {
	Issue(identity domain.Identity) (*domain.IssuedToken, error)
}

// Session is an authenticated identity together with its resolved permissions.
type Session struct {
	Identity    domain.Identity
	Permissions []string
	Token       *domain.IssuedToken
}

// AuthService coordinates the login flow.
type AuthService struct {
	credentials port.CredentialStore
	hasher      port.PasswordHasher
	tokens      TokenIssuer
	permissions *PermissionResolver
	logger      *zap.Logger
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(
	credentials port.CredentialStore,
	hasher port.PasswordHasher,
	tokens TokenIssuer,
	permissions *PermissionResolver,
	logger *zap.Logger,
) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthService{
		credentials: credentials,
		hasher:      hasher,
		tokens:      tokens,
		permissions: permissions,
		logger:      logger,
	}
}

// Login verifies credentials and issues a session token. Unknown users,
// inactive accounts and wrong passwords are indistinguishable to the caller.
func (s *AuthService) Login(ctx context.Context, username, password string) (*Session, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, fmt.Errorf("%w: username and password are required", ErrInvalidInput)
	}

	creds, err := s.credentials.GetCredentialsByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("lookup credentials: %w", err)
	}

	ok, err := s.hasher.Verify(password, creds.PasswordHash)
	if err != nil {
		s.logger.Warn("stored password hash could not be verified",
			zap.Int64("user_id", creds.ID),
			zap.Error(err),
		)
		return nil, ErrInvalidCredentials
	}
	if !ok || !creds.IsActive {
		return nil, ErrInvalidCredentials
	}

	identity := domain.Identity{
		UserID:   creds.ID,
		Username: creds.Username,
		RoleID:   creds.RoleID,
		RoleName: creds.RoleName,
	}

	set, err := s.permissions.Resolve(ctx, identity.UserID)
	if err != nil {
		return nil, err
	}

	token, err := s.tokens.Issue(identity)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}

	if err := s.credentials.TouchLastLogin(ctx, identity.UserID); err != nil {
		s.logger.Warn("failed to record last login",
			zap.Int64("user_id", identity.UserID),
			zap.Error(err),
		)
	}

	s.logger.Info("admin logged in",
		zap.Int64("user_id", identity.UserID),
		zap.String("role", identity.RoleName),
	)

	return &Session{Identity: identity, Permissions: set.Names(), Token: token}, nil
}

// Me returns the caller's identity with freshly resolved permissions.
func (s *AuthService) Me(ctx context.Context, identity domain.Identity) (*Session, error) {
	set, err := s.permissions.Resolve(ctx, identity.UserID)
	if err != nil {
		return nil, err
	}
	return &Session{Identity: identity, Permissions: set.Names()}, nil
}
