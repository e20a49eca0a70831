package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KevinKickass/MiniDiffCore/internal/config"
	"github.com/KevinKickass/MiniDiffCore/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked")
	ErrNoCredentialStore  = errors.New("no credential store configured")
	ErrInvalidRole        = errors.New("unknown role")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
)

const minPasswordLength = 8

// CredentialStore persists operator accounts and machine tokens.
type CredentialStore interface {
	GetUserByUsername(ctx context.Context, username string) (*storage.User, error)
	CreateUser(ctx context.Context, username, passwordHash, role string) (*storage.User, error)
	ListUsers(ctx context.Context) ([]*storage.User, error)
	DeleteUser(ctx context.Context, id uuid.UUID) error
	RecordLoginSuccess(ctx context.Context, id uuid.UUID) error
	RecordLoginFailure(ctx context.Context, id uuid.UUID) error

	CreateMachineToken(ctx context.Context, tokenHash, name, role, createdBy string) (*storage.MachineToken, error)
	GetMachineTokenByHash(ctx context.Context, tokenHash string) (*storage.MachineToken, error)
	UpdateMachineTokenLastUsed(ctx context.Context, id uuid.UUID) error
	ListMachineTokens(ctx context.Context) ([]*storage.MachineToken, error)
	DeleteMachineToken(ctx context.Context, id uuid.UUID) error
}

type Permission string

// Operators observe, technicians move axes and change phase, admins also
// change limits.
const (
	PermOperator   Permission = "operator"
	PermTechnician Permission = "technician"
	PermAdmin      Permission = "admin"
)

var rolePermissions = map[string][]Permission{
	"operator":   {PermOperator},
	"technician": {PermOperator, PermTechnician},
	"admin":      {PermOperator, PermTechnician, PermAdmin},
}

// Roles lists the roles a token can carry.
func Roles() []string {
	return []string{"operator", "technician", "admin"}
}

type AuthService struct {
	enabled    bool
	jwtHandler *JWTHandler
	hasher     *PasswordHasher
	store      CredentialStore
	logger     *zap.Logger
}

// NewAuthService validates JWTs signed with the configured secret. A nil
// store disables login and machine tokens.
func NewAuthService(cfg config.AuthConfig, store CredentialStore, logger *zap.Logger) *AuthService {
	if cfg.Enabled && !cfg.IsProductionReady() {
		logger.Warn("JWT secret is the development default or too short",
			zap.String("env", cfg.JWTSecretEnv))
	}

	return &AuthService{
		enabled:    cfg.Enabled,
		jwtHandler: NewJWTHandler(cfg.GetJWTSecret(), cfg.AccessTokenTTL, cfg.Issuer),
		hasher:     NewPasswordHasher(),
		store:      store,
		logger:     logger.Named("auth"),
	}
}

func (a *AuthService) Enabled() bool {
	return a.enabled
}

func (a *AuthService) JWT() *JWTHandler {
	return a.jwtHandler
}

// ValidateToken returns the claims and permissions carried by token, which
// is either a signed access token or a machine token. With authentication
// disabled every caller is an admin.
func (a *AuthService) ValidateToken(ctx context.Context, token string) (*JWTClaims, []Permission, error) {
	if !a.enabled {
		return nil, roleToPermissions("admin"), nil
	}

	if a.store != nil && IsMachineToken(token) {
		return a.validateMachineToken(ctx, token)
	}

	claims, err := a.jwtHandler.ValidateAccessToken(token)
	if err != nil {
		return nil, nil, err
	}

	perms := roleToPermissions(claims.Role)
	if len(perms) == 0 {
		return nil, nil, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}
	return claims, perms, nil
}

func (a *AuthService) validateMachineToken(ctx context.Context, token string) (*JWTClaims, []Permission, error) {
	mt, err := a.store.GetMachineTokenByHash(ctx, HashMachineToken(token))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, ErrInvalidToken
		}
		return nil, nil, err
	}

	perms := roleToPermissions(mt.Role)
	if len(perms) == 0 {
		return nil, nil, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, mt.Role)
	}

	if err := a.store.UpdateMachineTokenLastUsed(ctx, mt.ID); err != nil {
		a.logger.Warn("Failed to stamp machine token", zap.String("token", mt.Name), zap.Error(err))
	}

	return &JWTClaims{Username: "machine:" + mt.Name, Role: mt.Role}, perms, nil
}

// Login checks an operator's password and issues an access token carrying
// the operator's role.
func (a *AuthService) Login(ctx context.Context, username, password string) (string, time.Time, error) {
	if a.store == nil {
		return "", time.Time{}, ErrNoCredentialStore
	}

	user, err := a.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", time.Time{}, ErrInvalidCredentials
		}
		return "", time.Time{}, err
	}

	if user.LockedUntil != nil && time.Now().Before(*user.LockedUntil) {
		return "", time.Time{}, ErrAccountLocked
	}

	ok, err := a.hasher.VerifyPassword(password, user.PasswordHash)
	if err != nil {
		a.logger.Error("Stored password hash unreadable", zap.String("username", username), zap.Error(err))
		return "", time.Time{}, ErrInvalidCredentials
	}
	if !ok {
		if err := a.store.RecordLoginFailure(ctx, user.ID); err != nil {
			a.logger.Warn("Failed to record login failure", zap.Error(err))
		}
		a.logger.Info("Login rejected", zap.String("username", username))
		return "", time.Time{}, ErrInvalidCredentials
	}

	if err := a.store.RecordLoginSuccess(ctx, user.ID); err != nil {
		a.logger.Warn("Failed to record login", zap.Error(err))
	}

	expiresAt := time.Now().Add(a.jwtHandler.accessTokenTTL)
	token, err := a.jwtHandler.GenerateAccessToken(user.Username, user.Role, 0)
	if err != nil {
		return "", time.Time{}, err
	}

	a.logger.Info("User logged in", zap.String("username", username), zap.String("role", user.Role))
	return token, expiresAt, nil
}

func (a *AuthService) CreateUser(ctx context.Context, username, password, role string) (*storage.User, error) {
	if a.store == nil {
		return nil, ErrNoCredentialStore
	}
	if _, ok := rolePermissions[role]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if len(password) < minPasswordLength {
		return nil, ErrWeakPassword
	}

	hash, err := a.hasher.HashPassword(password)
	if err != nil {
		return nil, err
	}
	return a.store.CreateUser(ctx, username, hash, role)
}

func (a *AuthService) ListUsers(ctx context.Context) ([]*storage.User, error) {
	if a.store == nil {
		return nil, ErrNoCredentialStore
	}
	return a.store.ListUsers(ctx)
}

func (a *AuthService) DeleteUser(ctx context.Context, id uuid.UUID) error {
	if a.store == nil {
		return ErrNoCredentialStore
	}
	return a.store.DeleteUser(ctx, id)
}

// CreateMachineToken issues a token for automation. The plain token is only
// available here; the store keeps its hash.
func (a *AuthService) CreateMachineToken(ctx context.Context, name, role, createdBy string) (string, *storage.MachineToken, error) {
	if a.store == nil {
		return "", nil, ErrNoCredentialStore
	}
	if _, ok := rolePermissions[role]; !ok {
		return "", nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	token, hash, err := GenerateMachineToken()
	if err != nil {
		return "", nil, err
	}

	mt, err := a.store.CreateMachineToken(ctx, hash, name, role, createdBy)
	if err != nil {
		return "", nil, err
	}

	a.logger.Info("Machine token created", zap.String("name", name), zap.String("role", role))
	return token, mt, nil
}

func (a *AuthService) ListMachineTokens(ctx context.Context) ([]*storage.MachineToken, error) {
	if a.store == nil {
		return nil, ErrNoCredentialStore
	}
	return a.store.ListMachineTokens(ctx)
}

func (a *AuthService) DeleteMachineToken(ctx context.Context, id uuid.UUID) error {
	if a.store == nil {
		return ErrNoCredentialStore
	}
	return a.store.DeleteMachineToken(ctx, id)
}

func roleToPermissions(role string) []Permission {
	perms := rolePermissions[role]
	return append([]Permission(nil), perms...)
}

func HasPermission(perms []Permission, required Permission) bool {
	for _, p := range perms {
		if p == required {
			return true
		}
	}
	return false
}
