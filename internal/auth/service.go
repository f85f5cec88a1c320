// Package auth authenticates operators (argon2id passwords, JWT access
// tokens) and scripts (hashed machine tokens) against the server
// configuration.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenLabRig/internal/config"
	"go.uber.org/zap"
)

type Permission string

const (
	PermRead    Permission = "read"
	PermOperate Permission = "operate"
	PermAdmin   Permission = "admin"
)

const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

type IdentityKind string

const (
	KindUser      IdentityKind = "user"
	KindMachine   IdentityKind = "machine"
	KindAnonymous IdentityKind = "anonymous"
)

// Identity is the authenticated caller of a request.
type Identity struct {
	Subject     string       `json:"subject"`
	Kind        IdentityKind `json:"kind"`
	Role        string       `json:"role,omitempty"`
	Permissions []Permission `json:"permissions"`
}

func (i *Identity) Has(p Permission) bool {
	for _, have := range i.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

type machineToken struct {
	name        string
	permissions []Permission
}

type loginState struct {
	failures    int
	lockedUntil time.Time
}

type Service struct {
	enabled        bool
	maxFailures    int
	lockDuration   time.Duration
	users          map[string]config.UserConfig
	tokens         map[string]machineToken
	jwtHandler     *JWTHandler
	passwordHasher *PasswordHasher
	logger         *zap.Logger

	mu     sync.Mutex
	logins map[string]*loginState
}

func NewService(cfg config.AuthConfig, logger *zap.Logger) *Service {
	s := &Service{
		enabled:        cfg.Enabled,
		maxFailures:    cfg.MaxFailedLoginAttempts,
		lockDuration:   cfg.AccountLockDuration,
		users:          make(map[string]config.UserConfig, len(cfg.Users)),
		tokens:         make(map[string]machineToken, len(cfg.MachineTokens)),
		jwtHandler:     NewJWTHandler(cfg.GetJWTSecret(), cfg.AccessTokenTTL),
		passwordHasher: NewPasswordHasher(),
		logger:         logger,
		logins:         make(map[string]*loginState),
	}

	for _, u := range cfg.Users {
		if u.Role == "" {
			u.Role = RoleViewer
		}
		s.users[u.Username] = u
	}

	for _, t := range cfg.MachineTokens {
		perms := make([]Permission, len(t.Permissions))
		for i, p := range t.Permissions {
			perms[i] = Permission(p)
		}
		s.tokens[t.TokenHash] = machineToken{name: t.Name, permissions: perms}
	}

	if cfg.Enabled && !cfg.IsProductionReady() {
		logger.Warn("Authentication uses the development JWT secret",
			zap.String("env", cfg.JWTSecretEnv))
	}

	return s
}

func (s *Service) Enabled() bool {
	return s.enabled
}

// Login verifies a password and returns a signed access token with its
// expiry. Repeated failures lock the account for the configured duration.
func (s *Service) Login(username, password string) (string, time.Time, error) {
	if err := s.checkLocked(username); err != nil {
		return "", time.Time{}, err
	}

	user, ok := s.users[username]
	if !ok {
		s.logger.Info("Login failed", zap.String("username", username), zap.String("reason", "unknown user"))
		return "", time.Time{}, ErrInvalidCredentials
	}

	valid, err := s.passwordHasher.VerifyPassword(password, user.PasswordHash)
	if err != nil {
		s.logger.Error("Stored password hash is unusable", zap.String("username", username), zap.Error(err))
		return "", time.Time{}, ErrInvalidCredentials
	}
	if !valid {
		s.recordFailure(username)
		s.logger.Info("Login failed", zap.String("username", username), zap.String("reason", "invalid password"))
		return "", time.Time{}, ErrInvalidCredentials
	}

	s.resetFailures(username)

	token, expires, err := s.jwtHandler.GenerateAccessToken(user.Username, user.Role)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate access token: %w", err)
	}

	s.logger.Info("User logged in", zap.String("username", username), zap.String("role", user.Role))
	return token, expires, nil
}

func (s *Service) checkLocked(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.logins[username]
	if ok && time.Now().Before(st.lockedUntil) {
		return fmt.Errorf("%w until %s", ErrAccountLocked, st.lockedUntil.Format(time.RFC3339))
	}
	return nil
}

func (s *Service) recordFailure(username string) {
	if s.maxFailures <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.logins[username]
	if !ok {
		st = &loginState{}
		s.logins[username] = st
	}
	st.failures++
	if st.failures >= s.maxFailures {
		st.failures = 0
		st.lockedUntil = time.Now().Add(s.lockDuration)
		s.logger.Warn("Account locked", zap.String("username", username), zap.Time("until", st.lockedUntil))
	}
}

func (s *Service) resetFailures(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logins, username)
}

// ValidateToken accepts a JWT access token or a machine token. With
// authentication disabled every caller is an anonymous admin.
func (s *Service) ValidateToken(token string) (*Identity, error) {
	if !s.enabled {
		return Anonymous(), nil
	}

	if claims, err := s.jwtHandler.ValidateAccessToken(token); err == nil {
		return &Identity{
			Subject:     claims.Username,
			Kind:        KindUser,
			Role:        claims.Role,
			Permissions: RolePermissions(claims.Role),
		}, nil
	}

	return s.validateMachineToken(token)
}

func (s *Service) validateMachineToken(token string) (*Identity, error) {
	if !ValidTokenFormat(token) {
		return nil, ErrInvalidToken
	}

	hash := HashToken(token)
	for stored, mt := range s.tokens {
		if subtle.ConstantTimeCompare([]byte(stored), []byte(hash)) == 1 {
			return &Identity{
				Subject:     mt.name,
				Kind:        KindMachine,
				Permissions: append([]Permission(nil), mt.permissions...),
			}, nil
		}
	}

	s.logger.Info("Machine token rejected")
	return nil, ErrInvalidToken
}

func Anonymous() *Identity {
	return &Identity{
		Subject:     "anonymous",
		Kind:        KindAnonymous,
		Permissions: []Permission{PermRead, PermOperate, PermAdmin},
	}
}

func RolePermissions(role string) []Permission {
	switch role {
	case RoleAdmin:
		return []Permission{PermRead, PermOperate, PermAdmin}
	case RoleOperator:
		return []Permission{PermRead, PermOperate}
	default:
		return []Permission{PermRead}
	}
}
