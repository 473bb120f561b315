package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ehr/radpipe/internal/platform/auth"
)

const minPasswordLen = 8

type Service struct {
	users  UserRepository
	logger zerolog.Logger

	dummyOnce sync.Once
	dummyHash string
}

func NewService(users UserRepository, logger zerolog.Logger) *Service {
	return &Service{users: users, logger: logger}
}

// Authenticate verifies username and password. Any failure, including an
// unknown user, returns auth.ErrUnauthenticated. A legacy hash that verifies
// is replaced with a fresh one.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, auth.ErrUnauthenticated
	}

	u, err := s.users.GetByUsername(ctx, username)
	if errors.Is(err, ErrUserNotFound) {
		// Spend the same work as a real check so unknown names are not
		// distinguishable by latency.
		auth.VerifyPassword(password, s.dummy())
		return nil, auth.ErrUnauthenticated
	}
	if err != nil {
		return nil, err
	}

	ok, needsRehash := auth.VerifyPassword(password, u.PasswordHash)
	if !ok {
		return nil, auth.ErrUnauthenticated
	}

	if needsRehash {
		s.rehash(ctx, u, password)
	}
	return u, nil
}

func (s *Service) rehash(ctx context.Context, u *User, password string) {
	hash, err := auth.HashPassword(password)
	if err != nil {
		s.logger.Warn().Err(err).Msg("password rehash failed")
		return
	}
	if err := s.users.UpdatePasswordHash(ctx, u.Username, hash); err != nil {
		s.logger.Warn().Err(err).Str("user_id", u.ID.String()).Msg("password rehash not stored")
		return
	}
	u.PasswordHash = hash
	s.logger.Info().Str("user_id", u.ID.String()).Msg("password hash upgraded")
}

func (s *Service) dummy() string {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = auth.HashPassword("radpipe-timing-equalizer")
	})
	return s.dummyHash
}

// CreateUser validates and stores a new account. The caller in ctx must be
// allowed to manage users.
func (s *Service) CreateUser(ctx context.Context, username, password string, role auth.Role) (*User, error) {
	if err := auth.Check(ctx, auth.ActionManageUsers); err != nil {
		return nil, err
	}
	return s.createUser(ctx, username, password, role)
}

func (s *Service) createUser(ctx context.Context, username, password string, role auth.Role) (*User, error) {
	username = strings.TrimSpace(username)
	if username == "" || len(username) > maxUsernameLen {
		return nil, fmt.Errorf("%w: username must be 1-%d characters", ErrInvalidUser, maxUsernameLen)
	}
	if len(password) < minPasswordLen {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidUser, minPasswordLen)
	}
	role, err := auth.ParseRole(string(role))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUser, err)
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	u := &User{Username: username, PasswordHash: hash, Role: role}
	if err := s.users.Create(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// EnsureSeedUser creates the account if the username is free. It reports
// whether a user was created and is safe to call on every start.
func (s *Service) EnsureSeedUser(ctx context.Context, username, password string, role auth.Role) (bool, error) {
	_, err := s.users.GetByUsername(ctx, strings.TrimSpace(username))
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return false, err
	}

	_, err = s.createUser(ctx, username, password, role)
	if errors.Is(err, ErrUsernameTaken) {
		// Lost a race with a concurrent seeder.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.logger.Info().Str("role", string(role)).Msg("seed user created")
	return true, nil
}
