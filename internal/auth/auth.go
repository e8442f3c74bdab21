// Package auth handles account registration, login, and token resolution.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"strconv"

	"github.com/loomworks/loom/internal/audit"
	"github.com/loomworks/loom/internal/persistence"
)

var (
	// ErrLoginTaken means the login is already registered.
	ErrLoginTaken = errors.New("login already taken")

	// ErrBadCredentials covers both an unknown login and a wrong password;
	// the two cases are not distinguished to the caller.
	ErrBadCredentials = errors.New("invalid login or password")

	// ErrInvalidToken means the token resolved to no user.
	ErrInvalidToken = errors.New("invalid token")
)

// Service issues and resolves auth tokens backed by the store.
type Service struct {
	store *persistence.Store
	log   *slog.Logger
}

func NewService(store *persistence.Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, log: log}
}

func hashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// Register creates an account and returns a fresh token for it.
func (s *Service) Register(ctx context.Context, login, password string) (*persistence.User, string, error) {
	if login == "" || password == "" {
		return nil, "", ErrBadCredentials
	}
	u, err := s.store.CreateUser(ctx, login, hashPassword(password))
	if err != nil {
		return nil, "", err
	}
	if u == nil {
		audit.Record("auth.register", audit.OutcomeDenied, "", "login:"+login, "login taken")
		return nil, "", ErrLoginTaken
	}
	token, err := s.store.CreateToken(ctx, u.ID)
	if err != nil {
		return nil, "", err
	}
	s.log.Info("user registered", "user_id", u.ID, "login", login)
	audit.Record("auth.register", audit.OutcomeOK, userRef(u.ID), "", "")
	return u, token, nil
}

// Login verifies credentials and issues a new token.
func (s *Service) Login(ctx context.Context, login, password string) (*persistence.User, string, error) {
	u, err := s.store.GetUserByLogin(ctx, login)
	if err != nil {
		return nil, "", err
	}
	if u == nil {
		audit.Record("auth.login", audit.OutcomeDenied, "", "login:"+login, "unknown login")
		return nil, "", ErrBadCredentials
	}
	want := []byte(u.PasswordHash)
	got := []byte(hashPassword(password))
	if subtle.ConstantTimeCompare(want, got) != 1 {
		audit.Record("auth.login", audit.OutcomeDenied, userRef(u.ID), "", "wrong password")
		return nil, "", ErrBadCredentials
	}
	token, err := s.store.CreateToken(ctx, u.ID)
	if err != nil {
		return nil, "", err
	}
	s.log.Info("user logged in", "user_id", u.ID)
	audit.Record("auth.login", audit.OutcomeOK, userRef(u.ID), "", "")
	return u, token, nil
}

// Logout revokes a token. Unknown tokens are ignored.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.store.DeleteToken(ctx, token)
}

// Resolve maps a token to its user.
func (s *Service) Resolve(ctx context.Context, token string) (*persistence.User, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	u, err := s.store.GetUserByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrInvalidToken
	}
	return u, nil
}

func userRef(id int64) string {
	return "user:" + strconv.FormatInt(id, 10)
}
