package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CreateUser inserts a new account row and returns it.
// Returns nil and no error if the login is already taken; callers decide
// whether that is a conflict.
func (s *Store) CreateUser(ctx context.Context, login, passwordHash string) (*User, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (login, password_hash) VALUES (?, ?);
	`, login, passwordHash)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create user: last insert id: %w", err)
	}
	return &User{ID: id, Login: login, PasswordHash: passwordHash}, nil
}

// GetUser returns the user with the given id, or nil if not found.
func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, login, password_hash, created_at FROM users WHERE id = ?;
	`, id).Scan(&u.ID, &u.Login, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// GetUserByLogin returns the user with the given login, or nil if not found.
func (s *Store) GetUserByLogin(ctx context.Context, login string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, login, password_hash, created_at FROM users WHERE login = ?;
	`, login).Scan(&u.ID, &u.Login, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user by login: %w", err)
	}
	return &u, nil
}

// CreateToken issues a fresh auth token for the user.
func (s *Store) CreateToken(ctx context.Context, userID int64) (string, error) {
	token := uuid.NewString()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_tokens (token, user_id) VALUES (?, ?);
	`, token, userID); err != nil {
		return "", fmt.Errorf("create token: %w", err)
	}
	return token, nil
}

// GetUserByToken resolves an auth token to its user, or nil if the token
// is unknown.
func (s *Store) GetUserByToken(ctx context.Context, token string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.login, u.password_hash, u.created_at
		FROM auth_tokens t JOIN users u ON u.id = t.user_id
		WHERE t.token = ?;
	`, token).Scan(&u.ID, &u.Login, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user by token: %w", err)
	}
	return &u, nil
}

// DeleteToken revokes a token. Deleting an unknown token is not an error.
func (s *Store) DeleteToken(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM auth_tokens WHERE token = ?;`, token); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}
