package database

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"github.com/jason-s-yu/tictactoe/internal/auth"
	"github.com/jason-s-yu/tictactoe/internal/models"
	"github.com/jason-s-yu/tictactoe/internal/store"
)

// ErrInvalidCredentials is returned by AuthenticateUser for an unknown email or a wrong password.
var ErrInvalidCredentials = errors.New("invalid credentials")

const minPasswordLength = 8

// CreateUser validates and hashes the user's password, then inserts the row.
// On success user.Password holds the hash.
func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	user.Username = strings.TrimSpace(user.Username)
	if _, err := mail.ParseAddress(user.Email); err != nil {
		return fmt.Errorf("%w: invalid email", models.ErrValidation)
	}
	if user.Username == "" {
		return fmt.Errorf("%w: username is required", models.ErrValidation)
	}
	if len(user.Password) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", models.ErrValidation, minPasswordLength)
	}

	if user.ID == uuid.Nil {
		id, err := uuid.NewRandom()
		if err != nil {
			return fmt.Errorf("failed to generate user id: %w", err)
		}
		user.ID = id
	}

	hash, err := auth.CreateHash(user.Password, auth.Params)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	user.Password = hash

	err = s.pool.QueryRow(ctx, `
		INSERT INTO users (id, email, password, username)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		user.ID, user.Email, user.Password, user.Username,
	).Scan(&user.CreatedAt)
	if err = mapError(err); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("%w: email already registered", models.ErrValidation)
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// GetUserByEmail returns models.ErrNotFound when no user has the address.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, password, username, created_at
		FROM users
		WHERE email = $1`,
		strings.ToLower(strings.TrimSpace(email)),
	).Scan(&u.ID, &u.Email, &u.Password, &u.Username, &u.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &u, nil
}

// AuthenticateUser checks the credentials and returns the matching user.
func (s *Store) AuthenticateUser(ctx context.Context, email, password string) (*models.User, error) {
	user, err := s.GetUserByEmail(ctx, email)
	if errors.Is(err, models.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	match, err := auth.ComparePasswordAndHash(password, user.Password)
	if err != nil || !match {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}
