// Package authpw provides password credentials for accounts: registration
// with a generated temporary password and password sign-in.
package authpw

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"witverse/api/internal/store"
	"witverse/api/internal/util"
)

var (
	ErrUsernameTaken      = errors.New("username already exists")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrMissingFields      = errors.New("username, firstname, lastname and email are required")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
)

// UserStore is the slice of storage the credential service needs.
type UserStore interface {
	GetUserByUsername(ctx context.Context, username string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
	UpdateUserPassword(ctx context.Context, userID, passwordHash string) error
}

type Service struct {
	store UserStore
}

func NewService(userStore UserStore) *Service {
	return &Service{store: userStore}
}

type RegisterRequest struct {
	Username  string
	FirstName string
	LastName  string
	Email     string
}

// RegisterResult carries the created account plus the one-time temporary
// password the caller is expected to deliver to the user out of band.
type RegisterResult struct {
	User         store.User
	TempPassword string
}

// Register creates an account with a generated temporary password. The
// password is returned exactly once and only its bcrypt hash is stored.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" || strings.TrimSpace(req.FirstName) == "" ||
		strings.TrimSpace(req.LastName) == "" || strings.TrimSpace(req.Email) == "" {
		return nil, ErrMissingFields
	}

	if _, err := s.store.GetUserByUsername(ctx, username); err == nil {
		return nil, ErrUsernameTaken
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lookup username: %w", err)
	}

	tempPassword := generateTempPassword()
	hash, err := bcrypt.GenerateFromPassword([]byte(tempPassword), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := store.User{
		ID:           util.NewID("usr"),
		Username:     username,
		FirstName:    strings.TrimSpace(req.FirstName),
		LastName:     strings.TrimSpace(req.LastName),
		Email:        strings.TrimSpace(req.Email),
		PasswordHash: string(hash),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if store.IsDuplicate(err) {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	return &RegisterResult{User: user, TempPassword: tempPassword}, nil
}

// SignIn verifies a username/password pair and returns the account.
func (s *Service) SignIn(ctx context.Context, username, password string) (store.User, error) {
	user, err := s.store.GetUserByUsername(ctx, strings.TrimSpace(username))
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// ChangePassword replaces the stored hash after verifying the current one.
func (s *Service) ChangePassword(ctx context.Context, username, current, next string) error {
	user, err := s.SignIn(ctx, username, current)
	if err != nil {
		return err
	}
	if len(next) < 8 {
		return ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(next), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.store.UpdateUserPassword(ctx, user.ID, string(hash)); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func generateTempPassword() string {
	// First uuid group: 8 hex chars, plenty for a credential that must be
	// changed on first sign-in.
	return strings.SplitN(uuid.NewString(), "-", 2)[0]
}
