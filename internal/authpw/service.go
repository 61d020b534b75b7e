// Package authpw checks moderator credentials against salted bcrypt hashes.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"safetyvoice/api/internal/rbac"
	"safetyvoice/api/internal/store"
	"safetyvoice/api/internal/util"
)

const MinPasswordLength = 8

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrWeakPassword       = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	ErrEmailTaken         = errors.New("email already registered")
	ErrMissingFields      = errors.New("email and password are required")
)

// ModeratorStore is the storage the credential service needs.
type ModeratorStore interface {
	GetModeratorByEmail(ctx context.Context, email string) (store.Moderator, error)
	GetModeratorByID(ctx context.Context, id string) (store.Moderator, error)
	CreateModerator(ctx context.Context, moderator store.Moderator) error
	UpdateModeratorPassword(ctx context.Context, moderatorID, passwordHash string) error
	ListModerators(ctx context.Context) ([]store.Moderator, error)
}

type Service struct {
	store ModeratorStore
	cost  int
}

func NewService(store ModeratorStore) *Service {
	return &Service{store: store, cost: bcrypt.DefaultCost}
}

type CreateRequest struct {
	Email       string
	Password    string
	DisplayName string
	Role        rbac.Role
}

// CreateModerator registers a moderator account with a hashed password.
func (s *Service) CreateModerator(ctx context.Context, req CreateRequest) (store.Moderator, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Password == "" {
		return store.Moderator{}, ErrMissingFields
	}
	if len(req.Password) < MinPasswordLength {
		return store.Moderator{}, ErrWeakPassword
	}
	if _, err := s.store.GetModeratorByEmail(ctx, email); err == nil {
		return store.Moderator{}, ErrEmailTaken
	} else if !store.IsNotFound(err) {
		return store.Moderator{}, fmt.Errorf("lookup moderator: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return store.Moderator{}, fmt.Errorf("hash password: %w", err)
	}

	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		displayName, _, _ = strings.Cut(email, "@")
	}
	role := req.Role
	if role == "" {
		role = rbac.RoleModerator
	}
	moderator := store.Moderator{
		ID:           util.NewID("mod"),
		Email:        email,
		DisplayName:  displayName,
		PasswordHash: string(hash),
		Role:         string(rbac.Normalize(string(role))),
	}
	if err := s.store.CreateModerator(ctx, moderator); err != nil {
		return store.Moderator{}, fmt.Errorf("create moderator: %w", err)
	}
	return moderator, nil
}

// SignIn returns the moderator when email and password match. Unknown
// emails and wrong passwords produce the same error.
func (s *Service) SignIn(ctx context.Context, email, password string) (store.Moderator, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return store.Moderator{}, ErrMissingFields
	}
	moderator, err := s.store.GetModeratorByEmail(ctx, email)
	if err != nil {
		if store.IsNotFound(err) {
			return store.Moderator{}, ErrInvalidCredentials
		}
		return store.Moderator{}, fmt.Errorf("lookup moderator: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(moderator.PasswordHash), []byte(password)); err != nil {
		return store.Moderator{}, ErrInvalidCredentials
	}
	return moderator, nil
}

// ChangePassword replaces a moderator's password after checking the current one.
func (s *Service) ChangePassword(ctx context.Context, moderatorID, currentPassword, newPassword string) error {
	if len(newPassword) < MinPasswordLength {
		return ErrWeakPassword
	}
	moderator, err := s.store.GetModeratorByID(ctx, moderatorID)
	if err != nil {
		return fmt.Errorf("lookup moderator: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(moderator.PasswordHash), []byte(currentPassword)); err != nil {
		return ErrInvalidCredentials
	}
	return s.SetPassword(ctx, moderatorID, newPassword)
}

// SetPassword is the operator reset path; it does not need the old password.
func (s *Service) SetPassword(ctx context.Context, moderatorID, newPassword string) error {
	if len(newPassword) < MinPasswordLength {
		return ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), s.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.store.UpdateModeratorPassword(ctx, moderatorID, string(hash)); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

// EnsureBootstrapModerator creates an admin from the configured credentials
// when the moderator table is empty. It reports whether one was created.
func (s *Service) EnsureBootstrapModerator(ctx context.Context, email, password string) (bool, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return false, nil
	}
	existing, err := s.store.ListModerators(ctx)
	if err != nil {
		return false, fmt.Errorf("list moderators: %w", err)
	}
	if len(existing) > 0 {
		return false, nil
	}
	if _, err := s.CreateModerator(ctx, CreateRequest{Email: email, Password: password, Role: rbac.RoleAdmin}); err != nil {
		return false, err
	}
	return true, nil
}
