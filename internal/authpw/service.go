// Package authpw provides username/password authentication and invite based
// registration.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"marginalia/api/internal/rbac"
	"marginalia/api/internal/store"
	"marginalia/api/internal/util"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidInvite      = errors.New("invalid or expired invite")
	ErrUsernameTaken      = errors.New("username already taken")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
)

const minPasswordLength = 8

// UserStore defines the storage interface for auth
type UserStore interface {
	GetUserByUsername(ctx context.Context, username string) (store.User, error)
	GetUserByID(ctx context.Context, id string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
	UpdatePasswordHash(ctx context.Context, userID, hash string) error
	RedeemInvite(ctx context.Context, code string, user store.User, now time.Time) error
	GetInvite(ctx context.Context, code string) (store.Invite, error)
}

// Service provides username/password authentication
type Service struct {
	store UserStore
	cost  int
	now   func() time.Time
}

func NewService(st UserStore) *Service {
	return &Service{store: st, cost: bcrypt.DefaultCost, now: time.Now}
}

// WithCost returns a copy using the given bcrypt cost. Tests use MinCost.
func (s *Service) WithCost(cost int) *Service {
	clone := *s
	clone.cost = cost
	return &clone
}

func (s *Service) HashPassword(password string) (string, error) {
	if len(password) < minPasswordLength {
		return "", ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// SignIn returns the user for a matching username and password. Unknown users
// and wrong passwords are indistinguishable to the caller.
func (s *Service) SignIn(ctx context.Context, username, password string) (store.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return store.User{}, ErrInvalidCredentials
	}

	user, err := s.store.GetUserByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return store.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}

type RegisterRequest struct {
	InviteCode string
	Username   string
	Password   string
}

// Register creates an account from an unused invite. The invite's role is
// granted and the invite is consumed in the same store call.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (store.User, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" || strings.TrimSpace(req.InviteCode) == "" {
		return store.User{}, errors.New("invite code and username are required")
	}

	invite, err := s.store.GetInvite(ctx, req.InviteCode)
	if errors.Is(err, store.ErrNotFound) {
		return store.User{}, ErrInvalidInvite
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup invite: %w", err)
	}

	hash, err := s.HashPassword(req.Password)
	if err != nil {
		return store.User{}, err
	}

	now := s.now().UTC()
	user := store.User{
		ID:           util.NewID("usr"),
		Username:     username,
		PasswordHash: hash,
		Role:         string(rbac.Normalize(invite.Role)),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	switch err := s.store.RedeemInvite(ctx, req.InviteCode, user, now); {
	case errors.Is(err, store.ErrNotFound):
		return store.User{}, ErrInvalidInvite
	case errors.Is(err, store.ErrConflict):
		return store.User{}, ErrUsernameTaken
	case err != nil:
		return store.User{}, fmt.Errorf("redeem invite: %w", err)
	}
	return user, nil
}

// CreateUser is used for bootstrap and admin provisioning, bypassing invites.
func (s *Service) CreateUser(ctx context.Context, username, password, role string) (store.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return store.User{}, errors.New("username is required")
	}
	hash, err := s.HashPassword(password)
	if err != nil {
		return store.User{}, err
	}
	now := s.now().UTC()
	user := store.User{
		ID:           util.NewID("usr"),
		Username:     username,
		PasswordHash: hash,
		Role:         string(rbac.Normalize(role)),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return store.User{}, ErrUsernameTaken
		}
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("lookup user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(current)); err != nil {
		return ErrInvalidCredentials
	}
	hash, err := s.HashPassword(next)
	if err != nil {
		return err
	}
	if err := s.store.UpdatePasswordHash(ctx, userID, hash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}
