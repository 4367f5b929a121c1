package authpw

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"marginalia/api/internal/store"
)

// mockUserStore is a mock implementation of UserStore for testing
type mockUserStore struct {
	users         map[string]store.User
	usernameIndex map[string]string
	invites       map[string]store.Invite
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{
		users:         make(map[string]store.User),
		usernameIndex: make(map[string]string),
		invites:       make(map[string]store.Invite),
	}
}

func (m *mockUserStore) GetUserByUsername(ctx context.Context, username string) (store.User, error) {
	if userID, ok := m.usernameIndex[username]; ok {
		return m.users[userID], nil
	}
	return store.User{}, store.ErrNotFound
}

func (m *mockUserStore) GetUserByID(ctx context.Context, id string) (store.User, error) {
	if user, ok := m.users[id]; ok {
		return user, nil
	}
	return store.User{}, store.ErrNotFound
}

func (m *mockUserStore) CreateUser(ctx context.Context, user store.User) error {
	if _, ok := m.usernameIndex[user.Username]; ok {
		return store.ErrConflict
	}
	m.users[user.ID] = user
	m.usernameIndex[user.Username] = user.ID
	return nil
}

func (m *mockUserStore) UpdatePasswordHash(ctx context.Context, userID, hash string) error {
	user, ok := m.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	user.PasswordHash = hash
	m.users[userID] = user
	return nil
}

func (m *mockUserStore) GetInvite(ctx context.Context, code string) (store.Invite, error) {
	invite, ok := m.invites[code]
	if !ok {
		return store.Invite{}, store.ErrNotFound
	}
	return invite, nil
}

func (m *mockUserStore) RedeemInvite(ctx context.Context, code string, user store.User, now time.Time) error {
	invite, ok := m.invites[code]
	if !ok || invite.UsedAt != nil || !invite.ExpiresAt.After(now) {
		return store.ErrNotFound
	}
	if err := m.CreateUser(ctx, user); err != nil {
		return err
	}
	invite.UsedAt = &now
	invite.UsedBy = user.ID
	m.invites[code] = invite
	return nil
}

func newTestService(st UserStore) *Service {
	return NewService(st).WithCost(bcrypt.MinCost)
}

func TestSignIn(t *testing.T) {
	ctx := context.Background()
	mockStore := newMockUserStore()
	svc := newTestService(mockStore)

	if _, err := svc.CreateUser(ctx, "avery", "password123", "admin"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	t.Run("successful sign in", func(t *testing.T) {
		user, err := svc.SignIn(ctx, "avery", "password123")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if user.Username != "avery" || user.Role != "admin" {
			t.Errorf("unexpected user %+v", user)
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		if _, err := svc.SignIn(ctx, "avery", "wrongpassword"); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("expected ErrInvalidCredentials, got %v", err)
		}
	})

	t.Run("non-existent user", func(t *testing.T) {
		if _, err := svc.SignIn(ctx, "nobody", "password123"); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("expected ErrInvalidCredentials, got %v", err)
		}
	})

	t.Run("empty input", func(t *testing.T) {
		if _, err := svc.SignIn(ctx, "  ", ""); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("expected ErrInvalidCredentials, got %v", err)
		}
	})
}

func TestCreateUser(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(newMockUserStore())

	user, err := svc.CreateUser(ctx, "kai", "password123", "superuser")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if user.Role != "member" {
		t.Errorf("unknown role should normalize to member, got %q", user.Role)
	}
	if user.PasswordHash == "password123" {
		t.Error("password stored in clear text")
	}
	if _, err := svc.CreateUser(ctx, "kai", "password456", "member"); !errors.Is(err, ErrUsernameTaken) {
		t.Errorf("expected ErrUsernameTaken, got %v", err)
	}
	if _, err := svc.CreateUser(ctx, "lee", "short", "member"); !errors.Is(err, ErrWeakPassword) {
		t.Errorf("expected ErrWeakPassword, got %v", err)
	}
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	mockStore := newMockUserStore()
	svc := newTestService(mockStore)
	now := time.Now()
	mockStore.invites["live"] = store.Invite{Code: "live", Role: "admin", ExpiresAt: now.Add(time.Hour)}
	mockStore.invites["stale"] = store.Invite{Code: "stale", Role: "member", ExpiresAt: now.Add(-time.Hour)}

	user, err := svc.Register(ctx, RegisterRequest{InviteCode: "live", Username: "rowan", Password: "password123"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if user.Role != "admin" {
		t.Errorf("expected invite role admin, got %q", user.Role)
	}
	if _, err := svc.SignIn(ctx, "rowan", "password123"); err != nil {
		t.Errorf("registered user cannot sign in: %v", err)
	}

	t.Run("invite is single use", func(t *testing.T) {
		_, err := svc.Register(ctx, RegisterRequest{InviteCode: "live", Username: "other", Password: "password123"})
		if !errors.Is(err, ErrInvalidInvite) {
			t.Errorf("expected ErrInvalidInvite, got %v", err)
		}
	})

	t.Run("expired invite", func(t *testing.T) {
		_, err := svc.Register(ctx, RegisterRequest{InviteCode: "stale", Username: "late", Password: "password123"})
		if !errors.Is(err, ErrInvalidInvite) {
			t.Errorf("expected ErrInvalidInvite, got %v", err)
		}
	})

	t.Run("unknown invite", func(t *testing.T) {
		_, err := svc.Register(ctx, RegisterRequest{InviteCode: "nope", Username: "x", Password: "password123"})
		if !errors.Is(err, ErrInvalidInvite) {
			t.Errorf("expected ErrInvalidInvite, got %v", err)
		}
	})
}

func TestChangePassword(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(newMockUserStore())

	user, err := svc.CreateUser(ctx, "sam", "password123", "member")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	if err := svc.ChangePassword(ctx, user.ID, "wrong-current", "newpassword1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := svc.ChangePassword(ctx, user.ID, "password123", "newpassword1"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if _, err := svc.SignIn(ctx, "sam", "password123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Error("old password still accepted")
	}
	if _, err := svc.SignIn(ctx, "sam", "newpassword1"); err != nil {
		t.Errorf("new password rejected: %v", err)
	}
}
