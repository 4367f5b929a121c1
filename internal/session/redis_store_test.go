package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"marginalia/api/internal/security"
	"marginalia/api/internal/store"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	st, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st, s
}

func TestNewRedisStore(t *testing.T) {
	st, _ := setupTestRedis(t)
	if err := st.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewRedisStoreBadURL(t *testing.T) {
	if _, err := NewRedisStore("not-a-url"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSaveAndLookupRefreshSession(t *testing.T) {
	st, _ := setupTestRedis(t)
	ctx := context.Background()

	if err := st.SaveRefreshSession(ctx, "hash-1", "user-123", time.Now().Add(24*time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}

	user, err := st.LookupRefreshSession(ctx, "hash-1")
	if err != nil {
		t.Fatalf("LookupRefreshSession failed: %v", err)
	}
	if user.ID != "user-123" {
		t.Errorf("expected user ID user-123, got %s", user.ID)
	}
}

func TestLookupExpiredSession(t *testing.T) {
	st, s := setupTestRedis(t)
	ctx := context.Background()

	if err := st.SaveRefreshSession(ctx, "expired", "user-456", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}
	s.FastForward(2 * time.Minute)

	_, err := st.LookupRefreshSession(ctx, "expired")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for expired token, got %v", err)
	}
}

func TestSaveAlreadyExpiredSession(t *testing.T) {
	st, _ := setupTestRedis(t)
	if err := st.SaveRefreshSession(context.Background(), "old", "u", time.Now().Add(-time.Second)); err == nil {
		t.Fatal("expected error for an expiry in the past")
	}
}

func TestRevokeRefreshSession(t *testing.T) {
	st, _ := setupTestRedis(t)
	ctx := context.Background()
	expiresAt := time.Now().Add(24 * time.Hour)

	for _, hash := range []string{"token-1", "token-2"} {
		if err := st.SaveRefreshSession(ctx, hash, "user-"+hash, expiresAt); err != nil {
			t.Fatalf("SaveRefreshSession %s failed: %v", hash, err)
		}
	}

	if err := st.RevokeRefreshSession(ctx, "token-1"); err != nil {
		t.Fatalf("RevokeRefreshSession failed: %v", err)
	}
	if _, err := st.LookupRefreshSession(ctx, "token-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected revoked token-1 to be gone, got %v", err)
	}
	user, err := st.LookupRefreshSession(ctx, "token-2")
	if err != nil {
		t.Fatalf("Lookup token-2 after revoke failed: %v", err)
	}
	if user.ID != "user-token-2" {
		t.Errorf("expected user-token-2, got %s", user.ID)
	}

	if err := st.RevokeRefreshSession(ctx, "never-existed"); err != nil {
		t.Errorf("revoking a missing token should not fail: %v", err)
	}
}

func TestClaimNonce(t *testing.T) {
	st, s := setupTestRedis(t)
	ctx := context.Background()

	first, err := st.ClaimNonce(ctx, "abc", time.Minute)
	if err != nil || !first {
		t.Fatalf("first claim: ok=%v err=%v", first, err)
	}
	second, err := st.ClaimNonce(ctx, "abc", time.Minute)
	if err != nil || second {
		t.Fatalf("second claim should lose: ok=%v err=%v", second, err)
	}

	s.FastForward(2 * time.Minute)
	third, err := st.ClaimNonce(ctx, "abc", time.Minute)
	if err != nil || !third {
		t.Fatalf("claim after expiry: ok=%v err=%v", third, err)
	}
}

func TestLockoutRecordRoundTrip(t *testing.T) {
	st, _ := setupTestRedis(t)
	ctx := context.Background()

	empty, err := st.LoadLockout(ctx)
	if err != nil {
		t.Fatalf("LoadLockout on empty redis: %v", err)
	}
	if empty.State != "" || len(empty.Failures) != 0 {
		t.Fatalf("expected zero record, got %+v", empty)
	}

	until := time.Date(2026, 5, 5, 9, 0, 0, 0, time.UTC)
	want := security.Record{
		State:       security.StateLocked,
		LockedUntil: &until,
		Failures:    map[string]int{"2026-05-04": 3},
	}
	if err := st.SaveLockout(ctx, want); err != nil {
		t.Fatalf("SaveLockout: %v", err)
	}
	got, err := st.LoadLockout(ctx)
	if err != nil {
		t.Fatalf("LoadLockout: %v", err)
	}
	if got.State != want.State || got.LockedUntil == nil || !got.LockedUntil.Equal(until) || got.Failures["2026-05-04"] != 3 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestOpenLockoutRecordOmitsLockedUntil(t *testing.T) {
	st, s := setupTestRedis(t)
	ctx := context.Background()

	gate := security.NewGate(st)
	if err := gate.Unlock(ctx); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	raw, err := s.Get("marginalia:lockout")
	if err != nil {
		t.Fatalf("read lockout key: %v", err)
	}
	if strings.Contains(raw, "lockedUntil") {
		t.Fatalf("open record should not carry lockedUntil: %s", raw)
	}

	loaded, err := st.LoadLockout(ctx)
	if err != nil {
		t.Fatalf("LoadLockout: %v", err)
	}
	if loaded.LockedUntil != nil {
		t.Fatalf("expected nil LockedUntil, got %v", loaded.LockedUntil)
	}
}

func TestGateSharedThroughRedis(t *testing.T) {
	st, _ := setupTestRedis(t)
	ctx := context.Background()
	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	now := func() time.Time { return at }

	// Two gates over one record behave like two API instances.
	first := security.NewGate(st, security.WithClock(now), security.WithLocation(time.UTC))
	second := security.NewGate(st, security.WithClock(now), security.WithLocation(time.UTC))

	for i := 0; i < 2; i++ {
		if _, err := first.RecordFailure(ctx); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
	}
	state, err := second.RecordFailure(ctx)
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if state != security.StateLocked {
		t.Fatalf("expected locked after three shared failures, got %s", state)
	}
	if err := first.Check(ctx, "/api/articles/root"); !errors.Is(err, security.ErrLocked) {
		t.Fatalf("expected other instance to see the lock, got %v", err)
	}
}
