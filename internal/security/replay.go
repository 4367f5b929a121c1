package security

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

var ErrReplayDetected = errors.New("replay detected")

const (
	HeaderTimestamp = "X-Request-Timestamp"
	HeaderNonce     = "X-Request-Nonce"
)

// NonceStore claims a nonce for ttl. ClaimNonce reports false when the nonce
// was already claimed and has not expired.
type NonceStore interface {
	ClaimNonce(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
}

type MemoryNonceStore struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	now    func() time.Time
	sweeps int
}

func NewMemoryNonceStore(now func() time.Time) *MemoryNonceStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryNonceStore{seen: map[string]time.Time{}, now: now}
}

func (m *MemoryNonceStore) ClaimNonce(_ context.Context, nonce string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.sweeps++
	if m.sweeps%256 == 0 {
		for key, expires := range m.seen {
			if !now.Before(expires) {
				delete(m.seen, key)
			}
		}
	}

	if expires, ok := m.seen[nonce]; ok && now.Before(expires) {
		return false, nil
	}
	m.seen[nonce] = now.Add(ttl)
	return true, nil
}

// ReplayGuard accepts a request once: its timestamp must be within window of
// server time and its nonce must not have been seen inside that window.
type ReplayGuard struct {
	nonces NonceStore
	window time.Duration
	now    func() time.Time
}

func NewReplayGuard(nonces NonceStore, window time.Duration, now func() time.Time) *ReplayGuard {
	if now == nil {
		now = time.Now
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &ReplayGuard{nonces: nonces, window: window, now: now}
}

func (g *ReplayGuard) Verify(ctx context.Context, timestamp, nonce string) error {
	nonce = strings.TrimSpace(nonce)
	if nonce == "" {
		return fmt.Errorf("%w: missing nonce", ErrReplayDetected)
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrReplayDetected)
	}

	skew := g.now().Sub(time.UnixMilli(ms))
	if skew < 0 {
		skew = -skew
	}
	if skew > g.window {
		return fmt.Errorf("%w: stale timestamp", ErrReplayDetected)
	}

	// Twice the window so a nonce stays claimed for as long as any timestamp
	// that could carry it is still accepted.
	fresh, err := g.nonces.ClaimNonce(ctx, nonce, 2*g.window)
	if err != nil {
		return fmt.Errorf("claim nonce: %w", err)
	}
	if !fresh {
		return fmt.Errorf("%w: nonce reused", ErrReplayDetected)
	}
	return nil
}

func (g *ReplayGuard) VerifyRequest(r *http.Request) error {
	return g.Verify(r.Context(), r.Header.Get(HeaderTimestamp), r.Header.Get(HeaderNonce))
}
