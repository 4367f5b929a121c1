// Package session provides the Redis backend for state that must be shared by
// every API instance: refresh tokens, replay nonces and the lockout record.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"marginalia/api/internal/security"
	"marginalia/api/internal/store"
)

const (
	refreshPrefix = "refresh:"
	noncePrefix   = "nonce:"
	lockoutKey    = "lockout"
)

// TokenData holds the data stored for each refresh token
type TokenData struct {
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// RedisStore implements refresh token, nonce and lockout storage using Redis
type RedisStore struct {
	client    *redis.Client
	namespace string
}

// NewRedisStore creates a new Redis-backed session store
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, namespace: "marginalia:"}
}

func (s *RedisStore) key(parts ...string) string {
	key := s.namespace
	for _, part := range parts {
		key += part
	}
	return key
}

// SaveRefreshSession stores a refresh token until expiresAt
func (s *RedisStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	data, err := json.Marshal(TokenData{UserID: userID, CreatedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("marshal token data: %w", err)
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return fmt.Errorf("save refresh token: already expired")
	}

	if err := s.client.Set(ctx, s.key(refreshPrefix, tokenHash), data, ttl).Err(); err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

// LookupRefreshSession returns the owner of a live refresh token. Only the id
// is filled; callers reload the user for the current role.
func (s *RedisStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	raw, err := s.client.Get(ctx, s.key(refreshPrefix, tokenHash)).Result()
	if errors.Is(err, redis.Nil) {
		return store.User{}, store.ErrNotFound
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup refresh token: %w", err)
	}

	var data TokenData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return store.User{}, fmt.Errorf("unmarshal token data: %w", err)
	}
	return store.User{ID: data.UserID}, nil
}

// RevokeRefreshSession deletes a refresh token
func (s *RedisStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.key(refreshPrefix, tokenHash)).Err(); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// ClaimNonce uses SETNX so exactly one instance wins a given nonce.
func (s *RedisStore) ClaimNonce(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(noncePrefix, nonce), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim nonce: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) LoadLockout(ctx context.Context) (security.Record, error) {
	raw, err := s.client.Get(ctx, s.key(lockoutKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return security.Record{}, nil
	}
	if err != nil {
		return security.Record{}, fmt.Errorf("load lockout: %w", err)
	}

	var record security.Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return security.Record{}, fmt.Errorf("unmarshal lockout: %w", err)
	}
	return record, nil
}

func (s *RedisStore) SaveLockout(ctx context.Context, record security.Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal lockout: %w", err)
	}
	if err := s.client.Set(ctx, s.key(lockoutKey), data, 0).Err(); err != nil {
		return fmt.Errorf("save lockout: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
