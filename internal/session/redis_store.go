// Package session keeps moderator refresh sessions and access-token
// revocations in Redis.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"safetyvoice/api/internal/store"
)

const defaultRefreshTTL = 7 * 24 * time.Hour

type refreshRecord struct {
	ModeratorID string    `json:"moderator_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// RedisStore satisfies the same session methods as store.PostgresStore.
type RedisStore struct {
	client        *redis.Client
	refreshPrefix string
	revokedPrefix string
	now           func() time.Time
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:        client,
		refreshPrefix: "refresh:",
		revokedPrefix: "revoked:",
		now:           time.Now,
	}
}

// Client exposes the connection so other Redis-backed components can share it.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) ttlUntil(expiresAt time.Time, fallback time.Duration) time.Duration {
	ttl := expiresAt.Sub(s.now())
	if ttl <= 0 {
		return fallback
	}
	return ttl
}

func (s *RedisStore) SaveRefreshSession(ctx context.Context, tokenHash, moderatorID string, expiresAt time.Time) error {
	payload, err := json.Marshal(refreshRecord{ModeratorID: moderatorID, CreatedAt: s.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal refresh session: %w", err)
	}
	ttl := s.ttlUntil(expiresAt, defaultRefreshTTL)
	if err := s.client.Set(ctx, s.refreshPrefix+tokenHash, payload, ttl).Err(); err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

// LookupRefreshSession returns a Moderator carrying only the ID; callers load
// the rest from the moderator table. Missing or expired keys map to
// sql.ErrNoRows so store.IsNotFound works for both backends.
func (s *RedisStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.Moderator, error) {
	raw, err := s.client.Get(ctx, s.refreshPrefix+tokenHash).Result()
	if errors.Is(err, redis.Nil) {
		return store.Moderator{}, sql.ErrNoRows
	}
	if err != nil {
		return store.Moderator{}, fmt.Errorf("lookup refresh session: %w", err)
	}
	var record refreshRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return store.Moderator{}, fmt.Errorf("decode refresh session: %w", err)
	}
	return store.Moderator{ID: record.ModeratorID}, nil
}

func (s *RedisStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.refreshPrefix+tokenHash).Err(); err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// RevokeAccessToken remembers a jti until the token would have expired anyway.
func (s *RedisStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	ttl := s.ttlUntil(exp, time.Minute)
	if err := s.client.Set(ctx, s.revokedPrefix+jti, "1", ttl).Err(); err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *RedisStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := s.client.Exists(ctx, s.revokedPrefix+jti).Result()
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
