// Package cache is the short-TTL status cache in front of the record store.
// It only absorbs status-polling read load; the store stays authoritative and
// a miss never invents state.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"veridoc/internal/verification"
	"veridoc/pkg/platform/sentinel"
)

// Entry is the cached view of a verification's status.
type Entry struct {
	Status    verification.Status `json:"status"`
	Progress  int                 `json:"progress"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

// StatusCache is the read-through/write-through contract the orchestrator uses.
type StatusCache interface {
	Get(ctx context.Context, verificationID string) (*Entry, error)
	Set(ctx context.Context, verificationID string, entry Entry) error
	Invalidate(ctx context.Context, verificationID string) error
}

// RedisCache implements StatusCache on Redis with per-key TTL expiry.
type RedisCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func NewRedisCache(client *goredis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func key(verificationID string) string {
	return "verification:status:" + verificationID
}

func (c *RedisCache) Get(ctx context.Context, verificationID string) (*Entry, error) {
	raw, err := c.client.Get(ctx, key(verificationID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		// A corrupt entry is a miss; the store is authoritative.
		return nil, sentinel.ErrNotFound
	}
	return &entry, nil
}

func (c *RedisCache) Set(ctx context.Context, verificationID string, entry Entry) error {
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now()
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	if err := c.client.Set(ctx, key(verificationID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, verificationID string) error {
	if err := c.client.Del(ctx, key(verificationID)).Err(); err != nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}
	return nil
}

// NoopCache is used when Redis is not configured; every read is a miss.
type NoopCache struct{}

func (NoopCache) Get(ctx context.Context, verificationID string) (*Entry, error) {
	return nil, sentinel.ErrNotFound
}

func (NoopCache) Set(ctx context.Context, verificationID string, entry Entry) error { return nil }

func (NoopCache) Invalidate(ctx context.Context, verificationID string) error { return nil }
