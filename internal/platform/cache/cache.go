// Package cache wraps go-redis as the process-wide cache for the default
// GeneralProperties snapshot, and a distributed lock so a future
// multi-process deployment doesn't double-reconcile. Single-process
// deployment is the only supported mode today (see SPEC_FULL.md Non-goals);
// the lock type is still wired and exercised so it's a drop-in once that
// changes.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/fleetwatch/orchestrator/internal/domain"
)

const defaultPropertiesKey = "fleetwatch:default-properties"

// Client is the cache boundary Watchdog depends on. Defined as an interface
// so reconcile logic can be exercised against a hand-written fake without a
// running Redis instance.
type Client interface {
	GetDefaultProperties(ctx context.Context) (*domain.GeneralProperties, bool)
	SetDefaultProperties(ctx context.Context, props domain.GeneralProperties) error

	// TryLock attempts to acquire a named lock for ttl, returning true if
	// acquired. Safe to call repeatedly; expired locks are reclaimed.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

// RedisClient is the production Client, backed by a single *redis.Client.
type RedisClient struct {
	rdb *redis.Client
}

// NewRedisClient dials addr lazily (go-redis connects on first command).
func NewRedisClient(addr, password string, db int) *RedisClient {
	return &RedisClient{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

func (c *RedisClient) Close() error {
	return c.rdb.Close()
}

func (c *RedisClient) GetDefaultProperties(ctx context.Context) (*domain.GeneralProperties, bool) {
	raw, err := c.rdb.Get(ctx, defaultPropertiesKey).Bytes()
	if err != nil {
		return nil, false
	}
	var props domain.GeneralProperties
	if err := json.Unmarshal(raw, &props); err != nil {
		return nil, false
	}
	return &props, true
}

func (c *RedisClient) SetDefaultProperties(ctx context.Context, props domain.GeneralProperties) error {
	raw, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("marshal default properties: %w", err)
	}
	return c.rdb.Set(ctx, defaultPropertiesKey, raw, 5*time.Minute).Err()
}

func (c *RedisClient) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, lockKey(key), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("try lock %s: %w", key, err)
	}
	return ok, nil
}

func (c *RedisClient) Unlock(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, lockKey(key)).Err()
}

func lockKey(key string) string {
	return "fleetwatch:lock:" + key
}
