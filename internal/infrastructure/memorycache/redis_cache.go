// Package memorycache provides Redis-backed implementations of the
// Memory Index's goal-linked-memory cache and mention-tracking boost
// table, letting both survive a gateway restart and be
// shared with a second process.
package memorycache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kestrelrun/kestrel/internal/domain/memory"
	"github.com/kestrelrun/kestrel/internal/infrastructure/config"
)

// client dials Redis and pings it once. Returns nil, nil when
// cfg.Enabled is false so callers can wire optionally.
func newClient(cfg config.RedisConfig) (redis.UniversalClient, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	c := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := c.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("memory cache: redis ping: %w", err)
	}
	return c, nil
}

// RedisGoalCache implements memory.GoalCache.
type RedisGoalCache struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewRedisGoalCache returns nil, nil when cfg.Enabled is false.
func NewRedisGoalCache(cfg config.RedisConfig, logger *zap.Logger) (*RedisGoalCache, error) {
	client, err := newClient(cfg)
	if err != nil || client == nil {
		return nil, err
	}
	return &RedisGoalCache{client: client, logger: logger}, nil
}

func goalKey(goalID string) string {
	return "kestrel:memory:goal:" + goalID
}

func (c *RedisGoalCache) Get(ctx context.Context, goalID string) ([]memory.Item, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}
	val, err := c.client.Get(ctx, goalKey(goalID)).Result()
	if err != nil {
		if err != redis.Nil {
			c.logger.Debug("memory cache: goal get failed", zap.Error(err), zap.String("goal_id", goalID))
		}
		return nil, false
	}
	var items []memory.Item
	if err := json.Unmarshal([]byte(val), &items); err != nil {
		c.logger.Debug("memory cache: goal unmarshal failed", zap.Error(err), zap.String("goal_id", goalID))
		return nil, false
	}
	return items, true
}

func (c *RedisGoalCache) Set(ctx context.Context, goalID string, items []memory.Item, ttl time.Duration) {
	if c == nil || c.client == nil {
		return
	}
	data, err := json.Marshal(items)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, goalKey(goalID), data, ttl).Err(); err != nil {
		c.logger.Debug("memory cache: goal set failed", zap.Error(err), zap.String("goal_id", goalID))
	}
}

func (c *RedisGoalCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// RedisMentionStore implements memory.MentionBoostStore, sharing the
// same Redis instance as RedisGoalCache (construct both from one
// dialed config — see application wiring).
type RedisMentionStore struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewRedisMentionStore returns nil, nil when cfg.Enabled is false.
func NewRedisMentionStore(cfg config.RedisConfig, logger *zap.Logger) (*RedisMentionStore, error) {
	client, err := newClient(cfg)
	if err != nil || client == nil {
		return nil, err
	}
	return &RedisMentionStore{client: client, logger: logger}, nil
}

func mentionKey(fingerprint string) string {
	return "kestrel:memory:mention:" + fingerprint
}

const mentionBoostTTL = 7 * 24 * time.Hour

func (c *RedisMentionStore) Get(ctx context.Context, fingerprint string) (float64, bool) {
	if c == nil || c.client == nil {
		return 0, false
	}
	val, err := c.client.Get(ctx, mentionKey(fingerprint)).Float64()
	if err != nil {
		if err != redis.Nil {
			c.logger.Debug("memory cache: mention get failed", zap.Error(err), zap.String("fingerprint", fingerprint))
		}
		return 0, false
	}
	return val, true
}

func (c *RedisMentionStore) Add(ctx context.Context, fingerprint string, delta float64) {
	if c == nil || c.client == nil {
		return
	}
	current, _ := c.Get(ctx, fingerprint)
	if err := c.client.Set(ctx, mentionKey(fingerprint), current+delta, mentionBoostTTL).Err(); err != nil {
		c.logger.Debug("memory cache: mention add failed", zap.Error(err), zap.String("fingerprint", fingerprint))
	}
}

func (c *RedisMentionStore) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
