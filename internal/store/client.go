// Package store wraps the Redis primitives the execution plane is built on:
// a compare-and-set slot per agent, bounded wait lists, and distributed locks
// with a TTL lease. Pub/sub for events is done by the event bus over the
// client returned by Redis.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/trinity/trinity/internal/common/config"
	"github.com/trinity/trinity/internal/common/logger"
)

// Client wraps a Redis connection.
type Client struct {
	rdb    *redis.Client
	logger *logger.Logger
}

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, cfg config.RedisConfig, log *logger.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	log.Info("Connected to Redis", zap.String("addr", cfg.Addr))
	return &Client{rdb: rdb, logger: log}, nil
}

// NewClientFromRedis wraps an existing Redis client (used by tests with miniredis).
func NewClientFromRedis(rdb *redis.Client, log *logger.Logger) *Client {
	return &Client{rdb: rdb, logger: log}
}

// Redis exposes the underlying client for collaborators (event bus).
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// SetSlot atomically claims key with value and TTL. Returns false when the
// key is already held.
func (c *Client) SetSlot(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

// GetSlot returns the slot value, or ("", false) when empty.
func (c *Client) GetSlot(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return val, true, nil
}

// ClearSlot removes the slot. Returns whether a value was present.
func (c *Client) ClearSlot(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("del %s: %w", key, err)
	}
	return n > 0, nil
}

// PushList appends value at the tail of the list and returns the new length.
func (c *Client) PushList(ctx context.Context, key, value string) (int64, error) {
	n, err := c.rdb.RPush(ctx, key, value).Result()
	if err != nil {
		return 0, fmt.Errorf("rpush %s: %w", key, err)
	}
	return n, nil
}

// PopList removes and returns the head of the list, or ("", false) when empty.
func (c *Client) PopList(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.LPop(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lpop %s: %w", key, err)
	}
	return val, true, nil
}

// boundedPushScript appends only while the list is under max, returning the
// new length, or -1 when the list is full.
var boundedPushScript = redis.NewScript(`
if redis.call("llen", KEYS[1]) >= tonumber(ARGV[2]) then
	return -1
end
return redis.call("rpush", KEYS[1], ARGV[1])
`)

// PushListBounded appends value at the tail only if the list holds fewer than
// max entries. Returns the new length, or -1 when the list was full. The
// check and push are a single atomic script so concurrent submitters cannot
// overrun the bound.
func (c *Client) PushListBounded(ctx context.Context, key, value string, max int64) (int64, error) {
	n, err := boundedPushScript.Run(ctx, c.rdb, []string{key}, value, max).Int64()
	if err != nil {
		return 0, fmt.Errorf("bounded rpush %s: %w", key, err)
	}
	return n, nil
}

// UnshiftList pushes value at the head of the list (used to restore FIFO
// order when a promotion loses a slot race).
func (c *Client) UnshiftList(ctx context.Context, key, value string) error {
	if err := c.rdb.LPush(ctx, key, value).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", key, err)
	}
	return nil
}

// ListRange returns all elements of the list in order.
func (c *Client) ListRange(ctx context.Context, key string) ([]string, error) {
	vals, err := c.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", key, err)
	}
	return vals, nil
}

// ListLen returns the list length.
func (c *Client) ListLen(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", key, err)
	}
	return n, nil
}

// DeleteList drops the entire list and returns how many entries it held.
func (c *Client) DeleteList(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", key, err)
	}
	if n > 0 {
		if err := c.rdb.Del(ctx, key).Err(); err != nil {
			return 0, fmt.Errorf("del %s: %w", key, err)
		}
	}
	return n, nil
}
