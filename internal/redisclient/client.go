package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/reserve_hold.lua
var reserveHoldScript string

//go:embed scripts/release_hold.lua
var releaseHoldScript string

type Client struct {
	rdb           *redis.Client
	reserveScript *redis.Script
	releaseScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewFromRedis(rdb), nil
}

// NewFromRedis wraps an existing go-redis client
func NewFromRedis(rdb *redis.Client) *Client {
	return &Client{
		rdb:           rdb,
		reserveScript: redis.NewScript(reserveHoldScript),
		releaseScript: redis.NewScript(releaseHoldScript),
	}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func holdKey(variantID int64) string {
	return fmt.Sprintf("hold:variant:%d", variantID)
}

func lockKey(key string) string {
	return fmt.Sprintf("lock:%s", key)
}

// ReserveVariant places a hold on a variant for owner. It returns false when
// another owner already holds it. Re-reserving by the same owner extends the TTL.
func (c *Client) ReserveVariant(ctx context.Context, variantID int64, owner string, ttl time.Duration) (bool, error) {
	result, err := c.reserveScript.Run(ctx, c.rdb, []string{holdKey(variantID)}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("reserve hold script failed: %w", err)
	}
	return result == 1, nil
}

// ReleaseVariant drops the hold if owner still holds it
func (c *Client) ReleaseVariant(ctx context.Context, variantID int64, owner string) error {
	if err := c.releaseScript.Run(ctx, c.rdb, []string{holdKey(variantID)}, owner).Err(); err != nil {
		return fmt.Errorf("release hold script failed: %w", err)
	}
	return nil
}

// AcquireLock acquires a distributed lock owned by owner
func (c *Client) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, lockKey(key), owner, ttl).Result()
}

// ReleaseLock releases the lock if owner still holds it
func (c *Client) ReleaseLock(ctx context.Context, key, owner string) error {
	if err := c.releaseScript.Run(ctx, c.rdb, []string{lockKey(key)}, owner).Err(); err != nil {
		return fmt.Errorf("release lock failed: %w", err)
	}
	return nil
}
