package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"marketplace-core/internal/marketerr"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/unlock.lua
var unlockScript string

//go:embed scripts/extend.lua
var extendScript string

type Client struct {
	rdb    *redis.Client
	unlock *redis.Script
	extend *redis.Script

	// retry is how long Acquire waits between attempts on a held lock.
	retry time.Duration
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
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return newClient(rdb), nil
}

func newClient(rdb *redis.Client) *Client {
	return &Client{
		rdb:    rdb,
		unlock: redis.NewScript(unlockScript),
		extend: redis.NewScript(extendScript),
		retry:  25 * time.Millisecond,
	}
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func lockKey(key string) string { return "lock:" + key }

func idempotencyKey(key string) string { return "idempotency:" + key }

// TryLock makes one attempt at key. The returned token proves ownership to Unlock
// and Extend.
func (c *Client) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.New().String()
	ok, err := c.rdb.SetNX(ctx, lockKey(key), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	return token, ok, nil
}

// Unlock releases key if token still owns it. An expired or stolen lock is left alone.
func (c *Client) Unlock(ctx context.Context, key, token string) (bool, error) {
	n, err := c.unlock.Run(ctx, c.rdb, []string{lockKey(key)}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("unlock script failed: %w", err)
	}
	return n == 1, nil
}

// Extend refreshes the ttl of a lock token still owns.
func (c *Client) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := c.extend.Run(ctx, c.rdb, []string{lockKey(key)}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("extend script failed: %w", err)
	}
	return n == 1, nil
}

// Acquire blocks until key is locked or ctx ends. A lock still held when ctx ends
// yields ErrLockHeld so callers can report a retryable conflict. The returned
// function releases the lock and must be called exactly once.
func (c *Client) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	for {
		token, ok, err := c.TryLock(ctx, key, ttl)
		if err != nil {
			return nil, fmt.Errorf("redis: %w - %v", marketerr.ErrUnavailable, err)
		}
		if ok {
			return func() {
				// The caller's ctx may already be done; release on a fresh one.
				rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_, _ = c.Unlock(rctx, key, token)
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("redis: %w - %s", marketerr.ErrLockHeld, key)
		case <-time.After(c.retry):
		}
	}
}

// Remember stores value under an idempotency key unless one is already present.
// It reports whether this call stored it.
func (c *Client) Remember(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, idempotencyKey(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to store idempotency key: %w", err)
	}
	return ok, nil
}

// Lookup returns the value stored under an idempotency key.
func (c *Client) Lookup(ctx context.Context, key string) (string, bool, error) {
	v, err := c.rdb.Get(ctx, idempotencyKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read idempotency key: %w", err)
	}
	return v, true, nil
}

// Forget removes an idempotency key, letting a failed operation be retried.
func (c *Client) Forget(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, idempotencyKey(key)).Err()
}
