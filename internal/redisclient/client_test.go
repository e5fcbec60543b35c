package redisclient

import (
	"context"
	"os"
	"testing"
	"time"

	"marketplace-core/internal/marketerr"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Integration tests against a real Redis. They run when TEST_REDIS_ADDR is set.
func testClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("Integration test - requires TEST_REDIS_ADDR")
	}
	c, err := NewClient(addr, "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestLock_ExclusiveUntilReleased(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	key := "listing:" + uuid.New().String()

	release, err := c.Acquire(ctx, key, 5*time.Second)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = c.Acquire(waitCtx, key, 5*time.Second)
	assert.ErrorIs(t, err, marketerr.ErrLockHeld)
	assert.True(t, marketerr.Retryable(err))

	release()

	release2, err := c.Acquire(ctx, key, 5*time.Second)
	require.NoError(t, err)
	release2()
}

func TestLock_UnlockRequiresToken(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	key := "listing:" + uuid.New().String()

	token, ok, err := c.TryLock(ctx, key, 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	released, err := c.Unlock(ctx, key, "someone-else")
	require.NoError(t, err)
	assert.False(t, released)

	extended, err := c.Extend(ctx, key, token, 10*time.Second)
	require.NoError(t, err)
	assert.True(t, extended)

	released, err = c.Unlock(ctx, key, token)
	require.NoError(t, err)
	assert.True(t, released)
}

func TestIdempotency_RememberOnce(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	key := "bid:" + uuid.New().String()

	_, found, err := c.Lookup(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	stored, err := c.Remember(ctx, key, "bid-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = c.Remember(ctx, key, "bid-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, stored)

	v, found, err := c.Lookup(ctx, key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "bid-1", v)

	require.NoError(t, c.Forget(ctx, key))
	_, found, err = c.Lookup(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)
}
