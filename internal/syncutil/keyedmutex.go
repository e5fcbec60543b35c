// Package syncutil provides in-process keyed locking.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 256

// KeyedMutex is a fixed pool of channel-based mutexes addressed by key. Memory stays
// bounded no matter how many keys are seen; keys hashing to the same shard share a lock.
type KeyedMutex struct {
	shards [shardCount]chan struct{}
	once   sync.Once
}

// NewKeyedMutex creates a keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	m := &KeyedMutex{}
	m.init()
	return m
}

func (m *KeyedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i] = make(chan struct{}, 1)
			m.shards[i] <- struct{}{}
		}
	})
}

// LockContext acquires the lock for key or returns ctx's error. The returned unlock
// function must be called exactly once.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.init()
	shard := m.shards[shardIndex(key)]

	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Acquire satisfies the service locker contract. The ttl only matters for distributed
// locks; in-process locks live until unlocked.
func (m *KeyedMutex) Acquire(ctx context.Context, key string, _ time.Duration) (func(), error) {
	return m.LockContext(ctx, key)
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
