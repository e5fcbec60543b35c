package syncutil

import (
	"context"
	"sync"
	"time"
)

// IdempotencyMap is an in-process idempotency key store with per-key expiry.
type IdempotencyMap struct {
	mu      sync.Mutex
	entries map[string]idempotencyEntry
	now     func() time.Time
}

type idempotencyEntry struct {
	value   string
	expires time.Time
}

// NewIdempotencyMap creates an empty map.
func NewIdempotencyMap() *IdempotencyMap {
	return &IdempotencyMap{
		entries: make(map[string]idempotencyEntry),
		now:     time.Now,
	}
}

// Remember stores value unless a live entry exists. It reports whether it stored.
func (m *IdempotencyMap) Remember(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.sweep(now)
	if _, ok := m.entries[key]; ok {
		return false, nil
	}
	m.entries[key] = idempotencyEntry{value: value, expires: now.Add(ttl)}
	return true, nil
}

// Lookup returns the live value for key.
func (m *IdempotencyMap) Lookup(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || !m.now().Before(e.expires) {
		return "", false, nil
	}
	return e.value, true, nil
}

// Forget drops key.
func (m *IdempotencyMap) Forget(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *IdempotencyMap) sweep(now time.Time) {
	for k, e := range m.entries {
		if !now.Before(e.expires) {
			delete(m.entries, k)
		}
	}
}
