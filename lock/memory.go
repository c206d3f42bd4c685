package lock

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// MEMORY LOCKER - Process-local implementation (for testing/dev)
// =============================================================================

// MemoryLocker has the same TTL and token semantics as RedisLocker but only
// excludes goroutines within one process.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]memoryLock
	clock func() time.Time
}

type memoryLock struct {
	token     string
	expiresAt time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]memoryLock), clock: time.Now}
}

// WithClock overrides the time source used for TTL expiry.
func (m *MemoryLocker) WithClock(now func() time.Time) *MemoryLocker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = now
	return m
}

func (m *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if cur, ok := m.held[key]; ok && now.Before(cur.expiresAt) {
		return "", ErrNotAcquired
	}
	token := newToken()
	m.held[key] = memoryLock{token: token, expiresAt: now.Add(ttl)}
	return token, nil
}

func (m *MemoryLocker) Release(_ context.Context, key, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.held[key]
	if !ok || cur.token != token {
		return false, nil
	}
	delete(m.held, key)
	return true, nil
}

// Held reports whether key is currently held. Used by tests and diagnostics.
func (m *MemoryLocker) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.held[key]
	return ok && m.clock().Before(cur.expiresAt)
}
