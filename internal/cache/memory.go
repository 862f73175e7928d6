package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryTier implements FastTier with an in-process map. Expired entries are
// removed on access. Safe for concurrent use.
type MemoryTier struct {
	mu   sync.Mutex
	data map[string]memoryEntry
}

type memoryEntry struct {
	entry     Entry
	expiresAt time.Time
}

// NewMemoryTier creates an empty in-memory tier.
func NewMemoryTier() *MemoryTier {
	return &MemoryTier{data: make(map[string]memoryEntry)}
}

// Get implements FastTier.Get.
func (m *MemoryTier) Get(ctx context.Context, key string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok {
		return Entry{}, false, nil
	}
	if time.Now().After(e.expiresAt) {
		delete(m.data, key)
		return Entry{}, false, nil
	}
	return e.entry, true, nil
}

// Set implements FastTier.Set.
func (m *MemoryTier) Set(ctx context.Context, key string, e Entry, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = memoryEntry{entry: e, expiresAt: time.Now().Add(ttl)}
	return nil
}

// Delete implements FastTier.Delete.
func (m *MemoryTier) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Ping always succeeds.
func (m *MemoryTier) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryTier) Close() error { return nil }
