package revocation

import (
	"context"
	"sync"
	"time"

	"github.com/aussiebroadwan/relay/pkg/clock"
)

// MemoryCache is a process-local Cache. Records are only visible to this
// process, so it suits single-instance deployments and development.
//
// Expired records are invisible to lookups immediately and are removed from
// memory by Cleanup.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	clock   clock.Clock
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

func NewMemoryCache(c clock.Clock) *MemoryCache {
	if c == nil {
		c = clock.Real()
	}
	return &MemoryCache{entries: make(map[string]memoryEntry), clock: c}
}

func (m *MemoryCache) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	return ok && m.clock.Now().Before(e.expiresAt), nil
}

func (m *MemoryCache) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if e, ok := m.entries[key]; ok && now.Before(e.expiresAt) {
		return false, nil
	}
	m.entries[key] = memoryEntry{value: value, expiresAt: now.Add(ttl)}
	return true, nil
}

// Cleanup drops expired records and returns how many were removed.
func (m *MemoryCache) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	removed := 0
	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of records held, including expired ones not yet
// cleaned up.
func (m *MemoryCache) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *MemoryCache) Ping(context.Context) error { return nil }
func (m *MemoryCache) Close() error { return nil }
