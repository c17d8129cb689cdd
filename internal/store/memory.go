// ABOUTME: In-memory keyed store for tests and ephemeral deployments
// ABOUTME: Honors TTLs against an injectable clock so expiry can be simulated

package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/2389/stillsafe-gateway/internal/clock"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func (e memoryEntry) live(now time.Time) bool {
	return e.expiresAt.IsZero() || now.Before(e.expiresAt)
}

// MemoryStore is an in-memory KV implementation.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	clock   clock.Clock
}

// NewMemoryStore creates an empty MemoryStore. A nil clock means wall time.
func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.Real{}
	}
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		clock:   c,
	}
}

func (m *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.clock.Now().Add(ttl)
}

func (m *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	if !ok || !e.live(m.clock.Now()) {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (m *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = memoryEntry{value: value, expiresAt: m.expiry(ttl)}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

func (m *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || !e.live(m.clock.Now()) {
		return ErrNotFound
	}
	e.expiresAt = m.expiry(ttl)
	m.entries[key] = e
	return nil
}

func (m *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.clock.Now()
	var keys []string
	for k, e := range m.entries {
		if strings.HasPrefix(k, prefix) && e.live(now) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
