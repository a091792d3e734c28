package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rmarchant/webextract/internal/clock"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Memory is an in-process Backend for development and tests.
type Memory struct {
	mu    sync.RWMutex
	data  map[string]memoryEntry
	clock clock.Clock
}

// NewMemory creates an in-memory backend. A nil clock uses system time.
func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Memory{
		data:  make(map[string]memoryEntry),
		clock: clk,
	}
}

// Get returns the value if present and unexpired. Expired entries are
// removed on sight.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	entry, ok := m.data[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if entry.expired(m.clock.Now()) {
		m.mu.Lock()
		// Re-check under the write lock; a Set may have raced in.
		if cur, ok := m.data[key]; ok && cur.expired(m.clock.Now()) {
			delete(m.data, key)
		}
		m.mu.Unlock()
		return nil, false, nil
	}
	return append([]byte(nil), entry.value...), true, nil
}

// Set stores a copy of the value. A non-positive TTL means no expiry.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = m.clock.Now().Add(ttl)
	}
	m.mu.Lock()
	m.data[key] = entry
	m.mu.Unlock()
	return nil
}

// Delete removes a key.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

// Clear drops every entry.
func (m *Memory) Clear(context.Context) error {
	m.mu.Lock()
	m.data = make(map[string]memoryEntry)
	m.mu.Unlock()
	return nil
}

// Sweep removes all expired entries.
func (m *Memory) Sweep(context.Context) (int, error) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, entry := range m.data {
		if entry.expired(now) {
			delete(m.data, key)
			removed++
		}
	}
	return removed, nil
}

// Len reports the number of stored entries, expired or not.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
