// Package cache provides TTL key/value caching over pluggable backends.
// The cache is an optimization only: backend failures degrade to a miss
// and are never surfaced to callers as pipeline failures.
package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/rmarchant/webextract/internal/metrics"
)

// Backend stores opaque byte payloads with per-entry TTLs. In-memory and
// networked implementations satisfy the same contract. Get must never
// return an expired entry; expired entries are removed when encountered.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// Sweeper is an optional backend capability that removes expired entries
// in bulk. Lazy eviction on Get works without it.
type Sweeper interface {
	Sweep(ctx context.Context) (removed int, err error)
}

// Manager fronts a Backend, downgrading every backend error to a miss.
type Manager struct {
	backend Backend
	logger  *zap.Logger
}

// NewManager wraps a backend. A nil logger is replaced with a no-op.
func NewManager(backend Backend, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{backend: backend, logger: logger}
}

// Get returns the cached value, or absent on miss, expiry, or backend
// error.
func (m *Manager) Get(ctx context.Context, key string) ([]byte, bool) {
	if m == nil || m.backend == nil {
		return nil, false
	}
	val, ok, err := m.backend.Get(ctx, key)
	if err != nil {
		m.logger.Warn("cache get failed, treating as miss", zap.String("key", key), zap.Error(err))
		metrics.ObserveCacheLookup(false)
		return nil, false
	}
	metrics.ObserveCacheLookup(ok)
	return val, ok
}

// Set stores the value best-effort.
func (m *Manager) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if m == nil || m.backend == nil {
		return
	}
	if err := m.backend.Set(ctx, key, value, ttl); err != nil {
		m.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
}

// Delete removes a key best-effort.
func (m *Manager) Delete(ctx context.Context, key string) {
	if m == nil || m.backend == nil {
		return
	}
	if err := m.backend.Delete(ctx, key); err != nil {
		m.logger.Warn("cache delete failed", zap.String("key", key), zap.Error(err))
	}
}

// Clear drops every entry best-effort.
func (m *Manager) Clear(ctx context.Context) {
	if m == nil || m.backend == nil {
		return
	}
	if err := m.backend.Clear(ctx); err != nil {
		m.logger.Warn("cache clear failed", zap.Error(err))
	}
}

// SweepLoop periodically removes expired entries until ctx finishes.
// It is a no-op when the backend does not implement Sweeper.
func (m *Manager) SweepLoop(ctx context.Context, interval time.Duration) {
	if m == nil || interval <= 0 {
		return
	}
	sweeper, ok := m.backend.(Sweeper)
	if !ok {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := sweeper.Sweep(ctx)
			if err != nil {
				m.logger.Warn("cache sweep failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				m.logger.Debug("cache sweep removed entries", zap.Int("removed", removed))
			}
		}
	}
}
