package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rmarchant/webextract/internal/clock"
)

// fsEnvelope is the on-disk entry format.
type fsEnvelope struct {
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	Value     []byte    `json:"value"`
}

// Filesystem is a Backend persisting entries as one JSON file per key,
// surviving process restarts.
type Filesystem struct {
	dir   string
	clock clock.Clock
}

// NewFilesystem creates a filesystem backend rooted at dir.
func NewFilesystem(dir string, clk clock.Clock) (*Filesystem, error) {
	if dir == "" {
		return nil, errors.New("cache dir not configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Filesystem{dir: dir, clock: clk}, nil
}

func (f *Filesystem) pathFor(key string) string {
	// Keys contain a taxonomy prefix; keep it readable in filenames.
	safe := strings.ReplaceAll(key, ":", "_")
	return filepath.Join(f.dir, safe+".json")
}

// Get reads an entry, removing it if expired.
func (f *Filesystem) Get(_ context.Context, key string) ([]byte, bool, error) {
	path := f.pathFor(key)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read cache entry: %w", err)
	}
	var env fsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		// Corrupt entries are dropped, not surfaced.
		_ = os.Remove(path)
		return nil, false, nil
	}
	if !env.ExpiresAt.IsZero() && f.clock.Now().After(env.ExpiresAt) {
		_ = os.Remove(path)
		return nil, false, nil
	}
	return env.Value, true, nil
}

// Set writes an entry. A non-positive TTL means no expiry.
func (f *Filesystem) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	env := fsEnvelope{Value: value}
	if ttl > 0 {
		env.ExpiresAt = f.clock.Now().Add(ttl)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := os.WriteFile(f.pathFor(key), raw, 0o644); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}

// Delete removes an entry; missing entries are not an error.
func (f *Filesystem) Delete(_ context.Context, key string) error {
	if err := os.Remove(f.pathFor(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove cache entry: %w", err)
	}
	return nil
}

// Clear removes every entry file under the cache dir.
func (f *Filesystem) Clear(context.Context) error {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return fmt.Errorf("list cache dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if err := os.Remove(filepath.Join(f.dir, entry.Name())); err != nil {
			return fmt.Errorf("remove cache entry: %w", err)
		}
	}
	return nil
}

// Sweep removes expired entry files.
func (f *Filesystem) Sweep(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return 0, fmt.Errorf("list cache dir: %w", err)
	}
	now := f.clock.Now()
	removed := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(f.dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var env fsEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			_ = os.Remove(path)
			removed++
			continue
		}
		if !env.ExpiresAt.IsZero() && now.After(env.ExpiresAt) {
			if os.Remove(path) == nil {
				removed++
			}
		}
	}
	return removed, nil
}
