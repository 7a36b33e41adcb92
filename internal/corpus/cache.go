// Package corpus owns the in-memory chapter list: a once-per-process cache
// over the store plus the filter/search/selection engine the reader view
// is computed from.
package corpus

import (
	"context"
	"sort"
	"sync"

	"daoread/api/internal/store"
)

// Loader supplies the full chapter list from the backing store.
type Loader interface {
	ListChapters(ctx context.Context) ([]store.Chapter, error)
}

// Cache loads the full corpus once and shares the sorted list read-only.
// The list is never mutated in place; Reload swaps in a fresh one.
type Cache struct {
	loader Loader

	mu      sync.RWMutex
	loaded  bool
	loading bool
	data    []store.Chapter
	err     error
}

func NewCache(loader Loader) *Cache {
	return &Cache{loader: loader, data: []store.Chapter{}}
}

// Load runs the initial load exactly once; later calls are no-ops.
func (c *Cache) Load(ctx context.Context) error {
	c.mu.RLock()
	loaded := c.loaded
	c.mu.RUnlock()
	if loaded {
		return nil
	}
	return c.Reload(ctx)
}

// Reload re-runs the idempotent full load, replacing the snapshot.
func (c *Cache) Reload(ctx context.Context) error {
	c.mu.Lock()
	c.loading = true
	c.mu.Unlock()

	chapters, err := c.loader.ListChapters(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.loading = false
	c.loaded = true
	if err != nil {
		// Downstream consumers get an empty list, never a partial one.
		c.data = []store.Chapter{}
		c.err = err
		return err
	}

	cleaned := make([]store.Chapter, 0, len(chapters))
	for _, chapter := range chapters {
		// Records without a usable chapter key are dropped, not fatal.
		if chapter.Chapter <= 0 {
			continue
		}
		cleaned = append(cleaned, chapter)
	}
	sort.Slice(cleaned, func(i, j int) bool { return cleaned[i].Chapter < cleaned[j].Chapter })

	c.data = cleaned
	c.err = nil
	return nil
}

// Snapshot returns the current list along with loading/error state. The
// returned slice is shared; callers must not mutate it.
func (c *Cache) Snapshot() ([]store.Chapter, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data, c.loading, c.err
}
