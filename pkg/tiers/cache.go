package tiers

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/nicktill/tinyauction/pkg/market"
)

// CatalogReader lists the item catalog ordered by (name, id).
type CatalogReader interface {
	Items(ctx context.Context) ([]market.Item, error)
}

// Cache holds the last inference result. It never expires on its own;
// callers Refresh it after the catalog changes.
type Cache struct {
	store CatalogReader
	gap   int64

	mu          sync.RWMutex
	tiers       map[int64]Tier
	fingerprint uint64
	refreshedAt time.Time
	warm        bool
}

// NewCache creates an empty cache.
func NewCache(store CatalogReader, gap int64) *Cache {
	return &Cache{store: store, gap: gap}
}

// Refresh recomputes from the full catalog. It reports whether the catalog
// changed since the previous refresh.
func (c *Cache) Refresh(ctx context.Context) (bool, error) {
	items, err := c.store.Items(ctx)
	if err != nil {
		return false, err
	}
	fp := fingerprint(items)

	c.mu.Lock()
	defer c.mu.Unlock()
	changed := !c.warm || fp != c.fingerprint
	if changed {
		c.tiers = Infer(items, c.gap)
		c.fingerprint = fp
	}
	c.refreshedAt = time.Now()
	c.warm = true
	return changed, nil
}

// Lookup returns the tier of id. A cold cache is filled first.
func (c *Cache) Lookup(ctx context.Context, id int64) (Tier, bool, error) {
	if err := c.ensureWarm(ctx); err != nil {
		return Tier{}, false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tiers[id]
	return t, ok, nil
}

// Snapshot returns a copy of every known tier.
func (c *Cache) Snapshot(ctx context.Context) (map[int64]Tier, error) {
	if err := c.ensureWarm(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[int64]Tier, len(c.tiers))
	for k, v := range c.tiers {
		out[k] = v
	}
	return out, nil
}

// RefreshedAt is the time of the last successful refresh.
func (c *Cache) RefreshedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshedAt
}

func (c *Cache) ensureWarm(ctx context.Context) error {
	c.mu.RLock()
	warm := c.warm
	c.mu.RUnlock()
	if warm {
		return nil
	}
	_, err := c.Refresh(ctx)
	return err
}

// fingerprint hashes ids and names in catalog order.
func fingerprint(items []market.Item) uint64 {
	d := xxhash.New()
	var buf [8]byte
	for _, it := range items {
		binary.BigEndian.PutUint64(buf[:], uint64(it.ID))
		d.Write(buf[:])
		d.WriteString(it.Name)
		d.Write([]byte{0})
	}
	return d.Sum64()
}
