// Package items creates catalog entries lazily from the marketplace item API.
package items

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nicktill/tinyauction/pkg/config"
	"github.com/nicktill/tinyauction/pkg/logging"
	"github.com/nicktill/tinyauction/pkg/market"
	"github.com/nicktill/tinyauction/pkg/storage"
)

// Lookup fetches item metadata upstream.
type Lookup interface {
	LookupItem(ctx context.Context, id int64) (market.Item, error)
}

// Resolver returns catalog entries, creating them on first sight.
type Resolver struct {
	store       storage.ItemStore
	lookup      Lookup
	log         *zap.Logger
	concurrency int
	timeout     time.Duration
}

// NewResolver creates a Resolver.
func NewResolver(store storage.ItemStore, lookup Lookup, log *zap.Logger) *Resolver {
	return &Resolver{
		store:       store,
		lookup:      lookup,
		log:         logging.OrNop(log).Named("items"),
		concurrency: config.ItemLookupConcurrency,
		timeout:     config.ItemLookupTimeout,
	}
}

// Resolve returns the stored item, or looks it up and inserts it. When the
// lookup fails a non-persisted "Unknown Item" placeholder is returned so the
// next call retries.
func (r *Resolver) Resolve(ctx context.Context, id int64) (market.Item, error) {
	item, _, err := r.resolve(ctx, id)
	return item, err
}

func (r *Resolver) resolve(ctx context.Context, id int64) (market.Item, bool, error) {
	item, err := r.store.Item(ctx, id)
	if err == nil {
		return item, false, nil
	}
	if !errors.Is(err, storage.ErrItemNotFound) {
		return market.Item{}, false, err
	}

	lctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	found, err := r.lookup.LookupItem(lctx, id)
	if err != nil {
		r.log.Warn("Item lookup failed", zap.Int64("item_id", id), zap.Error(err))
		return market.UnknownItem(id), false, nil
	}
	found.ID = id

	inserted, err := r.store.PutItemIfAbsent(ctx, found)
	if err != nil {
		return market.Item{}, false, err
	}
	if !inserted {
		// Another writer won; the stored row is authoritative.
		stored, err := r.store.Item(ctx, id)
		return stored, false, err
	}
	r.log.Debug("Item cached", zap.Int64("item_id", id), zap.String("name", found.Name))
	return found, true, nil
}

// ResolveUnknown resolves every item in the current snapshot that the catalog
// lacks. It returns how many were persisted.
func (r *Resolver) ResolveUnknown(ctx context.Context) (int, error) {
	ids, err := r.store.UnknownItemIDs(ctx)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	var persisted atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			_, ok, err := r.resolve(gctx, id)
			if ok {
				persisted.Add(1)
			}
			return err
		})
	}
	err = g.Wait()

	n := int(persisted.Load())
	r.log.Info("Resolved unknown items", zap.Int("unknown", len(ids)), zap.Int("persisted", n))
	return n, err
}
