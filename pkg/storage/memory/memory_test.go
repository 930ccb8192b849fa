package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nicktill/tinyauction/pkg/market"
	"github.com/nicktill/tinyauction/pkg/storage"
	"github.com/nicktill/tinyauction/pkg/storage/storagetest"
)

func TestMemoryStorage_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, fp storage.Failpoint) storage.Storage {
		s := New(WithFailpoint(fp))
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestMemoryStorage_ConcurrentReplaceAndRead(t *testing.T) {
	store := New()
	defer store.Close()

	ctx := context.Background()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			batch := []market.Listing{storagetest.Listing(int64(i+1), 100, time.Now())}
			if _, err := store.ReplaceCurrent(ctx, batch, time.Now().Add(-time.Hour)); err != nil {
				t.Errorf("ReplaceCurrent failed: %v", err)
			}
		}(i)
		go func() {
			defer wg.Done()
			if _, err := store.CurrentListings(ctx); err != nil {
				t.Errorf("CurrentListings failed: %v", err)
			}
		}()
	}
	wg.Wait()

	current, err := store.CurrentListings(ctx)
	if err != nil {
		t.Fatalf("CurrentListings failed: %v", err)
	}
	if len(current) != 1 {
		t.Errorf("Expected exactly one listing from the last batch, got %d", len(current))
	}

	n, _ := store.CountHistory(ctx)
	if n != 9 {
		t.Errorf("Expected 9 archived listings, got %d", n)
	}
}

func TestMemoryStorage_CancelledContext(t *testing.T) {
	store := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := store.ReplaceCurrent(ctx, nil, time.Time{}); err == nil {
		t.Error("Expected error on cancelled context")
	}
	if _, err := store.Prune(ctx, storage.DailyDuplicatesSelector{}, storage.Apply); err == nil {
		t.Error("Expected error on cancelled context")
	}
}
