package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyauction/pkg/market"
	"github.com/nicktill/tinyauction/pkg/storage/memory"
	"github.com/nicktill/tinyauction/pkg/storage/storagetest"
	"github.com/nicktill/tinyauction/pkg/tiers"
)

var now = storagetest.Base

func seedCatalog(t *testing.T, store *memory.Storage, items ...market.Item) {
	t.Helper()
	for _, it := range items {
		_, err := store.PutItemIfAbsent(context.Background(), it)
		require.NoError(t, err)
	}
}

func newService(store *memory.Storage) *Service {
	s := New(store, tiers.NewCache(store, 5), nil)
	s.now = func() time.Time { return now }
	return s
}

func TestMarket(t *testing.T) {
	store := memory.New()
	seedCatalog(t, store,
		market.Item{ID: 10, Name: "Copper Ore"},
		market.Item{ID: 20, Name: "Tin Ore"},
		market.Item{ID: 30, Name: "Potion"},
		market.Item{ID: 31, Name: "Potion"},
		market.Item{ID: 32, Name: "Potion"},
	)
	_, err := store.ReplaceCurrent(context.Background(), []market.Listing{
		{ItemID: 10, Quantity: 5, Buyout: 300, ObservedAt: now},
		{ItemID: 10, Quantity: 2, Buyout: 200, ObservedAt: now},
		{ItemID: 20, Quantity: 1, Buyout: 200, ObservedAt: now},
		{ItemID: 31, Quantity: 1, Buyout: 50, ObservedAt: now},
		{ItemID: 99, Quantity: 1, Buyout: 1, ObservedAt: now}, // not in catalog
	}, time.Time{})
	require.NoError(t, err)

	s := newService(store)
	rows, err := s.Market(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, int64(31), rows[0].ItemID)
	require.NotNil(t, rows[0].Tier)
	assert.Equal(t, 2, rows[0].Tier.Tier)

	// Equal lowest price: lower item id first.
	assert.Equal(t, int64(10), rows[1].ItemID)
	assert.Equal(t, int64(200), rows[1].LowestPrice)
	assert.Equal(t, int64(7), rows[1].TotalQuantity)
	assert.Equal(t, int64(2), rows[1].AuctionCount)
	assert.Nil(t, rows[1].Tier)
	assert.Equal(t, int64(20), rows[2].ItemID)

	rows, err = s.Market(context.Background(), "ORE")
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestHistoryWindow(t *testing.T) {
	store := memory.New()
	seedCatalog(t, store, market.Item{ID: 1, Name: "Linen Cloth"}, market.Item{ID: 2, Name: "Wool Cloth"})
	storagetest.SeedHistory(t, store,
		storagetest.Listing(1, 100, now.Add(-1*time.Hour)),
		storagetest.Listing(1, 110, now.Add(-2*time.Hour)),
		storagetest.Listing(2, 120, now.Add(-3*time.Hour)),
		storagetest.Listing(1, 130, now.Add(-30*time.Hour)),
	)
	s := newService(store)
	ctx := context.Background()

	rows, err := s.History(ctx, HistoryQuery{})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, int64(100), rows[0].Buyout)
	assert.Equal(t, "Linen Cloth", rows[0].Name)
	assert.Equal(t, int64(120), rows[2].Buyout)

	rows, err = s.History(ctx, HistoryQuery{ItemID: 1, Window: 48 * time.Hour})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, int64(130), rows[2].Buyout)
}

func TestTrendsBucketing(t *testing.T) {
	store := memory.New()
	hour := now.Add(-2 * time.Hour).Truncate(time.Hour)
	storagetest.SeedHistory(t, store,
		storagetest.Listing(5, 10, hour.Add(5*time.Minute)),
		storagetest.Listing(5, 20, hour.Add(25*time.Minute)),
		storagetest.Listing(5, 30, hour.Add(55*time.Minute)),
		storagetest.Listing(5, 99, hour.Add(time.Hour)),
		storagetest.Listing(6, 1, hour),
	)
	s := newService(store)

	buckets, err := s.Trends(context.Background(), 5, 0)
	require.NoError(t, err)
	require.Len(t, buckets, 2)

	assert.True(t, buckets[0].Hour.Equal(hour.Add(time.Hour)))
	b := buckets[1]
	assert.True(t, b.Hour.Equal(hour))
	assert.Equal(t, int64(3), b.AuctionCount)
	assert.Equal(t, "20", b.AvgPrice.String())
	assert.Equal(t, int64(10), b.MinPrice)
	assert.Equal(t, int64(30), b.MaxPrice)
	assert.Equal(t, int64(3), b.TotalQuantity)
}

func TestBucketsRoundsAverage(t *testing.T) {
	at := now.Truncate(time.Hour)
	b := Buckets([]market.HistoryRecord{
		{ID: 1, ItemID: 1, Quantity: 1, Buyout: 1, SnapshotTime: at},
		{ID: 2, ItemID: 1, Quantity: 1, Buyout: 2, SnapshotTime: at},
		{ID: 3, ItemID: 1, Quantity: 1, Buyout: 2, SnapshotTime: at},
	})
	require.Len(t, b, 1)
	assert.Equal(t, "1.67", b[0].AvgPrice.String())
}

func TestSearch(t *testing.T) {
	store := memory.New()
	seedCatalog(t, store,
		market.Item{ID: 1, Name: "Linen Cloth"},
		market.Item{ID: 2, Name: "Bolt of Linen Cloth"},
		market.Item{ID: 3, Name: "Linen Bandage"},
		market.Item{ID: 4, Name: "Heavy Linen Bandage"},
		market.Item{ID: 5, Name: "Linen Bag"},
		market.Item{ID: 6, Name: "Linen Belt"},
		market.Item{ID: 7, Name: "Copper Bar"},
	)
	s := newService(store)
	ctx := context.Background()

	got, err := s.Search(ctx, "li")
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = s.Search(ctx, "linen")
	require.NoError(t, err)
	var names []string
	for _, it := range got {
		names = append(names, it.Name)
	}
	assert.Equal(t, []string{
		"Linen Bag",
		"Linen Bandage",
		"Linen Belt",
		"Linen Cloth",
		"Bolt of Linen Cloth",
	}, names)
}

func TestTier(t *testing.T) {
	store := memory.New()
	seedCatalog(t, store,
		market.Item{ID: 30, Name: "Potion"},
		market.Item{ID: 31, Name: "Potion"},
		market.Item{ID: 33, Name: "Potion"},
		market.Item{ID: 50, Name: "Ore"},
	)
	s := newService(store)
	ctx := context.Background()

	resp, err := s.Tier(ctx, 33)
	require.NoError(t, err)
	assert.True(t, resp.Tiered)
	assert.Equal(t, tiers.Tier{Tier: 3, TotalTiers: 3, Name: "Potion"}, *resp.Tier)

	resp, err = s.Tier(ctx, 50)
	require.NoError(t, err)
	assert.False(t, resp.Tiered)

	_, err = s.Tier(ctx, 404)
	assert.ErrorIs(t, err, market.ErrNotFound)
}
