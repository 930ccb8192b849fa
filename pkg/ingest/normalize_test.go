package ingest

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyauction/pkg/market"
	"github.com/nicktill/tinyauction/pkg/upstream"
)

func i64(v int64) *int64 { return &v }

func TestNormalize(t *testing.T) {
	at := time.Date(2026, 6, 1, 10, 0, 0, 0, time.FixedZone("X", 7200))

	auctions := &upstream.AuctionsPayload{Auctions: []upstream.RawAuction{
		{ID: 1, Item: upstream.ItemRef{ID: 19019}, Buyout: i64(5_000_000), Quantity: i64(1), TimeLeft: "LONG"},
		{ID: 2, Item: upstream.ItemRef{ID: 2589}, Bid: i64(10), TimeLeft: "SHORT"},        // bid only
		{ID: 3, Item: upstream.ItemRef{ID: 2589}, Buyout: i64(300)},                       // defaults
		{ID: 4, Item: upstream.ItemRef{ID: 0}, Buyout: i64(300)},                          // no item
		{ID: 5, Item: upstream.ItemRef{ID: 7}, Buyout: i64(300), Quantity: i64(0)},        // zero quantity
		{ID: 6, Item: upstream.ItemRef{ID: 7}, Buyout: i64(0), TimeLeft: "MEDIUM"},        // zero buyout
	}}
	commodities := &upstream.CommoditiesPayload{Auctions: []upstream.RawCommodity{
		{ID: 10, Item: upstream.ItemRef{ID: 2589}, Quantity: i64(20), UnitPrice: i64(150), TimeLeft: "VERY_LONG"},
		{ID: 11, Item: upstream.ItemRef{ID: 2589}, Quantity: i64(5)},                      // no unit price
		{ID: 12, Item: upstream.ItemRef{ID: 2589}, Quantity: i64(5), UnitPrice: i64(0)},   // zero unit price
		{ID: 13, Item: upstream.ItemRef{ID: 2590}, UnitPrice: i64(42)},                    // quantity defaults to 1
		{ID: 14, Item: upstream.ItemRef{ID: 2590}, Quantity: i64(3), UnitPrice: i64(math.MaxInt64 / 2)},
	}}

	res := Normalize(at, auctions, commodities)

	assert.Equal(t, 6, res.Auctions)
	assert.Equal(t, 5, res.Commodities)
	require.Len(t, res.Listings, 4)

	want := []market.Listing{
		{ItemID: 19019, Quantity: 1, Buyout: 5_000_000, TimeLeft: market.TimeLeftLong},
		{ItemID: 2589, Quantity: 1, Buyout: 300, TimeLeft: market.TimeLeftUnknown},
		{ItemID: 2589, Quantity: 20, Buyout: 3000, TimeLeft: market.TimeLeftVeryLong},
		{ItemID: 2590, Quantity: 1, Buyout: 42, TimeLeft: market.TimeLeftUnknown},
	}
	for i, l := range res.Listings {
		assert.True(t, l.ObservedAt.Equal(at), "listing %d not stamped with batch time", i)
		assert.Equal(t, time.UTC, l.ObservedAt.Location())
		l.ObservedAt = time.Time{}
		assert.Equal(t, want[i], l)
	}

	assert.Equal(t, map[string]int{
		DropMissingBuyout:    2,
		DropInvalidItem:      1,
		DropInvalidQuantity:  1,
		DropMissingUnitPrice: 2,
		DropPriceOverflow:    1,
	}, res.Dropped)
	assert.Equal(t, 7, res.DroppedTotal())
}

func TestNormalizeNilPayloads(t *testing.T) {
	res := Normalize(time.Now(), nil, nil)
	assert.Empty(t, res.Listings)
	assert.Zero(t, res.DroppedTotal())
}
