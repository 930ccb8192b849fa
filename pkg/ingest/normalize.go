package ingest

import (
	"time"

	"github.com/nicktill/tinyauction/pkg/market"
	"github.com/nicktill/tinyauction/pkg/upstream"
)

// NormalizeResult is the canonical batch plus what was dropped.
type NormalizeResult struct {
	Listings    []market.Listing `json:"-"`
	Auctions    int              `json:"auctions"`
	Commodities int              `json:"commodities"`
	Dropped     map[string]int   `json:"dropped,omitempty"`
}

// DroppedTotal sums every drop reason.
func (r *NormalizeResult) DroppedTotal() int {
	n := 0
	for _, c := range r.Dropped {
		n += c
	}
	return n
}

func (r *NormalizeResult) drop(err error) {
	if r.Dropped == nil {
		r.Dropped = make(map[string]int)
	}
	r.Dropped[DropReason(err)]++
}

// Normalize converts raw auctions and commodities into listings stamped with
// one observation time. Entries without a resolvable total price are dropped.
// Either payload may be nil.
func Normalize(observedAt time.Time, auctions *upstream.AuctionsPayload, commodities *upstream.CommoditiesPayload) *NormalizeResult {
	observedAt = observedAt.UTC()
	res := &NormalizeResult{}

	if auctions != nil {
		res.Auctions = len(auctions.Auctions)
		for _, a := range auctions.Auctions {
			l, err := normalizeAuction(a, observedAt)
			if err != nil {
				res.drop(err)
				continue
			}
			res.Listings = append(res.Listings, l)
		}
	}

	if commodities != nil {
		res.Commodities = len(commodities.Auctions)
		for _, c := range commodities.Auctions {
			l, err := normalizeCommodity(c, observedAt)
			if err != nil {
				res.drop(err)
				continue
			}
			res.Listings = append(res.Listings, l)
		}
	}
	return res
}

func quantityOrOne(q *int64) int64 {
	if q == nil {
		return 1
	}
	return *q
}

func normalizeAuction(a upstream.RawAuction, at time.Time) (market.Listing, error) {
	if a.Buyout == nil {
		return market.Listing{}, ErrMissingBuyout
	}
	l := market.Listing{
		ItemID:     a.Item.ID,
		Quantity:   quantityOrOne(a.Quantity),
		Buyout:     *a.Buyout,
		TimeLeft:   market.ParseTimeLeft(a.TimeLeft),
		ObservedAt: at,
	}
	return l, ValidateListing(l)
}

func normalizeCommodity(c upstream.RawCommodity, at time.Time) (market.Listing, error) {
	if c.UnitPrice == nil || *c.UnitPrice == 0 {
		return market.Listing{}, ErrMissingUnitPrice
	}
	qty := quantityOrOne(c.Quantity)
	if qty <= 0 {
		return market.Listing{}, ErrInvalidQuantity
	}
	total, err := totalPrice(*c.UnitPrice, qty)
	if err != nil {
		return market.Listing{}, err
	}
	l := market.Listing{
		ItemID:     c.Item.ID,
		Quantity:   qty,
		Buyout:     total,
		TimeLeft:   market.ParseTimeLeft(c.TimeLeft),
		ObservedAt: at,
	}
	return l, ValidateListing(l)
}
