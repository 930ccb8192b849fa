package query

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/nicktill/tinyauction/pkg/market"
	"github.com/nicktill/tinyauction/pkg/tiers"
)

// MarketRow aggregates the current listings of one item.
type MarketRow struct {
	ItemID        int64       `json:"item_id"`
	Name          string      `json:"name"`
	IconURL       string      `json:"icon_url"`
	LowestPrice   int64       `json:"lowest_price"`
	TotalQuantity int64       `json:"total_quantity"`
	AuctionCount  int64       `json:"auction_count"`
	Tier          *tiers.Tier `json:"tier,omitempty"`
}

// HistoryRow is an archived listing joined to its item.
type HistoryRow struct {
	ItemID       int64           `json:"item_id"`
	Name         string          `json:"name"`
	IconURL      string          `json:"icon_url"`
	Quantity     int64           `json:"quantity"`
	Buyout       int64           `json:"buyout"`
	TimeLeft     market.TimeLeft `json:"time_left"`
	SnapshotTime time.Time       `json:"snapshot_time"`
}

// TrendBucket summarizes one UTC hour of history for an item.
type TrendBucket struct {
	Hour          time.Time       `json:"hour"`
	AuctionCount  int64           `json:"auction_count"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	MinPrice      int64           `json:"min_price"`
	MaxPrice      int64           `json:"max_price"`
	TotalQuantity int64           `json:"total_quantity"`
}

// HistoryQuery selects history rows newer than now - Window. ItemID 0
// means every item; a zero Window means the default.
type HistoryQuery struct {
	ItemID int64
	Window time.Duration
}

// TierResponse reports the tier of one item.
type TierResponse struct {
	ItemID int64       `json:"item_id"`
	Tiered bool        `json:"tiered"`
	Tier   *tiers.Tier `json:"tier,omitempty"`
}
