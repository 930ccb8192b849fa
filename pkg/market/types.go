package market

import (
	"strings"
	"time"
)

// UnknownItemName is used when an item cannot be resolved upstream.
const UnknownItemName = "Unknown Item"

// Item is a tradeable item in the catalog.
type Item struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	IconURL string `json:"icon_url,omitempty"`
}

// UnknownItem returns the placeholder used when lookups fail. It is never persisted.
func UnknownItem(id int64) Item {
	return Item{ID: id, Name: UnknownItemName}
}

// TimeLeft is the coarse remaining-duration bucket reported for a listing.
type TimeLeft string

const (
	TimeLeftShort    TimeLeft = "SHORT"
	TimeLeftMedium   TimeLeft = "MEDIUM"
	TimeLeftLong     TimeLeft = "LONG"
	TimeLeftVeryLong TimeLeft = "VERY_LONG"
	TimeLeftUnknown  TimeLeft = "UNKNOWN"
)

// ParseTimeLeft maps an upstream value to a TimeLeft. Empty or unrecognized
// values become TimeLeftUnknown.
func ParseTimeLeft(s string) TimeLeft {
	switch tl := TimeLeft(strings.ToUpper(strings.TrimSpace(s))); tl {
	case TimeLeftShort, TimeLeftMedium, TimeLeftLong, TimeLeftVeryLong:
		return tl
	default:
		return TimeLeftUnknown
	}
}

// Listing is a normalized active listing. Buyout is the total price in copper.
type Listing struct {
	ItemID     int64     `json:"item_id"`
	Quantity   int64     `json:"quantity"`
	Buyout     int64     `json:"buyout"`
	TimeLeft   TimeLeft  `json:"time_left"`
	ObservedAt time.Time `json:"observed_at"`
}

// HistoryRecord is an archived listing. SnapshotTime is the ObservedAt of the
// listing it was copied from.
type HistoryRecord struct {
	ID           int64     `json:"id"`
	ItemID       int64     `json:"item_id"`
	Quantity     int64     `json:"quantity"`
	Buyout       int64     `json:"buyout"`
	TimeLeft     TimeLeft  `json:"time_left"`
	SnapshotTime time.Time `json:"snapshot_time"`
}

// Archive converts a current listing into a history record with the given id.
func (l Listing) Archive(id int64) HistoryRecord {
	return HistoryRecord{
		ID:           id,
		ItemID:       l.ItemID,
		Quantity:     l.Quantity,
		Buyout:       l.Buyout,
		TimeLeft:     l.TimeLeft,
		SnapshotTime: l.ObservedAt,
	}
}
