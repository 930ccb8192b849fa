package sqlstore

import (
	"time"

	"github.com/nicktill/tinyauction/pkg/market"
)

// itemRow maps the items table.
type itemRow struct {
	ItemID  int64   `gorm:"column:item_id;primaryKey;autoIncrement:false"`
	Name    string  `gorm:"size:255;not null;index"`
	IconURL *string `gorm:"column:icon_url;size:512"`
}

func (itemRow) TableName() string { return "items" }

func (r itemRow) toItem() market.Item {
	it := market.Item{ID: r.ItemID, Name: r.Name}
	if r.IconURL != nil {
		it.IconURL = *r.IconURL
	}
	return it
}

func fromItem(it market.Item) itemRow {
	row := itemRow{ItemID: it.ID, Name: it.Name}
	if it.IconURL != "" {
		icon := it.IconURL
		row.IconURL = &icon
	}
	return row
}

// currentRow maps current_listings. The surrogate id only exists for gorm.
type currentRow struct {
	ID         uint64    `gorm:"primaryKey"`
	ItemID     int64     `gorm:"index;not null"`
	Quantity   int64     `gorm:"not null"`
	Buyout     int64     `gorm:"not null"`
	TimeLeft   string    `gorm:"size:16;not null"`
	ObservedAt time.Time `gorm:"index;not null"`
}

func (currentRow) TableName() string { return "current_listings" }

func (r currentRow) toListing() market.Listing {
	return market.Listing{
		ItemID:     r.ItemID,
		Quantity:   r.Quantity,
		Buyout:     r.Buyout,
		TimeLeft:   market.TimeLeft(r.TimeLeft),
		ObservedAt: r.ObservedAt.UTC(),
	}
}

func fromListing(l market.Listing) currentRow {
	return currentRow{
		ItemID:     l.ItemID,
		Quantity:   l.Quantity,
		Buyout:     l.Buyout,
		TimeLeft:   string(l.TimeLeft),
		ObservedAt: l.ObservedAt.UTC(),
	}
}

// historyRow maps history and every history_backup_* copy.
type historyRow struct {
	ID           int64     `gorm:"primaryKey"`
	ItemID       int64     `gorm:"not null;index:idx_history_item_time,priority:1"`
	Quantity     int64     `gorm:"not null"`
	Buyout       int64     `gorm:"not null"`
	TimeLeft     string    `gorm:"size:16;not null"`
	SnapshotTime time.Time `gorm:"not null;index;index:idx_history_item_time,priority:2"`
}

func (historyRow) TableName() string { return historyTable }

func (r historyRow) toRecord() market.HistoryRecord {
	return market.HistoryRecord{
		ID:           r.ID,
		ItemID:       r.ItemID,
		Quantity:     r.Quantity,
		Buyout:       r.Buyout,
		TimeLeft:     market.TimeLeft(r.TimeLeft),
		SnapshotTime: r.SnapshotTime.UTC(),
	}
}
