package retention

import (
	"time"

	"github.com/nicktill/tinyauction/pkg/storage"
)

// ReferenceItemID is Linen Cloth, a cheap high-volume item whose price
// bounds are well known.
const ReferenceItemID = 2589

// Policy holds the retention thresholds.
type Policy struct {
	// Outlier rules; a row matching any rule is removed
	Outliers []storage.OutlierRule

	// Purge horizon used when none is given
	DefaultHorizon time.Duration
}

// DefaultPolicy returns the built-in thresholds. Prices are in copper.
func DefaultPolicy() Policy {
	return Policy{
		Outliers: []storage.OutlierRule{
			{Name: "extreme_high", Cmp: storage.Above, Threshold: 10_000_000_000}, // 1M gold
			{Name: "extreme_low", Cmp: storage.Below, Threshold: 1},
			{Name: "reference_high", ItemID: ReferenceItemID, Cmp: storage.Above, Threshold: 1_000_000}, // 100 gold
			{Name: "reference_low", ItemID: ReferenceItemID, Cmp: storage.Below, Threshold: 50},
		},
		DefaultHorizon: 30 * 24 * time.Hour,
	}
}

// OutlierSelector selects rows matching any policy rule.
func (p Policy) OutlierSelector() storage.OutlierSelector {
	return storage.OutlierSelector{Rules: p.Outliers}
}

// Horizon returns d, or the default when d is not positive.
func (p Policy) Horizon(d time.Duration) time.Duration {
	if d <= 0 {
		return p.DefaultHorizon
	}
	return d
}
