package storage

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nicktill/tinyauction/pkg/market"
)

// Selector picks history rows for pruning. Every backend evaluates the same
// selector for both DryRun and Apply, so a preview always equals the deletion.
type Selector interface {
	Describe() string
	isSelector()
}

// Comparison of a rule threshold.
type Comparison int

const (
	Above Comparison = iota
	Below
)

// OutlierRule flags a buyout strictly above or below Threshold. ItemID 0
// applies the rule to every item.
type OutlierRule struct {
	Name      string
	ItemID    int64
	Cmp       Comparison
	Threshold int64
}

// Matches reports whether the rule flags r.
func (r OutlierRule) Matches(rec market.HistoryRecord) bool {
	if r.ItemID != 0 && rec.ItemID != r.ItemID {
		return false
	}
	if r.Cmp == Above {
		return rec.Buyout > r.Threshold
	}
	return rec.Buyout < r.Threshold
}

func (r OutlierRule) String() string {
	op := ">"
	if r.Cmp == Below {
		op = "<"
	}
	if r.ItemID != 0 {
		return fmt.Sprintf("%s: item %d buyout %s %d", r.Name, r.ItemID, op, r.Threshold)
	}
	return fmt.Sprintf("%s: buyout %s %d", r.Name, op, r.Threshold)
}

// OutlierSelector selects rows matching any of its rules.
type OutlierSelector struct {
	Rules []OutlierRule
}

func (OutlierSelector) isSelector() {}

func (s OutlierSelector) Describe() string {
	parts := make([]string, len(s.Rules))
	for i, r := range s.Rules {
		parts[i] = r.String()
	}
	return "outliers(" + strings.Join(parts, "; ") + ")"
}

// Matches reports whether any rule flags rec.
func (s OutlierSelector) Matches(rec market.HistoryRecord) bool {
	for _, r := range s.Rules {
		if r.Matches(rec) {
			return true
		}
	}
	return false
}

// DailyDuplicatesSelector selects every row except the cheapest one per
// (item, UTC calendar day). Ties keep the lowest id.
type DailyDuplicatesSelector struct{}

func (DailyDuplicatesSelector) isSelector() {}

func (DailyDuplicatesSelector) Describe() string { return "daily-duplicates" }

// OlderThanSelector selects rows with SnapshotTime strictly before Cutoff.
type OlderThanSelector struct {
	Cutoff time.Time
}

func (OlderThanSelector) isSelector() {}

func (s OlderThanSelector) Describe() string {
	return "older-than(" + s.Cutoff.UTC().Format(time.RFC3339) + ")"
}

// DayKey identifies an (item, UTC day) group.
type DayKey struct {
	ItemID int64
	Day    string
}

// DayKeyOf returns the downsampling group of rec.
func DayKeyOf(rec market.HistoryRecord) DayKey {
	return DayKey{ItemID: rec.ItemID, Day: rec.SnapshotTime.UTC().Format("2006-01-02")}
}

// Victims returns the ids sel selects among records, ascending. The memory
// and badger backends share it.
func Victims(records []market.HistoryRecord, sel Selector) []int64 {
	var ids []int64
	switch s := sel.(type) {
	case OutlierSelector:
		for _, r := range records {
			if s.Matches(r) {
				ids = append(ids, r.ID)
			}
		}
	case OlderThanSelector:
		for _, r := range records {
			if r.SnapshotTime.Before(s.Cutoff) {
				ids = append(ids, r.ID)
			}
		}
	case DailyDuplicatesSelector:
		keep := make(map[DayKey]market.HistoryRecord)
		for _, r := range records {
			k := DayKeyOf(r)
			cur, ok := keep[k]
			if !ok || r.Buyout < cur.Buyout || (r.Buyout == cur.Buyout && r.ID < cur.ID) {
				keep[k] = r
			}
		}
		for _, r := range records {
			if keep[DayKeyOf(r)].ID != r.ID {
				ids = append(ids, r.ID)
			}
		}
	default:
		panic(fmt.Sprintf("storage: unsupported selector %T", sel))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
