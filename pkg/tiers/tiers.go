// Package tiers detects quality tiers: groups of exactly three items that
// share a name and have nearly consecutive ids.
package tiers

import (
	"sort"

	"github.com/nicktill/tinyauction/pkg/market"
)

// GroupSize is the only run length that qualifies as a tier group.
const GroupSize = 3

// Tier describes an item's position within its group.
type Tier struct {
	Tier       int    `json:"tier"`
	TotalTiers int    `json:"total_tiers"`
	Name       string `json:"name"`
}

// Infer groups items by name (ordered by name, then id) and returns tier
// info for every member of a qualifying group. Consecutive ids in a group may
// differ by at most gap.
func Infer(items []market.Item, gap int64) map[int64]Tier {
	sorted := append([]market.Item(nil), items...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Name != sorted[j].Name {
			return sorted[i].Name < sorted[j].Name
		}
		return sorted[i].ID < sorted[j].ID
	})

	out := make(map[int64]Tier)
	for i := 0; i < len(sorted); {
		j := i
		for j < len(sorted) && sorted[j].Name == sorted[i].Name {
			j++
		}
		if run := sorted[i:j]; qualifies(run, gap) {
			for k, it := range run {
				out[it.ID] = Tier{Tier: k + 1, TotalTiers: GroupSize, Name: it.Name}
			}
		}
		i = j
	}
	return out
}

func qualifies(run []market.Item, gap int64) bool {
	if len(run) != GroupSize {
		return false
	}
	for k := 1; k < len(run); k++ {
		if run[k].ID-run[k-1].ID > gap {
			return false
		}
	}
	return true
}
