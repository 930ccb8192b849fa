// Package query answers read-only questions about the market: the current
// snapshot, price history, hourly trends and item search.
package query

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nicktill/tinyauction/pkg/config"
	"github.com/nicktill/tinyauction/pkg/logging"
	"github.com/nicktill/tinyauction/pkg/market"
	"github.com/nicktill/tinyauction/pkg/storage"
	"github.com/nicktill/tinyauction/pkg/tiers"
)

// Store is the read surface the service needs.
type Store interface {
	CurrentListings(ctx context.Context) ([]market.Listing, error)
	History(ctx context.Context, req storage.HistoryRequest) ([]market.HistoryRecord, error)
	Items(ctx context.Context) ([]market.Item, error)
	Item(ctx context.Context, id int64) (market.Item, error)
}

// Service runs market queries.
type Service struct {
	store Store
	tiers *tiers.Cache
	log   *zap.Logger
	now   func() time.Time
}

// New creates a Service. tierCache may be nil, in which case no tier
// information is attached.
func New(store Store, tierCache *tiers.Cache, log *zap.Logger) *Service {
	return &Service{
		store: store,
		tiers: tierCache,
		log:   logging.OrNop(log).Named("query"),
		now:   time.Now,
	}
}

// Market aggregates current listings per item, cheapest first. filter, when
// non-empty, keeps items whose name contains it (case-insensitive).
// Listings of items missing from the catalog are left out.
func (s *Service) Market(ctx context.Context, filter string) ([]MarketRow, error) {
	listings, err := s.store.CurrentListings(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load current listings")
	}
	catalog, err := s.catalog(ctx)
	if err != nil {
		return nil, err
	}
	tierMap, err := s.tierSnapshot(ctx)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(filter)
	rows := make(map[int64]*MarketRow)
	for _, l := range listings {
		item, ok := catalog[l.ItemID]
		if !ok {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(item.Name), needle) {
			continue
		}
		row, ok := rows[l.ItemID]
		if !ok {
			row = &MarketRow{
				ItemID:      item.ID,
				Name:        item.Name,
				IconURL:     item.IconURL,
				LowestPrice: l.Buyout,
			}
			if t, ok := tierMap[item.ID]; ok {
				row.Tier = &t
			}
			rows[l.ItemID] = row
		}
		row.LowestPrice = min(row.LowestPrice, l.Buyout)
		row.TotalQuantity += l.Quantity
		row.AuctionCount++
	}

	out := make([]MarketRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LowestPrice != out[j].LowestPrice {
			return out[i].LowestPrice < out[j].LowestPrice
		}
		return out[i].ItemID < out[j].ItemID
	})
	return out, nil
}

// History returns archived listings newer than now - q.Window, newest first.
func (s *Service) History(ctx context.Context, q HistoryQuery) ([]HistoryRow, error) {
	records, err := s.store.History(ctx, storage.HistoryRequest{
		After:  s.now().Add(-clampWindow(q.Window)),
		ItemID: q.ItemID,
	})
	if err != nil {
		return nil, errors.Wrap(err, "load history")
	}
	catalog, err := s.catalog(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]HistoryRow, 0, len(records))
	for _, r := range records {
		item, ok := catalog[r.ItemID]
		if !ok {
			continue
		}
		out = append(out, HistoryRow{
			ItemID:       r.ItemID,
			Name:         item.Name,
			IconURL:      item.IconURL,
			Quantity:     r.Quantity,
			Buyout:       r.Buyout,
			TimeLeft:     r.TimeLeft,
			SnapshotTime: r.SnapshotTime,
		})
	}
	return out, nil
}

// Trends buckets the history of itemID by UTC hour, newest first.
func (s *Service) Trends(ctx context.Context, itemID int64, window time.Duration) ([]TrendBucket, error) {
	records, err := s.store.History(ctx, storage.HistoryRequest{
		After:  s.now().Add(-clampWindow(window)),
		ItemID: itemID,
	})
	if err != nil {
		return nil, errors.Wrap(err, "load history")
	}
	return Buckets(records), nil
}

// Buckets groups records by UTC hour, newest hour first. The average is
// rounded to two decimal places.
func Buckets(records []market.HistoryRecord) []TrendBucket {
	type acc struct {
		TrendBucket
		sum int64
	}
	byHour := make(map[time.Time]*acc)
	for _, r := range records {
		hour := r.SnapshotTime.UTC().Truncate(time.Hour)
		b, ok := byHour[hour]
		if !ok {
			b = &acc{TrendBucket: TrendBucket{Hour: hour, MinPrice: r.Buyout, MaxPrice: r.Buyout}}
			byHour[hour] = b
		}
		b.AuctionCount++
		b.sum += r.Buyout
		b.MinPrice = min(b.MinPrice, r.Buyout)
		b.MaxPrice = max(b.MaxPrice, r.Buyout)
		b.TotalQuantity += r.Quantity
	}

	out := make([]TrendBucket, 0, len(byHour))
	for _, b := range byHour {
		b.AvgPrice = decimal.NewFromInt(b.sum).Div(decimal.NewFromInt(b.AuctionCount)).Round(2)
		out = append(out, b.TrendBucket)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hour.After(out[j].Hour) })
	return out
}

// Search suggests up to SearchMaxResults items for q. Names starting with
// q come first, then names containing it, each group ordered by name.
// Queries shorter than SearchMinQueryLength return nothing.
func (s *Service) Search(ctx context.Context, q string) ([]market.Item, error) {
	if len([]rune(q)) < config.SearchMinQueryLength {
		return []market.Item{}, nil
	}
	items, err := s.store.Items(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load items")
	}

	needle := strings.ToLower(q)
	var prefix, contains []market.Item
	for _, it := range items {
		name := strings.ToLower(it.Name)
		switch {
		case strings.HasPrefix(name, needle):
			prefix = append(prefix, it)
		case strings.Contains(name, needle):
			contains = append(contains, it)
		}
	}

	out := make([]market.Item, 0, config.SearchMaxResults)
	seen := make(map[int64]bool)
	for _, it := range append(prefix, contains...) {
		if seen[it.ID] {
			continue
		}
		seen[it.ID] = true
		out = append(out, it)
		if len(out) == config.SearchMaxResults {
			break
		}
	}
	return out, nil
}

// Items returns the catalog ordered by name.
func (s *Service) Items(ctx context.Context) ([]market.Item, error) {
	items, err := s.store.Items(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load items")
	}
	return items, nil
}

// Tier reports the tier of id. Unknown items fail with market.ErrNotFound.
func (s *Service) Tier(ctx context.Context, id int64) (*TierResponse, error) {
	if _, err := s.store.Item(ctx, id); err != nil {
		return nil, err
	}
	resp := &TierResponse{ItemID: id}
	if s.tiers == nil {
		return resp, nil
	}
	t, ok, err := s.tiers.Lookup(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "tier lookup")
	}
	if ok {
		resp.Tiered = true
		resp.Tier = &t
	}
	return resp, nil
}

// RefreshTiers recomputes tier groups from the catalog.
func (s *Service) RefreshTiers(ctx context.Context) (bool, error) {
	if s.tiers == nil {
		return false, nil
	}
	changed, err := s.tiers.Refresh(ctx)
	if err != nil {
		return false, errors.Wrap(err, "refresh tiers")
	}
	s.log.Info("Tier cache refreshed", zap.Bool("changed", changed))
	return changed, nil
}

func (s *Service) catalog(ctx context.Context) (map[int64]market.Item, error) {
	items, err := s.store.Items(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load items")
	}
	out := make(map[int64]market.Item, len(items))
	for _, it := range items {
		out[it.ID] = it
	}
	return out, nil
}

func (s *Service) tierSnapshot(ctx context.Context) (map[int64]tiers.Tier, error) {
	if s.tiers == nil {
		return nil, nil
	}
	m, err := s.tiers.Snapshot(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "tier snapshot")
	}
	return m, nil
}

func clampWindow(w time.Duration) time.Duration {
	if w <= 0 {
		return config.QueryDefaultHistoryWindow
	}
	return min(w, config.QueryMaxHistoryWindow)
}
