package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nicktill/tinyauction/pkg/market"
	"github.com/nicktill/tinyauction/pkg/storage"
)

// Approximate per-row footprint used for Stats.SizeBytes.
const bytesPerRow = 64

// Storage keeps everything in memory. Data is lost on restart.
// Useful for testing and development.
type Storage struct {
	mu sync.RWMutex

	items   map[int64]market.Item
	current []market.Listing
	history []market.HistoryRecord
	nextID  int64
	backups map[market.BackupName]backup

	failpoint storage.Failpoint
}

type backup struct {
	createdAt time.Time
	rows      []market.HistoryRecord
}

// Option configures a Storage.
type Option func(*Storage)

// WithFailpoint installs a hook called at each write stage.
func WithFailpoint(fp storage.Failpoint) Option {
	return func(s *Storage) { s.failpoint = fp }
}

// New creates an in-memory storage backend
func New(opts ...Option) *Storage {
	s := &Storage{
		items:   make(map[int64]market.Item),
		history: make([]market.HistoryRecord, 0, 1024),
		nextID:  1,
		backups: make(map[market.BackupName]backup),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ReplaceCurrent builds the next state aside and swaps it in only when every
// stage succeeded.
func (s *Storage) ReplaceCurrent(ctx context.Context, listings []market.Listing, archiveSince time.Time) (*storage.ReplaceResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res := &storage.ReplaceResult{}
	nextID := s.nextID
	history := append([]market.HistoryRecord(nil), s.history...)
	for _, l := range s.current {
		if l.ObservedAt.Before(archiveSince) {
			continue
		}
		history = append(history, l.Archive(nextID))
		nextID++
		res.Archived++
	}
	if err := s.fire(storage.StageArchive); err != nil {
		return nil, err
	}

	res.Cleared = int64(len(s.current))
	if err := s.fire(storage.StageClear); err != nil {
		return nil, err
	}

	current := append([]market.Listing(nil), listings...)
	res.Inserted = int64(len(current))
	if err := s.fire(storage.StageLoad); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.history = history
	s.current = current
	s.nextID = nextID
	return res, nil
}

func (s *Storage) fire(stage string) error {
	if s.failpoint == nil {
		return nil
	}
	return s.failpoint(stage)
}

// CurrentListings returns a copy of the latest snapshot.
func (s *Storage) CurrentListings(ctx context.Context) ([]market.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]market.Listing(nil), s.current...), nil
}

// History retrieves records matching the request, newest first.
func (s *Storage) History(ctx context.Context, req storage.HistoryRequest) ([]market.HistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []market.HistoryRecord
	for _, r := range s.history {
		if req.Matches(r) {
			results = append(results, r)
		}
	}
	storage.SortNewestFirst(results)
	if req.Limit > 0 && len(results) > req.Limit {
		results = results[:req.Limit]
	}
	return results, nil
}

// CountHistory returns the number of history rows.
func (s *Storage) CountHistory(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.history)), nil
}

// Prune counts or deletes the rows sel selects.
func (s *Storage) Prune(ctx context.Context, sel storage.Selector, mode storage.PruneMode) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if mode == storage.DryRun {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return int64(len(storage.Victims(s.history, sel))), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	victims := storage.Victims(s.history, sel)
	if len(victims) == 0 {
		return 0, nil
	}
	doomed := make(map[int64]struct{}, len(victims))
	for _, id := range victims {
		doomed[id] = struct{}{}
	}
	kept := make([]market.HistoryRecord, 0, len(s.history)-len(victims))
	for _, r := range s.history {
		if _, ok := doomed[r.ID]; !ok {
			kept = append(kept, r)
		}
	}
	if err := s.fire(storage.StagePrune); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.history = kept
	return int64(len(victims)), nil
}

// PutItemIfAbsent inserts item unless the id exists.
func (s *Storage) PutItemIfAbsent(ctx context.Context, item market.Item) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.ID]; ok {
		return false, nil
	}
	s.items[item.ID] = item
	return true, nil
}

// Item returns a catalog entry.
func (s *Storage) Item(ctx context.Context, id int64) (market.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return market.Item{}, storage.ErrItemNotFound
	}
	return item, nil
}

// Items returns the catalog ordered by (name, id).
func (s *Storage) Items(ctx context.Context) ([]market.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]market.Item, 0, len(s.items))
	for _, it := range s.items {
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Name != items[j].Name {
			return items[i].Name < items[j].Name
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

// UnknownItemIDs lists current item ids missing from the catalog.
func (s *Storage) UnknownItemIDs(ctx context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[int64]struct{})
	var ids []int64
	for _, l := range s.current {
		if _, ok := s.items[l.ItemID]; ok {
			continue
		}
		if _, ok := seen[l.ItemID]; ok {
			continue
		}
		seen[l.ItemID] = struct{}{}
		ids = append(ids, l.ItemID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// CreateBackup copies all history rows under name.
func (s *Storage) CreateBackup(ctx context.Context, name market.BackupName) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.backups[name]; ok {
		return 0, storage.ErrBackupExists
	}
	rows := append([]market.HistoryRecord(nil), s.history...)
	s.backups[name] = backup{createdAt: name.CreatedAt(), rows: rows}
	return int64(len(rows)), nil
}

// ListBackups returns backups newest first.
func (s *Storage) ListBackups(ctx context.Context) ([]storage.BackupInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.BackupInfo, 0, len(s.backups))
	for name, b := range s.backups {
		out = append(out, storage.BackupInfo{Name: name, Rows: int64(len(b.rows)), CreatedAt: b.createdAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name > out[j].Name })
	return out, nil
}

// RestoreBackup replaces history with the backup contents.
func (s *Storage) RestoreBackup(ctx context.Context, name market.BackupName) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.backups[name]
	if !ok {
		return 0, storage.ErrBackupNotFound
	}
	nextID := s.nextID
	for _, r := range b.rows {
		if r.ID >= nextID {
			nextID = r.ID + 1
		}
	}
	if err := s.fire(storage.StageRestore); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.history = append([]market.HistoryRecord(nil), b.rows...)
	s.nextID = nextID
	return int64(len(b.rows)), nil
}

// DeleteBackup drops a backup.
func (s *Storage) DeleteBackup(ctx context.Context, name market.BackupName) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.backups[name]; !ok {
		return storage.ErrBackupNotFound
	}
	delete(s.backups, name)
	return nil
}

// Stats returns history statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &storage.Stats{
		HistoryRows: int64(len(s.history)),
		CurrentRows: int64(len(s.current)),
		SizeBytes:   int64(len(s.history)+len(s.current)) * bytesPerRow,
		Backups:     len(s.backups),
	}
	for i, r := range s.history {
		if i == 0 || r.SnapshotTime.Before(stats.OldestSnapshot) {
			stats.OldestSnapshot = r.SnapshotTime
		}
		if i == 0 || r.SnapshotTime.After(stats.NewestSnapshot) {
			stats.NewestSnapshot = r.SnapshotTime
		}
	}
	return stats, nil
}

// Close is a no-op for memory storage
func (s *Storage) Close() error {
	return nil
}
