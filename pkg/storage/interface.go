package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/nicktill/tinyauction/pkg/market"
)

// Storage is the full persistence surface.
// Implementations: memory (testing), badger (embedded default), sqlstore (MySQL).
type Storage interface {
	CurrentStore
	HistoryStore
	ItemStore
	BackupStore

	// Stats returns history statistics
	Stats(ctx context.Context) (*Stats, error)

	// Close cleanly shuts down the storage
	Close() error
}

// CurrentStore holds the listings of the latest snapshot.
type CurrentStore interface {
	// ReplaceCurrent archives current rows observed at or after archiveSince
	// into history, clears the current table and loads listings. All three
	// stages commit together or not at all.
	ReplaceCurrent(ctx context.Context, listings []market.Listing, archiveSince time.Time) (*ReplaceResult, error)

	// CurrentListings returns every listing of the latest snapshot.
	CurrentListings(ctx context.Context) ([]market.Listing, error)
}

// HistoryStore holds archived snapshots.
type HistoryStore interface {
	// History returns records matching req, newest first.
	History(ctx context.Context, req HistoryRequest) ([]market.HistoryRecord, error)

	// CountHistory returns the number of history rows.
	CountHistory(ctx context.Context) (int64, error)

	// Prune counts (DryRun) or deletes (Apply) the rows sel selects, in one
	// transaction.
	Prune(ctx context.Context, sel Selector, mode PruneMode) (int64, error)
}

// ItemStore holds the item catalog.
type ItemStore interface {
	// PutItemIfAbsent inserts item unless its id exists. Existing rows are
	// never overwritten. Reports whether a row was inserted.
	PutItemIfAbsent(ctx context.Context, item market.Item) (bool, error)

	// Item returns ErrItemNotFound when id is unknown.
	Item(ctx context.Context, id int64) (market.Item, error)

	// Items returns the catalog ordered by (name, id).
	Items(ctx context.Context) ([]market.Item, error)

	// UnknownItemIDs returns distinct item ids present in current listings
	// but missing from the catalog, ascending.
	UnknownItemIDs(ctx context.Context) ([]int64, error)
}

// BackupStore manages full copies of history.
type BackupStore interface {
	// CreateBackup copies all history rows. Returns ErrBackupExists on a
	// name collision.
	CreateBackup(ctx context.Context, name market.BackupName) (int64, error)

	// ListBackups returns backups newest first with live row counts.
	ListBackups(ctx context.Context) ([]BackupInfo, error)

	// RestoreBackup replaces all history with the backup contents.
	RestoreBackup(ctx context.Context, name market.BackupName) (int64, error)

	// DeleteBackup drops a backup.
	DeleteBackup(ctx context.Context, name market.BackupName) error
}

var (
	// ErrBackupNotFound matches market.ErrNotFound.
	ErrBackupNotFound = fmt.Errorf("backup %w", market.ErrNotFound)

	// ErrItemNotFound matches market.ErrNotFound.
	ErrItemNotFound = fmt.Errorf("item %w", market.ErrNotFound)

	// ErrBackupExists is returned when a backup name is already taken.
	ErrBackupExists = errors.New("backup already exists")
)

// Stages reported to a Failpoint. ReplaceCurrent reports archive, clear and
// load; an applied Prune reports prune and RestoreBackup reports restore,
// each after its writes and before they commit.
const (
	StageArchive = "archive"
	StageClear   = "clear"
	StageLoad    = "load"
	StagePrune   = "prune"
	StageRestore = "restore"
)

// Failpoint is called at each stage before commit. A non-nil error aborts
// and rolls back.
type Failpoint func(stage string) error

// ReplaceResult reports what a ReplaceCurrent call did.
type ReplaceResult struct {
	Archived int64
	Cleared  int64
	Inserted int64
}

// PruneMode selects counting or deleting.
type PruneMode int

const (
	DryRun PruneMode = iota
	Apply
)

// HistoryRequest filters history reads.
type HistoryRequest struct {
	// Time range (After exclusive, Before inclusive; zero means unbounded)
	After  time.Time
	Before time.Time

	// ItemID filter (0 = all items)
	ItemID int64

	// Limit number of results (0 = no limit)
	Limit int
}

// Matches reports whether r falls inside the request.
func (req HistoryRequest) Matches(r market.HistoryRecord) bool {
	if req.ItemID != 0 && r.ItemID != req.ItemID {
		return false
	}
	if !req.After.IsZero() && !r.SnapshotTime.After(req.After) {
		return false
	}
	if !req.Before.IsZero() && r.SnapshotTime.After(req.Before) {
		return false
	}
	return true
}

// BackupInfo describes one backup.
type BackupInfo struct {
	Name      market.BackupName `json:"name"`
	Rows      int64             `json:"rows"`
	CreatedAt time.Time         `json:"created_at"`
}

// Stats provides history health and usage info
type Stats struct {
	// Total history rows
	HistoryRows int64

	// Current listing rows
	CurrentRows int64

	// Storage size in bytes
	SizeBytes int64

	// Oldest and newest snapshot timestamps
	OldestSnapshot time.Time
	NewestSnapshot time.Time

	// Number of backups
	Backups int
}

// SortNewestFirst orders records by snapshot time descending, then id
// descending.
func SortNewestFirst(records []market.HistoryRecord) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].SnapshotTime.Equal(records[j].SnapshotTime) {
			return records[i].SnapshotTime.After(records[j].SnapshotTime)
		}
		return records[i].ID > records[j].ID
	})
}
