package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nicktill/tinyauction/pkg/logging"
	"github.com/nicktill/tinyauction/pkg/market"
	"github.com/nicktill/tinyauction/pkg/storage"
)

// Key layout:
//
//	item/<id>               market.Item
//	cur/<gen>/<seq>         market.Listing
//	hist/<gen>/<id>         market.HistoryRecord
//	bak/<name>/<id>         market.HistoryRecord
//	bakmeta/<name>          backupMeta
//	meta/state              state
//
// Snapshots and history rewrites are too large for one badger transaction.
// They are streamed with a WriteBatch into keys the committed state does not
// reference yet (a fresh generation, or history ids at or past HistNext), and
// become visible when a single small transaction swaps meta/state. Keys the
// state no longer references are garbage and are collected after each swap
// and on open.
var (
	prefixItem    = []byte("item/")
	prefixCurrent = []byte("cur/")
	prefixHistory = []byte("hist/")
	prefixBackup  = []byte("bak/")
	prefixBakMeta = []byte("bakmeta/")
	keyState      = []byte("meta/state")
)

// How often long scans check for cancellation.
const ctxCheckEvery = 1000

// state is the committed view of the store.
type state struct {
	CurGen   uint64 `json:"cur_gen"`
	HistGen  uint64 `json:"hist_gen"`
	HistNext int64  `json:"hist_next"`
	NextGen  uint64 `json:"next_gen"`
}

var initialState = state{CurGen: 1, HistGen: 2, HistNext: 1, NextGen: 3}

// allocGen reserves a fresh generation number.
func (st *state) allocGen() uint64 {
	g := st.NextGen
	st.NextGen++
	return g
}

// Storage implements storage.Storage using BadgerDB (LSM tree)
//
// Reads run in a badger read transaction and see one committed state.
// Writers are serialized; an operation reports success exactly when its
// state swap committed.
type Storage struct {
	db        *badger.DB
	log       *zap.Logger
	failpoint storage.Failpoint

	// Serializes writers so a state swap never races another.
	writeMu sync.Mutex
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = defaults).
	MaxMemoryMB int64

	Logger *zap.Logger

	// Failpoint is invoked after each ReplaceCurrent, Prune and
	// RestoreBackup stage (tests only)
	Failpoint storage.Failpoint
}

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	memTableSize := int64(64 << 20)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	}
	blockCacheSize := memTableSize / 2
	indexCacheSize := memTableSize / 4

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(2). // badger refuses fewer than two
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open badger")
	}

	s := &Storage{db: db, log: logging.OrNop(cfg.Logger), failpoint: cfg.Failpoint}

	// Finish whatever an interrupted writer left behind.
	st, err := s.state()
	if err == nil {
		err = s.collect(context.Background(), st)
	}
	if err == nil {
		err = s.collectBackups(context.Background())
	}
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "recover badger state")
	}
	return s, nil
}

// wrap names the operation on failure.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, badger.ErrTxnTooBig) {
		return errors.Wrapf(err, "%s exceeds the badger transaction limit", op)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrapf(err, "%s operation cancelled", op)
	}
	return err
}

func (s *Storage) fire(stage string) error {
	if s.failpoint == nil {
		return nil
	}
	return s.failpoint(stage)
}

func loadState(txn *badger.Txn) (state, error) {
	item, err := txn.Get(keyState)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return initialState, nil
	}
	if err != nil {
		return state{}, err
	}
	var st state
	err = item.Value(func(val []byte) error { return json.Unmarshal(val, &st) })
	return st, errors.Wrap(err, "decode state")
}

func (s *Storage) state() (state, error) {
	var st state
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		st, err = loadState(txn)
		return err
	})
	return st, err
}

// begin loads the committed state for a writer and first collects keys an
// earlier failed writer may have left, so staged writes start clean.
func (s *Storage) begin(ctx context.Context) (state, error) {
	st, err := s.state()
	if err != nil {
		return state{}, err
	}
	return st, s.collect(ctx, st)
}

// commit swaps the state from prev to next. This is the only point at which
// a staged write becomes visible.
func (s *Storage) commit(ctx context.Context, prev, next state) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		cur, err := loadState(txn)
		if err != nil {
			return err
		}
		if cur != prev {
			return errors.New("badger state changed by another writer")
		}
		return putJSON(txn, keyState, next)
	})
}

// afterCommit collects what next no longer references. The operation has
// already succeeded, so failures are only logged; the next writer or open
// collects again.
func (s *Storage) afterCommit(op string, next state) {
	if err := s.collect(context.Background(), next); err != nil {
		s.log.Warn("Garbage collection after commit failed", zap.String("op", op), zap.Error(err))
	}
}

// abort drops the keys a failed operation staged. Anything missed stays
// invisible and is collected later.
func (s *Storage) abort(op string, st state) {
	if err := s.collect(context.Background(), st); err != nil {
		s.log.Warn("Cleanup of staged keys failed", zap.String("op", op), zap.Error(err))
	}
}

// ReplaceCurrent archives the recent rows of the current generation past
// HistNext, loads listings into a new generation and swaps both in at once.
func (s *Storage) ReplaceCurrent(ctx context.Context, listings []market.Listing, archiveSince time.Time) (*storage.ReplaceResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("replace", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	prev, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	current, err := s.listings(ctx, prev)
	if err != nil {
		return nil, wrap("replace", err)
	}

	next := prev
	next.CurGen = next.allocGen()
	res := &storage.ReplaceResult{}

	err = func() error {
		histPrefix := genPrefix(prefixHistory, prev.HistGen)
		err := s.writeBatch(func(wb *badger.WriteBatch) error {
			for i, l := range current {
				if err := checkCtx(ctx, i); err != nil {
					return err
				}
				if l.ObservedAt.Before(archiveSince) {
					continue
				}
				if err := setJSON(wb, idKey(histPrefix, next.HistNext), l.Archive(next.HistNext)); err != nil {
					return err
				}
				next.HistNext++
				res.Archived++
			}
			return nil
		})
		if err != nil {
			return err
		}
		if err := s.fire(storage.StageArchive); err != nil {
			return err
		}

		// The old generation drops out of view at commit.
		res.Cleared = int64(len(current))
		if err := s.fire(storage.StageClear); err != nil {
			return err
		}

		curPrefix := genPrefix(prefixCurrent, next.CurGen)
		err = s.writeBatch(func(wb *badger.WriteBatch) error {
			for i, l := range listings {
				if err := checkCtx(ctx, i); err != nil {
					return err
				}
				if err := setJSON(wb, idKey(curPrefix, int64(i)), l); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		res.Inserted = int64(len(listings))
		if err := s.fire(storage.StageLoad); err != nil {
			return err
		}
		return s.commit(ctx, prev, next)
	}()
	if err != nil {
		s.abort("replace", prev)
		return nil, wrap("replace", err)
	}

	s.afterCommit("replace", next)
	return res, nil
}

// CurrentListings returns the latest snapshot.
func (s *Storage) CurrentListings(ctx context.Context) ([]market.Listing, error) {
	var out []market.Listing
	err := s.db.View(func(txn *badger.Txn) error {
		st, err := loadState(txn)
		if err != nil {
			return err
		}
		out, err = scanListings(ctx, txn, st)
		return err
	})
	return out, wrap("current", err)
}

func (s *Storage) listings(ctx context.Context, st state) ([]market.Listing, error) {
	var out []market.Listing
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = scanListings(ctx, txn, st)
		return err
	})
	return out, err
}

// History retrieves records matching the request, newest first.
func (s *Storage) History(ctx context.Context, req storage.HistoryRequest) ([]market.HistoryRecord, error) {
	var out []market.HistoryRecord
	err := s.db.View(func(txn *badger.Txn) error {
		st, err := loadState(txn)
		if err != nil {
			return err
		}
		return scanHistory(ctx, txn, st, func(r market.HistoryRecord) {
			if req.Matches(r) {
				out = append(out, r)
			}
		})
	})
	if err != nil {
		return nil, wrap("history", err)
	}
	storage.SortNewestFirst(out)
	if req.Limit > 0 && len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return out, nil
}

func (s *Storage) liveHistory(ctx context.Context, st state) ([]market.HistoryRecord, error) {
	var out []market.HistoryRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return scanHistory(ctx, txn, st, func(r market.HistoryRecord) { out = append(out, r) })
	})
	return out, err
}

// CountHistory counts live history keys without reading values.
func (s *Storage) CountHistory(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.View(func(txn *badger.Txn) error {
		st, err := loadState(txn)
		if err != nil {
			return err
		}
		n, err = countHistory(ctx, txn, st)
		return err
	})
	return n, wrap("count", err)
}

// Prune counts or deletes the rows sel selects. Apply copies the survivors
// into a new history generation and swaps it in.
func (s *Storage) Prune(ctx context.Context, sel storage.Selector, mode storage.PruneMode) (int64, error) {
	if mode == storage.DryRun {
		var n int64
		err := s.db.View(func(txn *badger.Txn) error {
			st, err := loadState(txn)
			if err != nil {
				return err
			}
			var all []market.HistoryRecord
			err = scanHistory(ctx, txn, st, func(r market.HistoryRecord) { all = append(all, r) })
			n = int64(len(storage.Victims(all, sel)))
			return err
		})
		if err != nil {
			return 0, wrap("prune", err)
		}
		return n, nil
	}

	if err := ctx.Err(); err != nil {
		return 0, wrap("prune", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	prev, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	all, err := s.liveHistory(ctx, prev)
	if err != nil {
		return 0, wrap("prune", err)
	}
	victims := storage.Victims(all, sel)
	if len(victims) == 0 {
		return 0, nil
	}
	doomed := make(map[int64]struct{}, len(victims))
	for _, id := range victims {
		doomed[id] = struct{}{}
	}

	next := prev
	next.HistGen = next.allocGen()
	err = func() error {
		if err := s.writeHistory(ctx, next.HistGen, all, doomed); err != nil {
			return err
		}
		if err := s.fire(storage.StagePrune); err != nil {
			return err
		}
		return s.commit(ctx, prev, next)
	}()
	if err != nil {
		s.abort("prune", prev)
		return 0, wrap("prune", err)
	}

	s.afterCommit("prune", next)
	return int64(len(victims)), nil
}

// writeHistory streams records, minus skip, into generation gen.
func (s *Storage) writeHistory(ctx context.Context, gen uint64, records []market.HistoryRecord, skip map[int64]struct{}) error {
	prefix := genPrefix(prefixHistory, gen)
	return s.writeBatch(func(wb *badger.WriteBatch) error {
		for i, r := range records {
			if err := checkCtx(ctx, i); err != nil {
				return err
			}
			if _, ok := skip[r.ID]; ok {
				continue
			}
			if err := setJSON(wb, idKey(prefix, r.ID), r); err != nil {
				return err
			}
		}
		return nil
	})
}

// PutItemIfAbsent inserts item unless the id exists. Concurrent inserts of the
// same id conflict at commit; the loser reports false.
func (s *Storage) PutItemIfAbsent(ctx context.Context, item market.Item) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, wrap("put item", err)
	}
	var inserted bool
	err := s.db.Update(func(txn *badger.Txn) error {
		key := idKey(prefixItem, item.ID)
		_, err := txn.Get(key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		inserted = true
		return putJSON(txn, key, item)
	})
	if errors.Is(err, badger.ErrConflict) {
		return false, nil
	}
	return inserted, err
}

// Item returns a catalog entry.
func (s *Storage) Item(ctx context.Context, id int64) (market.Item, error) {
	var out market.Item
	err := s.db.View(func(txn *badger.Txn) error {
		it, err := txn.Get(idKey(prefixItem, id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return storage.ErrItemNotFound
		}
		if err != nil {
			return err
		}
		return it.Value(func(val []byte) error { return json.Unmarshal(val, &out) })
	})
	return out, err
}

// Items returns the catalog ordered by (name, id).
func (s *Storage) Items(ctx context.Context) ([]market.Item, error) {
	var out []market.Item
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(ctx, txn, prefixItem, true, func(item *badger.Item) error {
			var it market.Item
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &it) }); err != nil {
				return errors.Wrap(err, "decode item")
			}
			out = append(out, it)
			return nil
		})
	})
	if err != nil {
		return nil, wrap("items", err)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// UnknownItemIDs lists current item ids missing from the catalog.
func (s *Storage) UnknownItemIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.db.View(func(txn *badger.Txn) error {
		st, err := loadState(txn)
		if err != nil {
			return err
		}
		current, err := scanListings(ctx, txn, st)
		if err != nil {
			return err
		}
		seen := make(map[int64]bool)
		for _, l := range current {
			if seen[l.ItemID] {
				continue
			}
			seen[l.ItemID] = true
			_, err := txn.Get(idKey(prefixItem, l.ItemID))
			if errors.Is(err, badger.ErrKeyNotFound) {
				ids = append(ids, l.ItemID)
				continue
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrap("unknown items", err)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

type backupMeta struct {
	CreatedAt time.Time `json:"created_at"`
	Rows      int64     `json:"rows"`
}

func backupRowPrefix(name market.BackupName) []byte {
	return append(append(append([]byte{}, prefixBackup...), name...), '/')
}

func backupMetaKey(name market.BackupName) []byte {
	return append(append([]byte{}, prefixBakMeta...), name...)
}

func (s *Storage) backupExists(name market.BackupName) (bool, error) {
	var ok bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(backupMetaKey(name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		ok = err == nil
		return err
	})
	return ok, err
}

// CreateBackup copies all history rows under name. The rows are invisible
// until the metadata key commits.
func (s *Storage) CreateBackup(ctx context.Context, name market.BackupName) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, wrap("backup", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	exists, err := s.backupExists(name)
	if err != nil {
		return 0, err
	}
	if exists {
		return 0, storage.ErrBackupExists
	}

	rowPrefix := backupRowPrefix(name)
	// Rows of an earlier attempt that never committed.
	if err := s.deletePrefix(ctx, rowPrefix); err != nil {
		return 0, wrap("backup", err)
	}

	st, err := s.state()
	if err != nil {
		return 0, err
	}
	all, err := s.liveHistory(ctx, st)
	if err != nil {
		return 0, wrap("backup", err)
	}

	n := int64(len(all))
	err = func() error {
		err := s.writeBatch(func(wb *badger.WriteBatch) error {
			for i, r := range all {
				if err := checkCtx(ctx, i); err != nil {
					return err
				}
				if err := setJSON(wb, idKey(rowPrefix, r.ID), r); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return s.db.Update(func(txn *badger.Txn) error {
			if _, err := txn.Get(backupMetaKey(name)); err == nil {
				return storage.ErrBackupExists
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			return putJSON(txn, backupMetaKey(name), backupMeta{CreatedAt: name.CreatedAt(), Rows: n})
		})
	}()
	if err != nil {
		if cerr := s.deletePrefix(context.Background(), rowPrefix); cerr != nil {
			s.log.Warn("Cleanup of partial backup failed", zap.String("backup", string(name)), zap.Error(cerr))
		}
		return 0, wrap("backup", err)
	}
	return n, nil
}

// ListBackups returns backups newest first with live row counts.
func (s *Storage) ListBackups(ctx context.Context) ([]storage.BackupInfo, error) {
	var out []storage.BackupInfo
	err := s.db.View(func(txn *badger.Txn) error {
		var names []market.BackupName
		err := scan(ctx, txn, prefixBakMeta, false, func(item *badger.Item) error {
			names = append(names, market.BackupName(item.Key()[len(prefixBakMeta):]))
			return nil
		})
		if err != nil {
			return err
		}
		for _, name := range names {
			rows, err := countPrefix(ctx, txn, backupRowPrefix(name))
			if err != nil {
				return err
			}
			out = append(out, storage.BackupInfo{Name: name, Rows: rows, CreatedAt: name.CreatedAt()})
		}
		return nil
	})
	if err != nil {
		return nil, wrap("list backups", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name > out[j].Name })
	return out, nil
}

// RestoreBackup replaces history with the backup contents by writing them
// into a new history generation.
func (s *Storage) RestoreBackup(ctx context.Context, name market.BackupName) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, wrap("restore", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	exists, err := s.backupExists(name)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, storage.ErrBackupNotFound
	}

	prev, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	var rows []market.HistoryRecord
	err = s.db.View(func(txn *badger.Txn) error {
		var err error
		rows, err = loadRecords(ctx, txn, backupRowPrefix(name))
		return err
	})
	if err != nil {
		return 0, wrap("restore", err)
	}

	next := prev
	next.HistGen = next.allocGen()
	for _, r := range rows {
		if r.ID >= next.HistNext {
			next.HistNext = r.ID + 1
		}
	}
	err = func() error {
		if err := s.writeHistory(ctx, next.HistGen, rows, nil); err != nil {
			return err
		}
		if err := s.fire(storage.StageRestore); err != nil {
			return err
		}
		return s.commit(ctx, prev, next)
	}()
	if err != nil {
		s.abort("restore", prev)
		return 0, wrap("restore", err)
	}

	s.afterCommit("restore", next)
	return int64(len(rows)), nil
}

// DeleteBackup drops a backup. Removing the metadata key is the commit;
// its rows are deleted afterwards.
func (s *Storage) DeleteBackup(ctx context.Context, name market.BackupName) error {
	if err := ctx.Err(); err != nil {
		return wrap("delete backup", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(backupMetaKey(name)); errors.Is(err, badger.ErrKeyNotFound) {
			return storage.ErrBackupNotFound
		} else if err != nil {
			return err
		}
		return txn.Delete(backupMetaKey(name))
	})
	if err != nil {
		return err
	}
	if err := s.deletePrefix(context.Background(), backupRowPrefix(name)); err != nil {
		s.log.Warn("Backup rows left for collection", zap.String("backup", string(name)), zap.Error(err))
	}
	return nil
}

// Stats returns history statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{}
	err := s.db.View(func(txn *badger.Txn) error {
		st, err := loadState(txn)
		if err != nil {
			return err
		}
		first := true
		err = scanHistory(ctx, txn, st, func(r market.HistoryRecord) {
			stats.HistoryRows++
			if first || r.SnapshotTime.Before(stats.OldestSnapshot) {
				stats.OldestSnapshot = r.SnapshotTime
			}
			if first || r.SnapshotTime.After(stats.NewestSnapshot) {
				stats.NewestSnapshot = r.SnapshotTime
			}
			first = false
		})
		if err != nil {
			return err
		}
		if stats.CurrentRows, err = countPrefix(ctx, txn, genPrefix(prefixCurrent, st.CurGen)); err != nil {
			return err
		}
		backups, err := countPrefix(ctx, txn, prefixBakMeta)
		stats.Backups = int(backups)
		return err
	})
	if err != nil {
		return nil, wrap("stats", err)
	}
	lsmSize, vlogSize := s.db.Size()
	stats.SizeBytes = lsmSize + vlogSize
	return stats, nil
}

// RunGC runs BadgerDB's value log garbage collection
// discardRatio: run GC if this fraction of file can be discarded (0.5 = 50%)
// Returns badger.ErrNoRewrite when there was nothing to collect
func (s *Storage) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

// Close shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	return s.db.Close()
}

// collect deletes every current and history key st does not reference:
// other generations, and history ids at or past HistNext.
func (s *Storage) collect(ctx context.Context, st state) error {
	var garbage [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		cur, err := staleKeys(ctx, txn, prefixCurrent, st.CurGen, math.MaxInt64)
		if err != nil {
			return err
		}
		hist, err := staleKeys(ctx, txn, prefixHistory, st.HistGen, st.HistNext)
		garbage = append(cur, hist...)
		return err
	})
	if err != nil {
		return err
	}
	return s.deleteKeys(garbage)
}

// collectBackups deletes backup rows whose metadata key is gone.
func (s *Storage) collectBackups(ctx context.Context) error {
	var garbage [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		live := make(map[string]bool)
		return scan(ctx, txn, prefixBackup, false, func(item *badger.Item) error {
			key := item.Key()
			rest := key[len(prefixBackup):]
			if len(rest) < 9 {
				garbage = append(garbage, item.KeyCopy(nil))
				return nil
			}
			name := string(rest[:len(rest)-9])
			ok, seen := live[name]
			if !seen {
				_, err := txn.Get(backupMetaKey(market.BackupName(name)))
				if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
					return err
				}
				ok = err == nil
				live[name] = ok
			}
			if !ok {
				garbage = append(garbage, item.KeyCopy(nil))
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	return s.deleteKeys(garbage)
}

// staleKeys returns the keys under prefix outside generation gen or at or
// past limit within it. The live range is skipped with one seek.
func staleKeys(ctx context.Context, txn *badger.Txn, prefix []byte, gen uint64, limit int64) ([][]byte, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false

	it := txn.NewIterator(opts)
	defer it.Close()

	live := genPrefix(prefix, gen)
	var out [][]byte
	var n int
	for it.Seek(prefix); it.ValidForPrefix(prefix); {
		if err := checkCtx(ctx, n); err != nil {
			return nil, err
		}
		n++
		key := it.Item().Key()
		if hasPrefix(key, live) && len(key) == len(live)+8 && int64(binary.BigEndian.Uint64(key[len(live):])) < limit {
			it.Seek(idKey(live, limit))
			continue
		}
		out = append(out, it.Item().KeyCopy(nil))
		it.Next()
	}
	return out, nil
}

func (s *Storage) deletePrefix(ctx context.Context, prefix []byte) error {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(ctx, txn, prefix, false, func(item *badger.Item) error {
			keys = append(keys, item.KeyCopy(nil))
			return nil
		})
	})
	if err != nil {
		return err
	}
	return s.deleteKeys(keys)
}

func (s *Storage) deleteKeys(keys [][]byte) error {
	if len(keys) == 0 {
		return nil
	}
	return s.writeBatch(func(wb *badger.WriteBatch) error {
		for _, k := range keys {
			if err := wb.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// writeBatch streams fn's writes; badger splits them across transactions.
func (s *Storage) writeBatch(fn func(wb *badger.WriteBatch) error) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	if err := fn(wb); err != nil {
		return err
	}
	return wb.Flush()
}

func scan(ctx context.Context, txn *badger.Txn, prefix []byte, values bool, fn func(*badger.Item) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = values
	opts.PrefetchSize = 100

	it := txn.NewIterator(opts)
	defer it.Close()

	var n int
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if err := checkCtx(ctx, n); err != nil {
			return err
		}
		n++
		if err := fn(it.Item()); err != nil {
			return err
		}
	}
	return nil
}

func scanListings(ctx context.Context, txn *badger.Txn, st state) ([]market.Listing, error) {
	var out []market.Listing
	err := scan(ctx, txn, genPrefix(prefixCurrent, st.CurGen), true, func(item *badger.Item) error {
		var l market.Listing
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &l) }); err != nil {
			return errors.Wrap(err, "decode listing")
		}
		out = append(out, l)
		return nil
	})
	return out, err
}

// errStop ends a scan early without failing it.
var errStop = errors.New("stop scan")

// scanHistory visits live history rows in id order.
func scanHistory(ctx context.Context, txn *badger.Txn, st state, fn func(market.HistoryRecord)) error {
	prefix := genPrefix(prefixHistory, st.HistGen)
	err := scan(ctx, txn, prefix, true, func(item *badger.Item) error {
		if keyID(item.Key(), prefix) >= st.HistNext {
			return errStop
		}
		var r market.HistoryRecord
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &r) }); err != nil {
			return errors.Wrap(err, "decode history record")
		}
		fn(r)
		return nil
	})
	if errors.Is(err, errStop) {
		return nil
	}
	return err
}

func countHistory(ctx context.Context, txn *badger.Txn, st state) (int64, error) {
	prefix := genPrefix(prefixHistory, st.HistGen)
	var n int64
	err := scan(ctx, txn, prefix, false, func(item *badger.Item) error {
		if keyID(item.Key(), prefix) >= st.HistNext {
			return errStop
		}
		n++
		return nil
	})
	if errors.Is(err, errStop) {
		err = nil
	}
	return n, err
}

func countPrefix(ctx context.Context, txn *badger.Txn, prefix []byte) (int64, error) {
	var n int64
	err := scan(ctx, txn, prefix, false, func(*badger.Item) error {
		n++
		return nil
	})
	return n, err
}

func loadRecords(ctx context.Context, txn *badger.Txn, prefix []byte) ([]market.HistoryRecord, error) {
	var out []market.HistoryRecord
	err := scan(ctx, txn, prefix, true, func(item *badger.Item) error {
		var r market.HistoryRecord
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &r) }); err != nil {
			return errors.Wrap(err, "decode history record")
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

func checkCtx(ctx context.Context, i int) error {
	if i%ctxCheckEvery == 0 {
		return ctx.Err()
	}
	return nil
}

// genPrefix returns prefix/<gen>/.
func genPrefix(prefix []byte, gen uint64) []byte {
	key := make([]byte, len(prefix)+9)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], gen)
	key[len(key)-1] = '/'
	return key
}

// idKey appends a big-endian id so keys sort numerically.
func idKey(prefix []byte, id int64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(id))
	return key
}

func keyID(key, prefix []byte) int64 {
	return int64(binary.BigEndian.Uint64(key[len(prefix):]))
}

func hasPrefix(key, prefix []byte) bool {
	return len(key) >= len(prefix) && string(key[:len(prefix)]) == string(prefix)
}

func putJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encode value")
	}
	return txn.Set(key, data)
}

func setJSON(wb *badger.WriteBatch, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encode value")
	}
	return wb.Set(key, data)
}
