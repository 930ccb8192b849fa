// Package storagetest is a conformance suite run against every storage
// backend so they stay behaviourally identical.
package storagetest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyauction/pkg/market"
	"github.com/nicktill/tinyauction/pkg/storage"
)

// Opener returns a fresh, empty backend with fp installed (fp may be nil).
type Opener func(t *testing.T, fp storage.Failpoint) storage.Storage

// Base is the reference clock used by fixtures.
var Base = time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)

// Listing builds a fixture listing.
func Listing(item, buyout int64, observed time.Time) market.Listing {
	return market.Listing{ItemID: item, Quantity: 1, Buyout: buyout, TimeLeft: market.TimeLeftLong, ObservedAt: observed}
}

// SeedHistory puts listings into history by loading and then archiving them.
// Current is left empty.
func SeedHistory(t *testing.T, s storage.Storage, listings ...market.Listing) {
	t.Helper()
	ctx := context.Background()
	_, err := s.ReplaceCurrent(ctx, listings, time.Time{})
	require.NoError(t, err)
	_, err = s.ReplaceCurrent(ctx, nil, time.Time{})
	require.NoError(t, err)
}

// Failer is a Failpoint that errors once armed for a stage.
type Failer struct {
	mu    sync.Mutex
	stage string
}

// ErrInjected is returned by an armed Failer.
var ErrInjected = errors.New("injected failure")

// Arm makes the next call for stage fail.
func (f *Failer) Arm(stage string) {
	f.mu.Lock()
	f.stage = stage
	f.mu.Unlock()
}

// Hook is the Failpoint to install.
func (f *Failer) Hook(stage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stage != "" && f.stage == stage {
		f.stage = ""
		return ErrInjected
	}
	return nil
}

// Run executes the suite.
func Run(t *testing.T, open Opener) {
	t.Run("ReplaceCurrentArchivesRecentRows", func(t *testing.T) { testReplace(t, open) })
	t.Run("ReplaceCurrentRollsBack", func(t *testing.T) { testRollback(t, open) })
	t.Run("History", func(t *testing.T) { testHistory(t, open) })
	t.Run("Items", func(t *testing.T) { testItems(t, open) })
	t.Run("Prune", func(t *testing.T) { testPrune(t, open) })
	t.Run("Backups", func(t *testing.T) { testBackups(t, open) })
	t.Run("Stats", func(t *testing.T) { testStats(t, open) })
	t.Run("PruneRollsBack", func(t *testing.T) { testPruneRollback(t, open) })
	t.Run("RestoreRollsBack", func(t *testing.T) { testRestoreRollback(t, open) })
	t.Run("CancelBeforeCommit", func(t *testing.T) { testCancelBeforeCommit(t, open) })
	t.Run("RealisticSnapshot", func(t *testing.T) {
		if testing.Short() {
			t.Skip("large snapshot skipped in short mode")
		}
		testRealisticSnapshot(t, open)
	})
}

// RealisticSnapshotSize is the listing count of one realm plus commodity
// snapshot used by the large-batch case.
const RealisticSnapshotSize = 120_000

func testReplace(t *testing.T, open Opener) {
	s := open(t, nil)
	ctx := context.Background()

	fresh := Listing(1, 100, Base.Add(-30*time.Minute))
	stale := Listing(2, 200, Base.Add(-2*time.Hour))
	_, err := s.ReplaceCurrent(ctx, []market.Listing{fresh, stale}, time.Time{})
	require.NoError(t, err)

	next := []market.Listing{Listing(3, 300, Base), Listing(4, 400, Base)}
	res, err := s.ReplaceCurrent(ctx, next, Base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Archived)
	assert.Equal(t, int64(2), res.Cleared)
	assert.Equal(t, int64(2), res.Inserted)

	current, err := s.CurrentListings(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{3, 4}, itemIDs(current))

	hist, err := s.History(ctx, storage.HistoryRequest{})
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, int64(1), hist[0].ItemID)
	assert.Equal(t, int64(100), hist[0].Buyout)
	assert.True(t, hist[0].SnapshotTime.Equal(fresh.ObservedAt))
}

func testRollback(t *testing.T, open Opener) {
	for _, stage := range []string{storage.StageArchive, storage.StageClear, storage.StageLoad} {
		t.Run(stage, func(t *testing.T) {
			f := &Failer{}
			s := open(t, f.Hook)
			ctx := context.Background()

			SeedHistory(t, s, Listing(9, 900, Base.Add(-3*time.Hour)))
			before := []market.Listing{Listing(1, 100, Base.Add(-10*time.Minute))}
			_, err := s.ReplaceCurrent(ctx, before, time.Time{})
			require.NoError(t, err)

			f.Arm(stage)
			_, err = s.ReplaceCurrent(ctx, []market.Listing{Listing(2, 200, Base)}, Base.Add(-time.Hour))
			require.ErrorIs(t, err, ErrInjected)

			current, err := s.CurrentListings(ctx)
			require.NoError(t, err)
			assert.Equal(t, []int64{1}, itemIDs(current))

			n, err := s.CountHistory(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
		})
	}
}

func testHistory(t *testing.T, open Opener) {
	s := open(t, nil)
	ctx := context.Background()
	SeedHistory(t, s,
		Listing(1, 10, Base.Add(-30*time.Hour)),
		Listing(1, 20, Base.Add(-2*time.Hour)),
		Listing(2, 30, Base.Add(-1*time.Hour)),
		Listing(1, 40, Base.Add(-1*time.Hour)),
	)

	recs, err := s.History(ctx, storage.HistoryRequest{After: Base.Add(-24 * time.Hour), ItemID: 1})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(40), recs[0].Buyout)
	assert.Equal(t, int64(20), recs[1].Buyout)

	all, err := s.History(ctx, storage.HistoryRequest{Limit: 3})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func testItems(t *testing.T, open Opener) {
	s := open(t, nil)
	ctx := context.Background()

	ok, err := s.PutItemIfAbsent(ctx, market.Item{ID: 2589, Name: "Linen Cloth", IconURL: "a.jpg"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.PutItemIfAbsent(ctx, market.Item{ID: 2589, Name: "Renamed"})
	require.NoError(t, err)
	assert.False(t, ok)

	item, err := s.Item(ctx, 2589)
	require.NoError(t, err)
	assert.Equal(t, "Linen Cloth", item.Name)
	assert.Equal(t, "a.jpg", item.IconURL)

	_, err = s.Item(ctx, 1)
	assert.ErrorIs(t, err, market.ErrNotFound)

	_, err = s.PutItemIfAbsent(ctx, market.Item{ID: 10, Name: "Anvil"})
	require.NoError(t, err)
	_, err = s.PutItemIfAbsent(ctx, market.Item{ID: 3, Name: "Anvil"})
	require.NoError(t, err)

	items, err := s.Items(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 10, 2589}, itemIDsOf(items))

	_, err = s.ReplaceCurrent(ctx, []market.Listing{
		Listing(2589, 1, Base), Listing(77, 1, Base), Listing(77, 2, Base), Listing(5, 1, Base),
	}, time.Time{})
	require.NoError(t, err)
	unknown, err := s.UnknownItemIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 77}, unknown)
}

func testPrune(t *testing.T, open Opener) {
	s := open(t, nil)
	ctx := context.Background()
	SeedHistory(t, s,
		Listing(1, 500, Base.Add(-3*time.Hour)),
		Listing(1, 300, Base.Add(-2*time.Hour)),
		Listing(1, 300, Base.Add(-1*time.Hour)),
		Listing(2, 20_000_000_000, Base.Add(-1*time.Hour)),
		Listing(3, 700, Base.Add(-40*24*time.Hour)),
	)

	selectors := []storage.Selector{
		storage.OutlierSelector{Rules: []storage.OutlierRule{{Name: "high", Cmp: storage.Above, Threshold: 10_000_000_000}}},
		storage.DailyDuplicatesSelector{},
		storage.OlderThanSelector{Cutoff: Base.Add(-30 * 24 * time.Hour)},
	}
	wants := []int64{1, 2, 1}
	for i, sel := range selectors {
		preview, err := s.Prune(ctx, sel, storage.DryRun)
		require.NoError(t, err, sel.Describe())
		assert.Equal(t, wants[i], preview, sel.Describe())

		deleted, err := s.Prune(ctx, sel, storage.Apply)
		require.NoError(t, err)
		assert.Equal(t, preview, deleted, sel.Describe())

		again, err := s.Prune(ctx, sel, storage.Apply)
		require.NoError(t, err)
		assert.Zero(t, again, sel.Describe())
	}

	recs, err := s.History(ctx, storage.HistoryRequest{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(300), recs[0].Buyout)
	assert.True(t, recs[0].SnapshotTime.Equal(Base.Add(-2*time.Hour)))
}

func testBackups(t *testing.T, open Opener) {
	s := open(t, nil)
	ctx := context.Background()
	SeedHistory(t, s, Listing(1, 10, Base), Listing(2, 20, Base), Listing(3, 30, Base))

	name := market.NewBackupName(Base)
	n, err := s.CreateBackup(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, err = s.CreateBackup(ctx, name)
	assert.ErrorIs(t, err, storage.ErrBackupExists)

	before, err := s.History(ctx, storage.HistoryRequest{})
	require.NoError(t, err)

	_, err = s.Prune(ctx, storage.OlderThanSelector{Cutoff: Base.Add(time.Hour)}, storage.Apply)
	require.NoError(t, err)

	list, err := s.ListBackups(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, name, list[0].Name)
	assert.Equal(t, int64(3), list[0].Rows)
	assert.True(t, list[0].CreatedAt.Equal(Base))

	restored, err := s.RestoreBackup(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, int64(3), restored)

	after, err := s.History(ctx, storage.HistoryRequest{})
	require.NoError(t, err)
	assert.Equal(t, recordKeys(before), recordKeys(after))

	// New archives after a restore never reuse restored ids.
	SeedHistory(t, s, Listing(4, 40, Base))
	all, err := s.History(ctx, storage.HistoryRequest{})
	require.NoError(t, err)
	ids := map[int64]bool{}
	for _, r := range all {
		assert.False(t, ids[r.ID], "duplicate id %d", r.ID)
		ids[r.ID] = true
	}

	missing := market.NewBackupName(Base.Add(time.Hour))
	_, err = s.RestoreBackup(ctx, missing)
	assert.ErrorIs(t, err, market.ErrNotFound)
	assert.ErrorIs(t, s.DeleteBackup(ctx, missing), market.ErrNotFound)

	require.NoError(t, s.DeleteBackup(ctx, name))
	list, err = s.ListBackups(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func testStats(t *testing.T, open Opener) {
	s := open(t, nil)
	ctx := context.Background()

	empty, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, empty.HistoryRows)

	SeedHistory(t, s, Listing(1, 10, Base.Add(-48*time.Hour)), Listing(1, 10, Base))
	_, err = s.ReplaceCurrent(ctx, []market.Listing{Listing(1, 1, Base)}, time.Time{})
	require.NoError(t, err)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.HistoryRows)
	assert.Equal(t, int64(1), st.CurrentRows)
	assert.True(t, st.OldestSnapshot.Equal(Base.Add(-48*time.Hour)))
	assert.True(t, st.NewestSnapshot.Equal(Base))
}

func testPruneRollback(t *testing.T, open Opener) {
	f := &Failer{}
	s := open(t, f.Hook)
	ctx := context.Background()
	SeedHistory(t, s,
		Listing(1, 100, Base.Add(-40*24*time.Hour)),
		Listing(1, 200, Base.Add(-2*time.Hour)),
		Listing(1, 300, Base.Add(-1*time.Hour)),
	)
	before, err := s.History(ctx, storage.HistoryRequest{})
	require.NoError(t, err)

	selectors := []storage.Selector{
		storage.OlderThanSelector{Cutoff: Base.Add(-30 * 24 * time.Hour)},
		storage.DailyDuplicatesSelector{},
	}
	for _, sel := range selectors {
		f.Arm(storage.StagePrune)
		_, err = s.Prune(ctx, sel, storage.Apply)
		require.ErrorIs(t, err, ErrInjected, sel.Describe())

		after, err := s.History(ctx, storage.HistoryRequest{})
		require.NoError(t, err)
		assert.Equal(t, recordKeys(before), recordKeys(after), sel.Describe())
	}

	// The same prune succeeds once the fault is gone.
	n, err := s.Prune(ctx, selectors[0], storage.Apply)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	count, err := s.CountHistory(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func testRestoreRollback(t *testing.T, open Opener) {
	f := &Failer{}
	s := open(t, f.Hook)
	ctx := context.Background()
	SeedHistory(t, s, Listing(1, 10, Base), Listing(2, 20, Base))

	name := market.NewBackupName(Base)
	_, err := s.CreateBackup(ctx, name)
	require.NoError(t, err)
	_, err = s.Prune(ctx, storage.OutlierSelector{Rules: []storage.OutlierRule{{Name: "low", Cmp: storage.Below, Threshold: 15}}}, storage.Apply)
	require.NoError(t, err)
	before, err := s.History(ctx, storage.HistoryRequest{})
	require.NoError(t, err)
	require.Len(t, before, 1)

	f.Arm(storage.StageRestore)
	_, err = s.RestoreBackup(ctx, name)
	require.ErrorIs(t, err, ErrInjected)

	after, err := s.History(ctx, storage.HistoryRequest{})
	require.NoError(t, err)
	assert.Equal(t, recordKeys(before), recordKeys(after))

	n, err := s.RestoreBackup(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

// cancelAt is a Failpoint that cancels a context when a stage is reached.
type cancelAt struct {
	mu     sync.Mutex
	stage  string
	cancel context.CancelFunc
}

func (c *cancelAt) arm(stage string, cancel context.CancelFunc) {
	c.mu.Lock()
	c.stage, c.cancel = stage, cancel
	c.mu.Unlock()
}

func (c *cancelAt) hook(stage string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil && c.stage == stage {
		c.cancel()
		c.stage, c.cancel = "", nil
	}
	return nil
}

// A context cancelled before commit must fail the call and change nothing.
// A reported failure never hides a committed write.
func testCancelBeforeCommit(t *testing.T, open Opener) {
	c := &cancelAt{}
	s := open(t, c.hook)
	bg := context.Background()

	SeedHistory(t, s, Listing(9, 900, Base.Add(-3*time.Hour)), Listing(8, 10_000_000, Base.Add(-2*time.Hour)))
	_, err := s.ReplaceCurrent(bg, []market.Listing{Listing(1, 100, Base)}, time.Time{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(bg)
	c.arm(storage.StageLoad, cancel)
	_, err = s.ReplaceCurrent(ctx, []market.Listing{Listing(2, 200, Base)}, time.Time{})
	require.Error(t, err)

	current, err := s.CurrentListings(bg)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, itemIDs(current))
	n, err := s.CountHistory(bg)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	ctx, cancel = context.WithCancel(bg)
	c.arm(storage.StagePrune, cancel)
	sel := storage.OutlierSelector{Rules: []storage.OutlierRule{{Name: "high", Cmp: storage.Above, Threshold: 1_000_000}}}
	_, err = s.Prune(ctx, sel, storage.Apply)
	require.Error(t, err)
	n, err = s.CountHistory(bg)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// Nothing staged by the cancelled calls leaks into later ones.
	res, err := s.ReplaceCurrent(bg, []market.Listing{Listing(3, 300, Base)}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Archived)
	hist, err := s.History(bg, storage.HistoryRequest{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 8, 9}, historyItemIDs(hist))
}

func testRealisticSnapshot(t *testing.T, open Opener) {
	s := open(t, nil)
	ctx := context.Background()

	snapshot := func(at time.Time, price int64) []market.Listing {
		out := make([]market.Listing, RealisticSnapshotSize)
		for i := range out {
			out[i] = Listing(int64(i%5000+1), price+int64(i%7), at)
			out[i].Quantity = int64(i%20 + 1)
		}
		return out
	}

	_, err := s.ReplaceCurrent(ctx, snapshot(Base.Add(-time.Hour), 1000), time.Time{})
	require.NoError(t, err)
	res, err := s.ReplaceCurrent(ctx, snapshot(Base, 2000), Base.Add(-2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(RealisticSnapshotSize), res.Archived)
	assert.Equal(t, int64(RealisticSnapshotSize), res.Cleared)
	assert.Equal(t, int64(RealisticSnapshotSize), res.Inserted)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(RealisticSnapshotSize), st.HistoryRows)
	assert.Equal(t, int64(RealisticSnapshotSize), st.CurrentRows)

	name := market.NewBackupName(Base)
	n, err := s.CreateBackup(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, int64(RealisticSnapshotSize), n)

	deleted, err := s.Prune(ctx, storage.DailyDuplicatesSelector{}, storage.Apply)
	require.NoError(t, err)
	assert.Equal(t, int64(RealisticSnapshotSize-5000), deleted)

	restored, err := s.RestoreBackup(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, int64(RealisticSnapshotSize), restored)

	purged, err := s.Prune(ctx, storage.OlderThanSelector{Cutoff: Base}, storage.Apply)
	require.NoError(t, err)
	assert.Equal(t, int64(RealisticSnapshotSize), purged)
	count, err := s.CountHistory(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func historyItemIDs(recs []market.HistoryRecord) []int64 {
	ids := make([]int64, len(recs))
	for i, r := range recs {
		ids[i] = r.ItemID
	}
	return ids
}

func itemIDs(ls []market.Listing) []int64 {
	ids := make([]int64, len(ls))
	for i, l := range ls {
		ids[i] = l.ItemID
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func itemIDsOf(items []market.Item) []int64 {
	ids := make([]int64, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return ids
}

type recordKey struct {
	ID, ItemID, Buyout int64
	At                 int64
}

func recordKeys(recs []market.HistoryRecord) []recordKey {
	keys := make([]recordKey, len(recs))
	for i, r := range recs {
		keys[i] = recordKey{r.ID, r.ItemID, r.Buyout, r.SnapshotTime.UnixNano()}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].ID < keys[j].ID })
	return keys
}
