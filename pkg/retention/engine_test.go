package retention

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyauction/pkg/market"
	"github.com/nicktill/tinyauction/pkg/storage"
	"github.com/nicktill/tinyauction/pkg/storage/memory"
	"github.com/nicktill/tinyauction/pkg/storage/storagetest"
)

// tickClock advances one second per reading so backup names never collide.
type tickClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tickClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newEngine(t *testing.T, at time.Time, listings ...market.Listing) (*Engine, *memory.Storage) {
	t.Helper()
	store := memory.New()
	if len(listings) > 0 {
		storagetest.SeedHistory(t, store, listings...)
	}
	clock := &tickClock{t: at}
	return New(store, nil, WithClock(clock.now)), store
}

func outlierFixture() []market.Listing {
	at := storagetest.Base
	return []market.Listing{
		storagetest.Listing(ReferenceItemID, 1_000_001, at), // reference_high
		storagetest.Listing(ReferenceItemID, 49, at),        // reference_low
		storagetest.Listing(ReferenceItemID, 500, at),
		storagetest.Listing(7, 0, at),              // extreme_low
		storagetest.Listing(7, 10_000_000_001, at), // extreme_high
		storagetest.Listing(7, 5000, at),
	}
}

func TestRemoveOutliers(t *testing.T) {
	e, store := newEngine(t, storagetest.Base, outlierFixture()...)
	ctx := context.Background()

	report, err := e.RemoveOutliers(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(6), report.Before)
	assert.Equal(t, int64(4), report.Deleted)
	assert.Equal(t, int64(2), report.After)
	assert.Equal(t, "66.67", report.Reduction().StringFixed(2))
	require.NotEmpty(t, report.Backup)

	backups, err := store.ListBackups(ctx)
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, report.Backup, backups[0].Name)
	assert.Equal(t, int64(6), backups[0].Rows)

	left, err := store.History(ctx, storage.HistoryRequest{})
	require.NoError(t, err)
	var buyouts []int64
	for _, r := range left {
		buyouts = append(buyouts, r.Buyout)
	}
	assert.ElementsMatch(t, []int64{500, 5000}, buyouts)

	// Idempotent
	again, err := e.RemoveOutliers(ctx, Options{SkipBackup: true})
	require.NoError(t, err)
	assert.Zero(t, again.Deleted)
	assert.Empty(t, again.Backup)
}

func TestPreviewMatchesDeletion(t *testing.T) {
	e, _ := newEngine(t, storagetest.Base, outlierFixture()...)
	ctx := context.Background()

	p, err := e.Preview(ctx)
	require.NoError(t, err)
	require.Len(t, p.Rules, 4)
	for _, r := range p.Rules {
		assert.Equal(t, int64(1), r.Count, r.Name)
	}
	assert.Equal(t, int64(4), p.TotalOutliers)
	assert.Equal(t, int64(6), p.TotalRows)
	assert.Equal(t, int64(4), p.DailyToRemove)
	assert.Equal(t, int64(2), p.DailyKept)
	assert.Zero(t, p.PurgeToRemove)

	report, err := e.RemoveOutliers(ctx, Options{SkipBackup: true})
	require.NoError(t, err)
	assert.Equal(t, p.TotalOutliers, report.Deleted)
}

func TestDownsampleDaily(t *testing.T) {
	day := storagetest.Base
	e, store := newEngine(t, day,
		storagetest.Listing(1, 300, day),
		storagetest.Listing(1, 100, day.Add(time.Hour)),
		storagetest.Listing(1, 100, day.Add(2*time.Hour)),
		storagetest.Listing(1, 500, day.Add(24*time.Hour)),
		storagetest.Listing(2, 900, day),
	)
	ctx := context.Background()

	before, err := store.History(ctx, storage.HistoryRequest{})
	require.NoError(t, err)
	var keepID int64
	for _, r := range before {
		if r.Buyout == 100 && (keepID == 0 || r.ID < keepID) {
			keepID = r.ID
		}
	}

	report, err := e.DownsampleDaily(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.Deleted)
	assert.Equal(t, int64(3), report.After)

	left, err := store.History(ctx, storage.HistoryRequest{ItemID: 1})
	require.NoError(t, err)
	require.Len(t, left, 2)
	assert.Equal(t, int64(500), left[0].Buyout)
	assert.Equal(t, keepID, left[1].ID)

	again, err := e.DownsampleDaily(ctx, Options{SkipBackup: true})
	require.NoError(t, err)
	assert.Zero(t, again.Deleted)
}

func TestPurgeOlderThan(t *testing.T) {
	old := storagetest.Base
	recent := old.Add(39 * 24 * time.Hour)
	e, store := newEngine(t, old.Add(40*24*time.Hour),
		storagetest.Listing(1, 100, old),
		storagetest.Listing(1, 100, recent),
	)
	ctx := context.Background()

	report, err := e.PurgeOlderThan(ctx, 0, Options{SkipBackup: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Deleted)
	assert.True(t, report.Cutoff.After(old))
	assert.True(t, report.Cutoff.Before(recent))

	left, err := store.History(ctx, storage.HistoryRequest{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.True(t, left[0].SnapshotTime.Equal(recent))

	report, err = e.PurgeOlderThan(ctx, 24*time.Hour, Options{SkipBackup: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Deleted)
}

func TestBackupFailureDeletesNothing(t *testing.T) {
	store := memory.New()
	storagetest.SeedHistory(t, store, outlierFixture()...)
	fixed := func() time.Time { return storagetest.Base }
	e := New(store, nil, WithClock(fixed))
	ctx := context.Background()

	_, err := e.Backup(ctx)
	require.NoError(t, err)

	// Same clock, same backup name.
	_, err = e.RemoveOutliers(ctx, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, market.ErrBackup)
	assert.ErrorIs(t, err, storage.ErrBackupExists)

	var opErr *market.OpError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, int64(6), opErr.Rows)

	n, err := store.CountHistory(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	e, store := newEngine(t, storagetest.Base, outlierFixture()...)
	ctx := context.Background()

	b, err := e.Backup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), b.Rows)

	_, err = e.RemoveOutliers(ctx, Options{SkipBackup: true})
	require.NoError(t, err)

	r, err := e.Restore(ctx, b.Name)
	require.NoError(t, err)
	assert.Equal(t, int64(2), r.Before)
	assert.Equal(t, int64(6), r.Restored)

	n, err := store.CountHistory(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)

	require.NoError(t, e.DeleteBackup(ctx, b.Name))
	list, err := e.ListBackups(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMissingBackupIsNotFound(t *testing.T) {
	e, _ := newEngine(t, storagetest.Base)
	ctx := context.Background()
	name := market.NewBackupName(storagetest.Base)

	_, err := e.Restore(ctx, name)
	assert.ErrorIs(t, err, market.ErrNotFound)
	assert.NotErrorIs(t, err, market.ErrTransaction)

	err = e.DeleteBackup(ctx, name)
	assert.ErrorIs(t, err, market.ErrNotFound)
}

func TestRunAll(t *testing.T) {
	base := storagetest.Base
	listings := append(outlierFixture(),
		storagetest.Listing(7, 6000, base.Add(time.Hour)),
		storagetest.Listing(9, 100, base.Add(-40*24*time.Hour)),
	)
	e, store := newEngine(t, base.Add(2*time.Hour), listings...)
	ctx := context.Background()

	reports, err := e.RunAll(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 3)

	assert.Equal(t, OpRemoveOutliers, reports[0].Operation)
	assert.NotEmpty(t, reports[0].Backup)
	assert.Equal(t, int64(4), reports[0].Deleted)

	assert.Equal(t, OpDownsampleDaily, reports[1].Operation)
	assert.Empty(t, reports[1].Backup)
	assert.Equal(t, int64(1), reports[1].Deleted) // item 7: 6000 loses to 5000

	assert.Equal(t, OpPurgeOlderThan, reports[2].Operation)
	assert.Equal(t, int64(1), reports[2].Deleted)

	n, err := store.CountHistory(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	backups, err := store.ListBackups(ctx)
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

func TestStats(t *testing.T) {
	base := storagetest.Base
	var listings []market.Listing
	for i := 0; i < 10; i++ {
		listings = append(listings, storagetest.Listing(1, 100, base.Add(time.Duration(i)*10*time.Hour)))
	}
	// Span is 90h, 3.75 days.
	e, _ := newEngine(t, base, listings...)

	s, err := e.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(10), s.TotalRows)
	assert.Equal(t, 2.67, s.RowsPerDay)
	assert.True(t, s.OldestSnapshot.Equal(base))
	assert.Zero(t, s.Backups)

	empty, _ := newEngine(t, base)
	s, err = empty.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, s.RowsPerDay)
}

func TestRowsPerDayUsesFractionalSpan(t *testing.T) {
	base := storagetest.Base
	cases := []struct {
		name string
		span time.Duration
		rows int64
		want float64
	}{
		{"under one day", 6 * time.Hour, 10, 10},
		{"one point nine days", 45*time.Hour + 36*time.Minute, 19, 10},
		{"two and a half days", 60 * time.Hour, 5, 2},
		{"no snapshots", 0, 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			oldest, newest := base, base.Add(tc.span)
			if tc.rows == 0 {
				oldest, newest = time.Time{}, time.Time{}
			}
			assert.Equal(t, tc.want, rowsPerDay(tc.rows, oldest, newest))
		})
	}
}

func TestReductionEmptyTable(t *testing.T) {
	assert.True(t, Report{}.Reduction().IsZero())
	assert.Equal(t, "50.00", Report{Before: 4, Deleted: 2}.Reduction().StringFixed(2))
}
