package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyauction/pkg/config"
	"github.com/nicktill/tinyauction/pkg/market"
	"github.com/nicktill/tinyauction/pkg/storage"
	"github.com/nicktill/tinyauction/pkg/storage/memory"
	"github.com/nicktill/tinyauction/pkg/storage/storagetest"
)

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestIngester(store storage.CurrentStore) *Ingester {
	ing := NewIngester(store, time.Hour, nil)
	ing.now = func() time.Time { return testNow }
	return ing
}

func TestIngestArchivesAndReplaces(t *testing.T) {
	store := memory.New()
	ing := newTestIngester(store)
	ctx := context.Background()

	prev := []market.Listing{
		storagetest.Listing(1, 100, testNow.Add(-40*time.Minute)),
		storagetest.Listing(2, 200, testNow.Add(-40*time.Minute)),
		storagetest.Listing(3, 300, testNow.Add(-90*time.Minute)), // outside window
	}
	_, err := store.ReplaceCurrent(ctx, prev, time.Time{})
	require.NoError(t, err)

	batch := []market.Listing{storagetest.Listing(4, 400, testNow)}
	res, err := ing.Ingest(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Inserted)
	assert.Equal(t, int64(2), res.Archived)
	assert.Equal(t, int64(3), res.Cleared)
	assert.True(t, res.ArchiveSince.Equal(testNow.Add(-time.Hour)))

	current, _ := store.CurrentListings(ctx)
	assert.Equal(t, batch, current)

	hist, _ := store.History(ctx, storage.HistoryRequest{})
	require.Len(t, hist, 2)
	for _, h := range hist {
		assert.True(t, h.SnapshotTime.Equal(testNow.Add(-40*time.Minute)))
	}
}

func TestIngestEmptyBatchIsNoop(t *testing.T) {
	store := memory.New()
	ing := newTestIngester(store)
	ctx := context.Background()

	prev := []market.Listing{storagetest.Listing(1, 100, testNow.Add(-10*time.Minute))}
	_, err := store.ReplaceCurrent(ctx, prev, time.Time{})
	require.NoError(t, err)

	res, err := ing.Ingest(ctx, nil)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, res.Inserted)

	current, _ := store.CurrentListings(ctx)
	assert.Equal(t, prev, current)
	n, _ := store.CountHistory(ctx)
	assert.Zero(t, n)
}

func TestIngestRollsBackOnMidTransactionFailure(t *testing.T) {
	for _, stage := range []string{storage.StageArchive, storage.StageClear, storage.StageLoad} {
		t.Run(stage, func(t *testing.T) {
			f := &storagetest.Failer{}
			store := memory.New(memory.WithFailpoint(f.Hook))
			ing := newTestIngester(store)
			ctx := context.Background()

			prev := []market.Listing{storagetest.Listing(1, 100, testNow.Add(-10*time.Minute))}
			_, err := store.ReplaceCurrent(ctx, prev, time.Time{})
			require.NoError(t, err)

			f.Arm(stage)
			_, err = ing.Ingest(ctx, []market.Listing{storagetest.Listing(2, 200, testNow)})
			require.Error(t, err)
			assert.True(t, errors.Is(err, market.ErrTransaction))
			assert.True(t, errors.Is(err, storagetest.ErrInjected))

			var op *market.OpError
			require.True(t, errors.As(err, &op))
			assert.Equal(t, int64(1), op.Rows)

			current, _ := store.CurrentListings(ctx)
			assert.Equal(t, prev, current)
			n, _ := store.CountHistory(ctx)
			assert.Zero(t, n)
		})
	}
}

func TestIngestDefaultWindowArchivesLateCycle(t *testing.T) {
	ing := config.Default().Ingest
	tests := []struct {
		name string
		gap  time.Duration
	}{
		{"fetch one second slower", ing.Interval + time.Second},
		{"last retry at timeout", ing.MaxCycleGap()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New()
			ctx := context.Background()
			first := testNow.Add(20 * time.Second)

			ingester := NewIngester(store, 0, nil)
			ingester.now = func() time.Time { return first }
			_, err := ingester.Ingest(ctx, []market.Listing{storagetest.Listing(1, 100, first)})
			require.NoError(t, err)

			ingester.now = func() time.Time { return first.Add(tt.gap) }
			res, err := ingester.Ingest(ctx, []market.Listing{storagetest.Listing(1, 110, first.Add(tt.gap))})
			require.NoError(t, err)
			assert.Equal(t, int64(1), res.Archived)
			assert.Equal(t, int64(1), res.Cleared)

			hist, err := store.History(ctx, storage.HistoryRequest{})
			require.NoError(t, err)
			require.Len(t, hist, 1)
			assert.Equal(t, int64(100), hist[0].Buyout)
		})
	}
}
