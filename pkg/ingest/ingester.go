package ingest

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/tinyauction/pkg/config"
	"github.com/nicktill/tinyauction/pkg/logging"
	"github.com/nicktill/tinyauction/pkg/market"
	"github.com/nicktill/tinyauction/pkg/storage"
)

// Ingester applies a normalized batch as one snapshot replacement.
type Ingester struct {
	store  storage.CurrentStore
	window time.Duration
	log    *zap.Logger
	now    func() time.Time
}

// NewIngester creates an Ingester. Rows observed within window before now are
// archived before the current table is replaced. A zero window is derived
// from the default schedule.
func NewIngester(store storage.CurrentStore, window time.Duration, log *zap.Logger) *Ingester {
	if window <= 0 {
		window = config.Default().Ingest.Window()
	}
	return &Ingester{
		store:  store,
		window: window,
		log:    logging.OrNop(log),
		now:    time.Now,
	}
}

// Result reports one ingestion.
type Result struct {
	Inserted     int64     `json:"inserted"`
	Archived     int64     `json:"archived"`
	Cleared      int64     `json:"cleared"`
	Skipped      bool      `json:"skipped,omitempty"`
	ArchiveSince time.Time `json:"archive_since"`
}

// Ingest archives recent current rows, clears the table and loads batch,
// atomically. An empty batch leaves both tables untouched.
func (i *Ingester) Ingest(ctx context.Context, batch []market.Listing) (*Result, error) {
	since := i.now().UTC().Add(-i.window)
	if len(batch) == 0 {
		i.log.Info("Empty batch, keeping current snapshot")
		return &Result{Skipped: true, ArchiveSince: since}, nil
	}
	if len(batch) > MaxListingsPerBatch {
		return nil, market.Fail("ingest", market.ErrTransaction, int64(len(batch)), ErrTooManyListings)
	}

	start := time.Now()
	res, err := i.store.ReplaceCurrent(ctx, batch, since)
	if err != nil {
		i.log.Error("Snapshot transaction rolled back", zap.Int("batch", len(batch)), zap.Error(err))
		return nil, market.Fail("ingest", market.ErrTransaction, int64(len(batch)), err)
	}

	i.log.Info("Snapshot replaced",
		zap.Int64("inserted", res.Inserted),
		zap.Int64("archived", res.Archived),
		zap.Int64("cleared", res.Cleared),
		zap.Duration("took", time.Since(start)),
	)
	return &Result{
		Inserted:     res.Inserted,
		Archived:     res.Archived,
		Cleared:      res.Cleared,
		ArchiveSince: since,
	}, nil
}
