package server

import (
	"context"
	"errors"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/nicktill/tinyauction/pkg/config"
	"github.com/nicktill/tinyauction/pkg/ingest"
	"github.com/nicktill/tinyauction/pkg/retention"
	"github.com/nicktill/tinyauction/pkg/server/monitor"
	"github.com/nicktill/tinyauction/pkg/storage"
	"github.com/nicktill/tinyauction/pkg/storage/badger"
	"github.com/nicktill/tinyauction/pkg/tiers"
)

// Retry policy shared by the scheduled jobs.
type retryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
}

var ingestRetry = retryPolicy{maxRetries: config.IngestMaxRetries, baseDelay: config.IngestRetryBaseDelay}

// withRetry runs fn until it succeeds, the retries are exhausted or ctx is
// done. Delays double each attempt: base, 2*base, 4*base.
func withRetry(ctx context.Context, p retryPolicy, log *zap.Logger, job string, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			delay := p.baseDelay * time.Duration(1<<(attempt-1))
			log.Info("Retrying job", zap.String("job", job), zap.Duration("delay", delay),
				zap.Int("attempt", attempt+1), zap.Int("max_attempts", p.maxRetries+1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return err
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		log.Warn("Job attempt failed", zap.String("job", job), zap.Int("attempt", attempt+1), zap.Error(err))
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}

// RunIngestion runs an ingestion cycle at startup and then every interval
// until ctx is done. Each attempt gets its own timeout derived from ctx, so
// cancelling ctx aborts an in-flight cycle. Failed cycles are retried with
// exponential backoff. When a cycle adds catalog entries the tier cache is
// refreshed.
func RunIngestion(
	ctx context.Context,
	collector *ingest.Collector,
	tierCache *tiers.Cache,
	jm *monitor.JobMonitor,
	interval, timeout time.Duration,
	log *zap.Logger,
	wg *sync.WaitGroup,
) {
	defer wg.Done()
	log = log.Named("scheduler")

	run := func() {
		err := withRetry(ctx, ingestRetry, log, "ingest", func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			report, err := collector.RunCycle(ctx)
			if errors.Is(err, ingest.ErrCycleInProgress) {
				// A manual run is in flight; it counts.
				return nil
			}
			if err != nil {
				jm.RecordFailure(err)
				return err
			}
			jm.RecordSuccess()
			if report.ItemsResolved > 0 && tierCache != nil {
				if _, err := tierCache.Refresh(ctx); err != nil {
					log.Warn("Tier refresh failed", zap.Error(err))
				}
			}
			return nil
		})
		if err != nil && ctx.Err() == nil {
			status := jm.Status()
			log.Error("Ingestion failed after retries, will retry on next schedule",
				zap.Int("consecutive_errors", status.ConsecutiveErrors), zap.Error(err))
		}
	}

	jm.Start()
	log.Info("Ingestion scheduler started", zap.Duration("interval", interval))
	run()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			run()
		case <-ctx.Done():
			log.Info("Stopping ingestion scheduler")
			return
		}
	}
}

// RunRetention runs the full retention pipeline every interval until ctx is
// done. The first run happens one interval after startup, never at boot.
func RunRetention(
	ctx context.Context,
	engine *retention.Engine,
	jm *monitor.JobMonitor,
	interval time.Duration,
	log *zap.Logger,
	wg *sync.WaitGroup,
) {
	defer wg.Done()
	log = log.Named("scheduler")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	jm.Start()
	log.Info("Retention scheduler started", zap.Duration("interval", interval))
	for {
		select {
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, config.RetentionTimeout)
			reports, err := engine.RunAll(runCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					log.Info("Retention run cancelled by shutdown", zap.Int("completed_steps", len(reports)))
					return
				}
				jm.RecordFailure(err)
				log.Error("Scheduled retention failed", zap.Int("completed_steps", len(reports)), zap.Error(err))
				continue
			}
			jm.RecordSuccess()
			var deleted int64
			for _, r := range reports {
				deleted += r.Deleted
			}
			log.Info("Scheduled retention complete", zap.Int64("deleted", deleted))
		case <-ctx.Done():
			log.Info("Stopping retention scheduler")
			return
		}
	}
}

// RunBadgerGC runs BadgerDB garbage collection periodically to reclaim disk space.
// Deleted history stays in the value log until GC rewrites it.
func RunBadgerGC(ctx context.Context, store storage.Storage, log *zap.Logger, wg *sync.WaitGroup) {
	defer wg.Done()
	log = log.Named("gc")

	badgerStore, ok := store.(*badger.Storage)
	if !ok {
		log.Debug("Storage is not BadgerDB, skipping GC")
		return
	}

	ticker := time.NewTicker(config.BadgerGCInterval)
	defer ticker.Stop()
	log.Info("BadgerDB GC scheduler started", zap.Duration("interval", config.BadgerGCInterval))

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			// Rewrite a file if at least half of it is garbage
			err := badgerStore.RunGC(0.5)
			switch {
			case err == nil:
				log.Info("GC reclaimed disk space", zap.Duration("duration", time.Since(start).Round(time.Millisecond)))
			case errors.Is(err, badgerdb.ErrNoRewrite):
				log.Debug("GC found nothing to rewrite")
			default:
				log.Warn("GC failed", zap.Error(err))
			}
		case <-ctx.Done():
			log.Info("Stopping BadgerDB GC scheduler")
			return
		}
	}
}
