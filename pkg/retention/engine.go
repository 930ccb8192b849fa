package retention

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nicktill/tinyauction/pkg/logging"
	"github.com/nicktill/tinyauction/pkg/market"
	"github.com/nicktill/tinyauction/pkg/storage"
)

// Store is the persistence surface the engine needs.
type Store interface {
	storage.HistoryStore
	storage.BackupStore
	Stats(ctx context.Context) (*storage.Stats, error)
}

// Engine runs backups and pruning against history. Mutating operations are
// serialized within the process.
type Engine struct {
	store  Store
	policy Policy
	log    *zap.Logger
	now    func() time.Time

	mu sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy replaces the default thresholds.
func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine using DefaultPolicy.
func New(store Store, log *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		policy: DefaultPolicy(),
		log:    logging.OrNop(log).Named("retention"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the active thresholds.
func (e *Engine) Policy() Policy { return e.policy }

// Backup copies all history into a new timestamped backup.
func (e *Engine) Backup(ctx context.Context) (*BackupReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backup(ctx, OpBackup, 0)
}

func (e *Engine) backup(ctx context.Context, op string, rows int64) (*BackupReport, error) {
	name := market.NewBackupName(e.now())
	copied, err := e.store.CreateBackup(ctx, name)
	if err != nil {
		return nil, market.Fail(op, market.ErrBackup, rows, errors.Wrapf(err, "create %s", name))
	}
	e.log.Info("Backup created", zap.Stringer("backup", name), zap.Int64("rows", copied))
	return &BackupReport{Name: name, Rows: copied}, nil
}

// ListBackups returns backups newest first with live row counts.
func (e *Engine) ListBackups(ctx context.Context) ([]storage.BackupInfo, error) {
	return e.store.ListBackups(ctx)
}

// Restore replaces all history with the contents of name.
func (e *Engine) Restore(ctx context.Context, name market.BackupName) (*RestoreReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	before, err := e.store.CountHistory(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "count history")
	}
	restored, err := e.store.RestoreBackup(ctx, name)
	if err != nil {
		return nil, market.Fail(OpRestore, kindOf(err), before, errors.Wrapf(err, "restore %s", name))
	}
	e.log.Info("Backup restored",
		zap.Stringer("backup", name),
		zap.Int64("before", before),
		zap.Int64("restored", restored))
	return &RestoreReport{Name: name, Before: before, Restored: restored}, nil
}

// DeleteBackup drops name.
func (e *Engine) DeleteBackup(ctx context.Context, name market.BackupName) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.DeleteBackup(ctx, name); err != nil {
		return market.Fail(OpDeleteBackup, kindOf(err), 0, errors.Wrapf(err, "delete %s", name))
	}
	e.log.Info("Backup deleted", zap.Stringer("backup", name))
	return nil
}

// RemoveOutliers deletes rows matching any outlier rule.
func (e *Engine) RemoveOutliers(ctx context.Context, opts Options) (*Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.prune(ctx, OpRemoveOutliers, e.policy.OutlierSelector(), opts)
}

// DownsampleDaily keeps the cheapest row per item and UTC day.
func (e *Engine) DownsampleDaily(ctx context.Context, opts Options) (*Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.prune(ctx, OpDownsampleDaily, storage.DailyDuplicatesSelector{}, opts)
}

// PurgeOlderThan deletes rows whose snapshot is older than horizon. A
// non-positive horizon uses the policy default.
func (e *Engine) PurgeOlderThan(ctx context.Context, horizon time.Duration, opts Options) (*Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.prune(ctx, OpPurgeOlderThan, e.purgeSelector(horizon), opts)
}

// RunAll removes outliers behind a backup, then downsamples and purges at
// the default horizon. It stops at the first failure and returns the
// reports of the steps that completed.
func (e *Engine) RunAll(ctx context.Context) ([]Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	steps := []struct {
		op   string
		sel  storage.Selector
		opts Options
	}{
		{OpRemoveOutliers, e.policy.OutlierSelector(), Options{}},
		{OpDownsampleDaily, storage.DailyDuplicatesSelector{}, Options{SkipBackup: true}},
		{OpPurgeOlderThan, e.purgeSelector(0), Options{SkipBackup: true}},
	}
	var reports []Report
	for _, s := range steps {
		r, err := e.prune(ctx, s.op, s.sel, s.opts)
		if err != nil {
			return reports, err
		}
		reports = append(reports, *r)
	}
	return reports, nil
}

func (e *Engine) purgeSelector(horizon time.Duration) storage.OlderThanSelector {
	return storage.OlderThanSelector{Cutoff: e.now().Add(-e.policy.Horizon(horizon))}
}

// prune is the shared backup-then-delete path. A failed backup aborts
// before anything is deleted.
func (e *Engine) prune(ctx context.Context, op string, sel storage.Selector, opts Options) (*Report, error) {
	start := e.now()
	before, err := e.store.CountHistory(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "count history")
	}

	report := &Report{Operation: op, Before: before, StartedAt: start}
	if s, ok := sel.(storage.OlderThanSelector); ok {
		report.Cutoff = s.Cutoff
	}

	if !opts.SkipBackup {
		b, err := e.backup(ctx, op, before)
		if err != nil {
			e.log.Error("Backup failed, nothing deleted", zap.String("op", op), zap.Error(err))
			return nil, err
		}
		report.Backup = b.Name
	}

	deleted, err := e.store.Prune(ctx, sel, storage.Apply)
	if err != nil {
		return nil, market.Fail(op, market.ErrTransaction, before, errors.Wrap(err, sel.Describe()))
	}
	after, err := e.store.CountHistory(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "count history")
	}

	report.Deleted = deleted
	report.After = after
	report.Duration = e.now().Sub(start)

	e.log.Info("Retention operation complete",
		zap.String("op", op),
		zap.String("selector", sel.Describe()),
		zap.Int64("before", before),
		zap.Int64("deleted", deleted),
		zap.Int64("after", after),
		zap.String("reduction_pct", report.Reduction().StringFixed(2)),
		zap.Stringer("backup", report.Backup),
		zap.Duration("duration", report.Duration))
	return report, nil
}

// Preview counts what each operation would delete without deleting.
func (e *Engine) Preview(ctx context.Context) (*Preview, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := &Preview{}
	for _, rule := range e.policy.Outliers {
		n, err := e.store.Prune(ctx, storage.OutlierSelector{Rules: []storage.OutlierRule{rule}}, storage.DryRun)
		if err != nil {
			return nil, errors.Wrapf(err, "preview rule %s", rule.Name)
		}
		p.Rules = append(p.Rules, RulePreview{Name: rule.Name, Desc: rule.String(), Count: n})
	}

	var err error
	if p.TotalOutliers, err = e.store.Prune(ctx, e.policy.OutlierSelector(), storage.DryRun); err != nil {
		return nil, errors.Wrap(err, "preview outliers")
	}
	if p.TotalRows, err = e.store.CountHistory(ctx); err != nil {
		return nil, errors.Wrap(err, "count history")
	}
	if p.DailyToRemove, err = e.store.Prune(ctx, storage.DailyDuplicatesSelector{}, storage.DryRun); err != nil {
		return nil, errors.Wrap(err, "preview daily")
	}
	p.DailyKept = p.TotalRows - p.DailyToRemove

	purge := e.purgeSelector(0)
	p.PurgeCutoff = purge.Cutoff
	if p.PurgeToRemove, err = e.store.Prune(ctx, purge, storage.DryRun); err != nil {
		return nil, errors.Wrap(err, "preview purge")
	}
	return p, nil
}

// Stats returns history statistics. Read-only.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	s, err := e.store.Stats(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "stats")
	}
	out := statsFrom(s)
	return &out, nil
}

func kindOf(err error) error {
	if errors.Is(err, market.ErrNotFound) {
		return market.ErrNotFound
	}
	return market.ErrTransaction
}
