// Package sqlstore implements storage.Storage on MySQL through gorm.
//
// Tables: items, current_listings, history and one history_backup_* table per
// backup. Backups are created with CREATE TABLE ... AS SELECT, which commits
// implicitly in MySQL; restores and prunes run inside a transaction.
package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/nicktill/tinyauction/pkg/logging"
	"github.com/nicktill/tinyauction/pkg/market"
	"github.com/nicktill/tinyauction/pkg/storage"
)

const insertBatchSize = 1000

// Config configures the MySQL backend.
type Config struct {
	DSN    string
	Logger *zap.Logger

	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration

	// Failpoint is invoked at each write stage inside the transaction (tests only)
	Failpoint storage.Failpoint
}

// Store is the MySQL storage backend.
type Store struct {
	db        *gorm.DB
	log       *zap.Logger
	failpoint storage.Failpoint
}

// Open connects, configures the pool and migrates the schema.
func Open(cfg Config) (*Store, error) {
	log := logging.OrNop(cfg.Logger)

	dsn, err := normalizeDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.New(zap.NewStdLog(log.Named("gorm")), logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect to mysql")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "get underlying sql.DB")
	}
	sqlDB.SetMaxIdleConns(orDefault(cfg.MaxIdleConns, 10))
	sqlDB.SetMaxOpenConns(orDefault(cfg.MaxOpenConns, 100))
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	if err := db.AutoMigrate(&itemRow{}, &currentRow{}, &historyRow{}); err != nil {
		return nil, errors.Wrap(err, "migrate schema")
	}

	log.Info("MySQL storage ready")
	return &Store{db: db, log: log, failpoint: cfg.Failpoint}, nil
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func (s *Store) fire(stage string) error {
	if s.failpoint == nil {
		return nil
	}
	return s.failpoint(stage)
}

// ReplaceCurrent archives, clears and loads in one READ COMMITTED transaction.
func (s *Store) ReplaceCurrent(ctx context.Context, listings []market.Listing, archiveSince time.Time) (*storage.ReplaceResult, error) {
	res := &storage.ReplaceResult{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		archived := tx.Exec(archiveSQL, archiveSince.UTC())
		if archived.Error != nil {
			return errors.Wrap(archived.Error, "archive current listings")
		}
		res.Archived = archived.RowsAffected
		if err := s.fire(storage.StageArchive); err != nil {
			return err
		}

		cleared := tx.Exec(clearCurrentSQL)
		if cleared.Error != nil {
			return errors.Wrap(cleared.Error, "clear current listings")
		}
		res.Cleared = cleared.RowsAffected
		if err := s.fire(storage.StageClear); err != nil {
			return err
		}

		if len(listings) > 0 {
			rows := make([]currentRow, len(listings))
			for i, l := range listings {
				rows[i] = fromListing(l)
			}
			if err := tx.CreateInBatches(rows, insertBatchSize).Error; err != nil {
				return errors.Wrap(err, "load listings")
			}
		}
		res.Inserted = int64(len(listings))
		return s.fire(storage.StageLoad)
	}, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// CurrentListings returns the latest snapshot.
func (s *Store) CurrentListings(ctx context.Context) ([]market.Listing, error) {
	var rows []currentRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "read current listings")
	}
	out := make([]market.Listing, len(rows))
	for i, r := range rows {
		out[i] = r.toListing()
	}
	return out, nil
}

// History retrieves records matching the request, newest first.
func (s *Store) History(ctx context.Context, req storage.HistoryRequest) ([]market.HistoryRecord, error) {
	q := s.db.WithContext(ctx).Model(&historyRow{})
	if !req.After.IsZero() {
		q = q.Where("snapshot_time > ?", req.After.UTC())
	}
	if !req.Before.IsZero() {
		q = q.Where("snapshot_time <= ?", req.Before.UTC())
	}
	if req.ItemID != 0 {
		q = q.Where("item_id = ?", req.ItemID)
	}
	q = q.Order("snapshot_time DESC, id DESC")
	if req.Limit > 0 {
		q = q.Limit(req.Limit)
	}

	var rows []historyRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "read history")
	}
	out := make([]market.HistoryRecord, len(rows))
	for i, r := range rows {
		out[i] = r.toRecord()
	}
	return out, nil
}

// CountHistory returns the number of history rows.
func (s *Store) CountHistory(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&historyRow{}).Count(&n).Error; err != nil {
		return 0, errors.Wrap(err, "count history")
	}
	return n, nil
}

// Prune counts or deletes the rows sel selects.
func (s *Store) Prune(ctx context.Context, sel storage.Selector, mode storage.PruneMode) (int64, error) {
	stmt, err := renderPrune(sel)
	if err != nil {
		return 0, err
	}

	if mode == storage.DryRun {
		var n int64
		if err := s.db.WithContext(ctx).Raw(stmt.Count, stmt.Args...).Scan(&n).Error; err != nil {
			return 0, errors.Wrapf(err, "count %s", sel.Describe())
		}
		return n, nil
	}

	var n int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Exec(stmt.Delete, stmt.Args...)
		if res.Error != nil {
			return errors.Wrapf(res.Error, "delete %s", sel.Describe())
		}
		n = res.RowsAffected
		return s.fire(storage.StagePrune)
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// PutItemIfAbsent inserts item unless the id exists.
func (s *Store) PutItemIfAbsent(ctx context.Context, item market.Item) (bool, error) {
	row := fromItem(item)
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "insert item %d", item.ID)
	}
	return res.RowsAffected == 1, nil
}

// Item returns a catalog entry.
func (s *Store) Item(ctx context.Context, id int64) (market.Item, error) {
	var row itemRow
	err := s.db.WithContext(ctx).Where("item_id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return market.Item{}, storage.ErrItemNotFound
	}
	if err != nil {
		return market.Item{}, errors.Wrapf(err, "read item %d", id)
	}
	return row.toItem(), nil
}

// Items returns the catalog ordered by (name, id).
func (s *Store) Items(ctx context.Context) ([]market.Item, error) {
	var rows []itemRow
	if err := s.db.WithContext(ctx).Order("name, item_id").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "read items")
	}
	out := make([]market.Item, len(rows))
	for i, r := range rows {
		out[i] = r.toItem()
	}
	return out, nil
}

// UnknownItemIDs lists current item ids missing from the catalog.
func (s *Store) UnknownItemIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	if err := s.db.WithContext(ctx).Raw(unknownItemsSQL).Scan(&ids).Error; err != nil {
		return nil, errors.Wrap(err, "find unknown items")
	}
	return ids, nil
}

func (s *Store) backupExists(ctx context.Context, name market.BackupName) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Raw(tableExistsSQL, string(name)).Scan(&n).Error; err != nil {
		return false, errors.Wrapf(err, "look up %s", name)
	}
	return n > 0, nil
}

func (s *Store) countBackup(ctx context.Context, name market.BackupName) (int64, error) {
	stmt, err := countBackupSQL(name)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.WithContext(ctx).Raw(stmt).Scan(&n).Error; err != nil {
		if mysqlErrorNumber(err) == errNoSuchTable {
			return 0, storage.ErrBackupNotFound
		}
		return 0, errors.Wrapf(err, "count %s", name)
	}
	return n, nil
}

// CreateBackup copies history into a new table.
func (s *Store) CreateBackup(ctx context.Context, name market.BackupName) (int64, error) {
	stmt, err := createBackupSQL(name)
	if err != nil {
		return 0, err
	}
	if err := s.db.WithContext(ctx).Exec(stmt).Error; err != nil {
		if mysqlErrorNumber(err) == errTableExists {
			return 0, storage.ErrBackupExists
		}
		return 0, errors.Wrapf(err, "create %s", name)
	}
	return s.countBackup(ctx, name)
}

// ListBackups returns backups newest first with live row counts.
func (s *Store) ListBackups(ctx context.Context) ([]storage.BackupInfo, error) {
	var tables []string
	if err := s.db.WithContext(ctx).Raw(listBackupsSQL, backupLikePattern).Scan(&tables).Error; err != nil {
		return nil, errors.Wrap(err, "list backup tables")
	}

	out := make([]storage.BackupInfo, 0, len(tables))
	for _, t := range tables {
		name, err := market.ParseBackupName(t)
		if err != nil {
			s.log.Debug("Skipping foreign table with backup prefix", zap.String("table", t))
			continue
		}
		rows, err := s.countBackup(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, storage.BackupInfo{Name: name, Rows: rows, CreatedAt: name.CreatedAt()})
	}
	return out, nil
}

// RestoreBackup replaces history with the backup contents in one transaction.
func (s *Store) RestoreBackup(ctx context.Context, name market.BackupName) (int64, error) {
	stmt, err := restoreBackupSQL(name)
	if err != nil {
		return 0, err
	}
	ok, err := s.backupExists(ctx, name)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, storage.ErrBackupNotFound
	}

	var n int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM history").Error; err != nil {
			return errors.Wrap(err, "clear history")
		}
		res := tx.Exec(stmt)
		if res.Error != nil {
			return errors.Wrapf(res.Error, "copy %s", name)
		}
		n = res.RowsAffected
		return s.fire(storage.StageRestore)
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// DeleteBackup drops a backup table.
func (s *Store) DeleteBackup(ctx context.Context, name market.BackupName) error {
	stmt, err := dropBackupSQL(name)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Exec(stmt).Error; err != nil {
		if mysqlErrorNumber(err) == errTableUnknown {
			return storage.ErrBackupNotFound
		}
		return errors.Wrapf(err, "drop %s", name)
	}
	return nil
}

// Stats returns history statistics
func (s *Store) Stats(ctx context.Context) (*storage.Stats, error) {
	db := s.db.WithContext(ctx)

	var span struct {
		N      int64
		Oldest sql.NullTime
		Newest sql.NullTime
	}
	if err := db.Raw(historySpanSQL).Scan(&span).Error; err != nil {
		return nil, errors.Wrap(err, "history span")
	}

	stats := &storage.Stats{HistoryRows: span.N}
	if span.Oldest.Valid {
		stats.OldestSnapshot = span.Oldest.Time.UTC()
	}
	if span.Newest.Valid {
		stats.NewestSnapshot = span.Newest.Time.UTC()
	}
	if err := db.Model(&currentRow{}).Count(&stats.CurrentRows).Error; err != nil {
		return nil, errors.Wrap(err, "count current listings")
	}
	if err := db.Raw(sizeSQL).Scan(&stats.SizeBytes).Error; err != nil {
		return nil, errors.Wrap(err, "table sizes")
	}

	backups, err := s.ListBackups(ctx)
	if err != nil {
		return nil, err
	}
	stats.Backups = len(backups)
	return stats, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
