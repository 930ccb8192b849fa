/*
Package storage provides the pluggable storage abstraction for tinyauction.

# Storage Interface

tinyauction keeps two streams of listings plus an item catalog:

  - current listings: the latest snapshot, fully replaced every cycle
  - history: archived snapshots, bounded by the retention engine
  - items: insert-or-ignore catalog keyed by item id

Backends:

  - memory: in-memory, for tests and development
  - badger: BadgerDB, embedded and persistent (default)
  - sqlstore: MySQL via gorm, tables items/current_listings/history

All backends implement Storage, which is composed of CurrentStore,
HistoryStore, ItemStore and BackupStore.

# Snapshot Replacement

ReplaceCurrent runs three stages in one transaction:

	archive  copy current rows observed within the window into history
	clear    delete every current row
	load     insert the new batch

A Failpoint installed on memory or badger backends is invoked after each
stage so tests can abort mid-transaction and verify the rollback.

# Selectors

Retention works through Selector values:

  - OutlierSelector: static threshold rules
  - DailyDuplicatesSelector: all but the cheapest row per (item, UTC day)
  - OlderThanSelector: rows before a cutoff

Prune evaluates the same selector in DryRun (count) or Apply (delete) mode.
memory and badger share Victims; sqlstore renders the selector to SQL once
and reuses the text for both the count and the delete.

# Backups

A backup is a full copy of history named history_backup_YYYYMMDD_HHMMSS
(see market.BackupName). RestoreBackup replaces history wholesale.
ErrBackupNotFound matches market.ErrNotFound through errors.Is.
*/
package storage
