/*
Package retention keeps the auction history table small and clean.

# Operations

History grows by one archived snapshot per ingestion cycle. Three pruning
operations bring it back down:

	remove-outliers    rows whose buyout breaks a policy rule
	downsample-daily   all but the cheapest row per item and UTC day
	purge-older-than   rows older than a horizon (default 30 days)

Each one runs in a single backend transaction. Unless Options.SkipBackup is
set, a full backup named history_backup_YYYYMMDD_HHMMSS is taken first; if
the backup fails nothing is deleted and the error matches market.ErrBackup.

# Preview

Preview evaluates the exact selectors the operations use, in
storage.DryRun mode. What it reports is what a subsequent run deletes,
provided nothing is ingested in between.

	outliers(extreme_high: buyout > 10000000000; ...)  -> 12
	daily-duplicates                                     -> 40211
	older-than(2026-03-11T00:00:00Z)                     -> 0

# Policy

Outlier thresholds are static and expressed in copper (1 gold = 10000
copper):

	extreme_high     buyout > 10,000,000,000   (1M gold)
	extreme_low      buyout < 1
	reference_high   item 2589 and buyout > 1,000,000   (100 gold)
	reference_low    item 2589 and buyout < 50

All operations are idempotent: a second run deletes nothing.

# Concurrency

An Engine serializes its own mutating calls. There is no cross-process
lock, so only one scheduler or CLI should mutate a store at a time.
*/
package retention
