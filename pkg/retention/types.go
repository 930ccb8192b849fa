package retention

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/nicktill/tinyauction/pkg/market"
	"github.com/nicktill/tinyauction/pkg/storage"
)

// Operation names used in reports and errors.
const (
	OpBackup          = "backup"
	OpRestore         = "restore"
	OpDeleteBackup    = "delete-backup"
	OpRemoveOutliers  = "remove-outliers"
	OpDownsampleDaily = "downsample-daily"
	OpPurgeOlderThan  = "purge-older-than"
)

// Options tune a destructive operation.
type Options struct {
	// SkipBackup runs without the pre-operation backup
	SkipBackup bool
}

// Report describes one mutating run.
type Report struct {
	Operation string            `json:"operation"`
	Before    int64             `json:"before"`
	Deleted   int64             `json:"deleted"`
	After     int64             `json:"after"`
	Backup    market.BackupName `json:"backup,omitempty"`
	Cutoff    time.Time         `json:"cutoff,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	Duration  time.Duration     `json:"duration"`
}

// Reduction is the share of rows deleted, in percent, rounded to two places.
// It is zero for an empty table.
func (r Report) Reduction() decimal.Decimal {
	if r.Before == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(r.Deleted).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(r.Before)).
		Round(2)
}

// BackupReport describes a created backup.
type BackupReport struct {
	Name market.BackupName `json:"name"`
	Rows int64             `json:"rows"`
}

// RestoreReport describes a restore.
type RestoreReport struct {
	Name     market.BackupName `json:"name"`
	Before   int64             `json:"before"`
	Restored int64             `json:"restored"`
}

// RulePreview is the dry-run count of one outlier rule.
type RulePreview struct {
	Name  string `json:"name"`
	Desc  string `json:"description"`
	Count int64  `json:"count"`
}

// Preview reports what each operation would delete, computed with the
// same selectors the operations use.
type Preview struct {
	Rules []RulePreview `json:"rules"`

	// Rows flagged by at least one rule
	TotalOutliers int64 `json:"total_outliers"`

	TotalRows     int64 `json:"total_rows"`
	DailyKept     int64 `json:"daily_kept"`
	DailyToRemove int64 `json:"daily_to_remove"`

	PurgeCutoff   time.Time `json:"purge_cutoff"`
	PurgeToRemove int64     `json:"purge_to_remove"`
}

// Stats summarizes the history table.
type Stats struct {
	TotalRows      int64     `json:"total_rows"`
	CurrentRows    int64     `json:"current_rows"`
	SizeBytes      int64     `json:"size_bytes"`
	OldestSnapshot time.Time `json:"oldest_snapshot"`
	NewestSnapshot time.Time `json:"newest_snapshot"`
	RowsPerDay     float64   `json:"rows_per_day"`
	Backups        int       `json:"backups"`
}

func statsFrom(s *storage.Stats) Stats {
	out := Stats{
		TotalRows:      s.HistoryRows,
		CurrentRows:    s.CurrentRows,
		SizeBytes:      s.SizeBytes,
		OldestSnapshot: s.OldestSnapshot,
		NewestSnapshot: s.NewestSnapshot,
		Backups:        s.Backups,
	}
	out.RowsPerDay = rowsPerDay(s.HistoryRows, s.OldestSnapshot, s.NewestSnapshot)
	return out
}

// rowsPerDay divides by the fractional day span, floored at one day, and
// rounds to two places.
func rowsPerDay(rows int64, oldest, newest time.Time) float64 {
	days := decimal.NewFromInt(1)
	if !oldest.IsZero() && !newest.IsZero() {
		span := decimal.NewFromInt(int64(newest.Sub(oldest) / time.Second)).Div(decimal.NewFromInt(86400))
		days = decimal.Max(span, days)
	}
	return decimal.NewFromInt(rows).DivRound(days, 2).InexactFloat64()
}
