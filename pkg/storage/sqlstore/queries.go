package sqlstore

import (
	"fmt"
	"strings"
	"time"

	mysqldrv "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"

	"github.com/nicktill/tinyauction/pkg/market"
	"github.com/nicktill/tinyauction/pkg/storage"
)

const (
	historyTable = "history"

	archiveSQL = `INSERT INTO history (item_id, quantity, buyout, time_left, snapshot_time)
SELECT item_id, quantity, buyout, time_left, observed_at FROM current_listings WHERE observed_at >= ?`

	clearCurrentSQL = `DELETE FROM current_listings`

	historyColumns = "id, item_id, quantity, buyout, time_left, snapshot_time"

	// Ranks rows inside each (item, day) group; everything past rank 1 goes.
	dailyVictimsSQL = `SELECT id FROM (
  SELECT id, ROW_NUMBER() OVER (PARTITION BY item_id, DATE(snapshot_time) ORDER BY buyout ASC, id ASC) AS rn
  FROM history
) ranked WHERE rn > 1`

	unknownItemsSQL = `SELECT DISTINCT c.item_id FROM current_listings c
LEFT JOIN items i ON i.item_id = c.item_id
WHERE i.item_id IS NULL ORDER BY c.item_id`

	listBackupsSQL = `SELECT table_name FROM information_schema.tables
WHERE table_schema = DATABASE() AND table_name LIKE ? ORDER BY table_name DESC`

	tableExistsSQL = `SELECT COUNT(*) FROM information_schema.tables
WHERE table_schema = DATABASE() AND table_name = ?`

	sizeSQL = `SELECT COALESCE(SUM(data_length + index_length), 0) FROM information_schema.tables
WHERE table_schema = DATABASE() AND table_name IN ('history', 'current_listings', 'items')`

	historySpanSQL = `SELECT COUNT(*) AS n, MIN(snapshot_time) AS oldest, MAX(snapshot_time) AS newest FROM history`
)

// backupLikePattern matches backup tables; underscores are escaped for LIKE.
var backupLikePattern = strings.ReplaceAll(market.BackupPrefix, "_", `\_`) + "%"

// pruneSQL is one rendering of a selector. Count and Delete share the same
// selection text so a preview never drifts from the deletion.
type pruneSQL struct {
	Count  string
	Delete string
	Args   []any
}

func renderPrune(sel storage.Selector) (pruneSQL, error) {
	switch s := sel.(type) {
	case storage.OutlierSelector:
		if len(s.Rules) == 0 {
			return pruneSQL{}, errors.New("outlier selector has no rules")
		}
		var clauses []string
		var args []any
		for _, r := range s.Rules {
			op := ">"
			if r.Cmp == storage.Below {
				op = "<"
			}
			if r.ItemID != 0 {
				clauses = append(clauses, fmt.Sprintf("(item_id = ? AND buyout %s ?)", op))
				args = append(args, r.ItemID, r.Threshold)
				continue
			}
			clauses = append(clauses, fmt.Sprintf("(buyout %s ?)", op))
			args = append(args, r.Threshold)
		}
		return wherePrune(strings.Join(clauses, " OR "), args), nil

	case storage.OlderThanSelector:
		return wherePrune("snapshot_time < ?", []any{s.Cutoff.UTC()}), nil

	case storage.DailyDuplicatesSelector:
		return pruneSQL{
			Count:  "SELECT COUNT(*) FROM (" + dailyVictimsSQL + ") victims",
			Delete: "DELETE h FROM history h JOIN (" + dailyVictimsSQL + ") victims ON victims.id = h.id",
		}, nil
	}
	return pruneSQL{}, errors.Errorf("unsupported selector %T", sel)
}

func wherePrune(predicate string, args []any) pruneSQL {
	return pruneSQL{
		Count:  "SELECT COUNT(*) FROM history WHERE " + predicate,
		Delete: "DELETE FROM history WHERE " + predicate,
		Args:   args,
	}
}

// quoteBackup renders a validated backup name as an identifier.
func quoteBackup(name market.BackupName) (string, error) {
	if _, err := market.ParseBackupName(string(name)); err != nil {
		return "", err
	}
	return "`" + string(name) + "`", nil
}

func createBackupSQL(name market.BackupName) (string, error) {
	q, err := quoteBackup(name)
	if err != nil {
		return "", err
	}
	return "CREATE TABLE " + q + " AS SELECT " + historyColumns + " FROM history", nil
}

func restoreBackupSQL(name market.BackupName) (string, error) {
	q, err := quoteBackup(name)
	if err != nil {
		return "", err
	}
	return "INSERT INTO history (" + historyColumns + ") SELECT " + historyColumns + " FROM " + q, nil
}

func dropBackupSQL(name market.BackupName) (string, error) {
	q, err := quoteBackup(name)
	if err != nil {
		return "", err
	}
	return "DROP TABLE " + q, nil
}

func countBackupSQL(name market.BackupName) (string, error) {
	q, err := quoteBackup(name)
	if err != nil {
		return "", err
	}
	return "SELECT COUNT(*) FROM " + q, nil
}

// normalizeDSN forces UTC time handling so DATE(snapshot_time) is a UTC day.
func normalizeDSN(dsn string) (string, error) {
	cfg, err := mysqldrv.ParseDSN(dsn)
	if err != nil {
		return "", errors.Wrap(err, "parse mysql dsn")
	}
	if cfg.DBName == "" {
		return "", errors.New("mysql dsn has no database name")
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	if cfg.Params == nil {
		cfg.Params = map[string]string{}
	}
	cfg.Params["time_zone"] = "'+00:00'"
	if _, ok := cfg.Params["charset"]; !ok {
		cfg.Params["charset"] = "utf8mb4"
	}
	return cfg.FormatDSN(), nil
}

// MySQL error numbers used for classification.
const (
	errTableExists  = 1050
	errTableUnknown = 1051
	errNoSuchTable  = 1146
)

func mysqlErrorNumber(err error) uint16 {
	var me *mysqldrv.MySQLError
	if errors.As(err, &me) {
		return me.Number
	}
	return 0
}
