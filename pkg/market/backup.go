package market

import (
	"fmt"
	"regexp"
	"time"
)

// BackupPrefix is the common prefix of every history backup.
const BackupPrefix = "history_backup_"

const backupTimeLayout = "20060102_150405"

var backupPattern = regexp.MustCompile(`^history_backup_\d{8}_\d{6}$`)

// BackupName identifies a full copy of the history table. Values are only
// produced by NewBackupName or ParseBackupName, so they are safe to embed in
// SQL identifiers and storage keys.
type BackupName string

// NewBackupName names a backup created at t.
func NewBackupName(t time.Time) BackupName {
	return BackupName(BackupPrefix + t.UTC().Format(backupTimeLayout))
}

// ParseBackupName validates an operator-supplied backup name.
func ParseBackupName(s string) (BackupName, error) {
	if !backupPattern.MatchString(s) {
		return "", fmt.Errorf("invalid backup name %q (want %sYYYYMMDD_HHMMSS)", s, BackupPrefix)
	}
	if _, err := time.Parse(backupTimeLayout, s[len(BackupPrefix):]); err != nil {
		return "", fmt.Errorf("invalid backup timestamp in %q: %w", s, err)
	}
	return BackupName(s), nil
}

// CreatedAt returns the UTC creation time encoded in the name.
func (b BackupName) CreatedAt() time.Time {
	if len(b) <= len(BackupPrefix) {
		return time.Time{}
	}
	t, err := time.Parse(backupTimeLayout, string(b[len(BackupPrefix):]))
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func (b BackupName) String() string { return string(b) }
