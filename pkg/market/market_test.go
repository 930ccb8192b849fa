package market

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeLeft(t *testing.T) {
	tests := []struct {
		in   string
		want TimeLeft
	}{
		{"SHORT", TimeLeftShort},
		{"very_long", TimeLeftVeryLong},
		{"", TimeLeftUnknown},
		{"FOREVER", TimeLeftUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseTimeLeft(tt.in), tt.in)
	}
}

func TestBackupName(t *testing.T) {
	ts := time.Date(2026, 3, 7, 9, 4, 5, 0, time.FixedZone("CET", 3600))
	name := NewBackupName(ts)
	assert.Equal(t, BackupName("history_backup_20260307_080405"), name)
	assert.True(t, name.CreatedAt().Equal(ts))

	parsed, err := ParseBackupName(name.String())
	require.NoError(t, err)
	assert.Equal(t, name, parsed)

	for _, bad := range []string{
		"",
		"history",
		"history_backup_2026",
		"history_backup_20260307_080405; DROP TABLE history",
		"history_backup_20261340_000000",
	} {
		_, err := ParseBackupName(bad)
		assert.Error(t, err, bad)
	}
}

func TestOpErrorMatchesKindAndCause(t *testing.T) {
	err := error(Fail("ingest", ErrTransaction, 12, io.ErrUnexpectedEOF))

	assert.True(t, errors.Is(err, ErrTransaction))
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	assert.False(t, errors.Is(err, ErrBackup))
	assert.Contains(t, err.Error(), "rows=12")

	var op *OpError
	require.True(t, errors.As(err, &op))
	assert.Equal(t, "ingest", op.Op)
}

func TestFormatMoney(t *testing.T) {
	assert.Equal(t, "5c", FormatMoney(5))
	assert.Equal(t, "1s 05c", FormatMoney(105))
	assert.Equal(t, "12g 34s 56c", FormatMoney(123456))
	assert.Equal(t, "-1g 00s 00c", FormatMoney(-10000))
	assert.Equal(t, "12.3456", Gold(123456).String())
}
