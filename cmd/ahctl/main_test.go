package main

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyauction/pkg/config"
	"github.com/nicktill/tinyauction/pkg/market"
	"github.com/nicktill/tinyauction/pkg/retention"
	"github.com/nicktill/tinyauction/pkg/server"
	"github.com/nicktill/tinyauction/pkg/storage/memory"
	"github.com/nicktill/tinyauction/pkg/storage/storagetest"
)

type tickClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tickClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type testApp struct {
	*app
	store   *memory.Storage
	out     *bytes.Buffer
	answer  bool
	prompts int
}

func newTestApp(t *testing.T, listings ...market.Listing) *testApp {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Backend = "memory"

	store := memory.New()
	if len(listings) > 0 {
		storagetest.SeedHistory(t, store, listings...)
	}

	engines := server.InitializeEngines(cfg, store, nil, nil)
	clock := &tickClock{t: storagetest.Base}
	engines.Retention = retention.New(store, nil, retention.WithClock(clock.now))

	ta := &testApp{store: store, out: &bytes.Buffer{}}
	ta.app = &app{
		cfg:     cfg,
		engines: engines,
		out:     ta.out,
		confirm: func(string) (bool, error) {
			ta.prompts++
			return ta.answer, nil
		},
	}
	return ta
}

func (ta *testApp) rows(t *testing.T) int64 {
	t.Helper()
	n, err := ta.store.CountHistory(context.Background())
	require.NoError(t, err)
	return n
}

func fixture() []market.Listing {
	at := storagetest.Base.Add(-time.Hour)
	return []market.Listing{
		storagetest.Listing(retention.ReferenceItemID, 1_000_001, at),
		storagetest.Listing(retention.ReferenceItemID, 500, at),
		storagetest.Listing(7, 0, at),
		storagetest.Listing(7, 5000, at),
	}
}

func TestBackupAndList(t *testing.T) {
	ta := newTestApp(t, fixture()...)
	ctx := context.Background()

	require.NoError(t, ta.exec(ctx, []string{"backup"}))
	assert.Contains(t, ta.out.String(), "history_backup_")

	ta.out.Reset()
	require.NoError(t, ta.exec(ctx, []string{"list-backups"}))
	backups, err := ta.store.ListBackups(ctx)
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Contains(t, ta.out.String(), backups[0].Name.String())
}

func TestRemoveOutliersCommand(t *testing.T) {
	ta := newTestApp(t, fixture()...)
	ctx := context.Background()

	require.NoError(t, ta.exec(ctx, []string{"remove-outliers"}))
	assert.Equal(t, int64(2), ta.rows(t))
	assert.Contains(t, ta.out.String(), "50.00%")

	backups, err := ta.store.ListBackups(ctx)
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

func TestNoBackupFlag(t *testing.T) {
	ta := newTestApp(t, fixture()...)
	ctx := context.Background()

	require.NoError(t, ta.exec(ctx, []string{"downsample-daily", "--no-backup"}))
	assert.Equal(t, int64(2), ta.rows(t))
	assert.Contains(t, ta.out.String(), "skipped")

	backups, err := ta.store.ListBackups(ctx)
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestRestoreConfirmation(t *testing.T) {
	ta := newTestApp(t, fixture()...)
	ctx := context.Background()

	require.NoError(t, ta.exec(ctx, []string{"backup"}))
	backups, err := ta.store.ListBackups(ctx)
	require.NoError(t, err)
	name := backups[0].Name.String()

	require.NoError(t, ta.exec(ctx, []string{"remove-outliers", "--no-backup"}))
	require.Equal(t, int64(2), ta.rows(t))

	// Declined: nothing changes.
	ta.answer = false
	require.NoError(t, ta.exec(ctx, []string{"restore", name}))
	assert.Equal(t, 1, ta.prompts)
	assert.Equal(t, int64(2), ta.rows(t))
	assert.Contains(t, ta.out.String(), "Aborted")

	// Flag after the positional argument skips the prompt.
	require.NoError(t, ta.exec(ctx, []string{"restore", name, "--yes"}))
	assert.Equal(t, 1, ta.prompts)
	assert.Equal(t, int64(4), ta.rows(t))
}

func TestRestoreMissingBackup(t *testing.T) {
	ta := newTestApp(t)

	err := ta.exec(context.Background(), []string{"restore", "history_backup_20260101_000000", "--yes"})
	require.Error(t, err)
	assert.ErrorIs(t, err, market.ErrNotFound)
}

func TestDeleteBackupCommand(t *testing.T) {
	ta := newTestApp(t, fixture()...)
	ctx := context.Background()

	require.NoError(t, ta.exec(ctx, []string{"backup"}))
	backups, err := ta.store.ListBackups(ctx)
	require.NoError(t, err)

	require.NoError(t, ta.exec(ctx, []string{"delete-backup", backups[0].Name.String()}))
	backups, err = ta.store.ListBackups(ctx)
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestPurgeOlderThanCommand(t *testing.T) {
	old := storagetest.Base.Add(-10 * 24 * time.Hour)
	ta := newTestApp(t,
		storagetest.Listing(1, 100, old),
		storagetest.Listing(1, 100, storagetest.Base.Add(-time.Hour)),
	)

	require.NoError(t, ta.exec(context.Background(), []string{"purge-older-than", "7", "--no-backup"}))
	assert.Equal(t, int64(1), ta.rows(t))
}

func TestAllCommand(t *testing.T) {
	ta := newTestApp(t, fixture()...)
	ctx := context.Background()

	ta.answer = false
	require.NoError(t, ta.exec(ctx, []string{"all"}))
	assert.Equal(t, int64(4), ta.rows(t))
	assert.Contains(t, ta.out.String(), "extreme_low")

	require.NoError(t, ta.exec(ctx, []string{"all", "--yes"}))
	assert.Equal(t, 1, ta.prompts)
	assert.Equal(t, int64(2), ta.rows(t))
	for _, op := range []string{retention.OpRemoveOutliers, retention.OpDownsampleDaily, retention.OpPurgeOlderThan} {
		assert.Contains(t, ta.out.String(), op)
	}
}

func TestStatsAndPreview(t *testing.T) {
	ta := newTestApp(t, fixture()...)
	ctx := context.Background()

	require.NoError(t, ta.exec(ctx, []string{"stats"}))
	assert.Contains(t, ta.out.String(), "History rows")

	ta.out.Reset()
	require.NoError(t, ta.exec(ctx, []string{"preview"}))
	assert.Contains(t, ta.out.String(), "reference_high")
	assert.Equal(t, int64(4), ta.rows(t))
}

func TestUsageErrors(t *testing.T) {
	ta := newTestApp(t)
	ctx := context.Background()

	tests := []struct {
		name string
		args []string
	}{
		{"unknown command", []string{"explode"}},
		{"missing backup name", []string{"restore"}},
		{"malformed backup name", []string{"delete-backup", "history; DROP TABLE"}},
		{"non-numeric days", []string{"purge-older-than", "week"}},
		{"zero days", []string{"purge-older-than", "0"}},
		{"unknown flag", []string{"stats", "--verbose"}},
		{"extra argument", []string{"backup", "now"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ta.exec(ctx, tt.args)
			var ue usageError
			assert.True(t, errors.As(err, &ue), "got %v", err)
		})
	}
}

func TestFetchRequiresCredentials(t *testing.T) {
	ta := newTestApp(t)

	err := ta.exec(context.Background(), []string{"fetch"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credentials")

	err = ta.exec(context.Background(), []string{"update-items"})
	require.Error(t, err)
}

func TestReorderArgs(t *testing.T) {
	assert.Equal(t, []string{"--yes", "--", "name"}, reorderArgs([]string{"name", "--yes"}))
	assert.Equal(t, []string{"--", "a", "-b"}, reorderArgs([]string{"a", "--", "-b"}))
}

func TestRunExitCodes(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, exitUsage, run(nil, &stdout, &stderr))
	assert.Equal(t, exitUsage, run([]string{"explode"}, &stdout, &stderr))
	assert.Equal(t, exitOK, run([]string{"help"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "purge-older-than")
	assert.Contains(t, stdout.String(), badgerLockNote)
}
