package sqlstore

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nicktill/tinyauction/pkg/storage"
	"github.com/nicktill/tinyauction/pkg/storage/storagetest"
)

// testDSNEnv names a disposable MySQL database. Every table in it is wiped.
const testDSNEnv = "TINYAUCTION_TEST_DSN"

func TestMySQLStorage_Conformance(t *testing.T) {
	dsn := os.Getenv(testDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", testDSNEnv)
	}

	storagetest.Run(t, func(t *testing.T, fp storage.Failpoint) storage.Storage {
		store, err := Open(Config{DSN: dsn, Logger: zaptest.NewLogger(t), Failpoint: fp})
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		reset(t, store)
		return store
	})
}

// reset empties every table, including backups left by earlier runs.
func reset(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()

	backups, err := s.ListBackups(ctx)
	require.NoError(t, err)
	for _, b := range backups {
		require.NoError(t, s.DeleteBackup(ctx, b.Name))
	}
	for _, table := range []string{"current_listings", historyTable, "items"} {
		require.NoError(t, s.db.WithContext(ctx).Exec("DELETE FROM "+table).Error)
	}
}
