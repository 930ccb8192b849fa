package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultBackend, cfg.Storage.Backend)
	assert.Zero(t, cfg.Ingest.ArchiveWindow)
	assert.True(t, cfg.Ingest.WindowCoversGap())
	assert.Equal(t, DefaultPurgeHorizonDays, cfg.Retain.PurgeHorizonDays)
	assert.Equal(t, int64(DefaultConnectedRealm), cfg.Upstream.ConnectedRealm)
	assert.Error(t, cfg.RequireUpstream())
}

func TestLoadYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yml := `
port: "9090"
storage:
  backend: memory
ingest:
  interval: 30m
  archive_window: 45m
upstream:
  client_id: abc
  client_secret: shh
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	t.Setenv(EnvPrefix+"INGEST_INTERVAL", "15m")
	t.Setenv(EnvPrefix+"REGION", "us")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 15*time.Minute, cfg.Ingest.Interval)
	assert.Equal(t, 45*time.Minute, cfg.Ingest.ArchiveWindow)
	assert.Equal(t, "us", cfg.Upstream.Region)
	assert.NoError(t, cfg.RequireUpstream())
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown backend", map[string]string{EnvPrefix + "BACKEND": "postgres"}},
		{"mysql without dsn", map[string]string{EnvPrefix + "BACKEND": "mysql"}},
		{"bad duration", map[string]string{EnvPrefix + "ARCHIVE_WINDOW": "soon"}},
		{"zero horizon", map[string]string{EnvPrefix + "PURGE_HORIZON_DAYS": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestArchiveWindowDerivedFromSchedule(t *testing.T) {
	ing := Default().Ingest

	// 1h interval, four 5m attempts, 30s+60s+120s backoff.
	assert.Equal(t, time.Hour+20*time.Minute+210*time.Second, ing.MaxCycleGap())
	assert.Equal(t, ing.MaxCycleGap()+ArchiveWindowMargin, ing.Window())
	assert.Greater(t, ing.Window(), ing.Interval+ing.Timeout)

	ing.Interval = 10 * time.Minute
	assert.Equal(t, ing.MaxCycleGap()+ArchiveWindowMargin, ing.Window())

	tests := []struct {
		name   string
		window time.Duration
		covers bool
	}{
		{"equal to interval", ing.Interval, false},
		{"interval plus timeout", ing.Interval + ing.Timeout, false},
		{"exactly the gap", ing.MaxCycleGap(), false},
		{"past the gap", ing.MaxCycleGap() + time.Second, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ing.ArchiveWindow = tt.window
			assert.Equal(t, tt.window, ing.Window())
			assert.Equal(t, tt.covers, ing.WindowCoversGap())
		})
	}
}
