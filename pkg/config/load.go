package config

import (
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TINYAUCTION_"

// Config is the runtime configuration shared by the server and the CLI.
type Config struct {
	Port        string `yaml:"port" validate:"required,numeric"`
	Environment string `yaml:"environment" validate:"oneof=development production"`
	LogLevel    string `yaml:"log_level" validate:"oneof=debug info warn error"`

	Storage  StorageConfig  `yaml:"storage"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Retain   RetainConfig   `yaml:"retention"`

	TierGapTolerance int64 `yaml:"tier_gap_tolerance" validate:"gte=0"`
}

// StorageConfig selects and tunes the persistence backend.
type StorageConfig struct {
	Backend      string `yaml:"backend" validate:"oneof=badger mysql memory"`
	DataDir      string `yaml:"data_dir" validate:"required_if=Backend badger"`
	DSN          string `yaml:"dsn" validate:"required_if=Backend mysql"`
	MaxMemoryMB  int64  `yaml:"max_memory_mb" validate:"gte=0"`
	MaxStorageGB int64  `yaml:"max_storage_gb" validate:"gte=0"`
}

// UpstreamConfig holds marketplace API settings.
type UpstreamConfig struct {
	Region         string        `yaml:"region" validate:"required,alpha,len=2"`
	Locale         string        `yaml:"locale" validate:"required"`
	ConnectedRealm int64         `yaml:"connected_realm" validate:"gt=0"`
	ClientID       string        `yaml:"client_id"`
	ClientSecret   string        `yaml:"client_secret"`
	Timeout        time.Duration `yaml:"timeout" validate:"gt=0"`

	// Overrides used by tests and regional proxies.
	APIBaseURL string `yaml:"api_base_url" validate:"omitempty,url"`
	TokenURL   string `yaml:"token_url" validate:"omitempty,url"`
}

// IngestConfig controls the ingestion scheduler.
type IngestConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval" validate:"gt=0"`
	Timeout       time.Duration `yaml:"timeout" validate:"gt=0"`

	// Zero derives the window from the schedule, see Window.
	ArchiveWindow time.Duration `yaml:"archive_window" validate:"gte=0"`
}

// MaxCycleGap bounds the time between the observations of two consecutive
// successful cycles: one interval, every attempt of the later cycle running
// to its timeout, and the backoff between those attempts.
func (c IngestConfig) MaxCycleGap() time.Duration {
	backoff := IngestRetryBaseDelay * time.Duration(1<<IngestMaxRetries-1)
	return c.Interval + time.Duration(IngestMaxRetries+1)*c.Timeout + backoff
}

// Window returns the archive window. An unset window is MaxCycleGap plus
// ArchiveWindowMargin.
func (c IngestConfig) Window() time.Duration {
	if c.ArchiveWindow > 0 {
		return c.ArchiveWindow
	}
	return c.MaxCycleGap() + ArchiveWindowMargin
}

// WindowCoversGap reports whether the outgoing snapshot is still archived
// when the next cycle succeeds as late as MaxCycleGap allows.
func (c IngestConfig) WindowCoversGap() bool {
	return c.Window() > c.MaxCycleGap()
}

// RetainConfig controls the scheduled retention pipeline.
type RetainConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Interval         time.Duration `yaml:"interval" validate:"gt=0"`
	PurgeHorizonDays int           `yaml:"purge_horizon_days" validate:"gt=0"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Port:        DefaultPort,
		Environment: "production",
		LogLevel:    "info",
		Storage: StorageConfig{
			Backend:      DefaultBackend,
			DataDir:      DefaultDataDir,
			MaxMemoryMB:  DefaultMaxMemoryMB,
			MaxStorageGB: DefaultMaxStorageGB,
		},
		Upstream: UpstreamConfig{
			Region:         DefaultRegion,
			Locale:         DefaultLocale,
			ConnectedRealm: DefaultConnectedRealm,
			Timeout:        UpstreamTimeout,
		},
		Ingest: IngestConfig{
			Enabled:  true,
			Interval: DefaultIngestInterval,
			Timeout:  DefaultIngestTimeout,
		},
		Retain: RetainConfig{
			Interval:         DefaultRetentionInterval,
			PurgeHorizonDays: DefaultPurgeHorizonDays,
		},
		TierGapTolerance: DefaultTierGapTolerance,
	}
}

// Load builds the configuration from defaults, an optional .env file, an
// optional YAML file at path, and environment overrides, then validates it.
func Load(path string) (*Config, error) {
	// Missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	return nil
}

// RequireUpstream reports whether marketplace credentials are present. Only
// commands that fetch need them.
func (c *Config) RequireUpstream() error {
	if c.Upstream.ClientID == "" || c.Upstream.ClientSecret == "" {
		return errors.New("upstream credentials missing: set " + EnvPrefix + "CLIENT_ID and " + EnvPrefix + "CLIENT_SECRET")
	}
	return nil
}

func (c *Config) applyEnv() error {
	// PORT is honoured without prefix for container platforms.
	setString(&c.Port, "PORT")
	setString(&c.Port, EnvPrefix+"PORT")
	setString(&c.Environment, EnvPrefix+"ENV")
	setString(&c.LogLevel, EnvPrefix+"LOG_LEVEL")

	setString(&c.Storage.Backend, EnvPrefix+"BACKEND")
	setString(&c.Storage.DataDir, EnvPrefix+"DATA_DIR")
	setString(&c.Storage.DSN, EnvPrefix+"DSN")

	setString(&c.Upstream.Region, EnvPrefix+"REGION")
	setString(&c.Upstream.Locale, EnvPrefix+"LOCALE")
	setString(&c.Upstream.ClientID, EnvPrefix+"CLIENT_ID")
	setString(&c.Upstream.ClientSecret, EnvPrefix+"CLIENT_SECRET")
	setString(&c.Upstream.APIBaseURL, EnvPrefix+"API_BASE_URL")
	setString(&c.Upstream.TokenURL, EnvPrefix+"TOKEN_URL")

	ints := []struct {
		dst *int64
		key string
	}{
		{&c.Storage.MaxMemoryMB, "MAX_MEMORY_MB"},
		{&c.Storage.MaxStorageGB, "MAX_STORAGE_GB"},
		{&c.Upstream.ConnectedRealm, "CONNECTED_REALM"},
		{&c.TierGapTolerance, "TIER_GAP"},
	}
	for _, f := range ints {
		if err := setInt64(f.dst, EnvPrefix+f.key); err != nil {
			return err
		}
	}

	durations := []struct {
		dst *time.Duration
		key string
	}{
		{&c.Upstream.Timeout, "UPSTREAM_TIMEOUT"},
		{&c.Ingest.Interval, "INGEST_INTERVAL"},
		{&c.Ingest.Timeout, "INGEST_TIMEOUT"},
		{&c.Ingest.ArchiveWindow, "ARCHIVE_WINDOW"},
		{&c.Retain.Interval, "RETENTION_INTERVAL"},
	}
	for _, f := range durations {
		if err := setDuration(f.dst, EnvPrefix+f.key); err != nil {
			return err
		}
	}

	if err := setBool(&c.Ingest.Enabled, EnvPrefix+"INGEST_ENABLED"); err != nil {
		return err
	}
	if err := setBool(&c.Retain.Enabled, EnvPrefix+"RETENTION_ENABLED"); err != nil {
		return err
	}
	if v := os.Getenv(EnvPrefix + "PURGE_HORIZON_DAYS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "parse %sPURGE_HORIZON_DAYS", EnvPrefix)
		}
		c.Retain.PurgeHorizonDays = n
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt64(dst *int64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "parse %s", key)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return errors.Wrapf(err, "parse %s", key)
	}
	*dst = d
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return errors.Wrapf(err, "parse %s", key)
	}
	*dst = b
	return nil
}
