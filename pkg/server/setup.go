package server

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nicktill/tinyauction/pkg/config"
	"github.com/nicktill/tinyauction/pkg/export"
	"github.com/nicktill/tinyauction/pkg/ingest"
	"github.com/nicktill/tinyauction/pkg/items"
	"github.com/nicktill/tinyauction/pkg/logging"
	"github.com/nicktill/tinyauction/pkg/query"
	"github.com/nicktill/tinyauction/pkg/retention"
	"github.com/nicktill/tinyauction/pkg/server/monitor"
	"github.com/nicktill/tinyauction/pkg/storage"
	"github.com/nicktill/tinyauction/pkg/storage/badger"
	"github.com/nicktill/tinyauction/pkg/storage/memory"
	"github.com/nicktill/tinyauction/pkg/storage/sqlstore"
	"github.com/nicktill/tinyauction/pkg/tiers"
	"github.com/nicktill/tinyauction/pkg/upstream"
)

// InitializeStorage opens the configured backend.
func InitializeStorage(cfg config.StorageConfig, log *zap.Logger) (storage.Storage, error) {
	log = logging.OrNop(log)

	switch cfg.Backend {
	case "badger":
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, errors.Wrap(err, "create data directory")
		}
		store, err := badger.New(badger.Config{
			Path:        cfg.DataDir,
			MaxMemoryMB: cfg.MaxMemoryMB,
			Logger:      log.Named("badger"),
		})
		if err != nil {
			return nil, errors.Wrapf(err, "badger storage at %s", cfg.DataDir)
		}
		log.Info("BadgerDB storage initialized", zap.String("data_dir", cfg.DataDir), zap.Int64("max_memory_mb", cfg.MaxMemoryMB))
		return store, nil
	case "mysql":
		store, err := sqlstore.Open(sqlstore.Config{DSN: cfg.DSN, Logger: log.Named("mysql")})
		if err != nil {
			return nil, err
		}
		return store, nil
	case "memory":
		log.Warn("Using in-memory storage; nothing survives a restart")
		return memory.New(), nil
	default:
		return nil, errors.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// Engines are the domain components shared by the server and the CLI.
type Engines struct {
	Upstream  *upstream.Client
	Ingester  *ingest.Ingester
	Resolver  *items.Resolver
	Collector *ingest.Collector
	Tiers     *tiers.Cache
	Query     *query.Service
	Retention *retention.Engine
}

// InitializeEngines wires the domain components over store. hub may be nil.
func InitializeEngines(cfg *config.Config, store storage.Storage, hub ingest.Broadcaster, log *zap.Logger) *Engines {
	log = logging.OrNop(log)

	client := upstream.New(upstream.FromConfig(cfg.Upstream, log))
	ingester := ingest.NewIngester(store, cfg.Ingest.Window(), log)
	resolver := items.NewResolver(store, client, log)

	opts := []ingest.CollectorOption{ingest.WithResolver(resolver)}
	if hub != nil {
		opts = append(opts, ingest.WithBroadcaster(hub))
	}
	collector := ingest.NewCollector(client, ingester, log, opts...)

	tierCache := tiers.NewCache(store, cfg.TierGapTolerance)

	policy := retention.DefaultPolicy()
	policy.DefaultHorizon = time.Duration(cfg.Retain.PurgeHorizonDays) * 24 * time.Hour

	return &Engines{
		Upstream:  client,
		Ingester:  ingester,
		Resolver:  resolver,
		Collector: collector,
		Tiers:     tierCache,
		Query:     query.New(store, tierCache, log),
		Retention: retention.New(store, log, retention.WithPolicy(policy)),
	}
}

// Handlers groups the HTTP handlers.
type Handlers struct {
	Ingest    *ingest.Handler
	Query     *query.Handler
	Retention *retention.Handler
	Export    *export.Handler
}

// InitializeHandlers creates and configures all request handlers.
func InitializeHandlers(cfg *config.Config, store storage.Storage, engines *Engines, log *zap.Logger) *Handlers {
	return &Handlers{
		Ingest:    ingest.NewHandler(engines.Collector, cfg.Ingest.Timeout),
		Query:     query.NewHandler(engines.Query),
		Retention: retention.NewHandler(engines.Retention),
		Export:    export.NewHandler(store, log),
	}
}

// Monitors tracks background job and disk health.
type Monitors struct {
	Storage   *monitor.StorageMonitor
	Ingest    *monitor.JobMonitor
	Retention *monitor.JobMonitor
}

// InitializeMonitors creates monitors. A disabled job always reports
// healthy.
func InitializeMonitors(cfg *config.Config) *Monitors {
	dataDir := ""
	if cfg.Storage.Backend == "badger" {
		dataDir = cfg.Storage.DataDir
	}
	m := &Monitors{
		Storage: monitor.NewStorageMonitor(dataDir, cfg.Storage.MaxStorageGB*1024*1024*1024),
		// A cycle may fail a few times before the next tick; allow two intervals.
		Ingest:    monitor.NewJobMonitor("ingest", 2*cfg.Ingest.Interval+cfg.Ingest.Timeout),
		Retention: monitor.NewJobMonitor("retention", 2*cfg.Retain.Interval+config.RetentionTimeout),
	}
	if !cfg.Ingest.Enabled {
		m.Ingest.Disable()
	}
	if !cfg.Retain.Enabled {
		m.Retention.Disable()
	}
	return m
}

// LogSchedule reports the ingestion schedule and warns when the archive
// window cannot cover the gap between cycles.
func LogSchedule(cfg *config.Config, log *zap.Logger) {
	ing := cfg.Ingest
	log.Info("Ingestion schedule",
		zap.Bool("enabled", ing.Enabled),
		zap.Duration("interval", ing.Interval),
		zap.Duration("timeout", ing.Timeout),
		zap.Duration("archive_window", ing.Window()),
		zap.Duration("max_cycle_gap", ing.MaxCycleGap()),
		zap.Int64("connected_realm", cfg.Upstream.ConnectedRealm),
		zap.String("region", cfg.Upstream.Region))
	if !ing.WindowCoversGap() {
		log.Warn("Archive window does not cover the gap between cycles; late snapshots will be dropped instead of archived",
			zap.Duration("archive_window", ing.Window()),
			zap.Duration("max_cycle_gap", ing.MaxCycleGap()))
	}
	log.Info("Retention schedule",
		zap.Bool("enabled", cfg.Retain.Enabled),
		zap.Duration("interval", cfg.Retain.Interval),
		zap.Int("purge_horizon_days", cfg.Retain.PurgeHorizonDays))
}
