package config

import "time"

// Server defaults
const (
	DefaultPort         = "8080"
	DefaultMaxStorageGB = 1
	DefaultMaxMemoryMB  = 48
	DefaultDataDir      = "./data/tinyauction"
	DefaultBackend      = "badger"
)

// Upstream marketplace defaults
const (
	DefaultRegion          = "eu"
	DefaultLocale          = "en_US"
	DefaultConnectedRealm  = 3674
	UpstreamTimeout        = 30 * time.Second
	UpstreamTokenMargin    = 60 * time.Second
	ItemLookupConcurrency  = 4
	ItemLookupTimeout      = 10 * time.Second
	UpstreamMaxRetries     = 2
	UpstreamRetryWait      = 500 * time.Millisecond
	UpstreamRetryMaxWait   = 5 * time.Second
	UpstreamRequestTimeout = 60 * time.Second
)

// Ingestion schedule
const (
	DefaultIngestInterval = 1 * time.Hour
	DefaultIngestTimeout  = 5 * time.Minute
	IngestMaxRetries      = 3
	IngestRetryBaseDelay  = 30 * time.Second

	// Added to the worst-case cycle gap when the archive window is derived.
	ArchiveWindowMargin = 5 * time.Minute
)

// Retention defaults
const (
	DefaultRetentionInterval = 24 * time.Hour
	DefaultPurgeHorizonDays  = 30
	RetentionTimeout         = 30 * time.Minute
	BadgerGCInterval         = 10 * time.Minute
)

// Tier inference
const (
	DefaultTierGapTolerance = 5
)

// Query timeouts and defaults
const (
	QueryTimeout              = 30 * time.Second
	QueryDefaultHistoryWindow = 24 * time.Hour
	QueryMaxHistoryWindow     = 90 * 24 * time.Hour
	SearchMinQueryLength      = 3
	SearchMaxResults          = 5
)

// Export defaults and limits
const (
	DefaultExportWindow = 24 * time.Hour
	MaxExportWindow     = 30 * 24 * time.Hour
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 64
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)
