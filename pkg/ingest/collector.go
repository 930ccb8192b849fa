package ingest

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nicktill/tinyauction/pkg/logging"
	"github.com/nicktill/tinyauction/pkg/market"
	"github.com/nicktill/tinyauction/pkg/upstream"
)

// ErrCycleInProgress is returned when a cycle is requested while one runs.
var ErrCycleInProgress = errors.New("ingestion cycle already in progress")

// Source supplies raw marketplace snapshots.
type Source interface {
	FetchAuctions(ctx context.Context) (*upstream.AuctionsPayload, error)
	FetchCommodities(ctx context.Context) (*upstream.CommoditiesPayload, error)
}

// UnknownResolver fills in catalog entries for newly seen items.
type UnknownResolver interface {
	ResolveUnknown(ctx context.Context) (int, error)
}

// Broadcaster publishes cycle reports to live subscribers.
type Broadcaster interface {
	Broadcast(data interface{}) error
}

// CycleReport describes one ingestion cycle.
type CycleReport struct {
	ID            string           `json:"id"`
	StartedAt     time.Time        `json:"started_at"`
	DurationMS    int64            `json:"duration_ms"`
	Normalize     *NormalizeResult `json:"normalize,omitempty"`
	Ingest        *Result          `json:"ingest,omitempty"`
	ItemsResolved int              `json:"items_resolved"`
	Error         string           `json:"error,omitempty"`
}

// Collector runs fetch, normalize, ingest and item resolution as one cycle.
// Only one cycle runs at a time per Collector.
type Collector struct {
	source   Source
	ingester *Ingester
	resolver UnknownResolver
	hub      Broadcaster
	log      *zap.Logger
	now      func() time.Time

	running atomic.Bool
	last    atomic.Pointer[CycleReport]
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithResolver resolves unknown items after each successful ingest.
func WithResolver(r UnknownResolver) CollectorOption {
	return func(c *Collector) { c.resolver = r }
}

// WithBroadcaster publishes every report.
func WithBroadcaster(b Broadcaster) CollectorOption {
	return func(c *Collector) { c.hub = b }
}

// NewCollector creates a Collector.
func NewCollector(source Source, ingester *Ingester, log *zap.Logger, opts ...CollectorOption) *Collector {
	c := &Collector{
		source:   source,
		ingester: ingester,
		log:      logging.OrNop(log).Named("collector"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Running reports whether a cycle is in flight.
func (c *Collector) Running() bool { return c.running.Load() }

// Last returns the most recent report, or nil.
func (c *Collector) Last() *CycleReport { return c.last.Load() }

// RunCycle executes one cycle. Upstream failures abort before any write.
func (c *Collector) RunCycle(ctx context.Context) (*CycleReport, error) {
	if !c.running.CompareAndSwap(false, true) {
		return nil, ErrCycleInProgress
	}
	defer c.running.Store(false)

	report := &CycleReport{ID: uuid.NewString(), StartedAt: c.now().UTC()}
	log := c.log.With(zap.String("cycle", report.ID))
	start := time.Now()

	err := c.cycle(ctx, report, log)
	report.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		report.Error = err.Error()
		log.Error("Ingestion cycle failed", zap.Error(err), zap.Int64("duration_ms", report.DurationMS))
	} else {
		log.Info("Ingestion cycle complete", zap.Int64("duration_ms", report.DurationMS))
	}

	c.last.Store(report)
	if c.hub != nil {
		if berr := c.hub.Broadcast(report); berr != nil {
			log.Warn("Failed to broadcast cycle report", zap.Error(berr))
		}
	}
	return report, err
}

func (c *Collector) cycle(ctx context.Context, report *CycleReport, log *zap.Logger) error {
	var (
		auctions    *upstream.AuctionsPayload
		commodities *upstream.CommoditiesPayload
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		auctions, err = c.source.FetchAuctions(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		commodities, err = c.source.FetchCommodities(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		if !errors.Is(err, market.ErrUpstream) {
			err = market.Fail("fetch", market.ErrUpstream, 0, err)
		}
		return err
	}

	norm := Normalize(c.now(), auctions, commodities)
	report.Normalize = norm
	log.Info("Normalized snapshot",
		zap.Int("auctions", norm.Auctions),
		zap.Int("commodities", norm.Commodities),
		zap.Int("listings", len(norm.Listings)),
		zap.Int("dropped", norm.DroppedTotal()),
	)

	res, err := c.ingester.Ingest(ctx, norm.Listings)
	if err != nil {
		return err
	}
	report.Ingest = res

	if c.resolver != nil && !res.Skipped {
		n, err := c.resolver.ResolveUnknown(ctx)
		report.ItemsResolved = n
		if err != nil {
			// Item resolution is outside the snapshot transaction.
			log.Warn("Item resolution incomplete", zap.Error(err))
		}
	}
	return nil
}
