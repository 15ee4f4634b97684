// Package ingest runs the periodic scrape-dedup-persist-fanout cycle.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/quakefeed/quakefeed/internal/domain"
	"github.com/quakefeed/quakefeed/internal/observability"
)

// Extractor produces candidate events from the upstream source.
type Extractor interface {
	Extract(ctx context.Context) ([]domain.CandidateEvent, error)
}

// Decider classifies candidates against the recency cache and the store.
type Decider interface {
	Snapshot(ctx context.Context) []domain.Event
	Decide(ctx context.Context, snapshot []domain.Event, cand domain.CandidateEvent) (domain.Decision, error)
}

// EventStore persists new events and serves the recent window for cache
// rebuilds.
type EventStore interface {
	Insert(ctx context.Context, cand domain.CandidateEvent) (domain.Event, error)
	Recent(ctx context.Context, n int) ([]domain.Event, error)
}

// SnapshotWriter replaces the recency-cache snapshot.
type SnapshotWriter interface {
	Put(ctx context.Context, events []domain.Event, ttl time.Duration) error
}

// Broadcaster delivers an inserted batch to streaming subscribers.
type Broadcaster interface {
	Broadcast(events []domain.Event)
}

// PushChannel delivers an inserted batch to push recipients.
type PushChannel interface {
	Dispatch(ctx context.Context, events []domain.Event)
}

// MirrorPublisher optionally copies an inserted batch to a message topic.
type MirrorPublisher interface {
	Publish(ctx context.Context, events []domain.Event) error
}

// Cycle executes one full ingestion pass: extract candidates, classify each
// against cache then store, insert the new ones, rebuild the cache, and fan
// the inserted batch out. Every failure is scoped to one cycle, one row, or
// one recipient; nothing here is fatal to the process.
type Cycle struct {
	extractor Extractor
	decider   Decider
	store     EventStore
	cache     SnapshotWriter
	hub       Broadcaster
	push      PushChannel
	mirror    MirrorPublisher // nil when the mirror is disabled

	cacheSize int
	cacheTTL  time.Duration
	logger    *slog.Logger
	metrics   *observability.Metrics
	ready     atomic.Bool
}

// NewCycle wires an ingestion cycle. mirror may be nil.
func NewCycle(
	extractor Extractor,
	decider Decider,
	store EventStore,
	cache SnapshotWriter,
	hub Broadcaster,
	push PushChannel,
	mirror MirrorPublisher,
	cacheSize int,
	cacheTTL time.Duration,
	logger *slog.Logger,
	metrics *observability.Metrics,
) *Cycle {
	return &Cycle{
		extractor: extractor,
		decider:   decider,
		store:     store,
		cache:     cache,
		hub:       hub,
		push:      push,
		mirror:    mirror,
		cacheSize: cacheSize,
		cacheTTL:  cacheTTL,
		logger:    logger,
		metrics:   metrics,
	}
}

// CheckReadiness returns nil once at least one cycle has completed.
func (c *Cycle) CheckReadiness(_ context.Context) error {
	if !c.ready.Load() {
		return errors.New("no ingestion cycle has completed yet")
	}
	return nil
}

// Run executes one ingestion cycle. A source outage ends the cycle early
// with zero inserts; a cache outage degrades dedup and skips the refresh; a
// store failure aborts the cycle (inserts so far stay, re-scraping them next
// cycle is a no-op thanks to the natural key).
func (c *Cycle) Run(ctx context.Context) error {
	start := time.Now()

	candidates, err := c.extractor.Extract(ctx)
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	if len(candidates) == 0 {
		c.logger.Warn("source returned no candidates")
		c.finish(start)
		return nil
	}

	// One cache read serves every decision this cycle.
	snapshot := c.decider.Snapshot(ctx)

	inserted := make([]domain.Event, 0, len(candidates))
	var duplicates int

	// Inserts run serially: the store is the final authority on uniqueness
	// and concurrent batch writers could race past the advisory cache check.
	for _, cand := range candidates {
		decision, err := c.decider.Decide(ctx, snapshot, cand)
		if err != nil {
			return fmt.Errorf("dedup: %w", err)
		}
		if decision != domain.DecisionNew {
			duplicates++
			c.metrics.Duplicates.WithLabelValues(tierLabel(decision)).Inc()
			continue
		}

		ev, err := c.store.Insert(ctx, cand)
		if errors.Is(err, domain.ErrConflict) {
			// A writer beat us to the natural key; a duplicate, not a failure.
			duplicates++
			c.metrics.Duplicates.WithLabelValues("store").Inc()
			continue
		}
		if err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		inserted = append(inserted, ev)
		c.metrics.EventsInserted.Inc()
	}

	c.logger.Info("ingestion pass complete",
		"candidates", len(candidates), "new", len(inserted), "duplicates", duplicates)

	if len(inserted) > 0 {
		c.refreshCache(ctx)
		c.hub.Broadcast(inserted)
		c.push.Dispatch(ctx, inserted)
		c.publishMirror(ctx, inserted)
	}

	c.finish(start)
	return nil
}

// WarmCache seeds the recency snapshot from the store, so the first cycles
// after a restart get the fast dedup path immediately.
func (c *Cycle) WarmCache(ctx context.Context) {
	recent, err := c.store.Recent(ctx, c.cacheSize)
	if err != nil {
		c.logger.Warn("cache warm-up query failed", "error", err)
		return
	}
	if len(recent) == 0 {
		c.logger.Info("no persisted events, skipping cache warm-up")
		return
	}
	if err := c.cache.Put(ctx, recent, c.cacheTTL); err != nil {
		c.metrics.CacheErrors.Inc()
		c.logger.Warn("cache warm-up write failed", "error", err)
		return
	}
	c.logger.Info("cache warmed from store", "events", len(recent))
}

// refreshCache rebuilds the snapshot wholesale from the store's recent
// window. Never patched incrementally, to avoid partial-state drift; never
// fails the cycle.
func (c *Cycle) refreshCache(ctx context.Context) {
	recent, err := c.store.Recent(ctx, c.cacheSize)
	if err != nil {
		c.logger.Error("cache rebuild query failed, snapshot left stale", "error", err)
		return
	}
	if err := c.cache.Put(ctx, recent, c.cacheTTL); err != nil {
		c.metrics.CacheErrors.Inc()
		c.logger.Error("cache rebuild write failed, degrading to store-only dedup", "error", err)
		return
	}
	c.metrics.CacheRefreshes.Inc()
}

func (c *Cycle) publishMirror(ctx context.Context, events []domain.Event) {
	if c.mirror == nil {
		return
	}
	if err := c.mirror.Publish(ctx, events); err != nil {
		c.logger.Error("mirror publish failed", "error", err, "events", len(events))
	}
}

func (c *Cycle) finish(start time.Time) {
	c.ready.Store(true)
	c.metrics.CycleDuration.Observe(time.Since(start).Seconds())
}

func tierLabel(d domain.Decision) string {
	if d == domain.DecisionDuplicateCache {
		return "cache"
	}
	return "store"
}
