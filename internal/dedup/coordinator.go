// Package dedup decides whether an extracted candidate is a genuinely new
// event or a re-scrape of one already known.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/quakefeed/quakefeed/internal/domain"
	"github.com/quakefeed/quakefeed/internal/observability"
)

// The cache check tolerates the floating-point and formatting jitter of
// repeated scrapes of the same source row; the store check enforces exact
// natural-key equality.
const (
	coordTolerance     = 1e-4 // degrees, latitude and longitude
	magnitudeTolerance = 1e-2
)

// ExistenceChecker is the store-side authoritative natural-key lookup.
type ExistenceChecker interface {
	Exists(ctx context.Context, occurredAt time.Time, lat, lon, magnitude float64) (bool, error)
}

// SnapshotReader yields the recency-cache snapshot, or ErrCacheUnavailable.
type SnapshotReader interface {
	Get(ctx context.Context) ([]domain.Event, error)
}

// Coordinator owns the two-tier dedup policy: recency cache first (tolerance
// match), event store second (exact match).
type Coordinator struct {
	store   ExistenceChecker
	cache   SnapshotReader
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewCoordinator creates a dedup coordinator.
func NewCoordinator(store ExistenceChecker, cache SnapshotReader, logger *slog.Logger, metrics *observability.Metrics) *Coordinator {
	return &Coordinator{store: store, cache: cache, logger: logger, metrics: metrics}
}

// Snapshot reads the recency cache once for a whole cycle. An unavailable
// cache degrades to a nil snapshot: dedup correctness is unaffected, every
// candidate just pays the store round-trip.
func (c *Coordinator) Snapshot(ctx context.Context) []domain.Event {
	events, err := c.cache.Get(ctx)
	if err != nil {
		c.logger.Debug("recency cache unavailable, store-only dedup this cycle", "error", err)
		c.metrics.CacheErrors.Inc()
		return nil
	}
	return events
}

// Decide classifies one candidate. Safe for concurrent use against the same
// snapshot; only the store lookup can fail.
func (c *Coordinator) Decide(ctx context.Context, snapshot []domain.Event, cand domain.CandidateEvent) (domain.Decision, error) {
	for i := range snapshot {
		if matchesWithinTolerance(snapshot[i], cand) {
			return domain.DecisionDuplicateCache, nil
		}
	}

	exists, err := c.store.Exists(ctx, cand.OccurredAt, cand.Latitude, cand.Longitude, cand.Magnitude)
	if err != nil {
		return domain.DecisionNew, fmt.Errorf("store existence check: %w", err)
	}
	if exists {
		return domain.DecisionDuplicateStore, nil
	}
	return domain.DecisionNew, nil
}

// matchesWithinTolerance compares a cached event against a candidate. The
// timestamps must denote the same instant (never reformatted to a different
// offset); coordinates and magnitude match within their tolerances.
func matchesWithinTolerance(ev domain.Event, cand domain.CandidateEvent) bool {
	return ev.OccurredAt.Equal(cand.OccurredAt) &&
		math.Abs(ev.Latitude-cand.Latitude) < coordTolerance &&
		math.Abs(ev.Longitude-cand.Longitude) < coordTolerance &&
		math.Abs(ev.Magnitude-cand.Magnitude) < magnitudeTolerance
}
