package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/quakefeed/quakefeed/internal/domain"
	"github.com/redis/go-redis/v9"
)

// snapshotKey holds the single recency snapshot: a JSON array of the most
// recent events, newest first.
const snapshotKey = "quakes:recent"

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string // optional
	DB       int    // optional
}

// NewClient connects to Redis. A failed ping is reported but does not abort
// startup: the cache is advisory and may become reachable later.
func NewClient(ctx context.Context, cfg Config, logger *slog.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("recency cache unreachable at startup, continuing degraded", "addr", cfg.Addr, "error", err)
	}
	return client
}

// RecencyCache is a time-bounded, fast-read view of the most recent events.
// It is derived and disposable: every failure mode reads as "absent" and the
// snapshot is rebuilt wholesale rather than patched.
type RecencyCache struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRecencyCache creates the cache on an existing client.
func NewRecencyCache(client *redis.Client, logger *slog.Logger) *RecencyCache {
	return &RecencyCache{client: client, logger: logger}
}

// Put replaces the snapshot and sets an absolute expiry.
func (c *RecencyCache) Put(ctx context.Context, events []domain.Event, ttl time.Duration) error {
	data, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("%w: encode snapshot: %v", domain.ErrCacheUnavailable, err)
	}
	if err := c.client.Set(ctx, snapshotKey, data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: write snapshot: %v", domain.ErrCacheUnavailable, err)
	}
	return nil
}

// Get returns the current snapshot. A missing key, elapsed TTL, transport
// error, or undecodable payload all return ErrCacheUnavailable; callers fall
// back to the store.
func (c *RecencyCache) Get(ctx context.Context) ([]domain.Event, error) {
	data, err := c.client.Get(ctx, snapshotKey).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrCacheUnavailable
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read snapshot: %v", domain.ErrCacheUnavailable, err)
	}

	var events []domain.Event
	if err := json.Unmarshal(data, &events); err != nil {
		c.logger.Warn("discarding undecodable cache snapshot", "error", err)
		return nil, fmt.Errorf("%w: decode snapshot: %v", domain.ErrCacheUnavailable, err)
	}
	return events, nil
}
