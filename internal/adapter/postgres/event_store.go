package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/quakefeed/quakefeed/internal/domain"
)

// EventStore is the durable, uniquely-keyed repository of seismic events.
// The natural-key unique constraint makes the store the final authority on
// uniqueness; the recency cache is only an advisory fast path in front of it.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates an event store backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

const eventColumns = `id, occurred_at, latitude, longitude, magnitude, depth_km, place, source, created_at`

// Exists reports whether the exact natural key is already persisted.
// Timestamps compare as instants, so an event keeps its identity regardless
// of the offset it was recorded with.
func (s *EventStore) Exists(ctx context.Context, occurredAt time.Time, lat, lon, magnitude float64) (bool, error) {
	const sql = `
		SELECT EXISTS(
			SELECT 1 FROM quakes
			WHERE occurred_at = $1 AND latitude = $2 AND longitude = $3 AND magnitude = $4
		)
	`
	var exists bool
	if err := s.pool.QueryRow(ctx, sql, occurredAt, lat, lon, magnitude).Scan(&exists); err != nil {
		return false, fmt.Errorf("check event existence: %w", err)
	}
	return exists, nil
}

// Insert persists a candidate, assigning its id and creation timestamp.
// Returns domain.ErrConflict when the natural key is already present, so a
// concurrent writer that raced past the advisory cache check is still caught
// here.
func (s *EventStore) Insert(ctx context.Context, cand domain.CandidateEvent) (domain.Event, error) {
	const sql = `
		INSERT INTO quakes (id, occurred_at, latitude, longitude, magnitude, depth_km, place, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT ON CONSTRAINT quakes_natural_key DO NOTHING
		RETURNING id, created_at
	`
	ev := domain.Event{
		OccurredAt: cand.OccurredAt,
		Latitude:   cand.Latitude,
		Longitude:  cand.Longitude,
		Magnitude:  cand.Magnitude,
		DepthKm:    cand.DepthKm,
		Place:      cand.Place,
		Source:     cand.Source,
	}

	id := uuid.NewString()
	err := s.pool.QueryRow(ctx, sql,
		id, cand.OccurredAt, cand.Latitude, cand.Longitude,
		cand.Magnitude, cand.DepthKm, cand.Place, cand.Source,
	).Scan(&ev.ID, &ev.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Event{}, domain.ErrConflict
	}
	if err != nil {
		return domain.Event{}, fmt.Errorf("insert event: %w", err)
	}
	return ev, nil
}

// Recent returns the n most recent events by occurrence time, newest first.
func (s *EventStore) Recent(ctx context.Context, n int) ([]domain.Event, error) {
	const sql = `
		SELECT ` + eventColumns + `
		FROM quakes
		ORDER BY occurred_at DESC
		LIMIT $1
	`
	rows, err := s.pool.Query(ctx, sql, n)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// List returns one page of events ordered by occurrence time descending.
func (s *EventStore) List(ctx context.Context, page, size int) ([]domain.Event, error) {
	const sql = `
		SELECT ` + eventColumns + `
		FROM quakes
		ORDER BY occurred_at DESC
		LIMIT $1 OFFSET $2
	`
	rows, err := s.pool.Query(ctx, sql, size, page*size)
	if err != nil {
		return nil, fmt.Errorf("query events page: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Filter returns events matching the given optional bounds, ordered by
// occurrence time descending.
func (s *EventStore) Filter(ctx context.Context, f domain.Filter) ([]domain.Event, error) {
	sql, args := buildFilterQuery(f)
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query filtered events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]domain.Event, error) {
	events := make([]domain.Event, 0)
	for rows.Next() {
		var ev domain.Event
		if err := rows.Scan(
			&ev.ID, &ev.OccurredAt, &ev.Latitude, &ev.Longitude,
			&ev.Magnitude, &ev.DepthKm, &ev.Place, &ev.Source, &ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}
	return events, nil
}
