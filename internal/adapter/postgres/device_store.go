package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/quakefeed/quakefeed/internal/domain"
)

// DeviceStore is the registry of push-notification targets. Registration is
// idempotent; the fan-out dispatcher prunes tokens the provider rejects
// permanently.
type DeviceStore struct {
	pool *pgxpool.Pool
}

// NewDeviceStore creates a device registry backed by the given pool.
func NewDeviceStore(pool *pgxpool.Pool) *DeviceStore {
	return &DeviceStore{pool: pool}
}

// Upsert registers a token, updating the platform when it changed. Concurrent
// registrations of the same token collapse into one row.
func (s *DeviceStore) Upsert(ctx context.Context, token, platform string) error {
	if platform == "" {
		platform = "android"
	}
	const sql = `
		INSERT INTO device_tokens (token, platform)
		VALUES ($1, $2)
		ON CONFLICT (token) DO UPDATE
		SET platform = EXCLUDED.platform, updated_at = now()
	`
	if _, err := s.pool.Exec(ctx, sql, token, platform); err != nil {
		return fmt.Errorf("upsert device token: %w", err)
	}
	return nil
}

// List returns every registered device identity.
func (s *DeviceStore) List(ctx context.Context) ([]domain.DeviceIdentity, error) {
	const sql = `SELECT token, platform FROM device_tokens ORDER BY created_at`
	rows, err := s.pool.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("list device tokens: %w", err)
	}
	defer rows.Close()

	devices := make([]domain.DeviceIdentity, 0)
	for rows.Next() {
		var d domain.DeviceIdentity
		if err := rows.Scan(&d.Token, &d.Platform); err != nil {
			return nil, fmt.Errorf("scan device token: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device tokens: %w", err)
	}
	return devices, nil
}

// Delete removes a token from the registry. Deleting an absent token is not
// an error.
func (s *DeviceStore) Delete(ctx context.Context, token string) error {
	const sql = `DELETE FROM device_tokens WHERE token = $1`
	if _, err := s.pool.Exec(ctx, sql, token); err != nil {
		return fmt.Errorf("delete device token: %w", err)
	}
	return nil
}
