package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// DeviceIdentityRow is one mirrored device identity.
type DeviceIdentityRow struct {
	DeviceID   uuid.UUID `json:"device_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// UpsertDevice registers (or refreshes) a mirrored device identity.
func (db *DB) UpsertDevice(ctx context.Context, deviceID uuid.UUID) (*DeviceIdentityRow, error) {
	var row DeviceIdentityRow
	err := db.Pool.QueryRow(ctx, `INSERT INTO device_identities (device_id)
		VALUES ($1)
		ON CONFLICT (device_id) DO UPDATE SET last_seen_at = now()
		RETURNING device_id, created_at, last_seen_at`,
		deviceID,
	).Scan(&row.DeviceID, &row.CreatedAt, &row.LastSeenAt)
	if err != nil {
		return nil, fmt.Errorf("upserting device identity: %w", err)
	}
	return &row, nil
}

// LatestDevice returns the most recently seen device identity, or nil when
// no identity has been mirrored yet.
func (db *DB) LatestDevice(ctx context.Context) (*DeviceIdentityRow, error) {
	var row DeviceIdentityRow
	err := db.Pool.QueryRow(ctx, `SELECT device_id, created_at, last_seen_at
		FROM device_identities
		ORDER BY last_seen_at DESC
		LIMIT 1`).Scan(&row.DeviceID, &row.CreatedAt, &row.LastSeenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest device: %w", err)
	}
	return &row, nil
}
