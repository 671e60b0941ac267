package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// QuotaSnapshotRow is the server-held mirror of one device's quota
// snapshot. Decision and lock reason are stored as the client serialized
// them; the server never interprets them.
type QuotaSnapshotRow struct {
	DeviceID         uuid.UUID       `json:"-"`
	AttemptsUsed     int             `json:"attempts_used"`
	ActiveAttempt    int             `json:"active_attempt_index,omitempty"`
	LastDecision     json.RawMessage `json:"last_decision,omitempty"`
	ServerLockReason json.RawMessage `json:"server_lock_reason,omitempty"`
	LastSyncAt       *time.Time      `json:"last_sync_at,omitempty"`
	UpdatedAt        time.Time       `json:"-"`
}

// GetQuotaSnapshot returns the mirrored snapshot for a device, or nil when
// the device has never mirrored one.
func (db *DB) GetQuotaSnapshot(ctx context.Context, deviceID uuid.UUID) (*QuotaSnapshotRow, error) {
	var row QuotaSnapshotRow
	err := db.Pool.QueryRow(ctx, `SELECT device_id, attempts_used, active_attempt,
		last_decision, server_lock_reason, last_sync_at, updated_at
		FROM quota_snapshots WHERE device_id = $1`,
		deviceID,
	).Scan(&row.DeviceID, &row.AttemptsUsed, &row.ActiveAttempt,
		&row.LastDecision, &row.ServerLockReason, &row.LastSyncAt, &row.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying quota snapshot: %w", err)
	}
	return &row, nil
}

// LockedDeviceRow is one entry of the locked-devices report: a device whose
// mirrored snapshot carries a server lock reason.
type LockedDeviceRow struct {
	DeviceID         uuid.UUID       `json:"device_id"`
	AttemptsUsed     int             `json:"attempts_used"`
	ServerLockReason json.RawMessage `json:"server_lock_reason"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// ListLockedDevices returns devices with a mirrored server lock reason,
// most recently updated first.
func (db *DB) ListLockedDevices(ctx context.Context, limit int) ([]LockedDeviceRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Pool.Query(ctx, `SELECT device_id, attempts_used, server_lock_reason, updated_at
		FROM quota_snapshots WHERE server_lock_reason IS NOT NULL
		ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying locked devices: %w", err)
	}
	defer rows.Close()

	var locked []LockedDeviceRow
	for rows.Next() {
		var row LockedDeviceRow
		if err := rows.Scan(&row.DeviceID, &row.AttemptsUsed, &row.ServerLockReason, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning locked device: %w", err)
		}
		locked = append(locked, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating locked devices: %w", err)
	}
	return locked, nil
}

// UpsertQuotaSnapshot stores the mirrored snapshot for a device.
func (db *DB) UpsertQuotaSnapshot(ctx context.Context, deviceID uuid.UUID, snapshot QuotaSnapshotRow) error {
	_, err := db.Pool.Exec(ctx, `INSERT INTO quota_snapshots
		(device_id, attempts_used, active_attempt, last_decision, server_lock_reason, last_sync_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (device_id) DO UPDATE SET
			attempts_used = EXCLUDED.attempts_used,
			active_attempt = EXCLUDED.active_attempt,
			last_decision = EXCLUDED.last_decision,
			server_lock_reason = EXCLUDED.server_lock_reason,
			last_sync_at = EXCLUDED.last_sync_at,
			updated_at = now()`,
		deviceID, snapshot.AttemptsUsed, snapshot.ActiveAttempt,
		snapshot.LastDecision, snapshot.ServerLockReason, snapshot.LastSyncAt)
	if err != nil {
		return fmt.Errorf("upserting quota snapshot: %w", err)
	}
	return nil
}
