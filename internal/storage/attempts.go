package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AttemptLogRow is one attempt lifecycle record (start or completion).
type AttemptLogRow struct {
	ID           uuid.UUID       `json:"id"`
	DeviceID     uuid.UUID       `json:"device_id"`
	AttemptIndex int             `json:"attempt_index"`
	Stage        string          `json:"stage"`
	Metadata     json.RawMessage `json:"metadata"`
	CreatedAt    time.Time       `json:"created_at"`
}

// InsertAttemptLog records one attempt lifecycle event.
func (db *DB) InsertAttemptLog(ctx context.Context, deviceID uuid.UUID, attemptIndex int, stage string, metadata json.RawMessage) (*AttemptLogRow, error) {
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}
	var row AttemptLogRow
	err := db.Pool.QueryRow(ctx, `INSERT INTO attempt_logs (device_id, attempt_index, stage, metadata)
		VALUES ($1, $2, $3, $4)
		RETURNING id, device_id, attempt_index, stage, metadata, created_at`,
		deviceID, attemptIndex, stage, metadata,
	).Scan(&row.ID, &row.DeviceID, &row.AttemptIndex, &row.Stage, &row.Metadata, &row.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting attempt log: %w", err)
	}
	return &row, nil
}

// ListAttemptLogs returns attempt records newest first, optionally filtered
// by device.
func (db *DB) ListAttemptLogs(ctx context.Context, deviceID *uuid.UUID, limit int) ([]AttemptLogRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Pool.Query(ctx, `SELECT id, device_id, attempt_index, stage, metadata, created_at
		FROM attempt_logs
		WHERE ($1::uuid IS NULL OR device_id = $1)
		ORDER BY created_at DESC
		LIMIT $2`,
		deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing attempt logs: %w", err)
	}
	defer rows.Close()

	logs := []AttemptLogRow{}
	for rows.Next() {
		var row AttemptLogRow
		if err := rows.Scan(&row.ID, &row.DeviceID, &row.AttemptIndex, &row.Stage, &row.Metadata, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning attempt log: %w", err)
		}
		logs = append(logs, row)
	}
	return logs, rows.Err()
}
