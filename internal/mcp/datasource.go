package mcp

import (
	"context"

	"github.com/claude/squatcoach/internal/storage"
	"github.com/google/uuid"
)

// DataSource abstracts the data layer for MCP tools. Both *storage.DB (local)
// and HTTPClient (remote via REST API) satisfy this interface.
type DataSource interface {
	GetQuotaSnapshot(ctx context.Context, deviceID uuid.UUID) (*storage.QuotaSnapshotRow, error)
	ListAttemptLogs(ctx context.Context, deviceID *uuid.UUID, limit int) ([]storage.AttemptLogRow, error)
	LatestDevice(ctx context.Context) (*storage.DeviceIdentityRow, error)
	ListLockedDevices(ctx context.Context, limit int) ([]storage.LockedDeviceRow, error)
}

// Compile-time check: *storage.DB satisfies DataSource.
var _ DataSource = (*storage.DB)(nil)
