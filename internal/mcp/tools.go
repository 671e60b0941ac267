package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/claude/squatcoach/internal/pose"
	"github.com/claude/squatcoach/internal/quota"
	"github.com/claude/squatcoach/internal/session"
	"github.com/claude/squatcoach/internal/storage"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
)

// --- Tool definitions ---

var toolGetQuotaStatus = mcp.NewTool("get_quota_status",
	mcp.WithDescription("Look up the demo quota snapshot for a device and derive its quota state (fresh, gate_pending, second_attempt_eligible, locked, ...)."),
	mcp.WithString("device_id", mcp.Description("Device UUID. Defaults to the most recently seen device.")),
)

var toolGetAttemptHistory = mcp.NewTool("get_attempt_history",
	mcp.WithDescription("List demo attempt log entries (start/completion stages with metadata), newest first."),
	mcp.WithString("device_id", mcp.Description("Filter by device UUID. Defaults to all devices.")),
	mcp.WithNumber("limit", mcp.Description("Maximum entries to return. Defaults to 50.")),
)

var toolListLockedDevices = mcp.NewTool("list_locked_devices",
	mcp.WithDescription("List devices whose demo quota is locked by a server-held lock reason (quota exhausted, evaluation denied or timed out, server sync)."),
	mcp.WithNumber("limit", mcp.Description("Maximum entries to return. Defaults to 50.")),
)

var toolGetSessionSummary = mcp.NewTool("get_session_summary",
	mcp.WithDescription("Generate a coaching summary from recorded squat session results: tempo insight, average rep tempo, and coaching notes ordered by frequency."),
	mcp.WithNumber("reps", mcp.Required(), mcp.Description("Total completed repetitions")),
	mcp.WithString("tempos", mcp.Description("Comma-separated per-rep tempos in seconds (e.g. '1.4,1.6,2.1')")),
	mcp.WithString("corrections", mcp.Description("Comma-separated reason:count pairs (reasons: insufficient_depth, instability, low_confidence)")),
	mcp.WithNumber("duration_seconds", mcp.Description("Session duration in seconds")),
	mcp.WithNumber("attempt_index", mcp.Description("Demo attempt index. Defaults to 1.")),
)

// --- Tool handlers ---

func (h *handlers) getQuotaStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	deviceID, err := h.resolveDevice(ctx, req.GetString("device_id", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	status, err := h.quotaStatusForDevice(ctx, deviceID)
	if err != nil {
		h.log.Error("mcp get_quota_status", "error", err)
		return mcp.NewToolResultError("query failed: " + err.Error()), nil
	}

	result, err := mcp.NewToolResultJSON(status)
	if err != nil {
		return mcp.NewToolResultError("serialization failed"), nil
	}
	return result, nil
}

func (h *handlers) getAttemptHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var deviceID *uuid.UUID
	if raw := req.GetString("device_id", ""); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return mcp.NewToolResultError("device_id must be a UUID"), nil
		}
		deviceID = &id
	}
	limit := req.GetInt("limit", 50)

	logs, err := h.ds.ListAttemptLogs(ctx, deviceID, limit)
	if err != nil {
		h.log.Error("mcp get_attempt_history", "error", err)
		return mcp.NewToolResultError("query failed: " + err.Error()), nil
	}

	result, err := mcp.NewToolResultJSON(map[string]any{"attempts": logs, "count": len(logs)})
	if err != nil {
		return mcp.NewToolResultError("serialization failed"), nil
	}
	return result, nil
}

func (h *handlers) listLockedDevices(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 50)

	devices, err := h.ds.ListLockedDevices(ctx, limit)
	if err != nil {
		h.log.Error("mcp list_locked_devices", "error", err)
		return mcp.NewToolResultError("query failed: " + err.Error()), nil
	}

	result, err := mcp.NewToolResultJSON(map[string]any{"devices": devices, "count": len(devices)})
	if err != nil {
		return mcp.NewToolResultError("serialization failed"), nil
	}
	return result, nil
}

func (h *handlers) getSessionSummary(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reps, err := req.RequireInt("reps")
	if err != nil {
		return mcp.NewToolResultError("reps parameter is required"), nil
	}
	if reps < 0 {
		return mcp.NewToolResultError("reps must be non-negative"), nil
	}

	tempos, err := parseTempos(req.GetString("tempos", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	corrections, err := parseCorrections(req.GetString("corrections", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	summary := session.NewSummary(session.SummaryInput{
		AttemptIndex: req.GetInt("attempt_index", 1),
		Snapshot: pose.Snapshot{
			RepetitionCount:  reps,
			TempoSamples:     tempos,
			CorrectionCounts: corrections,
		},
		Duration:    time.Duration(req.GetInt("duration_seconds", 0)) * time.Second,
		GeneratedAt: time.Now().UTC(),
	})

	notes := make([]string, 0, len(summary.CoachingNotes))
	for _, note := range summary.CoachingNotes {
		notes = append(notes, note.Message())
	}

	result, err := mcp.NewToolResultJSON(map[string]any{
		"summary":        summary,
		"tempo_title":    summary.TempoInsight.Title(),
		"tempo_subtitle": summary.TempoInsight.Subtitle(),
		"notes":          notes,
	})
	if err != nil {
		return mcp.NewToolResultError("serialization failed"), nil
	}
	return result, nil
}

// --- Shared helpers ---

// quotaStatus is the tool/resource payload for a device's quota position.
type quotaStatus struct {
	DeviceID   uuid.UUID                 `json:"device_id"`
	State      quota.StateKind           `json:"state"`
	LockReason *quota.LockReason         `json:"lock_reason,omitempty"`
	Snapshot   *storage.QuotaSnapshotRow `json:"snapshot"`
}

func (h *handlers) resolveDevice(ctx context.Context, raw string) (uuid.UUID, error) {
	if raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return uuid.Nil, fmt.Errorf("device_id must be a UUID")
		}
		return id, nil
	}
	latest, err := h.ds.LatestDevice(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("looking up latest device: %w", err)
	}
	if latest == nil {
		return uuid.Nil, fmt.Errorf("no device registered; pass device_id explicitly")
	}
	return latest.DeviceID, nil
}

func (h *handlers) quotaStatusForDevice(ctx context.Context, deviceID uuid.UUID) (quotaStatus, error) {
	row, err := h.ds.GetQuotaSnapshot(ctx, deviceID)
	if err != nil {
		return quotaStatus{}, err
	}
	if row == nil {
		return quotaStatus{DeviceID: deviceID, State: quota.StateFresh}, nil
	}

	// The row serializes with the same field names as the wire snapshot,
	// so the state machine can rehydrate it directly.
	encoded, err := json.Marshal(row)
	if err != nil {
		return quotaStatus{}, err
	}
	var snapshot quota.RemoteSnapshot
	if err := json.Unmarshal(encoded, &snapshot); err != nil {
		return quotaStatus{}, err
	}

	state := quota.Machine{}.StateFromSnapshot(snapshot)
	status := quotaStatus{DeviceID: deviceID, State: state.Kind, Snapshot: row}
	if state.IsLocked() {
		lock := state.Lock
		status.LockReason = &lock
	}
	return status, nil
}

func parseTempos(raw string) ([]float64, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	tempos := make([]float64, 0, len(parts))
	for _, part := range parts {
		value, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil || value < 0 {
			return nil, fmt.Errorf("tempos must be comma-separated non-negative numbers, got %q", part)
		}
		tempos = append(tempos, value)
	}
	return tempos, nil
}

func parseCorrections(raw string) (map[pose.CorrectionReason]int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	valid := map[pose.CorrectionReason]bool{
		pose.CorrectionInsufficientDepth: true,
		pose.CorrectionInstability:       true,
		pose.CorrectionLowConfidence:     true,
	}
	counts := make(map[pose.CorrectionReason]int)
	for _, part := range strings.Split(raw, ",") {
		pair := strings.SplitN(strings.TrimSpace(part), ":", 2)
		if len(pair) != 2 {
			return nil, fmt.Errorf("corrections must be reason:count pairs, got %q", part)
		}
		reason := pose.CorrectionReason(strings.TrimSpace(pair[0]))
		if !valid[reason] {
			return nil, fmt.Errorf("unknown correction reason %q", pair[0])
		}
		count, err := strconv.Atoi(strings.TrimSpace(pair[1]))
		if err != nil || count < 0 {
			return nil, fmt.Errorf("correction count must be a non-negative integer, got %q", pair[1])
		}
		counts[reason] = count
	}
	return counts, nil
}
