package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

func (h *handlers) quotaStatus(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	latest, err := h.ds.LatestDevice(ctx)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, fmt.Errorf("no device registered")
	}

	status, err := h.quotaStatusForDevice(ctx, latest.DeviceID)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(status)
	if err != nil {
		return nil, err
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (h *handlers) attemptHistory(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	logs, err := h.ds.ListAttemptLogs(ctx, nil, 50)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(map[string]any{"attempts": logs, "count": len(logs)})
	if err != nil {
		return nil, err
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
