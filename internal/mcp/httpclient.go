package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/claude/squatcoach/internal/storage"
	"github.com/google/uuid"
)

// HTTPClient implements DataSource by calling the SquatCoach REST API.
// Used for remote MCP mode where the binary runs locally (stdio) but
// data lives on the remote server (accessed over Tailscale).
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Compile-time check: HTTPClient satisfies DataSource.
var _ DataSource = (*HTTPClient)(nil)

// NewHTTPClient creates an HTTPClient targeting the given base URL.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPClient) get(ctx context.Context, path string, params url.Values) ([]byte, int, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("httpclient: create request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("httpclient: %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("httpclient: read body: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return nil, resp.StatusCode, fmt.Errorf("httpclient: %s returned %d: %s", path, resp.StatusCode, body)
	}

	return body, resp.StatusCode, nil
}

func (c *HTTPClient) GetQuotaSnapshot(ctx context.Context, deviceID uuid.UUID) (*storage.QuotaSnapshotRow, error) {
	body, status, err := c.get(ctx, "/api/v1/quota/"+deviceID.String(), nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}

	var snapshot storage.QuotaSnapshotRow
	if err := json.Unmarshal(body, &snapshot); err != nil {
		return nil, fmt.Errorf("httpclient: decode quota snapshot: %w", err)
	}
	return &snapshot, nil
}

func (c *HTTPClient) ListAttemptLogs(ctx context.Context, deviceID *uuid.UUID, limit int) ([]storage.AttemptLogRow, error) {
	params := url.Values{}
	if deviceID != nil {
		params.Set("device_id", deviceID.String())
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	body, _, err := c.get(ctx, "/api/v1/attempts", params)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Attempts []storage.AttemptLogRow `json:"attempts"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("httpclient: decode attempt logs: %w", err)
	}
	return resp.Attempts, nil
}

func (c *HTTPClient) ListLockedDevices(ctx context.Context, limit int) ([]storage.LockedDeviceRow, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	body, _, err := c.get(ctx, "/api/v1/quota/locked", params)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Devices []storage.LockedDeviceRow `json:"devices"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("httpclient: decode locked devices: %w", err)
	}
	return resp.Devices, nil
}

func (c *HTTPClient) LatestDevice(ctx context.Context) (*storage.DeviceIdentityRow, error) {
	body, status, err := c.get(ctx, "/api/v1/devices/current", nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}

	var device storage.DeviceIdentityRow
	if err := json.Unmarshal(body, &device); err != nil {
		return nil, fmt.Errorf("httpclient: decode device: %w", err)
	}
	return &device, nil
}
