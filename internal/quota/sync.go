package quota

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SnapshotSync mirrors the quota snapshot to the server and fetches the
// authoritative copy during demo-start preparation.
type SnapshotSync interface {
	FetchSnapshot(ctx context.Context, deviceID uuid.UUID) (*RemoteSnapshot, error)
	Mirror(ctx context.Context, snapshot RemoteSnapshot, deviceID uuid.UUID) error
}

// HTTPSnapshotSync talks to the coaching server's quota routes.
type HTTPSnapshotSync struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPSnapshotSync creates a sync client targeting the given base URL.
func NewHTTPSnapshotSync(baseURL, apiKey string, timeout time.Duration) *HTTPSnapshotSync {
	return &HTTPSnapshotSync{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// FetchSnapshot returns the server-held snapshot, or nil when the device is
// unknown to the server.
func (s *HTTPSnapshotSync) FetchSnapshot(ctx context.Context, deviceID uuid.UUID) (*RemoteSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.baseURL+"/api/v1/quota/"+deviceID.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot fetch: %w", err)
	}
	req.Header.Set("X-API-Key", s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching snapshot: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("snapshot fetch failed (status %d): %s", resp.StatusCode, raw)
	}

	var snap RemoteSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return &snap, nil
}

// Mirror pushes the local snapshot to the server, best effort from the
// coordinator's point of view.
func (s *HTTPSnapshotSync) Mirror(ctx context.Context, snapshot RemoteSnapshot, deviceID uuid.UUID) error {
	body, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		s.baseURL+"/api/v1/quota/"+deviceID.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating snapshot mirror: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mirroring snapshot: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("snapshot mirror rejected (status %d): %s", resp.StatusCode, raw)
	}
	return nil
}

// HTTPIdentityMirror talks to the server-side device identity routes.
type HTTPIdentityMirror struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPIdentityMirror creates an identity mirror client.
func NewHTTPIdentityMirror(baseURL, apiKey string, timeout time.Duration) *HTTPIdentityMirror {
	return &HTTPIdentityMirror{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type deviceIdentityPayload struct {
	DeviceID string `json:"device_id"`
}

// FetchDeviceID returns the mirrored identity for this install, if the
// server knows one.
func (m *HTTPIdentityMirror) FetchDeviceID(ctx context.Context) (uuid.UUID, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/api/v1/devices/current", nil)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("creating identity fetch: %w", err)
	}
	req.Header.Set("X-API-Key", m.apiKey)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("fetching identity: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return uuid.Nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return uuid.Nil, false, fmt.Errorf("identity fetch failed (status %d)", resp.StatusCode)
	}

	var payload deviceIdentityPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return uuid.Nil, false, fmt.Errorf("decoding identity: %w", err)
	}
	id, err := uuid.Parse(payload.DeviceID)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("parsing mirrored identity: %w", err)
	}
	return id, true, nil
}

// Mirror pushes a locally generated identity to the server.
func (m *HTTPIdentityMirror) Mirror(ctx context.Context, id uuid.UUID) error {
	body, err := json.Marshal(deviceIdentityPayload{DeviceID: id.String()})
	if err != nil {
		return fmt.Errorf("encoding identity: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		m.baseURL+"/api/v1/devices/"+id.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating identity mirror: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", m.apiKey)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mirroring identity: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("identity mirror rejected (status %d)", resp.StatusCode)
	}
	return nil
}
