package quota

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
)

// TestFetchSnapshot verifies the server-held snapshot is decoded from the
// quota route.
func TestFetchSnapshot(t *testing.T) {
	deviceID := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/v1/quota/"+deviceID.String() {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("X-API-Key"); got != "test-key" {
			t.Errorf("X-API-Key = %q, want test-key", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"attempts_used":      2,
			"server_lock_reason": map[string]any{"kind": "quota_exhausted"},
		})
	}))
	defer srv.Close()

	sync := NewHTTPSnapshotSync(srv.URL, "test-key", time.Second)
	snap, err := sync.FetchSnapshot(context.Background(), deviceID)
	if err != nil {
		t.Fatalf("FetchSnapshot: %v", err)
	}
	if snap == nil {
		t.Fatal("expected a snapshot")
	}
	if snap.AttemptsUsed != 2 {
		t.Errorf("AttemptsUsed = %d, want 2", snap.AttemptsUsed)
	}
	if snap.ServerLockReason == nil || snap.ServerLockReason.Kind != LockQuotaExhausted {
		t.Errorf("ServerLockReason = %+v, want quota_exhausted", snap.ServerLockReason)
	}
}

// TestFetchSnapshotUnknownDevice verifies a 404 means "no snapshot" rather
// than an error.
func TestFetchSnapshotUnknownDevice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"not_found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	sync := NewHTTPSnapshotSync(srv.URL, "test-key", time.Second)
	snap, err := sync.FetchSnapshot(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("FetchSnapshot: %v", err)
	}
	if snap != nil {
		t.Errorf("snap = %+v, want nil", snap)
	}
}

// TestMirrorSnapshot verifies the PUT wire shape and that a 204 is accepted.
func TestMirrorSnapshot(t *testing.T) {
	deviceID := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/api/v1/quota/"+deviceID.String() {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var snap RemoteSnapshot
		if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
			t.Fatalf("decoding snapshot: %v", err)
		}
		if snap.AttemptsUsed != 1 {
			t.Errorf("attempts_used = %d, want 1", snap.AttemptsUsed)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sync := NewHTTPSnapshotSync(srv.URL, "test-key", time.Second)
	err := sync.Mirror(context.Background(), RemoteSnapshot{AttemptsUsed: 1, ActiveAttemptIndex: 1}, deviceID)
	if err != nil {
		t.Fatalf("Mirror: %v", err)
	}
}

// TestIdentityMirrorRoundTrip verifies fetching the current device identity
// and mirroring a locally generated one.
func TestIdentityMirrorRoundTrip(t *testing.T) {
	known := uuid.New()
	var mirrored string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/devices/current":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{"device_id": known.String()})
		case r.Method == http.MethodPut:
			var payload deviceIdentityPayload
			_ = json.NewDecoder(r.Body).Decode(&payload)
			mirrored = payload.DeviceID
			w.WriteHeader(http.StatusOK)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	mirror := NewHTTPIdentityMirror(srv.URL, "test-key", time.Second)
	id, ok, err := mirror.FetchDeviceID(context.Background())
	if err != nil {
		t.Fatalf("FetchDeviceID: %v", err)
	}
	if !ok || id != known {
		t.Fatalf("FetchDeviceID = (%v, %v), want (%v, true)", id, ok, known)
	}

	local := uuid.New()
	if err := mirror.Mirror(context.Background(), local); err != nil {
		t.Fatalf("Mirror: %v", err)
	}
	if mirrored != local.String() {
		t.Errorf("mirrored identity = %q, want %q", mirrored, local)
	}
}

// TestIdentityMirrorUnknownInstall verifies a 404 from the identity route
// reports "no identity" without error.
func TestIdentityMirrorUnknownInstall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"not_found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	mirror := NewHTTPIdentityMirror(srv.URL, "test-key", time.Second)
	id, ok, err := mirror.FetchDeviceID(context.Background())
	if err != nil {
		t.Fatalf("FetchDeviceID: %v", err)
	}
	if ok || id != uuid.Nil {
		t.Errorf("FetchDeviceID = (%v, %v), want (Nil, false)", id, ok)
	}
}
