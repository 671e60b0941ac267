package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/claude/squatcoach/internal/storage"
	"github.com/google/uuid"
)

const testAPIKey = "test-key"

type fakeStore struct {
	attempts map[string]*storage.PersistedAttempt
	logs     []storage.AttemptLogRow
	devices  map[uuid.UUID]*storage.DeviceIdentityRow
	quotas   map[uuid.UUID]storage.QuotaSnapshotRow
	rate     storage.RateLimitSnapshot

	persistRateLimited bool
	persistDuplicate   *storage.PersistedAttempt
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		attempts: map[string]*storage.PersistedAttempt{},
		devices:  map[uuid.UUID]*storage.DeviceIdentityRow{},
		quotas:   map[uuid.UUID]storage.QuotaSnapshotRow{},
		rate:     storage.RateLimitSnapshot{Allowed: true, WindowStart: time.Now().UTC()},
	}
}

func attemptKey(deviceID uuid.UUID, index int) string {
	return fmt.Sprintf("%s|%d", deviceID, index)
}

func (f *fakeStore) FindAttempt(_ context.Context, deviceID uuid.UUID, attemptIndex int) (*storage.PersistedAttempt, error) {
	return f.attempts[attemptKey(deviceID, attemptIndex)], nil
}

func (f *fakeStore) CheckRateLimit(context.Context, uuid.UUID, int, int) (storage.RateLimitSnapshot, error) {
	return f.rate, nil
}

func (f *fakeStore) PersistEvaluation(_ context.Context, params storage.PersistEvaluationParams) (storage.PersistResult, error) {
	if f.persistRateLimited {
		return storage.PersistResult{
			Status:       storage.PersistRateLimited,
			AttemptCount: f.rate.AttemptCount,
			WindowStart:  f.rate.WindowStart,
		}, nil
	}
	if f.persistDuplicate != nil {
		return storage.PersistResult{Status: storage.PersistDuplicate, Attempt: f.persistDuplicate}, nil
	}
	attempt := &storage.PersistedAttempt{
		ID:                uuid.New(),
		SessionID:         uuid.New(),
		DeviceID:          params.DeviceID,
		AttemptIndex:      params.AttemptIndex,
		PayloadVersion:    params.PayloadVersion,
		RequestPayload:    params.RequestPayload,
		LLMResponse:       params.LLMResponse,
		ModerationPayload: params.ModerationPayload,
		State:             params.State,
		Reason:            params.Reason,
		FallbackUsed:      params.FallbackUsed,
		CreatedAt:         time.Now().UTC(),
	}
	f.attempts[attemptKey(params.DeviceID, params.AttemptIndex)] = attempt
	return storage.PersistResult{
		Status:       storage.PersistCreated,
		Attempt:      attempt,
		AttemptCount: f.rate.AttemptCount + 1,
		WindowStart:  f.rate.WindowStart,
	}, nil
}

func (f *fakeStore) InsertAttemptLog(_ context.Context, deviceID uuid.UUID, attemptIndex int, stage string, metadata json.RawMessage) (*storage.AttemptLogRow, error) {
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}
	row := storage.AttemptLogRow{
		ID:           uuid.New(),
		DeviceID:     deviceID,
		AttemptIndex: attemptIndex,
		Stage:        stage,
		Metadata:     metadata,
		CreatedAt:    time.Now().UTC(),
	}
	f.logs = append(f.logs, row)
	return &row, nil
}

func (f *fakeStore) ListAttemptLogs(_ context.Context, deviceID *uuid.UUID, limit int) ([]storage.AttemptLogRow, error) {
	var out []storage.AttemptLogRow
	for _, row := range f.logs {
		if deviceID != nil && row.DeviceID != *deviceID {
			continue
		}
		out = append(out, row)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) UpsertDevice(_ context.Context, deviceID uuid.UUID) (*storage.DeviceIdentityRow, error) {
	row := &storage.DeviceIdentityRow{DeviceID: deviceID, CreatedAt: time.Now().UTC(), LastSeenAt: time.Now().UTC()}
	f.devices[deviceID] = row
	return row, nil
}

func (f *fakeStore) LatestDevice(context.Context) (*storage.DeviceIdentityRow, error) {
	var latest *storage.DeviceIdentityRow
	for _, row := range f.devices {
		if latest == nil || row.LastSeenAt.After(latest.LastSeenAt) {
			latest = row
		}
	}
	return latest, nil
}

func (f *fakeStore) GetQuotaSnapshot(_ context.Context, deviceID uuid.UUID) (*storage.QuotaSnapshotRow, error) {
	snapshot, ok := f.quotas[deviceID]
	if !ok {
		return nil, nil
	}
	return &snapshot, nil
}

func (f *fakeStore) UpsertQuotaSnapshot(_ context.Context, deviceID uuid.UUID, snapshot storage.QuotaSnapshotRow) error {
	f.quotas[deviceID] = snapshot
	return nil
}

func (f *fakeStore) ListLockedDevices(_ context.Context, limit int) ([]storage.LockedDeviceRow, error) {
	if limit <= 0 {
		limit = 100
	}
	var locked []storage.LockedDeviceRow
	for deviceID, snapshot := range f.quotas {
		if len(snapshot.ServerLockReason) == 0 {
			continue
		}
		locked = append(locked, storage.LockedDeviceRow{
			DeviceID:         deviceID,
			AttemptsUsed:     snapshot.AttemptsUsed,
			ServerLockReason: snapshot.ServerLockReason,
			UpdatedAt:        snapshot.UpdatedAt,
		})
		if len(locked) == limit {
			break
		}
	}
	return locked, nil
}

type failingLLM struct{ err error }

func (p *failingLLM) Generate(context.Context, EvalInput) (LLMResult, error) {
	return LLMResult{}, p.err
}

// stalledLLM blocks until the handler's timeout fires.
type stalledLLM struct{}

func (p *stalledLLM) Generate(ctx context.Context, _ EvalInput) (LLMResult, error) {
	<-ctx.Done()
	return LLMResult{}, ctx.Err()
}

func newTestServer(store Store, llm LLMProvider) *Server {
	cfg := EvalConfig{
		RateLimitAttempts:      3,
		RateLimitWindowSeconds: 60,
		LLMTimeout:             time.Second,
		LLMModel:               "gpt-4o-mini",
	}
	return New(store, llm, cfg, testAPIKey, slog.New(slog.DiscardHandler))
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshaling request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", testAPIKey)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var decoded map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return decoded
}

func evaluateBody(deviceID uuid.UUID, attemptIndex int, prompt string) map[string]any {
	return map[string]any{
		"device_id":     deviceID.String(),
		"attempt_index": attemptIndex,
		"input":         map[string]any{"prompt": prompt},
	}
}

func TestEvaluateRequiresAPIKey(t *testing.T) {
	s := newTestServer(newFakeStore(), &StubLLMProvider{Model: "gpt-4o-mini"})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/evaluate", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestEvaluateHappyPath(t *testing.T) {
	store := newFakeStore()
	s := newTestServer(store, &StubLLMProvider{Model: "gpt-4o-mini"})
	deviceID := uuid.New()

	rec := doJSON(t, s, http.MethodPost, "/api/v1/evaluate", evaluateBody(deviceID, 0, "I finished 12 squats, how did I do?"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["state"] != string(StateCompleted) {
		t.Errorf("state = %v, want %s", body["state"], StateCompleted)
	}
	if body["fallback_used"] != false {
		t.Errorf("fallback_used = %v, want false", body["fallback_used"])
	}
	if body["payload_version"] != "v1" {
		t.Errorf("payload_version = %v, want v1", body["payload_version"])
	}
	rate, ok := body["rate_limit"].(map[string]any)
	if !ok {
		t.Fatalf("rate_limit missing: %v", body)
	}
	if rate["allowed"] != true {
		t.Errorf("rate_limit.allowed = %v, want true", rate["allowed"])
	}
	if rate["limit"] != float64(3) {
		t.Errorf("rate_limit.limit = %v, want 3", rate["limit"])
	}
	response, ok := body["response"].(map[string]any)
	if !ok {
		t.Fatalf("response missing: %v", body)
	}
	summary, _ := response["summary"].(string)
	if !strings.HasPrefix(summary, "Coach insight for prompt hash ") {
		t.Errorf("summary = %q, want coach insight prefix", summary)
	}
}

func TestEvaluateInvalidJSON(t *testing.T) {
	s := newTestServer(newFakeStore(), &StubLLMProvider{Model: "gpt-4o-mini"})

	rec := doJSON(t, s, http.MethodPost, "/api/v1/evaluate", "{not json")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["state"] != string(StateRejected) {
		t.Errorf("state = %v, want %s", body["state"], StateRejected)
	}
}

func TestEvaluateValidationFailure(t *testing.T) {
	s := newTestServer(newFakeStore(), &StubLLMProvider{Model: "gpt-4o-mini"})

	rec := doJSON(t, s, http.MethodPost, "/api/v1/evaluate", map[string]any{
		"device_id":     "not-a-uuid",
		"attempt_index": -1,
		"input":         map[string]any{"prompt": ""},
	})

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["error"] != "invalid_body" {
		t.Errorf("error = %v, want invalid_body", body["error"])
	}
	details, ok := body["details"].([]any)
	if !ok || len(details) != 3 {
		t.Errorf("details = %v, want three failures", body["details"])
	}
}

func TestEvaluateDuplicateReplay(t *testing.T) {
	store := newFakeStore()
	deviceID := uuid.New()
	prior := &storage.PersistedAttempt{
		ID:             uuid.New(),
		SessionID:      uuid.New(),
		DeviceID:       deviceID,
		AttemptIndex:   1,
		PayloadVersion: "v1",
		State:          string(StateCompleted),
		LLMResponse:    json.RawMessage(`{"summary":"original"}`),
	}
	store.attempts[attemptKey(deviceID, 1)] = prior
	s := newTestServer(store, &StubLLMProvider{Model: "gpt-4o-mini"})

	rec := doJSON(t, s, http.MethodPost, "/api/v1/evaluate", evaluateBody(deviceID, 1, "replayed"))

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["reason"] != "duplicate_attempt" {
		t.Errorf("reason = %v, want duplicate_attempt", body["reason"])
	}
	if body["attempt_id"] != prior.ID.String() {
		t.Errorf("attempt_id = %v, want %s", body["attempt_id"], prior.ID)
	}
	response, _ := body["response"].(map[string]any)
	if response["summary"] != "original" {
		t.Errorf("response = %v, want the original payload replayed", body["response"])
	}
}

func TestEvaluateRateLimited(t *testing.T) {
	store := newFakeStore()
	store.rate = storage.RateLimitSnapshot{Allowed: false, AttemptCount: 3, WindowStart: time.Now().UTC()}
	s := newTestServer(store, &StubLLMProvider{Model: "gpt-4o-mini"})

	rec := doJSON(t, s, http.MethodPost, "/api/v1/evaluate", evaluateBody(uuid.New(), 0, "too many"))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["state"] != string(StateRateLimited) {
		t.Errorf("state = %v, want %s", body["state"], StateRateLimited)
	}
	if body["reason"] != "rate_limited" {
		t.Errorf("reason = %v, want rate_limited", body["reason"])
	}
	if body["fallback_used"] != true {
		t.Errorf("fallback_used = %v, want true", body["fallback_used"])
	}
}

func TestEvaluatePersistRateLimitedRace(t *testing.T) {
	store := newFakeStore()
	store.persistRateLimited = true
	store.rate.AttemptCount = 3
	s := newTestServer(store, &StubLLMProvider{Model: "gpt-4o-mini"})

	rec := doJSON(t, s, http.MethodPost, "/api/v1/evaluate", evaluateBody(uuid.New(), 0, "race"))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
}

func TestEvaluatePersistDuplicateRace(t *testing.T) {
	store := newFakeStore()
	deviceID := uuid.New()
	store.persistDuplicate = &storage.PersistedAttempt{
		ID:           uuid.New(),
		SessionID:    uuid.New(),
		DeviceID:     deviceID,
		AttemptIndex: 2,
		State:        string(StateCompleted),
	}
	s := newTestServer(store, &StubLLMProvider{Model: "gpt-4o-mini"})

	rec := doJSON(t, s, http.MethodPost, "/api/v1/evaluate", evaluateBody(deviceID, 2, "race"))

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestEvaluateLLMTimeoutFallsBack(t *testing.T) {
	store := newFakeStore()
	s := newTestServer(store, &stalledLLM{})
	s.cfg.LLMTimeout = 20 * time.Millisecond

	rec := doJSON(t, s, http.MethodPost, "/api/v1/evaluate", evaluateBody(uuid.New(), 0, "slow model"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["state"] != string(StateFallbackTimeout) {
		t.Errorf("state = %v, want %s", body["state"], StateFallbackTimeout)
	}
	if body["reason"] != "llm_timeout" {
		t.Errorf("reason = %v, want llm_timeout", body["reason"])
	}
	if body["fallback_used"] != true {
		t.Errorf("fallback_used = %v, want true", body["fallback_used"])
	}
	response, _ := body["response"].(map[string]any)
	summary, _ := response["summary"].(string)
	if !strings.HasPrefix(summary, "Fallback response for prompt ") {
		t.Errorf("summary = %q, want fallback prefix", summary)
	}
}

func TestEvaluateLLMErrorFallsBack(t *testing.T) {
	store := newFakeStore()
	s := newTestServer(store, &failingLLM{err: fmt.Errorf("upstream exploded")})

	rec := doJSON(t, s, http.MethodPost, "/api/v1/evaluate", evaluateBody(uuid.New(), 0, "broken model"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["state"] != string(StateFallbackDeny) {
		t.Errorf("state = %v, want %s", body["state"], StateFallbackDeny)
	}
	if body["reason"] != "llm_error" {
		t.Errorf("reason = %v, want llm_error", body["reason"])
	}
}

func TestLogAttemptAndList(t *testing.T) {
	store := newFakeStore()
	s := newTestServer(store, &StubLLMProvider{Model: "gpt-4o-mini"})
	deviceID := uuid.New()

	rec := doJSON(t, s, http.MethodPost, "/api/v1/attempts", map[string]any{
		"device_id":     deviceID.String(),
		"attempt_index": 1,
		"stage":         "start",
		"metadata":      map[string]any{"source": "squat_session"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s, http.MethodGet, "/api/v1/attempts?device_id="+deviceID.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["count"] != float64(1) {
		t.Errorf("count = %v, want 1", body["count"])
	}
}

func TestLogAttemptRejectsUnknownStage(t *testing.T) {
	s := newTestServer(newFakeStore(), &StubLLMProvider{Model: "gpt-4o-mini"})

	rec := doJSON(t, s, http.MethodPost, "/api/v1/attempts", map[string]any{
		"device_id":     uuid.New().String(),
		"attempt_index": 1,
		"stage":         "halfway",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestDeviceRegistrationAndLookup(t *testing.T) {
	store := newFakeStore()
	s := newTestServer(store, &StubLLMProvider{Model: "gpt-4o-mini"})

	rec := doJSON(t, s, http.MethodGet, "/api/v1/devices/current", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("empty lookup status = %d, want 404", rec.Code)
	}

	deviceID := uuid.New()
	rec = doJSON(t, s, http.MethodPut, "/api/v1/devices/"+deviceID.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("register status = %d, want 200", rec.Code)
	}

	rec = doJSON(t, s, http.MethodGet, "/api/v1/devices/current", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("lookup status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["device_id"] != deviceID.String() {
		t.Errorf("device_id = %v, want %s", body["device_id"], deviceID)
	}
}

func TestQuotaSnapshotRoundTrip(t *testing.T) {
	store := newFakeStore()
	s := newTestServer(store, &StubLLMProvider{Model: "gpt-4o-mini"})
	deviceID := uuid.New()

	rec := doJSON(t, s, http.MethodGet, "/api/v1/quota/"+deviceID.String(), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing snapshot status = %d, want 404", rec.Code)
	}

	rec = doJSON(t, s, http.MethodPut, "/api/v1/quota/"+deviceID.String(), map[string]any{
		"attempts_used":        1,
		"active_attempt_index": 0,
		"last_decision":        map[string]any{"kind": "allowSecondAttempt", "timestamp": time.Now().UTC().Format(time.RFC3339)},
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("put status = %d, want 204; body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s, http.MethodGet, "/api/v1/quota/"+deviceID.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["attempts_used"] != float64(1) {
		t.Errorf("attempts_used = %v, want 1", body["attempts_used"])
	}
}

// TestListLockedDevices verifies the locked-devices report includes only
// devices whose snapshot carries a server lock reason.
func TestListLockedDevices(t *testing.T) {
	store := newFakeStore()
	s := newTestServer(store, &StubLLMProvider{Model: "gpt-4o-mini"})
	lockedID := uuid.New()
	openID := uuid.New()
	store.quotas[lockedID] = storage.QuotaSnapshotRow{
		AttemptsUsed:     2,
		ServerLockReason: []byte(`{"kind":"quota_exhausted"}`),
	}
	store.quotas[openID] = storage.QuotaSnapshotRow{AttemptsUsed: 1}

	rec := doJSON(t, s, http.MethodGet, "/api/v1/quota/locked", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["count"] != float64(1) {
		t.Fatalf("count = %v, want 1", body["count"])
	}
	devices, ok := body["devices"].([]any)
	if !ok || len(devices) != 1 {
		t.Fatalf("devices = %v, want one entry", body["devices"])
	}
	entry := devices[0].(map[string]any)
	if entry["device_id"] != lockedID.String() {
		t.Errorf("device_id = %v, want %v", entry["device_id"], lockedID)
	}
}

// TestListLockedDevicesRejectsBadLimit verifies limit validation.
func TestListLockedDevicesRejectsBadLimit(t *testing.T) {
	s := newTestServer(newFakeStore(), &StubLLMProvider{Model: "gpt-4o-mini"})

	rec := doJSON(t, s, http.MethodGet, "/api/v1/quota/locked?limit=zero", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestQuotaSnapshotRejectsNegativeCounters(t *testing.T) {
	s := newTestServer(newFakeStore(), &StubLLMProvider{Model: "gpt-4o-mini"})

	rec := doJSON(t, s, http.MethodPut, "/api/v1/quota/"+uuid.New().String(), map[string]any{
		"attempts_used": -1,
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
