package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/claude/squatcoach/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const defaultPayloadVersion = "v1"

type evaluateRequest struct {
	DeviceID       string          `json:"device_id"`
	AttemptIndex   *int            `json:"attempt_index"`
	PayloadVersion string          `json:"payload_version"`
	Input          EvalInput       `json:"input"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

type evaluateResponse struct {
	CorrelationID  string                  `json:"correlation_id"`
	State          EvalState               `json:"state"`
	SessionID      string                  `json:"session_id"`
	AttemptID      string                  `json:"attempt_id"`
	PayloadVersion string                  `json:"payload_version"`
	FallbackUsed   bool                    `json:"fallback_used"`
	Reason         string                  `json:"reason,omitempty"`
	Request        json.RawMessage         `json:"request"`
	Response       json.RawMessage         `json:"response"`
	Moderation     json.RawMessage         `json:"moderation"`
	RateLimit      storage.RateLimitWindow `json:"rate_limit"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	correlationID := uuid.New()
	state := StateReceived
	log := s.log.With("correlation_id", correlationID)

	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"correlation_id": correlationID,
			"state":          EvalTransition(state, EvalEvent{Kind: EvalValidationFailed}),
			"error":          "Invalid JSON body",
		})
		return
	}

	deviceID, details := validateEvaluate(&req)
	if len(details) > 0 {
		state = EvalTransition(state, EvalEvent{Kind: EvalValidationFailed})
		log.Info("evaluate rejected", "state", state, "details", details)
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"correlation_id": correlationID,
			"state":          state,
			"error":          "invalid_body",
			"details":        details,
		})
		return
	}
	state = EvalTransition(state, EvalEvent{Kind: EvalValidationSucceeded})
	attemptIndex := *req.AttemptIndex

	ctx := r.Context()

	// A replayed attempt index always gets the original outcome back, even
	// when the current window is exhausted.
	existing, err := s.db.FindAttempt(ctx, deviceID, attemptIndex)
	if err != nil {
		s.internalError(w, log, correlationID, state, err)
		return
	}
	if existing != nil {
		s.writeDuplicate(ctx, w, log, correlationID, deviceID, existing)
		return
	}

	rate, err := s.db.CheckRateLimit(ctx, deviceID, s.cfg.RateLimitWindowSeconds, s.cfg.RateLimitAttempts)
	if err != nil {
		s.internalError(w, log, correlationID, state, err)
		return
	}
	if !rate.Allowed {
		state = EvalTransition(state, EvalEvent{Kind: EvalRateLimited})
		log.Info("evaluate rate limited", "device_id", deviceID, "attempt_count", rate.AttemptCount)
		writeJSON(w, http.StatusTooManyRequests, s.rateLimitedBody(correlationID, rate))
		return
	}

	state = EvalTransition(state, EvalEvent{Kind: EvalLLMDelegated})

	llmCtx, cancel := context.WithTimeout(ctx, s.cfg.LLMTimeout)
	result, llmErr := s.llm.Generate(llmCtx, req.Input)
	cancel()

	fallbackUsed := false
	reason := ""
	if llmErr != nil {
		fallbackUsed = true
		failure := LLMProviderError
		reason = "llm_error"
		if errors.Is(llmErr, context.DeadlineExceeded) || errors.Is(llmCtx.Err(), context.DeadlineExceeded) {
			failure = LLMTimeout
			reason = "llm_timeout"
		}
		state = EvalTransition(state, EvalEvent{Kind: EvalLLMFailed, FailureReason: failure})
		result = fallbackResult(s.cfg.LLMModel, req.Input.Prompt)
		log.Warn("llm fallback", "reason", reason, "error", llmErr)
	} else {
		state = EvalTransition(state, EvalEvent{Kind: EvalLLMSucceeded})
	}

	requestPayload := mustMarshal(map[string]any{
		"input":         req.Input,
		"metadata":      rawOrNull(req.Metadata),
		"attempt_index": attemptIndex,
	})
	responsePayload := mustMarshal(result.Response)
	moderationPayload := mustMarshal(result.Moderation)

	finalState := state
	decision := "completed"
	if fallbackUsed {
		decision = reason
	} else {
		finalState = EvalTransition(state, EvalEvent{Kind: EvalPersisted})
	}

	persisted, err := s.db.PersistEvaluation(ctx, storage.PersistEvaluationParams{
		DeviceID:          deviceID,
		AttemptIndex:      attemptIndex,
		PayloadVersion:    req.PayloadVersion,
		RequestPayload:    requestPayload,
		LLMResponse:       responsePayload,
		ModerationPayload: moderationPayload,
		State:             string(finalState),
		Reason:            reason,
		FallbackUsed:      fallbackUsed,
		CorrelationID:     correlationID,
		Decision:          decision,
		WindowSeconds:     s.cfg.RateLimitWindowSeconds,
		MaxAttempts:       s.cfg.RateLimitAttempts,
	})
	if err != nil {
		s.internalError(w, log, correlationID, state, err)
		return
	}

	switch persisted.Status {
	case storage.PersistRateLimited:
		limited := storage.RateLimitSnapshot{
			Allowed:      false,
			AttemptCount: persisted.AttemptCount,
			WindowStart:  persisted.WindowStart,
		}
		writeJSON(w, http.StatusTooManyRequests, s.rateLimitedBody(correlationID, limited))
		return
	case storage.PersistDuplicate:
		s.writeDuplicate(ctx, w, log, correlationID, deviceID, persisted.Attempt)
		return
	}

	log.Info("evaluate completed",
		"device_id", deviceID,
		"attempt_index", attemptIndex,
		"state", finalState,
		"fallback_used", fallbackUsed,
	)
	writeJSON(w, http.StatusOK, evaluateResponse{
		CorrelationID:  correlationID.String(),
		State:          finalState,
		SessionID:      persisted.Attempt.SessionID.String(),
		AttemptID:      persisted.Attempt.ID.String(),
		PayloadVersion: persisted.Attempt.PayloadVersion,
		FallbackUsed:   fallbackUsed,
		Reason:         reason,
		Request:        requestPayload,
		Response:       responsePayload,
		Moderation:     moderationPayload,
		RateLimit: s.windowPayload(storage.RateLimitSnapshot{
			Allowed:      true,
			AttemptCount: persisted.AttemptCount,
			WindowStart:  persisted.WindowStart,
		}),
	})
}

// validateEvaluate normalizes defaults in place and returns field-level
// validation failures.
func validateEvaluate(req *evaluateRequest) (uuid.UUID, []string) {
	var details []string
	deviceID, err := uuid.Parse(req.DeviceID)
	if req.DeviceID == "" || err != nil {
		details = append(details, "device_id must be a UUID")
	}
	if req.AttemptIndex == nil || *req.AttemptIndex < 0 {
		details = append(details, "attempt_index must be a non-negative integer")
	}
	if req.Input.Prompt == "" {
		details = append(details, "input.prompt must not be empty")
	}
	if req.PayloadVersion == "" {
		req.PayloadVersion = defaultPayloadVersion
	}
	return deviceID, details
}

func (s *Server) writeDuplicate(ctx context.Context, w http.ResponseWriter, log logger, correlationID uuid.UUID, deviceID uuid.UUID, attempt *storage.PersistedAttempt) {
	rate, err := s.db.CheckRateLimit(ctx, deviceID, s.cfg.RateLimitWindowSeconds, s.cfg.RateLimitAttempts)
	if err != nil {
		log.Warn("rate limit snapshot for duplicate replay failed", "error", err)
	}
	log.Info("evaluate duplicate replay",
		"device_id", deviceID,
		"attempt_index", attempt.AttemptIndex,
		"attempt_id", attempt.ID,
	)
	writeJSON(w, http.StatusConflict, map[string]any{
		"correlation_id":  correlationID,
		"state":           attempt.State,
		"reason":          "duplicate_attempt",
		"session_id":      attempt.SessionID,
		"attempt_id":      attempt.ID,
		"payload_version": attempt.PayloadVersion,
		"fallback_used":   attempt.FallbackUsed,
		"request":         attempt.RequestPayload,
		"response":        attempt.LLMResponse,
		"moderation":      attempt.ModerationPayload,
		"rate_limit":      s.windowPayload(rate),
	})
}

func (s *Server) rateLimitedBody(correlationID uuid.UUID, rate storage.RateLimitSnapshot) map[string]any {
	return map[string]any{
		"correlation_id": correlationID,
		"state":          StateRateLimited,
		"reason":         "rate_limited",
		"fallback_used":  true,
		"rate_limit":     s.windowPayload(rate),
	}
}

func (s *Server) windowPayload(rate storage.RateLimitSnapshot) storage.RateLimitWindow {
	return storage.RateLimitWindow{
		Allowed:       rate.Allowed,
		AttemptCount:  rate.AttemptCount,
		WindowStart:   rate.WindowStart,
		Limit:         s.cfg.RateLimitAttempts,
		WindowSeconds: s.cfg.RateLimitWindowSeconds,
	}
}

func (s *Server) internalError(w http.ResponseWriter, log logger, correlationID uuid.UUID, state EvalState, err error) {
	log.Error("evaluate failed", "state", state, "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]any{
		"correlation_id": correlationID,
		"state":          state,
		"error":          "internal_error",
	})
}

type attemptLogRequest struct {
	DeviceID     string          `json:"device_id"`
	AttemptIndex *int            `json:"attempt_index"`
	Stage        string          `json:"stage"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

func (s *Server) handleLogAttempt(w http.ResponseWriter, r *http.Request) {
	var req attemptLogRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	deviceID, err := uuid.Parse(req.DeviceID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "device_id must be a UUID"})
		return
	}
	if req.AttemptIndex == nil || *req.AttemptIndex < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "attempt_index must be a non-negative integer"})
		return
	}
	if req.Stage != "start" && req.Stage != "completion" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "stage must be start or completion"})
		return
	}

	row, err := s.db.InsertAttemptLog(r.Context(), deviceID, *req.AttemptIndex, req.Stage, req.Metadata)
	if err != nil {
		s.log.Error("insert attempt log failed", "device_id", deviceID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to record attempt"})
		return
	}
	writeJSON(w, http.StatusCreated, row)
}

func (s *Server) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	var deviceID *uuid.UUID
	if raw := r.URL.Query().Get("device_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "device_id must be a UUID"})
			return
		}
		deviceID = &id
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	rows, err := s.db.ListAttemptLogs(r.Context(), deviceID, limit)
	if err != nil {
		s.log.Error("list attempt logs failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list attempts"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": rows, "count": len(rows)})
}

func (s *Server) handleListLockedDevices(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	rows, err := s.db.ListLockedDevices(r.Context(), limit)
	if err != nil {
		s.log.Error("list locked devices failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list locked devices"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": rows, "count": len(rows)})
}

func (s *Server) handleCurrentDevice(w http.ResponseWriter, r *http.Request) {
	row, err := s.db.LatestDevice(r.Context())
	if err != nil {
		s.log.Error("lookup current device failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to look up device"})
		return
	}
	if row == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no device registered"})
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) handlePutDevice(w http.ResponseWriter, r *http.Request) {
	deviceID, err := uuid.Parse(chi.URLParam(r, "device_id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "device_id must be a UUID"})
		return
	}
	row, err := s.db.UpsertDevice(r.Context(), deviceID)
	if err != nil {
		s.log.Error("upsert device failed", "device_id", deviceID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to register device"})
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) handleGetQuota(w http.ResponseWriter, r *http.Request) {
	deviceID, err := uuid.Parse(chi.URLParam(r, "device_id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "device_id must be a UUID"})
		return
	}
	snapshot, err := s.db.GetQuotaSnapshot(r.Context(), deviceID)
	if err != nil {
		s.log.Error("get quota snapshot failed", "device_id", deviceID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load quota"})
		return
	}
	if snapshot == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no quota snapshot for device"})
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handlePutQuota(w http.ResponseWriter, r *http.Request) {
	deviceID, err := uuid.Parse(chi.URLParam(r, "device_id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "device_id must be a UUID"})
		return
	}
	var snapshot storage.QuotaSnapshotRow
	if err := json.NewDecoder(r.Body).Decode(&snapshot); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if snapshot.AttemptsUsed < 0 || snapshot.ActiveAttempt < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "counters must be non-negative"})
		return
	}
	if err := s.db.UpsertQuotaSnapshot(r.Context(), deviceID, snapshot); err != nil {
		s.log.Error("upsert quota snapshot failed", "device_id", deviceID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to store quota"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// logger lets the correlation-scoped *slog.Logger pass through helpers
// without repeating the full type.
type logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

func rawOrNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`null`)
	}
	return raw
}
