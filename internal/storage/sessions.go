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

// PersistedSession is one evaluate-session row.
type PersistedSession struct {
	ID             uuid.UUID       `json:"id"`
	DeviceID       uuid.UUID       `json:"device_id"`
	SessionState   string          `json:"session_state"`
	LLMPayload     json.RawMessage `json:"llm_payload"`
	PayloadVersion string          `json:"payload_version"`
	FallbackUsed   bool            `json:"fallback_used"`
	Decision       string          `json:"decision"`
	CorrelationID  uuid.UUID       `json:"correlation_id"`
	CreatedAt      time.Time       `json:"created_at"`
}

// PersistedAttempt is one demo-attempt row. (device_id, attempt_index) is
// unique: the same attempt evaluated twice re-serves the first result.
type PersistedAttempt struct {
	ID                   uuid.UUID       `json:"id"`
	SessionID            uuid.UUID       `json:"session_id"`
	DeviceID             uuid.UUID       `json:"device_id"`
	AttemptIndex         int             `json:"attempt_index"`
	PayloadVersion       string          `json:"payload_version"`
	RequestPayload       json.RawMessage `json:"request_payload"`
	LLMResponse          json.RawMessage `json:"llm_response"`
	ModerationPayload    json.RawMessage `json:"moderation_payload"`
	State                string          `json:"state"`
	Reason               string          `json:"reason,omitempty"`
	FallbackUsed         bool            `json:"fallback_used"`
	RateLimitWindowStart *time.Time      `json:"rate_limit_window_start,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
}

// RateLimitSnapshot is the outcome of a rate-limit check.
type RateLimitSnapshot struct {
	Allowed      bool      `json:"allowed"`
	AttemptCount int       `json:"attempt_count"`
	WindowStart  time.Time `json:"window_start"`
}

// RateLimitWindow is the rate-limit snapshot as serialized in API
// responses, with the configured bounds attached.
type RateLimitWindow struct {
	Allowed       bool      `json:"allowed"`
	AttemptCount  int       `json:"attempt_count"`
	WindowStart   time.Time `json:"window_start"`
	Limit         int       `json:"limit"`
	WindowSeconds int       `json:"window_seconds"`
}

// PersistStatus discriminates persistence outcomes.
type PersistStatus string

const (
	PersistCreated     PersistStatus = "created"
	PersistDuplicate   PersistStatus = "duplicate"
	PersistRateLimited PersistStatus = "rate_limited"
)

// PersistResult reports what PersistEvaluation did. Session and Attempt are
// set for created; Attempt alone for duplicate; AttemptCount/WindowStart
// for rate_limited.
type PersistResult struct {
	Status       PersistStatus
	Session      *PersistedSession
	Attempt      *PersistedAttempt
	AttemptCount int
	WindowStart  time.Time
}

// PersistEvaluationParams carries one evaluation to persist.
type PersistEvaluationParams struct {
	DeviceID          uuid.UUID
	AttemptIndex      int
	PayloadVersion    string
	RequestPayload    json.RawMessage
	LLMResponse       json.RawMessage
	ModerationPayload json.RawMessage
	State             string
	Reason            string
	FallbackUsed      bool
	CorrelationID     uuid.UUID
	Decision          string
	WindowSeconds     int
	MaxAttempts       int
}

const attemptColumns = `id, session_id, device_id, attempt_index, payload_version,
	request_payload, llm_response, moderation_payload, state, reason,
	fallback_used, rate_limit_window_start, created_at`

// FindAttempt returns the attempt for (deviceID, attemptIndex), or nil when
// none exists.
func (db *DB) FindAttempt(ctx context.Context, deviceID uuid.UUID, attemptIndex int) (*PersistedAttempt, error) {
	row := db.Pool.QueryRow(ctx, `SELECT `+attemptColumns+`
		FROM demo_attempts WHERE device_id = $1 AND attempt_index = $2`,
		deviceID, attemptIndex)
	attempt, err := scanAttempt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying demo attempt: %w", err)
	}
	return attempt, nil
}

// CheckRateLimit counts the device's attempts inside the sliding window.
func (db *DB) CheckRateLimit(ctx context.Context, deviceID uuid.UUID, windowSeconds, maxAttempts int) (RateLimitSnapshot, error) {
	var count int
	var windowStart *time.Time
	err := db.Pool.QueryRow(ctx, `SELECT COUNT(*), MIN(created_at)
		FROM demo_attempts
		WHERE device_id = $1 AND created_at > now() - make_interval(secs => $2)`,
		deviceID, windowSeconds).Scan(&count, &windowStart)
	if err != nil {
		return RateLimitSnapshot{}, fmt.Errorf("checking rate limit: %w", err)
	}

	snapshot := RateLimitSnapshot{
		Allowed:      count < maxAttempts,
		AttemptCount: count,
		WindowStart:  time.Now().UTC(),
	}
	if windowStart != nil {
		snapshot.WindowStart = *windowStart
	}
	return snapshot, nil
}

// PersistEvaluation stores one evaluation atomically: it re-checks the rate
// limit inside the transaction, inserts the session row, and inserts the
// attempt row. A conflicting attempt index resolves to duplicate with the
// prior row re-served.
func (db *DB) PersistEvaluation(ctx context.Context, params PersistEvaluationParams) (PersistResult, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return PersistResult{}, fmt.Errorf("beginning persist tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var count int
	var windowStart *time.Time
	err = tx.QueryRow(ctx, `SELECT COUNT(*), MIN(created_at)
		FROM demo_attempts
		WHERE device_id = $1 AND created_at > now() - make_interval(secs => $2)`,
		params.DeviceID, params.WindowSeconds).Scan(&count, &windowStart)
	if err != nil {
		return PersistResult{}, fmt.Errorf("checking rate limit in tx: %w", err)
	}
	if count >= params.MaxAttempts {
		start := time.Now().UTC()
		if windowStart != nil {
			start = *windowStart
		}
		return PersistResult{Status: PersistRateLimited, AttemptCount: count, WindowStart: start}, nil
	}

	var session PersistedSession
	err = tx.QueryRow(ctx, `INSERT INTO evaluate_sessions
		(device_id, session_state, llm_payload, payload_version, fallback_used, decision, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, device_id, session_state, llm_payload, payload_version, fallback_used, decision, correlation_id, created_at`,
		params.DeviceID, params.State, params.LLMResponse, params.PayloadVersion,
		params.FallbackUsed, params.Decision, params.CorrelationID,
	).Scan(&session.ID, &session.DeviceID, &session.SessionState, &session.LLMPayload,
		&session.PayloadVersion, &session.FallbackUsed, &session.Decision,
		&session.CorrelationID, &session.CreatedAt)
	if err != nil {
		return PersistResult{}, fmt.Errorf("inserting evaluate session: %w", err)
	}

	row := tx.QueryRow(ctx, `INSERT INTO demo_attempts
		(session_id, device_id, attempt_index, payload_version, request_payload,
		 llm_response, moderation_payload, state, reason, fallback_used, rate_limit_window_start)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11)
		ON CONFLICT (device_id, attempt_index) DO NOTHING
		RETURNING `+attemptColumns,
		session.ID, params.DeviceID, params.AttemptIndex, params.PayloadVersion,
		params.RequestPayload, params.LLMResponse, params.ModerationPayload,
		params.State, params.Reason, params.FallbackUsed, windowStart)
	attempt, err := scanAttempt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Lost the race to another request for this attempt index; abandon
		// our session row and re-serve the winner's result.
		_ = tx.Rollback(ctx)
		existing, findErr := db.FindAttempt(ctx, params.DeviceID, params.AttemptIndex)
		if findErr != nil {
			return PersistResult{}, findErr
		}
		if existing == nil {
			return PersistResult{}, fmt.Errorf("attempt conflict for device %s index %d but no row found", params.DeviceID, params.AttemptIndex)
		}
		return PersistResult{Status: PersistDuplicate, Attempt: existing}, nil
	}
	if err != nil {
		return PersistResult{}, fmt.Errorf("inserting demo attempt: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return PersistResult{}, fmt.Errorf("committing persist tx: %w", err)
	}
	return PersistResult{
		Status:       PersistCreated,
		Session:      &session,
		Attempt:      attempt,
		AttemptCount: count + 1,
		WindowStart:  snapshotWindow(windowStart, attempt.CreatedAt),
	}, nil
}

func snapshotWindow(windowStart *time.Time, fallback time.Time) time.Time {
	if windowStart != nil {
		return *windowStart
	}
	return fallback
}

func scanAttempt(row pgx.Row) (*PersistedAttempt, error) {
	var a PersistedAttempt
	var reason *string
	err := row.Scan(&a.ID, &a.SessionID, &a.DeviceID, &a.AttemptIndex, &a.PayloadVersion,
		&a.RequestPayload, &a.LLMResponse, &a.ModerationPayload, &a.State, &reason,
		&a.FallbackUsed, &a.RateLimitWindowStart, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	if reason != nil {
		a.Reason = *reason
	}
	return &a, nil
}
