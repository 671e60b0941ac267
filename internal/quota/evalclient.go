package quota

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Typed evaluation failures. Timeout maps to the evaluationTimeout event;
// the others are degraded to it by the coordinator.
var (
	ErrEvaluationTimeout         = errors.New("evaluation request timed out")
	ErrEvaluationNetworkFailure  = errors.New("evaluation request failed")
	ErrEvaluationInvalidResponse = errors.New("evaluation response invalid")
)

// EvaluationOutcome is the decoded evaluation decision.
type EvaluationOutcome struct {
	Allow     bool
	Message   string
	Timestamp time.Time
}

// EvaluationService requests the post-first-attempt eligibility decision.
type EvaluationService interface {
	Evaluate(ctx context.Context, deviceID uuid.UUID, attemptIndex int, metadata AttemptMetadata) (EvaluationOutcome, error)
}

// EvalClient calls the evaluate-session endpoint.
type EvalClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	clock      func() time.Time
}

// NewEvalClient creates a client for the given base URL. The timeout bounds
// the whole request; a hung endpoint degrades to ErrEvaluationTimeout.
func NewEvalClient(baseURL, apiKey string, timeout time.Duration) *EvalClient {
	return &EvalClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		clock:      time.Now,
	}
}

type evaluateRequest struct {
	DeviceID       string          `json:"device_id"`
	AttemptIndex   int             `json:"attempt_index"`
	PayloadVersion string          `json:"payload_version"`
	Input          evaluateInput   `json:"input"`
	Metadata       AttemptMetadata `json:"metadata"`
}

type evaluateInput struct {
	Prompt  string          `json:"prompt"`
	Context AttemptMetadata `json:"context"`
}

type evaluateResponse struct {
	CorrelationID string `json:"correlation_id"`
	State         string `json:"state"`
	FallbackUsed  bool   `json:"fallback_used"`
	Reason        string `json:"reason"`
	Response      struct {
		Summary    string   `json:"summary"`
		Guidance   []string `json:"guidance"`
		TokensUsed int      `json:"tokens_used"`
	} `json:"response"`
}

// Evaluate posts the attempt for evaluation and decodes the decision.
// A 409 (duplicate attempt) re-serves the prior result and is treated as a
// valid response, keeping the call idempotent across retries.
func (c *EvalClient) Evaluate(ctx context.Context, deviceID uuid.UUID, attemptIndex int, metadata AttemptMetadata) (EvaluationOutcome, error) {
	body, err := json.Marshal(evaluateRequest{
		DeviceID:       deviceID.String(),
		AttemptIndex:   attemptIndex,
		PayloadVersion: "v1",
		Input: evaluateInput{
			Prompt:  fmt.Sprintf("Evaluate demo attempt %d for another free session", attemptIndex),
			Context: metadata,
		},
		Metadata: metadata,
	})
	if err != nil {
		return EvaluationOutcome{}, fmt.Errorf("encoding evaluate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/evaluate", bytes.NewReader(body))
	if err != nil {
		return EvaluationOutcome{}, fmt.Errorf("creating evaluate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return EvaluationOutcome{}, ErrEvaluationTimeout
		}
		return EvaluationOutcome{}, fmt.Errorf("%w: %v", ErrEvaluationNetworkFailure, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusConflict:
		// 409 re-serves the original attempt's result.
	default:
		return EvaluationOutcome{}, fmt.Errorf("%w: status %d", ErrEvaluationInvalidResponse, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return EvaluationOutcome{}, fmt.Errorf("%w: reading body: %v", ErrEvaluationInvalidResponse, err)
	}

	var decoded evaluateResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return EvaluationOutcome{}, fmt.Errorf("%w: %v", ErrEvaluationInvalidResponse, err)
	}

	outcome := EvaluationOutcome{Timestamp: c.clock()}
	switch decoded.State {
	case "COMPLETED":
		outcome.Allow = !decoded.FallbackUsed
		outcome.Message = decoded.Response.Summary
	case "FALLBACK_TIMEOUT":
		return EvaluationOutcome{}, ErrEvaluationTimeout
	case "FALLBACK_DENY", "REJECTED", "RATE_LIMITED":
		outcome.Allow = false
		outcome.Message = denialMessage(decoded)
	default:
		return EvaluationOutcome{}, fmt.Errorf("%w: unknown state %q", ErrEvaluationInvalidResponse, decoded.State)
	}
	return outcome, nil
}

func denialMessage(decoded evaluateResponse) string {
	if decoded.Response.Summary != "" {
		return decoded.Response.Summary
	}
	return decoded.Reason
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var timeoutErr interface{ Timeout() bool }
	return errors.As(err, &timeoutErr) && timeoutErr.Timeout()
}
