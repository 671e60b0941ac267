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

// ErrLoggingFailed is returned when attempt logging exhausts its retries.
var ErrLoggingFailed = errors.New("attempt logging failed")

// AttemptStage distinguishes the two log points of an attempt.
type AttemptStage string

const (
	StageStart      AttemptStage = "start"
	StageCompletion AttemptStage = "completion"
)

// AttemptMetadata is the structured metadata attached to attempt logs and
// evaluation requests. Free-form dictionaries are deliberately not allowed;
// the key set is fixed and serialized only at the wire boundary.
type AttemptMetadata struct {
	Reason              string    `json:"reason,omitempty"`
	CTALabel            string    `json:"cta_label,omitempty"`
	Timestamp           time.Time `json:"timestamp,omitzero"`
	AttemptIndex        int       `json:"attempt_index,omitempty"`
	DurationSeconds     float64   `json:"duration_seconds,omitempty"`
	RepetitionCount     int       `json:"repetition_count,omitempty"`
	TempoSamples        []float64 `json:"tempo_samples,omitempty"`
	CoachingCorrections int       `json:"coaching_corrections,omitempty"`
	GeneratedAt         time.Time `json:"generated_at,omitzero"`
}

// SessionLogger records attempt lifecycle events on the server.
type SessionLogger interface {
	LogAttempt(ctx context.Context, deviceID uuid.UUID, attemptIndex int, stage AttemptStage, metadata AttemptMetadata) error
}

// HTTPSessionLogger posts attempt records to the coaching server.
type HTTPSessionLogger struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPSessionLogger creates a logger targeting the given base URL.
func NewHTTPSessionLogger(baseURL, apiKey string, timeout time.Duration) *HTTPSessionLogger {
	return &HTTPSessionLogger{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type attemptLogRequest struct {
	DeviceID     string          `json:"device_id"`
	AttemptIndex int             `json:"attempt_index"`
	Stage        string          `json:"stage"`
	Metadata     AttemptMetadata `json:"metadata"`
}

// LogAttempt posts one attempt lifecycle record.
func (l *HTTPSessionLogger) LogAttempt(ctx context.Context, deviceID uuid.UUID, attemptIndex int, stage AttemptStage, metadata AttemptMetadata) error {
	body, err := json.Marshal(attemptLogRequest{
		DeviceID:     deviceID.String(),
		AttemptIndex: attemptIndex,
		Stage:        string(stage),
		Metadata:     metadata,
	})
	if err != nil {
		return fmt.Errorf("encoding attempt log: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/api/v1/attempts", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating attempt log request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", l.apiKey)

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting attempt log: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("attempt log rejected (status %d): %s", resp.StatusCode, raw)
	}
	return nil
}
