package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// LLMResponse is the coaching content returned to the client.
type LLMResponse struct {
	Summary    string   `json:"summary"`
	Guidance   []string `json:"guidance"`
	TokensUsed int      `json:"tokens_used"`
}

// Moderation is the moderation verdict attached to a generation.
type Moderation struct {
	Flagged    bool     `json:"flagged"`
	Categories []string `json:"categories"`
}

// LLMResult is one completed generation.
type LLMResult struct {
	Model      string      `json:"model"`
	Response   LLMResponse `json:"response"`
	Moderation Moderation  `json:"moderation"`
}

// EvalInput is the prompt plus structured context forwarded to the model.
type EvalInput struct {
	Prompt  string          `json:"prompt"`
	Context json.RawMessage `json:"context,omitempty"`
}

// LLMProvider generates a coaching evaluation. Implementations must honor
// ctx cancellation; the handler bounds every call with a timeout.
type LLMProvider interface {
	Generate(ctx context.Context, input EvalInput) (LLMResult, error)
}

// StubLLMProvider is a deterministic provider deriving its output from the
// prompt and context, for environments without a real model backend.
type StubLLMProvider struct {
	Model string
}

// Generate produces a deterministic coaching insight.
func (p *StubLLMProvider) Generate(ctx context.Context, input EvalInput) (LLMResult, error) {
	if err := ctx.Err(); err != nil {
		return LLMResult{}, err
	}

	prompt := strings.TrimSpace(input.Prompt)
	if prompt == "" {
		return LLMResult{}, fmt.Errorf("prompt is empty after trimming")
	}

	tokensUsed := (len(prompt) + 3) / 4
	if tokensUsed < 1 {
		tokensUsed = 1
	}

	guidance := []string{"Maintain controlled tempo"}
	if goal := contextGoal(input.Context); goal != "" {
		guidance = append(guidance, "Focus on goal: "+goal)
	} else {
		guidance = append(guidance, "Track perceived exertion")
	}

	return LLMResult{
		Model: p.Model,
		Response: LLMResponse{
			Summary:    "Coach insight for prompt hash " + truncate(prompt, 32),
			Guidance:   guidance,
			TokensUsed: tokensUsed,
		},
		Moderation: Moderation{Flagged: false, Categories: []string{}},
	}, nil
}

func contextGoal(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return ""
	}
	goal, _ := decoded["goal"].(string)
	return goal
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// fallbackResult is served when the model fails or times out; the client
// treats it as a denial (or a timeout) rather than an error.
func fallbackResult(model, prompt string) LLMResult {
	return LLMResult{
		Model: model,
		Response: LLMResponse{
			Summary:    "Fallback response for prompt " + truncate(prompt, 24),
			Guidance:   []string{"Retry shortly", "Check network connectivity"},
			TokensUsed: 0,
		},
		Moderation: Moderation{Flagged: false, Categories: []string{}},
	}
}
