package server

import "testing"

func TestEvalTransitionHappyPath(t *testing.T) {
	state := StateReceived
	steps := []struct {
		event EvalEvent
		want  EvalState
	}{
		{EvalEvent{Kind: EvalValidationSucceeded}, StateValidating},
		{EvalEvent{Kind: EvalLLMDelegated}, StateDelegatingLLM},
		{EvalEvent{Kind: EvalLLMSucceeded}, StatePersisting},
		{EvalEvent{Kind: EvalPersisted}, StateCompleted},
	}
	for _, step := range steps {
		state = EvalTransition(state, step.event)
		if state != step.want {
			t.Fatalf("after %s: state = %s, want %s", step.event.Kind, state, step.want)
		}
	}
}

func TestEvalTransitionFallbackPaths(t *testing.T) {
	cases := []struct {
		name  string
		state EvalState
		event EvalEvent
		want  EvalState
	}{
		{"validation failure", StateReceived, EvalEvent{Kind: EvalValidationFailed}, StateRejected},
		{"late validation failure", StateValidating, EvalEvent{Kind: EvalValidationFailed}, StateRejected},
		{"rate limited", StateValidating, EvalEvent{Kind: EvalRateLimited}, StateRateLimited},
		{"llm timeout", StateDelegatingLLM, EvalEvent{Kind: EvalLLMFailed, FailureReason: LLMTimeout}, StateFallbackTimeout},
		{"llm provider error", StateDelegatingLLM, EvalEvent{Kind: EvalLLMFailed, FailureReason: LLMProviderError}, StateFallbackDeny},
		{"persist failure", StatePersisting, EvalEvent{Kind: EvalPersistFailed}, StateFallbackDeny},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := EvalTransition(tc.state, tc.event); got != tc.want {
				t.Errorf("EvalTransition(%s, %s) = %s, want %s", tc.state, tc.event.Kind, got, tc.want)
			}
		})
	}
}

func TestEvalTerminalStatesAbsorb(t *testing.T) {
	terminals := []EvalState{StateRateLimited, StateRejected, StateCompleted, StateFallbackDeny, StateFallbackTimeout}
	events := []EvalEventKind{
		EvalValidationSucceeded, EvalValidationFailed, EvalRateLimited,
		EvalLLMDelegated, EvalLLMFailed, EvalLLMSucceeded, EvalPersisted, EvalPersistFailed,
	}
	for _, state := range terminals {
		for _, kind := range events {
			if got := EvalTransition(state, EvalEvent{Kind: kind}); got != state {
				t.Errorf("EvalTransition(%s, %s) = %s, want %s unchanged", state, kind, got, state)
			}
		}
	}
}

func TestEvalUnhandledEventsAreNoOps(t *testing.T) {
	cases := []struct {
		state EvalState
		kind  EvalEventKind
	}{
		{StateReceived, EvalPersisted},
		{StateReceived, EvalLLMSucceeded},
		{StateValidating, EvalPersisted},
		{StateDelegatingLLM, EvalValidationFailed},
		{StatePersisting, EvalLLMDelegated},
	}
	for _, tc := range cases {
		if got := EvalTransition(tc.state, EvalEvent{Kind: tc.kind}); got != tc.state {
			t.Errorf("EvalTransition(%s, %s) = %s, want no-op", tc.state, tc.kind, got)
		}
	}
}
