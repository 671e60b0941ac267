package server

// EvalState is the evaluate-session request lifecycle state. Terminal
// states (rateLimited, rejected, fallbackDeny, fallbackTimeout, completed)
// absorb every further event.
type EvalState string

const (
	StateReceived        EvalState = "RECEIVED"
	StateValidating      EvalState = "VALIDATING"
	StateRateLimited     EvalState = "RATE_LIMITED"
	StateRejected        EvalState = "REJECTED"
	StateDelegatingLLM   EvalState = "DELEGATING_LLM"
	StatePersisting      EvalState = "PERSISTING"
	StateCompleted       EvalState = "COMPLETED"
	StateFallbackDeny    EvalState = "FALLBACK_DENY"
	StateFallbackTimeout EvalState = "FALLBACK_TIMEOUT"
)

// EvalEventKind discriminates evaluate-session lifecycle events.
type EvalEventKind string

const (
	EvalValidationSucceeded EvalEventKind = "validation_succeeded"
	EvalValidationFailed    EvalEventKind = "validation_failed"
	EvalRateLimited         EvalEventKind = "rate_limited"
	EvalLLMDelegated        EvalEventKind = "llm_delegated"
	EvalLLMFailed           EvalEventKind = "llm_failed"
	EvalLLMSucceeded        EvalEventKind = "llm_succeeded"
	EvalPersisted           EvalEventKind = "persisted"
	EvalPersistFailed       EvalEventKind = "persist_failed"
)

// LLMFailureReason distinguishes the two fallback paths.
type LLMFailureReason string

const (
	LLMTimeout       LLMFailureReason = "timeout"
	LLMProviderError LLMFailureReason = "provider_error"
)

// EvalEvent drives an evaluate-session transition.
type EvalEvent struct {
	Kind          EvalEventKind
	FailureReason LLMFailureReason
}

// EvalTransition applies an event to a state. Unhandled pairs return the
// input state.
func EvalTransition(state EvalState, event EvalEvent) EvalState {
	switch state {
	case StateReceived:
		switch event.Kind {
		case EvalValidationSucceeded:
			return StateValidating
		case EvalValidationFailed:
			return StateRejected
		}
	case StateValidating:
		switch event.Kind {
		case EvalRateLimited:
			return StateRateLimited
		case EvalLLMDelegated:
			return StateDelegatingLLM
		case EvalValidationFailed:
			return StateRejected
		}
	case StateDelegatingLLM:
		switch event.Kind {
		case EvalLLMFailed:
			if event.FailureReason == LLMTimeout {
				return StateFallbackTimeout
			}
			return StateFallbackDeny
		case EvalLLMSucceeded:
			return StatePersisting
		}
	case StatePersisting:
		switch event.Kind {
		case EvalPersisted:
			return StateCompleted
		case EvalPersistFailed:
			return StateFallbackDeny
		}
	}
	return state
}
