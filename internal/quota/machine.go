// Package quota implements the two-attempt demo quota: a pure reducer with
// side-effect descriptors, the snapshot rehydration function, the local
// persistence and remote collaborators, and the coordinator that serializes
// mutations and owns the fail-closed policy.
package quota

import "time"

// StateKind discriminates quota states.
type StateKind string

const (
	StateFresh                 StateKind = "fresh"
	StateFirstAttemptActive    StateKind = "first_attempt_active"
	StateGatePending           StateKind = "gate_pending"
	StateSecondAttemptEligible StateKind = "second_attempt_eligible"
	StateSecondAttemptActive   StateKind = "second_attempt_active"
	StateLocked                StateKind = "locked"
)

// LockReasonKind discriminates why the quota locked.
type LockReasonKind string

const (
	LockQuotaExhausted    LockReasonKind = "quota_exhausted"
	LockEvaluationDenied  LockReasonKind = "evaluation_denied"
	LockEvaluationTimeout LockReasonKind = "evaluation_timeout"
	LockServerSync        LockReasonKind = "server_sync"
)

// LockReason explains a locked state. Message is set only for denials.
type LockReason struct {
	Kind    LockReasonKind `json:"kind"`
	Message string         `json:"message,omitempty"`
}

// State is the quota position. Lock is meaningful only when Kind is locked.
type State struct {
	Kind StateKind
	Lock LockReason
}

// IsLocked reports whether no further attempts are possible.
func (s State) IsLocked() bool { return s.Kind == StateLocked }

// HasActiveAttempt reports whether an attempt is currently running.
func (s State) HasActiveAttempt() bool {
	return s.Kind == StateFirstAttemptActive || s.Kind == StateSecondAttemptActive
}

// Locked builds a locked state.
func Locked(reason LockReason) State {
	return State{Kind: StateLocked, Lock: reason}
}

// DecisionKind discriminates remote evaluation outcomes.
type DecisionKind string

const (
	DecisionAllow   DecisionKind = "allow"
	DecisionDeny    DecisionKind = "deny"
	DecisionTimeout DecisionKind = "timeout"
)

// Decision is the recorded outcome of the post-first-attempt evaluation.
// These are expected business outcomes, not errors.
type Decision struct {
	Kind      DecisionKind `json:"kind"`
	Message   string       `json:"message,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// AllowsSecondAttempt reports whether the decision grants another demo.
func (d Decision) AllowsSecondAttempt() bool { return d.Kind == DecisionAllow }

// LockReason maps a non-allow decision onto the lock reason it implies.
func (d Decision) LockReason() (LockReason, bool) {
	switch d.Kind {
	case DecisionDeny:
		return LockReason{Kind: LockEvaluationDenied, Message: d.Message}, true
	case DecisionTimeout:
		return LockReason{Kind: LockEvaluationTimeout}, true
	default:
		return LockReason{}, false
	}
}

// RemoteSnapshot is the authoritative persisted/served quota representation.
// In-memory state is always rederived from it via StateFromSnapshot, never
// stored directly.
type RemoteSnapshot struct {
	AttemptsUsed       int         `json:"attempts_used"`
	ActiveAttemptIndex int         `json:"active_attempt_index,omitempty"` // 0 = none
	LastDecision       *Decision   `json:"last_decision,omitempty"`
	ServerLockReason   *LockReason `json:"server_lock_reason,omitempty"`
	LastSyncAt         *time.Time  `json:"last_sync_at,omitempty"`
}

// EventKind discriminates quota events.
type EventKind string

const (
	EventStartAttempt      EventKind = "start_attempt"
	EventAttemptCompleted  EventKind = "attempt_completed"
	EventEvaluationAllow   EventKind = "evaluation_allow"
	EventEvaluationDeny    EventKind = "evaluation_deny"
	EventEvaluationTimeout EventKind = "evaluation_timeout"
	EventResetFromServer   EventKind = "reset_from_server"
)

// Event drives a transition. Decision accompanies evaluation events;
// Snapshot accompanies resetFromServer.
type Event struct {
	Kind     EventKind
	Decision Decision
	Snapshot RemoteSnapshot
}

// EffectKind discriminates side-effect descriptors.
type EffectKind string

const (
	EffectLogAttemptStart      EffectKind = "log_attempt_start"
	EffectLogAttemptCompletion EffectKind = "log_attempt_completion"
	EffectSetActiveAttempt     EffectKind = "set_active_attempt"
	EffectSetAttemptsUsed      EffectKind = "set_attempts_used"
	EffectRequestEvaluation    EffectKind = "request_evaluation"
	EffectPersistDecision      EffectKind = "persist_decision"
	EffectReplaceSnapshot      EffectKind = "replace_snapshot"
)

// SideEffect is a data value describing an I/O action for the coordinator.
// The reducer performs no I/O itself. AttemptIndex of 0 on setActiveAttempt
// clears the active attempt.
type SideEffect struct {
	Kind         EffectKind
	AttemptIndex int
	AttemptsUsed int
	Decision     Decision
	Snapshot     RemoteSnapshot
}

// Result pairs the next state with the ordered side effects to execute.
type Result struct {
	State   State
	Effects []SideEffect
}

// Machine is the pure quota reducer.
type Machine struct{}

// Reduce applies an event to a state, returning the next state and the side
// effects the coordinator must execute in order. Unhandled pairs return the
// input state with no effects.
func (m Machine) Reduce(state State, event Event) Result {
	// resetFromServer applies from any state; rehydration is idempotent.
	if event.Kind == EventResetFromServer {
		return Result{
			State:   m.StateFromSnapshot(event.Snapshot),
			Effects: []SideEffect{{Kind: EffectReplaceSnapshot, Snapshot: event.Snapshot}},
		}
	}

	switch {
	case state.Kind == StateFresh && event.Kind == EventStartAttempt:
		return Result{
			State: State{Kind: StateFirstAttemptActive},
			Effects: []SideEffect{
				{Kind: EffectLogAttemptStart, AttemptIndex: 1},
				{Kind: EffectSetActiveAttempt, AttemptIndex: 1},
			},
		}

	case state.Kind == StateFirstAttemptActive && event.Kind == EventAttemptCompleted:
		return Result{
			State: State{Kind: StateGatePending},
			Effects: []SideEffect{
				{Kind: EffectLogAttemptCompletion, AttemptIndex: 1},
				{Kind: EffectSetActiveAttempt, AttemptIndex: 0},
				{Kind: EffectSetAttemptsUsed, AttemptsUsed: 1},
				{Kind: EffectRequestEvaluation, AttemptIndex: 1},
			},
		}

	case state.Kind == StateGatePending && event.Kind == EventEvaluationAllow:
		return Result{
			State:   State{Kind: StateSecondAttemptEligible},
			Effects: []SideEffect{{Kind: EffectPersistDecision, Decision: event.Decision}},
		}

	case state.Kind == StateGatePending && event.Kind == EventEvaluationDeny:
		return Result{
			State:   Locked(LockReason{Kind: LockEvaluationDenied, Message: event.Decision.Message}),
			Effects: []SideEffect{{Kind: EffectPersistDecision, Decision: event.Decision}},
		}

	case state.Kind == StateGatePending && event.Kind == EventEvaluationTimeout:
		return Result{
			State:   Locked(LockReason{Kind: LockEvaluationTimeout}),
			Effects: []SideEffect{{Kind: EffectPersistDecision, Decision: event.Decision}},
		}

	case state.Kind == StateSecondAttemptEligible && event.Kind == EventStartAttempt:
		return Result{
			State: State{Kind: StateSecondAttemptActive},
			Effects: []SideEffect{
				{Kind: EffectLogAttemptStart, AttemptIndex: 2},
				{Kind: EffectSetActiveAttempt, AttemptIndex: 2},
			},
		}

	case state.Kind == StateSecondAttemptActive && event.Kind == EventAttemptCompleted:
		return Result{
			State: Locked(LockReason{Kind: LockQuotaExhausted}),
			Effects: []SideEffect{
				{Kind: EffectLogAttemptCompletion, AttemptIndex: 2},
				{Kind: EffectSetActiveAttempt, AttemptIndex: 0},
				{Kind: EffectSetAttemptsUsed, AttemptsUsed: 2},
			},
		}

	default:
		return Result{State: state}
	}
}

// StateFromSnapshot is the single source of truth for rehydrating in-memory
// state from a persisted or served snapshot. It is idempotent: deriving a
// state, snapshotting it, and deriving again yields the same state.
func (Machine) StateFromSnapshot(snapshot RemoteSnapshot) State {
	if idx := snapshot.ActiveAttemptIndex; idx != 0 {
		if idx == 2 {
			return State{Kind: StateSecondAttemptActive}
		}
		return State{Kind: StateFirstAttemptActive}
	}

	if snapshot.AttemptsUsed >= 2 {
		if snapshot.ServerLockReason != nil {
			return Locked(*snapshot.ServerLockReason)
		}
		return Locked(LockReason{Kind: LockQuotaExhausted})
	}

	if snapshot.AttemptsUsed == 1 {
		if decision := snapshot.LastDecision; decision != nil {
			if decision.AllowsSecondAttempt() {
				return State{Kind: StateSecondAttemptEligible}
			}
			if reason, ok := decision.LockReason(); ok {
				return Locked(reason)
			}
			return Locked(LockReason{Kind: LockServerSync})
		}
		return State{Kind: StateGatePending}
	}

	return State{Kind: StateFresh}
}
