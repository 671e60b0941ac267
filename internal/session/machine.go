// Package session drives a live squat-coaching session: a pure state
// machine over the camera/pose/speech lifecycle, the coordinator that owns
// those collaborators, the spoken-cue throttle, and the post-set summary.
package session

import (
	"fmt"

	"github.com/claude/squatcoach/internal/pose"
)

// ErrorKind discriminates session-fatal failures.
type ErrorKind string

const (
	ErrCameraUnavailable   ErrorKind = "camera_unavailable"
	ErrPermissionsDenied   ErrorKind = "permissions_denied"
	ErrConfigurationFailed ErrorKind = "configuration_failed"
	ErrCaptureFailed       ErrorKind = "capture_failed"
)

// Error is a session-fatal failure. These force the machine into
// endingError; the UI recovers by restarting the session.
type Error struct {
	Kind   ErrorKind
	Detail string
}

func (e Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// InterruptionKind discriminates recoverable capture interruptions.
type InterruptionKind string

const (
	InterruptionAudioSession   InterruptionKind = "audio_session"
	InterruptionCaptureRuntime InterruptionKind = "capture_runtime"
	InterruptionBackgrounded   InterruptionKind = "application_backgrounded"
	InterruptionOther          InterruptionKind = "other"
)

// Interruption describes why the capture session was interrupted.
type Interruption struct {
	Kind   InterruptionKind
	Detail string
}

// StateKind discriminates session states.
type StateKind string

const (
	StateIdle                StateKind = "idle"
	StatePermissionsPending  StateKind = "permissions_pending"
	StateConfiguring         StateKind = "configuring"
	StateRunning             StateKind = "running"
	StateBackgroundSuspended StateKind = "background_suspended"
	StateInterrupted         StateKind = "interrupted"
	StateEndingError         StateKind = "ending_error"
	StateSummary             StateKind = "summary"
)

// State is the session position. Phase is meaningful while running;
// PrevPhase (guarded by HasPrevPhase) captures the phase an interruption or
// backgrounding preempted, so resumption can be observed even though the
// session always re-enters configuring — the camera must be reconfigured,
// not resumed.
type State struct {
	Kind         StateKind
	Phase        pose.Phase
	PrevPhase    pose.Phase
	HasPrevPhase bool
	Interruption Interruption
	Err          Error
	Summary      *SummaryContext
}

// EventKind discriminates session events.
type EventKind string

const (
	EventRequestPermissions     EventKind = "request_permissions"
	EventPermissionsGranted     EventKind = "permissions_granted"
	EventPermissionsDenied      EventKind = "permissions_denied"
	EventConfigurationStarted   EventKind = "configuration_started"
	EventConfigurationSucceeded EventKind = "configuration_succeeded"
	EventConfigurationFailed    EventKind = "configuration_failed"
	EventPosePhaseChanged       EventKind = "pose_phase_changed"
	EventEnteredBackground      EventKind = "entered_background"
	EventResumedForeground      EventKind = "resumed_foreground"
	EventInterruptionBegan      EventKind = "interruption_began"
	EventInterruptionEnded      EventKind = "interruption_ended"
	EventFatalError             EventKind = "fatal_error"
	EventSessionEnded           EventKind = "session_ended"
	EventSummaryReady           EventKind = "summary_ready"
)

// Event drives a session transition. Phase accompanies phase events, Err
// failure events, Interruption interruption events, Summary summaryReady.
type Event struct {
	Kind         EventKind
	Phase        pose.Phase
	Interruption Interruption
	Err          Error
	Summary      *SummaryContext
}

// Machine is the pure session reducer.
type Machine struct{}

// InitialState returns the idle state.
func (Machine) InitialState() State { return State{Kind: StateIdle} }

// Transition applies an event to a state. Unhandled pairs return the input
// state unchanged. fatalError preempts every state; sessionEnded always
// returns to idle.
func (Machine) Transition(state State, event Event) State {
	switch event.Kind {
	case EventFatalError:
		return State{Kind: StateEndingError, Err: event.Err}

	case EventSessionEnded:
		return State{Kind: StateIdle}

	case EventRequestPermissions:
		if state.Kind == StateIdle {
			return State{Kind: StatePermissionsPending}
		}

	case EventPermissionsGranted:
		if state.Kind == StatePermissionsPending {
			return State{Kind: StateConfiguring}
		}

	case EventPermissionsDenied:
		if state.Kind == StatePermissionsPending || state.Kind == StateRunning {
			return State{Kind: StateEndingError, Err: Error{Kind: ErrPermissionsDenied}}
		}

	case EventConfigurationStarted:
		return State{Kind: StateConfiguring}

	case EventConfigurationSucceeded:
		if state.Kind == StateConfiguring || state.Kind == StateIdle {
			return State{Kind: StateRunning, Phase: event.Phase}
		}

	case EventConfigurationFailed:
		if state.Kind == StateConfiguring || state.Kind == StateRunning || state.Kind == StateIdle {
			return State{Kind: StateEndingError, Err: event.Err}
		}

	case EventPosePhaseChanged:
		if state.Kind == StateRunning || state.Kind == StateIdle {
			return State{Kind: StateRunning, Phase: event.Phase}
		}

	case EventEnteredBackground:
		if state.Kind == StateRunning {
			return State{Kind: StateBackgroundSuspended, PrevPhase: state.Phase, HasPrevPhase: true}
		}

	case EventResumedForeground:
		if state.Kind == StateBackgroundSuspended {
			return State{Kind: StateConfiguring}
		}

	case EventInterruptionBegan:
		if state.Kind == StateRunning {
			return State{
				Kind:         StateInterrupted,
				Interruption: event.Interruption,
				PrevPhase:    state.Phase,
				HasPrevPhase: true,
			}
		}

	case EventInterruptionEnded:
		if state.Kind == StateInterrupted {
			return State{Kind: StateConfiguring}
		}

	case EventSummaryReady:
		if state.Kind == StateRunning {
			return State{Kind: StateSummary, Summary: event.Summary}
		}
	}

	return state
}
