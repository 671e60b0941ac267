// Package appflow holds the pure reducer that governs top-level app
// navigation: splash, onboarding, demo call-to-action, the live demo,
// the post-set summary, and the paywall.
package appflow

// StateKind discriminates app flow states.
type StateKind string

const (
	StateSplash         StateKind = "splash"
	StateOnboarding     StateKind = "onboarding"
	StateDemoCTA        StateKind = "demo_cta"
	StateDemoStub       StateKind = "demo_stub"
	StateSessionSummary StateKind = "session_summary"
	StatePaywall        StateKind = "paywall"
)

// State is the current app flow position. SlideIndex is meaningful only for
// onboarding. ReturnTo records where a paywall presentation came from so
// dismissal restores it.
type State struct {
	Kind       StateKind
	SlideIndex int
	ReturnTo   StateKind
}

// EventKind discriminates app flow events.
type EventKind string

const (
	EventSplashFinished      EventKind = "splash_finished"
	EventSlideAdvance        EventKind = "slide_advance"
	EventOnboardingCompleted EventKind = "onboarding_completed"
	EventStartDemo           EventKind = "start_demo"
	EventFinishDemo          EventKind = "finish_demo"
	EventSummaryDismissed    EventKind = "summary_dismissed"
	EventShowPaywall         EventKind = "show_paywall"
	EventPaywallDismissed    EventKind = "paywall_dismissed"
)

// Event drives a transition. TargetSlide is meaningful only for slideAdvance.
type Event struct {
	Kind        EventKind
	TargetSlide int
}

// Machine is a pure reducer. Unhandled (state, event) pairs return the input
// state unchanged.
type Machine struct {
	slideCount          int
	skipOnboarding      bool
}

// NewMachine creates a machine for the given onboarding slide deck.
// skipOnboarding routes splash directly to the demo CTA for returning users.
func NewMachine(slideCount int, skipOnboarding bool) Machine {
	return Machine{slideCount: slideCount, skipOnboarding: skipOnboarding}
}

// InitialState returns the splash state.
func (m Machine) InitialState() State {
	return State{Kind: StateSplash}
}

func (m Machine) lastSlide() int {
	if m.slideCount < 1 {
		return 0
	}
	return m.slideCount - 1
}

// Reduce applies an event to a state.
func (m Machine) Reduce(state State, event Event) State {
	switch {
	case state.Kind == StateSplash && event.Kind == EventSplashFinished:
		if m.slideCount <= 0 || m.skipOnboarding {
			return State{Kind: StateDemoCTA}
		}
		return State{Kind: StateOnboarding, SlideIndex: 0}

	case state.Kind == StateOnboarding && event.Kind == EventSlideAdvance:
		target := event.TargetSlide
		if target < 0 || target > m.lastSlide() {
			return state
		}
		if diff := target - state.SlideIndex; diff > 1 || diff < -1 {
			return state
		}
		return State{Kind: StateOnboarding, SlideIndex: target}

	case state.Kind == StateOnboarding && event.Kind == EventOnboardingCompleted:
		if state.SlideIndex != m.lastSlide() {
			return state
		}
		return State{Kind: StateDemoCTA}

	case state.Kind == StateDemoCTA && event.Kind == EventStartDemo:
		return State{Kind: StateDemoStub}

	case state.Kind == StateDemoStub && event.Kind == EventFinishDemo:
		return State{Kind: StateSessionSummary}

	case state.Kind == StateSessionSummary && event.Kind == EventSummaryDismissed:
		return State{Kind: StateDemoCTA}

	case event.Kind == EventShowPaywall &&
		(state.Kind == StateDemoCTA || state.Kind == StateSessionSummary):
		return State{Kind: StatePaywall, ReturnTo: state.Kind}

	case state.Kind == StatePaywall && event.Kind == EventPaywallDismissed:
		returnTo := state.ReturnTo
		if returnTo == "" {
			returnTo = StateDemoCTA
		}
		return State{Kind: returnTo}

	default:
		return state
	}
}
