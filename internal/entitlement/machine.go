// Package entitlement models the subscription/paywall lifecycle: a pure
// state machine over the store lifecycle plus a service that executes store
// calls, caches the sticky pro flag, and broadcasts state to observers.
package entitlement

import "time"

// Product is the paywall-facing description of the subscription offer.
type Product struct {
	ID                string
	DisplayName       string
	DisplayPrice      string
	PeriodDescription string
}

// SubscriptionInfo describes a verified active subscription.
type SubscriptionInfo struct {
	Product        Product
	TransactionID  uint64
	ExpirationDate *time.Time
}

// StateKind discriminates entitlement states.
type StateKind string

const (
	StateLoading    StateKind = "loading"
	StateReady      StateKind = "ready"
	StatePurchasing StateKind = "purchasing"
	StateRestoring  StateKind = "restoring"
	StateSubscribed StateKind = "subscribed"
	StateError      StateKind = "error"
)

// State is the entitlement position. Product is populated for every state
// except loading (and error states reached before products loaded), so the
// paywall can keep rendering pricing even after a failure.
type State struct {
	Kind    StateKind
	Product *Product
	Info    *SubscriptionInfo
	Message string
}

// IsSubscribed reports whether the state proves an active subscription.
func (s State) IsSubscribed() bool { return s.Kind == StateSubscribed }

// PaywallProduct returns the product reference carried by the state, if any.
func (s State) PaywallProduct() *Product {
	if s.Kind == StateSubscribed && s.Info != nil {
		return &s.Info.Product
	}
	return s.Product
}

// EventKind discriminates entitlement events.
type EventKind string

const (
	EventProductsLoaded      EventKind = "products_loaded"
	EventEntitlementVerified EventKind = "entitlement_verified"
	EventPurchaseStarted     EventKind = "purchase_started"
	EventPurchaseFailed      EventKind = "purchase_failed"
	EventPurchaseCancelled   EventKind = "purchase_cancelled"
	EventRestoreStarted      EventKind = "restore_started"
	EventRestoreFailed       EventKind = "restore_failed"
	EventRevoked             EventKind = "revoked"
	EventError               EventKind = "error"
	EventRetry               EventKind = "retry"
)

// Event drives a transition.
type Event struct {
	Kind    EventKind
	Product *Product
	Info    *SubscriptionInfo
	Message string
}

// Machine is the pure entitlement reducer. Unhandled pairs return the input
// state unchanged.
type Machine struct{}

// InitialState returns the loading state.
func (Machine) InitialState() State { return State{Kind: StateLoading} }

// Reduce applies an event to a state.
func (Machine) Reduce(state State, event Event) State {
	switch state.Kind {
	case StateLoading:
		switch event.Kind {
		case EventProductsLoaded:
			return State{Kind: StateReady, Product: event.Product}
		case EventEntitlementVerified:
			return State{Kind: StateSubscribed, Info: event.Info}
		case EventError:
			return State{Kind: StateError, Message: event.Message}
		}

	case StateReady:
		switch event.Kind {
		case EventProductsLoaded:
			return State{Kind: StateReady, Product: event.Product}
		case EventPurchaseStarted:
			if state.Product == nil {
				return state
			}
			return State{Kind: StatePurchasing, Product: state.Product}
		case EventRestoreStarted:
			if state.Product == nil {
				return state
			}
			return State{Kind: StateRestoring, Product: state.Product}
		case EventEntitlementVerified:
			return State{Kind: StateSubscribed, Info: event.Info}
		case EventError:
			return State{Kind: StateError, Message: event.Message, Product: state.Product}
		}

	case StatePurchasing:
		switch event.Kind {
		case EventEntitlementVerified:
			return State{Kind: StateSubscribed, Info: event.Info}
		case EventPurchaseFailed:
			// The product reference survives the failure so the paywall can
			// re-render pricing.
			return State{Kind: StateError, Message: event.Message, Product: state.Product}
		case EventPurchaseCancelled:
			return State{Kind: StateReady, Product: state.Product}
		}

	case StateRestoring:
		switch event.Kind {
		case EventEntitlementVerified:
			return State{Kind: StateSubscribed, Info: event.Info}
		case EventRestoreFailed:
			return State{Kind: StateError, Message: event.Message, Product: state.Product}
		}

	case StateSubscribed:
		if event.Kind == EventRevoked && state.Info != nil {
			return State{Kind: StateReady, Product: &state.Info.Product}
		}

	case StateError:
		switch event.Kind {
		case EventRetry:
			if state.Product != nil {
				return State{Kind: StateReady, Product: state.Product}
			}
			return State{Kind: StateLoading}
		case EventProductsLoaded:
			return State{Kind: StateReady, Product: event.Product}
		case EventEntitlementVerified:
			return State{Kind: StateSubscribed, Info: event.Info}
		case EventError:
			return State{Kind: StateError, Message: event.Message, Product: state.Product}
		}
	}

	return state
}
