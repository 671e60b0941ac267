package entitlement

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PurchaseStatus classifies the outcome of a store purchase call.
type PurchaseStatus int

const (
	PurchaseSucceeded PurchaseStatus = iota
	PurchaseCancelled
	PurchasePending
)

// PurchaseOutcome is returned by StoreClient.Purchase.
type PurchaseOutcome struct {
	Status PurchaseStatus
	Info   *SubscriptionInfo
}

// StoreClient abstracts the platform store. Implemented by non-core code;
// tests use in-memory fakes.
type StoreClient interface {
	LoadProducts(ctx context.Context) ([]Product, error)
	Purchase(ctx context.Context, productID string) (PurchaseOutcome, error)
	CurrentEntitlements(ctx context.Context) ([]SubscriptionInfo, error)
}

// Service drives the entitlement machine against a StoreClient, caches the
// sticky pro flag, and broadcasts states to observers.
//
// IsPro is sticky-true: once a subscription has been proven, a later fetch
// error or loading state does not revert the flag. A revoked subscription
// therefore only clears once a revocation event is observed or a refresh
// succeeds and finds no entitlement; if the revocation happens while the
// app is not running, the flag is stale until the next successful refresh.
type Service struct {
	mu          sync.Mutex
	machine     Machine
	state       State
	cachedIsPro bool

	store     StoreClient
	snapshots SnapshotStore
	log       *slog.Logger
	clock     func() time.Time

	subscribers map[uuid.UUID]chan State
}

// NewService creates a service seeded from the persisted snapshot.
func NewService(store StoreClient, snapshots SnapshotStore, log *slog.Logger) *Service {
	s := &Service{
		store:       store,
		snapshots:   snapshots,
		log:         log,
		clock:       time.Now,
		subscribers: make(map[uuid.UUID]chan State),
	}
	s.state = s.machine.InitialState()
	if snap, err := snapshots.Load(); err == nil && snap != nil {
		s.cachedIsPro = snap.IsPro
	} else if err != nil {
		log.Warn("entitlement snapshot load failed", "error", err)
	}
	return s
}

// CurrentState returns the current entitlement state.
func (s *Service) CurrentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsPro reports the sticky pro flag.
func (s *Service) IsPro() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cachedIsPro || s.state.IsSubscribed()
}

// Subscribe registers an observer. The current state is delivered
// immediately as the first value. The returned cancel func removes the
// registration and closes the channel.
func (s *Service) Subscribe() (<-chan State, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New()
	ch := make(chan State, 16)
	ch <- s.state
	s.subscribers[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(existing)
		}
	}
	return ch, cancel
}

// Load fetches products and refreshes current entitlements.
func (s *Service) Load(ctx context.Context) {
	products, err := s.store.LoadProducts(ctx)
	if err != nil {
		s.log.Error("product load failed", "error", err)
		s.apply(Event{Kind: EventError, Message: "Unable to reach the store. Try again."})
		return
	}
	if len(products) == 0 {
		s.apply(Event{Kind: EventError, Message: "No products configured."})
		return
	}
	product := products[0]
	s.apply(Event{Kind: EventProductsLoaded, Product: &product})
	s.refreshEntitlements(ctx)
}

// Purchase runs the purchase flow for the currently loaded product.
func (s *Service) Purchase(ctx context.Context) {
	product := s.CurrentState().PaywallProduct()
	if product == nil {
		s.apply(Event{Kind: EventError, Message: "Product unavailable."})
		return
	}
	s.apply(Event{Kind: EventPurchaseStarted})

	outcome, err := s.store.Purchase(ctx, product.ID)
	if err != nil {
		s.apply(Event{Kind: EventPurchaseFailed, Message: err.Error()})
		return
	}
	switch outcome.Status {
	case PurchaseSucceeded:
		s.markSubscribed(outcome.Info)
	case PurchaseCancelled:
		s.apply(Event{Kind: EventPurchaseCancelled})
	case PurchasePending:
		s.apply(Event{Kind: EventPurchaseFailed, Message: "Purchase pending approval."})
	}
}

// Restore re-checks current entitlements on user request.
func (s *Service) Restore(ctx context.Context) {
	s.apply(Event{Kind: EventRestoreStarted})
	infos, err := s.store.CurrentEntitlements(ctx)
	if err != nil {
		s.apply(Event{Kind: EventRestoreFailed, Message: err.Error()})
		return
	}
	if len(infos) == 0 {
		s.clearSnapshot()
		s.apply(Event{Kind: EventRestoreFailed, Message: "No active subscription found."})
		return
	}
	s.markSubscribed(&infos[0])
}

// Revoke handles an explicit revocation notification from the store.
func (s *Service) Revoke() {
	s.apply(Event{Kind: EventRevoked})
	s.clearSnapshot()
}

// Retry re-arms the machine after an error state.
func (s *Service) Retry() {
	s.apply(Event{Kind: EventRetry})
}

func (s *Service) refreshEntitlements(ctx context.Context) {
	infos, err := s.store.CurrentEntitlements(ctx)
	if err != nil {
		// A refresh error must not revert a proven subscriber; leave the
		// cached flag alone.
		s.log.Error("entitlement refresh failed", "error", err)
		return
	}
	if len(infos) == 0 {
		s.clearSnapshot()
		return
	}
	s.markSubscribed(&infos[0])
}

func (s *Service) markSubscribed(info *SubscriptionInfo) {
	if info == nil {
		return
	}
	s.apply(Event{Kind: EventEntitlementVerified, Info: info})

	s.mu.Lock()
	s.cachedIsPro = true
	s.mu.Unlock()

	snap := Snapshot{IsPro: true, ProductID: info.Product.ID, LastUpdated: s.clock()}
	if err := s.snapshots.Save(snap); err != nil {
		s.log.Warn("entitlement snapshot save failed", "error", err)
	}
}

func (s *Service) clearSnapshot() {
	s.mu.Lock()
	s.cachedIsPro = false
	s.mu.Unlock()
	if err := s.snapshots.Clear(); err != nil {
		s.log.Warn("entitlement snapshot clear failed", "error", err)
	}
}

func (s *Service) apply(event Event) {
	s.mu.Lock()
	s.state = s.machine.Reduce(s.state, event)
	state := s.state
	for _, ch := range s.subscribers {
		select {
		case ch <- state:
		default:
			// Slow consumer; drop rather than block the mutation path.
		}
	}
	s.mu.Unlock()
}
