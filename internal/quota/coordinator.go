package quota

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// IdentityResolver resolves the stable device identity.
type IdentityResolver interface {
	DeviceID(ctx context.Context) (uuid.UUID, error)
}

// Coordinator serializes all quota mutations behind one mutex, executes the
// reducer's side effects, and broadcasts state to observers. The persisted
// store and identity cache are mutated only through the coordinator.
//
// Failure policy is fail-closed: any unrecoverable side-effect error forces
// attemptsUsed to at least 2, clears the active attempt, and publishes
// locked(serverSync). The system degrades toward "no more free attempts",
// never toward "unlimited attempts".
type Coordinator struct {
	mu      sync.Mutex
	machine Machine
	state   State

	persistence Persistence
	logger      SessionLogger
	evaluation  EvaluationService
	identity    IdentityResolver
	sync        SnapshotSync // nil disables server reconciliation
	log         *slog.Logger
	clock       func() time.Time

	deviceID       uuid.UUID
	deviceResolved bool

	subscribers map[uuid.UUID]chan State
}

// NewCoordinator creates a coordinator rehydrated from the persisted
// snapshot. snapshotSync may be nil for offline operation.
func NewCoordinator(
	persistence Persistence,
	logger SessionLogger,
	evaluation EvaluationService,
	identity IdentityResolver,
	snapshotSync SnapshotSync,
	log *slog.Logger,
) (*Coordinator, error) {
	snapshot, err := persistence.LoadSnapshot()
	if err != nil {
		return nil, err
	}
	c := &Coordinator{
		persistence: persistence,
		logger:      logger,
		evaluation:  evaluation,
		identity:    identity,
		sync:        snapshotSync,
		log:         log,
		clock:       time.Now,
		subscribers: make(map[uuid.UUID]chan State),
	}
	c.state = c.machine.StateFromSnapshot(snapshot)
	return c, nil
}

// CurrentState returns the current quota state.
func (c *Coordinator) CurrentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers an observer. The current state is delivered
// immediately as the first value; subsequent states arrive in publish
// order. The returned cancel func removes the registration and closes the
// channel.
func (c *Coordinator) Subscribe() (<-chan State, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := uuid.New()
	ch := make(chan State, 16)
	ch <- c.state
	c.subscribers[id] = ch

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if existing, ok := c.subscribers[id]; ok {
			delete(c.subscribers, id)
			close(existing)
		}
	}
	return ch, cancel
}

// PrepareForDemoStart resolves the device identity and reconciles local
// state against the server snapshot. Any failure fails closed.
func (c *Coordinator) PrepareForDemoStart(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.resolveDeviceLocked(ctx); err != nil {
		c.log.Error("device identity resolution failed", "error", err)
		c.failClosedLocked(ctx)
		return
	}

	if c.sync == nil {
		c.publishLocked()
		return
	}

	snapshot, err := c.sync.FetchSnapshot(ctx, c.deviceID)
	if err != nil {
		c.log.Error("snapshot fetch failed", "error", err)
		c.failClosedLocked(ctx)
		return
	}
	if snapshot == nil {
		c.publishLocked()
		return
	}
	if _, err := c.applyLocked(ctx, Event{Kind: EventResetFromServer, Snapshot: *snapshot}, AttemptMetadata{}); err != nil {
		c.log.Error("server reconciliation failed", "error", err)
	}
}

// MarkAttemptStarted begins an attempt. It is a no-op returning the current
// state unless the state permits starting (guards double-start races from
// rapid taps; a start arriving during gatePending is silently dropped).
func (c *Coordinator) MarkAttemptStarted(ctx context.Context, metadata AttemptMetadata) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.canStartLocked() {
		return c.state, nil
	}
	return c.applyLocked(ctx, Event{Kind: EventStartAttempt}, metadata)
}

// MarkAttemptCompleted finishes the active attempt. It is a no-op unless an
// attempt is active. Side-effect errors resolve to the fail-closed state
// rather than propagating.
func (c *Coordinator) MarkAttemptCompleted(ctx context.Context, metadata AttemptMetadata) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.HasActiveAttempt() {
		return c.state
	}
	state, err := c.applyLocked(ctx, Event{Kind: EventAttemptCompleted}, metadata)
	if err != nil {
		return c.state
	}
	return state
}

// ResetFromServer rehydrates from an authoritative server snapshot.
func (c *Coordinator) ResetFromServer(ctx context.Context, snapshot RemoteSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.applyLocked(ctx, Event{Kind: EventResetFromServer, Snapshot: snapshot}, AttemptMetadata{}); err != nil {
		c.log.Error("reset from server failed", "error", err)
	}
}

// applyLocked is the single mutation path: reduce, publish optimistically,
// execute effects in order, roll back and fail closed on error, then mirror
// best-effort when persistence changed. Callers must hold c.mu.
func (c *Coordinator) applyLocked(ctx context.Context, event Event, metadata AttemptMetadata) (State, error) {
	previous := c.state
	result := c.machine.Reduce(c.state, event)
	c.state = result.State
	c.publishLocked()

	shouldMirror, err := c.executeLocked(ctx, result.Effects, metadata)
	if err != nil {
		c.state = previous
		c.publishLocked()
		c.failClosedLocked(ctx)
		return c.state, err
	}
	if shouldMirror {
		if mirrorErr := c.mirrorLocked(ctx); mirrorErr != nil {
			// Mirroring is best effort; the local store is authoritative.
			c.log.Warn("snapshot mirror failed", "error", mirrorErr)
		}
	}
	return c.state, nil
}

func (c *Coordinator) executeLocked(ctx context.Context, effects []SideEffect, metadata AttemptMetadata) (bool, error) {
	shouldMirror := false
	for _, effect := range effects {
		switch effect.Kind {
		case EffectLogAttemptStart:
			if err := c.logAttemptLocked(ctx, effect.AttemptIndex, StageStart, metadata); err != nil {
				return false, err
			}
		case EffectLogAttemptCompletion:
			if err := c.logAttemptLocked(ctx, effect.AttemptIndex, StageCompletion, metadata); err != nil {
				return false, err
			}
		case EffectSetActiveAttempt:
			if err := c.persistence.SetActiveAttempt(effect.AttemptIndex); err != nil {
				return false, err
			}
			shouldMirror = true
		case EffectSetAttemptsUsed:
			if err := c.persistence.SetAttemptsUsed(effect.AttemptsUsed); err != nil {
				return false, err
			}
			shouldMirror = true
		case EffectRequestEvaluation:
			// Fire and forget: the evaluation must not block attempt
			// completion, and must not run holding the mutex. Its result
			// re-enters apply as an evaluation event.
			go c.requestEvaluation(effect.AttemptIndex, metadata)
		case EffectPersistDecision:
			if err := c.persistence.PersistDecision(effect.Decision); err != nil {
				return false, err
			}
			if reason, ok := effect.Decision.LockReason(); ok {
				if err := c.persistence.PersistServerLockReason(&reason); err != nil {
					return false, err
				}
			} else if err := c.persistence.PersistServerLockReason(nil); err != nil {
				return false, err
			}
			shouldMirror = true
		case EffectReplaceSnapshot:
			if err := c.persistence.Replace(effect.Snapshot); err != nil {
				return false, err
			}
		}
	}
	return shouldMirror, nil
}

// logAttemptLocked retries once before giving up; exhaustion surfaces
// ErrLoggingFailed, which the apply path converts to fail-closed.
func (c *Coordinator) logAttemptLocked(ctx context.Context, attemptIndex int, stage AttemptStage, metadata AttemptMetadata) error {
	device, err := c.resolveDeviceLocked(ctx)
	if err != nil {
		return err
	}
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if err := c.logger.LogAttempt(ctx, device, attemptIndex, stage, metadata); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	c.log.Error("attempt logging exhausted retries", "attempt_index", attemptIndex, "stage", stage, "error", lastErr)
	return ErrLoggingFailed
}

func (c *Coordinator) requestEvaluation(attemptIndex int, metadata AttemptMetadata) {
	ctx := context.Background()

	c.mu.Lock()
	device, err := c.resolveDeviceLocked(ctx)
	c.mu.Unlock()
	if err != nil {
		c.applyEvaluationEvent(ctx, Event{
			Kind:     EventEvaluationTimeout,
			Decision: Decision{Kind: DecisionTimeout, Timestamp: c.clock()},
		})
		return
	}

	outcome, err := c.evaluation.Evaluate(ctx, device, attemptIndex, metadata)
	switch {
	case err != nil:
		// Timeouts and every other failure class degrade to the timeout
		// decision; remote denial is a business outcome, not an error.
		c.applyEvaluationEvent(ctx, Event{
			Kind:     EventEvaluationTimeout,
			Decision: Decision{Kind: DecisionTimeout, Timestamp: c.clock()},
		})
	case outcome.Allow:
		c.applyEvaluationEvent(ctx, Event{
			Kind:     EventEvaluationAllow,
			Decision: Decision{Kind: DecisionAllow, Timestamp: outcome.Timestamp},
		})
	default:
		c.applyEvaluationEvent(ctx, Event{
			Kind:     EventEvaluationDeny,
			Decision: Decision{Kind: DecisionDeny, Message: outcome.Message, Timestamp: outcome.Timestamp},
		})
	}
}

func (c *Coordinator) applyEvaluationEvent(ctx context.Context, event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.applyLocked(ctx, event, AttemptMetadata{}); err != nil {
		c.log.Error("evaluation event apply failed", "event", event.Kind, "error", err)
	}
}

func (c *Coordinator) resolveDeviceLocked(ctx context.Context) (uuid.UUID, error) {
	if c.deviceResolved {
		return c.deviceID, nil
	}
	id, err := c.identity.DeviceID(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	c.deviceID = id
	c.deviceResolved = true
	return id, nil
}

func (c *Coordinator) mirrorLocked(ctx context.Context) error {
	if c.sync == nil {
		return nil
	}
	device, err := c.resolveDeviceLocked(ctx)
	if err != nil {
		return err
	}
	snapshot, err := c.persistence.LoadSnapshot()
	if err != nil {
		return err
	}
	now := c.clock()
	snapshot.LastSyncAt = &now
	return c.sync.Mirror(ctx, snapshot, device)
}

func (c *Coordinator) failClosedLocked(ctx context.Context) {
	attemptsUsed := 2
	if snapshot, err := c.persistence.LoadSnapshot(); err == nil && snapshot.AttemptsUsed > attemptsUsed {
		attemptsUsed = snapshot.AttemptsUsed
	}
	if err := c.persistence.SetAttemptsUsed(attemptsUsed); err != nil {
		c.log.Error("fail-closed persistence update failed", "error", err)
	}
	if err := c.persistence.SetActiveAttempt(0); err != nil {
		c.log.Error("fail-closed active-attempt clear failed", "error", err)
	}
	reason := LockReason{Kind: LockServerSync}
	if err := c.persistence.PersistServerLockReason(&reason); err != nil {
		c.log.Error("fail-closed lock reason persist failed", "error", err)
	}
	c.state = Locked(reason)
	c.publishLocked()
	if err := c.mirrorLocked(ctx); err != nil {
		c.log.Warn("fail-closed mirror failed", "error", err)
	}
}

func (c *Coordinator) canStartLocked() bool {
	switch c.state.Kind {
	case StateFresh, StateSecondAttemptEligible:
		return true
	default:
		return false
	}
}

func (c *Coordinator) publishLocked() {
	for _, ch := range c.subscribers {
		select {
		case ch <- c.state:
		default:
			// Slow consumer; drop rather than block the mutation path.
		}
	}
}
