package quota

import (
	"testing"
	"time"
)

// TestStoreRoundTrip exercises every persistence mutation against a real
// on-disk database and checks that the snapshot survives a reopen.
func TestStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()

	store, err := OpenStore(dir)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}

	snap, err := store.LoadSnapshot()
	if err != nil {
		t.Fatalf("loading fresh snapshot: %v", err)
	}
	if snap.AttemptsUsed != 0 || snap.ActiveAttemptIndex != 0 || snap.LastDecision != nil {
		t.Fatalf("fresh snapshot not empty: %+v", snap)
	}

	if err := store.SetAttemptsUsed(1); err != nil {
		t.Fatalf("setting attempts used: %v", err)
	}
	if err := store.SetActiveAttempt(2); err != nil {
		t.Fatalf("setting active attempt: %v", err)
	}
	decision := Decision{Kind: DecisionDeny, Message: "not today", Timestamp: time.Unix(1000, 0).UTC()}
	if err := store.PersistDecision(decision); err != nil {
		t.Fatalf("persisting decision: %v", err)
	}
	reason := LockReason{Kind: LockEvaluationDenied, Message: "not today"}
	if err := store.PersistServerLockReason(&reason); err != nil {
		t.Fatalf("persisting lock reason: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("closing store: %v", err)
	}

	reopened, err := OpenStore(dir)
	if err != nil {
		t.Fatalf("reopening store: %v", err)
	}
	defer reopened.Close()

	snap, err = reopened.LoadSnapshot()
	if err != nil {
		t.Fatalf("loading after reopen: %v", err)
	}
	if snap.AttemptsUsed != 1 || snap.ActiveAttemptIndex != 2 {
		t.Errorf("counters lost across reopen: %+v", snap)
	}
	if snap.LastDecision == nil || snap.LastDecision.Kind != DecisionDeny || snap.LastDecision.Message != "not today" {
		t.Errorf("decision lost across reopen: %+v", snap.LastDecision)
	}
	if snap.ServerLockReason == nil || snap.ServerLockReason.Kind != LockEvaluationDenied {
		t.Errorf("lock reason lost across reopen: %+v", snap.ServerLockReason)
	}
}

// TestStoreReplaceAndReset verifies Replace overwrites the whole row and
// Reset clears back to fresh.
func TestStoreReplaceAndReset(t *testing.T) {
	store, err := OpenStore(t.TempDir())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	defer store.Close()

	syncAt := time.Unix(2000, 0).UTC()
	full := RemoteSnapshot{
		AttemptsUsed:       2,
		ActiveAttemptIndex: 0,
		LastDecision:       &Decision{Kind: DecisionAllow, Timestamp: time.Unix(1500, 0).UTC()},
		ServerLockReason:   &LockReason{Kind: LockServerSync},
		LastSyncAt:         &syncAt,
	}
	if err := store.Replace(full); err != nil {
		t.Fatalf("replacing snapshot: %v", err)
	}

	snap, err := store.LoadSnapshot()
	if err != nil {
		t.Fatalf("loading replaced snapshot: %v", err)
	}
	if snap.AttemptsUsed != 2 || snap.LastDecision == nil || snap.ServerLockReason == nil || snap.LastSyncAt == nil {
		t.Fatalf("replace incomplete: %+v", snap)
	}

	if err := store.Reset(); err != nil {
		t.Fatalf("resetting: %v", err)
	}
	snap, err = store.LoadSnapshot()
	if err != nil {
		t.Fatalf("loading after reset: %v", err)
	}
	if snap.AttemptsUsed != 0 || snap.LastDecision != nil || snap.ServerLockReason != nil || snap.LastSyncAt != nil {
		t.Errorf("reset incomplete: %+v", snap)
	}
}

// TestClearServerLockReason verifies passing nil clears a stored reason.
func TestClearServerLockReason(t *testing.T) {
	store, err := OpenStore(t.TempDir())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	defer store.Close()

	reason := LockReason{Kind: LockQuotaExhausted}
	if err := store.PersistServerLockReason(&reason); err != nil {
		t.Fatalf("persisting reason: %v", err)
	}
	if err := store.PersistServerLockReason(nil); err != nil {
		t.Fatalf("clearing reason: %v", err)
	}

	snap, err := store.LoadSnapshot()
	if err != nil {
		t.Fatalf("loading snapshot: %v", err)
	}
	if snap.ServerLockReason != nil {
		t.Errorf("lock reason should be cleared, got %+v", snap.ServerLockReason)
	}
}
