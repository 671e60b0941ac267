package quota

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Persistence is the local attempt store mutated only by the coordinator.
type Persistence interface {
	LoadSnapshot() (RemoteSnapshot, error)
	SetAttemptsUsed(count int) error
	SetActiveAttempt(index int) error // 0 clears
	PersistDecision(decision Decision) error
	PersistServerLockReason(reason *LockReason) error
	Replace(snapshot RemoteSnapshot) error
	Reset() error
}

// Store keeps the quota snapshot in a local SQLite database, one logical
// row rederived into state on load.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the quota database at dir/quota.db.
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating quota dir %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "quota.db"))
	if err != nil {
		return nil, fmt.Errorf("opening quota db: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS quota_snapshot (
		id               INTEGER PRIMARY KEY CHECK (id = 1),
		attempts_used    INTEGER NOT NULL DEFAULT 0,
		active_attempt   INTEGER NOT NULL DEFAULT 0,
		decision_kind    TEXT NOT NULL DEFAULT '',
		decision_message TEXT NOT NULL DEFAULT '',
		decision_at      TIMESTAMP,
		lock_kind        TEXT NOT NULL DEFAULT '',
		lock_message     TEXT NOT NULL DEFAULT '',
		last_sync_at     TIMESTAMP
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating quota table: %w", err)
	}

	_, err = db.Exec(`INSERT OR IGNORE INTO quota_snapshot (id) VALUES (1)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("seeding quota row: %w", err)
	}

	return &Store{db: db}, nil
}

// LoadSnapshot reads the persisted snapshot.
func (s *Store) LoadSnapshot() (RemoteSnapshot, error) {
	var snap RemoteSnapshot
	var decisionKind, decisionMessage, lockKind, lockMessage string
	var decisionAt, lastSyncAt sql.NullTime

	err := s.db.QueryRow(`SELECT attempts_used, active_attempt, decision_kind,
		decision_message, decision_at, lock_kind, lock_message, last_sync_at
		FROM quota_snapshot WHERE id = 1`).Scan(
		&snap.AttemptsUsed, &snap.ActiveAttemptIndex,
		&decisionKind, &decisionMessage, &decisionAt,
		&lockKind, &lockMessage, &lastSyncAt,
	)
	if err != nil {
		return RemoteSnapshot{}, fmt.Errorf("loading quota snapshot: %w", err)
	}

	if decisionKind != "" {
		decision := Decision{Kind: DecisionKind(decisionKind), Message: decisionMessage}
		if decisionAt.Valid {
			decision.Timestamp = decisionAt.Time
		}
		snap.LastDecision = &decision
	}
	if lockKind != "" {
		snap.ServerLockReason = &LockReason{Kind: LockReasonKind(lockKind), Message: lockMessage}
	}
	if lastSyncAt.Valid {
		t := lastSyncAt.Time
		snap.LastSyncAt = &t
	}
	return snap, nil
}

// SetAttemptsUsed updates the attempts-used counter.
func (s *Store) SetAttemptsUsed(count int) error {
	_, err := s.db.Exec(`UPDATE quota_snapshot SET attempts_used = ? WHERE id = 1`, count)
	return err
}

// SetActiveAttempt records the running attempt index; 0 clears it.
func (s *Store) SetActiveAttempt(index int) error {
	_, err := s.db.Exec(`UPDATE quota_snapshot SET active_attempt = ? WHERE id = 1`, index)
	return err
}

// PersistDecision records the evaluation decision.
func (s *Store) PersistDecision(decision Decision) error {
	_, err := s.db.Exec(
		`UPDATE quota_snapshot SET decision_kind = ?, decision_message = ?, decision_at = ? WHERE id = 1`,
		string(decision.Kind), decision.Message, decision.Timestamp,
	)
	return err
}

// PersistServerLockReason records (or clears, on nil) the server lock reason.
func (s *Store) PersistServerLockReason(reason *LockReason) error {
	if reason == nil {
		_, err := s.db.Exec(`UPDATE quota_snapshot SET lock_kind = '', lock_message = '' WHERE id = 1`)
		return err
	}
	_, err := s.db.Exec(
		`UPDATE quota_snapshot SET lock_kind = ?, lock_message = ? WHERE id = 1`,
		string(reason.Kind), reason.Message,
	)
	return err
}

// Replace overwrites the whole snapshot row.
func (s *Store) Replace(snapshot RemoteSnapshot) error {
	var decisionKind, decisionMessage string
	var decisionAt any
	if snapshot.LastDecision != nil {
		decisionKind = string(snapshot.LastDecision.Kind)
		decisionMessage = snapshot.LastDecision.Message
		decisionAt = snapshot.LastDecision.Timestamp
	}
	var lockKind, lockMessage string
	if snapshot.ServerLockReason != nil {
		lockKind = string(snapshot.ServerLockReason.Kind)
		lockMessage = snapshot.ServerLockReason.Message
	}
	var lastSyncAt any
	if snapshot.LastSyncAt != nil {
		lastSyncAt = *snapshot.LastSyncAt
	}

	_, err := s.db.Exec(`UPDATE quota_snapshot SET
		attempts_used = ?, active_attempt = ?,
		decision_kind = ?, decision_message = ?, decision_at = ?,
		lock_kind = ?, lock_message = ?, last_sync_at = ?
		WHERE id = 1`,
		snapshot.AttemptsUsed, snapshot.ActiveAttemptIndex,
		decisionKind, decisionMessage, decisionAt,
		lockKind, lockMessage, lastSyncAt,
	)
	return err
}

// Reset clears the snapshot back to fresh.
func (s *Store) Reset() error {
	return s.Replace(RemoteSnapshot{})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
