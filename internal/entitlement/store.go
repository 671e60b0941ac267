package entitlement

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Snapshot is the persisted entitlement record. IsPro survives transient
// error/loading states across launches.
type Snapshot struct {
	IsPro       bool
	ProductID   string
	LastUpdated time.Time
}

// SnapshotStore persists the entitlement snapshot between launches.
type SnapshotStore interface {
	Load() (*Snapshot, error)
	Save(Snapshot) error
	Clear() error
}

// SQLiteSnapshotStore keeps the entitlement snapshot in a local SQLite
// database (single-row table).
type SQLiteSnapshotStore struct {
	db *sql.DB
}

// OpenSnapshotStore opens (or creates) the store at dir/entitlement.db.
func OpenSnapshotStore(dir string) (*SQLiteSnapshotStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating entitlement dir %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "entitlement.db"))
	if err != nil {
		return nil, fmt.Errorf("opening entitlement db: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS entitlement_snapshot (
		id           INTEGER PRIMARY KEY CHECK (id = 1),
		is_pro       INTEGER NOT NULL,
		product_id   TEXT NOT NULL DEFAULT '',
		last_updated TIMESTAMP NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating entitlement table: %w", err)
	}

	return &SQLiteSnapshotStore{db: db}, nil
}

// Load returns the persisted snapshot, or nil when none exists.
func (s *SQLiteSnapshotStore) Load() (*Snapshot, error) {
	var snap Snapshot
	var isPro int
	err := s.db.QueryRow(
		`SELECT is_pro, product_id, last_updated FROM entitlement_snapshot WHERE id = 1`,
	).Scan(&isPro, &snap.ProductID, &snap.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading entitlement snapshot: %w", err)
	}
	snap.IsPro = isPro != 0
	return &snap, nil
}

// Save upserts the snapshot.
func (s *SQLiteSnapshotStore) Save(snap Snapshot) error {
	isPro := 0
	if snap.IsPro {
		isPro = 1
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO entitlement_snapshot (id, is_pro, product_id, last_updated)
		 VALUES (1, ?, ?, ?)`,
		isPro, snap.ProductID, snap.LastUpdated,
	)
	return err
}

// Clear removes the snapshot.
func (s *SQLiteSnapshotStore) Clear() error {
	_, err := s.db.Exec(`DELETE FROM entitlement_snapshot WHERE id = 1`)
	return err
}

// Close closes the underlying database.
func (s *SQLiteSnapshotStore) Close() error {
	return s.db.Close()
}
