package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrIdentityUnavailable is returned when no device identity can be read,
// fetched, or generated.
var ErrIdentityUnavailable = errors.New("device identity unavailable")

// IdentityStore is the secure local storage for the device identifier.
type IdentityStore interface {
	ReadDeviceID() (uuid.UUID, bool, error)
	StoreDeviceID(id uuid.UUID) error
}

// IdentityMirror is the optional server-side identity mirror that lets a
// stable identity survive reinstalls.
type IdentityMirror interface {
	FetchDeviceID(ctx context.Context) (uuid.UUID, bool, error)
	Mirror(ctx context.Context, id uuid.UUID) error
}

// IdentityProvider resolves a stable device identity: local store first,
// then the server mirror, then a freshly generated identifier which is
// stored locally and pushed to the mirror. Generation keeps the provider
// fully functional offline.
type IdentityProvider struct {
	store  IdentityStore
	mirror IdentityMirror
}

// NewIdentityProvider creates a provider. mirror may be nil.
func NewIdentityProvider(store IdentityStore, mirror IdentityMirror) *IdentityProvider {
	return &IdentityProvider{store: store, mirror: mirror}
}

// DeviceID resolves the device identity.
func (p *IdentityProvider) DeviceID(ctx context.Context) (uuid.UUID, error) {
	existing, ok, err := p.store.ReadDeviceID()
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}
	if ok {
		return existing, nil
	}

	if p.mirror != nil {
		mirrored, found, err := p.mirror.FetchDeviceID(ctx)
		if err == nil && found {
			if err := p.store.StoreDeviceID(mirrored); err != nil {
				return uuid.Nil, fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
			}
			return mirrored, nil
		}
		// Mirror failures fall through to local generation.
	}

	generated := uuid.New()
	if err := p.store.StoreDeviceID(generated); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}
	if p.mirror != nil {
		// Best effort; the local copy is authoritative from here on.
		_ = p.mirror.Mirror(ctx, generated)
	}
	return generated, nil
}

// SQLiteIdentityStore keeps the device identifier in a local SQLite
// database, standing in for platform secure storage.
type SQLiteIdentityStore struct {
	db *sql.DB
}

// OpenIdentityStore opens (or creates) the identity database at
// dir/identity.db.
func OpenIdentityStore(dir string) (*SQLiteIdentityStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating identity dir %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "identity.db"))
	if err != nil {
		return nil, fmt.Errorf("opening identity db: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS device_identity (
		id        INTEGER PRIMARY KEY CHECK (id = 1),
		device_id TEXT NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating identity table: %w", err)
	}

	return &SQLiteIdentityStore{db: db}, nil
}

// ReadDeviceID returns the stored identifier, if any.
func (s *SQLiteIdentityStore) ReadDeviceID() (uuid.UUID, bool, error) {
	var raw string
	err := s.db.QueryRow(`SELECT device_id FROM device_identity WHERE id = 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("reading device id: %w", err)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("parsing stored device id: %w", err)
	}
	return id, true, nil
}

// StoreDeviceID persists the identifier.
func (s *SQLiteIdentityStore) StoreDeviceID(id uuid.UUID) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO device_identity (id, device_id) VALUES (1, ?)`,
		id.String(),
	)
	return err
}

// Close closes the underlying database.
func (s *SQLiteIdentityStore) Close() error {
	return s.db.Close()
}
