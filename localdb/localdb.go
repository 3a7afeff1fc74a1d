// Package localdb persists the client's cross-session state: the
// tombstone index, rebroadcast cooldown buckets and view count
// snapshots. The SQLite schema is versioned through embedded migrations
// so incompatible cached data is migrated or discarded, never
// misinterpreted.
package localdb

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/PR0M3TH3AN/bitvid-sync/localdb/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// TombstoneStore persists the newest delete timestamp per root.
type TombstoneStore interface {
	LoadTombstones() (map[string]int64, error)
	SaveTombstone(rootID string, createdAt int64) error
}

// CooldownStore persists rebroadcast attempt buckets keyed by scope.
type CooldownStore interface {
	GetBucket(scope string) (bucket int64, ok bool, err error)
	PutBucket(scope string, bucket int64, seenAt int64) error
	PruneBuckets(seenBefore int64) error
}

// ViewSnapshot is the cached aggregate state for one content pointer.
type ViewSnapshot struct {
	Version       int              `json:"version"`
	Total         int64            `json:"total"`
	DedupeBuckets map[string]int64 `json:"dedupeBuckets,omitempty"`
	LastSyncedAt  int64            `json:"lastSyncedAt"`
}

// ViewSnapshotVersion is the current serialized snapshot schema.
const ViewSnapshotVersion = 1

// ViewStateStore persists view count snapshots per pointer key.
type ViewStateStore interface {
	GetViewState(pointerKey string) (*ViewSnapshot, error)
	PutViewState(pointerKey string, snap *ViewSnapshot) error
	DeleteViewState(pointerKey string) error
}

// DB is the SQLite-backed implementation of all three store interfaces.
type DB struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the local state database at path and brings
// the schema up to date. Path can be ":memory:" for tests.
func Open(path string) (*DB, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating local state db: %w", err)
	}
	return &DB{db: db, path: path}, nil
}

// OpenConnection opens and configures a SQLite connection with the
// PRAGMAs this package expects. Exported for tools and tests.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// Path returns the database file path (or ":memory:").
func (d *DB) Path() string { return d.path }

// CheckMigrations verifies the schema is at the latest version.
func (d *DB) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(d.db)
}

// Close closes the database connection.
func (d *DB) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// LoadTombstones returns the full persisted tombstone index.
func (d *DB) LoadTombstones() (map[string]int64, error) {
	rows, err := d.db.Query("SELECT root_id, created_at FROM tombstones")
	if err != nil {
		return nil, fmt.Errorf("loading tombstones: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var root string
		var createdAt int64
		if err := rows.Scan(&root, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning tombstone row: %w", err)
		}
		out[root] = createdAt
	}
	return out, rows.Err()
}

// SaveTombstone upserts a tombstone, keeping the newest timestamp. The
// max() in the upsert preserves monotonicity even if two processes
// share the file.
func (d *DB) SaveTombstone(rootID string, createdAt int64) error {
	_, err := d.db.Exec(`
		INSERT INTO tombstones (root_id, created_at) VALUES (?, ?)
		ON CONFLICT(root_id) DO UPDATE SET created_at = max(created_at, excluded.created_at)`,
		rootID, createdAt)
	if err != nil {
		return fmt.Errorf("saving tombstone for %s: %w", rootID, err)
	}
	return nil
}

// GetBucket returns the recorded attempt bucket for a rebroadcast scope.
func (d *DB) GetBucket(scope string) (int64, bool, error) {
	var bucket int64
	err := d.db.QueryRow("SELECT bucket FROM rebroadcast_buckets WHERE scope = ?", scope).Scan(&bucket)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading rebroadcast bucket: %w", err)
	}
	return bucket, true, nil
}

// PutBucket records a rebroadcast attempt bucket.
func (d *DB) PutBucket(scope string, bucket int64, seenAt int64) error {
	_, err := d.db.Exec(`
		INSERT INTO rebroadcast_buckets (scope, bucket, seen_at) VALUES (?, ?, ?)
		ON CONFLICT(scope) DO UPDATE SET bucket = excluded.bucket, seen_at = excluded.seen_at`,
		scope, bucket, seenAt)
	if err != nil {
		return fmt.Errorf("recording rebroadcast bucket: %w", err)
	}
	return nil
}

// PruneBuckets removes entries last seen before the cutoff.
func (d *DB) PruneBuckets(seenBefore int64) error {
	if _, err := d.db.Exec("DELETE FROM rebroadcast_buckets WHERE seen_at < ?", seenBefore); err != nil {
		return fmt.Errorf("pruning rebroadcast buckets: %w", err)
	}
	return nil
}

// GetViewState returns the cached snapshot for a pointer, or nil when
// absent or serialized under an unknown schema version.
func (d *DB) GetViewState(pointerKey string) (*ViewSnapshot, error) {
	var payload string
	err := d.db.QueryRow("SELECT payload FROM view_snapshots WHERE pointer_key = ?", pointerKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading view snapshot: %w", err)
	}
	var snap ViewSnapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, nil // corrupt cache entries are treated as absent
	}
	if snap.Version != ViewSnapshotVersion {
		return nil, nil
	}
	return &snap, nil
}

// PutViewState upserts the cached snapshot for a pointer.
func (d *DB) PutViewState(pointerKey string, snap *ViewSnapshot) error {
	snap.Version = ViewSnapshotVersion
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding view snapshot: %w", err)
	}
	_, err = d.db.Exec(`
		INSERT INTO view_snapshots (pointer_key, payload, synced_at) VALUES (?, ?, ?)
		ON CONFLICT(pointer_key) DO UPDATE SET payload = excluded.payload, synced_at = excluded.synced_at`,
		pointerKey, string(raw), snap.LastSyncedAt)
	if err != nil {
		return fmt.Errorf("writing view snapshot: %w", err)
	}
	return nil
}

// DeleteViewState removes the cached snapshot for a pointer.
func (d *DB) DeleteViewState(pointerKey string) error {
	if _, err := d.db.Exec("DELETE FROM view_snapshots WHERE pointer_key = ?", pointerKey); err != nil {
		return fmt.Errorf("deleting view snapshot: %w", err)
	}
	return nil
}

var _ TombstoneStore = (*DB)(nil)
var _ CooldownStore = (*DB)(nil)
var _ ViewStateStore = (*DB)(nil)
