// Package persist stores cache snapshots in SQLite so a cache can be
// rehydrated across process restarts. It uses modernc.org/sqlite (pure
// Go, no CGO); an empty or ":memory:" path keeps the store in memory.
package persist

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"

	"github.com/kodalab/refetch/cache"
)

// DefaultQueryTimeout bounds each store operation to prevent hangs on
// slow storage.
const DefaultQueryTimeout = 5 * time.Second

// Store persists cache snapshots in a SQLite database.
type Store struct {
	db      *sql.DB
	timeout time.Duration
}

// Open opens (creating if needed) a snapshot store at dbPath.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = ":memory:"
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "persist: open database")
	}

	// WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "persist: enable WAL")
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS snapshot (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		expires_at INTEGER NOT NULL,
		stale_at INTEGER NOT NULL,
		ttl INTEGER NOT NULL,
		stale_ttl INTEGER NOT NULL,
		tags BLOB
	)`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "persist: create schema")
	}

	return &Store{db: db, timeout: DefaultQueryTimeout}, nil
}

// Save replaces the stored snapshot with snap. The write is transactional:
// either the whole snapshot lands or the previous one survives.
func (s *Store) Save(ctx context.Context, snap *cache.Snapshot) error {
	if snap == nil {
		return errors.New("persist: nil snapshot")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "persist: begin")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshot`); err != nil {
		return errors.Wrap(err, "persist: clear previous snapshot")
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO snapshot (key, value, expires_at, stale_at, ttl, stale_ttl, tags) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "persist: prepare insert")
	}
	defer stmt.Close()

	for key, rec := range snap.Records {
		tags, err := msgpack.Marshal(rec.Tags)
		if err != nil {
			return errors.Wrapf(err, "persist: encode tags for %q", key)
		}
		var expiresAt, staleAt int64
		if !rec.ExpiresAt.IsZero() {
			expiresAt = rec.ExpiresAt.UnixNano()
		}
		if !rec.StaleAt.IsZero() {
			staleAt = rec.StaleAt.UnixNano()
		}
		if _, err := stmt.ExecContext(ctx, key, rec.Value, expiresAt, staleAt,
			int64(rec.TTL), int64(rec.StaleTTL), tags); err != nil {
			return errors.Wrapf(err, "persist: insert %q", key)
		}
	}
	return errors.Wrap(tx.Commit(), "persist: commit")
}

// Load reads the stored snapshot. Expired records are filtered out by
// cache.Restore, not here, so the snapshot round-trips unchanged.
func (s *Store) Load(ctx context.Context) (*cache.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, expires_at, stale_at, ttl, stale_ttl, tags FROM snapshot`)
	if err != nil {
		return nil, errors.Wrap(err, "persist: query snapshot")
	}
	defer rows.Close()

	snap := &cache.Snapshot{
		Version: cache.SnapshotVersion,
		Records: make(map[string]cache.SnapshotRecord),
	}
	for rows.Next() {
		var (
			key                string
			value, tagsBlob    []byte
			expiresAt, staleAt int64
			ttl, staleTTL      int64
		)
		if err := rows.Scan(&key, &value, &expiresAt, &staleAt, &ttl, &staleTTL, &tagsBlob); err != nil {
			return nil, errors.Wrap(err, "persist: scan record")
		}
		var tags []string
		if len(tagsBlob) > 0 {
			if err := msgpack.Unmarshal(tagsBlob, &tags); err != nil {
				return nil, errors.Wrapf(err, "persist: decode tags for %q", key)
			}
		}
		rec := cache.SnapshotRecord{
			Value:    value,
			TTL:      time.Duration(ttl),
			StaleTTL: time.Duration(staleTTL),
			Tags:     tags,
		}
		if expiresAt != 0 {
			rec.ExpiresAt = time.Unix(0, expiresAt)
		}
		if staleAt != 0 {
			rec.StaleAt = time.Unix(0, staleAt)
		}
		snap.Records[key] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "persist: iterate records")
	}
	return snap, nil
}

// Len returns the number of stored records.
func (s *Store) Len(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshot`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "persist: count records")
	}
	return n, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return errors.Wrap(s.db.Close(), "persist: close database")
}
