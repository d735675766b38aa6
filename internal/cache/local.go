package cache

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"forge/internal/errdefs"
	"forge/internal/hashing"
	"forge/internal/logging"
)

// indexMagic and indexVersion gate the action index schema. Readers
// reject unknown versions with a structured error; there is no silent
// migration.
const (
	indexMagic   = "FACT"
	indexVersion = 1
)

// LocalIndex is the on-disk fingerprint -> entry index, stored in SQLite
// at <cache-root>/actions/index. A single mutex serializes access; the
// critical sections are short and blob I/O happens outside them.
type LocalIndex struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenLocalIndex creates or reopens the action index under dir.
func OpenLocalIndex(dir string) (*LocalIndex, error) {
	timer := logging.StartTimer(logging.CategoryCache, "OpenLocalIndex")
	defer timer.Stop()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errdefs.Wrap(errdefs.KindIO, err, "creating %s", dir)
	}
	path := filepath.Join(dir, "index")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindCacheLoad, err, "opening action index %s", path)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.CacheDebug("failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.CacheDebug("failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.CacheDebug("failed to set sqlite synchronous=NORMAL: %v", err)
	}

	idx := &LocalIndex{db: db}
	if err := idx.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Cache("action index opened at %s", path)
	return idx, nil
}

func (l *LocalIndex) initialize() error {
	schema := `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	fingerprint TEXT PRIMARY KEY,
	payload     BLOB NOT NULL,
	created_at  INTEGER NOT NULL,
	last_used   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_last_used ON entries(last_used);
`
	if _, err := l.db.Exec(schema); err != nil {
		return errdefs.Wrap(errdefs.KindCacheLoad, err, "initializing action index schema")
	}

	// Magic + version handshake.
	var magic, version string
	err := l.db.QueryRow("SELECT value FROM meta WHERE key = 'magic'").Scan(&magic)
	switch {
	case err == sql.ErrNoRows:
		if _, err := l.db.Exec(
			"INSERT INTO meta(key, value) VALUES ('magic', ?), ('version', ?)",
			indexMagic, fmt.Sprint(indexVersion)); err != nil {
			return errdefs.Wrap(errdefs.KindCacheLoad, err, "stamping action index")
		}
		return nil
	case err != nil:
		return errdefs.Wrap(errdefs.KindCacheLoad, err, "reading action index meta")
	}

	if magic != indexMagic {
		return errdefs.New(errdefs.KindCacheCorrupted, "action index magic %q, want %q", magic, indexMagic)
	}
	if err := l.db.QueryRow("SELECT value FROM meta WHERE key = 'version'").Scan(&version); err != nil {
		return errdefs.Wrap(errdefs.KindCacheLoad, err, "reading action index version")
	}
	if version != fmt.Sprint(indexVersion) {
		return errdefs.New(errdefs.KindCacheLoad, "action index version %s not supported (want %d)", version, indexVersion)
	}
	return nil
}

// Get returns the entry for a fingerprint, or ErrNotFound. A payload that
// fails its validation hash is deleted and reported corrupted.
func (l *LocalIndex) Get(fp hashing.Digest) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var payload []byte
	err := l.db.QueryRow("SELECT payload FROM entries WHERE fingerprint = ?", fp.String()).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, errdefs.Wrap(errdefs.KindCacheLoad, errdefs.ErrNotFound, "entry %s", fp)
	}
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindCacheLoad, err, "loading entry %s", fp)
	}

	entry, err := unmarshalEntry(payload)
	if err != nil || !entry.CheckSealed() || entry.Fingerprint != fp.String() {
		l.deleteLocked(fp)
		return nil, errdefs.Wrap(errdefs.KindCacheCorrupted, errdefs.ErrCorrupted, "entry %s", fp)
	}

	l.db.Exec("UPDATE entries SET last_used = ? WHERE fingerprint = ?", time.Now().UnixNano(), fp.String())
	return entry, nil
}

// Put inserts or replaces an entry. Inserting an identical sealed entry
// is a no-op.
func (l *LocalIndex) Put(entry *Entry) error {
	if !entry.CheckSealed() {
		return errdefs.New(errdefs.KindInternal, "inserting unsealed entry %s", entry.Fingerprint)
	}
	payload, err := entry.marshal()
	if err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "marshaling entry %s", entry.Fingerprint)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UnixNano()
	_, err = l.db.Exec(`
INSERT INTO entries(fingerprint, payload, created_at, last_used) VALUES (?, ?, ?, ?)
ON CONFLICT(fingerprint) DO UPDATE SET payload = excluded.payload, last_used = excluded.last_used`,
		entry.Fingerprint, payload, now, now)
	if err != nil {
		return errdefs.Wrap(errdefs.KindCacheLoad, err, "storing entry %s", entry.Fingerprint)
	}
	return nil
}

// Delete removes an entry. Idempotent.
func (l *LocalIndex) Delete(fp hashing.Digest) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deleteLocked(fp)
}

func (l *LocalIndex) deleteLocked(fp hashing.Digest) error {
	if _, err := l.db.Exec("DELETE FROM entries WHERE fingerprint = ?", fp.String()); err != nil {
		return errdefs.Wrap(errdefs.KindCacheLoad, err, "deleting entry %s", fp)
	}
	return nil
}

// Count returns the number of stored entries.
func (l *LocalIndex) Count() (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var n int64
	if err := l.db.QueryRow("SELECT COUNT(*) FROM entries").Scan(&n); err != nil {
		return 0, errdefs.Wrap(errdefs.KindCacheLoad, err, "counting entries")
	}
	return n, nil
}

// LiveDigests returns the output digests of every entry created after
// cutoff. The eviction pass protects these blobs.
func (l *LocalIndex) LiveDigests(cutoff time.Time) (map[hashing.Digest]bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.Query("SELECT payload FROM entries WHERE created_at >= ?", cutoff.UnixNano())
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindCacheLoad, err, "scanning live entries")
	}
	defer rows.Close()

	live := make(map[hashing.Digest]bool)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			continue
		}
		entry, err := unmarshalEntry(payload)
		if err != nil {
			continue
		}
		for _, d := range entry.OutputDigests() {
			live[d] = true
		}
	}
	return live, rows.Err()
}

// Close closes the index.
func (l *LocalIndex) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Close()
}
